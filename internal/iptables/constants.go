package iptables

import "grimm.is/floe/internal/brand"

// Family selects an IP protocol family.
type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

// String returns the lowercase family name used in logs and metric labels.
func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

func (f Family) saveCommand() string {
	if f == IPv6 {
		return "ip6tables-save"
	}
	return "iptables-save"
}

func (f Family) restoreCommand() string {
	if f == IPv6 {
		return "ip6tables-restore"
	}
	return "iptables-restore"
}

func (f Family) command() string {
	if f == IPv6 {
		return "ip6tables"
	}
	return "iptables"
}

// iptables limits chain names to 28 bytes. Wrapped names must leave
// room for the 16 byte prefix and the separator.
const (
	MaxChainNameWrap   = 11
	MaxChainNameUnwrap = 28
	MaxPrefixLength    = 16
)

// Chains shared by all coordinators regardless of prefix.
const (
	FilterTopChain         = brand.LowerName + "-filter-top"
	PostroutingBottomChain = brand.LowerName + "-postrouting-bottom"
)

// Restore payload framing.
const (
	generatedByLine = "# Generated by " + brand.LowerName
	completedByLine = "# Completed by " + brand.LowerName
)

// errorContextLines is how many payload lines are logged on either side
// of a failed restore directive.
const errorContextLines = 5

// snatOutComment documents the jump that performs outbound source NAT.
const snatOutComment = "Perform source NAT on outgoing traffic."
