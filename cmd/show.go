package cmd

import (
	"fmt"

	"grimm.is/floe/internal/iptables"
)

// RunShow dumps the current kernel rules for one table, or for every
// table when table is empty.
func RunShow(namespace, table string, ipv6 bool) error {
	cfg := iptables.DefaultConfig()
	cfg.Namespace = namespace
	cfg.EnableIPv6 = ipv6

	m, err := iptables.New(cfg)
	if err != nil {
		return err
	}

	family := iptables.IPv4
	if ipv6 {
		family = iptables.IPv6
	}

	lines, err := m.RulesForTable(family, table)
	if err != nil {
		return fmt.Errorf("reading rules: %w", err)
	}
	for _, line := range lines {
		Printer.Println(line)
	}
	return nil
}
