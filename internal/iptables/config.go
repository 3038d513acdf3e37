package iptables

import (
	"grimm.is/floe/internal/brand"
	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/journal"
	"grimm.is/floe/internal/logging"
)

// Config controls how a Manager is built. Injected dependencies left
// nil fall back to production implementations in New; behavioral
// toggles are taken as-is, so start from DefaultConfig.
type Config struct {
	// Namespace runs every gateway command inside the named network
	// namespace via "ip netns exec". Empty means the host namespace.
	Namespace string

	// EnableIPv6 reconciles ip6tables alongside iptables. Desired v6
	// state is tracked either way; only the apply is gated.
	EnableIPv6 bool

	// Stateless skips the nat table and the mangle mark plumbing.
	Stateless bool

	// Prefix namespaces every wrapped chain. Defaults to the binary
	// name; at most 16 bytes are used and spaces become underscores.
	Prefix string

	// EnableComments renders rule comments as iptables comment matches.
	EnableComments bool

	// VerifyApply reconciles a second time after every successful apply
	// and fails with ErrNotConverged if directives remain.
	VerifyApply bool

	// LockDir is where lock files live when no Lock is injected.
	LockDir string

	Runner  CommandRunner
	Lock    ContextLock
	Logger  *logging.Logger
	Journal *journal.Store
	Clock   clock.Clock
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnableComments: true,
		LockDir:        brand.GetLockDir(),
	}
}
