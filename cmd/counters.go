package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"grimm.is/floe/internal/iptables"
	"grimm.is/floe/internal/logging"
)

// CountersOptions selects which chain to read and how.
type CountersOptions struct {
	Namespace string
	Prefix    string
	Chain     string
	Unwrapped bool
	IPv6      bool
	Zero      bool
	JSON      bool
}

// RunCounters sums the kernel packet and byte counters of a chain
// across every table declaring it.
func RunCounters(opts CountersOptions) error {
	if opts.Chain == "" {
		return fmt.Errorf("a chain name is required")
	}

	cfg := iptables.DefaultConfig()
	cfg.Namespace = opts.Namespace
	cfg.Prefix = opts.Prefix
	cfg.EnableIPv6 = opts.IPv6
	// Probing tables the chain is absent from is expected, keep the
	// per-table warnings out of the command output.
	cfg.Logger = logging.New(logging.Config{Level: logging.LevelError, Output: os.Stderr})

	m, err := iptables.New(cfg)
	if err != nil {
		return err
	}

	// The manager only reads counters for chains it knows about, so
	// declare the requested one on every managed table.
	wrap := !opts.Unwrapped
	for _, family := range []iptables.Family{iptables.IPv4, iptables.IPv6} {
		for _, name := range m.TableNamesFor(family) {
			if t, ok := m.Table(family, name); ok {
				t.AddChain(opts.Chain, wrap)
			}
		}
	}

	counters, ok := m.GetTrafficCounters(opts.Chain, wrap, opts.Zero)
	if !ok {
		return fmt.Errorf("chain %s not found", opts.Chain)
	}

	if opts.JSON {
		out, err := json.MarshalIndent(counters, "", "  ")
		if err != nil {
			return err
		}
		Printer.Println(string(out))
		return nil
	}
	Printer.Printf("chain %s: %d packets, %d bytes\n", opts.Chain, counters.Packets, counters.Bytes)
	return nil
}
