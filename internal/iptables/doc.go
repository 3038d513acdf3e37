// Package iptables reconciles declaratively-owned iptables chains and
// rules against the live kernel state.
//
// # Overview
//
// A Manager owns a namespaced slice of the iptables rule set. Callers
// declare chains and rules against in-memory tables; Apply dumps the
// kernel state with iptables-save, merges the desired state into it,
// computes the minimal set of restore directives and feeds them to
// iptables-restore in no-flush mode. Rules written by other tools are
// preserved untouched as long as they do not carry the manager's
// prefix.
//
// # Architecture
//
//	Manager          apply orchestration, locking, deferral, journal
//	Table            desired chains/rules for one (family, table) pair
//	DirectivePath    pure diff from old lines to new lines
//	CommandRunner    executes iptables binaries (mockable)
//	ContextLock      serializes applies across processes (flock)
//
// # Key Types
//
//   - Manager: coordinator for both address families
//   - Table: mutable desired state with AddChain/AddRule and friends
//   - Rule: one desired rule; Comment and Tag are annotations only
//   - ApplyError: failed restore batch with the offending line
//
// # Example
//
//	cfg := iptables.DefaultConfig()
//	cfg.EnableIPv6 = true
//	m, err := iptables.New(cfg)
//	if err != nil {
//		return err
//	}
//	filter, _ := m.Table(iptables.IPv4, "filter")
//	filter.AddChain("scrub", true)
//	if err := filter.AddRule("scrub", "-p tcp --dport 22 -j ACCEPT"); err != nil {
//		return err
//	}
//	if err := filter.AddRule("INPUT", "-j $scrub"); err != nil {
//		return err
//	}
//	if _, err := m.Apply(); err != nil {
//		return err
//	}
package iptables
