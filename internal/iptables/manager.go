package iptables

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"grimm.is/floe/internal/brand"
	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/journal"
	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
)

var (
	// Namespace names are interpolated into an ip netns exec argv, so
	// they are restricted to safe identifier characters.
	validNamespaceRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

	// Matches both iptables-restore and ip6tables-restore failures.
	restoreFailedRe = regexp.MustCompile(`ip6?tables-restore: line ([0-9]+?) failed`)
)

// Manager coordinates desired rule state for both address families and
// reconciles it against the kernel.
type Manager struct {
	mu        sync.Mutex
	namespace string
	wrapName  string
	useIPv6   bool
	stateless bool
	verify    bool
	deferred  bool

	ipv4 map[string]*Table
	ipv6 map[string]*Table

	runner  CommandRunner
	lock    ContextLock
	logger  *logging.Logger
	journal *journal.Store
	clk     clock.Clock
}

// New builds a Manager and seeds the scaffolding every coordinator
// shares: the filter-top dispatch chains, wrapped builtin chains, and
// unless stateless the NAT and mark plumbing.
func New(cfg Config) (*Manager, error) {
	if cfg.Namespace != "" && !validNamespaceRe.MatchString(cfg.Namespace) {
		return nil, fmt.Errorf("invalid namespace %q", cfg.Namespace)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = BinaryPrefix()
	}
	prefix = truncate(strings.ReplaceAll(prefix, " ", "_"), MaxPrefixLength)

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}

	runner := cfg.Runner
	if runner == nil {
		runner = DefaultCommandRunner
	}

	lk := cfg.Lock
	if lk == nil {
		dir := cfg.LockDir
		if dir == "" {
			dir = brand.GetLockDir()
		}
		lk = NewFlockLock(dir)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	m := &Manager{
		namespace: cfg.Namespace,
		wrapName:  prefix,
		useIPv6:   cfg.EnableIPv6,
		stateless: cfg.Stateless,
		verify:    cfg.VerifyApply,
		runner:    runner,
		lock:      lk,
		logger:    logger.WithComponent("iptables"),
		journal:   cfg.Journal,
		clk:       clk,
	}
	m.bootstrap(cfg.EnableComments)
	return m, nil
}

func (m *Manager) bootstrap(comments bool) {
	newT := func(f Family, name string) *Table {
		return newTable(f, name, m.wrapName, comments, m.logger)
	}

	m.ipv4 = map[string]*Table{"filter": newT(IPv4, "filter")}
	m.ipv6 = map[string]*Table{"filter": newT(IPv6, "filter")}
	if !m.stateless {
		m.ipv4["mangle"] = newT(IPv4, "mangle")
		m.ipv6["mangle"] = newT(IPv6, "mangle")
		m.ipv4["nat"] = newT(IPv4, "nat")
	}
	m.ipv4["raw"] = newT(IPv4, "raw")
	m.ipv6["raw"] = newT(IPv6, "raw")

	// filter-top is shared across coordinators: wrapped local chains are
	// dispatched there so they run before anything else in FORWARD and
	// OUTPUT.
	for _, t := range []*Table{m.ipv4["filter"], m.ipv6["filter"]} {
		t.AddChain(FilterTopChain, false)
		mustAdd(t, "FORWARD", "-j "+FilterTopChain, Unwrapped(), Top())
		mustAdd(t, "OUTPUT", "-j "+FilterTopChain, Unwrapped(), Top())
		t.AddChain("local", true)
		mustAdd(t, FilterTopChain, "-j $local", Unwrapped())
	}

	type builtinSet struct {
		table  *Table
		chains []string
	}
	builtins := []builtinSet{
		{m.ipv4["filter"], []string{"INPUT", "OUTPUT", "FORWARD"}},
		{m.ipv6["filter"], []string{"INPUT", "OUTPUT", "FORWARD"}},
	}
	if !m.stateless {
		mangleChains := []string{"PREROUTING", "INPUT", "FORWARD", "OUTPUT", "POSTROUTING"}
		builtins = append(builtins,
			builtinSet{m.ipv4["mangle"], mangleChains},
			builtinSet{m.ipv6["mangle"], mangleChains},
			builtinSet{m.ipv4["nat"], []string{"PREROUTING", "OUTPUT", "POSTROUTING"}},
		)
	}
	builtins = append(builtins,
		builtinSet{m.ipv4["raw"], []string{"PREROUTING", "OUTPUT"}},
		builtinSet{m.ipv6["raw"], []string{"PREROUTING", "OUTPUT"}},
	)
	// Every builtin chain gets a wrapped twin and a jump into it.
	for _, b := range builtins {
		for _, chain := range b.chains {
			b.table.AddChain(chain, true)
			mustAdd(b.table, chain, "-j $"+chain, Unwrapped())
		}
	}

	if !m.stateless {
		nat := m.ipv4["nat"]
		nat.AddChain(PostroutingBottomChain, false)
		mustAdd(nat, "POSTROUTING", "-j "+PostroutingBottomChain, Unwrapped())
		nat.AddChain("snat", true)
		mustAdd(nat, PostroutingBottomChain, "-j $snat", Unwrapped(), WithComment(snatOutComment))
		nat.AddChain("float-snat", true)
		mustAdd(nat, "snat", "-j $float-snat")

		mangle := m.ipv4["mangle"]
		mangle.AddChain("mark", true)
		mustAdd(mangle, "PREROUTING", "-j $mark")
	}
}

func mustAdd(t *Table, chain, body string, opts ...RuleOpt) {
	if err := t.AddRule(chain, body, opts...); err != nil {
		panic(fmt.Sprintf("iptables: seeding builtin rule for %s: %v", chain, err))
	}
}

// Prefix returns the wrap prefix chains are namespaced with.
func (m *Manager) Prefix() string { return m.wrapName }

// Table returns the desired-state table for a family, or false when the
// pair does not exist (unknown name, or nat under stateless mode).
func (m *Manager) Table(family Family, name string) (*Table, bool) {
	t, ok := m.tables(family)[name]
	return t, ok
}

func (m *Manager) tables(family Family) map[string]*Table {
	if family == IPv6 {
		return m.ipv6
	}
	return m.ipv4
}

// TableNamesFor returns the table names managed for a family, sorted.
func (m *Manager) TableNamesFor(family Family) []string {
	return sortedTableNames(m.tables(family))
}

// DeferApplyOn suspends applies until DeferApplyOff so a burst of
// mutations lands in one kernel pass.
func (m *Manager) DeferApplyOn() {
	m.mu.Lock()
	m.deferred = true
	m.mu.Unlock()
}

// DeferApplyOff resumes applies and immediately flushes the batch.
func (m *Manager) DeferApplyOff() error {
	m.mu.Lock()
	m.deferred = false
	m.mu.Unlock()
	_, err := m.ApplyContext(context.Background())
	return err
}

// DeferApply batches every mutation fn makes into a single apply. The
// apply runs even when fn fails; an apply error takes precedence over
// fn's error.
func (m *Manager) DeferApply(fn func() error) error {
	m.DeferApplyOn()
	fnErr := fn()
	if err := m.DeferApplyOff(); err != nil {
		if fnErr != nil {
			m.logger.Error("deferred mutations failed before apply", "error", fnErr)
		}
		var applyErr *ApplyError
		if errors.As(err, &applyErr) || errors.Is(err, ErrNotConverged) {
			return err
		}
		return fmt.Errorf("failure applying iptables rules: %w", err)
	}
	return fnErr
}

// Apply reconciles every table with the kernel and returns the restore
// directives issued. While deferral is active it records a skip and
// returns nil.
func (m *Manager) Apply() ([]string, error) {
	return m.ApplyContext(context.Background())
}

// ApplyContext is Apply honoring ctx during lock acquisition.
func (m *Manager) ApplyContext(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	deferred := m.deferred
	m.mu.Unlock()
	if deferred {
		metrics.Get().RecordDeferredSkip()
		return nil, nil
	}
	return m.apply(ctx)
}

func (m *Manager) apply(ctx context.Context) ([]string, error) {
	lockName := "iptables"
	if m.namespace != "" {
		lockName += "-" + m.namespace
	}

	start := m.clk.Now()
	var applied []string
	err := m.lock.Run(ctx, lockName, func() error {
		first, err := m.applySynchronized()
		if err != nil {
			return err
		}
		applied = first
		if !m.verify {
			return nil
		}
		second, err := m.applySynchronized()
		if err != nil {
			return err
		}
		if len(second) > 0 {
			metrics.Get().RecordConvergenceFailure()
			residual := strings.Join(second, "\n")
			m.logger.Error("iptables rules did not converge", "residual", residual)
			return fmt.Errorf("%w:\n%s", ErrNotConverged, residual)
		}
		return nil
	})

	elapsed := m.clk.Since(start)
	status := journal.StatusApplied
	if err != nil {
		status = journal.StatusFailed
	}
	metrics.Get().RecordApply(status, elapsed.Seconds())
	m.record(start, elapsed, len(applied), status, err)

	if err != nil {
		return nil, err
	}
	m.logger.Debug("apply complete", "directives", len(applied), "duration", elapsed)
	return applied, nil
}

func (m *Manager) record(start time.Time, elapsed time.Duration, directives int, status string, err error) {
	if m.journal == nil {
		return
	}
	families := IPv4.String()
	if m.useIPv6 {
		families += "," + IPv6.String()
	}
	rec := journal.Record{
		Timestamp:  start,
		Namespace:  m.namespace,
		Families:   families,
		Directives: directives,
		DurationMS: elapsed.Milliseconds(),
		Status:     status,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if werr := m.journal.Write(rec); werr != nil {
		m.logger.Warn("failed to record apply in journal", "error", werr)
	}
}

// applySynchronized runs one reconcile pass per enabled family. The
// caller must hold the apply lock.
func (m *Manager) applySynchronized() ([]string, error) {
	type familyRun struct {
		family Family
		tables map[string]*Table
	}
	runs := []familyRun{{IPv4, m.ipv4}}
	if m.useIPv6 {
		runs = append(runs, familyRun{IPv6, m.ipv6})
	}

	reg := metrics.Get()
	var all []string
	for _, run := range runs {
		saveName, saveArgs := m.command(run.family.saveCommand())
		reg.RecordSave(run.family.String())
		out, err := m.runner.Output(saveName, saveArgs...)
		if err != nil {
			reg.RecordSaveFailure(run.family.String())
			return nil, fmt.Errorf("%s: %w", run.family.saveCommand(), err)
		}
		allLines := strings.Split(string(out), "\n")

		var commands []string
		for _, name := range sortedTableNames(run.tables) {
			table := run.tables[name]
			start, end := FindTable(allLines, name)
			if start == end {
				m.logger.Debug("table not present in dump", "table", name, "family", run.family.String())
			}
			oldRules := allLines[start:end]
			newRules := table.reconcile(oldRules)
			changes := DirectivePath(oldRules, newRules)
			if len(changes) == 0 {
				continue
			}
			commands = append(commands, generatedByLine, "*"+name)
			commands = append(commands, changes...)
			commands = append(commands, "COMMIT", completedByLine)
		}
		if len(commands) == 0 {
			continue
		}
		all = append(all, commands...)

		payload := strings.Join(commands, "\n") + "\n"
		restoreName, restoreArgs := m.command(run.family.restoreCommand(), "-n")
		err = m.runner.RunInput(payload, restoreName, restoreArgs...)
		reg.RecordRestore(run.family.String(), len(commands), err)
		if err != nil {
			line := m.reportRestoreFailure(run.family, commands, err)
			return nil, &ApplyError{Family: run.family, Line: line, Err: err}
		}
	}
	return all, nil
}

// reportRestoreFailure logs the payload window around the directive the
// restore binary blamed and returns its line number (0 when unknown).
func (m *Manager) reportRestoreFailure(family Family, commands []string, err error) int {
	line := 0
	logStart, logEnd := 0, len(commands)
	if match := restoreFailedRe.FindStringSubmatch(err.Error()); match != nil {
		line, _ = strconv.Atoi(match[1])
		logStart = line - errorContextLines
		if logStart < 0 {
			logStart = 0
		}
		logEnd = line + errorContextLines
		if logEnd > len(commands) {
			logEnd = len(commands)
		}
	}
	var b strings.Builder
	for i := logStart; i < logEnd; i++ {
		fmt.Fprintf(&b, "%7d. %s\n", i+1, commands[i])
	}
	m.logger.Error("failure applying iptables rules",
		"family", family.String(), "error", err, "rules", b.String())
	return line
}

// command wraps a gateway binary invocation with the configured
// namespace prefix.
func (m *Manager) command(name string, args ...string) (string, []string) {
	if m.namespace == "" {
		return name, args
	}
	return "ip", append([]string{"netns", "exec", m.namespace, name}, args...)
}

// TrafficCounters aggregates packet and byte counts for one chain
// across every table containing it.
type TrafficCounters struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// GetTrafficCounters sums the kernel counters of the named chain across
// all tables declaring it. zero resets the counters while reading.
// Returns false when no table declares the chain.
func (m *Manager) GetTrafficCounters(chain string, wrap, zero bool) (*TrafficCounters, bool) {
	name := ChainName(chain, wrap)
	kernelName := name
	if wrap {
		kernelName = m.wrapName + "-" + name
	}

	type target struct {
		family Family
		table  string
	}
	var targets []target
	for _, tableName := range sortedTableNames(m.ipv4) {
		if m.ipv4[tableName].hasChain(name, wrap) {
			targets = append(targets, target{IPv4, tableName})
		}
	}
	if m.useIPv6 {
		for _, tableName := range sortedTableNames(m.ipv6) {
			if m.ipv6[tableName].hasChain(name, wrap) {
				targets = append(targets, target{IPv6, tableName})
			}
		}
	}
	if len(targets) == 0 {
		m.logger.Warn("attempted to get traffic counters of chain which does not exist", "chain", chain)
		return nil, false
	}

	var acc TrafficCounters
	for _, tgt := range targets {
		args := []string{"-t", tgt.table, "-L", kernelName, "-n", "-v", "-x"}
		if zero {
			args = append(args, "-Z")
		}
		cmdName, cmdArgs := m.command(tgt.family.command(), args...)
		out, err := m.runner.Output(cmdName, cmdArgs...)
		if err != nil {
			m.logger.Warn("failed to list chain counters",
				"chain", kernelName, "table", tgt.table, "family", tgt.family.String(), "error", err)
			continue
		}
		packets, bytes := parseCounters(string(out))
		acc.Packets += packets
		acc.Bytes += bytes
	}
	return &acc, true
}

// parseCounters sums the pkts and bytes columns of iptables -L -n -v -x
// output. Parsing stops at the first non-counter row.
func parseCounters(out string) (uint64, uint64) {
	lines := strings.Split(out, "\n")
	if len(lines) <= 2 {
		return 0, 0
	}
	var packets, bytes uint64
	for _, line := range lines[2:] {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		p, perr := strconv.ParseUint(fields[0], 10, 64)
		b, berr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil || berr != nil {
			break
		}
		packets += p
		bytes += b
	}
	return packets, bytes
}

// ListChainRules returns the desired rules declared for a chain. The
// result reflects in-memory state, not the kernel.
func (m *Manager) ListChainRules(family Family, table, chain string, wrap bool) []Rule {
	t, ok := m.Table(family, table)
	if !ok {
		return nil
	}
	return t.chainRules(chain, wrap)
}

// IsChainEmpty reports whether a chain has no desired rules.
func (m *Manager) IsChainEmpty(family Family, table, chain string, wrap bool) bool {
	return len(m.ListChainRules(family, table, chain, wrap)) == 0
}

// RulesForTable dumps the kernel lines of one table, or of every table
// when name is empty.
func (m *Manager) RulesForTable(family Family, table string) ([]string, error) {
	var args []string
	if table != "" {
		args = append(args, "-t", table)
	}
	name, cmdArgs := m.command(family.saveCommand(), args...)
	out, err := m.runner.Output(name, cmdArgs...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", family.saveCommand(), err)
	}
	return strings.Split(string(out), "\n"), nil
}

func sortedTableNames(tables map[string]*Table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
