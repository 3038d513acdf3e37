package iptables

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/floe/internal/clock"
	"grimm.is/floe/internal/journal"
)

const fullDump = `# Generated by iptables-save v1.8.7
*filter
:INPUT ACCEPT [1042:134312]
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [998:120004]
-A INPUT -i lo -j ACCEPT
COMMIT
*mangle
:PREROUTING ACCEPT [0:0]
:INPUT ACCEPT [0:0]
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:POSTROUTING ACCEPT [0:0]
COMMIT
*nat
:PREROUTING ACCEPT [0:0]
:INPUT ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:POSTROUTING ACCEPT [0:0]
COMMIT
*raw
:PREROUTING ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
COMMIT
# Completed
`

const fullDump6 = `# Generated by ip6tables-save v1.8.7
*filter
:INPUT ACCEPT [0:0]
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
COMMIT
*mangle
:PREROUTING ACCEPT [0:0]
:INPUT ACCEPT [0:0]
:FORWARD ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
:POSTROUTING ACCEPT [0:0]
COMMIT
*raw
:PREROUTING ACCEPT [0:0]
:OUTPUT ACCEPT [0:0]
COMMIT
# Completed
`

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *MockCommandRunner, *MockContextLock) {
	t.Helper()
	runner := new(MockCommandRunner)
	lock := new(MockContextLock)

	cfg := DefaultConfig()
	cfg.Prefix = "floe-test"
	cfg.Runner = runner
	cfg.Lock = lock
	cfg.Logger = newTestLogger()
	cfg.Clock = clock.NewMockClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(cfg)
	require.NoError(t, err)
	return m, runner, lock
}

func runInputPayloads(runner *MockCommandRunner) []string {
	var payloads []string
	for _, call := range runner.Calls {
		if call.Method == "RunInput" {
			payloads = append(payloads, call.Arguments.String(0))
		}
	}
	return payloads
}

// replayDump recomputes what the kernel would hold after one apply of
// the manager's IPv4 state against dump.
func replayDump(t *testing.T, m *Manager, dump string) string {
	t.Helper()
	lines := strings.Split(dump, "\n")
	out := []string{"# Generated by iptables-save v1.8.7"}
	for _, name := range sortedTableNames(m.ipv4) {
		start, end := FindTable(lines, name)
		out = append(out, m.ipv4[name].reconcile(lines[start:end])...)
	}
	return strings.Join(out, "\n") + "\n"
}

func TestNew(t *testing.T) {
	t.Run("rejects unsafe namespaces", func(t *testing.T) {
		for _, ns := range []string{"qrouter-1; rm -rf /", "ns with space", "ns$(id)"} {
			cfg := DefaultConfig()
			cfg.Namespace = ns
			cfg.Runner = new(MockCommandRunner)
			cfg.Lock = new(MockContextLock)
			cfg.Logger = newTestLogger()
			_, err := New(cfg)
			require.Error(t, err, "namespace %q should be rejected", ns)
			assert.Contains(t, err.Error(), "invalid namespace")
		}
	})

	t.Run("default prefix comes from the binary", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Runner = new(MockCommandRunner)
		cfg.Lock = new(MockContextLock)
		cfg.Logger = newTestLogger()
		m, err := New(cfg)
		require.NoError(t, err)
		assert.Equal(t, BinaryPrefix(), m.Prefix())
	})

	t.Run("prefix is normalized and bounded", func(t *testing.T) {
		m, _, _ := newTestManager(t, func(cfg *Config) {
			cfg.Prefix = "my app with a very long name"
		})
		assert.Equal(t, "my_app_with_a_ve", m.Prefix())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.EnableComments)
	assert.NotEmpty(t, cfg.LockDir)
}

func TestBootstrapTables(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	t.Run("filter dispatch scaffolding", func(t *testing.T) {
		filter, ok := m.Table(IPv4, "filter")
		require.True(t, ok)
		assert.Equal(t, []string{"FORWARD", "INPUT", "OUTPUT", "local"}, filter.Chains(true))
		assert.Equal(t, []string{FilterTopChain}, filter.Chains(false))

		forward := m.ListChainRules(IPv4, "filter", "FORWARD", false)
		require.Len(t, forward, 2)
		assert.Equal(t, "-j "+FilterTopChain, forward[0].Body)
		assert.True(t, forward[0].Top)
		assert.Equal(t, "-j floe-test-FORWARD", forward[1].Body)

		top := m.ListChainRules(IPv4, "filter", FilterTopChain, false)
		require.Len(t, top, 1)
		assert.Equal(t, "-j floe-test-local", top[0].Body)
	})

	t.Run("nat snat plumbing", func(t *testing.T) {
		nat, ok := m.Table(IPv4, "nat")
		require.True(t, ok)
		assert.Equal(t, []string{"OUTPUT", "POSTROUTING", "PREROUTING", "float-snat", "snat"}, nat.Chains(true))
		assert.Equal(t, []string{PostroutingBottomChain}, nat.Chains(false))

		bottom := m.ListChainRules(IPv4, "nat", PostroutingBottomChain, false)
		require.Len(t, bottom, 1)
		assert.Equal(t, "-j floe-test-snat", bottom[0].Body)
		assert.Equal(t, snatOutComment, bottom[0].Comment)

		snat := m.ListChainRules(IPv4, "nat", "snat", true)
		require.Len(t, snat, 1)
		assert.Equal(t, "-j floe-test-float-snat", snat[0].Body)
	})

	t.Run("mark routing is IPv4 only", func(t *testing.T) {
		mangle, ok := m.Table(IPv4, "mangle")
		require.True(t, ok)
		assert.Contains(t, mangle.Chains(true), "mark")

		markJump := m.ListChainRules(IPv4, "mangle", "PREROUTING", true)
		require.Len(t, markJump, 1)
		assert.Equal(t, "-j floe-test-mark", markJump[0].Body)

		mangle6, ok := m.Table(IPv6, "mangle")
		require.True(t, ok)
		assert.NotContains(t, mangle6.Chains(true), "mark")
	})

	t.Run("no IPv6 nat", func(t *testing.T) {
		_, ok := m.Table(IPv6, "nat")
		assert.False(t, ok)
	})

	t.Run("raw builtins", func(t *testing.T) {
		raw, ok := m.Table(IPv4, "raw")
		require.True(t, ok)
		assert.Equal(t, []string{"OUTPUT", "PREROUTING"}, raw.Chains(true))
	})

	t.Run("stateless drops nat and mangle", func(t *testing.T) {
		sm, _, _ := newTestManager(t, func(cfg *Config) { cfg.Stateless = true })
		_, ok := sm.Table(IPv4, "nat")
		assert.False(t, ok)
		_, ok = sm.Table(IPv4, "mangle")
		assert.False(t, ok)
		_, ok = sm.Table(IPv4, "filter")
		assert.True(t, ok)
		_, ok = sm.Table(IPv4, "raw")
		assert.True(t, ok)
	})
}

func TestApplyFirstPass(t *testing.T) {
	m, runner, lock := newTestManager(t, nil)
	lock.On("Run", "iptables").Return(nil)
	runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
	runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Once()

	applied, err := m.Apply()
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	payloads := runInputPayloads(runner)
	require.Len(t, payloads, 1)
	payload := payloads[0]

	assert.Equal(t, strings.Join(applied, "\n")+"\n", payload)
	assert.True(t, strings.HasPrefix(payload, generatedByLine+"\n*filter\n"))
	assert.Contains(t, payload, ":floe-test-INPUT - [0:0]")
	assert.Contains(t, payload, "-I INPUT 1 -j floe-test-INPUT")
	assert.Contains(t, payload, "*nat")
	assert.Contains(t, payload, ":floe-test-snat - [0:0]")
	assert.Contains(t, payload,
		`-I floe-postrouting-bottom 1 -m comment --comment "Perform source NAT on outgoing traffic." -j floe-test-snat`)
	assert.Contains(t, payload, "*raw")
	assert.Contains(t, payload, "COMMIT\n"+completedByLine)

	runner.AssertNotCalled(t, "Output", "ip6tables-save")
}

func TestApplySecondPassConverges(t *testing.T) {
	m, runner, lock := newTestManager(t, nil)
	lock.On("Run", "iptables").Return(nil)
	runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
	runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Once()

	_, err := m.Apply()
	require.NoError(t, err)

	s1 := replayDump(t, m, fullDump)
	runner.On("Output", "iptables-save").Return([]byte(s1), nil).Once()

	applied, err := m.Apply()
	require.NoError(t, err)
	assert.Empty(t, applied)
	runner.AssertNumberOfCalls(t, "RunInput", 1)
}

func TestApplyIPv6(t *testing.T) {
	m, runner, lock := newTestManager(t, func(cfg *Config) { cfg.EnableIPv6 = true })
	lock.On("Run", "iptables").Return(nil)
	runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
	runner.On("Output", "ip6tables-save").Return([]byte(fullDump6), nil).Once()
	runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Once()
	runner.On("RunInput", mock.Anything, "ip6tables-restore", "-n").Return(nil).Once()

	applied, err := m.Apply()
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	runner.AssertNumberOfCalls(t, "RunInput", 2)

	payloads := runInputPayloads(runner)
	require.Len(t, payloads, 2)

	assert.Contains(t, payloads[1], "*filter")
	assert.Contains(t, payloads[1], ":floe-test-INPUT - [0:0]")
	assert.NotContains(t, payloads[1], "*nat", "no IPv6 nat table")
	assert.NotContains(t, payloads[1], "floe-test-mark", "mark routing is IPv4 only")
}

func TestApplySaveFailure(t *testing.T) {
	m, runner, lock := newTestManager(t, nil)
	lock.On("Run", "iptables").Return(nil)
	runner.On("Output", "iptables-save").
		Return(nil, errors.New("command iptables-save failed: exit status 1"))

	applied, err := m.Apply()
	require.Error(t, err)
	assert.Nil(t, applied)
	assert.Contains(t, err.Error(), "iptables-save")
	runner.AssertNotCalled(t, "RunInput", mock.Anything, "iptables-restore", "-n")
}

func TestApplyRestoreFailure(t *testing.T) {
	m, runner, lock := newTestManager(t, nil)
	lock.On("Run", "iptables").Return(nil)
	runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
	runner.On("RunInput", mock.Anything, "iptables-restore", "-n").
		Return(errors.New("command iptables-restore failed: exit status 2: iptables-restore: line 4 failed"))

	applied, err := m.Apply()
	require.Error(t, err)
	assert.Nil(t, applied)

	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, 4, applyErr.Line)
	assert.Equal(t, IPv4, applyErr.Family)
	assert.Contains(t, err.Error(), "restore failed at line 4")
}

func TestVerifyApplyDetectsDivergence(t *testing.T) {
	m, runner, lock := newTestManager(t, func(cfg *Config) { cfg.VerifyApply = true })
	lock.On("Run", "iptables").Return(nil)
	// The save keeps returning the same pristine dump, so the second
	// pass recomputes the same directives and convergence fails.
	runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Twice()
	runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Twice()

	applied, err := m.Apply()
	require.Error(t, err)
	assert.Nil(t, applied)
	assert.ErrorIs(t, err, ErrNotConverged)
	runner.AssertNumberOfCalls(t, "RunInput", 2)
}

func TestVerifyApplyConverged(t *testing.T) {
	twin, _, _ := newTestManager(t, nil)
	s1 := replayDump(t, twin, fullDump)

	m, runner, lock := newTestManager(t, func(cfg *Config) { cfg.VerifyApply = true })
	lock.On("Run", "iptables").Return(nil)
	runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
	runner.On("Output", "iptables-save").Return([]byte(s1), nil).Once()
	runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Once()

	applied, err := m.Apply()
	require.NoError(t, err)
	assert.NotEmpty(t, applied)
	runner.AssertNumberOfCalls(t, "RunInput", 1)
}

func TestDeferApply(t *testing.T) {
	t.Run("deferred applies are skipped", func(t *testing.T) {
		m, runner, lock := newTestManager(t, nil)
		m.DeferApplyOn()

		applied, err := m.Apply()
		require.NoError(t, err)
		assert.Nil(t, applied)
		runner.AssertNotCalled(t, "Output", "iptables-save")
		lock.AssertNotCalled(t, "Run", "iptables")
	})

	t.Run("off flushes immediately", func(t *testing.T) {
		m, runner, lock := newTestManager(t, nil)
		m.DeferApplyOn()

		lock.On("Run", "iptables").Return(nil)
		runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
		runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Once()

		require.NoError(t, m.DeferApplyOff())
		runner.AssertNumberOfCalls(t, "RunInput", 1)
	})

	t.Run("scoped batch lands in one pass", func(t *testing.T) {
		m, runner, lock := newTestManager(t, nil)
		lock.On("Run", "iptables").Return(nil)
		runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
		runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Once()

		filter, ok := m.Table(IPv4, "filter")
		require.True(t, ok)
		err := m.DeferApply(func() error {
			filter.AddChain("scrub", true)
			return filter.AddRule("scrub", "-p tcp --dport 22 -j ACCEPT")
		})
		require.NoError(t, err)

		runner.AssertNumberOfCalls(t, "Output", 1)
		payloads := runInputPayloads(runner)
		require.Len(t, payloads, 1)
		assert.Contains(t, payloads[0], ":floe-test-scrub - [0:0]")
	})

	t.Run("callback errors surface after the flush", func(t *testing.T) {
		m, runner, lock := newTestManager(t, nil)
		lock.On("Run", "iptables").Return(nil)
		runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
		runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Once()

		err := m.DeferApply(func() error { return errors.New("boom") })
		assert.EqualError(t, err, "boom")
		runner.AssertNumberOfCalls(t, "RunInput", 1)
	})

	t.Run("apply errors win over callback errors", func(t *testing.T) {
		m, runner, lock := newTestManager(t, nil)
		lock.On("Run", "iptables").Return(nil)
		runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
		runner.On("RunInput", mock.Anything, "iptables-restore", "-n").
			Return(errors.New("command iptables-restore failed: exit status 2: iptables-restore: line 2 failed"))

		err := m.DeferApply(func() error { return errors.New("boom") })
		require.Error(t, err)
		var applyErr *ApplyError
		assert.ErrorAs(t, err, &applyErr)
	})
}

func TestNamespaceCommandPrefix(t *testing.T) {
	m, runner, lock := newTestManager(t, func(cfg *Config) { cfg.Namespace = "qrouter-1" })
	lock.On("Run", "iptables-qrouter-1").Return(nil)
	runner.On("Output", "ip", "netns", "exec", "qrouter-1", "iptables-save").
		Return([]byte(fullDump), nil).Once()
	runner.On("RunInput", mock.Anything, "ip", "netns", "exec", "qrouter-1", "iptables-restore", "-n").
		Return(nil).Once()

	_, err := m.Apply()
	require.NoError(t, err)
	lock.AssertCalled(t, "Run", "iptables-qrouter-1")
	runner.AssertCalled(t, "Output", "ip", "netns", "exec", "qrouter-1", "iptables-save")
}

func TestJournalRecordsApplies(t *testing.T) {
	store, err := journal.NewStore(filepath.Join(t.TempDir(), "journal.db"), 30)
	require.NoError(t, err)
	defer store.Close()

	mc := clock.NewMockClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	m, runner, lock := newTestManager(t, func(cfg *Config) {
		cfg.Journal = store
		cfg.Clock = mc
	})
	lock.On("Run", "iptables").Return(nil)
	runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
	runner.On("RunInput", mock.Anything, "iptables-restore", "-n").Return(nil).Once()

	_, err = m.Apply()
	require.NoError(t, err)

	recs, err := store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, journal.StatusApplied, recs[0].Status)
	assert.Equal(t, "ipv4", recs[0].Families)
	assert.Positive(t, recs[0].Directives)
	assert.NotEmpty(t, recs[0].RunID)
	assert.Empty(t, recs[0].Error)

	mc.Advance(time.Minute)
	runner.On("Output", "iptables-save").Return([]byte(fullDump), nil).Once()
	runner.On("RunInput", mock.Anything, "iptables-restore", "-n").
		Return(errors.New("command iptables-restore failed: exit status 2: iptables-restore: line 4 failed")).Once()

	_, err = m.Apply()
	require.Error(t, err)

	recs, err = store.Recent(10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, journal.StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "line 4")
}

const counterOutput = `Chain floe-test-scrub (2 references)
    pkts      bytes target     prot opt in     out     source               destination
     100     2000 ACCEPT     tcp  --  *      *       0.0.0.0/0            0.0.0.0/0
       5      125 DROP       all  --  *      *       0.0.0.0/0            0.0.0.0/0
`

func TestGetTrafficCounters(t *testing.T) {
	t.Run("sums across declaring tables", func(t *testing.T) {
		m, runner, _ := newTestManager(t, nil)
		filter, _ := m.Table(IPv4, "filter")
		filter.AddChain("scrub", true)
		raw, _ := m.Table(IPv4, "raw")
		raw.AddChain("scrub", true)

		runner.On("Output", "iptables", "-t", "filter", "-L", "floe-test-scrub", "-n", "-v", "-x").
			Return([]byte(counterOutput), nil).Once()
		runner.On("Output", "iptables", "-t", "raw", "-L", "floe-test-scrub", "-n", "-v", "-x").
			Return([]byte(counterOutput), nil).Once()

		counters, ok := m.GetTrafficCounters("scrub", true, false)
		require.True(t, ok)
		assert.Equal(t, uint64(210), counters.Packets)
		assert.Equal(t, uint64(4250), counters.Bytes)
	})

	t.Run("zero resets while reading", func(t *testing.T) {
		m, runner, _ := newTestManager(t, nil)
		filter, _ := m.Table(IPv4, "filter")
		filter.AddChain("scrub", true)

		runner.On("Output", "iptables", "-t", "filter", "-L", "floe-test-scrub", "-n", "-v", "-x", "-Z").
			Return([]byte(counterOutput), nil).Once()

		counters, ok := m.GetTrafficCounters("scrub", true, true)
		require.True(t, ok)
		assert.Equal(t, uint64(105), counters.Packets)
		assert.Equal(t, uint64(2125), counters.Bytes)
	})

	t.Run("unknown chain", func(t *testing.T) {
		m, _, _ := newTestManager(t, nil)
		counters, ok := m.GetTrafficCounters("ghost", true, false)
		assert.False(t, ok)
		assert.Nil(t, counters)
	})
}

func TestListChainRules(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	filter, ok := m.Table(IPv4, "filter")
	require.True(t, ok)
	filter.AddChain("scrub", true)
	require.NoError(t, filter.AddRule("scrub", "-p tcp -j ACCEPT"))

	rules := m.ListChainRules(IPv4, "filter", "scrub", true)
	require.Len(t, rules, 1)
	assert.Equal(t, "-p tcp -j ACCEPT", rules[0].Body)

	assert.False(t, m.IsChainEmpty(IPv4, "filter", "scrub", true))
	assert.True(t, m.IsChainEmpty(IPv4, "filter", "local", true))
	assert.Nil(t, m.ListChainRules(IPv4, "unknown", "scrub", true))
}

func TestRulesForTable(t *testing.T) {
	t.Run("single table", func(t *testing.T) {
		m, runner, _ := newTestManager(t, nil)
		runner.On("Output", "iptables-save", "-t", "filter").
			Return([]byte("*filter\n:INPUT ACCEPT [0:0]\nCOMMIT\n"), nil).Once()

		lines, err := m.RulesForTable(IPv4, "filter")
		require.NoError(t, err)
		assert.Contains(t, lines, "*filter")
		assert.Contains(t, lines, "COMMIT")
	})

	t.Run("all tables routes by family", func(t *testing.T) {
		m, runner, _ := newTestManager(t, nil)
		runner.On("Output", "ip6tables-save").Return([]byte(fullDump6), nil).Once()

		lines, err := m.RulesForTable(IPv6, "")
		require.NoError(t, err)
		assert.Contains(t, lines, "*mangle")
	})

	t.Run("save failure", func(t *testing.T) {
		m, runner, _ := newTestManager(t, nil)
		runner.On("Output", "iptables-save", "-t", "filter").
			Return(nil, errors.New("command iptables-save failed: exit status 1"))

		_, err := m.RulesForTable(IPv4, "filter")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "iptables-save")
	})
}
