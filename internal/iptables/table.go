package iptables

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"grimm.is/floe/internal/logging"
	"grimm.is/floe/internal/metrics"
)

// Table holds the desired chains and rules for one (family, table)
// pair. Mutators only touch memory; nothing reaches the kernel until
// the owning Manager applies.
type Table struct {
	mu              sync.Mutex
	family          Family
	name            string
	wrapName        string
	comments        bool
	chains          map[string]bool
	unwrappedChains map[string]bool
	rules           []Rule
	removeChains    map[string]bool
	removeRules     []string
	logger          *logging.Logger
}

func newTable(family Family, name, wrapName string, comments bool, logger *logging.Logger) *Table {
	return &Table{
		family:          family,
		name:            name,
		wrapName:        wrapName,
		comments:        comments,
		chains:          make(map[string]bool),
		unwrappedChains: make(map[string]bool),
		removeChains:    make(map[string]bool),
		logger:          logger.WithFields(map[string]any{"table": name, "family": family.String()}),
	}
}

// RuleOpt adjusts how a rule is declared or matched for removal.
type RuleOpt func(*Rule)

// Unwrapped marks the rule as operating on raw chain names instead of
// prefixed ones.
func Unwrapped() RuleOpt {
	return func(r *Rule) { r.Wrap = false }
}

// Top places the rule in the top bucket, ahead of all bottom rules from
// the same coordinator.
func Top() RuleOpt {
	return func(r *Rule) { r.Top = true }
}

// WithComment attaches a human-readable comment rendered as an iptables
// comment match.
func WithComment(comment string) RuleOpt {
	return func(r *Rule) { r.Comment = comment }
}

// WithTag labels the rule for bulk removal via ClearRulesByTag.
func WithTag(tag string) RuleOpt {
	return func(r *Rule) { r.Tag = tag }
}

// AddChain declares a chain. Declaring an existing chain is a no-op.
func (t *Table) AddChain(name string, wrap bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chainSet(wrap)[ChainName(name, wrap)] = true
}

// RemoveChain removes a chain declaration along with every rule in it
// and every rule jumping to it. Removing an unknown chain is a no-op.
func (t *Table) RemoveChain(name string, wrap bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	name = ChainName(name, wrap)
	set := t.chainSet(wrap)
	if !set[name] {
		t.logger.Debug("attempted to remove chain which does not exist", "chain", name)
		return
	}
	delete(set, name)

	var jump string
	if wrap {
		jump = "-j " + t.wrapName + "-" + name
	} else {
		// Unwrapped chains belong to the dump, not to us; queue explicit
		// removals to be consumed on the next reconcile.
		jump = "-j " + name
		t.removeChains[name] = true
		for _, r := range t.rules {
			if r.Chain == name || strings.Contains(r.Body, jump) {
				t.removeRules = append(t.removeRules, r.render(t.wrapName, t.comments))
			}
		}
	}

	var kept []Rule
	for _, r := range t.rules {
		if r.Chain != name && !strings.Contains(r.Body, jump) {
			kept = append(kept, r)
		}
	}
	t.rules = kept
}

// AddRule appends a rule to a chain. $name tokens in the body expand to
// the prefixed form of the named chain. Wrapped rules require the chain
// to have been declared first.
func (t *Table) AddRule(chain, body string, opts ...RuleOpt) error {
	r := Rule{Chain: chain, Body: body, Wrap: true}
	for _, opt := range opts {
		opt(&r)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r.Chain = ChainName(r.Chain, r.Wrap)
	if r.Wrap && !t.chains[r.Chain] {
		return fmt.Errorf("%w: %s", ErrUnknownChain, r.Chain)
	}
	r.Body = expandTargets(r.Body, t.wrapName, r.Wrap)
	t.rules = append(t.rules, r)
	return nil
}

// RemoveRule removes the first rule matching the given identity. Pass
// the same options used when the rule was added. Removing a rule that
// is not there logs a warning and does nothing.
func (t *Table) RemoveRule(chain, body string, opts ...RuleOpt) {
	r := Rule{Chain: chain, Body: body, Wrap: true}
	for _, opt := range opts {
		opt(&r)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r.Chain = ChainName(r.Chain, r.Wrap)
	r.Body = expandTargets(r.Body, t.wrapName, r.Wrap)
	for i, existing := range t.rules {
		if existing.Equal(r) {
			t.rules = append(t.rules[:i], t.rules[i+1:]...)
			if !r.Wrap {
				t.removeRules = append(t.removeRules, existing.render(t.wrapName, t.comments))
			}
			return
		}
	}
	t.logger.Warn("tried to remove rule that was not there",
		"chain", r.Chain, "rule", r.Body, "wrap", r.Wrap, "top", r.Top)
}

// EmptyChain removes all rules from a chain without undeclaring it.
func (t *Table) EmptyChain(name string, wrap bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	name = ChainName(name, wrap)
	var kept []Rule
	for _, r := range t.rules {
		if r.Chain != name || r.Wrap != wrap {
			kept = append(kept, r)
		}
	}
	t.rules = kept
}

// ClearRulesByTag removes every rule carrying the given tag. An empty
// tag matches nothing.
func (t *Table) ClearRulesByTag(tag string) {
	if tag == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var kept []Rule
	for _, r := range t.rules {
		if r.Tag != tag {
			kept = append(kept, r)
		}
	}
	t.rules = kept
}

// Chains returns the declared chain names, sorted.
func (t *Table) Chains(wrap bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.chainSet(wrap))
}

func (t *Table) hasChain(name string, wrap bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chainSet(wrap)[ChainName(name, wrap)]
}

func (t *Table) chainRules(chain string, wrap bool) []Rule {
	t.mu.Lock()
	defer t.mu.Unlock()

	chain = ChainName(chain, wrap)
	var rules []Rule
	for _, r := range t.rules {
		if r.Chain == chain && r.Wrap == wrap {
			rules = append(rules, r)
		}
	}
	return rules
}

func (t *Table) chainSet(wrap bool) map[string]bool {
	if wrap {
		return t.chains
	}
	return t.unwrappedChains
}

// reconcile merges the desired state into a table's dump slice and
// returns the complete new line set. Lines carrying the wrap prefix are
// treated as ours and rebuilt; everything else passes through. Pending
// unwrapped removals are consumed here.
func (t *Table) reconcile(current []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var newLines []string
	for _, line := range current {
		if !strings.Contains(line, t.wrapName) {
			newLines = append(newLines, strings.TrimSpace(line))
		}
	}

	ours := make([]string, 0, len(t.chains)+len(t.unwrappedChains)+len(t.rules))
	for _, name := range sortedKeys(t.chains) {
		ours = append(ours, ":"+t.wrapName+"-"+name)
	}
	for _, name := range sortedKeys(t.unwrappedChains) {
		decl := ":" + name
		if !anyContains(newLines, decl) {
			ours = append(ours, decl)
		}
	}

	var topRules, bottomRules []string
	for _, r := range t.rules {
		line := r.render(t.wrapName, t.comments)
		newLines = withoutContaining(newLines, line)
		if r.Top {
			topRules = append(topRules, line)
		} else {
			bottomRules = append(bottomRules, line)
		}
	}
	ours = append(append(ours, topRules...), bottomRules...)

	idx := findRulesIndex(newLines)
	if idx > len(newLines) {
		idx = len(newLines)
	}
	merged := make([]string, 0, len(newLines)+len(ours))
	merged = append(merged, newLines[:idx]...)
	merged = append(merged, ours...)
	merged = append(merged, newLines[idx:]...)

	// Duplicates and pending removals resolve bottom up so the last
	// occurrence of a line is the one that survives or is struck.
	seen := make(map[string]bool, len(merged))
	kept := make([]string, 0, len(merged))
	for i := len(merged) - 1; i >= 0; i-- {
		line := merged[i]
		if seen[line] {
			kind := "rule"
			if strings.HasPrefix(line, ":") {
				kind = "chain"
			}
			t.logger.Warn("duplicate iptables line detected", "kind", kind, "line", line)
			metrics.Get().RecordDuplicate()
			continue
		}
		seen[line] = true
		if t.consumeRemoval(line) {
			continue
		}
		kept = append(kept, line)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	t.removeChains = make(map[string]bool)
	t.removeRules = nil
	return kept
}

func (t *Table) consumeRemoval(line string) bool {
	if strings.HasPrefix(line, ":") {
		fields := strings.Fields(line[1:])
		if len(fields) > 0 && t.removeChains[fields[0]] {
			delete(t.removeChains, fields[0])
			return true
		}
		return false
	}
	for i, r := range t.removeRules {
		if r == line {
			t.removeRules = append(t.removeRules[:i], t.removeRules[i+1:]...)
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func anyContains(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func withoutContaining(lines []string, sub string) []string {
	var kept []string
	for _, l := range lines {
		if !strings.Contains(l, sub) {
			kept = append(kept, l)
		}
	}
	return kept
}
