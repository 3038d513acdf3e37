package iptables

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// FindTable locates one table's lines inside a full iptables-save dump
// and returns half-open slice bounds. It returns (0, 0) when the table
// is absent or the dump is too short to hold one.
func FindTable(lines []string, name string) (int, int) {
	if len(lines) < 3 {
		// A table needs at least a header, one chain and COMMIT.
		return 0, 0
	}
	start := -1
	for i, line := range lines {
		if line == "*"+name {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, 0
	}
	for i := start; i < len(lines); i++ {
		if lines[i] == "COMMIT" {
			return start, i + 1
		}
	}
	return 0, 0
}

// TableNames returns the table names present in a save dump, in order.
func TableNames(lines []string) []string {
	var names []string
	for _, line := range lines {
		if strings.HasPrefix(line, "*") {
			names = append(names, line[1:])
		}
	}
	return names
}

// findRulesIndex returns the insertion point immediately after the
// chain declaration block.
func findRulesIndex(lines []string) int {
	seenChains := false
	idx := 0
	for i, line := range lines {
		idx = i
		if !seenChains {
			if strings.HasPrefix(line, ":") {
				seenChains = true
			}
		} else if !strings.HasPrefix(line, ":") {
			break
		}
	}
	if !seenChains {
		return 2
	}
	return idx
}

// DirectivePath computes the restore directives that transform one
// table's old line set into its new one: chain creations first, then
// per-chain positional edits, chain destructions last. Identical inputs
// yield an empty path.
func DirectivePath(old, new []string) []string {
	oldByChain := rulesByChain(old)
	newByChain := rulesByChain(new)

	union := make(map[string]bool, len(oldByChain)+len(newByChain))
	var added, removed []string
	for chain := range newByChain {
		union[chain] = true
		if _, ok := oldByChain[chain]; !ok {
			added = append(added, chain)
		}
	}
	for chain := range oldByChain {
		union[chain] = true
		if _, ok := newByChain[chain]; !ok {
			removed = append(removed, chain)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	directives := make([]string, 0, len(added)+len(removed))
	for _, chain := range added {
		directives = append(directives, ":"+chain+" - [0:0]")
	}

	// Chains with -sg- in the name jump into chains created above, so
	// their edits come after every other chain's.
	var sgChains, otherChains []string
	for _, chain := range sortedKeys(union) {
		if strings.Contains(chain, "-sg-") {
			sgChains = append(sgChains, chain)
		} else {
			otherChains = append(otherChains, chain)
		}
	}
	for _, chain := range append(otherChains, sgChains...) {
		directives = append(directives, chainDiff(chain, oldByChain[chain], newByChain[chain])...)
	}

	for _, chain := range removed {
		directives = append(directives, "-X "+chain)
	}
	return directives
}

// rulesByChain indexes append lines by chain. Declared chains appear as
// keys even when they hold no rules.
func rulesByChain(lines []string) map[string][]string {
	byChain := make(map[string][]string)
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, ":"):
			chain := strings.SplitN(line[1:], " ", 2)[0]
			if _, ok := byChain[chain]; !ok {
				byChain[chain] = nil
			}
		case strings.HasPrefix(line, "-A"):
			chain := strings.SplitN(line[3:], " ", 2)[0]
			byChain[chain] = append(byChain[chain], line)
		}
	}
	return byChain
}

// chainDiff emits -D/-I directives that edit one chain in place. The
// cursor tracks 1-based positions in the old rule list as deletions and
// insertions shift it.
func chainDiff(chain string, oldRules, newRules []string) []string {
	var directives []string
	cursor := 1
	for _, op := range difflib.NewMatcher(oldRules, newRules).GetOpCodes() {
		switch op.Tag {
		case 'e':
			cursor += op.I2 - op.I1
		case 'd':
			for i := op.I1; i < op.I2; i++ {
				directives = append(directives, fmt.Sprintf("-D %s %d", chain, cursor))
			}
		case 'i':
			for j := op.J1; j < op.J2; j++ {
				directives = append(directives, fmt.Sprintf("-I %s %d %s", chain, cursor, ruleBody(newRules[j])))
				cursor++
			}
		case 'r':
			for i := op.I1; i < op.I2; i++ {
				directives = append(directives, fmt.Sprintf("-D %s %d", chain, cursor))
			}
			for j := op.J1; j < op.J2; j++ {
				directives = append(directives, fmt.Sprintf("-I %s %d %s", chain, cursor, ruleBody(newRules[j])))
				cursor++
			}
		}
	}
	return directives
}

// ruleBody strips the "-A chain " prefix from an append line. A bare
// "-A chain" append (a null rule) yields an empty body.
func ruleBody(line string) string {
	rest := strings.TrimPrefix(line, "-A ")
	if i := strings.IndexByte(rest, ' '); i >= 0 {
		return rest[i+1:]
	}
	return ""
}
