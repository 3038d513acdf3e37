package iptables

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Rule is one desired iptables rule. Chain holds the unqualified chain
// name; rendering prepends the coordinator prefix when Wrap is set.
// Comment and Tag annotate the rule without affecting its identity.
type Rule struct {
	Chain   string
	Body    string
	Wrap    bool
	Top     bool
	Comment string
	Tag     string
}

// Equal reports whether two rules describe the same kernel rule.
func (r Rule) Equal(o Rule) bool {
	return r.Chain == o.Chain && r.Body == o.Body && r.Wrap == o.Wrap && r.Top == o.Top
}

// render produces the "-A chain body" line used in desired state.
func (r Rule) render(prefix string, comments bool) string {
	chain := ChainName(r.Chain, r.Wrap)
	if r.Wrap {
		chain = prefix + "-" + chain
	}
	body := r.Body
	if comments && r.Comment != "" {
		body = commentRule(body, r.Comment)
	}
	return "-A " + chain + " " + body
}

// commentRule injects an iptables comment match. iptables-save prints
// the comment match before the jump target, so insertion follows that
// order to keep dump lines and desired lines comparable.
func commentRule(body, comment string) string {
	c := fmt.Sprintf(`-m comment --comment "%s"`, comment)
	if strings.HasPrefix(body, "-j") {
		// Jump-only rule, the comment goes first.
		return c + " " + body
	}
	if i := strings.Index(body, " -j "); i >= 0 {
		return body[:i] + " " + c + " " + body[i+1:]
	}
	return body + " " + c
}

// ChainName truncates a chain name to the length iptables accepts,
// accounting for the wrap prefix and separator when wrapped.
func ChainName(name string, wrap bool) string {
	if wrap {
		return truncate(name, MaxChainNameWrap)
	}
	return truncate(name, MaxChainNameUnwrap)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// BinaryPrefix derives the default wrap prefix from the running binary
// name. Spaces are replaced so the prefix stays usable in chain names.
func BinaryPrefix() string {
	name := truncate(filepath.Base(os.Args[0]), MaxPrefixLength)
	return strings.ReplaceAll(name, " ", "_")
}

// expandTargets rewrites $chain tokens into prefixed kernel chain names.
func expandTargets(body, prefix string, wrap bool) string {
	if !strings.Contains(body, "$") {
		return body
	}
	parts := strings.Split(body, " ")
	for i, p := range parts {
		if strings.HasPrefix(p, "$") {
			parts[i] = prefix + "-" + ChainName(p[1:], wrap)
		}
	}
	return strings.Join(parts, " ")
}
