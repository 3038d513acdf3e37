package iptables

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainName(t *testing.T) {
	t.Run("short names pass through", func(t *testing.T) {
		assert.Equal(t, "forward", ChainName("forward", true))
		assert.Equal(t, "forward", ChainName("forward", false))
	})

	t.Run("wrapped names truncate for the prefix", func(t *testing.T) {
		got := ChainName("really-long-chain-name", true)
		assert.Equal(t, "really-long", got)
		assert.Len(t, got, MaxChainNameWrap)
	})

	t.Run("unwrapped names keep the full iptables limit", func(t *testing.T) {
		assert.Equal(t, "really-long-chain-name", ChainName("really-long-chain-name", false))

		got := ChainName(strings.Repeat("x", 40), false)
		assert.Len(t, got, MaxChainNameUnwrap)
	})
}

func TestRuleRender(t *testing.T) {
	t.Run("unwrapped", func(t *testing.T) {
		r := Rule{Chain: "INPUT", Body: "-j ACCEPT"}
		assert.Equal(t, "-A INPUT -j ACCEPT", r.render("floe", true))
	})

	t.Run("wrapped gets the prefix", func(t *testing.T) {
		r := Rule{Chain: "scrub", Body: "-p tcp -j DROP", Wrap: true}
		assert.Equal(t, "-A floe-scrub -p tcp -j DROP", r.render("floe", true))
	})

	t.Run("comment precedes a bare jump", func(t *testing.T) {
		r := Rule{Chain: "scrub", Body: "-j ACCEPT", Wrap: true, Comment: "allow"}
		assert.Equal(t, `-A floe-scrub -m comment --comment "allow" -j ACCEPT`, r.render("floe", true))
	})

	t.Run("comment sits before the jump in a match rule", func(t *testing.T) {
		r := Rule{Chain: "scrub", Body: "-p tcp --dport 22 -j ACCEPT", Wrap: true, Comment: "ssh"}
		assert.Equal(t, `-A floe-scrub -p tcp --dport 22 -m comment --comment "ssh" -j ACCEPT`,
			r.render("floe", true))
	})

	t.Run("comment appends when there is no jump", func(t *testing.T) {
		r := Rule{Chain: "scrub", Body: "-p icmp", Wrap: true, Comment: "note"}
		assert.Equal(t, `-A floe-scrub -p icmp -m comment --comment "note"`, r.render("floe", true))
	})

	t.Run("comments disabled", func(t *testing.T) {
		r := Rule{Chain: "scrub", Body: "-j ACCEPT", Wrap: true, Comment: "allow"}
		assert.Equal(t, "-A floe-scrub -j ACCEPT", r.render("floe", false))
	})
}

func TestRuleEqual(t *testing.T) {
	base := Rule{Chain: "scrub", Body: "-j ACCEPT", Wrap: true}

	t.Run("annotations do not affect identity", func(t *testing.T) {
		other := base
		other.Comment = "something"
		other.Tag = "port-1"
		assert.True(t, base.Equal(other))
	})

	t.Run("position and shape do", func(t *testing.T) {
		top := base
		top.Top = true
		assert.False(t, base.Equal(top))

		unwrapped := base
		unwrapped.Wrap = false
		assert.False(t, base.Equal(unwrapped))

		body := base
		body.Body = "-j DROP"
		assert.False(t, base.Equal(body))
	})
}

func TestExpandTargets(t *testing.T) {
	t.Run("no tokens", func(t *testing.T) {
		assert.Equal(t, "-j ACCEPT", expandTargets("-j ACCEPT", "floe", true))
	})

	t.Run("token expands to the prefixed chain", func(t *testing.T) {
		assert.Equal(t, "-j floe-local", expandTargets("-j $local", "floe", false))
	})

	t.Run("wrapped tokens truncate like wrapped chains", func(t *testing.T) {
		assert.Equal(t, "-j floe-really-long", expandTargets("-j $really-long-chain-name", "floe", true))
	})

	t.Run("multiple tokens", func(t *testing.T) {
		got := expandTargets("-g $first -j $second", "floe", true)
		assert.Equal(t, "-g floe-first -j floe-second", got)
	})
}

func TestBinaryPrefix(t *testing.T) {
	prefix := BinaryPrefix()
	assert.NotEmpty(t, prefix)
	assert.LessOrEqual(t, len(prefix), MaxPrefixLength)
	assert.NotContains(t, prefix, " ")
}
