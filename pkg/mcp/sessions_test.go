package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("ops", "s1")
	r.Register("billing", "s1")
	r.Register("audit", "s2")
	assert.Equal(t, []string{"audit", "billing", "ops"}, r.Agents())

	lookup := func(agent string) string {
		sid, ok := r.SessionFor(agent)
		if !ok {
			return ""
		}
		return sid
	}

	// ops reconnects on a new session; dropping s1 keeps the new binding.
	r.Register("ops", "s3")
	assert.Equal(t, "s3", lookup("ops"))
	r.Remove("s1")
	assert.Equal(t, "s3", lookup("ops"))
	assert.Empty(t, lookup("billing"))
	assert.Equal(t, "s2", lookup("audit"))
	assert.NotContains(t, r.agents, "s1")

	r.Remove("s2")
	r.Remove("unknown")
	assert.Equal(t, []string{"ops"}, r.Agents())
}
