package connmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_CapabilityNegotiation(t *testing.T) {
	sess := &Session{capabilities: make(map[string]struct{})}
	sess.SetAuthenticated("operator-1", []string{"agent-events-v1"})

	assert.Equal(t, "operator-1", sess.Subject())
	assert.True(t, sess.HasCapability("agent-events-v1"))
	assert.False(t, sess.HasCapability("unknown-cap"))
}
