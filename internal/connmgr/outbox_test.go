package connmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaw/reclaw-core/internal/protocol"
)

func TestOutbox_DropsOldestAndMarksOverflow(t *testing.T) {
	o := NewOutbox(2)
	o.Push(protocol.NewEvent("a", nil))
	o.Push(protocol.NewEvent("b", nil))
	o.Push(protocol.NewEvent("c", nil)) // drops "a"

	frames := o.Drain()
	require.Len(t, frames, 3)
	assert.Equal(t, "b", frames[0].Name)
	assert.Equal(t, "c", frames[1].Name)
	assert.Equal(t, "overflow", frames[2].Name)
}

func TestOutbox_NoOverflowWhenUnderCapacity(t *testing.T) {
	o := NewOutbox(5)
	o.Push(protocol.NewEvent("a", nil))

	frames := o.Drain()
	require.Len(t, frames, 1)
	assert.Equal(t, "a", frames[0].Name)
}

func TestOutbox_DrainEmptyReturnsNil(t *testing.T) {
	o := NewOutbox(5)
	assert.Nil(t, o.Drain())
}

func TestOutbox_ClosedPushIsNoop(t *testing.T) {
	o := NewOutbox(5)
	o.Close()
	o.Push(protocol.NewEvent("a", nil))
	assert.Nil(t, o.Drain())
}
