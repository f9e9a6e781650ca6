package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaw/reclaw-core/internal/protocol"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *recordingSink) Push(f protocol.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recordingSink) Frames() []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func TestPublish_DeliversToTopicSubscriber(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	unsub := b.Subscribe(Topic("s1", "agent.completed"), "sub-1", sink)
	defer unsub()

	b.Publish("s1", "agent.completed", map[string]any{"runId": "r1"})

	frames := sink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "agent.completed", frames[0].Name)
}

func TestPublish_WildcardReceivesEverySession(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	unsub := b.SubscribeAll("operator-1", sink)
	defer unsub()

	b.Publish("s1", "agent.completed", nil)
	b.Publish("s2", "chat.final", nil)

	assert.Len(t, sink.Frames(), 2)
}

func TestPublish_DoesNotDoubleDeliverWhenBothSubscribed(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	unsub1 := b.Subscribe(Topic("s1", "agent.completed"), "dup-1", sink)
	unsub2 := b.SubscribeAll("dup-1", sink)
	defer unsub1()
	defer unsub2()

	b.Publish("s1", "agent.completed", nil)
	assert.Len(t, sink.Frames(), 1, "a subscriber present on both the specific topic and wildcard receives one delivery")
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New()
	sink := &recordingSink{}
	unsub := b.Subscribe(Topic("s1", "k"), "sub-1", sink)
	unsub()

	b.Publish("s1", "k", nil)
	assert.Empty(t, sink.Frames())
	assert.Equal(t, 0, b.SubscriberCount(Topic("s1", "k")))
}
