// Package eventbus is the in-process pub/sub fanout of agent/chat/node
// events to subscribing connections (spec §4.6). Topics derive from
// (session_key, event_kind); a special wildcard topic delivers to every
// subscriber regardless of session_key, modeling connect-time capability
// subscription since the protocol (spec §4.4) exposes no explicit
// per-session subscribe RPC — see DESIGN.md for this Open Question
// decision.
package eventbus

import (
	"sync"

	"github.com/reclaw/reclaw-core/internal/protocol"
)

// AllTopics is the wildcard topic key: a subscriber registered here
// receives every event published on any topic.
const AllTopics = "*"

// Sink is anything that can accept a pushed event frame. connmgr.Outbox
// satisfies this structurally; eventbus never imports connmgr and never
// holds a *connmgr.Session, only this narrow handle (spec §9 redesign
// flag: no cyclic back-references).
type Sink interface {
	Push(f protocol.Frame)
}

type subscription struct {
	id   string
	sink Sink
}

// Bus is the process-wide event fanout. Zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]subscription
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

// Topic builds the canonical topic key for (sessionKey, kind).
func Topic(sessionKey, kind string) string {
	return sessionKey + "\x00" + kind
}

// Subscribe registers sink under subscriberID for topic, returning an
// unsubscribe func. Passing AllTopics subscribes to every event
// regardless of session_key — the shape used for capability-gated
// connections (spec §4.6 "Subscribers are C4 connections that hold the
// relevant capability").
func (b *Bus) Subscribe(topic, subscriberID string, sink Sink) (unsubscribe func()) {
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], subscription{id: subscriberID, sink: sink})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == subscriberID {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

// SubscribeAll is shorthand for Subscribe(AllTopics, subscriberID, sink).
func (b *Bus) SubscribeAll(subscriberID string, sink Sink) (unsubscribe func()) {
	return b.Subscribe(AllTopics, subscriberID, sink)
}

// Publish delivers an "evt" frame named kind, with payload, to every
// subscriber of (sessionKey, kind) and of AllTopics. Ordering within a
// topic is preserved per subscriber because this call pushes
// synchronously to each sink in registration order (spec §4.6); callers
// are responsible for not publishing concurrently for the same
// session_key from multiple goroutines if strict cross-call ordering
// matters (the Agent Runtime's per-session serialization already
// guarantees this for agent/chat events).
func (b *Bus) Publish(sessionKey, kind string, payload any) {
	frame := protocol.NewEvent(kind, payload)

	b.mu.RLock()
	topicSubs := append([]subscription{}, b.topics[Topic(sessionKey, kind)]...)
	wildcardSubs := append([]subscription{}, b.topics[AllTopics]...)
	b.mu.RUnlock()

	delivered := make(map[string]bool, len(topicSubs))
	for _, s := range topicSubs {
		s.sink.Push(frame)
		delivered[s.id] = true
	}
	for _, s := range wildcardSubs {
		if delivered[s.id] {
			continue
		}
		s.sink.Push(frame)
	}
}

// SubscriberCount reports how many subscriptions exist for topic, for tests/metrics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
