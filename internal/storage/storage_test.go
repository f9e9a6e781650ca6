package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "reclaw.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessions_EnsureCreatesOnce(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.EnsureSession("agent:main:telegram:chat:1", Session{
		ID: "sess-1", SessionKey: "agent:main:telegram:chat:1", AgentID: "main",
		CreatedAt: 1, UpdatedAt: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)

	again, err := s.EnsureSession("agent:main:telegram:chat:1", Session{
		ID: "sess-2", SessionKey: "agent:main:telegram:chat:1", AgentID: "main",
		CreatedAt: 2, UpdatedAt: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", again.ID, "must not create a second row for the same session_key")
}

func TestChatHistory_OrderedByTs(t *testing.T) {
	s := openTestStore(t)
	key := "agent:main:telegram:chat:2"
	_, err := s.EnsureSession(key, Session{ID: "s1", SessionKey: key, AgentID: "main", CreatedAt: 1, UpdatedAt: 1})
	require.NoError(t, err)

	require.NoError(t, s.AppendChatMessage(ChatMessage{ID: "m2", SessionKey: key, Role: RoleUser, Text: "second", Ts: 20}))
	require.NoError(t, s.AppendChatMessage(ChatMessage{ID: "m1", SessionKey: key, Role: RoleUser, Text: "first", Ts: 10}))

	history, err := s.ChatHistory(key, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "first", history[0].Text)
	assert.Equal(t, "second", history[1].Text)
}

func TestCreateAgentRun_IdempotencyConflict(t *testing.T) {
	s := openTestStore(t)
	key := "agent:main:telegram:chat:3"

	run1 := AgentRun{
		ID: "r1", SessionKey: key, AgentID: "main", State: RunQueued,
		IdempotencyKey: "idem-1", InputMessage: "hello", CreatedAt: 1,
	}
	require.NoError(t, s.CreateAgentRun(run1))

	run2 := AgentRun{
		ID: "r2", SessionKey: key, AgentID: "main", State: RunQueued,
		IdempotencyKey: "idem-1", InputMessage: "hello again", CreatedAt: 2,
	}
	err := s.CreateAgentRun(run2)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	found, ok, err := s.FindNonTerminalRunByIdempotencyKey(key, "idem-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", found.ID)
}

func TestCreateAgentRun_AllowsNewIdempotencyKeyAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	key := "agent:main:telegram:chat:4"

	run1 := AgentRun{ID: "r1", SessionKey: key, AgentID: "main", State: RunQueued, IdempotencyKey: "k", InputMessage: "hi", CreatedAt: 1}
	require.NoError(t, s.CreateAgentRun(run1))

	finishedAt := int64(5)
	require.NoError(t, s.TransitionRun("r1", RunCompleted, nil, &finishedAt, ""))

	run2 := AgentRun{ID: "r2", SessionKey: key, AgentID: "main", State: RunQueued, IdempotencyKey: "k", InputMessage: "hi again", CreatedAt: 6}
	assert.NoError(t, s.CreateAgentRun(run2), "a terminal run's idempotency key must be reusable")
}

func TestTransitionRun_RefusesTerminalRow(t *testing.T) {
	s := openTestStore(t)
	run := AgentRun{ID: "r1", SessionKey: "s1", AgentID: "main", State: RunQueued, InputMessage: "hi", CreatedAt: 1}
	require.NoError(t, s.CreateAgentRun(run))

	finishedAt := int64(2)
	require.NoError(t, s.TransitionRun("r1", RunAborted, nil, &finishedAt, ""))

	err := s.TransitionRun("r1", RunCompleted, nil, &finishedAt, "")
	assert.Error(t, err)
}

func TestNonTerminalRunsForSession(t *testing.T) {
	s := openTestStore(t)
	key := "s1"
	require.NoError(t, s.CreateAgentRun(AgentRun{ID: "r1", SessionKey: key, AgentID: "main", State: RunRunning, InputMessage: "a", CreatedAt: 1}))
	require.NoError(t, s.CreateAgentRun(AgentRun{ID: "r2", SessionKey: key, AgentID: "main", State: RunQueued, InputMessage: "b", CreatedAt: 2}))
	finishedAt := int64(3)
	require.NoError(t, s.CreateAgentRun(AgentRun{ID: "r3", SessionKey: key, AgentID: "main", State: RunCompleted, InputMessage: "c", CreatedAt: 3, FinishedAt: &finishedAt}))

	runs, err := s.NonTerminalRunsForSession(key)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	ids := []string{runs[0].ID, runs[1].ID}
	assert.ElementsMatch(t, []string{"r1", "r2"}, ids)
}

func TestListNodesByConnection_PairedFirst(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateNode(Node{ID: "n1", Name: "a", Role: "node", ConnectionState: NodeUnpaired, LastSeen: 100}))
	require.NoError(t, s.CreateNode(Node{ID: "n2", Name: "b", Role: "node", ConnectionState: NodePaired, LastSeen: 50}))

	nodes, err := s.ListNodesByConnection()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n2", nodes[0].ID, "paired nodes sort first regardless of last_seen")
}

func TestCronRuns_DescendingByStartedAt(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateCronJob(CronJob{ID: "j1", Schedule: "* * * * *", Payload: "{}", Enabled: true, NextFireAt: 10}))
	require.NoError(t, s.CreateCronRun(CronRun{ID: "cr1", JobID: "j1", StartedAt: 10}))
	require.NoError(t, s.CreateCronRun(CronRun{ID: "cr2", JobID: "j1", StartedAt: 20}))

	runs, err := s.CronRuns("j1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "cr2", runs[0].ID)
}

func TestConfigEntries_Upsert(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutConfig("hooksEnabled", "true", 1))
	require.NoError(t, s.PutConfig("hooksEnabled", "false", 2))

	entry, ok, err := s.GetConfig("hooksEnabled")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "false", entry.Value)
	assert.Equal(t, int64(2), entry.UpdatedAt)
}
