package agentrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/storage"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// DefaultWorkerPoolSize bounds how many runs execute concurrently across
// all sessions (spec §4.5 "a global worker pool").
const DefaultWorkerPoolSize = 8

// sessionQueue serializes non-deferred run execution per session_key,
// enforcing "at most one running run per session_key at any instant"
// (spec §4.5 invariant) without holding a lock for the run's whole
// lifetime.
type sessionQueue struct {
	mu      sync.Mutex
	pending []string
	running bool
}

// Runtime owns the agent-run lifecycle: creation (with idempotency),
// per-session FIFO execution order, cooperative cancellation, and event
// emission through the Event Bus.
type Runtime struct {
	store    *storage.Store
	bus      *eventbus.Bus
	executor Executor

	workerSem chan struct{}

	sessionQueues sync.Map // session_key -> *sessionQueue

	idemCache sync.Map // "sessionKey\x00idemKey" -> runID

	cancels sync.Map // runID -> context.CancelFunc
	done    sync.Map // runID -> chan struct{}, closed on terminal transition
}

// New builds a Runtime. executor may be nil, defaulting to EchoExecutor.
func New(store *storage.Store, bus *eventbus.Bus, executor Executor, workerPoolSize int) *Runtime {
	if executor == nil {
		executor = EchoExecutor{}
	}
	if workerPoolSize <= 0 {
		workerPoolSize = DefaultWorkerPoolSize
	}
	return &Runtime{
		store:     store,
		bus:       bus,
		executor:  executor,
		workerSem: make(chan struct{}, workerPoolSize),
	}
}

// HashIdempotencyKey derives a stable idempotency key from input text
// when the caller supplies no explicit runId (spec §4.4 "idempotency
// key = (session_key, caller-provided runId or hash of input)").
func HashIdempotencyKey(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:16])
}

// CreateRunResult is returned by CreateRun.
type CreateRunResult struct {
	RunID    string
	Existed  bool
	Deferred bool
	State    storage.RunState
}

// CreateRun creates (or, on an idempotency match, returns the existing)
// AgentRun for a session. Non-deferred runs are submitted for execution
// immediately; deferred runs sit in state queued until AgentWait is
// called for them (spec §4.4 chat.send/agent contracts).
func (rt *Runtime) CreateRun(sessionKey, agentID, inputMessage, idempotencyKey string, deferred bool) (CreateRunResult, error) {
	now := nowMillis()
	_, err := rt.store.EnsureSession(sessionKey, storage.Session{
		ID: uuid.NewString(), SessionKey: sessionKey, AgentID: agentID, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		return CreateRunResult{}, fmt.Errorf("agentrun: ensure session: %w", err)
	}

	sq := rt.sessionQueueFor(sessionKey)
	sq.mu.Lock()
	defer sq.mu.Unlock()

	cacheKey := sessionKey + "\x00" + idempotencyKey
	if idempotencyKey != "" {
		if v, ok := rt.idemCache.Load(cacheKey); ok {
			existingID := v.(string)
			if run, ok, err := rt.store.GetAgentRun(existingID); err == nil && ok {
				return CreateRunResult{RunID: run.ID, Existed: true, Deferred: run.Deferred, State: run.State}, nil
			}
		}
		if existing, ok, err := rt.store.FindNonTerminalRunByIdempotencyKey(sessionKey, idempotencyKey); err != nil {
			return CreateRunResult{}, fmt.Errorf("agentrun: idempotency lookup: %w", err)
		} else if ok {
			rt.idemCache.Store(cacheKey, existing.ID)
			return CreateRunResult{RunID: existing.ID, Existed: true, Deferred: existing.Deferred, State: existing.State}, nil
		}
	}

	run := storage.AgentRun{
		ID:             uuid.NewString(),
		SessionKey:     sessionKey,
		AgentID:        agentID,
		State:          storage.RunQueued,
		Deferred:       deferred,
		CreatedAt:      now,
		IdempotencyKey: idempotencyKey,
		InputMessage:   inputMessage,
	}
	if err := rt.store.CreateAgentRun(run); err != nil {
		if errors.Is(err, storage.ErrIdempotencyConflict) {
			if existing, ok, ferr := rt.store.FindNonTerminalRunByIdempotencyKey(sessionKey, idempotencyKey); ferr == nil && ok {
				rt.idemCache.Store(cacheKey, existing.ID)
				return CreateRunResult{RunID: existing.ID, Existed: true, Deferred: existing.Deferred, State: existing.State}, nil
			}
		}
		return CreateRunResult{}, fmt.Errorf("agentrun: create run: %w", err)
	}
	if idempotencyKey != "" {
		rt.idemCache.Store(cacheKey, run.ID)
	}
	rt.done.Store(run.ID, make(chan struct{}))
	rt.bus.Publish(sessionKey, "agent.queued", map[string]any{"runId": run.ID})

	if !deferred {
		rt.enqueue(sq, run)
	}

	return CreateRunResult{RunID: run.ID, Existed: false, Deferred: deferred, State: storage.RunQueued}, nil
}

func (rt *Runtime) sessionQueueFor(sessionKey string) *sessionQueue {
	v, _ := rt.sessionQueues.LoadOrStore(sessionKey, &sessionQueue{})
	return v.(*sessionQueue)
}

// enqueue must be called with sq.mu held.
func (rt *Runtime) enqueue(sq *sessionQueue, run storage.AgentRun) {
	if sq.running {
		sq.pending = append(sq.pending, run.ID)
		return
	}
	sq.running = true
	go rt.dispatch(run)
}

// dispatch acquires a worker-pool slot and runs one AgentRun to
// completion, then advances that session's queue.
func (rt *Runtime) dispatch(run storage.AgentRun) {
	rt.workerSem <- struct{}{}
	defer func() { <-rt.workerSem }()

	rt.execute(run)

	sq := rt.sessionQueueFor(run.SessionKey)
	sq.mu.Lock()
	if len(sq.pending) == 0 {
		sq.running = false
		sq.mu.Unlock()
		return
	}
	nextID := sq.pending[0]
	sq.pending = sq.pending[1:]
	sq.mu.Unlock()

	next, ok, err := rt.store.GetAgentRun(nextID)
	if err != nil || !ok {
		logger.WarnCF("agentrun", "queued run missing from storage", map[string]any{"runId": nextID})
		return
	}
	if next.State.Terminal() {
		// Aborted while still queued; skip straight to draining the rest.
		go rt.dispatch(next)
		return
	}
	go rt.dispatch(next)
}

// execute runs a single non-terminal run: transitions it to running,
// invokes the Executor, and transitions it to its terminal state.
func (rt *Runtime) execute(run storage.AgentRun) {
	if run.State.Terminal() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancels.Store(run.ID, cancel)
	defer func() {
		rt.cancels.Delete(run.ID)
		cancel()
	}()

	startedAt := nowMillis()
	if err := rt.store.TransitionRun(run.ID, storage.RunRunning, &startedAt, nil, ""); err != nil {
		logger.ErrorCF("agentrun", "transition to running failed", map[string]any{"runId": run.ID, "err": err.Error()})
		return
	}
	run.State = storage.RunRunning
	run.StartedAt = &startedAt
	rt.bus.Publish(run.SessionKey, "agent.running", map[string]any{"runId": run.ID})

	emit := func(kind string, payload any) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rt.bus.Publish(run.SessionKey, kind, payload)
	}

	outcome, err := rt.executor.Execute(ctx, run, emit)

	finishedAt := nowMillis()
	select {
	case <-ctx.Done():
		// Cancellation raced the executor's own return; AbortRun already
		// transitioned the row and emitted agent.aborted.
		rt.closeDone(run.ID)
		return
	default:
	}

	if err != nil {
		if terr := rt.store.TransitionRun(run.ID, storage.RunFailed, nil, &finishedAt, err.Error()); terr != nil {
			logger.ErrorCF("agentrun", "transition to failed failed", map[string]any{"runId": run.ID, "err": terr.Error()})
		}
		rt.bus.Publish(run.SessionKey, "agent.failed", map[string]any{"runId": run.ID, "error": err.Error()})
		rt.bus.Publish(run.SessionKey, "chat.error", map[string]any{"runId": run.ID, "error": err.Error()})
		rt.closeDone(run.ID)
		return
	}

	if terr := rt.store.TransitionRun(run.ID, storage.RunCompleted, nil, &finishedAt, ""); terr != nil {
		logger.ErrorCF("agentrun", "transition to completed failed", map[string]any{"runId": run.ID, "err": terr.Error()})
	}
	if terr := rt.store.SetAgentRunOutput(run.ID, outcome.Output); terr != nil {
		logger.ErrorCF("agentrun", "set run output failed", map[string]any{"runId": run.ID, "err": terr.Error()})
	}
	rt.persistAssistantMessage(run.SessionKey, outcome.Output)
	rt.bus.Publish(run.SessionKey, "agent.completed", map[string]any{"runId": run.ID, "output": outcome.Output})
	rt.bus.Publish(run.SessionKey, "chat.final", map[string]any{"runId": run.ID, "output": outcome.Output})
	rt.closeDone(run.ID)
}

func (rt *Runtime) persistAssistantMessage(sessionKey, text string) {
	last, err := rt.store.LastMessageTs(sessionKey)
	if err != nil {
		logger.ErrorCF("agentrun", "read last message ts failed", map[string]any{"err": err.Error()})
		return
	}
	ts := nowMillis()
	if ts <= last {
		ts = last + 1
	}
	if err := rt.store.AppendChatMessage(storage.ChatMessage{
		ID: uuid.NewString(), SessionKey: sessionKey, Role: storage.RoleAssistant, Text: text, Ts: ts,
	}); err != nil {
		logger.ErrorCF("agentrun", "persist assistant message failed", map[string]any{"err": err.Error()})
	}
}

func (rt *Runtime) closeDone(runID string) {
	if v, ok := rt.done.LoadAndDelete(runID); ok {
		close(v.(chan struct{}))
	}
}

// AgentWait cooperatively suspends until run reaches a terminal state or
// timeout elapses. A deferred run still in queued is started here (spec
// §4.4 "not executed until agent.wait is called for that run"). On
// timeout it returns the current (non-terminal) state without aborting.
func (rt *Runtime) AgentWait(ctx context.Context, runID string, timeout time.Duration) (storage.AgentRun, error) {
	run, ok, err := rt.store.GetAgentRun(runID)
	if err != nil {
		return storage.AgentRun{}, fmt.Errorf("agentrun: get run: %w", err)
	}
	if !ok {
		return storage.AgentRun{}, fmt.Errorf("agentrun: run %s not found", runID)
	}

	if run.Deferred && run.State == storage.RunQueued {
		sq := rt.sessionQueueFor(run.SessionKey)
		sq.mu.Lock()
		rt.enqueue(sq, run)
		sq.mu.Unlock()
	}

	if run.State.Terminal() {
		return run, nil
	}

	doneVal, ok := rt.done.Load(runID)
	if !ok {
		// Already completed and cleaned up between the check above and here.
		run, _, err = rt.store.GetAgentRun(runID)
		return run, err
	}
	doneCh := doneVal.(chan struct{})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-doneCh:
	case <-timer.C:
	case <-ctx.Done():
		run, _, err = rt.store.GetAgentRun(runID)
		return run, err
	}

	run, _, err = rt.store.GetAgentRun(runID)
	return run, err
}

// AbortResult is returned by AbortRun and AbortSession.
type AbortResult struct {
	Aborted bool
	RunIDs  []string
}

// AbortRun cancels run if it is non-terminal, moving it to aborted and
// emitting agent.aborted. Terminal or unknown runs are no-ops that
// report aborted=false (spec §4.4 chat.abort contract).
func (rt *Runtime) AbortRun(runID string) AbortResult {
	run, ok, err := rt.store.GetAgentRun(runID)
	if err != nil || !ok {
		return AbortResult{Aborted: false, RunIDs: []string{runID}}
	}
	if run.State.Terminal() {
		return AbortResult{Aborted: false, RunIDs: []string{runID}}
	}

	if v, ok := rt.cancels.Load(runID); ok {
		v.(context.CancelFunc)()
	}

	finishedAt := nowMillis()
	if err := rt.store.TransitionRun(runID, storage.RunAborted, nil, &finishedAt, "aborted"); err != nil {
		return AbortResult{Aborted: false, RunIDs: []string{runID}}
	}
	rt.bus.Publish(run.SessionKey, "agent.aborted", map[string]any{"runId": runID})
	rt.closeDone(runID)
	return AbortResult{Aborted: true, RunIDs: []string{runID}}
}

// AbortSession cancels every non-terminal run for sessionKey.
func (rt *Runtime) AbortSession(sessionKey string) AbortResult {
	runs, err := rt.store.NonTerminalRunsForSession(sessionKey)
	if err != nil || len(runs) == 0 {
		return AbortResult{Aborted: false, RunIDs: nil}
	}
	var ids []string
	for _, r := range runs {
		res := rt.AbortRun(r.ID)
		ids = append(ids, res.RunIDs...)
	}
	return AbortResult{Aborted: true, RunIDs: ids}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
