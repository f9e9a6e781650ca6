package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/connmgr"
	"github.com/reclaw/reclaw-core/internal/storage"
)

// decodeParams unmarshals raw into v, mapping a shape failure to
// INVALID_REQUEST (spec §4.4 two-phase validation, phase (a)).
func decodeParams(raw json.RawMessage, v any) *apierr.Error {
	if len(raw) == 0 {
		return apierr.Invalid("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apierr.Invalid("malformed params: " + err.Error())
	}
	return nil
}

func handleHealth(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	return map[string]any{"ok": true}, nil
}

func handleStatus(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	return map[string]any{
		"ok":       true,
		"version":  d.version,
		"protocol": 3,
	}, nil
}

func handleChannelsStatus(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	if d.webhooks == nil {
		return map[string]any{"channels": []any{}}, nil
	}
	return map[string]any{"channels": d.webhooks.Status()}, nil
}

// --- config.* ---

func handleConfigGet(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, apierr.Invalid("params.key is required")
	}
	entry, ok, err := d.store.GetConfig(p.Key)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	if !ok {
		return nil, apierr.NotFoundErr("config key not found")
	}
	return entry, nil
}

func handleConfigPut(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, apierr.Invalid("params.key is required")
	}
	if err := d.store.PutConfig(p.Key, p.Value, nowMillis()); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"ok": true}, nil
}

func handleConfigList(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	entries, err := d.store.ListConfig()
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"entries": entries}, nil
}

// --- sessions.* ---

func handleSessionsList(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		Limit int `json:"limit"`
	}
	_ = decodeParams(params, &p) // limit is optional; a missing/empty body is fine
	if p.Limit <= 0 {
		p.Limit = 50
	}
	sessions, err := d.store.ListSessionsByUpdated(p.Limit)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"sessions": sessions}, nil
}

// --- agent / chat ---

func handleAgent(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		AgentID    string `json:"agentId"`
		Message    string `json:"message"`
		RunID      string `json:"runId"`
		Deferred   bool   `json:"deferred"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" || p.Message == "" {
		return nil, apierr.Invalid("params.sessionKey and params.message are required")
	}
	if p.AgentID == "" {
		p.AgentID = "main"
	}
	idemKey := p.RunID
	if idemKey == "" {
		idemKey = agentrun.HashIdempotencyKey(p.Message)
	}
	res, err := d.runtime.CreateRun(p.SessionKey, p.AgentID, p.Message, idemKey, p.Deferred)
	if err != nil {
		return nil, apierr.Unavail("failed to create agent run")
	}
	return map[string]any{"runId": res.RunID}, nil
}

func handleAgentWait(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		RunID     string `json:"runId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RunID == "" {
		return nil, apierr.Invalid("params.runId is required")
	}
	timeout := 30 * time.Second
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	run, err := d.runtime.AgentWait(sess.Context(), p.RunID, timeout)
	if err != nil {
		return nil, apierr.Invalid("run not found")
	}
	result := map[string]any{"state": string(run.State)}
	if run.State == storage.RunCompleted {
		result["output"] = run.Output
	}
	if run.State == storage.RunFailed {
		result["error"] = run.Error
	}
	return result, nil
}

func handleAgentIdentityGet(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		AgentID string `json:"agentId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		p.AgentID = "main"
	}
	return map[string]any{"agentId": p.AgentID}, nil
}

func handleChatSend(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Text       string `json:"text"`
		RunID      string `json:"runId"`
		AgentID    string `json:"agentId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" || p.Text == "" {
		return nil, apierr.Invalid("params.sessionKey and params.text are required")
	}
	if p.AgentID == "" {
		p.AgentID = "main"
	}
	idemKey := p.RunID
	if idemKey == "" {
		idemKey = agentrun.HashIdempotencyKey(p.Text)
	}
	now := nowMillis()
	if _, err := d.store.EnsureSession(p.SessionKey, storage.Session{
		ID: uuid.NewString(), SessionKey: p.SessionKey, AgentID: p.AgentID, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	if err := d.store.AppendChatMessage(storage.ChatMessage{
		ID: uuid.NewString(), SessionKey: p.SessionKey, Role: storage.RoleUser, Text: p.Text, Ts: now,
	}); err != nil {
		return nil, apierr.Unavail("storage error")
	}

	res, err := d.runtime.CreateRun(p.SessionKey, p.AgentID, p.Text, idemKey, false)
	if err != nil {
		return nil, apierr.Unavail("failed to create agent run")
	}
	return map[string]any{"runId": res.RunID}, nil
}

func handleChatHistory(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Offset     int    `json:"offset"`
		Limit      int    `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, apierr.Invalid("params.sessionKey is required")
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	history, err := d.store.ChatHistory(p.SessionKey, p.Offset, p.Limit)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"messages": history}, nil
}

func handleChatAbort(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		RunID      string `json:"runId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.RunID != "" {
		res := d.runtime.AbortRun(p.RunID)
		return map[string]any{"aborted": res.Aborted, "runIds": res.RunIDs}, nil
	}
	if p.SessionKey == "" {
		return nil, apierr.Invalid("params.runId or params.sessionKey is required")
	}
	res := d.runtime.AbortSession(p.SessionKey)
	return map[string]any{"aborted": res.Aborted, "runIds": res.RunIDs}, nil
}

// --- cron.* ---

func handleCronCreate(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		Schedule string `json:"schedule"`
		Payload  string `json:"payload"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Schedule == "" {
		return nil, apierr.Invalid("params.schedule is required")
	}
	job := storage.CronJob{ID: uuid.NewString(), Schedule: p.Schedule, Payload: p.Payload, Enabled: true}
	if err := d.store.CreateCronJob(job); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"jobId": job.ID}, nil
}

func handleCronList(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	jobs, err := d.store.ListCronJobs()
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"jobs": jobs}, nil
}

// handleCronRun triggers immediate execution of a cron job regardless
// of its schedule (spec §4.4 "cron.run: triggers immediate execution").
func handleCronRun(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		JobID string `json:"jobId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.JobID == "" {
		return nil, apierr.Invalid("params.jobId is required")
	}
	job, ok, err := d.store.GetCronJob(p.JobID)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	if !ok {
		return nil, apierr.Invalid("unknown cron job")
	}

	run := storage.CronRun{ID: uuid.NewString(), JobID: job.ID, StartedAt: nowMillis()}
	if err := d.store.CreateCronRun(run); err != nil {
		return nil, apierr.Unavail("storage error")
	}

	go func(runID, sessionKey, payload string) {
		res, rerr := d.runtime.CreateRun(sessionKey, "main", payload, "", false)
		finishedAt := nowMillis()
		outcome := "ok"
		if rerr != nil {
			outcome = "error: " + rerr.Error()
		} else {
			outcome = "runId=" + res.RunID
		}
		_ = d.store.FinishCronRun(runID, finishedAt, outcome)
	}(run.ID, "cron:"+job.ID, job.Payload)

	return map[string]any{"runId": run.ID}, nil
}

func handleCronRuns(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		JobID string `json:"jobId"`
		Limit int    `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.JobID == "" {
		return nil, apierr.Invalid("params.jobId is required")
	}
	if p.Limit <= 0 {
		p.Limit = 20
	}
	runs, err := d.store.CronRuns(p.JobID, p.Limit)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"runs": runs}, nil
}

// --- node.* ---

func handleNodePairRequest(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, apierr.Invalid("params.name is required")
	}
	now := nowMillis()
	node := storage.Node{ID: uuid.NewString(), Name: p.Name, Role: "node", ConnectionState: storage.NodePending, LastSeen: now}
	if err := d.store.CreateNode(node); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	code := uuid.NewString()[:8]
	req := storage.NodePairRequest{ID: uuid.NewString(), NodeID: node.ID, CreatedAt: now, State: storage.PairPending, VerificationCode: code}
	if err := d.store.CreatePairRequest(req); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"nodeId": node.ID, "requestId": req.ID, "verificationCode": code}, nil
}

func handleNodePairApprove(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, ok, err := d.store.GetPairRequest(p.RequestID)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	if !ok {
		return nil, apierr.Invalid("unknown pairing request")
	}
	if err := d.store.SetPairRequestState(req.ID, storage.PairApproved); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"ok": true}, nil
}

func handleNodePairReject(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		RequestID string `json:"requestId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, ok, err := d.store.GetPairRequest(p.RequestID)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	if !ok {
		return nil, apierr.Invalid("unknown pairing request")
	}
	if err := d.store.SetPairRequestState(req.ID, storage.PairRejected); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"ok": true}, nil
}

// handleNodePairVerify is the final pairing step: the node presents the
// verification code issued at node.pair.request time; on a match the
// node transitions to paired (spec §4.4 "verify requires the code").
func handleNodePairVerify(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		RequestID        string `json:"requestId"`
		VerificationCode string `json:"verificationCode"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	req, ok, err := d.store.GetPairRequest(p.RequestID)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	if !ok {
		return nil, apierr.Invalid("unknown pairing request")
	}
	if req.State != storage.PairApproved {
		return nil, apierr.Invalid("pairing request has not been approved")
	}
	if req.VerificationCode != p.VerificationCode {
		return nil, apierr.Invalid("verification code does not match")
	}
	if err := d.store.SetPairRequestState(req.ID, storage.PairVerified); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	if err := d.store.SetNodeConnectionState(req.NodeID, storage.NodePaired, nowMillis()); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"ok": true, "nodeId": req.NodeID}, nil
}

func handleNodeRename(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		NodeID string `json:"nodeId"`
		Name   string `json:"name"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, apierr.Invalid("params.name is required")
	}
	if err := d.store.RenameNode(p.NodeID, p.Name); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"ok": true}, nil
}

func handleNodeList(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	nodes, err := d.store.ListNodesByConnection()
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"nodes": nodes}, nil
}

func handleNodeDescribe(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		NodeID string `json:"nodeId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	node, ok, err := d.store.GetNode(p.NodeID)
	if err != nil {
		return nil, apierr.Unavail("storage error")
	}
	if !ok {
		return nil, apierr.Invalid("unknown node")
	}
	return node, nil
}

func handleNodeInvoke(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		NodeID string          `json:"nodeId"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Method == "" {
		return nil, apierr.Invalid("params.method is required")
	}
	inv := storage.NodeInvoke{
		ID: uuid.NewString(), NodeID: p.NodeID, Method: p.Method,
		Params: string(p.Params), RequestedAt: nowMillis(),
	}
	if err := d.store.CreateNodeInvoke(inv); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"invokeId": inv.ID}, nil
}

func handleNodeInvokeResult(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		InvokeID string `json:"invokeId"`
		Result   string `json:"result"`
		Error    string `json:"error"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.InvokeID == "" {
		return nil, apierr.Invalid("params.invokeId is required")
	}
	if _, ok, err := d.store.GetNodeInvoke(p.InvokeID); err != nil {
		return nil, apierr.Unavail("storage error")
	} else if !ok {
		return nil, apierr.Invalid("unknown invocation")
	}
	if err := d.store.ResolveNodeInvoke(p.InvokeID, nowMillis(), p.Result, p.Error); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	return map[string]any{"ok": true}, nil
}

func handleNodeEvent(d *Dispatcher, sess *connmgr.Session, params json.RawMessage) (any, *apierr.Error) {
	var p struct {
		NodeID  string          `json:"nodeId"`
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Kind == "" {
		return nil, apierr.Invalid("params.kind is required")
	}
	ev := storage.NodeEvent{ID: uuid.NewString(), NodeID: p.NodeID, Kind: p.Kind, Payload: string(p.Payload), Ts: nowMillis()}
	if err := d.store.CreateNodeEvent(ev); err != nil {
		return nil, apierr.Unavail("storage error")
	}
	d.bus.Publish("node:"+p.NodeID, p.Kind, json.RawMessage(p.Payload))
	return map[string]any{"ok": true}, nil
}
