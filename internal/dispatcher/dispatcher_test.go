package dispatcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/authn"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/connmgr"
	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/storage"
	"github.com/reclaw/reclaw-core/internal/webhooks"
)

// testServer wires a real Dispatcher behind connmgr, served over an
// httptest websocket endpoint — the handlers and the handshake rules
// they depend on (spec §4.1/§4.4) are only meaningfully testable with a
// real connection, not a bare struct.
type testServer struct {
	url   string
	store *storage.Store
	rt    *agentrun.Runtime
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "reclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	rt := agentrun.New(store, bus, agentrun.EchoExecutor{}, 4)
	auth := authn.New(authn.ModeNone, "", "")
	wh := webhooks.New(config.Default(), store, bus, rt)
	d := New(store, bus, auth, rt, wh, "test")

	mgr := connmgr.NewManager()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := mgr.Upgrade(w, r)
		if err != nil {
			return
		}
		connmgr.Serve(sess, d)
	}))
	t.Cleanup(srv.Close)

	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/", store: store, rt: rt}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendReq(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	frame := map[string]any{"type": "req", "id": id, "method": method, "params": json.RawMessage(raw)}
	require.NoError(t, conn.WriteJSON(frame))
}

type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Ok      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Name    string          `json:"name"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func connectOK(t *testing.T, conn *websocket.Conn, capabilities []string) wireFrame {
	t.Helper()
	sendReq(t, conn, "c1", "connect", map[string]any{"role": "operator", "capabilities": capabilities})
	f := readFrame(t, conn)
	require.True(t, f.Ok, "connect should succeed: %+v", f.Error)
	return f
}

func TestHandshake_FirstFrameMustBeConnect(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)

	sendReq(t, conn, "1", "health", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection should close after a non-connect first frame")
}

func TestConnect_ReturnsImplementedMethodsMatchingRegistry(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)

	f := connectOK(t, conn, nil)
	var payload struct {
		ImplementedMethods []string `json:"implementedMethods"`
		Protocol           int      `json:"protocol"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &payload))
	assert.Equal(t, 3, payload.Protocol)
	assert.Contains(t, payload.ImplementedMethods, "chat.send")
	assert.Contains(t, payload.ImplementedMethods, "agent.wait")
}

func TestUnknownMethod_ReturnsInvalidRequest(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)
	connectOK(t, conn, nil)

	sendReq(t, conn, "2", "totally.unknown", nil)
	f := readFrame(t, conn)
	require.False(t, f.Ok)
	assert.Equal(t, "INVALID_REQUEST", f.Error.Code)
}

func TestDeferredRun_QueuedUntilWait(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)
	connectOK(t, conn, nil)

	sendReq(t, conn, "3", "agent", map[string]any{
		"deferred": true, "runId": "r1", "sessionKey": "s1", "message": "hi",
	})
	f := readFrame(t, conn)
	require.True(t, f.Ok)
	var created struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &created))
	require.Equal(t, "r1", created.RunID)

	run, ok, err := ts.store.GetAgentRun("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, storage.RunQueued, run.State)

	sendReq(t, conn, "4", "agent.wait", map[string]any{"runId": "r1", "timeoutMs": 2000})
	f = readFrame(t, conn)
	require.True(t, f.Ok)
	var waited struct {
		State  string `json:"state"`
		Output string `json:"output"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &waited))
	assert.Equal(t, "completed", waited.State)
	assert.Contains(t, waited.Output, "hi")
}

func TestChatAbort_AllNonTerminalForSession(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)
	connectOK(t, conn, nil)

	sendReq(t, conn, "5", "agent", map[string]any{
		"deferred": true, "runId": "r-a", "sessionKey": "s2", "message": "a",
	})
	readFrame(t, conn)
	sendReq(t, conn, "6", "agent", map[string]any{
		"deferred": true, "runId": "r-b", "sessionKey": "s2", "message": "b",
	})
	readFrame(t, conn)

	sendReq(t, conn, "7", "chat.abort", map[string]any{"sessionKey": "s2"})
	f := readFrame(t, conn)
	require.True(t, f.Ok)
	var res struct {
		Aborted bool     `json:"aborted"`
		RunIDs  []string `json:"runIds"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &res))
	assert.True(t, res.Aborted)
	assert.ElementsMatch(t, []string{"r-a", "r-b"}, res.RunIDs)
}

func TestNodeGatedMethod_RequiresPairing(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)
	connectOK(t, conn, nil)

	sendReq(t, conn, "8", "node.rename", map[string]any{"nodeId": "does-not-exist", "name": "x"})
	f := readFrame(t, conn)
	require.False(t, f.Ok)
	assert.Equal(t, "NOT_PAIRED", f.Error.Code)
}

func TestNodePairing_RequestApproveVerify(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)
	connectOK(t, conn, nil)

	sendReq(t, conn, "9", "node.pair.request", map[string]any{"name": "sensor-1"})
	f := readFrame(t, conn)
	require.True(t, f.Ok)
	var pairReq struct {
		NodeID           string `json:"nodeId"`
		RequestID        string `json:"requestId"`
		VerificationCode string `json:"verificationCode"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &pairReq))

	sendReq(t, conn, "10", "node.pair.approve", map[string]any{"requestId": pairReq.RequestID})
	f = readFrame(t, conn)
	require.True(t, f.Ok)

	sendReq(t, conn, "11", "node.pair.verify", map[string]any{
		"requestId": pairReq.RequestID, "verificationCode": pairReq.VerificationCode,
	})
	f = readFrame(t, conn)
	require.True(t, f.Ok)

	sendReq(t, conn, "12", "node.rename", map[string]any{"nodeId": pairReq.NodeID, "name": "renamed"})
	f = readFrame(t, conn)
	require.True(t, f.Ok, "renaming a paired node should succeed: %+v", f.Error)

	node, ok, err := ts.store.GetNode(pairReq.NodeID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "renamed", node.Name)
	assert.Equal(t, storage.NodePaired, node.ConnectionState)
}

func TestChatSend_IdempotentRunId(t *testing.T) {
	ts := newTestServer(t)
	conn := dial(t, ts.url)
	connectOK(t, conn, nil)

	sendReq(t, conn, "13", "chat.send", map[string]any{"sessionKey": "s3", "text": "hello", "runId": "dup-1"})
	f1 := readFrame(t, conn)
	require.True(t, f1.Ok)

	sendReq(t, conn, "14", "chat.send", map[string]any{"sessionKey": "s3", "text": "hello-again", "runId": "dup-1"})
	f2 := readFrame(t, conn)
	require.True(t, f2.Ok)

	var r1, r2 struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(f1.Payload, &r1))
	require.NoError(t, json.Unmarshal(f2.Payload, &r2))
	assert.Equal(t, r1.RunID, r2.RunID)
}
