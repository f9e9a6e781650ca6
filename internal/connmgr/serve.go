package connmgr

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// Router is the dispatcher contract connmgr depends on. The Dispatcher
// (C5) implements this; connmgr never imports internal/dispatcher,
// keeping the dependency direction the same as the control-flow diagram
// in spec §2 (frames flow C2 → C5 via C4, not the reverse).
type Router interface {
	// Dispatch handles one decoded request frame for sess and returns the
	// response frame to write back. Called only after the connect
	// handshake has succeeded.
	Dispatch(sess *Session, req *protocol.Frame) protocol.Frame
	// HandleConnect validates a connect request's params (auth, protocol
	// version) and returns the ConnectResult payload on success.
	HandleConnect(sess *Session, params *protocol.ConnectParams) (*protocol.ConnectResult, *apierr.Error)
}

// Serve runs a session's read and write pumps until the connection
// closes. It enforces the handshake-first-frame rule (spec §4.1): the
// first frame received MUST be a connect request, or the connection is
// terminated with an INVALID_REQUEST error frame.
func Serve(sess *Session, router Router) {
	defer sess.Close()

	go writePump(sess)

	sess.conn.SetPingHandler(func(appData string) error {
		sess.Touch()
		sess.conn.SetReadDeadline(time.Now().Add(DefaultIdleTimeout))
		return sess.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	handshakeDone := false
	for {
		sess.conn.SetReadDeadline(time.Now().Add(DefaultIdleTimeout))
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.Touch()

		frame, decodeErr := protocol.DecodeFrame(data)
		if decodeErr != nil {
			sess.WriteFrame(protocol.NewErrorResponse("", decodeErr))
			if !handshakeDone {
				return
			}
			continue
		}

		if !handshakeDone {
			if frame.Type != protocol.TypeRequest || frame.Method != "connect" {
				sess.WriteFrame(protocol.NewErrorResponse(frame.ID,
					apierr.Invalid("first frame must be a connect request")))
				return
			}
			params, perr := protocol.ParseConnectParams(frame.Params)
			if perr != nil {
				sess.WriteFrame(protocol.NewErrorResponse(frame.ID, perr))
				return
			}
			sess.Role = params.Role
			result, herr := router.HandleConnect(sess, params)
			if herr != nil {
				sess.WriteFrame(protocol.NewErrorResponse(frame.ID, herr))
				return
			}
			sess.WriteFrame(protocol.NewResponse(frame.ID, result))
			handshakeDone = true
			continue
		}

		if frame.Type != protocol.TypeRequest {
			sess.WriteFrame(protocol.NewErrorResponse(frame.ID,
				apierr.Invalid("only req frames may be sent by clients")))
			continue
		}

		go func(f protocol.Frame) {
			resp := router.Dispatch(sess, &f)
			if err := sess.WriteFrame(resp); err != nil {
				logger.DebugCF("connmgr", "write failed", map[string]any{"session": sess.ID, "err": err.Error()})
			}
		}(*frame)
	}
}

func writePump(sess *Session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-sess.outbox.Wake():
			for _, f := range sess.outbox.Drain() {
				if err := sess.WriteFrame(f); err != nil {
					return
				}
			}
		}
	}
}

// IsUnexpectedClose reports whether err represents an abnormal WebSocket
// closure worth logging, as opposed to a routine client disconnect.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived)
}
