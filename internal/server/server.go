// Package server is the WebSocket front-end: it accepts client connections
// on the loopback port, applies the upgrade decision table, and feeds frames
// to their sessions.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabwire/tabwire/internal/bridge"
	"github.com/tabwire/tabwire/internal/protocol"
)

const writeWait = 10 * time.Second

// Server accepts WebSocket clients and binds them to sessions.
type Server struct {
	registry *bridge.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New creates a front-end over the given registry. Origin checks are
// disabled: the listener is loopback-only and the trust boundary is the
// local machine.
func New(registry *bridge.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}
	return s
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Serve runs the HTTP server on the given listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// wsConn adapts a gorilla connection to bridge.ClientConn with serialized
// writes; replies, chunks, and unsolicited events may race on one socket.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(v)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := query.Get("sessionId")
	idleTimeout := parseTimeoutMs(query.Get("timeout"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	wc := &wsConn{c: conn}

	var sess *bridge.Session
	if sessionID != "" {
		sess = s.registry.Resume(sessionID)
		if sess == nil || sess.Attach(wc) != nil {
			s.logger.Info("resume rejected", "session_id", sessionID, "remote", r.RemoteAddr)
			_ = wc.WriteJSON(protocol.ServerEvent{
				Type:    protocol.EventError,
				Message: "Session not found or expired",
			})
			_ = wc.Close()
			return
		}
		sess.LogResumed()
		_ = wc.WriteJSON(protocol.ServerEvent{
			Type:          protocol.EventSessionResumed,
			SessionID:     sess.ID,
			IdleTimeoutMs: sess.IdleTimeout().Milliseconds(),
		})
		s.logger.Info("session resumed", "session_id", sess.ID, "remote", r.RemoteAddr)
	} else {
		sess, err = s.registry.Create(idleTimeout)
		if err != nil {
			s.logger.Error("create session", "error", err)
			_ = wc.WriteJSON(protocol.ServerEvent{Type: protocol.EventError, Message: "failed to create session"})
			_ = wc.Close()
			return
		}
		_ = sess.Attach(wc)
		_ = wc.WriteJSON(protocol.ServerEvent{
			Type:          protocol.EventSessionCreated,
			SessionID:     sess.ID,
			IdleTimeoutMs: sess.IdleTimeout().Milliseconds(),
		})
	}

	s.readLoop(sess, wc)
}

// readLoop consumes frames until the socket dies. A socket death only
// detaches; the session stays resumable until its deadline.
func (s *Server) readLoop(sess *bridge.Session, wc *wsConn) {
	for {
		_, data, err := wc.c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.LogWSError(err)
			}
			sess.Detach(wc)
			return
		}
		s.handleFrame(sess, wc, data)
	}
}

func (s *Server) handleFrame(sess *bridge.Session, wc *wsConn, data []byte) {
	if !json.Valid(data) {
		s.writeErrorReply(wc, "unknown", protocol.CodeParseError, "frame is not valid JSON")
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// Valid JSON but not an object.
		s.writeErrorReply(wc, "unknown", protocol.CodeInvalidFormat, "Missing required fields: action, requestId")
		return
	}

	cmd := protocol.Command{
		Action:    stringField(fields, "action"),
		RequestID: stringField(fields, "requestId"),
		Params:    fields["params"],
	}

	var missing []string
	if cmd.Action == "" {
		missing = append(missing, "action")
	}
	if cmd.RequestID == "" {
		missing = append(missing, "requestId")
	}
	if len(missing) > 0 {
		requestID := cmd.RequestID
		if requestID == "" {
			requestID = "unknown"
		}
		s.writeErrorReply(wc, requestID, protocol.CodeInvalidFormat,
			"Missing required fields: "+strings.Join(missing, ", "))
		return
	}

	// Control actions are answered locally, without touching the host.
	switch cmd.Action {
	case "_status":
		s.writeStatus(sess, wc, cmd.RequestID)
		return
	case "_endSession":
		_ = wc.WriteJSON(protocol.Reply{
			RequestID: cmd.RequestID,
			Result:    json.RawMessage(`{"closed":true}`),
		})
		sess.Close(protocol.CodeSessionClosed, "session closed by client")
		return
	}

	if err := sess.Submit(cmd); err != nil {
		switch err {
		case bridge.ErrInvalidEnvelope:
			s.writeErrorReply(wc, cmd.RequestID, protocol.CodeInvalidFormat, err.Error())
		case bridge.ErrSessionTerminal:
			s.writeErrorReply(wc, cmd.RequestID, protocol.CodeSessionExpired, "session terminated")
		default:
			s.writeErrorReply(wc, cmd.RequestID, protocol.CodeNativeHostError, err.Error())
		}
	}
}

func (s *Server) writeStatus(sess *bridge.Session, wc *wsConn, requestID string) {
	result, err := json.Marshal(sess.Status())
	if err != nil {
		s.writeErrorReply(wc, requestID, protocol.CodeNativeHostError, err.Error())
		return
	}
	_ = wc.WriteJSON(protocol.Reply{RequestID: requestID, Result: result})
}

func (s *Server) writeErrorReply(wc *wsConn, requestID, code, message string) {
	_ = wc.WriteJSON(protocol.Reply{
		RequestID: requestID,
		Error:     protocol.ErrorJSON(code, message),
	})
}

// parseTimeoutMs interprets the timeout query parameter as positive integer
// milliseconds. Anything else falls back to the registry default.
func parseTimeoutMs(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}
