package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tabwire/tabwire/internal/protocol"
)

// State is a session's lifecycle state.
type State int

const (
	// StateAttached means a live socket is bound to the session.
	StateAttached State = iota + 1
	// StateDetached means the socket is gone but the session is resumable
	// until its expiry deadline.
	StateDetached
	// StateTerminal means the session is gone and cannot be resurrected.
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// HostSender is the session's view of the host channel.
type HostSender interface {
	SendCommand(sessionID string, cmd protocol.Command) error
	Connected() bool
}

// ClientConn is the transport half of an attached client. Implementations
// must be safe for concurrent writers.
type ClientConn interface {
	WriteJSON(v any) error
	Close() error
}

// SessionOptions configures a new session.
type SessionOptions struct {
	Host           HostSender
	Log            *EventLog
	Logger         *slog.Logger
	IdleTimeout    time.Duration
	WarningLead    time.Duration
	RequestTimeout time.Duration // 0 disables the bridge-side watchdog
	ChunkThreshold int
	OnTerminal     func(id string)
}

type pendingRequest struct {
	submitted time.Time
	watchdog  *time.Timer
}

func (p *pendingRequest) stopWatchdog() {
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
}

// Session owns one tenant's command stream end-to-end: the FIFO queue toward
// the host, the pending-reply map, the activity and expiry timers, and the
// append-only event log.
type Session struct {
	ID        string
	CreatedAt time.Time

	host       HostSender
	log        *EventLog
	logger     *slog.Logger
	onTerminal func(id string)

	idleTimeout    time.Duration
	warningLead    time.Duration
	requestTimeout time.Duration
	chunkThreshold int

	mu           sync.Mutex
	state        State
	sock         ClientConn
	queue        []protocol.Command
	pending      map[string]*pendingRequest
	parked       []protocol.Reply // replies that arrived while detached
	lastActivity time.Time
	expiresAt    time.Time
	expiryTimer  *time.Timer
	warningTimer *time.Timer
	dispatching  bool
	flushing     bool // parked replies are draining; new replies park behind them
}

// NewSession creates a detached session with its expiry clock running. The
// caller is expected to Attach a socket immediately after.
func NewSession(id string, opts SessionOptions) *Session {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.WarningLead <= 0 {
		opts.WarningLead = time.Minute
	}
	if opts.ChunkThreshold <= 0 {
		opts.ChunkThreshold = DefaultChunkThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Log == nil {
		opts.Log, _ = OpenEventLog("", id, 0)
	}

	s := &Session{
		ID:             id,
		CreatedAt:      time.Now().UTC(),
		host:           opts.Host,
		log:            opts.Log,
		logger:         opts.Logger,
		onTerminal:     opts.OnTerminal,
		idleTimeout:    opts.IdleTimeout,
		warningLead:    opts.WarningLead,
		requestTimeout: opts.RequestTimeout,
		chunkThreshold: opts.ChunkThreshold,
		state:          StateDetached,
		pending:        make(map[string]*pendingRequest),
	}

	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()

	s.log.Append(LogSessionCreated, map[string]any{
		"sessionId":     id,
		"idleTimeoutMs": opts.IdleTimeout.Milliseconds(),
	})
	return s
}

// touchLocked records activity and rearms the warning and expiry timers
// relative to the new deadline. Callers hold s.mu.
func (s *Session) touchLocked() {
	now := time.Now()
	s.lastActivity = now
	s.expiresAt = now.Add(s.idleTimeout)

	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	s.expiryTimer = time.AfterFunc(s.idleTimeout, s.expireIdle)

	if s.warningTimer != nil {
		s.warningTimer.Stop()
	}
	if s.idleTimeout > s.warningLead {
		s.warningTimer = time.AfterFunc(s.idleTimeout-s.warningLead, s.warn)
	}
}

// Attach binds a live transport. If a prior socket was still attached it is
// closed silently: two sockets on one session id indicate client misuse, and
// the last writer wins. Parked replies are flushed to the new socket before
// any newly delivered reply; a reply that arrives mid-flush parks behind them
// so per-session ordering holds across a resume.
func (s *Session) Attach(conn ClientConn) error {
	s.mu.Lock()
	if s.state == StateTerminal {
		s.mu.Unlock()
		return ErrSessionTerminal
	}
	if old := s.sock; old != nil && old != conn {
		go old.Close()
	}
	s.sock = conn
	s.state = StateAttached
	s.touchLocked()
	s.flushing = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.state != StateAttached || s.sock != conn {
			// The session moved on; whoever owns the socket now also owns
			// the flush gate.
			s.mu.Unlock()
			return nil
		}
		if len(s.parked) == 0 {
			s.flushing = false
			s.mu.Unlock()
			return nil
		}
		reply := s.parked[0]
		s.parked = s.parked[1:]
		s.mu.Unlock()

		s.writeReply(conn, reply)
	}
}

// Detach drops the socket without destroying the session. The expiry clock
// keeps running; the session is resumable until the deadline. When conn is
// non-nil the detach only happens if conn is still the attached socket, so a
// stale reader cannot detach a newer socket after a resume takeover.
func (s *Session) Detach(conn ClientConn) {
	s.mu.Lock()
	if s.state != StateAttached || (conn != nil && s.sock != conn) {
		s.mu.Unlock()
		return
	}
	s.sock = nil
	s.state = StateDetached
	s.flushing = false
	s.mu.Unlock()
}

// Submit validates and enqueues a client command and kicks the dispatcher.
func (s *Session) Submit(cmd protocol.Command) error {
	if cmd.Action == "" || cmd.RequestID == "" {
		return ErrInvalidEnvelope
	}

	s.mu.Lock()
	if s.state == StateTerminal {
		s.mu.Unlock()
		return ErrSessionTerminal
	}
	s.queue = append(s.queue, cmd)
	s.touchLocked()
	kick := !s.dispatching
	if kick {
		s.dispatching = true
	}
	s.mu.Unlock()

	if kick {
		go s.dispatch()
	}
	return nil
}

// dispatch drains the queue toward the host. At most one dispatch loop runs
// per session, so commands reach the host in submission order.
func (s *Session) dispatch() {
	for {
		s.mu.Lock()
		if s.state == StateTerminal || len(s.queue) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		cmd := s.queue[0]
		s.queue = s.queue[1:]

		if s.host == nil || !s.host.Connected() {
			s.mu.Unlock()
			s.log.Append(LogRequest, cmd)
			s.ship(protocol.Reply{
				RequestID: cmd.RequestID,
				Error:     protocol.ErrorJSON(protocol.CodeNativeHostError, "Not connected"),
			})
			continue
		}

		p := &pendingRequest{submitted: time.Now()}
		if s.requestTimeout > 0 {
			reqID := cmd.RequestID
			p.watchdog = time.AfterFunc(s.requestTimeout, func() { s.timeoutRequest(reqID) })
		}
		s.pending[cmd.RequestID] = p
		s.mu.Unlock()

		s.log.Append(LogRequest, cmd)
		if err := s.host.SendCommand(s.ID, cmd); err != nil {
			s.mu.Lock()
			if stale, ok := s.pending[cmd.RequestID]; ok {
				delete(s.pending, cmd.RequestID)
				stale.stopWatchdog()
			}
			s.mu.Unlock()
			s.ship(protocol.Reply{
				RequestID: cmd.RequestID,
				Error:     protocol.ErrorJSON(protocol.CodeNativeHostError, err.Error()),
			})
		}
	}
}

// timeoutRequest fails a pending request whose bridge-side deadline elapsed.
// A late host reply for the same id will be dropped by Deliver.
func (s *Session) timeoutRequest(requestID string) {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, requestID)
	p.stopWatchdog()
	s.mu.Unlock()

	s.log.Append(LogResponse, map[string]string{"requestId": requestID, "error": protocol.CodeRequestTimeout})
	s.ship(protocol.Reply{
		RequestID: requestID,
		Error:     protocol.ErrorJSON(protocol.CodeRequestTimeout, "no reply from host within deadline"),
	})
}

// Deliver resolves a pending request with the host's reply and ships it to
// the client. Replies with no pending entry are logged and dropped.
func (s *Session) Deliver(requestID string, result, hostErr json.RawMessage) {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("dropping reply with no pending request",
			"session_id", s.ID, "request_id", requestID)
		s.log.Append(LogResponse, map[string]string{"requestId": requestID, "dropped": "no pending request"})
		return
	}
	delete(s.pending, requestID)
	p.stopWatchdog()
	s.touchLocked()
	s.mu.Unlock()

	s.log.Append(LogResponse, map[string]any{"requestId": requestID, "hostError": hostErr != nil})
	s.ship(protocol.Reply{RequestID: requestID, Result: result, Error: hostErr})
}

// ship routes a reply to the attached socket. While detached, or while an
// attach is still draining parked replies, the reply is parked so it cannot
// overtake older ones. A write failure detaches the session and the reply is
// lost; the client is expected to retry after reconnecting.
func (s *Session) ship(reply protocol.Reply) {
	s.mu.Lock()
	if s.state == StateTerminal {
		s.mu.Unlock()
		return
	}
	sock := s.sock
	if sock == nil || s.flushing {
		s.parked = append(s.parked, reply)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.writeReply(sock, reply)
}

// writeReply serializes a reply, applies the chunk decision, and writes it.
func (s *Session) writeReply(sock ClientConn, reply protocol.Reply) {
	serialized, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("marshal reply", "session_id", s.ID, "request_id", reply.RequestID, "error", err)
		return
	}

	var werr error
	if len(serialized) <= s.chunkThreshold {
		werr = sock.WriteJSON(json.RawMessage(serialized))
	} else {
		for _, c := range SplitReply(reply.RequestID, serialized, s.chunkThreshold) {
			if werr = sock.WriteJSON(c); werr != nil {
				break
			}
		}
	}
	if werr != nil {
		s.logger.Warn("client write failed, detaching", "session_id", s.ID, "error", werr)
		s.log.Append(LogWSError, werr.Error())
		s.Detach(sock)
	}
}

// SendEvent writes an unsolicited envelope to the attached socket. Detached
// and terminal sessions ignore the event.
func (s *Session) SendEvent(ev protocol.ServerEvent) {
	s.mu.Lock()
	sock := s.sock
	state := s.state
	s.mu.Unlock()
	if state != StateAttached || sock == nil {
		return
	}
	if err := sock.WriteJSON(ev); err != nil {
		s.logger.Warn("event write failed, detaching", "session_id", s.ID, "type", ev.Type, "error", err)
		s.Detach(sock)
	}
}

// warn fires one minute before expiry. Activity-induced rearming stops this
// timer and reschedules it, so the warning stays idempotent.
func (s *Session) warn() {
	s.mu.Lock()
	state := s.state
	sock := s.sock
	lead := s.warningLead
	s.mu.Unlock()
	if state != StateAttached || sock == nil {
		return
	}
	_ = sock.WriteJSON(protocol.ServerEvent{
		Type:          protocol.EventSessionTimeout,
		SessionID:     s.ID,
		RemainingTime: lead.Milliseconds(),
	})
}

func (s *Session) expireIdle() {
	s.Close(protocol.CodeSessionExpired, "session expired")
}

// Close moves the session to TERMINAL: every queued and pending request is
// failed with the given reason, the socket (if attached) is notified and
// closed, timers are cancelled, and the registry is asked to forget the id.
// Safe to call more than once.
func (s *Session) Close(code, message string) {
	s.mu.Lock()
	if s.state == StateTerminal {
		s.mu.Unlock()
		return
	}
	s.state = StateTerminal
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	if s.warningTimer != nil {
		s.warningTimer.Stop()
	}
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	queued := s.queue
	s.queue = nil
	s.parked = nil
	sock := s.sock
	s.sock = nil
	s.mu.Unlock()

	errPayload := protocol.ErrorJSON(code, message)
	for id, p := range pending {
		p.stopWatchdog()
		if sock != nil {
			_ = sock.WriteJSON(protocol.Reply{RequestID: id, Error: errPayload})
		}
	}
	for _, cmd := range queued {
		if sock != nil {
			_ = sock.WriteJSON(protocol.Reply{RequestID: cmd.RequestID, Error: errPayload})
		}
	}
	if sock != nil {
		if code == protocol.CodeSessionExpired {
			_ = sock.WriteJSON(protocol.ServerEvent{Type: protocol.EventSessionExpired, SessionID: s.ID})
		}
		_ = sock.Close()
	}

	if code == protocol.CodeSessionExpired {
		s.log.Append(LogSessionExpired, nil)
	} else {
		s.log.Append(LogSessionClosed, map[string]string{"code": code, "message": message})
	}
	_ = s.log.Close()

	if s.onTerminal != nil {
		s.onTerminal(s.ID)
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IdleTimeout returns the session's configured idle timeout.
func (s *Session) IdleTimeout() time.Duration {
	return s.idleTimeout
}

// LogResumed records a successful resume in the session's event log.
func (s *Session) LogResumed() {
	s.log.Append(LogSessionResumed, nil)
}

// ExpiresAt returns the current expiry deadline.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// LogWSError records a transport error in the session's event log.
func (s *Session) LogWSError(err error) {
	if err == nil {
		return
	}
	s.log.Append(LogWSError, err.Error())
}

// LogHost records a host-originated log echo for this session.
func (s *Session) LogHost(direction string, data json.RawMessage) {
	event := LogRequestHost
	if direction == "response" || direction == "in" {
		event = LogResponseHost
	}
	s.log.Append(event, data)
}

// Status is the session snapshot served by the local _status action.
type Status struct {
	SessionID       string    `json:"sessionId"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
	QueueDepth      int       `json:"queueDepth"`
	PendingRequests int       `json:"pendingRequests"`
	HostConnected   bool      `json:"hostConnected"`
}

// Status snapshots the session without disturbing its activity clock.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:       s.ID,
		State:           s.state.String(),
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.lastActivity.UTC(),
		ExpiresAt:       s.expiresAt.UTC(),
		QueueDepth:      len(s.queue),
		PendingRequests: len(s.pending),
		HostConnected:   s.host != nil && s.host.Connected(),
	}
}

// RecentEvents exposes the in-memory tail of the session log.
func (s *Session) RecentEvents(n int) []LogEntry {
	return s.log.Recent(n)
}
