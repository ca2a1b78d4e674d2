package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabwire/tabwire/internal/protocol"
)

// RegistryOptions carries the per-session defaults the registry hands to
// every session it creates.
type RegistryOptions struct {
	Host           HostSender
	Logger         *slog.Logger
	IdleTimeout    time.Duration
	WarningLead    time.Duration
	RequestTimeout time.Duration
	ChunkThreshold int
	LogDir         string
	LogCapacity    int
}

// Registry owns every live session, keyed by id. It is the only authority
// that destroys sessions; everything else requests destruction through it.
type Registry struct {
	opts   RegistryOptions
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a session with a fresh unique id. A non-positive
// idleTimeout falls back to the registry default.
func (r *Registry) Create(idleTimeout time.Duration) (*Session, error) {
	if idleTimeout <= 0 {
		idleTimeout = r.opts.IdleTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id = uuid.NewString()
		if _, exists := r.sessions[id]; !exists {
			break
		}
	}

	log, err := OpenEventLog(r.opts.LogDir, id, r.opts.LogCapacity)
	if err != nil {
		return nil, err
	}

	s := NewSession(id, SessionOptions{
		Host:           r.opts.Host,
		Log:            log,
		Logger:         r.logger,
		IdleTimeout:    idleTimeout,
		WarningLead:    r.opts.WarningLead,
		RequestTimeout: r.opts.RequestTimeout,
		ChunkThreshold: r.opts.ChunkThreshold,
		OnTerminal:     r.remove,
	})
	r.sessions[id] = s

	r.logger.Info("session created", "session_id", id, "idle_timeout", idleTimeout)
	return s, nil
}

// Resume returns the live session with the given id, or nil if the id is
// unknown or the session is past its deadline. An expired-but-lingering
// session found here is swept on the spot.
func (r *Registry) Resume(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if s.State() == StateTerminal {
		return nil
	}
	if time.Now().After(s.ExpiresAt()) {
		// The expiry timer should have fired; treat the session as gone.
		go s.Close(protocol.CodeSessionExpired, "session expired")
		return nil
	}
	return s
}

// Get returns the session with the given id without any expiry checks.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// remove forgets a session id. Invoked by Session.Close as its terminal step.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.logger.Info("session removed", "session_id", id)
}

// Broadcast fans an unsolicited event out to every attached session.
func (r *Registry) Broadcast(ev protocol.ServerEvent) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.SendEvent(ev)
	}
}

// Sweep closes sessions that outlived their deadline without their expiry
// timer firing. Returns the number of sessions removed.
func (r *Registry) Sweep() int {
	now := time.Now()
	r.mu.RLock()
	var stale []*Session
	for _, s := range r.sessions {
		if now.After(s.ExpiresAt()) {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		s.Close(protocol.CodeSessionExpired, "session expired")
	}
	return len(stale)
}

// CloseAll terminates every session with the given reason. Used on host
// channel loss and process shutdown.
func (r *Registry) CloseAll(code, message string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close(code, message)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// --- host channel router surface ---

// DeliverResponse routes a host reply to its owning session. Replies for
// unknown sessions are dropped with a log line; they are never delivered to
// another session.
func (r *Registry) DeliverResponse(sessionID, requestID string, result, errPayload json.RawMessage) {
	s := r.Get(sessionID)
	if s == nil {
		r.logger.Warn("host reply for unknown session", "session_id", sessionID, "request_id", requestID)
		return
	}
	s.Deliver(requestID, result, errPayload)
}

// AppendHostLog records a host-side log echo in the owning session's log.
func (r *Registry) AppendHostLog(sessionID, direction string, data json.RawMessage) {
	s := r.Get(sessionID)
	if s == nil {
		return
	}
	s.LogHost(direction, data)
}

// BroadcastTabUpdate fans a host tab lifecycle event out to every attached
// session.
func (r *Registry) BroadcastTabUpdate(event string, tab json.RawMessage) {
	r.Broadcast(protocol.ServerEvent{Type: protocol.EventTabUpdate, Event: event, Tab: tab})
}

// ExpireSession terminates a session on the host's request.
func (r *Registry) ExpireSession(sessionID string) {
	s := r.Get(sessionID)
	if s == nil {
		return
	}
	s.Close(protocol.CodeSessionExpired, "session expired by host")
}
