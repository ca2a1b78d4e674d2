// Package bridgeclient is a Go client for the tabwire bridge: it dials the
// WebSocket front-end, correlates replies by request id, reassembles chunked
// replies, and surfaces unsolicited bridge events.
package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tabwire/tabwire/internal/protocol"
)

const defaultCallTimeout = 30 * time.Second

type callResult struct {
	result json.RawMessage
	err    error
}

// Client is one session's connection to the bridge.
type Client struct {
	conn        *websocket.Conn
	logger      *slog.Logger
	callTimeout time.Duration
	store       SessionStore
	endpoint    string

	sessionID string
	resumed   bool

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan callResult
	asm     *assembler
	closed  bool
	closeFn sync.Once

	events chan protocol.ServerEvent
	done   chan struct{}
}

// Dial connects to the bridge and completes the session greeting. When a
// session id is available (explicit option or session store) it attempts a
// resume; a stale stored id falls back to a fresh session.
func Dial(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		url:          "ws://127.0.0.1:9000",
		callTimeout:  defaultCallTimeout,
		eventBuffer:  64,
		dialAttempts: 5,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.dialAttempts < 1 {
		cfg.dialAttempts = 1
	}

	sessionID := cfg.sessionID
	fromStore := false
	if sessionID == "" && cfg.store != nil {
		stored, err := cfg.store.Load(cfg.url)
		if err != nil {
			return nil, fmt.Errorf("load stored session: %w", err)
		}
		sessionID = stored
		fromStore = stored != ""
	}

	c, err := dialWithRetry(ctx, cfg, sessionID)
	if err != nil {
		if fromStore && errors.Is(err, ErrSessionNotFound) {
			// The stored session died while we were away; start fresh.
			_ = cfg.store.Clear(cfg.url)
			c, err = dialWithRetry(ctx, cfg, "")
		}
		if err != nil {
			return nil, err
		}
	}

	if cfg.store != nil {
		if err := cfg.store.Save(cfg.url, c.sessionID); err != nil {
			c.logger.Warn("persist session id", "error", err)
		}
	}
	go c.readLoop()
	return c, nil
}

// dialWithRetry retries transport-level dial failures with exponential
// backoff. Greeting rejections (stale session, protocol mismatch) surface
// immediately; only a bridge that is not answering yet is worth waiting for.
func dialWithRetry(ctx context.Context, cfg *clientConfig, sessionID string) (*Client, error) {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < cfg.dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		c, err := dialOnce(ctx, cfg, sessionID)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrProtocol) {
			return nil, err
		}
		lastErr = err
		cfg.logger.Debug("bridge dial failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, cfg *clientConfig, sessionID string) (*Client, error) {
	u, err := url.Parse(cfg.url)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	q := u.Query()
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	if cfg.idleTimeout > 0 {
		q.Set("timeout", fmt.Sprintf("%d", cfg.idleTimeout.Milliseconds()))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	var greeting protocol.ServerEvent
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&greeting); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch greeting.Type {
	case protocol.EventSessionCreated, protocol.EventSessionResumed:
	case protocol.EventError:
		_ = conn.Close()
		return nil, ErrSessionNotFound
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("%w: unexpected greeting %q", ErrProtocol, greeting.Type)
	}

	return &Client{
		conn:        conn,
		logger:      cfg.logger,
		callTimeout: cfg.callTimeout,
		store:       cfg.store,
		endpoint:    cfg.url,
		sessionID:   greeting.SessionID,
		resumed:     greeting.Type == protocol.EventSessionResumed,
		pending:     make(map[string]chan callResult),
		asm:         newAssembler(),
		events:      make(chan protocol.ServerEvent, cfg.eventBuffer),
		done:        make(chan struct{}),
	}, nil
}

// SessionID returns the session id assigned or resumed at dial time.
func (c *Client) SessionID() string { return c.sessionID }

// Resumed reports whether Dial resumed an existing session.
func (c *Client) Resumed() bool { return c.resumed }

// Events returns unsolicited bridge events: tabUpdate, sessionTimeout
// warnings, and sessionExpired. The channel closes when the connection ends.
func (c *Client) Events() <-chan protocol.ServerEvent { return c.events }

// Call submits a command and waits for its reply, whole or reassembled from
// chunks. The error is a *protocol.Error when the bridge or host reported a
// structured failure.
func (c *Client) Call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		rawParams = data
	}

	requestID := uuid.NewString()
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	cmd := protocol.Command{Action: action, Params: rawParams, RequestID: requestID}
	if err := c.writeJSON(cmd); err != nil {
		c.forget(requestID)
		return nil, fmt.Errorf("send command: %w", err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.forget(requestID)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(requestID)
		return nil, ErrRequestTimeout
	case res := <-ch:
		return res.result, res.err
	}
}

// Status fetches the bridge-local session snapshot without touching the host.
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "_status", nil)
}

// EndSession asks the bridge to tear the session down, clears any stored
// session id, and closes the connection.
func (c *Client) EndSession(ctx context.Context) error {
	_, err := c.Call(ctx, "_endSession", nil)
	if c.store != nil {
		_ = c.store.Clear(c.endpoint)
	}
	cerr := c.Close()
	if err != nil {
		return err
	}
	return cerr
}

// Close terminates the connection. In-flight calls fail with
// ErrConnectionClosed; the session itself stays resumable on the bridge.
func (c *Client) Close() error {
	var err error
	c.closeFn.Do(func() {
		err = c.conn.Close()
		c.failAll(ErrConnectionClosed)
	})
	return err
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.asm.drop(requestID)
	c.mu.Unlock()
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	// Both channels close under c.mu so emitters serialized on the same
	// mutex cannot send on a closed channel.
	close(c.done)
	close(c.events)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(ErrConnectionClosed)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var probe struct {
		Type        string `json:"type"`
		RequestID   string `json:"requestId"`
		TotalChunks int    `json:"totalChunks"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		c.logger.Warn("discarding unparseable frame", "error", err)
		return
	}

	switch {
	case probe.Type != "":
		c.handleEvent(data)
	case probe.TotalChunks > 0:
		var chunk protocol.Chunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			c.logger.Warn("discarding malformed chunk", "error", err)
			return
		}
		c.mu.Lock()
		payload, complete, err := c.asm.add(chunk)
		c.mu.Unlock()
		if err != nil {
			c.resolve(chunk.RequestID, callResult{err: err})
			return
		}
		if !complete {
			return
		}
		var reply protocol.Reply
		if err := json.Unmarshal(payload, &reply); err != nil {
			c.resolve(chunk.RequestID, callResult{err: fmt.Errorf("%w: reassembled reply: %v", ErrProtocol, err)})
			return
		}
		c.resolveReply(reply)
	default:
		var reply protocol.Reply
		if err := json.Unmarshal(data, &reply); err != nil {
			c.logger.Warn("discarding malformed reply", "error", err)
			return
		}
		c.resolveReply(reply)
	}
}

func (c *Client) handleEvent(data []byte) {
	var ev protocol.ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	// The read loop can hold a decoded frame while Close tears the client
	// down; the closed check and the channel close share c.mu.
	c.mu.Lock()
	if !c.closed {
		select {
		case c.events <- ev:
		default:
			// Slow consumer; events are advisory.
		}
	}
	c.mu.Unlock()

	if ev.Type == protocol.EventSessionExpired {
		if c.store != nil {
			_ = c.store.Clear(c.endpoint)
		}
		c.failAll(ErrSessionExpired)
		_ = c.conn.Close()
	}
}

func (c *Client) resolveReply(reply protocol.Reply) {
	res := callResult{result: reply.Result}
	if len(reply.Error) > 0 && string(reply.Error) != "null" {
		perr := &protocol.Error{}
		if err := json.Unmarshal(reply.Error, perr); err != nil || perr.Code == "" {
			res.err = fmt.Errorf("bridge error: %s", reply.Error)
		} else {
			res.err = perr
		}
	}
	c.resolve(reply.RequestID, res)
}

func (c *Client) resolve(requestID string, res callResult) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply for unknown request", "request_id", requestID)
		return
	}
	ch <- res
}
