package bridgeclient

import (
	"log/slog"
	"time"
)

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	url          string
	sessionID    string
	idleTimeout  time.Duration
	callTimeout  time.Duration
	eventBuffer  int
	dialAttempts int
	store        SessionStore
	logger       *slog.Logger
}

// WithURL sets the bridge WebSocket URL (default ws://127.0.0.1:9000).
func WithURL(url string) Option {
	return func(c *clientConfig) { c.url = url }
}

// WithSessionID resumes a specific session instead of creating a new one.
func WithSessionID(id string) Option {
	return func(c *clientConfig) { c.sessionID = id }
}

// WithIdleTimeout overrides the session idle timeout negotiated at connect.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.idleTimeout = d }
}

// WithCallTimeout sets the per-request deadline (default 30 seconds).
func WithCallTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.callTimeout = d }
}

// WithSessionStore persists the session id across process restarts so a
// relaunched tool can resume where it left off.
func WithSessionStore(store SessionStore) Option {
	return func(c *clientConfig) { c.store = store }
}

// WithEventBuffer sizes the unsolicited-event channel (default 64).
func WithEventBuffer(n int) Option {
	return func(c *clientConfig) { c.eventBuffer = n }
}

// WithDialAttempts sets how many times Dial retries a failed connection
// before giving up, with exponential backoff between attempts (default 5).
// Greeting rejections are not retried; only transport failures are.
func WithDialAttempts(n int) Option {
	return func(c *clientConfig) { c.dialAttempts = n }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) { c.logger = logger }
}
