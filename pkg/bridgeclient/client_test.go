package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabwire/tabwire/internal/bridge"
	"github.com/tabwire/tabwire/internal/protocol"
	"github.com/tabwire/tabwire/internal/server"
)

// scriptedHost answers commands through the registry like the real host
// channel. By default it echoes the action; result and errPayload override
// the reply for every command.
type scriptedHost struct {
	mu         sync.Mutex
	registry   *bridge.Registry
	silent     bool
	result     json.RawMessage
	errPayload json.RawMessage
}

func (h *scriptedHost) Connected() bool { return true }

func (h *scriptedHost) SendCommand(sessionID string, cmd protocol.Command) error {
	h.mu.Lock()
	silent := h.silent
	result := h.result
	errPayload := h.errPayload
	reg := h.registry
	h.mu.Unlock()
	if silent {
		return nil
	}
	if result == nil && errPayload == nil {
		result = json.RawMessage(`{"echo":"` + cmd.Action + `"}`)
	}
	go reg.DeliverResponse(sessionID, cmd.RequestID, result, errPayload)
	return nil
}

type bridgeEnv struct {
	url      string
	registry *bridge.Registry
	host     *scriptedHost
}

func startBridge(t *testing.T, idleTimeout time.Duration, chunkThreshold int) *bridgeEnv {
	t.Helper()
	host := &scriptedHost{}
	registry := bridge.NewRegistry(bridge.RegistryOptions{
		Host:           host,
		IdleTimeout:    idleTimeout,
		ChunkThreshold: chunkThreshold,
	})
	host.registry = registry

	ts := httptest.NewServer(server.New(registry, nil).Handler())
	t.Cleanup(func() {
		registry.CloseAll(protocol.CodeSessionClosed, "test cleanup")
		ts.Close()
	})

	return &bridgeEnv{
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
		registry: registry,
		host:     host,
	}
}

func TestClientCallRoundTrip(t *testing.T) {
	env := startBridge(t, 0, 0)

	c, err := Dial(context.Background(), WithURL(env.url))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		t.Error("empty session id")
	}
	if c.Resumed() {
		t.Error("fresh session reported as resumed")
	}

	result, err := c.Call(context.Background(), "listTabs", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"echo":"listTabs"}` {
		t.Errorf("result = %s", result)
	}
}

func TestClientReassemblesChunkedReply(t *testing.T) {
	env := startBridge(t, 0, 256)

	// Large enough that the serialized reply clears the 256-byte threshold
	// several times over.
	big := strings.Repeat("screenshot-bytes-", 200)
	env.host.result = json.RawMessage(`{"image":"` + big + `"}`)

	c, err := Dial(context.Background(), WithURL(env.url))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	result, err := c.Call(context.Background(), "captureScreenshot", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var parsed struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("unmarshal reassembled result: %v", err)
	}
	if parsed.Image != big {
		t.Errorf("image = %d bytes, want %d", len(parsed.Image), len(big))
	}
}

func TestClientCallTimeout(t *testing.T) {
	env := startBridge(t, 0, 0)
	env.host.silent = true

	c, err := Dial(context.Background(), WithURL(env.url), WithCallTimeout(60*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Call(context.Background(), "executeJS", nil); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Call = %v, want ErrRequestTimeout", err)
	}
}

func TestClientCallContextCancel(t *testing.T) {
	env := startBridge(t, 0, 0)
	env.host.silent = true

	c, err := Dial(context.Background(), WithURL(env.url))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "executeJS", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call = %v, want context.DeadlineExceeded", err)
	}
}

func TestClientSurfacesHostError(t *testing.T) {
	env := startBridge(t, 0, 0)
	env.host.errPayload = json.RawMessage(`{"code":"TAB_NOT_FOUND","message":"no tab with id 99"}`)

	c, err := Dial(context.Background(), WithURL(env.url))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Call(context.Background(), "activateTab", map[string]int{"tabId": 99})
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		t.Fatalf("Call = %v, want *protocol.Error", err)
	}
	if perr.Code != "TAB_NOT_FOUND" || perr.Message != "no tab with id 99" {
		t.Errorf("error = %+v", perr)
	}
}

func TestClientResumesViaStore(t *testing.T) {
	env := startBridge(t, 0, 0)
	store := NewMemorySessionStore()

	c1, err := Dial(context.Background(), WithURL(env.url), WithSessionStore(store))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	id := c1.SessionID()
	c1.Close()

	c2, err := Dial(context.Background(), WithURL(env.url), WithSessionStore(store))
	if err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	defer c2.Close()

	if !c2.Resumed() {
		t.Error("second dial did not resume")
	}
	if c2.SessionID() != id {
		t.Errorf("resumed session = %q, want %q", c2.SessionID(), id)
	}
}

func TestClientStaleStoredSessionFallsBack(t *testing.T) {
	env := startBridge(t, 0, 0)
	store := NewMemorySessionStore()
	_ = store.Save(env.url, "long-gone-session")

	c, err := Dial(context.Background(), WithURL(env.url), WithSessionStore(store))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.Resumed() {
		t.Error("stale id reported as resumed")
	}
	if id, _ := store.Load(env.url); id != c.SessionID() {
		t.Errorf("store = %q, want fresh id %q", id, c.SessionID())
	}
}

func TestClientEndSession(t *testing.T) {
	env := startBridge(t, 0, 0)
	store := NewMemorySessionStore()

	c, err := Dial(context.Background(), WithURL(env.url), WithSessionStore(store))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	id := c.SessionID()

	if err := c.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if stored, _ := store.Load(env.url); stored != "" {
		t.Errorf("store still holds %q after EndSession", stored)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session still registered after EndSession")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if env.registry.Get(id) != nil {
		t.Error("session still resolvable after EndSession")
	}
}

func TestClientSessionExpiry(t *testing.T) {
	env := startBridge(t, 0, 0)
	store := NewMemorySessionStore()

	c, err := Dial(context.Background(), WithURL(env.url),
		WithSessionStore(store), WithIdleTimeout(80*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var sawExpired bool
	timeout := time.After(2 * time.Second)
	for !sawExpired {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("events closed before sessionExpired")
			}
			if ev.Type == protocol.EventSessionExpired {
				sawExpired = true
			}
		case <-timeout:
			t.Fatal("sessionExpired never arrived")
		}
	}

	if stored, _ := store.Load(env.url); stored != "" {
		t.Errorf("store still holds %q after expiry", stored)
	}
	if _, err := c.Call(context.Background(), "listTabs", nil); err == nil {
		t.Error("Call succeeded on an expired session")
	}
}

func TestEventAfterCloseIsDropped(t *testing.T) {
	env := startBridge(t, 0, 0)

	c, err := Dial(context.Background(), WithURL(env.url))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The read loop may have decoded a broadcast frame just as Close tore
	// the client down; delivering it now must be a silent drop.
	c.handleFrame([]byte(`{"type":"tabUpdate","event":"created","tab":{"id":1}}`))

	if _, ok := <-c.Events(); ok {
		t.Error("event delivered after close")
	}
}

func TestClientDialUnreachableBridge(t *testing.T) {
	// Nothing listens on a reserved port; the dial must fail after its
	// attempts are spent, not hang.
	_, err := Dial(context.Background(),
		WithURL("ws://127.0.0.1:1"), WithDialAttempts(2))
	if err == nil {
		t.Fatal("Dial succeeded against an unreachable bridge")
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Errorf("transport failure misreported as %v", err)
	}
}

func TestClientStatus(t *testing.T) {
	env := startBridge(t, 0, 0)

	c, err := Dial(context.Background(), WithURL(env.url))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	raw, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	var status struct {
		SessionID string `json:"sessionId"`
		State     string `json:"state"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.SessionID != c.SessionID() || status.State != "attached" {
		t.Errorf("status = %+v", status)
	}
}
