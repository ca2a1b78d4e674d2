package hostchan

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tabwire/tabwire/internal/protocol"
)

// Router receives demultiplexed inbound host frames. The session registry
// implements it.
type Router interface {
	DeliverResponse(sessionID, requestID string, result, errPayload json.RawMessage)
	AppendHostLog(sessionID, direction string, data json.RawMessage)
	BroadcastTabUpdate(event string, tab json.RawMessage)
	ExpireSession(sessionID string)
}

// Channel is the bidirectional framed transport over the host process's
// stdio. Reads run in Run; writes are serialized by an internal mutex since
// the host stdio is a single-writer resource.
type Channel struct {
	fr     *FrameReader
	logger *slog.Logger

	wmu sync.Mutex
	w   io.Writer

	connected  atomic.Bool
	bridgeOnly atomic.Bool
}

// New creates a channel over the given reader/writer pair, normally
// os.Stdin/os.Stdout. maxFrameSize of 0 uses the default limit.
func New(r io.Reader, w io.Writer, maxFrameSize int, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		fr:     NewFrameReader(r, maxFrameSize),
		w:      w,
		logger: logger,
	}
}

// Connected reports whether the host has spoken yet. The flag flips on the
// first inbound payload of any type; before that, command dispatch fails
// fast.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// send marshals and writes one frame under the writer lock.
func (c *Channel) send(frame protocol.HostFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal host frame: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.w, payload)
}

// SendCommand forwards a client command to the host, tagged with its session
// id. Fails fast until the host has produced its first frame.
func (c *Channel) SendCommand(sessionID string, cmd protocol.Command) error {
	if !c.connected.Load() {
		return fmt.Errorf("host not connected")
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return c.send(protocol.HostFrame{
		Type:      protocol.HostTypeCommand,
		SessionID: sessionID,
		Command:   raw,
	})
}

// SendReady announces the bridge's client port to the host, or that the port
// was contended and the process runs as a stdio-only relay. Sent at startup
// before the host has spoken, so it bypasses the connected gate.
func (c *Channel) SendReady(port int, bridgeOnly bool) error {
	return c.send(protocol.HostFrame{
		Type:       protocol.HostTypeReady,
		Port:       port,
		BridgeOnly: bridgeOnly,
	})
}

// Run reads inbound frames until the stream ends, routing each through the
// router. A clean stdin EOF returns nil: the host manager closing our stdin
// is the normal shutdown signal.
func (c *Channel) Run(router Router) error {
	for {
		payload, err := c.fr.Next()
		if err != nil {
			if err == io.EOF {
				c.logger.Info("host channel closed")
				return nil
			}
			return fmt.Errorf("host channel read: %w", err)
		}
		c.dispatch(router, payload)
	}
}

func (c *Channel) dispatch(router Router, payload []byte) {
	var frame protocol.HostFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.logger.Warn("discarding unparseable host frame", "error", err, "bytes", len(payload))
		return
	}

	// Any inbound frame is proof of life.
	if c.connected.CompareAndSwap(false, true) {
		c.logger.Info("host connected", "first_frame", frame.Type)
	}

	switch frame.Type {
	case protocol.HostTypeResponse:
		router.DeliverResponse(frame.SessionID, frame.RequestID, frame.Result, frame.Error)
	case protocol.HostTypeLog:
		router.AppendHostLog(frame.SessionID, frame.Direction, frame.Data)
	case protocol.HostTypeTabUpdate:
		router.BroadcastTabUpdate(frame.Event, frame.Tab)
	case protocol.HostTypeSessionExpired:
		router.ExpireSession(frame.SessionID)
	case protocol.HostTypeReady:
		c.bridgeOnly.Store(frame.BridgeOnly)
	default:
		c.logger.Warn("unknown host frame type", "type", frame.Type)
	}
}
