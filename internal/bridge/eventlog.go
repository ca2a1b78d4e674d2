package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Session log event names. The log is append-only and write-only: the bridge
// never reads these files back, they exist for human forensics.
const (
	LogSessionCreated = "SESSION_CREATED"
	LogSessionResumed = "SESSION_RESUMED"
	LogRequest        = "REQUEST"
	LogResponse       = "RESPONSE"
	LogRequestHost    = "REQUEST_HOST"
	LogResponseHost   = "RESPONSE_HOST"
	LogSessionExpired = "SESSION_EXPIRED"
	LogSessionClosed  = "SESSION_CLOSED"
	LogWSError        = "WS_ERROR"
)

// LogEntry is one line of a session log file.
type LogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventLog records a session's events to a JSON-lines file and keeps the most
// recent entries in a bounded in-memory ring for the status surface.
type EventLog struct {
	mu   sync.Mutex
	file *os.File

	buf      []LogEntry
	capacity int
	head     int
	count    int
}

// OpenEventLog creates a log named session-<id>-<epoch>.log under dir. An
// empty dir disables the file sink; the ring still records events.
func OpenEventLog(dir, sessionID string, capacity int) (*EventLog, error) {
	if capacity < 1 {
		capacity = 256
	}
	l := &EventLog{
		buf:      make([]LogEntry, capacity),
		capacity: capacity,
	}
	if dir == "" {
		return l, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("session-%s-%d.log", sessionID, time.Now().Unix())
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	l.file = f
	return l, nil
}

// Append records one event. Data is marshalled immediately; values that fail
// to marshal are recorded as their error string rather than dropped.
func (l *EventLog) Append(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			b, _ = json.Marshal(fmt.Sprintf("marshal: %v", err))
		}
		raw = b
	}
	entry := LogEntry{Timestamp: time.Now().UTC(), Event: event, Data: raw}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count < l.capacity {
		idx := (l.head + l.count) % l.capacity
		l.buf[idx] = entry
		l.count++
	} else {
		l.buf[l.head] = entry
		l.head = (l.head + 1) % l.capacity
	}

	if l.file != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return
		}
		// A full disk should not take the session down with it.
		_, _ = l.file.Write(append(line, '\n'))
	}
}

// Recent returns up to n of the most recent entries, oldest first.
func (l *EventLog) Recent(n int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.count {
		n = l.count
	}
	out := make([]LogEntry, 0, n)
	for i := l.count - n; i < l.count; i++ {
		out = append(out, l.buf[(l.head+i)%l.capacity])
	}
	return out
}

// Len returns the number of entries currently held in the ring.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close releases the file sink, if any.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
