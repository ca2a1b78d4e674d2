package bridge

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEventLogWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenEventLog(dir, "abc", 16)
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}

	l.Append(LogSessionCreated, map[string]string{"sessionId": "abc"})
	l.Append(LogRequest, map[string]string{"action": "listTabs"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("log files = %d, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "session-abc-") || !strings.HasSuffix(name, ".log") {
		t.Errorf("log file name %q", name)
	}

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var events []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		if entry.Timestamp.IsZero() {
			t.Error("entry missing timestamp")
		}
		events = append(events, entry.Event)
	}
	if len(events) != 2 || events[0] != LogSessionCreated || events[1] != LogRequest {
		t.Errorf("events = %v", events)
	}
}

func TestEventLogRingWraps(t *testing.T) {
	l, err := OpenEventLog("", "mem", 4)
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	for i := 0; i < 10; i++ {
		l.Append(LogRequest, i)
	}
	if l.Len() != 4 {
		t.Fatalf("Len = %d, want 4", l.Len())
	}

	recent := l.Recent(4)
	if len(recent) != 4 {
		t.Fatalf("Recent = %d entries, want 4", len(recent))
	}
	// Oldest first: 6, 7, 8, 9.
	for i, entry := range recent {
		var v int
		if err := json.Unmarshal(entry.Data, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if v != 6+i {
			t.Errorf("recent[%d] = %d, want %d", i, v, 6+i)
		}
	}
}

func TestEventLogRecentBounded(t *testing.T) {
	l, _ := OpenEventLog("", "mem", 8)
	l.Append(LogRequest, nil)
	if got := l.Recent(5); len(got) != 1 {
		t.Errorf("Recent(5) = %d entries, want 1", len(got))
	}
}
