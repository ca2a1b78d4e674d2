package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/tabwire/tabwire/internal/hostchan"
	"github.com/tabwire/tabwire/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBindClientPort(t *testing.T) {
	ln, bridgeOnly, err := bindClientPort("127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("bindClientPort: %v", err)
	}
	defer ln.Close()
	if bridgeOnly {
		t.Error("fresh port reported as contended")
	}
	if ln == nil {
		t.Fatal("no listener returned")
	}
}

func TestBindClientPortDegradesOnContention(t *testing.T) {
	holder, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pre-bind: %v", err)
	}
	defer holder.Close()

	ln, bridgeOnly, err := bindClientPort(holder.Addr().String(), discardLogger())
	if err != nil {
		t.Fatalf("contention must degrade, not fail: %v", err)
	}
	if !bridgeOnly {
		t.Error("contended port did not report bridge-only")
	}
	if ln != nil {
		ln.Close()
		t.Error("listener returned despite contention")
	}
}

func TestBindClientPortOtherErrorsFatal(t *testing.T) {
	if _, _, err := bindClientPort("256.0.0.1:bogus", discardLogger()); err == nil {
		t.Error("unresolvable address did not fail")
	}
}

func TestReadyFrameCarriesBridgeOnly(t *testing.T) {
	var out bytes.Buffer
	host := hostchan.New(bytes.NewReader(nil), &out, 0, discardLogger())

	port := listenPort("127.0.0.1:9000", nil)
	if port != 9000 {
		t.Fatalf("listenPort fallback = %d, want 9000", port)
	}
	if err := host.SendReady(port, true); err != nil {
		t.Fatalf("SendReady: %v", err)
	}

	fr := hostchan.NewFrameReader(bytes.NewReader(out.Bytes()), 0)
	payload, err := fr.Next()
	if err != nil {
		t.Fatalf("read ready frame: %v", err)
	}
	var frame protocol.HostFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != protocol.HostTypeReady {
		t.Errorf("type = %q, want ready", frame.Type)
	}
	if frame.Port != 9000 {
		t.Errorf("port = %d, want 9000", frame.Port)
	}
	if !frame.BridgeOnly {
		t.Error("ready frame missing bridgeOnly")
	}
}

func TestListenPortPrefersBoundAddr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	want := ln.Addr().(*net.TCPAddr).Port
	if got := listenPort("127.0.0.1:9000", ln); got != want {
		t.Errorf("listenPort = %d, want bound port %d", got, want)
	}
}
