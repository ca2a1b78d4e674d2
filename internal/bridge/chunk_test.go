package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tabwire/tabwire/internal/protocol"
)

func reassemble(t *testing.T, chunks []protocol.Chunk) []byte {
	t.Helper()
	var sb strings.Builder
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if c.TotalChunks != len(chunks) {
			t.Fatalf("chunk %d reports total %d, want %d", i, c.TotalChunks, len(chunks))
		}
		sb.WriteString(c.Chunk)
	}
	decoded, err := base64.StdEncoding.DecodeString(sb.String())
	if err != nil {
		t.Fatalf("decode reassembled chunks: %v", err)
	}
	return decoded
}

func TestSplitReplyRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 4096) // 32 KiB
	chunks := SplitReply("r1", payload, 1024)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks) = %d, want several", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Chunk) > 1024 {
			t.Errorf("chunk %d is %d bytes, over threshold", i, len(c.Chunk))
		}
		if c.RequestID != "r1" {
			t.Errorf("chunk %d request id %q", i, c.RequestID)
		}
	}
	if got := reassemble(t, chunks); !bytes.Equal(got, payload) {
		t.Error("reassembled payload differs from original")
	}
}

func TestSplitReplyChunkCountMatchesBase64Expansion(t *testing.T) {
	// A 3,500,000-byte reply base64-expands to 4,666,668 bytes, which at the
	// 1 MiB threshold is five chunks.
	payload := bytes.Repeat([]byte{'x'}, 3_500_000)
	chunks := SplitReply("big", payload, DefaultChunkThreshold)
	if len(chunks) != 5 {
		t.Fatalf("len(chunks) = %d, want 5", len(chunks))
	}
	if chunks[0].TotalChunks != 5 {
		t.Errorf("totalChunks = %d, want 5", chunks[0].TotalChunks)
	}
	if got := reassemble(t, chunks); !bytes.Equal(got, payload) {
		t.Error("reassembled payload differs from original")
	}
}

func TestSplitReplyPreservesJSON(t *testing.T) {
	reply := protocol.Reply{
		RequestID: "r2",
		Result:    json.RawMessage(`{"html":"` + strings.Repeat("a", 5000) + `"}`),
	}
	serialized, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	chunks := SplitReply(reply.RequestID, serialized, 512)
	decoded := reassemble(t, chunks)

	var got protocol.Reply
	if err := json.Unmarshal(decoded, &got); err != nil {
		t.Fatalf("unmarshal reassembled reply: %v", err)
	}
	if got.RequestID != "r2" || !bytes.Equal(got.Result, reply.Result) {
		t.Error("round-tripped reply differs")
	}
}
