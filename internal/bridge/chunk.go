package bridge

import (
	"encoding/base64"

	"github.com/tabwire/tabwire/internal/protocol"
)

// DefaultChunkThreshold is the serialized-reply size above which a reply is
// split into chunks instead of being sent whole.
const DefaultChunkThreshold = 1 << 20

// SplitReply base64-encodes a serialized reply and slices the encoded text
// into contiguous pieces of at most threshold bytes. The threshold applies to
// the serialized whole reply, so callers must only invoke this when
// len(serialized) > threshold. Chunks carry the original request id and are
// meant to be sent in index order; the client reassembles by concatenating,
// base64-decoding, and parsing the result as a Reply.
func SplitReply(requestID string, serialized []byte, threshold int) []protocol.Chunk {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	encoded := base64.StdEncoding.EncodeToString(serialized)

	total := (len(encoded) + threshold - 1) / threshold
	chunks := make([]protocol.Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * threshold
		end := start + threshold
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, protocol.Chunk{
			RequestID:   requestID,
			ChunkIndex:  i,
			TotalChunks: total,
			Chunk:       encoded[start:end],
		})
	}
	return chunks
}
