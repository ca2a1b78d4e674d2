package bridgeclient

import (
	"encoding/base64"
	"fmt"

	"github.com/tabwire/tabwire/internal/protocol"
)

// assembler reassembles chunked replies. The bridge base64-encodes the whole
// serialized reply and slices the encoded text; we collect slices by index
// and decode once every slot is filled. Duplicate indices overwrite, so
// retransmission is idempotent.
type assembler struct {
	sets map[string]*chunkSet
}

type chunkSet struct {
	parts  []string
	filled []bool
	got    int
}

func newAssembler() *assembler {
	return &assembler{sets: make(map[string]*chunkSet)}
}

// add incorporates one chunk. When the set completes it returns the decoded
// reply payload and true.
func (a *assembler) add(c protocol.Chunk) ([]byte, bool, error) {
	if c.TotalChunks < 1 {
		return nil, false, fmt.Errorf("%w: totalChunks %d", ErrProtocol, c.TotalChunks)
	}
	if c.ChunkIndex < 0 || c.ChunkIndex >= c.TotalChunks {
		return nil, false, fmt.Errorf("%w: chunkIndex %d of %d", ErrProtocol, c.ChunkIndex, c.TotalChunks)
	}

	set, ok := a.sets[c.RequestID]
	if !ok {
		set = &chunkSet{
			parts:  make([]string, c.TotalChunks),
			filled: make([]bool, c.TotalChunks),
		}
		a.sets[c.RequestID] = set
	}
	if len(set.parts) != c.TotalChunks {
		delete(a.sets, c.RequestID)
		return nil, false, fmt.Errorf("%w: totalChunks changed from %d to %d", ErrProtocol, len(set.parts), c.TotalChunks)
	}

	if !set.filled[c.ChunkIndex] {
		set.got++
		set.filled[c.ChunkIndex] = true
	}
	set.parts[c.ChunkIndex] = c.Chunk

	if set.got < len(set.parts) {
		return nil, false, nil
	}
	delete(a.sets, c.RequestID)

	var encoded string
	for _, p := range set.parts {
		encoded += p
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("%w: chunk payload is not valid base64: %v", ErrProtocol, err)
	}
	return payload, true, nil
}

// drop discards any partial set for a request, e.g. after its deadline.
func (a *assembler) drop(requestID string) {
	delete(a.sets, requestID)
}
