// Package hostchan implements the length-prefixed stdio link between the
// bridge and the privileged automation host: a 4-byte little-endian length
// followed by a UTF-8 JSON payload.
package hostchan

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds inbound frames; a corrupt length prefix must not
// make the reader try to allocate gigabytes.
const DefaultMaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned when an inbound length prefix exceeds the
// reader's limit.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

const headerSize = 4

// WriteFrame writes one length-prefixed payload. The caller is responsible
// for serializing writers; the host stdio is a single-writer resource.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// FrameReader decodes length-prefixed frames from a stream. Partial reads are
// absorbed by the buffered reader; Next blocks only its own goroutine.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r with an optional frame size limit (0 means the
// default).
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Next returns the next frame payload. io.EOF signals a clean end of the
// stream; an EOF in the middle of a frame is io.ErrUnexpectedEOF.
func (fr *FrameReader) Next() ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	length := binary.LittleEndian.Uint32(header[:])
	if int(length) > fr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
