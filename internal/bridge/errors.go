package bridge

import "errors"

var (
	// ErrInvalidEnvelope rejects a command missing action or requestId.
	ErrInvalidEnvelope = errors.New("invalid command envelope")
	// ErrSessionTerminal rejects work on a session that already ended.
	ErrSessionTerminal = errors.New("session terminated")
)
