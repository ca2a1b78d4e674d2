// Package protocol defines the wire envelopes shared by the WebSocket
// front-end, the host channel, and the client library.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Error codes the bridge emits toward clients. Errors produced by the host
// are relayed verbatim and keep whatever code the host chose.
const (
	CodeInvalidFormat   = "INVALID_FORMAT"
	CodeParseError      = "PARSE_ERROR"
	CodeNativeHostError = "NATIVE_HOST_ERROR"
	CodeRequestTimeout  = "REQUEST_TIMEOUT"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	// CodeSessionClosed cancels pending requests when the client itself asked
	// for teardown.
	CodeSessionClosed = "SESSION_CLOSED"
)

// Command is the client → bridge envelope. RequestID is chosen by the client
// and is opaque to the bridge; uniqueness within a session is the client's
// responsibility for the duration of the reply wait.
type Command struct {
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"requestId"`
}

// Reply is the bridge → client envelope for a whole (non-chunked) reply.
// Error carries the raw host error when one is present so host error codes
// pass through unmodified.
type Reply struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// Chunk is one slice of a reply whose serialized form exceeded the chunking
// threshold. A given requestId is delivered either as one whole Reply or as a
// complete chunk set, never mixed.
type Chunk struct {
	RequestID   string `json:"requestId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Chunk       string `json:"chunk"`
}

// Server event types sent to clients outside the request/reply flow.
const (
	EventSessionCreated = "sessionCreated"
	EventSessionResumed = "sessionResumed"
	EventSessionTimeout = "sessionTimeout"
	EventSessionExpired = "sessionExpired"
	EventTabUpdate      = "tabUpdate"
	EventError          = "error"
)

// ServerEvent is an unsolicited bridge → client envelope.
type ServerEvent struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"sessionId,omitempty"`
	IdleTimeoutMs int64           `json:"idleTimeoutMs,omitempty"`
	RemainingTime int64           `json:"remainingTime,omitempty"`
	Message       string          `json:"message,omitempty"`
	Event         string          `json:"event,omitempty"`
	Tab           json.RawMessage `json:"tab,omitempty"`
}

// Host frame types carried over the length-prefixed stdio channel.
const (
	HostTypeCommand        = "command"
	HostTypeResponse       = "response"
	HostTypeLog            = "log"
	HostTypeTabUpdate      = "tabUpdate"
	HostTypeSessionExpired = "sessionExpired"
	HostTypeReady          = "ready"
)

// HostFrame is the bridge ↔ host envelope. Only the fields relevant to the
// given Type are populated.
type HostFrame struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	Command    json.RawMessage `json:"command,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	Direction  string          `json:"direction,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Event      string          `json:"event,omitempty"`
	Tab        json.RawMessage `json:"tab,omitempty"`
	Port       int             `json:"port,omitempty"`
	BridgeOnly bool            `json:"bridgeOnly,omitempty"`
}

// Error is the structured {code, message} error object the bridge itself
// produces. Host errors are never re-marshalled through this type.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorJSON marshals a bridge-produced error for embedding in a Reply.
func ErrorJSON(code, message string) json.RawMessage {
	data, err := json.Marshal(&Error{Code: code, Message: message})
	if err != nil {
		// Code and message are plain strings; this cannot fail.
		panic(err)
	}
	return data
}
