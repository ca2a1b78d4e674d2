package bridgeclient

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrSessionNotFound  = errors.New("session not found or expired")
	ErrSessionExpired   = errors.New("session expired")
	ErrProtocol         = errors.New("protocol violation")
)
