package service

import "errors"

var (
	// ErrAuth rejects a handshake with a missing or wrong shared token.
	ErrAuth = errors.New("authentication failed: invalid token")

	// ErrProtocolMismatch rejects a handshake from an incompatible client.
	ErrProtocolMismatch = errors.New("protocol version mismatch")

	// ErrUnknownSession means the presented session token does not map to a
	// live session on this host (e.g. the host restarted).
	ErrUnknownSession = errors.New("unknown session; re-authenticate")

	// ErrSessionNotActive means the session has not completed its initial
	// snapshot transfer and may not propose or poll yet.
	ErrSessionNotActive = errors.New("session not active")
)
