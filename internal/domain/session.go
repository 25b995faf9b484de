package domain

import "time"

type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// SessionState tracks a connection through its lifecycle on the host:
// Connecting -> Authenticated on handshake success, Authenticated -> Active
// once the initial snapshot has been served. Proposals and polls are only
// processed while Active. Rejected and Closed are terminal.
type SessionState string

const (
	StateConnecting    SessionState = "connecting"
	StateAuthenticated SessionState = "authenticated"
	StateActive        SessionState = "active"
	StateRejected      SessionState = "rejected"
	StateClosed        SessionState = "closed"
)

// Session is the host's view of one connected client. No session survives a
// process restart; a rejoin always starts with a fresh handshake + snapshot.
type Session struct {
	ID         string       `json:"id"`
	Role       Role         `json:"role"`
	ClientName string       `json:"client_name,omitempty"`
	RemoteAddr string       `json:"remote_addr,omitempty"`
	State      SessionState `json:"state"`
	JoinedAt   time.Time    `json:"joined_at"`
}
