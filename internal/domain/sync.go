package domain

// ProtocolVersion is bumped whenever the wire format changes incompatibly.
// A handshake with a different version is rejected.
const ProtocolVersion = 1

type HandshakeRequest struct {
	Token           string `json:"token,omitempty"`
	ProtocolVersion int    `json:"protocol_version" validate:"required"`
	ClientName      string `json:"client_name,omitempty"`
}

type HandshakeResponse struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
	HeadSeq      uint64 `json:"head_seq"`
}

// SnapshotResponse carries every tracked record, ordered by path. Tombstoned
// records are included so a joining client mirrors deletions too.
type SnapshotResponse struct {
	Records []FileRecord `json:"records"`
	HeadSeq uint64       `json:"head_seq"`
}

type ManifestResponse struct {
	Entries []ManifestEntry `json:"entries"`
	HeadSeq uint64          `json:"head_seq"`
}

type ProposalRequest struct {
	Path    string    `json:"path" validate:"required"`
	Op      Operation `json:"op" validate:"required,oneof=write delete"`
	Content []byte    `json:"content,omitempty"`
	BaseRev uint64    `json:"base_rev"`
}

type ProposalResult struct {
	Accepted bool   `json:"accepted"`
	Path     string `json:"path"`
	NewRev   uint64 `json:"new_rev,omitempty"`

	// Set on rejection.
	Conflict *ConflictRecord `json:"conflict,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ChangeEntry is one accepted mutation as broadcast to clients, via polling
// or the websocket push channel. Seq is the host's global change-log cursor;
// Rev is the per-path revision after the mutation.
type ChangeEntry struct {
	Seq           uint64    `json:"seq"`
	Path          string    `json:"path"`
	Op            Operation `json:"op"`
	Content       []byte    `json:"content,omitempty"`
	Rev           uint64    `json:"rev"`
	Hash          string    `json:"hash"`
	OriginSession string    `json:"origin_session,omitempty"` // empty = host filesystem
}

type ChangesResponse struct {
	Entries []ChangeEntry `json:"entries"`
	HeadSeq uint64        `json:"head_seq"`
}
