package domain

// ConflictRecord describes a rejected proposal. It lives for exactly one
// request/response exchange and is never persisted; resolution is left to
// the user (no automatic merge).
type ConflictRecord struct {
	Path        string `json:"path"`
	ExpectedRev uint64 `json:"expected_rev"`
	ActualRev   uint64 `json:"actual_rev"`
	ActualHash  string `json:"actual_hash,omitempty"`
}
