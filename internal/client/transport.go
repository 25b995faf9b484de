package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vadymcap/Vasc/internal/domain"
)

var (
	// ErrCursorCompacted means the poll cursor fell behind the host's
	// change-log horizon; the session must re-snapshot.
	ErrCursorCompacted = errors.New("change cursor compacted on host")

	// ErrSessionRejected means the host no longer recognizes the session
	// token; the client must re-handshake.
	ErrSessionRejected = errors.New("session rejected by host")

	// ErrHandshakeRejected means the handshake itself was turned away,
	// typically a wrong shared token. Retrying cannot help.
	ErrHandshakeRejected = errors.New("handshake rejected by host")

	// ErrFileGone means the host has no record for the path, not even a
	// tombstone.
	ErrFileGone = errors.New("no record on host")
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Transport is the client's HTTP view of a host.
type Transport struct {
	baseURL string
	bearer  string
	http    *http.Client
}

func NewTransport(hostAddr string) *Transport {
	if !strings.Contains(hostAddr, "://") {
		hostAddr = "http://" + hostAddr
	}
	return &Transport{
		baseURL: strings.TrimRight(hostAddr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Handshake authenticates against the host and stores the issued session
// token for all later calls.
func (t *Transport) Handshake(req *domain.HandshakeRequest) (*domain.HandshakeResponse, error) {
	var res domain.HandshakeResponse
	if err := t.call(http.MethodPost, "/api/v1/handshake", req, &res); err != nil {
		return nil, err
	}
	t.bearer = res.SessionToken
	return &res, nil
}

func (t *Transport) Snapshot() (*domain.SnapshotResponse, error) {
	var res domain.SnapshotResponse
	if err := t.call(http.MethodGet, "/api/v1/snapshot", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *Transport) Manifest() (*domain.ManifestResponse, error) {
	var res domain.ManifestResponse
	if err := t.call(http.MethodGet, "/api/v1/manifest", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *Transport) File(path string) (*domain.FileRecord, error) {
	var rec domain.FileRecord
	err := t.call(http.MethodGet, "/api/v1/file?path="+url.QueryEscape(path), nil, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Propose submits one mutation. A revision conflict is not an error here:
// the result comes back with Accepted false and the conflict record set.
func (t *Transport) Propose(req *domain.ProposalRequest) (*domain.ProposalResult, error) {
	var res domain.ProposalResult
	if err := t.call(http.MethodPost, "/api/v1/propose", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *Transport) Changes(since uint64) (*domain.ChangesResponse, error) {
	var res domain.ChangesResponse
	err := t.call(http.MethodGet, "/api/v1/changes?since="+strconv.FormatUint(since, 10), nil, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// WebSocketURL is the push channel endpoint with the session token attached.
func (t *Transport) WebSocketURL() string {
	wsBase := strings.Replace(t.baseURL, "http", "ws", 1)
	return wsBase + "/ws?token=" + url.QueryEscape(t.bearer)
}

func (t *Transport) call(method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, t.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}

	res, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}

	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrSessionRejected, env.Error)
	case http.StatusGone:
		return ErrCursorCompacted
	case http.StatusNotFound:
		return ErrFileGone
	case http.StatusConflict:
		// The caller reads the conflict out of the payload.
	default:
		if res.StatusCode >= 400 {
			return fmt.Errorf("%s %s: host returned %d: %s", method, path, res.StatusCode, env.Error)
		}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decoding payload: %w", method, path, err)
		}
	}
	return nil
}
