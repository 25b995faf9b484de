package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/vadymcap/Vasc/internal/domain"
	"github.com/vadymcap/Vasc/internal/middleware"
	"github.com/vadymcap/Vasc/internal/service"
	"github.com/vadymcap/Vasc/internal/state"
	"github.com/vadymcap/Vasc/pkg/response"
)

type CollabHandler struct {
	sessions  *service.SessionService
	sync      *service.SyncService
	validator *validator.Validate
}

func NewCollabHandler(sessions *service.SessionService, sync *service.SyncService) *CollabHandler {
	return &CollabHandler{
		sessions:  sessions,
		sync:      sync,
		validator: validator.New(),
	}
}

// Handshake authenticates a joining client and issues its session token.
func (h *CollabHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	var req domain.HandshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	session, bearer, err := h.sessions.Handshake(&req, r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAuth):
			response.Unauthorized(w, err.Error())
		case errors.Is(err, service.ErrProtocolMismatch):
			response.BadRequest(w, err.Error())
		default:
			response.InternalError(w, err.Error())
		}
		return
	}

	response.Success(w, domain.HandshakeResponse{
		SessionID:    session.ID,
		SessionToken: bearer,
		HeadSeq:      h.sync.HeadSeq(),
	})
}

// Snapshot serves the full replica and activates the session: from here on it
// may propose and poll.
func (h *CollabHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r)
	if session == nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	snap := h.sync.SnapshotResponse()
	h.sessions.MarkActive(session.ID)
	response.Success(w, snap)
}

// Manifest serves the content-free listing for cheap divergence checks.
func (h *CollabHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	if middleware.GetSession(r) == nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	response.Success(w, h.sync.Manifest())
}

// File serves a single record, tombstones included so a client can learn a
// path is deleted rather than missing.
func (h *CollabHandler) File(w http.ResponseWriter, r *http.Request) {
	if middleware.GetSession(r) == nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		response.BadRequest(w, "missing path parameter")
		return
	}

	rec, ok := h.sync.File(path)
	if !ok {
		response.NotFound(w, "no record for path")
		return
	}
	response.Success(w, rec)
}

// Propose applies one client mutation against the canonical snapshot.
func (h *CollabHandler) Propose(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r)
	if session == nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	if _, err := h.sessions.RequireActive(session.ID); err != nil {
		response.Forbidden(w, err.Error())
		return
	}

	var req domain.ProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	res, err := h.sync.ProcessProposal(session.ID, &req)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNotFound):
			response.NotFound(w, err.Error())
		case errors.Is(err, service.ErrUnsafePath):
			response.BadRequest(w, err.Error())
		default:
			response.InternalError(w, err.Error())
		}
		return
	}

	if !res.Accepted {
		response.Conflict(w, res)
		return
	}
	response.Success(w, res)
}

// Changes serves the poll: accepted changes after the client's cursor,
// excluding its own. A compacted cursor gets 410 and the client re-snapshots.
func (h *CollabHandler) Changes(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r)
	if session == nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	if _, err := h.sessions.RequireActive(session.ID); err != nil {
		response.Forbidden(w, err.Error())
		return
	}

	since := uint64(0)
	if sinceParam := r.URL.Query().Get("since"); sinceParam != "" {
		parsed, err := strconv.ParseUint(sinceParam, 10, 64)
		if err != nil {
			response.BadRequest(w, "invalid since parameter")
			return
		}
		since = parsed
	}

	res, err := h.sync.ChangesSince(since, session.ID)
	if err != nil {
		if errors.Is(err, state.ErrCompacted) {
			response.Gone(w, "cursor predates the change-log horizon; request a fresh snapshot")
			return
		}
		response.InternalError(w, err.Error())
		return
	}
	response.Success(w, res)
}

// Sessions lists live sessions, for diagnostics.
func (h *CollabHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	if middleware.GetSession(r) == nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	response.Success(w, h.sessions.List())
}
