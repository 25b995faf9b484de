package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vadymcap/Vasc/internal/domain"
	"github.com/vadymcap/Vasc/pkg/token"
)

// SessionService owns the host's session registry and the handshake. No
// session survives a process restart: the signing secret is generated per
// process unless configured, so stale tokens stop validating on their own.
type SessionService struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session

	sharedToken   string // empty = open session, all handshakes succeed
	signingSecret string
	expiration    time.Duration
	logger        *zap.Logger
}

func NewSessionService(sharedToken, signingSecret string, expiration time.Duration, logger *zap.Logger) (*SessionService, error) {
	if signingSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating session signing secret: %w", err)
		}
		signingSecret = hex.EncodeToString(buf)
	}

	return &SessionService{
		sessions:      make(map[string]*domain.Session),
		sharedToken:   sharedToken,
		signingSecret: signingSecret,
		expiration:    expiration,
		logger:        logger,
	}, nil
}

// Handshake authenticates a joining client and registers its session in the
// Authenticated state. The returned bearer token authorizes all later
// requests on this session.
func (s *SessionService) Handshake(req *domain.HandshakeRequest, remoteAddr string) (*domain.Session, string, error) {
	if req.ProtocolVersion != domain.ProtocolVersion {
		return nil, "", fmt.Errorf("%w: host=%d, client=%d",
			ErrProtocolMismatch, domain.ProtocolVersion, req.ProtocolVersion)
	}

	if s.sharedToken != "" {
		if subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.sharedToken)) != 1 {
			return nil, "", ErrAuth
		}
	}

	session := &domain.Session{
		ID:         uuid.New().String(),
		Role:       domain.RoleClient,
		ClientName: req.ClientName,
		RemoteAddr: remoteAddr,
		State:      domain.StateAuthenticated,
		JoinedAt:   time.Now(),
	}

	signed, err := token.Generate(session.ID, s.expiration, s.signingSecret)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.logger.Info("session authenticated",
		zap.String("session", session.ID),
		zap.String("client", session.ClientName),
		zap.String("remote", remoteAddr))

	return session, signed, nil
}

// Validate resolves a bearer token to its live session.
func (s *SessionService) Validate(bearer string) (*domain.Session, error) {
	claims, err := token.Validate(bearer, s.signingSecret)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[claims.SessionID]
	if !ok || session.State == domain.StateClosed || session.State == domain.StateRejected {
		return nil, ErrUnknownSession
	}
	return session, nil
}

func (s *SessionService) Get(id string) (*domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// MarkActive transitions a session to Active once its initial snapshot
// transfer completed. Proposals and polls are only served while Active.
func (s *SessionService) MarkActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok && session.State == domain.StateAuthenticated {
		session.State = domain.StateActive
	}
}

// RequireActive returns the session only when it may propose and poll.
func (s *SessionService) RequireActive(id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	if session.State != domain.StateActive {
		return nil, ErrSessionNotActive
	}
	return session, nil
}

// Close removes a session from the registry. Errors on the session's
// connection never affect other sessions.
func (s *SessionService) Close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		session.State = domain.StateClosed
		delete(s.sessions, id)
		s.logger.Info("session closed", zap.String("session", id))
	}
}

// List returns a snapshot of all live sessions, for diagnostics.
func (s *SessionService) List() []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, *session)
	}
	return out
}
