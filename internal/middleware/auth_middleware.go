package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/vadymcap/Vasc/internal/domain"
	"github.com/vadymcap/Vasc/internal/service"
	"github.com/vadymcap/Vasc/pkg/response"
)

type contextKey string

const (
	SessionKey contextKey = "session"
	holderKey  contextKey = "sessionHolder"
)

// sessionHolder is planted in the context by the logging middleware, which
// runs outside the auth middleware and therefore never sees the derived
// request the session travels on. Auth fills it in on the way down.
type sessionHolder struct {
	session *domain.Session
}

// AuthMiddleware resolves the bearer session token and attaches the live
// session to the request context. Requests without a valid, live session
// get 401 and must re-handshake.
func AuthMiddleware(sessions *service.SessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			session, err := sessions.Validate(parts[1])
			if err != nil {
				response.Unauthorized(w, "Invalid or expired session token")
				return
			}

			if holder, ok := r.Context().Value(holderKey).(*sessionHolder); ok {
				holder.session = session
			}

			ctx := context.WithValue(r.Context(), SessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession returns the authenticated session attached by AuthMiddleware,
// or nil on unauthenticated routes.
func GetSession(r *http.Request) *domain.Session {
	session, ok := r.Context().Value(SessionKey).(*domain.Session)
	if !ok {
		return nil
	}
	return session
}
