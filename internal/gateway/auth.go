package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"claudeproxy/internal/domain"
)

// StaticTokenAuth enforces a single shared bearer token. An empty token
// disables authentication entirely.
type StaticTokenAuth struct {
	token  string
	logger *slog.Logger
}

// NewStaticTokenAuth creates the auth middleware.
func NewStaticTokenAuth(token string, logger *slog.Logger) *StaticTokenAuth {
	return &StaticTokenAuth{token: token, logger: logger}
}

// Enabled reports whether a token is configured.
func (a *StaticTokenAuth) Enabled() bool { return a.token != "" }

// Middleware rejects requests without the configured token. Both
// "Authorization: Bearer <token>" and a bare token value are accepted.
func (a *StaticTokenAuth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		presented = strings.TrimSpace(presented)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) != 1 {
			a.logger.Warn("authentication failed", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, domain.NewDomainError("gateway.auth", domain.ErrAuthInvalid, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
