package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/service"
)

type claimsKey struct{}

func claimsFrom(ctx context.Context) (*service.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*service.Claims)
	return c, ok
}

// requireBearer rejects requests without a valid access token with 401, the
// status the client gateway recovers from.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := strings.TrimSpace(r.Header.Get("Authorization"))
		if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") || strings.TrimSpace(h[7:]) == "" {
			w.Header().Set("WWW-Authenticate", `Bearer`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		c, err := s.auth.Verify(strings.TrimSpace(h[7:]))
		if err != nil {
			desc := "invalid_token"
			if errors.Is(err, errs.ErrAuthExpired) {
				desc = "token_expired"
			}
			w.Header().Set("WWW-Authenticate", `Bearer error="`+desc+`"`)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: desc})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, c)))
	})
}

func requireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, ok := claimsFrom(r.Context()); !ok || c.Role != role {
				writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
