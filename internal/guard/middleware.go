package guard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/and161185/portal-session/internal/model"
	"go.uber.org/zap"
)

type userKey struct{}

// UserFrom returns the user placed in ctx by Middleware.
func UserFrom(ctx context.Context) (model.User, bool) {
	u, ok := ctx.Value(userKey{}).(model.User)
	return u, ok
}

// Middleware renders next only in READY. Redirect decisions become 302 responses;
// a request whose wait for restoration exceeds wait gets 503 with Retry-After.
func (g *Guard) Middleware(wait time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), wait)
			defer cancel()

			if err := g.store.WaitRestored(ctx); err != nil {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter(wait)))
				http.Error(w, "session is still loading", http.StatusServiceUnavailable)
				return
			}
			d := g.decide(g.store.Snapshot())
			if d.State != StateReady {
				g.log.Debug("guard redirect", zap.Stringer("state", d.State), zap.String("to", d.Redirect))
				http.Redirect(w, r, d.Redirect, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, *d.User)))
		})
	}
}

func retryAfter(d time.Duration) int {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}
