package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/portal-session/internal/guard"
	"github.com/and161185/portal-session/internal/model"
)

// viewsHandler serves the local portal views. "/" renders the signed-in user behind
// the route guard; the login surfaces tell the visitor how to sign in.
func viewsHandler(a *app, wait time.Duration) http.Handler {
	g := guard.New(a.store, a.cfg.Role, guard.WithLogger(a.log))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, role := range []model.Role{model.RoleTenantUser, model.RoleSuperAdmin} {
		r.Get(role.LoginPath(), func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = fmt.Fprintf(w, "sign in with: portal login --role %s\n", role)
		})
	}
	r.With(g.Middleware(wait)).Get("/", func(w http.ResponseWriter, r *http.Request) {
		u, _ := guard.UserFrom(r.Context())
		w.Header().Set("Content-Type", "application/json")
		printJSON(w, u)
	})
	return r
}

func newServeCmd() *cobra.Command {
	var (
		listen string
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the guarded portal views locally until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := appFrom(cmd)
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			srv := &http.Server{Handler: viewsHandler(a, wait), ReadHeaderTimeout: 5 * time.Second}
			_, _ = fmt.Fprintf(a.out, "serving on http://%s\n", ln.Addr())

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn("views shutdown", zap.Error(err))
			}
			if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7070", "address of the local views")
	cmd.Flags().DurationVar(&wait, "restore-wait", 2*time.Second, "how long a view waits for the session to restore")
	return cmd
}
