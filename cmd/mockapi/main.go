// Command mockapi serves the auth, profile and demo endpoints the portal client talks to.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/limiter"
	"github.com/and161185/portal-session/internal/logging"
	"github.com/and161185/portal-session/internal/migrate"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/repository"
	"github.com/and161185/portal-session/internal/repository/postgres"
	grpcserver "github.com/and161185/portal-session/internal/server/grpc"
	httpserver "github.com/and161185/portal-session/internal/server/http"
	"github.com/and161185/portal-session/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type options struct {
	httpAddr  string
	grpcAddr  string
	dsn       string
	jwtKey    string
	accessTTL time.Duration
	demoKeys  string
	perQuota  int
	certFile  string
	keyFile   string
	dev       bool
	logEnv    string
	logLevel  string

	adminEmail, adminPassword   string
	tenantEmail, tenantPassword string
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.httpAddr, "addr", ":8080", "HTTP listen address")
	fs.StringVar(&o.grpcAddr, "grpc-addr", ":8443", "gRPC listen address (empty disables)")
	fs.StringVar(&o.dsn, "dsn", "", "PostgreSQL DSN (empty keeps everything in memory)")
	fs.StringVar(&o.jwtKey, "jwt-key", "", "HS256 signing key (required)")
	fs.DurationVar(&o.accessTTL, "access-ttl", 5*time.Minute, "access token TTL")
	fs.StringVar(&o.demoKeys, "demo-keys", "demo-key", "comma-separated demo API keys")
	fs.IntVar(&o.perQuota, "demo-quota", limiter.DefaultPolicy.PerQuota, "demo calls per bucket per window")
	fs.StringVar(&o.certFile, "tls-cert", "", "gRPC TLS certificate (PEM); empty serves plaintext")
	fs.StringVar(&o.keyFile, "tls-key", "", "gRPC TLS private key (PEM)")
	fs.BoolVar(&o.dev, "dev", false, "enable gRPC reflection (dev only)")
	fs.StringVar(&o.logEnv, "log-env", "prod", "dev or prod logging")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level")
	fs.StringVar(&o.adminEmail, "seed-admin", "admin@portal.local", "seeded SUPER_ADMIN email (empty skips)")
	fs.StringVar(&o.adminPassword, "seed-admin-password", "admin-password", "seeded SUPER_ADMIN password")
	fs.StringVar(&o.tenantEmail, "seed-tenant", "user@portal.local", "seeded TENANT_USER email (empty skips)")
	fs.StringVar(&o.tenantPassword, "seed-tenant-password", "user-password", "seeded TENANT_USER password")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.jwtKey == "" {
		return o, errors.New("missing jwt signing key (--jwt-key)")
	}
	return o, nil
}

// backend bundles the stores the services run on.
type backend struct {
	users   repository.AccountRepository
	tokens  repository.RefreshTokenRepository
	lockout limiter.Lockout
	quota   limiter.Quota
	close   func()
}

func openBackend(ctx context.Context, o options) (*backend, error) {
	pol := limiter.DefaultPolicy
	pol.PerQuota = o.perQuota
	if o.dsn == "" {
		lim := limiter.NewMemory(pol)
		return &backend{
			users:   repository.NewMemoryAccounts(),
			tokens:  repository.NewMemoryTokens(),
			lockout: lim,
			quota:   lim,
			close:   func() {},
		}, nil
	}
	if err := migrate.Up(ctx, o.dsn); err != nil {
		return nil, err
	}
	db, err := postgres.New(ctx, o.dsn)
	if err != nil {
		return nil, err
	}
	lim := limiter.NewPG(db.Pool, pol)
	return &backend{
		users:   postgres.NewUserRepo(db),
		tokens:  postgres.NewTokenRepo(db),
		lockout: lim,
		quota:   lim,
		close:   db.Close,
	}, nil
}

// seed creates the default accounts. Accounts that already exist are left alone.
func seed(ctx context.Context, auth *service.AuthServiceImpl, o options, log *zap.Logger) error {
	accounts := []struct {
		email, password, name, tenant string
		role                          model.Role
	}{
		{o.adminEmail, o.adminPassword, "Administrator", "", model.RoleSuperAdmin},
		{o.tenantEmail, o.tenantPassword, "Tenant User", "tenant-demo", model.RoleTenantUser},
	}
	for _, a := range accounts {
		if a.email == "" {
			continue
		}
		_, err := auth.CreateAccount(ctx, a.name, a.email, a.password, a.role, a.tenant)
		switch {
		case errors.Is(err, errs.ErrAlreadyExists):
			log.Debug("seed account exists", zap.String("email", a.email))
		case err != nil:
			return err
		default:
			log.Info("seeded account", zap.String("email", a.email), zap.String("role", string(a.role)))
		}
	}
	return nil
}

// main parses flags, prepares storage, and serves HTTP and gRPC until a signal arrives.
func main() {
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := logging.New(o.logEnv, o.logLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", o.httpAddr),
		zap.String("grpc", o.grpcAddr),
		zap.Bool("postgres", o.dsn != ""),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, o)
	if err != nil {
		logger.Fatal("open backend", zap.Error(err))
	}
	defer be.close()

	authSvc := service.NewAuthService(be.users, be.tokens, []byte(o.jwtKey), o.accessTTL, be.lockout)
	if err := seed(ctx, authSvc, o, logger); err != nil {
		logger.Fatal("seed", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	api := httpserver.New(httpserver.Config{
		Auth:        authSvc,
		Quota:       be.quota,
		DemoAPIKeys: strings.Split(o.demoKeys, ","),
		Log:         logger,
		Registry:    reg,
	})
	hsrv := &http.Server{Addr: o.httpAddr, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening (http)", zap.String("addr", o.httpAddr))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var (
		gsrv *grpc.Server
		hs   *health.Server
	)
	if o.grpcAddr != "" {
		var gopts []grpc.ServerOption
		if o.certFile != "" {
			creds, err := credentials.NewServerTLSFromFile(o.certFile, o.keyFile)
			if err != nil {
				logger.Fatal("failed to load TLS cert/key", zap.Error(err))
			}
			gopts = append(gopts, grpc.Creds(creds))
		}
		gsrv, hs = grpcserver.New(authSvc, logger, gopts...)
		if o.dev {
			reflection.Register(gsrv)
		}
		lis, err := net.Listen("tcp", o.grpcAddr)
		if err != nil {
			logger.Fatal("listen", zap.Error(err))
		}
		go func() {
			logger.Info("listening (grpc)", zap.String("addr", o.grpcAddr), zap.Bool("tls", o.certFile != ""))
			errCh <- gsrv.Serve(lis)
		}()
	}

	// Wait for stop
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hsrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if gsrv != nil {
		hs.Shutdown()
		done := make(chan struct{})
		go func() {
			gsrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			gsrv.Stop()
		}
	}
	logger.Info("shutdown complete")
}
