package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/portal-session/internal/authapi"
	"github.com/and161185/portal-session/internal/config"
	"github.com/and161185/portal-session/internal/fingerprint"
	"github.com/and161185/portal-session/internal/gateway"
	"github.com/and161185/portal-session/internal/guard"
	"github.com/and161185/portal-session/internal/logging"
	"github.com/and161185/portal-session/internal/metrics"
	"github.com/and161185/portal-session/internal/migrate"
	"github.com/and161185/portal-session/internal/repository/postgres"
	"github.com/and161185/portal-session/internal/session"
	"github.com/and161185/portal-session/internal/storage"
	"github.com/and161185/portal-session/internal/telemetry"
)

// app is one CLI invocation's view of the portal: a restored session over the
// configured storage plus the clients that act on it.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	tracing *telemetry.Tracing
	out     io.Writer
	errOut  io.Writer

	durable storage.Storage
	store   *session.Store
	auth    *authapi.Client
	gw      *gateway.Client
	nav     *printNavigator

	closers []func()
}

// printNavigator reports redirects instead of switching views.
type printNavigator struct {
	w    io.Writer
	last string
}

func (n *printNavigator) Navigate(path string) {
	n.last = path
	_, _ = fmt.Fprintf(n.w, "redirect: %s\n", path)
}

func newApp(ctx context.Context, cfg config.Config, out, errOut io.Writer) (*app, error) {
	log, err := logging.New(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New("portal"),
		out:     out,
		errOut:  errOut,
		nav:     &printNavigator{w: errOut},
	}
	a.tracing, err = telemetry.NewTracing(cfg.TraceFile, "portal")
	if err != nil {
		a.close()
		return nil, err
	}
	st, err := a.openStorage(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.durable = st

	a.store = session.New(st, session.WithLogger(log), session.WithMetrics(a.metrics))
	a.store.Restore(ctx)

	a.auth = authapi.New(cfg.APIURL, authapi.WithUserAgent(cfg.UserAgent))
	a.gw, err = newGateway(a)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func newGateway(a *app) (*gateway.Client, error) {
	base, err := parseBase(a.cfg.APIURL)
	if err != nil {
		return nil, err
	}
	return gateway.New(a.store, a.auth,
		gateway.WithBaseURL(base),
		gateway.WithNavigator(a.nav),
		gateway.WithRequiredRole(a.cfg.Role),
		gateway.WithLogger(a.log),
		gateway.WithMetrics(a.metrics),
		gateway.WithTracer(a.tracing.Tracer("github.com/and161185/portal-session/internal/gateway")),
	), nil
}

// openStorage returns the durable backend, sealed when a key path is configured.
func (a *app) openStorage(ctx context.Context) (storage.Storage, error) {
	var st storage.Storage
	switch a.cfg.Storage {
	case config.BackendMemory:
		st = storage.NewMemory()
	case config.BackendFile:
		f, err := storage.NewFile(a.cfg.StateDir, a.cfg.Origin)
		if err != nil {
			return nil, err
		}
		st = f
	case config.BackendRedis:
		rc := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = rc.Close() })
		st = storage.NewRedis(rc, a.cfg.Origin)
	case config.BackendPostgres:
		if err := migrate.Up(ctx, a.cfg.PostgresDSN); err != nil {
			return nil, err
		}
		db, err := postgres.New(ctx, a.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		st = postgres.NewKVRepo(db, a.cfg.Origin)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage)
	}
	if a.cfg.SealKeyPath == "" {
		return st, nil
	}
	key, err := storage.LoadOrCreateKey(a.cfg.SealKeyPath)
	if err != nil {
		return nil, err
	}
	sealed, err := storage.NewSealed(st, key, a.cfg.Origin)
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

func (a *app) guard() *guard.Guard {
	return guard.New(a.store, a.cfg.Role, guard.WithNavigator(a.nav), guard.WithLogger(a.log))
}

func (a *app) fingerprinter() *fingerprint.Generator {
	env := fingerprint.NewHostEnvironment(a.cfg.UserAgent, nil)
	return fingerprint.New(env,
		fingerprint.WithDurableStorage(a.durable),
		fingerprint.WithPhase2Delay(a.cfg.Phase2Delay),
		fingerprint.WithAudioTimeout(a.cfg.AudioTimeout),
		fingerprint.WithLogger(a.log),
		fingerprint.WithMetrics(a.metrics),
	)
}

// close exports telemetry, then releases resources in reverse order of acquisition.
func (a *app) close() {
	if err := telemetry.WriteMetrics(a.cfg.MetricsFile, a.metrics.Registry); err != nil {
		a.log.Warn("metrics export failed", zap.Error(err))
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.log.Warn("trace export failed", zap.Error(err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}
