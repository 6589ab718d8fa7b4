// Package httpserver is the mock API's HTTP surface: auth endpoints, a protected
// profile and tenant listing, and the fingerprint-keyed demo routes.
package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/portal-session/internal/demo"
	"github.com/and161185/portal-session/internal/limiter"
	"github.com/and161185/portal-session/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Demo request headers, shared with the demo client.
const (
	APIKeyHeader      = demo.APIKeyHeader
	FingerprintHeader = demo.FingerprintHeader
)

// Config wires the server's dependencies.
type Config struct {
	Auth        service.AuthService
	Quota       limiter.Quota
	DemoAPIKeys []string
	Log         *zap.Logger
	Registry    *prometheus.Registry
}

// Server holds handlers and their dependencies.
type Server struct {
	auth     service.AuthService
	quota    limiter.Quota
	demoKeys map[string]bool
	log      *zap.Logger
	requests *prometheus.CounterVec
	reg      *prometheus.Registry
}

// New constructs a server. A nil Registry gets a private one.
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		auth:     cfg.Auth,
		quota:    cfg.Quota,
		demoKeys: map[string]bool{},
		log:      log,
		reg:      reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mockapi",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "code"}),
	}
	for _, k := range cfg.DemoAPIKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.demoKeys[k] = true
		}
	}
	reg.MustRegister(s.requests)
	return s
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.login)
		r.Post("/register", s.register)
		r.Post("/refresh", s.refresh)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/me", s.me)
		r.With(requireRole("SUPER_ADMIN")).Get("/tenants", s.tenants)
	})

	r.Route("/demo", func(r chi.Router) {
		r.Use(s.demoGate)
		r.Get("/*", s.demo)
	})
	return r
}

// accessLog logs one line per request and counts it by route pattern.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", code),
			zap.Duration("dur", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote", r.RemoteAddr),
		)
	})
}
