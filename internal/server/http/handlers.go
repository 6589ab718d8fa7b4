package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/limiter"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	User         model.User `json:"user"`
}

type refreshResponse struct {
	AccessToken string `json:"accessToken"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.auth.Login(r.Context(), req.Email, req.Password, r.RemoteAddr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.auth.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	tk, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: tk.AccessToken})
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	c, _ := claimsFrom(r.Context())
	id, err := uuid.FromString(c.Subject)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "bad subject"})
		return
	}
	u, err := s.auth.Me(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) tenants(w http.ResponseWriter, r *http.Request) {
	all, err := s.auth.Accounts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) demo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"path":        "/" + chi.URLParam(r, "*"),
		"fingerprint": r.Header.Get(FingerprintHeader),
		"servedAt":    time.Now().UTC().Format(time.RFC3339),
	})
}

// demoGate checks the API key and charges the (key, fingerprint) quota.
func (s *Server) demoGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if !s.demoKeys[key] {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unknown api key"})
			return
		}
		fp := strings.TrimSpace(r.Header.Get(FingerprintHeader))
		if fp == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing fingerprint"})
			return
		}
		ok, wait, err := s.quota.Take(r.Context(), limiter.Bucket(key, fp))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !ok {
			w.Header().Set("Retry-After", retryAfter(wait))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "demo quota exhausted"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	msg := "internal"
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrAuthInvalid), errors.Is(err, errs.ErrAuthExpired):
		code, msg = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, errs.ErrForbidden):
		code, msg = http.StatusForbidden, "forbidden"
	case errors.Is(err, errs.ErrNotFound):
		code, msg = http.StatusNotFound, "not found"
	case errors.Is(err, errs.ErrAlreadyExists):
		code, msg = http.StatusConflict, "already exists"
	case errors.Is(err, errs.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		code, msg = http.StatusTooManyRequests, "rate limited"
	default:
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func toSessionResponse(s service.Session) sessionResponse {
	return sessionResponse{AccessToken: s.Tokens.AccessToken, RefreshToken: s.Tokens.RefreshToken, User: s.User}
}

func retryAfter(d time.Duration) string {
	sec := int((d + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	return strconv.Itoa(sec)
}
