package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"qazna.org/authcore/internal/audit"
	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/obs"
)

// ReadyProbe reports whether dependencies (the database) are reachable.
type ReadyProbe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to ReadyProbe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// Options configures API.
type Options struct {
	Service    *auth.Service
	Ready      ReadyProbe
	Metrics    *obs.Metrics
	Logger     *zap.Logger
	Audit      *audit.Logger
	Version    string
	RatePerSec float64
	RateBurst  int

	// AdminRoles may manage identity status. Defaults to "admin".
	AdminRoles []auth.Role

	// AllowGlobalJoin permits self-registration into global roles.
	AllowGlobalJoin bool
}

// API is the HTTP layer.
type API struct {
	svc     *auth.Service
	ready   ReadyProbe
	metrics *obs.Metrics
	log     *zap.Logger
	audit   *audit.Logger
	version string
	admins  []auth.Role
	global  bool
	router  chi.Router
}

func New(opts Options) *API {
	a := &API{
		svc:     opts.Service,
		ready:   opts.Ready,
		metrics: opts.Metrics,
		log:     opts.Logger,
		audit:   opts.Audit,
		version: opts.Version,
		admins:  opts.AdminRoles,
		global:  opts.AllowGlobalJoin,
	}
	if len(a.admins) == 0 {
		a.admins = []auth.Role{"admin"}
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.audit == nil {
		a.audit = audit.New(a.log)
	}
	if a.ready == nil {
		a.ready = ProbeFunc(func(context.Context) error { return nil })
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingJSON(a.log))
	r.Use(chimid.Recoverer)
	r.Use(SecurityHeaders)
	if a.metrics != nil {
		r.Use(a.metrics.Instrument)
	}

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return RateLimit(next, opts.RateBurst, opts.RatePerSec)
		})
		r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, 1<<20) })

		r.Route("/auth", func(r chi.Router) {
			r.Post("/{role}/join", a.handleJoin)
			r.Post("/{role}/login", a.handleLogin)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/logout", a.handleLogout)

			r.Group(func(r chi.Router) {
				r.Use(a.Authenticate)
				r.Get("/me", a.handleMe)
				r.Post("/logout-all", a.handleLogoutAll)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.Authenticate)
			r.Use(RequireRole(a.admins...))
			r.Post("/identities/{id}/status", a.handleSetStatus)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	a.router = r
	return a
}

// Handler returns the root handler.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authcore",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.LoggerFrom(r.Context(), a.log).Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

// errorMessages are fixed per kind so that responses never echo input.
var errorMessages = map[string]string{
	"duplicate_identity":    "identity already exists",
	"invalid_credentials":   "invalid credentials",
	"invalid_refresh_token": "invalid refresh token",
	"session_revoked":       "session revoked",
	"identity_disabled":     "identity disabled",
	"invalid_token":         "invalid token",
	"forbidden":             "forbidden",
	"invalid_input":         "invalid input",
	"internal_error":        "internal error",
}

func statusForKind(kind string) int {
	switch kind {
	case "duplicate_identity":
		return http.StatusConflict
	case "invalid_credentials", "invalid_refresh_token", "session_revoked", "invalid_token":
		return http.StatusUnauthorized
	case "identity_disabled", "forbidden":
		return http.StatusForbidden
	case "invalid_input":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeAuthError maps an auth error to its status and fixed message.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.Kind(err)
	code := statusForKind(kind)
	if code == http.StatusInternalServerError {
		obs.LoggerFrom(r.Context(), a.log).Error("auth operation failed", zap.Error(err))
	}
	writeError(w, r, code, kind, errorMessages[kind])
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, msg string) {
	payload := map[string]any{
		"error":   kind,
		"message": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
