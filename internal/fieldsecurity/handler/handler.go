// Package handler exposes registry administration over HTTP.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mallku/internal/fieldsecurity/models"
	"mallku/internal/fieldsecurity/service"
	platformmetrics "mallku/internal/platform/metrics"
	dErrors "mallku/pkg/domain-errors"
	"mallku/pkg/platform/httputil"
	"mallku/pkg/platform/middleware/request"
	"mallku/pkg/platform/middleware/requesttime"
	"mallku/pkg/requestcontext"
)

// Service defines the registry administration operations.
type Service interface {
	VerifyIntegrity(ctx context.Context) (models.IntegrityReport, error)
	Backup(ctx context.Context, path string) (*service.BackupResult, error)
	Validate(ctx context.Context) (map[string][]string, error)
	UpdateSecurityConfig(ctx context.Context, name string, cfg models.FieldSecurityConfig) (*service.UpdateResult, error)
	Mappings(ctx context.Context) ([]models.FieldMapping, error)
}

// TokenRevoker adds operator tokens to the revocation list.
type TokenRevoker interface {
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
}

// Handler serves the admin API.
type Handler struct {
	service  Service
	logger   *slog.Logger
	auth     func(http.Handler) http.Handler
	revoker  TokenRevoker
	metrics  *platformmetrics.HTTP
	gatherer prometheus.Gatherer
	timeout  time.Duration
}

type Option func(*Handler)

// WithAuth protects every /admin route with mw.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.auth = mw
	}
}

func WithTokenRevoker(r TokenRevoker) Option {
	return func(h *Handler) {
		h.revoker = r
	}
}

func WithHTTPMetrics(m *platformmetrics.HTTP) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithGatherer sets what GET /metrics exposes.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// New creates a Handler. Without WithAuth the admin routes are not mounted.
func New(svc Service, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		service:  svc,
		logger:   logger,
		gatherer: prometheus.DefaultGatherer,
		timeout:  30 * time.Second,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the admin and metrics routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Use(middleware.Recoverer)
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(h.metrics.Middleware)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	if h.auth == nil {
		h.logger.Warn("admin routes disabled: no authentication configured")
		return
	}
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.Timeout(h.timeout))
		admin.Use(h.auth)
		admin.Get("/registry/integrity", h.handleIntegrity)
		admin.Post("/registry/backup", h.handleBackup)
		admin.Get("/registry/validation", h.handleValidation)
		admin.Get("/registry/fields", h.handleListFields)
		admin.Put("/registry/fields/{name}", h.handleUpdateField)
		if h.revoker != nil {
			admin.Post("/tokens/revoke", h.handleRevokeToken)
		}
	})
}

func (h *Handler) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.VerifyIntegrity(r.Context())
	if err != nil {
		h.fail(w, r, "integrity check failed", err)
		return
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusConflict
	}
	httputil.WriteJSON(w, status, IntegrityResponse{Healthy: report.Healthy(), IntegrityReport: report})
}

func (h *Handler) handleBackup(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httputil.WriteError(w, err)
			return
		}
	}
	result, err := h.service.Backup(r.Context(), req.Path)
	if err != nil {
		h.fail(w, r, "registry backup failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleValidation(w http.ResponseWriter, r *http.Request) {
	warnings, err := h.service.Validate(r.Context())
	if err != nil {
		h.fail(w, r, "registry validation failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ValidationResponse{Valid: len(warnings) == 0, Warnings: warnings})
}

func (h *Handler) handleListFields(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.service.Mappings(r.Context())
	if err != nil {
		h.fail(w, r, "list field mappings failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, MappingsResponse{Mappings: mappings})
}

func (h *Handler) handleUpdateField(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req UpdateFieldRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	result, err := h.service.UpdateSecurityConfig(r.Context(), name, req.Config())
	if err != nil {
		h.fail(w, r, "field security config update failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.revoker.RevokeToken(r.Context(), req.JTI, req.TTL()); err != nil {
		h.fail(w, r, "token revocation failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	httputil.WriteError(w, err)
}
