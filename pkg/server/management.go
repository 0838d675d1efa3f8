package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nimburion/leasecoord/pkg/config"
	"github.com/nimburion/leasecoord/pkg/health"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
	"github.com/nimburion/leasecoord/pkg/observability/metrics"
	"github.com/nimburion/leasecoord/pkg/scheduler"
	"github.com/nimburion/leasecoord/pkg/version"
)

// LeaseAdmin is what the management endpoint needs from the scheduler runtime.
type LeaseAdmin interface {
	Tasks() []string
	Leases(ctx context.Context, task string) ([]scheduler.LeaseView, error)
	Release(ctx context.Context, id string) (*scheduler.LeaseRecord, error)
	Trigger(ctx context.Context, task string) (scheduler.TickOutcome, error)
}

// ManagementServer serves liveness, readiness, metrics, build info and lease
// inspection on a port separate from any application traffic.
//
//	GET    /health                 liveness, always 200
//	GET    /ready                  dependency checks, 503 when unhealthy (degraded is ready)
//	GET    /metrics                Prometheus exposition
//	GET    /version                build metadata
//	GET    /leases[?task=name]     leases per task
//	DELETE /leases?id=<lease id>   operator release (admin only)
//	POST   /tasks/{name}/trigger   run one tick now (admin only)
//
// Admin routes are rate limited per client address and, with admin_auth
// enabled, require a bearer token carrying the admin scope.
type ManagementServer struct {
	*Server
	log             logger.Logger
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	admin           LeaseAdmin
	info            version.Info
	guard           *adminGuard
}

// NewManagementServer wires the management routes onto the configured router.
func NewManagementServer(
	cfg config.ManagementConfig,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
	admin LeaseAdmin,
	info version.Info,
	opts ...ManagementOption,
) (*ManagementServer, error) {
	if healthRegistry == nil || metricsRegistry == nil || admin == nil {
		return nil, fmt.Errorf("health registry, metrics registry and lease admin are required")
	}
	kind, err := ParseRouterKind(cfg.Router)
	if err != nil {
		return nil, err
	}

	s := &ManagementServer{
		log:             log,
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		admin:           admin,
		info:            info,
		guard:           newAdminGuard(cfg, log),
	}
	for _, opt := range opts {
		opt(s)
	}
	routes := []route{
		{method: http.MethodGet, pattern: "/health", handler: s.handleHealth},
		{method: http.MethodGet, pattern: "/ready", handler: s.handleReady},
		{method: http.MethodGet, pattern: "/metrics", handler: metricsRegistry.Handler().ServeHTTP},
		{method: http.MethodGet, pattern: "/version", handler: s.handleVersion},
		{method: http.MethodGet, pattern: "/leases", handler: s.handleListLeases},
	}
	if cfg.AdminEnabled {
		routes = append(routes,
			route{method: http.MethodDelete, pattern: "/leases", handler: s.guard.wrap("release", s.handleReleaseLease)},
			route{method: http.MethodPost, pattern: "/tasks/{name}/trigger", handler: s.guard.wrap("trigger", s.handleTrigger)},
		)
	}
	handler, err := newRouter(kind, routes, log)
	if err != nil {
		return nil, err
	}

	serverCfg := Config{
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if cfg.TLSEnabled {
		tlsConfig, err := LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load management TLS config: %w", err)
		}
		serverCfg.TLSConfig = tlsConfig
	}
	s.Server = NewServer(serverCfg, handler, log)
	log.Info("management server configured",
		"router", kind,
		"admin_enabled", cfg.AdminEnabled,
		"admin_auth", s.guard.validator != nil,
	)
	return s, nil
}

// Handler exposes the routed handler, mainly for in-process tests.
func (s *ManagementServer) Handler() http.Handler {
	return s.handler
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *ManagementServer) handleReady(w http.ResponseWriter, r *http.Request) {
	result := s.healthRegistry.Check(r.Context())
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (s *ManagementServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.info)
}

func (s *ManagementServer) handleListLeases(w http.ResponseWriter, r *http.Request) {
	tasks := s.admin.Tasks()
	if name := r.URL.Query().Get("task"); name != "" {
		tasks = []string{name}
	}
	out := make(map[string][]scheduler.LeaseView, len(tasks))
	for _, name := range tasks {
		views, err := s.admin.Leases(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		out[name] = views
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *ManagementServer) handleReleaseLease(w http.ResponseWriter, r *http.Request) {
	rec, err := s.admin.Release(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": rec})
}

func (s *ManagementServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	outcome, err := s.admin.Trigger(r.Context(), name)
	if err != nil && errors.Is(err, scheduler.ErrNotFound) {
		writeError(w, err)
		return
	}
	body := map[string]any{"task": name, "outcome": outcome}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidArgument), errors.Is(err, scheduler.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrRetryable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
