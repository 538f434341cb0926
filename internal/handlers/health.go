package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/services"
)

const defaultReadinessTimeout = 3 * time.Second

// HealthHandlers serves the liveness and readiness probes.
type HealthHandlers struct {
	build   services.BuildInfo
	system  services.SystemService
	clock   func() time.Time
	timeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

// WithHealthSystemService sets the service used to probe dependencies for /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithReadinessTimeout bounds the dependency probes behind /readyz.
func WithReadinessTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHealthHandlers constructs the probe handlers.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now, timeout: defaultReadinessTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime"`
	Timestamp   string `json:"timestamp"`
}

type readinessResponse struct {
	Status      string                    `json:"status"`
	Version     string                    `json:"version,omitempty"`
	Environment string                    `json:"environment,omitempty"`
	Uptime      string                    `json:"uptime,omitempty"`
	GeneratedAt string                    `json:"generatedAt,omitempty"`
	Checks      map[string]readinessCheck `json:"checks"`
	Details     []string                  `json:"details,omitempty"`
}

type readinessCheck struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		Environment: h.build.Environment,
		Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		Timestamp:   now.Format(time.RFC3339),
	})
}

// Readyz probes dependencies and answers 503 unless every check is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, readinessResponse{
			Status:      domain.HealthStatusOK,
			Version:     h.build.Version,
			Environment: h.build.Environment,
			Checks:      map[string]readinessCheck{},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, readinessResponse{
			Status:  domain.HealthStatusError,
			Checks:  map[string]readinessCheck{},
			Details: []string{err.Error()},
		})
		return
	}

	resp := readinessResponse{
		Status:      report.Status,
		Version:     report.Version,
		Environment: report.Environment,
		Uptime:      report.Uptime.String(),
		GeneratedAt: formatTime(report.GeneratedAt),
		Checks:      make(map[string]readinessCheck, len(report.Checks)),
	}
	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := report.Checks[name]
		resp.Checks[name] = readinessCheck{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
		if check.Status != domain.HealthStatusOK && check.Error != "" {
			resp.Details = append(resp.Details, name+": "+check.Error)
		}
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}
