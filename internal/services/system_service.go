package services

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	domain "github.com/astroshop/api/internal/domain"
	"github.com/astroshop/api/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
// CheckoutDependencies names the health checks checkout cannot run without; any of them
// failing or missing makes the report an error instead of degraded.
type SystemServiceDeps struct {
	HealthRepository     repositories.HealthRepository
	Clock                func() time.Time
	Build                BuildInfo
	CheckoutDependencies []string
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
	build      BuildInfo
	critical   []string
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service backing the readiness endpoint.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		clock: func() time.Time {
			return clock().UTC()
		},
		build:    build,
		critical: normalizeCheckNames(deps.CheckoutDependencies),
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	for _, name := range s.critical {
		if _, ok := report.Checks[name]; !ok {
			report.Checks[name] = domain.SystemHealthCheck{
				Status:    domain.HealthStatusError,
				Error:     "check not reported",
				CheckedAt: now,
			}
		}
	}

	derived := deriveStatus(report.Checks, s.critical)
	if strings.TrimSpace(report.Status) == "" || statusRank(derived) > statusRank(report.Status) {
		report.Status = derived
	}

	return report, nil
}

func normalizeCheckNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

func statusRank(status string) int {
	switch status {
	case domain.HealthStatusError:
		return 2
	case domain.HealthStatusDegraded:
		return 1
	default:
		return 0
	}
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// deriveStatus degrades on any failing check and errors when a critical check is not ok.
func deriveStatus(checks map[string]domain.SystemHealthCheck, critical []string) string {
	status := domain.HealthStatusOK
	for name, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		}
		if check.Status == domain.HealthStatusError || slices.Contains(critical, name) {
			return domain.HealthStatusError
		}
		status = domain.HealthStatusDegraded
	}
	return status
}
