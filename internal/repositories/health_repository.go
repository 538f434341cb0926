package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/astroshop/api/internal/domain"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// DependencyCheck probes one backing service (Firestore, Pub/Sub topic, downloads bucket).
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// DependencyHealthOption customises the dependency-backed health repository.
type DependencyHealthOption func(*dependencyHealthRepository)

// WithDependencyTimeout overrides the timeout applied when a check omits its own.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if timeout > 0 {
			repo.defaultTimeout = timeout
		}
	}
}

// WithDependencyClock injects a custom clock.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository validates the check set up front so Collect never fails on
// configuration.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("health repository: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("health repository: dependency %s missing check function", check.Name)
		}
	}
	repo := &dependencyHealthRepository{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultDependencyTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// Collect runs every check concurrently. Errors are reported per check; the overall status is
// the worst one observed.
func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make(map[string]domain.SystemHealthCheck, len(r.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range r.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			result := r.run(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, result := range results {
		switch result.Status {
		case domain.HealthStatusError:
			status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}
	return domain.SystemHealthReport{Status: status, Checks: results, GeneratedAt: r.now()}, nil
}

func (r *dependencyHealthRepository) run(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(checkCtx)
	if err == nil {
		err = checkCtx.Err()
	}
	end := r.now()

	result := domain.SystemHealthCheck{Status: domain.HealthStatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result.Status, result.Detail, result.Error = domain.HealthStatusError, "timeout", err.Error()
	case errors.Is(err, context.Canceled):
		result.Status, result.Detail, result.Error = domain.HealthStatusError, "cancelled", err.Error()
	default:
		result.Status, result.Detail, result.Error = domain.HealthStatusDegraded, err.Error(), err.Error()
	}
	return result
}
