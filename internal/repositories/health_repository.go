package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/impimediavillage/marketplace/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck names a backing service and how to probe it.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// ProbeOption customises the readiness repository.
type ProbeOption func(*probeRepository)

// WithProbeTimeout overrides the timeout applied when a check omits its own.
func WithProbeTimeout(timeout time.Duration) ProbeOption {
	return func(repo *probeRepository) {
		if timeout > 0 {
			repo.timeout = timeout
		}
	}
}

// WithProbeClock injects a clock for tests.
func WithProbeClock(clock func() time.Time) ProbeOption {
	return func(repo *probeRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

// WithProbeVersion stamps the build version onto every report.
func WithProbeVersion(version string) ProbeOption {
	return func(repo *probeRepository) {
		repo.version = strings.TrimSpace(version)
	}
}

type probeRepository struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
	version string
}

var _ HealthRepository = (*probeRepository)(nil)

// NewProbeRepository builds a HealthRepository that runs every check concurrently on Collect.
func NewProbeRepository(checks []DependencyCheck, opts ...ProbeOption) (HealthRepository, error) {
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

	repo := &probeRepository{
		checks:  append([]DependencyCheck(nil), checks...),
		timeout: defaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *probeRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}

	probes := make(map[string]domain.DependencyProbe, len(r.checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range r.checks {
		wg.Add(1)
		go func(check DependencyCheck) {
			defer wg.Done()
			probe := r.run(ctx, check)
			mu.Lock()
			probes[check.Name] = probe
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := domain.HealthStatusOK
	for _, probe := range probes {
		switch probe.Status {
		case domain.HealthStatusError:
			status = domain.HealthStatusError
		case domain.HealthStatusDegraded:
			if status == domain.HealthStatusOK {
				status = domain.HealthStatusDegraded
			}
		}
	}

	return domain.SystemHealthReport{
		Status:      status,
		Probes:      probes,
		Version:     r.version,
		GeneratedAt: r.now().UTC(),
	}, nil
}

func (r *probeRepository) run(ctx context.Context, check DependencyCheck) domain.DependencyProbe {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(probeCtx)
	end := r.now()

	probe := domain.DependencyProbe{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		CheckedAt: end.UTC(),
	}
	switch {
	case err == nil && probeCtx.Err() == nil:
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && probeCtx.Err() != nil):
		probe.Status = domain.HealthStatusError
		probe.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		probe.Status = domain.HealthStatusError
		probe.Detail = "cancelled"
	default:
		probe.Status = domain.HealthStatusDegraded
		probe.Detail = err.Error()
	}
	return probe
}
