package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 3 * time.Second

// HealthChecker runs the readiness checks registered by the serve command,
// currently the storage ping.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]func(ctx context.Context) error
	logger *slog.Logger
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]func(ctx context.Context) error),
		logger: logger,
	}
}

// AddCheck registers check under name, replacing any earlier one.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// CheckHealth reports liveness. It never touches storage or Slack.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every check concurrently, each under its own timeout.
// The status is "degraded" when any check fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok"}
	if len(checks) == 0 {
		return status
	}
	status.Checks = make(map[string]CheckResult, len(checks))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := runCheck(ctx, check)

			mu.Lock()
			defer mu.Unlock()
			status.Checks[name] = res
			if res.Status != "ok" {
				status.Status = "degraded"
				if h.logger != nil {
					h.logger.WarnContext(ctx, "readiness check failed",
						slog.String("check", name),
						slog.String("error", res.Message),
					)
				}
			}
		}()
	}
	wg.Wait()

	return status
}

func runCheck(ctx context.Context, check func(ctx context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
	}
	return res
}
