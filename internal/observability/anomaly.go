package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/yencolon/human-in-the-loop-chat/internal/config"
)

// minCallsForRate is the number of calls a window needs before its error
// rate is judged.
const minCallsForRate = 5

// AnomalyDetector watches two signals over a sliding window: the error rate
// of each Slack API method, and bursts of callbacks that fail signature
// verification (a forged or misconfigured sender). Each anomaly is logged at
// most once per window.
type AnomalyDetector struct {
	mu          sync.Mutex
	calls       map[string]*callWindow
	sigFailures []time.Time
	warned      map[string]time.Time // anomaly key -> last warning
	cfg         *config.AnomalyConfig
	logger      *slog.Logger
	now         func() time.Time
}

// callWindow holds the outcomes of one operation inside the window.
type callWindow struct {
	outcomes []callOutcome
}

type callOutcome struct {
	at     time.Time
	failed bool
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		calls:  make(map[string]*callWindow),
		warned: make(map[string]time.Time),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (a *AnomalyDetector) window() time.Duration {
	if a.cfg.WindowSeconds > 0 {
		return time.Duration(a.cfg.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

func (a *AnomalyDetector) burst() int {
	if a.cfg.SignatureFailureBurst > 0 {
		return a.cfg.SignatureFailureBurst
	}
	return 20
}

// RecordError records a failed call of operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful call of operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w, ok := a.calls[operation]
	if !ok {
		w = &callWindow{}
		a.calls[operation] = w
	}
	w.outcomes = append(w.outcomes, callOutcome{at: now, failed: failed})
	w.prune(now.Add(-a.window()))

	threshold := a.cfg.ErrorRateThreshold
	if !failed || threshold <= 0 {
		return
	}
	errs, total := w.counts()
	if total < minCallsForRate {
		return
	}
	if rate := float64(errs) / float64(total); rate > threshold && a.shouldWarn("error_rate:"+operation, now) {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("errors", errs),
			slog.Int("total", total),
		)
	}
}

// RecordSignatureFailure records a callback rejected by signature
// verification. Returns true while the window holds at least the burst
// threshold of failures.
func (a *AnomalyDetector) RecordSignatureFailure(reason string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.sigFailures = append(pruneTimes(a.sigFailures, now.Add(-a.window())), now)
	count := len(a.sigFailures)
	if count < a.burst() {
		return false
	}
	if a.shouldWarn("signature_burst", now) {
		a.logger.Warn("anomaly detected: signature failure burst",
			slog.String("last_reason", reason),
			slog.Int("failures", count),
			slog.Duration("window", a.window()),
		)
	}
	return true
}

// shouldWarn reports whether key may be logged now. Must be called with
// a.mu held.
func (a *AnomalyDetector) shouldWarn(key string, now time.Time) bool {
	if a.logger == nil {
		return false
	}
	if last, ok := a.warned[key]; ok && now.Sub(last) < a.window() {
		return false
	}
	a.warned[key] = now
	return true
}

func (w *callWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.outcomes) && w.outcomes[i].at.Before(cutoff) {
		i++
	}
	w.outcomes = w.outcomes[i:]
}

func (w *callWindow) counts() (errs, total int) {
	for _, o := range w.outcomes {
		if o.failed {
			errs++
		}
	}
	return errs, len(w.outcomes)
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
