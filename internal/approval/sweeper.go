package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintainer is the housekeeping surface shared by both registries.
type Maintainer interface {
	ExpireOverdue(ctx context.Context) ([]HookRecord, error)
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}

// ExpiryNotifier rewrites the Slack message of a hook that expired unanswered.
type ExpiryNotifier interface {
	NotifyExpired(ctx context.Context, rec HookRecord) error
}

// SweeperConfig configures the hook sweeper.
type SweeperConfig struct {
	Schedule  string        // Cron spec. Default: "@every 1m".
	Retention time.Duration // Terminal hooks older than this are deleted. Default: 7 days.
}

// Sweeper periodically expires overdue hooks and purges old terminal ones.
type Sweeper struct {
	target   Maintainer
	notifier ExpiryNotifier // nil = expired messages are left as posted.
	config   SweeperConfig
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over target.
func NewSweeper(target Maintainer, notifier ExpiryNotifier, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &Sweeper{target: target, notifier: notifier, config: cfg, logger: logger}
}

// Sweep runs one housekeeping pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.target.ExpireOverdue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "expiring hooks", slog.String("error", err.Error()))
	}
	for _, rec := range expired {
		s.logger.InfoContext(ctx, "hook expired without a decision", slog.String("run_id", rec.RunID))
		if s.notifier == nil || rec.Channel == "" {
			continue
		}
		if err := s.notifier.NotifyExpired(ctx, rec); err != nil {
			s.logger.WarnContext(ctx, "updating expired message",
				slog.String("run_id", rec.RunID),
				slog.String("error", err.Error()),
			)
		}
	}

	n, err := s.target.Purge(ctx, s.config.Retention)
	if err != nil {
		s.logger.ErrorContext(ctx, "purging hooks", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "purged hooks", slog.Int("count", n))
	}
}

// Start schedules Sweep on the configured cron spec.
// Returns a function that stops the schedule and waits for a running pass.
func (s *Sweeper) Start(ctx context.Context) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(s.config.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("scheduling hook sweeper %q: %w", s.config.Schedule, err)
	}
	c.Start()

	s.logger.InfoContext(ctx, "hook sweeper started", slog.String("schedule", s.config.Schedule))
	return func() {
		<-c.Stop().Done()
	}, nil
}

// ValidSchedule reports whether spec parses as a cron schedule.
func ValidSchedule(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}

var (
	_ Registry   = (*MemoryRegistry)(nil)
	_ Registry   = (*StoreRegistry)(nil)
	_ Maintainer = (*MemoryRegistry)(nil)
	_ Maintainer = (*StoreRegistry)(nil)
)
