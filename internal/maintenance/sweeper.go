// Package maintenance runs the periodic jobs that keep generation accounting
// consistent when a worker dies between debiting and finishing a request.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 15 * time.Minute
	DefaultBatchSize  = 100
)

// StaleExpirer settles requests that stayed unfinished for too long.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Config controls how often and how aggressively the sweep runs.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule   string
	StaleAfter time.Duration
	BatchSize  int
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger used for sweep results.
func WithLogger(logger *zap.Logger) Option {
	return func(sweeper *Sweeper) {
		if logger != nil {
			sweeper.logger = logger
		}
	}
}

// WithSweepObserver receives the number of requests settled by each run.
func WithSweepObserver(observe func(settled int)) Option {
	return func(sweeper *Sweeper) {
		sweeper.observe = observe
	}
}

// Sweeper periodically fails and refunds stale generation requests.
type Sweeper struct {
	expirer  StaleExpirer
	cfg      Config
	schedule cron.Schedule
	logger   *zap.Logger
	observe  func(settled int)
}

// NewSweeper validates cfg, applying defaults to unset fields.
func NewSweeper(expirer StaleExpirer, cfg Config, options ...Option) (*Sweeper, error) {
	if expirer == nil {
		return nil, fmt.Errorf("%w: stale expirer is required", ledger.ErrInvalidServiceConfig)
	}
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: sweep schedule %q: %v", ledger.ErrInvalidServiceConfig, cfg.Schedule, err)
	}
	sweeper := &Sweeper{
		expirer:  expirer,
		cfg:      cfg,
		schedule: schedule,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		option(sweeper)
	}
	return sweeper, nil
}

// RunOnce performs a single sweep.
func (sweeper *Sweeper) RunOnce(ctx context.Context) (int, error) {
	settled, err := sweeper.expirer.ExpireStale(ctx, sweeper.cfg.StaleAfter, sweeper.cfg.BatchSize)
	if sweeper.observe != nil && settled > 0 {
		sweeper.observe(settled)
	}
	switch {
	case err != nil:
		sweeper.logger.Warn("stale generation sweep incomplete", zap.Int("settled", settled), zap.Error(err))
	case settled > 0:
		sweeper.logger.Info("stale generations settled", zap.Int("settled", settled))
	}
	return settled, err
}

// Run sweeps on the configured schedule until ctx is cancelled, then waits
// for a running sweep to finish.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	cronLogger := zapCronLogger{logger: sweeper.logger.Sugar()}
	scheduler := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	scheduler.Schedule(sweeper.schedule, cron.FuncJob(func() {
		_, _ = sweeper.RunOnce(ctx)
	}))
	sweeper.logger.Info("stale generation sweeper started",
		zap.String("schedule", sweeper.cfg.Schedule),
		zap.Duration("stale_after", sweeper.cfg.StaleAfter))
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// zapCronLogger routes scheduler diagnostics into zap.
type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (adapter zapCronLogger) Info(message string, keysAndValues ...interface{}) {
	adapter.logger.Debugw(message, keysAndValues...)
}

func (adapter zapCronLogger) Error(err error, message string, keysAndValues ...interface{}) {
	adapter.logger.Errorw(message, append(keysAndValues, "error", err)...)
}
