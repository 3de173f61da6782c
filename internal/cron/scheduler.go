// Package cron triggers recurring script runs from a cron expression.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// RunFunc executes one full script run. Runs are serialized: the scheduler
// never starts a run while the previous one is still in flight.
type RunFunc func(ctx context.Context) error

// Config holds the dependencies for the scheduler.
type Config struct {
	// Expr is a 5-field cron expression, e.g. "0 6 * * *".
	Expr   string
	Run    RunFunc
	Logger *slog.Logger
}

// Scheduler sleeps until the next cron boundary and fires the run function.
type Scheduler struct {
	schedule cronlib.Schedule
	expr     string
	run      RunFunc
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the expression and creates a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Expr, err)
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("cron: run function is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedule: sched,
		expr:     cfg.Expr,
		run:      cfg.Run,
		logger:   logger,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "expr", s.expr, "next_run_at", s.schedule.Next(time.Now()))
}

// Stop cancels the scheduler loop and waits for it to exit. A run already
// in progress sees its context cancelled.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.fire(ctx, next)
	}
}

func (s *Scheduler) fire(ctx context.Context, scheduled time.Time) {
	started := time.Now()
	s.logger.Info("cron: run fired", "scheduled_at", scheduled)

	if err := s.run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("cron: scheduled run failed", "error", err, "duration", time.Since(started))
		return
	}
	s.logger.Info("cron: scheduled run completed",
		"duration", time.Since(started),
		"next_run_at", s.schedule.Next(time.Now()),
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
