// Package payout releases escrow whose delayed payout date has passed.
package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	rcron "github.com/robfig/cron/v3"
)

// Releaser is implemented by engine.Engine.
type Releaser interface {
	ReleaseDuePayouts(ctx context.Context, limit int) (int, error)
}

type Sweeper struct {
	Releaser Releaser
	Schedule string
	Batch    int
	Logger   *slog.Logger

	mu   sync.Mutex
	cron *rcron.Cron
}

func New(r Releaser, schedule string, batch int, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{Releaser: r, Schedule: schedule, Batch: batch, Logger: logger}
}

// Start runs the sweep on Schedule until ctx ends or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	c := rcron.New()
	if _, err := c.AddFunc(s.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("payout schedule %q: %w", s.Schedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.Logger.Info("payout sweeper started", "schedule", s.Schedule)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.Logger.Info("payout sweeper stopped")
}

// RunOnce releases one batch of due payouts and returns how many went out.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	n, err := s.Releaser.ReleaseDuePayouts(ctx, s.Batch)
	if err != nil {
		s.Logger.Error("payout sweep failed", "err", err)
		return n
	}
	if n > 0 {
		s.Logger.Info("payouts released", "count", n)
	}
	return n
}
