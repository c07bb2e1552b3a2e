package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs refresh pipelines on a periodic interval.
// Each tick opens its own session, so a run held by another process is skipped, not queued.
type Scheduler struct {
	interval time.Duration
	session  SessionConfig
	runner   *Runner

	mu     sync.RWMutex
	latest *Summary
}

// NewScheduler creates a scheduler for refresh runs.
func NewScheduler(interval time.Duration, session SessionConfig, runner *Runner) *Scheduler {
	return &Scheduler{interval: interval, session: session, runner: runner}
}

// Start runs one refresh immediately, then one per tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("[Scheduler] Starting refresh scheduler", "interval", s.interval)

	s.tick(ctx)

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			slog.Info("[Scheduler] Running final refresh before shutdown...")
			s.tick(shutdownCtx)
			slog.Info("[Scheduler] Final refresh complete")

			return nil
		}
	}
}

// Latest returns the summary of the most recent scheduled run, or nil.
func (s *Scheduler) Latest() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Scheduler) tick(ctx context.Context) {
	var summary *Summary
	err := WithSession(ctx, s.session, func(sess *Session) error {
		var rerr error
		summary, rerr = s.runner.Run(ctx, sess, Request{Mode: ModeRefresh})
		return rerr
	})

	if summary != nil {
		s.mu.Lock()
		s.latest = summary
		s.mu.Unlock()
	}

	switch {
	case errors.Is(err, ErrLocked):
		slog.Warn("[Scheduler] Another run holds the lock, skipping tick", "error", err)
	case err != nil:
		slog.Error("[Scheduler] Refresh failed", "error", err)
	}
}
