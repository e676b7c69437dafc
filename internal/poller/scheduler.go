package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Poller is satisfied by *Controller.
type Poller interface {
	Poll(ctx context.Context) (Result, error)
}

// Scheduler runs a poll cycle on start and then on every interval tick.
type Scheduler struct {
	poller   Poller
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(p Poller, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{poller: p, interval: interval, logger: logger}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("poll scheduler disabled")
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("poll scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop cancels the running cycle and waits for the loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("poll scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	_, err := s.poller.Poll(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrPollInProgress):
		s.logger.Debug("scheduled poll skipped, cycle already running")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Warn("scheduled poll failed", zap.Error(err))
	}
}
