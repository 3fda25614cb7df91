package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweeperConfig holds the configuration for the Sweeper.
type SweeperConfig struct {
	Logger   *slog.Logger
	Tracker  *ChunkTracker
	Interval time.Duration
}

// Sweeper periodically times out stalled image transfers.
type Sweeper struct {
	logger   *slog.Logger
	tracker  *ChunkTracker
	interval time.Duration
}

// NewSweeper creates a new Sweeper instance.
func NewSweeper(cfg *SweeperConfig) (*Sweeper, error) {
	if cfg == nil {
		return nil, errors.New("sweeper config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("chunk tracker cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &Sweeper{
		logger:   cfg.Logger,
		tracker:  cfg.Tracker,
		interval: interval,
	}, nil
}

// Run executes sweeps until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("chunk timeout sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("chunk timeout sweeper stopped")
			return
		case <-ticker.C:
			failed, err := s.tracker.SweepTimeouts(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Error("timeout sweep failed", "error", err)
				continue
			}
			if failed > 0 {
				s.logger.Info("timed out stalled transfers", "count", failed)
			}
		}
	}
}
