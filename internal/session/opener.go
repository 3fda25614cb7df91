package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// OpenerConfig holds the configuration for the Opener.
type OpenerConfig struct {
	Logger  *slog.Logger
	Manager *Manager
	// Interval between passes. The pass is idempotent, so running it more
	// often than midnight only costs a few queries.
	Interval time.Duration
}

// Opener is the scheduled background job that locks expired sessions and
// opens the current day's sessions. It shares the lock-guarded
// get-or-create with live ingestion, so concurrent wakes are safe.
type Opener struct {
	logger   *slog.Logger
	manager  *Manager
	interval time.Duration
}

// NewOpener creates a new Opener instance.
func NewOpener(cfg *OpenerConfig) (*Opener, error) {
	if cfg == nil {
		return nil, errors.New("opener config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Manager == nil {
		return nil, errors.New("manager cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	return &Opener{
		logger:   cfg.Logger,
		manager:  cfg.Manager,
		interval: interval,
	}, nil
}

// Run executes passes until the context is canceled. One pass runs
// immediately on start.
func (o *Opener) Run(ctx context.Context) {
	o.logger.Info("session opener started", "interval", o.interval)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("session opener stopped")
			return
		case <-ticker.C:
			o.pass(ctx)
		}
	}
}

func (o *Opener) pass(ctx context.Context) {
	now := time.Now().UTC()

	locked, err := o.manager.LockExpired(ctx, now)
	if err != nil {
		o.logger.Error("lock sweep failed", "error", err)
	} else if locked > 0 {
		o.logger.Info("lock sweep locked sessions", "count", locked)
	}

	if err := o.manager.OpenDay(ctx, now); err != nil {
		o.logger.Error("midnight open failed", "error", err)
	}
}
