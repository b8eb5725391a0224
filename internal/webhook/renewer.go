package webhook

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Renewer periodically replaces subscriptions that are close to expiry.
type Renewer struct {
	registry         *Registry
	interval         time.Duration
	logger           *zap.Logger
	shutdownComplete chan struct{}
}

// NewRenewer constructs a Renewer that sweeps every interval.
func NewRenewer(registry *Registry, interval time.Duration, logger *zap.Logger) *Renewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renewer{
		registry:         registry,
		interval:         interval,
		logger:           logger,
		shutdownComplete: make(chan struct{}),
	}
}

// RunOnce renews every due subscription. A failed renewal expires that
// subscription and does not stop the sweep.
func (r *Renewer) RunOnce(ctx context.Context) (renewed int, err error) {
	due, err := r.registry.DueForRenewal(ctx, r.registry.now())
	if err != nil {
		return 0, err
	}
	for _, sub := range due {
		if ctx.Err() != nil {
			return renewed, multierr.Append(err, ctx.Err())
		}
		if _, renewErr := r.registry.Renew(ctx, sub); renewErr != nil {
			err = multierr.Append(err, errors.Wrapf(renewErr, "renew %s", sub.ID))
			continue
		}
		renewed++
	}
	if len(due) > 0 {
		r.logger.Info("webhook renewal sweep",
			zap.Int("due", len(due)),
			zap.Int("renewed", renewed),
		)
	}
	return renewed, err
}

// Start runs the sweep loop until ctx is done. It should be called in a goroutine.
func (r *Renewer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer func() {
		ticker.Stop()
		close(r.shutdownComplete)
	}()

	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("webhook renewal errors", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start returns.
func (r *Renewer) Wait() {
	<-r.shutdownComplete
}
