// Package retry is the single retry policy for external calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// Policy bounds how an external call is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxRetryAfter caps upstream Retry-After hints.
	MaxRetryAfter time.Duration
}

// DefaultPolicy retries transient failures three times.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		MaxRetryAfter:   30 * time.Second,
	}
}

// NoRetry runs an operation exactly once.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// Operation is a retryable external call.
type Operation func(ctx context.Context) error

// Do runs op until it succeeds, returns a non-transient error, exhausts
// MaxAttempts, or ctx is done. Only errors classified as upstream-transient
// are retried.
func Do(ctx context.Context, p Policy, op Operation, opts ...Option) error {
	cfg := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	hinted := &retryAfterBackOff{
		BackOff: p.backOff(),
		max:     p.MaxRetryAfter,
	}
	var b backoff.BackOff = hinted
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		hinted.hint = domain.RetryAfter(err)
		return err
	}, b, func(err error, wait time.Duration) {
		cfg.logger.Debug("retrying external call",
			zap.String("call", cfg.name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

func (p Policy) backOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		exp.Multiplier = p.Multiplier
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// retryAfterBackOff waits at least as long as the last upstream hint.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	hint := b.hint
	b.hint = 0
	if b.max > 0 && hint > b.max {
		hint = b.max
	}
	if hint > next {
		return hint
	}
	return next
}

type options struct {
	logger *zap.Logger
	name   string
}

// Option configures a single Do call.
type Option func(*options)

// WithLogger reports retries to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithName labels the call in retry logs.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}
