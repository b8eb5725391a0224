// Package reconcile applies fetched upstream changes to the local entity
// store.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider/attendee"
)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithClock overrides the time source for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithBotAPI enables bot removal on cancelled meetings and transcript
// retrieval for ended bots.
func WithBotAPI(api attendee.API) Option {
	return func(r *Reconciler) {
		r.bots = api
	}
}

// Reconciler turns ExternalEvents into create, update, cancel or delete
// operations. Every lookup is by (user, external ID), so replaying a batch
// leaves the store unchanged.
type Reconciler struct {
	store  domain.EntityStore
	bots   attendee.API
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// New constructs a Reconciler.
func New(store domain.EntityStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies events for userID. A failing event does not stop the
// batch; all failures are returned together with the counts so far.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, events []domain.ExternalEvent) (domain.ReconcileCounts, error) {
	var (
		counts domain.ReconcileCounts
		errs   error
	)
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return counts, multierr.Append(errs, err)
		}
		if err := r.apply(ctx, userID, ev, &counts); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "%s %s", ev.Kind, ev.ExternalID))
		}
	}
	if counts.Skipped > 0 {
		r.logger.Debug("reconcile skipped events",
			zap.String("user_id", userID),
			zap.Any("reasons", counts.SkipReasons),
		)
	}
	return counts, errs
}

func (r *Reconciler) apply(ctx context.Context, userID string, ev domain.ExternalEvent, counts *domain.ReconcileCounts) error {
	switch ev.Kind {
	case domain.KindCalendarEvent:
		return r.calendarEvent(ctx, userID, ev, counts)
	case domain.KindDriveChange:
		return r.driveChange(ctx, userID, ev, counts)
	case domain.KindBotStatus:
		return r.botStatus(ctx, userID, ev, counts)
	case domain.KindEmailMessage:
		return r.emailMessage(ctx, userID, ev, counts)
	default:
		counts.Skip(domain.SkipUnknownKind)
		return nil
	}
}

// removeRows applies the deletion policy to every matching row on its own:
// rows with durable state are cancelled, the rest are deleted.
func removeRows[T any](
	rows []T,
	durable func(T) bool,
	cancel func(T) (bool, error),
	remove func(T) error,
	counts *domain.ReconcileCounts,
) error {
	var errs error
	for _, row := range rows {
		if durable(row) {
			changed, err := cancel(row)
			switch {
			case err != nil:
				errs = multierr.Append(errs, err)
			case changed:
				counts.Cancelled++
			default:
				counts.Unchanged++
			}
			continue
		}
		if err := remove(row); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		counts.Deleted++
	}
	return errs
}

func (r *Reconciler) stamp() time.Time {
	return r.now().UTC()
}
