package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/interval"
	"github.com/allan-cais/besunny-ai-sub006/internal/observability"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
)

// RunCycle executes one sync cycle for key. Only one cycle per key runs at a
// time across timer, manual and webhook triggers. A concurrent timer call
// returns a result skipped as busy; a concurrent webhook or manual call is
// queued and rerun once the running cycle finishes. Timer cycles are
// suppressed while a push was received within the service's quiet window.
// After Shutdown every call is skipped.
func (s *Scheduler) RunCycle(ctx context.Context, key domain.SyncKey, trigger domain.Trigger) domain.SyncResult {
	if !s.enter() {
		return domain.SyncResult{Key: key, Trigger: trigger, StartedAt: s.now().UTC(), Skipped: true, SkipCause: domain.SkipShutdown}
	}
	defer s.inflight.Done()

	g := s.guard(key)
	ok, queued := g.acquire(trigger)
	if !ok {
		observability.RecordCycle(string(key.Service), string(trigger), observability.ResultSkippedBusy)
		return domain.SyncResult{Key: key, Trigger: trigger, StartedAt: s.now().UTC(), Skipped: true, SkipCause: domain.SkipBusy, Queued: queued}
	}
	result := s.cycle(ctx, key, trigger)
	s.drain(ctx, key, g)
	return result
}

// drain runs the triggers queued on g while the owner's cycle ran. Reruns
// continue in the background under a context detached from the caller's
// cancellation.
func (s *Scheduler) drain(ctx context.Context, key domain.SyncKey, g *keyGuard) {
	next, ok := g.release()
	if !ok {
		return
	}
	if !s.enter() {
		g.reset()
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer s.inflight.Done()
		for ok {
			s.logger.Debug("rerunning queued cycle", zap.Stringer("key", key), zap.String("trigger", string(next)))
			s.cycle(ctx, key, next)
			next, ok = g.release()
		}
	}()
}

func (s *Scheduler) cycle(ctx context.Context, key domain.SyncKey, trigger domain.Trigger) domain.SyncResult {
	result := domain.SyncResult{Key: key, Trigger: trigger, StartedAt: s.now().UTC()}
	svc := string(key.Service)

	logger := s.logger.With(
		zap.String("user_id", key.UserID),
		zap.String("service", svc),
		zap.String("trigger", string(trigger)),
	)

	syncer, err := s.providers.Syncer(key.Service)
	if err != nil {
		result.Err = err
		observability.RecordCycle(svc, string(trigger), observability.ResultFailure)
		return result
	}

	state, err := s.loadState(ctx, key)
	if err != nil {
		result.Err = err
		observability.RecordCycle(svc, string(trigger), observability.ResultFailure)
		return result
	}

	if trigger == domain.TriggerTimer && s.quiet(ctx, key, logger) {
		result.Skipped = true
		result.SkipCause = domain.SkipQuietWindow
		observability.RecordCycle(svc, string(trigger), observability.ResultSkippedQuiet)
		logger.Debug("push received recently, skipping poll")
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	token, err := s.creds.GetValidToken(callCtx, key.UserID, key.Service)
	if err != nil {
		return s.credentialFailure(ctx, state, result, err, logger)
	}
	state.RefreshFailures = 0

	batch, full, err := s.fetch(callCtx, syncer, state, token, logger)
	result.FullResync = full
	if err != nil {
		if domain.Classify(err) == domain.KindRefreshFailed {
			if inv, ok := s.creds.(invalidator); ok {
				inv.Invalidate(key.UserID, key.Service)
			}
		}
		return s.cycleFailure(ctx, state, result, err, logger)
	}

	counts, err := s.reconciler.Reconcile(ctx, key.UserID, batch.Events)
	result.Counts = counts
	if err != nil {
		// The cursor stays put so the batch is replayed next cycle.
		return s.cycleFailure(ctx, state, result, errors.Wrap(err, "reconcile"), logger)
	}

	if counts.VirtualEmails > 0 {
		s.tracker.RecordActivity(key.UserID, domain.ActivityVirtualEmailDetected)
	}

	now := s.now().UTC()
	if batch.NextCursor != "" {
		state.Cursor = batch.NextCursor
	}
	state.LastSyncAt = &now
	state.ConsecutiveFailures = 0
	state.Status = domain.IntegrationConnected
	state.SyncFrequency = interval.FrequencyFor(s.intervalFor(state))
	if err := s.states.UpsertSyncState(ctx, state); err != nil {
		result.Err = errors.Wrap(err, "persist sync state")
		observability.RecordCycle(svc, string(trigger), observability.ResultFailure)
		return result
	}
	result.Cursor = state.Cursor
	result.Duration = s.now().Sub(result.StartedAt)

	outcome := observability.ResultSuccess
	if full {
		outcome = observability.ResultFullResync
	}
	observability.RecordCycle(svc, string(trigger), outcome)
	observability.ObserveCycleDuration(svc, result.Duration)
	observability.RecordLastSync(svc, now)
	recordCounts(svc, counts)

	logger.Info("sync cycle completed",
		zap.Bool("full_resync", full),
		zap.Int("events", len(batch.Events)),
		zap.Int("created", counts.Created),
		zap.Int("updated", counts.Updated),
		zap.Int("deleted", counts.Deleted+counts.Cancelled),
		zap.Int("skipped", counts.Skipped),
		zap.Duration("duration", result.Duration),
	)
	s.publish(result)
	return result
}

// fetch runs an incremental sync, falling back to a full resync when there
// is no cursor or upstream rejects it.
func (s *Scheduler) fetch(ctx context.Context, syncer provider.Syncer, state domain.UserSyncState, token *oauth2.Token, logger *zap.Logger) (provider.Batch, bool, error) {
	if state.Cursor != "" {
		batch, err := syncer.SyncIncremental(ctx, state.UserID, token, state.Cursor)
		if err == nil {
			return batch, false, nil
		}
		if !errors.Is(err, domain.ErrCursorInvalid) {
			return provider.Batch{}, false, err
		}
		observability.RecordCursorInvalid(string(state.Service))
		logger.Info("cursor rejected, running full resync", zap.Error(err))
	}
	batch, err := syncer.SyncFull(ctx, state.UserID, token)
	if err != nil {
		return provider.Batch{}, true, err
	}
	return batch, true, nil
}

func (s *Scheduler) quiet(ctx context.Context, key domain.SyncKey, logger *zap.Logger) bool {
	if s.subs == nil {
		return false
	}
	window := s.cfg.QuietWindows[key.Service]
	if window <= 0 {
		return false
	}
	sub, err := s.subs.Active(ctx, key)
	if err != nil {
		logger.Warn("load subscription", zap.Error(err))
		return false
	}
	return sub != nil && sub.ReceivedWithin(s.now(), window)
}

func (s *Scheduler) credentialFailure(ctx context.Context, state domain.UserSyncState, result domain.SyncResult, err error, logger *zap.Logger) domain.SyncResult {
	kind := domain.Classify(err)
	if kind == domain.KindRefreshFailed {
		state.RefreshFailures++
	}
	disconnect := kind == domain.KindCredentialsMissing ||
		(kind == domain.KindRefreshFailed && state.RefreshFailures >= s.cfg.RefreshFailureLimit)
	if !disconnect {
		return s.cycleFailure(ctx, state, result, err, logger)
	}

	state.Status = domain.IntegrationDisconnected
	state.IsActive = false
	state.ConsecutiveFailures++
	if perr := s.states.UpsertSyncState(ctx, state); perr != nil {
		logger.Error("persist disconnected state", zap.Error(perr))
	}
	s.Stop(state.Key())
	if s.subs != nil {
		if uerr := s.subs.Unregister(ctx, state.Key()); uerr != nil {
			logger.Warn("unregister webhook", zap.Error(uerr))
		}
	}
	logger.Warn("integration disconnected", zap.Error(err))
	observability.RecordCycle(string(state.Service), string(result.Trigger), observability.ResultDisconnected)

	result.Skipped = true
	result.SkipCause = domain.SkipDisconnected
	result.Err = err
	return result
}

// cycleFailure leaves cursor and schedule untouched and escalates repeated
// failures to the webhook subscription.
func (s *Scheduler) cycleFailure(ctx context.Context, state domain.UserSyncState, result domain.SyncResult, err error, logger *zap.Logger) domain.SyncResult {
	state.ConsecutiveFailures++
	if perr := s.states.UpsertSyncState(ctx, state); perr != nil {
		logger.Error("persist failure count", zap.Error(perr))
	}
	if s.subs != nil {
		if _, serr := s.subs.RecordFailure(ctx, state.Key(), state.ConsecutiveFailures); serr != nil {
			logger.Warn("record subscription failure", zap.Error(serr))
		}
	}
	result.Err = err
	result.Duration = s.now().Sub(result.StartedAt)
	observability.RecordCycle(string(state.Service), string(result.Trigger), observability.ResultFailure)
	if domain.IsTransient(err) {
		logger.Warn("sync cycle failed, will retry on schedule",
			zap.Int("consecutive_failures", state.ConsecutiveFailures),
			zap.Error(err),
		)
	} else {
		logger.Error("sync cycle failed",
			zap.Int("consecutive_failures", state.ConsecutiveFailures),
			zap.Error(err),
		)
	}
	s.publish(result)
	return result
}

func recordCounts(svc string, c domain.ReconcileCounts) {
	observability.RecordItems(svc, "created", c.Created)
	observability.RecordItems(svc, "updated", c.Updated)
	observability.RecordItems(svc, "deleted", c.Deleted)
	observability.RecordItems(svc, "cancelled", c.Cancelled)
	observability.RecordItems(svc, "skipped", c.Skipped)
	for reason, n := range c.SkipReasons {
		observability.RecordSkipReason(string(reason), n)
	}
}
