package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/oauth2"

	"github.com/allan-cais/besunny-ai-sub006/internal/activity"
	"github.com/allan-cais/besunny-ai-sub006/internal/credentials"
	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/events"
	"github.com/allan-cais/besunny-ai-sub006/internal/memstore"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
	"github.com/allan-cais/besunny-ai-sub006/internal/reconcile"
	"github.com/allan-cais/besunny-ai-sub006/internal/webhook"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubSyncer struct {
	svc         domain.ServiceType
	mu          sync.Mutex
	calls       []string
	incremental func(cursor string) (provider.Batch, error)
	full        func() (provider.Batch, error)
	entered     chan struct{}
	release     chan struct{}
}

func (s *stubSyncer) Service() domain.ServiceType { return s.svc }

func (s *stubSyncer) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
}

func (s *stubSyncer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubSyncer) SyncIncremental(_ context.Context, _ string, _ *oauth2.Token, cursor string) (provider.Batch, error) {
	s.record("incremental:" + cursor)
	if s.incremental == nil {
		return provider.Batch{NextCursor: cursor}, nil
	}
	return s.incremental(cursor)
}

func (s *stubSyncer) SyncFull(context.Context, string, *oauth2.Token) (provider.Batch, error) {
	s.record("full")
	if s.full == nil {
		return provider.Batch{NextCursor: "fresh"}, nil
	}
	return s.full()
}

type stubCreds struct {
	mu  sync.Mutex
	err error
}

func (c *stubCreds) GetValidToken(context.Context, string, domain.ServiceType) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return &oauth2.Token{AccessToken: "access"}, nil
}

type recordingBus struct {
	mu   sync.Mutex
	sent []events.SyncCompleted
}

func (b *recordingBus) Publish(_ context.Context, evt events.SyncCompleted) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, evt)
	return nil
}

type harness struct {
	sched   *Scheduler
	store   *memstore.Store
	syncer  *stubSyncer
	creds   *stubCreds
	tracker *activity.Tracker
	clock   *clock
	subs    *webhook.Registry
	bus     *recordingBus
}

func newHarness(t *testing.T, svc domain.ServiceType, cfg func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		syncer: &stubSyncer{svc: svc},
		creds:  &stubCreds{},
		clock:  &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)},
		bus:    &recordingBus{},
	}
	h.tracker = activity.NewTracker(activity.WithClock(h.clock.Now))
	providers := provider.NewRegistry(h.syncer)
	h.subs = webhook.NewRegistry(h.store, providers, credentials.StaticProvider{Token: "t"}, "https://hooks.example.com",
		webhook.WithClock(h.clock.Now), webhook.WithThresholds(2, 3))
	config := DefaultConfig()
	if cfg != nil {
		cfg(&config)
	}
	h.sched = New(providers, h.creds, h.store, reconcile.New(h.store), h.tracker,
		WithLogger(zaptest.NewLogger(t)),
		WithClock(h.clock.Now),
		WithSubscriptions(h.subs),
		WithConnections(h.store),
		WithBus(h.bus),
		WithConfig(config),
	)
	t.Cleanup(h.sched.Shutdown)
	return h
}

func calendarEvent(id, title string) domain.ExternalEvent {
	start := time.Date(2026, 6, 2, 15, 0, 0, 0, time.UTC)
	return domain.ExternalEvent{
		Kind:       domain.KindCalendarEvent,
		ExternalID: id,
		Calendar: &domain.CalendarEventPayload{
			Summary:    title,
			MeetingURL: "https://meet.google.com/xyz",
			Start:      &start,
			Status:     domain.CalendarStatusConfirmed,
		},
	}
}

func (h *harness) seedState(t *testing.T, key domain.SyncKey, cursor string) {
	t.Helper()
	require.NoError(t, h.store.UpsertSyncState(context.Background(), domain.UserSyncState{
		UserID:          key.UserID,
		Service:         key.Service,
		Cursor:          cursor,
		ChangeFrequency: domain.ChangeHigh,
		IsActive:        true,
		Status:          domain.IntegrationConnected,
	}))
}

func (h *harness) state(t *testing.T, key domain.SyncKey) domain.UserSyncState {
	t.Helper()
	state, err := h.store.GetSyncState(context.Background(), key)
	require.NoError(t, err)
	return *state
}

func TestCursorInvalidRunsFullResync(t *testing.T) {
	h := newHarness(t, domain.ServiceCalendar, nil)
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar}
	h.seedState(t, key, "stale")
	h.syncer.incremental = func(string) (provider.Batch, error) {
		return provider.Batch{}, errors.Wrap(domain.ErrCursorInvalid, "410")
	}
	h.syncer.full = func() (provider.Batch, error) {
		return provider.Batch{
			Events:     []domain.ExternalEvent{calendarEvent("evt-1", "A"), calendarEvent("evt-2", "B")},
			NextCursor: "fresh",
		}, nil
	}

	res := h.sched.RunCycle(context.Background(), key, domain.TriggerTimer)
	require.NoError(t, res.Err)
	require.True(t, res.FullResync)
	require.Equal(t, 2, res.Counts.Created)
	require.Equal(t, "fresh", res.Cursor)
	require.Equal(t, []string{"incremental:stale", "full"}, h.syncer.Calls())

	state := h.state(t, key)
	require.Equal(t, "fresh", state.Cursor)
	require.NotNil(t, state.LastSyncAt)
}

func TestMissingCursorStartsWithFullSync(t *testing.T) {
	h := newHarness(t, domain.ServiceDrive, nil)
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceDrive}

	res := h.sched.RunCycle(context.Background(), key, domain.TriggerManual)
	require.NoError(t, res.Err)
	require.True(t, res.FullResync)
	require.Equal(t, []string{"full"}, h.syncer.Calls())

	res = h.sched.RunCycle(context.Background(), key, domain.TriggerManual)
	require.NoError(t, res.Err)
	require.False(t, res.FullResync)
	require.Equal(t, "incremental:fresh", h.syncer.Calls()[1])
}

func TestQuietWindowSuppressesTimerPolls(t *testing.T) {
	h := newHarness(t, domain.ServiceCalendar, nil)
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar}
	h.seedState(t, key, "c1")
	received := h.clock.Now().Add(-10 * time.Minute)
	require.NoError(t, h.store.InsertSubscription(ctx, domain.WebhookSubscription{
		ID: "sub-1", UserID: "user-1", Service: domain.ServiceCalendar, ResourceID: "primary",
		ChannelID: "ch-1", ExpirationTime: h.clock.Now().Add(72 * time.Hour), LastReceivedAt: &received,
		State: domain.SubscriptionActive, IsActive: true,
	}))

	res := h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	require.True(t, res.Skipped)
	require.Equal(t, domain.SkipQuietWindow, res.SkipCause)
	require.Empty(t, h.syncer.Calls(), "no upstream calls inside the quiet window")

	res = h.sched.RunCycle(ctx, key, domain.TriggerWebhook)
	require.False(t, res.Skipped)
	require.Len(t, h.syncer.Calls(), 1)

	h.clock.Advance(7 * time.Hour)
	res = h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	require.False(t, res.Skipped, "window elapsed")
}

func TestConcurrentCyclesDoNotStack(t *testing.T) {
	h := newHarness(t, domain.ServiceGmail, nil)
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceGmail}
	h.syncer.entered = make(chan struct{})
	h.syncer.release = make(chan struct{})

	done := make(chan domain.SyncResult)
	go func() { done <- h.sched.RunCycle(context.Background(), key, domain.TriggerTimer) }()
	<-h.syncer.entered

	busy := h.sched.RunCycle(context.Background(), key, domain.TriggerTimer)
	require.True(t, busy.Skipped)
	require.Equal(t, domain.SkipBusy, busy.SkipCause)
	require.False(t, busy.Queued, "timer ticks are not queued")

	close(h.syncer.release)
	first := <-done
	require.NoError(t, first.Err)
	h.sched.Wait()
	require.Len(t, h.syncer.Calls(), 1)
}

func TestPushDuringCycleIsRerun(t *testing.T) {
	h := newHarness(t, domain.ServiceGmail, nil)
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceGmail}
	h.syncer.entered = make(chan struct{})
	h.syncer.release = make(chan struct{})

	done := make(chan domain.SyncResult)
	go func() { done <- h.sched.RunCycle(ctx, key, domain.TriggerTimer) }()
	<-h.syncer.entered

	pushed := h.sched.RunCycle(ctx, key, domain.TriggerWebhook)
	require.Equal(t, domain.SkipBusy, pushed.SkipCause)
	require.True(t, pushed.Queued)
	again := h.sched.RunCycle(ctx, key, domain.TriggerWebhook)
	require.True(t, again.Queued)

	h.syncer.release <- struct{}{}
	require.NoError(t, (<-done).Err)

	<-h.syncer.entered
	h.syncer.release <- struct{}{}
	h.sched.Wait()

	require.Equal(t, []string{"full", "incremental:fresh"}, h.syncer.Calls(), "queued pushes coalesce into one rerun")
	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	require.Len(t, h.bus.sent, 2)
	triggers := []string{h.bus.sent[0].Trigger, h.bus.sent[1].Trigger}
	require.ElementsMatch(t, []string{string(domain.TriggerTimer), string(domain.TriggerWebhook)}, triggers)
}

func TestRunCycleAfterShutdownIsSkipped(t *testing.T) {
	h := newHarness(t, domain.ServiceCalendar, nil)
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar}
	h.seedState(t, key, "c1")

	h.sched.Shutdown()
	res := h.sched.RunCycle(ctx, key, domain.TriggerWebhook)
	require.True(t, res.Skipped)
	require.Equal(t, domain.SkipShutdown, res.SkipCause)
	require.False(t, res.Queued)
	require.Empty(t, h.syncer.Calls())
	require.Error(t, h.sched.Start(ctx, key))
}

func TestTransientFailuresEscalateToSubscription(t *testing.T) {
	h := newHarness(t, domain.ServiceCalendar, nil)
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar}
	h.seedState(t, key, "c1")
	require.NoError(t, h.store.InsertSubscription(ctx, domain.WebhookSubscription{
		ID: "sub-1", UserID: "user-1", Service: domain.ServiceCalendar, ResourceID: "primary",
		ChannelID: "ch-1", ExpirationTime: h.clock.Now().Add(72 * time.Hour),
		State: domain.SubscriptionActive, IsActive: true,
	}))
	h.syncer.incremental = func(string) (provider.Batch, error) {
		return provider.Batch{}, &domain.StatusError{Service: "calendar", StatusCode: 503}
	}

	res := h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	require.ErrorIs(t, res.Err, domain.ErrUpstreamTransient)
	state := h.state(t, key)
	require.Equal(t, "c1", state.Cursor, "cursor untouched on failure")
	require.Equal(t, 1, state.ConsecutiveFailures)

	h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	sub, err := h.store.ActiveSubscription(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 1, sub.FailureCount)

	h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	_, err = h.store.ActiveSubscription(ctx, key)
	require.ErrorIs(t, err, domain.ErrNotFound, "deactivated after the second threshold")

	h.syncer.incremental = nil
	res = h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	require.NoError(t, res.Err)
	require.Zero(t, h.state(t, key).ConsecutiveFailures)
}

func TestMissingCredentialsDisconnects(t *testing.T) {
	h := newHarness(t, domain.ServiceDrive, nil)
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceDrive}
	h.seedState(t, key, "c1")
	require.NoError(t, h.store.UpsertSyncState(ctx, func() domain.UserSyncState {
		s := h.state(t, key)
		now := h.clock.Now()
		s.LastSyncAt = &now
		return s
	}()))
	require.NoError(t, h.sched.Start(ctx, key))
	require.True(t, h.sched.Running(key))

	h.creds.err = errors.Wrap(domain.ErrCredentialsMissing, "no grant")
	res := h.sched.RunCycle(ctx, key, domain.TriggerManual)
	require.Equal(t, domain.SkipDisconnected, res.SkipCause)
	require.ErrorIs(t, res.Err, domain.ErrCredentialsMissing)
	require.False(t, h.sched.Running(key), "worker stopped")

	state := h.state(t, key)
	require.Equal(t, domain.IntegrationDisconnected, state.Status)
	require.False(t, state.IsActive)
	require.Empty(t, h.syncer.Calls())
}

func TestRefreshFailureLimit(t *testing.T) {
	h := newHarness(t, domain.ServiceCalendar, func(c *Config) { c.RefreshFailureLimit = 3 })
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar}
	h.seedState(t, key, "c1")
	h.creds.err = errors.Wrap(domain.ErrRefreshFailed, "invalid_grant")

	for i := 0; i < 2; i++ {
		res := h.sched.RunCycle(ctx, key, domain.TriggerTimer)
		require.Equal(t, domain.SkipNone, res.SkipCause)
		require.Equal(t, domain.IntegrationConnected, h.state(t, key).Status)
	}
	res := h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	require.Equal(t, domain.SkipDisconnected, res.SkipCause)
	require.Equal(t, domain.IntegrationDisconnected, h.state(t, key).Status)
}

func TestRefreshFailureLimitIgnoresUpstreamFailures(t *testing.T) {
	h := newHarness(t, domain.ServiceCalendar, func(c *Config) { c.RefreshFailureLimit = 3 })
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar}
	h.seedState(t, key, "c1")
	h.syncer.incremental = func(string) (provider.Batch, error) {
		return provider.Batch{}, &domain.StatusError{Service: "calendar", StatusCode: 503}
	}
	h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	require.Equal(t, 2, h.state(t, key).ConsecutiveFailures)

	h.creds.err = errors.Wrap(domain.ErrRefreshFailed, "invalid_grant")
	res := h.sched.RunCycle(ctx, key, domain.TriggerTimer)
	require.Equal(t, domain.SkipNone, res.SkipCause)
	state := h.state(t, key)
	require.Equal(t, domain.IntegrationConnected, state.Status, "server errors do not count toward the refresh limit")
	require.Equal(t, 1, state.RefreshFailures)

	h.creds.err = nil
	h.syncer.incremental = nil
	require.NoError(t, h.sched.RunCycle(ctx, key, domain.TriggerTimer).Err)
	state = h.state(t, key)
	require.Zero(t, state.RefreshFailures)
	require.Zero(t, state.ConsecutiveFailures)
}

func TestActivityDrivesInterval(t *testing.T) {
	h := newHarness(t, domain.ServiceGmail, nil)
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceGmail}
	h.seedState(t, key, "c1")

	for i := 0; i < 3; i++ {
		h.tracker.RecordActivity("user-1", domain.ActivityGeneral)
		h.clock.Advance(40 * time.Second)
	}
	require.Equal(t, 15*time.Second, h.sched.NextInterval(context.Background(), key))

	h.clock.Advance(40 * time.Minute)
	require.Equal(t, 1800*time.Second, h.sched.NextInterval(context.Background(), key))
}

func TestVirtualEmailForcesFastestInterval(t *testing.T) {
	h := newHarness(t, domain.ServiceGmail, nil)
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceGmail}
	h.seedState(t, key, "c1")
	h.syncer.incremental = func(string) (provider.Batch, error) {
		return provider.Batch{
			Events: []domain.ExternalEvent{{
				Kind: domain.KindEmailMessage, ExternalID: "msg-1",
				Email: &domain.EmailMessagePayload{VirtualInbox: true, ReceivedAt: h.clock.Now()},
			}},
			NextCursor: "c2",
		}, nil
	}

	res := h.sched.RunCycle(context.Background(), key, domain.TriggerTimer)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Counts.VirtualEmails)
	require.Equal(t, 15*time.Second, h.sched.NextInterval(context.Background(), key))
	require.Equal(t, domain.FrequencyImmediate, h.state(t, key).SyncFrequency)
}

func TestWebhookThenPollDoesNotDuplicate(t *testing.T) {
	h := newHarness(t, domain.ServiceCalendar, nil)
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar}
	h.seedState(t, key, "c1")
	h.syncer.incremental = func(cursor string) (provider.Batch, error) {
		return provider.Batch{Events: []domain.ExternalEvent{calendarEvent("evt-E", "Kickoff")}, NextCursor: cursor + "+"}, nil
	}

	pushed := h.sched.RunCycle(ctx, key, domain.TriggerWebhook)
	require.NoError(t, pushed.Err)
	require.Equal(t, 1, pushed.Counts.Created)

	h.clock.Advance(3 * time.Second)
	polled := h.sched.RunCycle(ctx, key, domain.TriggerManual)
	require.NoError(t, polled.Err)
	require.Zero(t, polled.Counts.Created)
	require.Equal(t, 1, polled.Counts.Unchanged)

	rows, err := h.store.FindMeetings(ctx, "user-1", "evt-E")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestStartRunsFirstCycleAndReschedules(t *testing.T) {
	h := newHarness(t, domain.ServiceAttendee, nil)
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceAttendee}

	require.NoError(t, h.sched.Start(ctx, key))
	require.NoError(t, h.sched.Start(ctx, key), "idempotent")
	require.Eventually(t, func() bool { return len(h.syncer.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		next, ok := h.sched.NextRun(key)
		return ok && next.After(h.clock.Now())
	}, time.Second, 5*time.Millisecond)

	state := h.state(t, key)
	require.True(t, state.IsActive)
	require.Equal(t, domain.ChangeHigh, state.ChangeFrequency)

	h.sched.StopUser("user-1")
	require.False(t, h.sched.Running(key))
	h.sched.Wait()

	h.bus.mu.Lock()
	defer h.bus.mu.Unlock()
	require.Len(t, h.bus.sent, 1)
	require.Equal(t, "attendee", h.bus.sent[0].Service)
	require.True(t, h.bus.sent[0].FullResync)
}

func TestPollNowCoversActiveServices(t *testing.T) {
	store := memstore.New()
	cal := &stubSyncer{svc: domain.ServiceCalendar}
	drive := &stubSyncer{svc: domain.ServiceDrive}
	tracker := activity.NewTracker()
	sched := New(provider.NewRegistry(cal, drive), &stubCreds{}, store, reconcile.New(store), tracker,
		WithLogger(zaptest.NewLogger(t)))
	defer sched.Shutdown()
	ctx := context.Background()
	for _, svc := range []domain.ServiceType{domain.ServiceCalendar, domain.ServiceDrive} {
		require.NoError(t, store.UpsertSyncState(ctx, domain.UserSyncState{UserID: "user-1", Service: svc, IsActive: true, Status: domain.IntegrationConnected}))
	}
	require.NoError(t, store.UpsertSyncState(ctx, domain.UserSyncState{UserID: "user-2", Service: domain.ServiceDrive, IsActive: true}))

	results := sched.PollNow(ctx, "user-1")
	require.Len(t, results, 2)
	require.Equal(t, domain.ServiceCalendar, results[0].Key.Service)
	require.Equal(t, domain.ServiceDrive, results[1].Key.Service)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.Equal(t, domain.TriggerManual, r.Trigger)
	}
	require.Len(t, cal.Calls(), 1)
	require.Len(t, drive.Calls(), 1)
}

func TestBootstrapStartsActiveStates(t *testing.T) {
	h := newHarness(t, domain.ServiceCalendar, nil)
	ctx := context.Background()
	now := h.clock.Now()
	require.NoError(t, h.store.UpsertSyncState(ctx, domain.UserSyncState{UserID: "user-1", Service: domain.ServiceCalendar, IsActive: true, Status: domain.IntegrationConnected, LastSyncAt: &now, ChangeFrequency: domain.ChangeLow}))
	require.NoError(t, h.store.UpsertSyncState(ctx, domain.UserSyncState{UserID: "user-2", Service: domain.ServiceCalendar, IsActive: false}))
	require.NoError(t, h.store.UpsertSyncState(ctx, domain.UserSyncState{UserID: "user-3", Service: domain.ServiceGmail, IsActive: true}))

	require.NoError(t, h.sched.Bootstrap(ctx))
	require.True(t, h.sched.Running(domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar}))
	require.False(t, h.sched.Running(domain.SyncKey{UserID: "user-2", Service: domain.ServiceCalendar}))
	require.False(t, h.sched.Running(domain.SyncKey{UserID: "user-3", Service: domain.ServiceGmail}), "no syncer registered")

	next, ok := h.sched.NextRun(domain.SyncKey{UserID: "user-1", Service: domain.ServiceCalendar})
	require.True(t, ok)
	require.Equal(t, now.Add(6*time.Hour), next, "idle user with low change frequency waits the maximum")
}

func TestEnsureUserStartsConnectedServices(t *testing.T) {
	h := newHarness(t, domain.ServiceDrive, nil)
	ctx := context.Background()
	key := domain.SyncKey{UserID: "user-1", Service: domain.ServiceDrive}
	h.store.SetGrant("user-1", domain.ServiceDrive, "refresh-1")
	h.store.SetGrant("user-1", domain.ServiceGmail, "refresh-2")

	for i := 0; i < 3; i++ {
		h.tracker.RecordActivity("user-1", domain.ActivityGeneral)
	}
	started := h.sched.EnsureUser(ctx, "user-1")
	require.Equal(t, []domain.SyncKey{key}, started, "gmail has no syncer")
	require.True(t, h.sched.Running(key))
	require.Eventually(t, func() bool {
		state, err := h.store.GetSyncState(ctx, key)
		return err == nil && state.LastSyncAt != nil
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, h.sched.EnsureUser(ctx, "user-1"), "already running")

	require.NoError(t, h.sched.DeactivateUser(ctx, "user-1"))
	require.False(t, h.sched.Running(key))
	require.False(t, h.state(t, key).IsActive)
	require.Empty(t, h.sched.EnsureUser(ctx, "user-1"), "deactivated keys stay off")

	require.NoError(t, h.sched.Connect(ctx, key))
	require.True(t, h.sched.Running(key))
	require.True(t, h.state(t, key).IsActive)

	h.store.RevokeGrant("user-1", domain.ServiceDrive)
	h.sched.Stop(key)
	require.ErrorIs(t, h.sched.Connect(ctx, key), domain.ErrCredentialsMissing)
	require.False(t, h.sched.Running(key))
}
