// Package scheduler runs the adaptive polling loop for every active
// (user, service) pair.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/activity"
	"github.com/allan-cais/besunny-ai-sub006/internal/credentials"
	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/events"
	"github.com/allan-cais/besunny-ai-sub006/internal/interval"
	"github.com/allan-cais/besunny-ai-sub006/internal/notify"
	"github.com/allan-cais/besunny-ai-sub006/internal/observability"
	"github.com/allan-cais/besunny-ai-sub006/internal/provider"
)

// Reconciler applies fetched events to the entity store.
type Reconciler interface {
	Reconcile(ctx context.Context, userID string, events []domain.ExternalEvent) (domain.ReconcileCounts, error)
}

// Subscriptions is the part of the webhook registry the scheduler consults.
type Subscriptions interface {
	Active(ctx context.Context, key domain.SyncKey) (*domain.WebhookSubscription, error)
	RecordFailure(ctx context.Context, key domain.SyncKey, consecutive int) (*domain.WebhookSubscription, error)
	Unregister(ctx context.Context, key domain.SyncKey) error
	Ensure(ctx context.Context, key domain.SyncKey) (*domain.WebhookSubscription, error)
}

// Connections lists the services a user has granted access to.
type Connections interface {
	ConnectedServices(ctx context.Context, userID string) ([]domain.ServiceType, error)
}

type invalidator interface {
	Invalidate(userID string, service domain.ServiceType)
}

// DefaultQuietWindows is how long a received push suppresses polling.
func DefaultQuietWindows() map[domain.ServiceType]time.Duration {
	return map[domain.ServiceType]time.Duration{
		domain.ServiceCalendar: 6 * time.Hour,
		domain.ServiceDrive:    time.Hour,
		domain.ServiceGmail:    30 * time.Minute,
		domain.ServiceAttendee: 15 * time.Minute,
	}
}

// Config tunes the scheduler.
type Config struct {
	Policy              interval.Policy
	QuietWindows        map[domain.ServiceType]time.Duration
	RefreshFailureLimit int
	CallTimeout         time.Duration
	PublishTimeout      time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Policy:              interval.DefaultPolicy(),
		QuietWindows:        DefaultQuietWindows(),
		RefreshFailureLimit: 3,
		CallTimeout:         30 * time.Second,
		PublishTimeout:      10 * time.Second,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithSubscriptions enables quiet-window suppression and failure escalation.
func WithSubscriptions(subs Subscriptions) Option {
	return func(s *Scheduler) {
		s.subs = subs
	}
}

// WithBus sets where cycle summaries are published.
func WithBus(bus notify.Bus) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// WithConnections lets activity and manual polls start workers for services
// the user connected after boot. Services listed in implicit need no grant.
func WithConnections(conns Connections, implicit ...domain.ServiceType) Option {
	return func(s *Scheduler) {
		s.conns = conns
		s.implicit = implicit
	}
}

// WithConfig overrides the tuning.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		s.cfg = cfg
	}
}

type worker struct {
	key   domain.SyncKey
	ctx   context.Context
	timer *time.Timer
	next  time.Time
}

// Scheduler owns one worker per (user, service). A worker's timer fires a
// cycle, and the cycle reschedules the worker with an interval derived from
// the user's activity.
type Scheduler struct {
	providers  *provider.Registry
	creds      credentials.Provider
	states     domain.SyncStateStore
	reconciler Reconciler
	tracker    *activity.Tracker
	subs       Subscriptions
	conns      Connections
	implicit   []domain.ServiceType
	bus        notify.Bus
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	workers  map[domain.SyncKey]*worker
	guards   map[domain.SyncKey]*keyGuard
	base     context.Context
	closed   bool
	inflight sync.WaitGroup
}

// New constructs a Scheduler.
func New(
	providers *provider.Registry,
	creds credentials.Provider,
	states domain.SyncStateStore,
	reconciler Reconciler,
	tracker *activity.Tracker,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		providers:  providers,
		creds:      creds,
		states:     states,
		reconciler: reconciler,
		tracker:    tracker,
		bus:        notify.Nop{},
		cfg:        DefaultConfig(),
		logger:     zap.NewNop(),
		now:        time.Now,
		workers:    make(map[domain.SyncKey]*worker),
		guards:     make(map[domain.SyncKey]*keyGuard),
		base:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap starts a worker for every active sync state. Workers started
// later from requests run under ctx as well.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	states, err := s.states.ListActiveSyncStates(ctx)
	if err != nil {
		return errors.Wrap(err, "list active sync states")
	}
	started := 0
	for _, state := range states {
		if _, err := s.providers.Syncer(state.Service); err != nil {
			continue
		}
		if err := s.Start(ctx, state.Key()); err != nil {
			s.logger.Warn("start worker", zap.Stringer("key", state.Key()), zap.Error(err))
			continue
		}
		started++
	}
	s.logger.Info("scheduler bootstrapped", zap.Int("workers", started))
	return nil
}

// Start activates key, creating its sync state on first use, and schedules
// its first cycle. Starting a running key is a no-op. Cycles run under ctx.
func (s *Scheduler) Start(ctx context.Context, key domain.SyncKey) error {
	if _, err := s.providers.Syncer(key.Service); err != nil {
		return err
	}
	state, err := s.loadState(ctx, key)
	if err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() || !state.IsActive || state.Status != domain.IntegrationConnected {
		state.IsActive = true
		state.Status = domain.IntegrationConnected
		state.ConsecutiveFailures = 0
		state.RefreshFailures = 0
		if err := s.states.UpsertSyncState(ctx, state); err != nil {
			return errors.Wrapf(err, "activate %s", key)
		}
	}

	delay := time.Duration(0)
	if state.LastSyncAt != nil {
		delay = s.intervalFor(state) - s.now().Sub(*state.LastSyncAt)
		if delay < 0 {
			delay = 0
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("scheduler is shut down")
	}
	if _, ok := s.workers[key]; ok {
		return nil
	}
	w := &worker{key: key, ctx: ctx}
	s.workers[key] = w
	s.armLocked(w, delay)
	observability.SetWorkers(len(s.workers))
	s.logger.Debug("worker started", zap.Stringer("key", key), zap.Duration("first_run_in", delay))
	return nil
}

// Stop cancels the timer for key. A cycle already running finishes.
func (s *Scheduler) Stop(key domain.SyncKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(key)
}

// StopUser stops every worker of userID and forgets the user's activity.
func (s *Scheduler) StopUser(userID string) {
	s.mu.Lock()
	for key := range s.workers {
		if key.UserID == userID {
			s.stopLocked(key)
		}
	}
	s.mu.Unlock()
	s.tracker.Forget(userID)
}

// Deactivate stops key, marks its state inactive so Bootstrap and
// EnsureUser skip it, and closes its push channel.
func (s *Scheduler) Deactivate(ctx context.Context, key domain.SyncKey) error {
	s.Stop(key)
	state, err := s.loadState(ctx, key)
	if err != nil {
		return err
	}
	state.IsActive = false
	if err := s.states.UpsertSyncState(ctx, state); err != nil {
		return errors.Wrapf(err, "deactivate %s", key)
	}
	if s.subs != nil {
		if err := s.subs.Unregister(ctx, key); err != nil {
			s.logger.Warn("unregister webhook", zap.Stringer("key", key), zap.Error(err))
		}
	}
	return nil
}

// DeactivateUser deactivates every service of userID and forgets the
// user's activity.
func (s *Scheduler) DeactivateUser(ctx context.Context, userID string) error {
	keys := s.userKeys(ctx, userID)
	s.StopUser(userID)
	var errs error
	for _, key := range keys {
		errs = multierr.Append(errs, s.Deactivate(ctx, key))
	}
	return errs
}

// EnsureUser starts a worker for every service userID has connected that
// has a syncer, is not running yet, and was not deactivated. A push channel
// is opened for each started key in the background. It returns the keys it
// started.
func (s *Scheduler) EnsureUser(ctx context.Context, userID string) []domain.SyncKey {
	services := s.connected(ctx, userID)
	var started []domain.SyncKey
	for _, svc := range services {
		key := domain.SyncKey{UserID: userID, Service: svc}
		if s.Running(key) {
			continue
		}
		if _, err := s.providers.Syncer(svc); err != nil {
			continue
		}
		state, err := s.states.GetSyncState(ctx, key)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("load sync state", zap.Stringer("key", key), zap.Error(err))
			continue
		}
		if state != nil && (!state.IsActive || state.Status == domain.IntegrationDisconnected) {
			continue
		}
		if err := s.Start(s.baseContext(), key); err != nil {
			s.logger.Warn("start worker", zap.Stringer("key", key), zap.Error(err))
			continue
		}
		started = append(started, key)
		s.openChannel(key)
	}
	return started
}

// Connect reactivates key after the user granted or re-granted access. It
// clears a disconnected or deactivated state and starts the worker.
func (s *Scheduler) Connect(ctx context.Context, key domain.SyncKey) error {
	if _, err := s.providers.Syncer(key.Service); err != nil {
		return err
	}
	if !containsService(s.connected(ctx, key.UserID), key.Service) {
		return errors.Wrapf(domain.ErrCredentialsMissing, "%s", key)
	}
	if err := s.Start(s.baseContext(), key); err != nil {
		return err
	}
	s.openChannel(key)
	return nil
}

// Running reports whether key has a scheduled worker.
func (s *Scheduler) Running(key domain.SyncKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[key]
	return ok
}

// NextRun returns when key's next timer cycle fires.
func (s *Scheduler) NextRun(key domain.SyncKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[key]
	if !ok {
		return time.Time{}, false
	}
	return w.next, true
}

// Shutdown stops all timers and waits for in-flight cycles and publishes.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for key := range s.workers {
		s.stopLocked(key)
	}
	s.mu.Unlock()
	s.inflight.Wait()
}

// Wait blocks until in-flight cycles and publishes complete.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// PollNow runs a cycle for each of the user's services immediately,
// bypassing the quiet window. Connected services without a worker are
// started first. A service whose cycle is already running reports busy and
// reruns once that cycle finishes.
func (s *Scheduler) PollNow(ctx context.Context, userID string) []domain.SyncResult {
	s.EnsureUser(ctx, userID)
	keys := s.userKeys(ctx, userID)
	results := make([]domain.SyncResult, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key domain.SyncKey) {
			defer wg.Done()
			results[i] = s.RunCycle(ctx, key, domain.TriggerManual)
		}(i, key)
	}
	wg.Wait()
	return results
}

// NextInterval recomputes the polling interval for key from the user's
// current activity level.
func (s *Scheduler) NextInterval(ctx context.Context, key domain.SyncKey) time.Duration {
	state, err := s.loadState(ctx, key)
	if err != nil {
		state = s.newState(key)
	}
	return s.intervalFor(state)
}

func (s *Scheduler) intervalFor(state domain.UserSyncState) time.Duration {
	return interval.TargetInterval(
		s.cfg.Policy,
		s.tracker.CurrentLevel(state.UserID),
		state.ChangeFrequency,
		s.tracker.HasRecentVirtualEmail(state.UserID, s.cfg.Policy.VirtualEmailCooldown),
	)
}

func (s *Scheduler) userKeys(ctx context.Context, userID string) []domain.SyncKey {
	seen := make(map[domain.SyncKey]bool)
	s.mu.Lock()
	for key := range s.workers {
		if key.UserID == userID {
			seen[key] = true
		}
	}
	s.mu.Unlock()

	states, err := s.states.ListSyncStates(ctx, userID)
	if err != nil {
		s.logger.Warn("list sync states", zap.String("user_id", userID), zap.Error(err))
	}
	for _, state := range states {
		if state.IsActive {
			seen[state.Key()] = true
		}
	}

	keys := make([]domain.SyncKey, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Service < keys[j].Service })
	return keys
}

func (s *Scheduler) guard(key domain.SyncKey) *keyGuard {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guards[key]
	if !ok {
		g = &keyGuard{}
		s.guards[key] = g
	}
	return g
}

// enter registers in-flight work unless the scheduler is shut down. The
// check and the Add happen under s.mu, as does Shutdown's close.
func (s *Scheduler) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

func (s *Scheduler) connected(ctx context.Context, userID string) []domain.ServiceType {
	if s.conns == nil {
		return nil
	}
	services, err := s.conns.ConnectedServices(ctx, userID)
	if err != nil {
		s.logger.Warn("list connected services", zap.String("user_id", userID), zap.Error(err))
	}
	for _, svc := range s.implicit {
		if !containsService(services, svc) {
			services = append(services, svc)
		}
	}
	return services
}

// openChannel registers a push channel for key without blocking the caller.
func (s *Scheduler) openChannel(key domain.SyncKey) {
	if s.subs == nil || !s.enter() {
		return
	}
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(s.baseContext(), s.cfg.CallTimeout)
		defer cancel()
		if _, err := s.subs.Ensure(ctx, key); err != nil {
			s.logger.Warn("register webhook", zap.Stringer("key", key), zap.Error(err))
		}
	}()
}

func containsService(services []domain.ServiceType, svc domain.ServiceType) bool {
	for _, have := range services {
		if have == svc {
			return true
		}
	}
	return false
}

func (s *Scheduler) armLocked(w *worker, delay time.Duration) {
	w.next = s.now().Add(delay)
	w.timer = time.AfterFunc(delay, func() { s.tick(w) })
}

func (s *Scheduler) stopLocked(key domain.SyncKey) {
	w, ok := s.workers[key]
	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	delete(s.workers, key)
	observability.SetWorkers(len(s.workers))
}

func (s *Scheduler) tick(w *worker) {
	if w.ctx.Err() != nil {
		s.Stop(w.key)
		return
	}
	res := s.RunCycle(w.ctx, w.key, domain.TriggerTimer)
	if res.SkipCause == domain.SkipDisconnected {
		return
	}
	next := s.NextInterval(w.ctx, w.key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.workers[w.key]; !ok || current != w || s.closed {
		return
	}
	s.armLocked(w, next)
}

func (s *Scheduler) loadState(ctx context.Context, key domain.SyncKey) (domain.UserSyncState, error) {
	state, err := s.states.GetSyncState(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return s.newState(key), nil
	}
	if err != nil {
		return domain.UserSyncState{}, errors.Wrapf(err, "load sync state %s", key)
	}
	return *state, nil
}

func (s *Scheduler) newState(key domain.SyncKey) domain.UserSyncState {
	change := interval.DefaultChangeFrequency(key.Service)
	return domain.UserSyncState{
		UserID:          key.UserID,
		Service:         key.Service,
		ChangeFrequency: change,
		SyncFrequency:   interval.FrequencyFor(interval.TargetInterval(s.cfg.Policy, domain.ActivityIdle, change, false)),
		IsActive:        true,
		Status:          domain.IntegrationConnected,
	}
}

// publish must be called from inside a cycle, which holds an inflight slot.
func (s *Scheduler) publish(result domain.SyncResult) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		defer cancel()
		if err := s.bus.Publish(ctx, events.FromResult(result)); err != nil {
			s.logger.Warn("publish sync summary",
				zap.Stringer("key", result.Key),
				zap.Error(err),
			)
		}
	}()
}
