// Package memstore is a thread-safe in-memory implementation of the
// persistence ports, used by tests and local development.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu            sync.Mutex
	states        map[domain.SyncKey]domain.UserSyncState
	subscriptions map[string]domain.WebhookSubscription
	meetings      map[string]domain.Meeting
	driveFiles    map[string]domain.DriveFile
	botJobs       map[string]domain.BotJob
	emails        map[string]domain.EmailMessage
	locks         map[string]domain.ProcessingLock
	grants        map[domain.SyncKey]string
	runs          []domain.SyncRun
	writes        int
}

var (
	_ domain.SyncStateStore    = (*Store)(nil)
	_ domain.SubscriptionStore = (*Store)(nil)
	_ domain.EntityStore       = (*Store)(nil)
	_ domain.LockStore         = (*Store)(nil)
	_ domain.CredentialStore   = (*Store)(nil)
	_ domain.RunLog            = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		states:        make(map[domain.SyncKey]domain.UserSyncState),
		subscriptions: make(map[string]domain.WebhookSubscription),
		meetings:      make(map[string]domain.Meeting),
		driveFiles:    make(map[string]domain.DriveFile),
		botJobs:       make(map[string]domain.BotJob),
		emails:        make(map[string]domain.EmailMessage),
		locks:         make(map[string]domain.ProcessingLock),
		grants:        make(map[domain.SyncKey]string),
	}
}

// EntityWrites counts entity create/update/delete calls.
func (s *Store) EntityWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// --- sync state ---

func (s *Store) GetSyncState(_ context.Context, key domain.SyncKey) (*domain.UserSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &state, nil
}

func (s *Store) UpsertSyncState(_ context.Context, state domain.UserSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = time.Now().UTC()
	s.states[state.Key()] = state
	return nil
}

func (s *Store) ListSyncStates(_ context.Context, userID string) ([]domain.UserSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserSyncState
	for _, state := range s.states {
		if state.UserID == userID {
			out = append(out, state)
		}
	}
	sortStates(out)
	return out, nil
}

func (s *Store) ListActiveSyncStates(_ context.Context) ([]domain.UserSyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserSyncState
	for _, state := range s.states {
		if state.IsActive {
			out = append(out, state)
		}
	}
	sortStates(out)
	return out, nil
}

func sortStates(states []domain.UserSyncState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].UserID != states[j].UserID {
			return states[i].UserID < states[j].UserID
		}
		return states[i].Service < states[j].Service
	})
}

// --- subscriptions ---

func (s *Store) ActiveSubscription(_ context.Context, key domain.SyncKey) (*domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.IsActive && sub.UserID == key.UserID && sub.Service == key.Service {
			return &sub, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) SubscriptionByChannel(_ context.Context, channelID string) (*domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subscriptions {
		if sub.ChannelID == channelID {
			return &sub, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListSubscriptions(_ context.Context, userID string) ([]domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookSubscription
	for _, sub := range s.subscriptions {
		if sub.UserID == userID {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiringSubscriptions(_ context.Context, before time.Time) ([]domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookSubscription
	for _, sub := range s.subscriptions {
		if sub.IsActive && sub.ExpirationTime.Before(before) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpirationTime.Before(out[j].ExpirationTime) })
	return out, nil
}

func (s *Store) InsertSubscription(_ context.Context, sub domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.IsActive && s.activeConflict(sub, "") {
		return errors.Errorf("active subscription exists for %s/%s", sub.Key(), sub.ResourceID)
	}
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return domain.ErrNotFound
	}
	s.subscriptions[sub.ID] = sub
	return nil
}

func (s *Store) ReplaceActive(_ context.Context, oldID string, next domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.subscriptions[oldID]; ok {
		old.IsActive = false
		old.State = domain.SubscriptionExpired
		old.UpdatedAt = time.Now().UTC()
		s.subscriptions[oldID] = old
	}
	if next.IsActive && s.activeConflict(next, oldID) {
		return errors.Errorf("active subscription exists for %s/%s", next.Key(), next.ResourceID)
	}
	s.subscriptions[next.ID] = next
	return nil
}

func (s *Store) activeConflict(sub domain.WebhookSubscription, ignoreID string) bool {
	for id, existing := range s.subscriptions {
		if id == ignoreID || id == sub.ID || !existing.IsActive {
			continue
		}
		if existing.UserID == sub.UserID && existing.Service == sub.Service && existing.ResourceID == sub.ResourceID {
			return true
		}
	}
	return false
}

// --- meetings ---

func (s *Store) FindMeetings(_ context.Context, userID, externalID string) ([]domain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Meeting
	for _, m := range s.meetings {
		if m.UserID == userID && m.ExternalID == externalID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetMeeting(_ context.Context, userID, id string) (*domain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok || m.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return &m, nil
}

func (s *Store) CreateMeeting(_ context.Context, m domain.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.ID] = m
	s.writes++
	return nil
}

func (s *Store) UpdateMeeting(_ context.Context, m domain.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meetings[m.ID]; !ok {
		return domain.ErrNotFound
	}
	s.meetings[m.ID] = m
	s.writes++
	return nil
}

func (s *Store) DeleteMeeting(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meetings, id)
	s.writes++
	return nil
}

// --- drive files ---

func (s *Store) FindDriveFiles(_ context.Context, userID, externalID string) ([]domain.DriveFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DriveFile
	for _, f := range s.driveFiles {
		if f.UserID == userID && f.ExternalID == externalID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateDriveFile(_ context.Context, f domain.DriveFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driveFiles[f.ID] = f
	s.writes++
	return nil
}

func (s *Store) UpdateDriveFile(_ context.Context, f domain.DriveFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.driveFiles[f.ID]; !ok {
		return domain.ErrNotFound
	}
	s.driveFiles[f.ID] = f
	s.writes++
	return nil
}

func (s *Store) DeleteDriveFile(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.driveFiles, id)
	s.writes++
	return nil
}

// --- bot jobs ---

func (s *Store) FindBotJobs(_ context.Context, userID, externalID string) ([]domain.BotJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BotJob
	for _, b := range s.botJobs {
		if b.UserID == userID && b.ExternalID == externalID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateBotJob(_ context.Context, b domain.BotJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botJobs[b.ID] = b
	s.writes++
	return nil
}

func (s *Store) UpdateBotJob(_ context.Context, b domain.BotJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.botJobs[b.ID]; !ok {
		return domain.ErrNotFound
	}
	s.botJobs[b.ID] = b
	s.writes++
	return nil
}

func (s *Store) DeleteBotJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.botJobs, id)
	s.writes++
	return nil
}

// --- emails ---

func (s *Store) FindEmails(_ context.Context, userID, externalID string) ([]domain.EmailMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EmailMessage
	for _, e := range s.emails {
		if e.UserID == userID && e.ExternalID == externalID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateEmail(_ context.Context, e domain.EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[e.ID] = e
	s.writes++
	return nil
}

func (s *Store) UpdateEmail(_ context.Context, e domain.EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.emails[e.ID]; !ok {
		return domain.ErrNotFound
	}
	s.emails[e.ID] = e
	s.writes++
	return nil
}

func (s *Store) DeleteEmail(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.emails, id)
	s.writes++
	return nil
}

// --- locks ---

func (s *Store) AcquireLock(_ context.Context, lock domain.ProcessingLock) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[lock.ExternalMessageID]; ok && !existing.Expired(lock.CreatedAt) {
		return false, nil
	}
	s.locks[lock.ExternalMessageID] = lock
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[id]; ok && existing.Token == token {
		delete(s.locks, id)
	}
	return nil
}

func (s *Store) PurgeLocks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, lock := range s.locks {
		if lock.Expired(now) {
			delete(s.locks, id)
			purged++
		}
	}
	return purged, nil
}

// --- credentials ---

// SetGrant stores a refresh token for a user and service.
func (s *Store) SetGrant(userID string, service domain.ServiceType, refreshToken string) {
	s.mu.Lock()
	s.grants[domain.SyncKey{UserID: userID, Service: service}] = refreshToken
	s.mu.Unlock()
}

// RevokeGrant removes a stored refresh token.
func (s *Store) RevokeGrant(userID string, service domain.ServiceType) {
	s.mu.Lock()
	delete(s.grants, domain.SyncKey{UserID: userID, Service: service})
	s.mu.Unlock()
}

func (s *Store) RefreshToken(_ context.Context, userID string, service domain.ServiceType) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.grants[domain.SyncKey{UserID: userID, Service: service}]
	if !ok {
		return "", errors.Wrapf(domain.ErrCredentialsMissing, "%s/%s", userID, service)
	}
	return tok, nil
}

func (s *Store) ConnectedServices(_ context.Context, userID string) ([]domain.ServiceType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ServiceType
	for _, svc := range domain.AllServices {
		if _, ok := s.grants[domain.SyncKey{UserID: userID, Service: svc}]; ok {
			out = append(out, svc)
		}
	}
	return out, nil
}

// --- run log ---

func (s *Store) AppendRun(_ context.Context, run domain.SyncRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// Runs returns a copy of the appended sync runs.
func (s *Store) Runs() []domain.SyncRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SyncRun(nil), s.runs...)
}
