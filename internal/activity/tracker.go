// Package activity turns user interaction signals into a decaying activity level.
package activity

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

const (
	// Window is the trailing span over which samples contribute to the level.
	Window = 30 * time.Minute
	// RingCapacity bounds the samples kept per user.
	RingCapacity = 64
)

// Sample is one recorded user interaction.
type Sample struct {
	Kind domain.ActivityKind `json:"kind"`
	At   time.Time           `json:"at"`
}

// Snapshot describes a user's current activity for the status endpoint.
type Snapshot struct {
	Level            domain.ActivityLevel `json:"level"`
	Score            float64              `json:"score"`
	Samples          []Sample             `json:"samples"`
	LastVirtualEmail *time.Time           `json:"last_virtual_email,omitempty"`
	VirtualEmails    int                  `json:"virtual_emails"`
}

type userRing struct {
	samples          [RingCapacity]Sample
	next             int
	size             int
	lastVirtualEmail time.Time
	virtualEmails    int
}

func (r *userRing) push(s Sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % RingCapacity
	if r.size < RingCapacity {
		r.size++
	}
}

// ordered returns the samples oldest first.
func (r *userRing) ordered() []Sample {
	out := make([]Sample, 0, r.size)
	start := (r.next - r.size + RingCapacity) % RingCapacity
	for i := 0; i < r.size; i++ {
		out = append(out, r.samples[(start+i)%RingCapacity])
	}
	return out
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// Tracker keeps an in-memory ring of recent samples per user. State is not
// persisted and starts empty after a restart.
type Tracker struct {
	mu     sync.Mutex
	users  map[string]*userRing
	now    func() time.Time
	logger *zap.Logger
}

// NewTracker constructs an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		users:  make(map[string]*userRing),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordActivity appends a sample for userID. It never blocks on I/O and
// never fails; unknown kinds are recorded as general activity.
func (t *Tracker) RecordActivity(userID string, kind domain.ActivityKind) {
	if userID == "" {
		return
	}
	if !kind.Valid() {
		t.logger.Debug("unknown activity kind recorded as general", zap.String("kind", string(kind)))
		kind = domain.ActivityGeneral
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.users[userID]
	if !ok {
		ring = &userRing{}
		t.users[userID] = ring
	}
	ring.push(Sample{Kind: kind, At: now})
	if kind == domain.ActivityVirtualEmailDetected {
		ring.lastVirtualEmail = now
		ring.virtualEmails++
	}
}

// CurrentLevel buckets the weighted sample count in the trailing window.
func (t *Tracker) CurrentLevel(userID string) domain.ActivityLevel {
	return levelFor(t.score(userID))
}

// HasRecentVirtualEmail reports whether a virtual-inbox email was detected
// within cooldown.
func (t *Tracker) HasRecentVirtualEmail(userID string, cooldown time.Duration) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.users[userID]
	if !ok || ring.lastVirtualEmail.IsZero() {
		return false
	}
	return now.Sub(ring.lastVirtualEmail) < cooldown
}

// Forget drops all samples for userID.
func (t *Tracker) Forget(userID string) {
	t.mu.Lock()
	delete(t.users, userID)
	t.mu.Unlock()
}

// Snapshot returns a copy of the user's samples inside the window.
func (t *Tracker) Snapshot(userID string) Snapshot {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{Level: domain.ActivityIdle, Samples: []Sample{}}
	ring, ok := t.users[userID]
	if !ok {
		return snap
	}
	for _, s := range ring.ordered() {
		if now.Sub(s.At) < Window {
			snap.Samples = append(snap.Samples, s)
		}
	}
	snap.Score = weightedScore(ring, now)
	snap.Level = levelFor(snap.Score)
	snap.VirtualEmails = ring.virtualEmails
	if !ring.lastVirtualEmail.IsZero() {
		last := ring.lastVirtualEmail
		snap.LastVirtualEmail = &last
	}
	return snap
}

func (t *Tracker) score(userID string) float64 {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.users[userID]
	if !ok {
		return 0
	}
	return weightedScore(ring, now)
}

func weightedScore(ring *userRing, now time.Time) float64 {
	var score float64
	for _, s := range ring.ordered() {
		score += weight(now.Sub(s.At))
	}
	return score
}

func weight(age time.Duration) float64 {
	switch {
	case age < 0:
		return 1
	case age < 5*time.Minute:
		return 1
	case age < 15*time.Minute:
		return 0.5
	case age < Window:
		return 0.25
	default:
		return 0
	}
}

func levelFor(score float64) domain.ActivityLevel {
	switch {
	case score >= 3:
		return domain.ActivityHigh
	case score >= 1.5:
		return domain.ActivityMedium
	case score > 0:
		return domain.ActivityLow
	default:
		return domain.ActivityIdle
	}
}
