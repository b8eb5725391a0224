package activity

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
	return NewTracker(WithClock(clock.Now)), clock
}

func TestCurrentLevelNoSamplesIsIdle(t *testing.T) {
	tracker, _ := newTestTracker()
	require.Equal(t, domain.ActivityIdle, tracker.CurrentLevel("user-1"))
}

func TestCurrentLevelBuckets(t *testing.T) {
	tracker, clock := newTestTracker()

	tracker.RecordActivity("user-1", domain.ActivityGeneral)
	require.Equal(t, domain.ActivityLow, tracker.CurrentLevel("user-1"))

	clock.Advance(30 * time.Second)
	tracker.RecordActivity("user-1", domain.ActivityCalendarView)
	require.Equal(t, domain.ActivityMedium, tracker.CurrentLevel("user-1"))

	clock.Advance(30 * time.Second)
	tracker.RecordActivity("user-1", domain.ActivityGeneral)
	require.Equal(t, domain.ActivityHigh, tracker.CurrentLevel("user-1"))
}

func TestLevelDecaysOverWindow(t *testing.T) {
	tracker, clock := newTestTracker()
	for i := 0; i < 3; i++ {
		tracker.RecordActivity("user-1", domain.ActivityGeneral)
		clock.Advance(40 * time.Second)
	}
	require.Equal(t, domain.ActivityHigh, tracker.CurrentLevel("user-1"))

	// 3 samples at half weight.
	clock.Advance(8 * time.Minute)
	require.Equal(t, domain.ActivityMedium, tracker.CurrentLevel("user-1"))

	// 3 samples at quarter weight.
	clock.Advance(10 * time.Minute)
	require.Equal(t, domain.ActivityLow, tracker.CurrentLevel("user-1"))

	clock.Advance(40 * time.Minute)
	require.Equal(t, domain.ActivityIdle, tracker.CurrentLevel("user-1"))
}

func TestRingIsBounded(t *testing.T) {
	tracker, clock := newTestTracker()
	for i := 0; i < RingCapacity*2; i++ {
		tracker.RecordActivity("user-1", domain.ActivityAppLoad)
		clock.Advance(time.Second)
	}
	snap := tracker.Snapshot("user-1")
	require.Len(t, snap.Samples, RingCapacity)
	require.Equal(t, clock.Now().Add(-time.Second), snap.Samples[len(snap.Samples)-1].At)
}

func TestVirtualEmailMarker(t *testing.T) {
	tracker, clock := newTestTracker()
	require.False(t, tracker.HasRecentVirtualEmail("user-1", 10*time.Minute))

	tracker.RecordActivity("user-1", domain.ActivityVirtualEmailDetected)
	require.True(t, tracker.HasRecentVirtualEmail("user-1", 10*time.Minute))

	clock.Advance(11 * time.Minute)
	require.False(t, tracker.HasRecentVirtualEmail("user-1", 10*time.Minute))
	require.Equal(t, 1, tracker.Snapshot("user-1").VirtualEmails)
}

func TestForgetAndUsersAreIsolated(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.RecordActivity("user-1", domain.ActivityGeneral)
	tracker.RecordActivity("user-2", "unknown-kind")

	require.Equal(t, domain.ActivityLow, tracker.CurrentLevel("user-2"))
	require.Equal(t, domain.ActivityGeneral, tracker.Snapshot("user-2").Samples[0].Kind)

	tracker.Forget("user-1")
	require.Equal(t, domain.ActivityIdle, tracker.CurrentLevel("user-1"))
	require.Equal(t, domain.ActivityLow, tracker.CurrentLevel("user-2"))
}

func TestConcurrentRecording(t *testing.T) {
	tracker := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tracker.RecordActivity("user-1", domain.ActivityGeneral)
				_ = tracker.CurrentLevel("user-1")
			}
		}()
	}
	wg.Wait()
	require.Equal(t, domain.ActivityHigh, tracker.CurrentLevel("user-1"))
}
