package scheduler

import (
	"sync"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// keyGuard serialises cycles for one key. A non-timer trigger that arrives
// while a cycle runs is remembered and handed to the running owner, so a
// push never lands between a fetch and the cursor update unseen.
type keyGuard struct {
	mu      sync.Mutex
	running bool
	pending domain.Trigger
}

// acquire claims the key. When it is already claimed, a webhook or manual
// trigger is queued for a rerun and queued reports true.
func (g *keyGuard) acquire(trigger domain.Trigger) (ok, queued bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		g.running = true
		return true, false
	}
	if trigger == domain.TriggerTimer {
		return false, false
	}
	if g.pending == "" || trigger == domain.TriggerWebhook {
		g.pending = trigger
	}
	return false, true
}

// release hands the queued trigger to the caller, who keeps the claim, or
// frees the key when nothing is queued.
func (g *keyGuard) release() (domain.Trigger, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != "" {
		next := g.pending
		g.pending = ""
		return next, true
	}
	g.running = false
	return "", false
}

// reset frees the key and drops anything queued.
func (g *keyGuard) reset() {
	g.mu.Lock()
	g.running = false
	g.pending = ""
	g.mu.Unlock()
}
