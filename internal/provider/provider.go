// Package provider defines the per-service synchronization strategies.
package provider

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

// Batch is one page-complete set of changes plus the cursor covering them.
type Batch struct {
	Events     []domain.ExternalEvent
	NextCursor string
}

// Syncer is the uniform incremental/full contract of a service strategy.
type Syncer interface {
	Service() domain.ServiceType
	// SyncIncremental lists changes since cursor. A rejected or empty cursor
	// yields domain.ErrCursorInvalid.
	SyncIncremental(ctx context.Context, userID string, token *oauth2.Token, cursor string) (Batch, error)
	// SyncFull lists the current snapshot and returns a fresh cursor.
	SyncFull(ctx context.Context, userID string, token *oauth2.Token) (Batch, error)
}

// WatchRequest describes a push channel to register.
type WatchRequest struct {
	ChannelID string
	Address   string
	Token     string
	Cursor    string
	TTL       time.Duration
}

// Channel is a registered push channel.
type Channel struct {
	ChannelID          string
	ExternalResourceID string
	Expiration         time.Time
	ResumptionToken    string
}

// Watcher is implemented by services that support push notifications.
type Watcher interface {
	Watch(ctx context.Context, token *oauth2.Token, req WatchRequest) (Channel, error)
	Stop(ctx context.Context, token *oauth2.Token, ch Channel) error
}

// Registry selects a strategy by service type.
type Registry struct {
	syncers map[domain.ServiceType]Syncer
}

// NewRegistry registers the given syncers by their Service().
func NewRegistry(syncers ...Syncer) *Registry {
	r := &Registry{syncers: make(map[domain.ServiceType]Syncer, len(syncers))}
	for _, s := range syncers {
		r.syncers[s.Service()] = s
	}
	return r
}

// Syncer returns the strategy for service.
func (r *Registry) Syncer(service domain.ServiceType) (Syncer, error) {
	s, ok := r.syncers[service]
	if !ok {
		return nil, errors.Wrap(domain.ErrUnsupportedService, string(service))
	}
	return s, nil
}

// Watcher returns the push strategy for service, if it has one.
func (r *Registry) Watcher(service domain.ServiceType) (Watcher, bool) {
	s, ok := r.syncers[service]
	if !ok {
		return nil, false
	}
	w, ok := s.(Watcher)
	return w, ok
}

// Services lists the registered service types.
func (r *Registry) Services() []domain.ServiceType {
	out := make([]domain.ServiceType, 0, len(r.syncers))
	for _, svc := range domain.AllServices {
		if _, ok := r.syncers[svc]; ok {
			out = append(out, svc)
		}
	}
	return out
}
