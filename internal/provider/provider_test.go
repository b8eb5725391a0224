package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
)

type pollOnly struct{ svc domain.ServiceType }

func (p pollOnly) Service() domain.ServiceType { return p.svc }
func (p pollOnly) SyncIncremental(context.Context, string, *oauth2.Token, string) (Batch, error) {
	return Batch{}, nil
}
func (p pollOnly) SyncFull(context.Context, string, *oauth2.Token) (Batch, error) {
	return Batch{}, nil
}

type pushable struct{ pollOnly }

func (pushable) Watch(context.Context, *oauth2.Token, WatchRequest) (Channel, error) {
	return Channel{}, nil
}
func (pushable) Stop(context.Context, *oauth2.Token, Channel) error { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry(pollOnly{domain.ServiceGmail}, pushable{pollOnly{domain.ServiceCalendar}})

	s, err := r.Syncer(domain.ServiceGmail)
	require.NoError(t, err)
	require.Equal(t, domain.ServiceGmail, s.Service())

	_, err = r.Syncer(domain.ServiceDrive)
	require.ErrorIs(t, err, domain.ErrUnsupportedService)

	_, ok := r.Watcher(domain.ServiceGmail)
	require.False(t, ok)
	_, ok = r.Watcher(domain.ServiceCalendar)
	require.True(t, ok)

	require.Equal(t, []domain.ServiceType{domain.ServiceCalendar, domain.ServiceGmail}, r.Services())
}
