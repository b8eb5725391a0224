// Package credentials supplies valid access tokens per user and service.
package credentials

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/allan-cais/besunny-ai-sub006/internal/domain"
	"github.com/allan-cais/besunny-ai-sub006/internal/retry"
)

// expiryLeeway is how long before expiry a cached token is considered stale.
const expiryLeeway = 60 * time.Second

// Provider returns a valid access token for a user and service.
type Provider interface {
	GetValidToken(ctx context.Context, userID string, service domain.ServiceType) (*oauth2.Token, error)
}

// GoogleScopes are the read scopes requested for the Google integrations.
var GoogleScopes = []string{
	"https://www.googleapis.com/auth/calendar.readonly",
	"https://www.googleapis.com/auth/drive.readonly",
	"https://www.googleapis.com/auth/gmail.readonly",
}

// GoogleConfig builds the OAuth client configuration for Google services.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       GoogleScopes,
	}
}

// Option configures an OAuthProvider.
type Option func(*OAuthProvider)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *OAuthProvider) {
		p.logger = logger
	}
}

// WithRetryPolicy overrides the refresh retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *OAuthProvider) {
		p.retry = policy
	}
}

// WithClock overrides the time source used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(p *OAuthProvider) {
		p.now = now
	}
}

// WithHTTPClient sets the client used for token exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(p *OAuthProvider) {
		p.client = client
	}
}

// OAuthProvider refreshes tokens from stored refresh tokens and caches them
// until shortly before expiry.
type OAuthProvider struct {
	config *oauth2.Config
	store  domain.CredentialStore
	logger *zap.Logger
	retry  retry.Policy
	now    func() time.Time
	client *http.Client

	mu    sync.Mutex
	cache map[domain.SyncKey]*oauth2.Token
}

// NewOAuthProvider constructs an OAuthProvider.
func NewOAuthProvider(config *oauth2.Config, store domain.CredentialStore, opts ...Option) *OAuthProvider {
	p := &OAuthProvider{
		config: config,
		store:  store,
		logger: zap.NewNop(),
		retry:  retry.DefaultPolicy(),
		now:    time.Now,
		cache:  make(map[domain.SyncKey]*oauth2.Token),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetValidToken returns a cached token or exchanges the stored refresh token.
func (p *OAuthProvider) GetValidToken(ctx context.Context, userID string, service domain.ServiceType) (*oauth2.Token, error) {
	key := domain.SyncKey{UserID: userID, Service: service}
	if tok := p.cached(key); tok != nil {
		return tok, nil
	}

	refresh, err := p.store.RefreshToken(ctx, userID, service)
	if err != nil {
		return nil, err
	}
	if refresh == "" {
		return nil, errors.Wrapf(domain.ErrCredentialsMissing, "%s has no refresh token", key)
	}

	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}

	var tok *oauth2.Token
	err = retry.Do(ctx, p.retry, func(ctx context.Context) error {
		fresh, err := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
		if err != nil {
			return classifyRefreshError(err)
		}
		tok = fresh
		return nil
	}, retry.WithLogger(p.logger), retry.WithName("oauth_refresh"))
	if err != nil {
		p.logger.Warn("token refresh failed",
			zap.String("user_id", userID),
			zap.String("service", string(service)),
			zap.Error(err))
		return nil, err
	}

	p.mu.Lock()
	p.cache[key] = tok
	p.mu.Unlock()
	return tok, nil
}

// Invalidate drops the cached token for the key.
func (p *OAuthProvider) Invalidate(userID string, service domain.ServiceType) {
	p.mu.Lock()
	delete(p.cache, domain.SyncKey{UserID: userID, Service: service})
	p.mu.Unlock()
}

func (p *OAuthProvider) cached(key domain.SyncKey) *oauth2.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, ok := p.cache[key]
	if !ok {
		return nil
	}
	if tok.Expiry.IsZero() || p.now().Add(expiryLeeway).Before(tok.Expiry) {
		return tok
	}
	delete(p.cache, key)
	return nil
}

func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return errors.Wrap(domain.ErrUpstreamTransient, retrieveErr.Error())
		}
		return errors.Wrap(domain.ErrRefreshFailed, retrieveErr.Error())
	}
	if domain.IsTransient(err) {
		return err
	}
	return errors.Wrap(domain.ErrRefreshFailed, err.Error())
}

// StaticProvider hands out a fixed bearer token, used for vendor APIs keyed
// by an API key rather than a per-user grant.
type StaticProvider struct {
	Token string
}

// GetValidToken returns the static token.
func (s StaticProvider) GetValidToken(_ context.Context, _ string, service domain.ServiceType) (*oauth2.Token, error) {
	if s.Token == "" {
		return nil, errors.Wrapf(domain.ErrCredentialsMissing, "no api key for %s", service)
	}
	return &oauth2.Token{AccessToken: s.Token, TokenType: "Token"}, nil
}

// Router selects a Provider per service.
type Router map[domain.ServiceType]Provider

// GetValidToken delegates to the provider registered for service.
func (r Router) GetValidToken(ctx context.Context, userID string, service domain.ServiceType) (*oauth2.Token, error) {
	provider, ok := r[service]
	if !ok {
		return nil, errors.Wrapf(domain.ErrCredentialsMissing, "no credential provider for %s", service)
	}
	return provider.GetValidToken(ctx, userID, service)
}
