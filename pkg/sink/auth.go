package sink

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// refreshFraction refreshes the token once this share of its lifetime has
// elapsed, so a token never expires mid-batch.
const refreshFraction = 0.8

// TokenProvider caches OAuth2 client-credential tokens and refreshes them
// proactively.
type TokenProvider struct {
	cfg *clientcredentials.Config

	mu        sync.Mutex
	token     *oauth2.Token
	fetchedAt time.Time
}

// NewTokenProvider builds a provider from the client credentials
func NewTokenProvider(clientID, clientSecret, tokenURL string) (*TokenProvider, error) {
	if clientID == "" || clientSecret == "" {
		return nil, types.Classifyf(types.ErrConfig, "sink credentials not set")
	}
	if tokenURL == "" {
		return nil, types.Classifyf(types.ErrConfig, "sink token url not set")
	}
	return &TokenProvider{
		cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		},
	}, nil
}

// Token returns a bearer token, fetching a fresh one when the cached token
// has passed the refresh threshold.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != nil && p.token.Valid() && !p.stale() {
		return p.token.AccessToken, nil
	}

	tok, err := p.cfg.Token(ctx)
	if err != nil {
		return "", types.Classifyf(types.ErrAuth, "token request failed: %v", err)
	}
	p.token = tok
	p.fetchedAt = time.Now()
	return tok.AccessToken, nil
}

// stale reports whether the cached token has lived past the refresh
// threshold. Tokens without an expiry never go stale.
func (p *TokenProvider) stale() bool {
	if p.token.Expiry.IsZero() {
		return false
	}
	lifetime := p.token.Expiry.Sub(p.fetchedAt)
	return time.Since(p.fetchedAt) > time.Duration(float64(lifetime)*refreshFraction)
}

// Invalidate drops the cached token. Called when the service rejects a
// request as unauthenticated despite a token we considered valid.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.token = nil
	p.mu.Unlock()
}
