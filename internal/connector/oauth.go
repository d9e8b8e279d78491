package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/callpulse/callpulse/internal/clock"
	"github.com/callpulse/callpulse/internal/sink"
)

// tokenSafetyMargin is subtracted from expires_in so a token is refreshed
// before the vendor rejects it mid-request.
const tokenSafetyMargin = 30 * time.Second

// ErrNoToken means the OAuth response carried no access_token.
var ErrNoToken = errors.New("connector: oauth response missing access_token")

// TokenSource fetches and caches a client-credentials token. A cached
// token is reused until 30 seconds before its expiry; Invalidate drops it
// early, which the HTTP client does on any 401.
type TokenSource struct {
	client       *sink.Client
	tokenURL     string
	clientID     string
	clientSecret string
	clk          clock.Clock
	log          *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenSource creates a TokenSource against {loginBaseURL}/oauth/token.
func NewTokenSource(client *sink.Client, loginBaseURL, clientID, clientSecret string, clk clock.Clock, log *slog.Logger) *TokenSource {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = slog.Default()
	}
	return &TokenSource{
		client:       client,
		tokenURL:     trimBaseURL(loginBaseURL) + "/oauth/token",
		clientID:     clientID,
		clientSecret: clientSecret,
		clk:          clk,
		log:          log,
	}
}

// Token returns a valid access token, fetching a fresh one when the cache
// is empty or inside the safety margin.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.clk.Now().Before(t.expiresAt.Add(-tokenSafetyMargin)) {
		return t.token, nil
	}

	credentials := base64.StdEncoding.EncodeToString([]byte(t.clientID + ":" + t.clientSecret))
	h := http.Header{}
	h.Set("Authorization", "Basic "+credentials)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := t.client.DoForm(ctx, t.tokenURL, sink.StaticHeaders(h), form, &resp); err != nil {
		return "", fmt.Errorf("connector: fetch oauth token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", ErrNoToken
	}

	expiresIn := resp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	if expiresIn < 60 {
		expiresIn = 60
	}
	t.token = resp.AccessToken
	t.expiresAt = t.clk.Now().Add(time.Duration(expiresIn) * time.Second)
	t.log.Info("oauth token refreshed", "expires_in_seconds", expiresIn)
	return t.token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

// ExpiresAt reports when the cached token expires; zero when no token is
// cached.
func (t *TokenSource) ExpiresAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiresAt
}

// Headers is a [sink.HeaderFunc] that bearer-authenticates each attempt,
// picking up a refreshed token between retries.
func (t *TokenSource) Headers() sink.HeaderFunc {
	return func(ctx context.Context) (http.Header, error) {
		token, err := t.Token(ctx)
		if err != nil {
			return nil, err
		}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		return h, nil
	}
}
