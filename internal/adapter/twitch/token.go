package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/illuminautical/spyglass/internal/adapter/metrics"
	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTokenURL       = "https://id.twitch.tv/oauth2/token"
	defaultRefreshTimeout = 15 * time.Second
	tokenExpirySkew       = 60 * time.Second
	tokenRequestTimeout   = 10 * time.Second
	maxTokenResponseBytes = 64 << 10
	refreshKey            = "app-access-token"
)

var ErrRefreshTimeout = errors.New("timed out waiting for token refresh")

// TokenRefreshError reports a failed call to the OAuth token endpoint.
// StatusCode is zero when the request never produced a response.
type TokenRefreshError struct {
	StatusCode int
	Err        error
}

func (e *TokenRefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token refresh failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// TokenManager owns the app access token. Reads are lock-free loads of the
// published token; at most one refresh call to the token endpoint is in
// flight and concurrent callers wait for its result.
type TokenManager struct {
	creds          domain.ClientCredentials
	tokenURL       string
	httpClient     *http.Client
	clock          clockwork.Clock
	refreshTimeout time.Duration
	metrics        *metrics.EventSubMetrics

	current atomic.Pointer[domain.AccessToken]
	group   singleflight.Group
}

type TokenOption func(*TokenManager)

func WithTokenURL(tokenURL string) TokenOption {
	return func(tm *TokenManager) { tm.tokenURL = tokenURL }
}

func WithTokenHTTPClient(client *http.Client) TokenOption {
	return func(tm *TokenManager) { tm.httpClient = client }
}

func WithTokenClock(clock clockwork.Clock) TokenOption {
	return func(tm *TokenManager) { tm.clock = clock }
}

// WithRefreshTimeout caps how long a caller waits for an in-flight refresh.
func WithRefreshTimeout(d time.Duration) TokenOption {
	return func(tm *TokenManager) { tm.refreshTimeout = d }
}

func WithTokenMetrics(m *metrics.EventSubMetrics) TokenOption {
	return func(tm *TokenManager) { tm.metrics = m }
}

// NewTokenManager fetches the initial app access token. A failure here is
// wrapped in domain.ErrInitialToken; the process cannot run without a token.
func NewTokenManager(ctx context.Context, creds domain.ClientCredentials, opts ...TokenOption) (*TokenManager, error) {
	tm := &TokenManager{
		creds:          creds,
		tokenURL:       defaultTokenURL,
		httpClient:     &http.Client{Timeout: tokenRequestTimeout},
		clock:          clockwork.NewRealClock(),
		refreshTimeout: defaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(tm)
	}

	token, err := tm.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInitialToken, err)
	}
	tm.current.Store(&token)

	slog.Info("Obtained app access token", "expires_at", token.ExpiresAt)
	return tm, nil
}

// CurrentToken returns the published token, refreshing first when it is expired
// or about to expire.
func (tm *TokenManager) CurrentToken(ctx context.Context) (domain.AccessToken, error) {
	token := tm.current.Load()
	if token != nil && !token.Expired(tm.clock.Now(), tokenExpirySkew) {
		return *token, nil
	}

	slog.DebugContext(ctx, "App access token expired, refreshing")
	return tm.refresh(ctx, token)
}

// ForceRefresh obtains a new token. If a refresh is already in flight the
// caller waits for it and receives the token it produced.
func (tm *TokenManager) ForceRefresh(ctx context.Context) (domain.AccessToken, error) {
	return tm.refresh(ctx, tm.current.Load())
}

// refresh fetches a token to replace seen. When another refresh has already
// published a newer token, that token is returned without a second fetch.
func (tm *TokenManager) refresh(ctx context.Context, seen *domain.AccessToken) (domain.AccessToken, error) {
	ch := tm.group.DoChan(refreshKey, func() (any, error) {
		if current := tm.current.Load(); current != nil && current != seen {
			return *current, nil
		}

		// Detached from the first caller so its cancellation does not fail the waiters.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tm.refreshTimeout)
		defer cancel()

		token, err := tm.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		tm.current.Store(&token)
		return token, nil
	})

	timer := tm.clock.NewTimer(tm.refreshTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.AccessToken{}, res.Err
		}
		return res.Val.(domain.AccessToken), nil
	case <-ctx.Done():
		return domain.AccessToken{}, fmt.Errorf("token refresh wait cancelled: %w", ctx.Err())
	case <-timer.Chan():
		return domain.AccessToken{}, ErrRefreshTimeout
	}
}

func (tm *TokenManager) fetch(ctx context.Context) (domain.AccessToken, error) {
	token, err := tm.requestToken(ctx)
	result := "success"
	if err != nil {
		result = "error"
		slog.ErrorContext(ctx, "App access token request failed", "error", err)
	}
	if tm.metrics != nil {
		tm.metrics.TokenRefreshes.WithLabelValues(result).Inc()
	}
	return token, err
}

func (tm *TokenManager) requestToken(ctx context.Context) (domain.AccessToken, error) {
	data := url.Values{}
	data.Set("client_id", tm.creds.ClientID)
	data.Set("client_secret", tm.creds.ClientSecret)
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return domain.AccessToken{}, &TokenRefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	issuedAt := tm.clock.Now()
	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return domain.AccessToken{}, &TokenRefreshError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return domain.AccessToken{}, &TokenRefreshError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return domain.AccessToken{}, &TokenRefreshError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.AccessToken{}, &TokenRefreshError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode token response: %w", err)}
	}
	if result.AccessToken == "" {
		return domain.AccessToken{}, &TokenRefreshError{StatusCode: resp.StatusCode, Err: errors.New("token response has no access_token")}
	}

	token := domain.AccessToken{
		Value:     result.AccessToken,
		TokenType: result.TokenType,
		ExpiresAt: issuedAt.Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	return token, nil
}
