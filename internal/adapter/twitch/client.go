package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/illuminautical/spyglass/internal/adapter/metrics"
	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/illuminautical/spyglass/internal/platform/retry"
	"github.com/illuminautical/spyglass/internal/platform/version"
	"github.com/nicklaw5/helix/v2"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL         = "https://api.twitch.tv/helix"
	subscriptionsPath     = "/eventsub/subscriptions"
	subscriptionVersion   = "1"
	transportWebhook      = "webhook"
	apiRequestTimeout     = 10 * time.Second
	maxAPIResponseBytes   = 1 << 20
	maxAuthRetries        = 1
	defaultListDelay      = 30 * time.Second
	defaultListAttempts   = 20
	defaultRequestsPerMin = 800
	defaultBurst          = 20
)

// Remote subscription states reported by the EventSub API.
const (
	remoteStatusEnabled             = "enabled"
	remoteStatusVerificationPending = "webhook_callback_verification_pending"
)

var ErrUnauthorized = errors.New("twitch API rejected the app access token")

// APIError is a non-success response from the Twitch API.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: twitch API returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// TokenSource supplies app access tokens to the client.
type TokenSource interface {
	CurrentToken(ctx context.Context) (domain.AccessToken, error)
	ForceRefresh(ctx context.Context) (domain.AccessToken, error)
}

// Client talks to the EventSub subscription endpoints of the Helix API.
type Client struct {
	tokens      TokenSource
	clientID    string
	baseURL     string
	callbackURL string
	httpClient  *http.Client
	limiter     *rate.Limiter
	listPolicy  retry.Policy
	metrics     *metrics.EventSubMetrics
}

type ClientOption func(*Client)

func WithAPIURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

func WithCallbackURL(callbackURL string) ClientOption {
	return func(c *Client) { c.callbackURL = callbackURL }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithRateLimiter(limiter *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = limiter }
}

// WithListRetry sets the fixed-delay policy ListSubscriptions retries each page with.
func WithListRetry(p retry.Policy) ClientOption {
	return func(c *Client) { c.listPolicy = p }
}

func WithClientMetrics(m *metrics.EventSubMetrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func NewClient(tokens TokenSource, creds domain.ClientCredentials, opts ...ClientOption) *Client {
	c := &Client{
		tokens:     tokens,
		clientID:   creds.ClientID,
		baseURL:    defaultAPIURL,
		httpClient: &http.Client{Timeout: apiRequestTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/defaultRequestsPerMin), defaultBurst),
		listPolicy: retry.FixedDelay(defaultListAttempts, defaultListDelay),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListSubscriptions returns every subscription registered for this application.
// Each page is retried after a fixed delay until it succeeds or the retry
// policy is exhausted.
func (c *Client) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	p := c.listPolicy
	onRetry := p.OnRetry
	p.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Listing EventSub subscriptions failed, retrying", "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
		if onRetry != nil {
			onRetry(attempt, err, backoff)
		}
	}

	var subs []domain.Subscription
	cursor := ""
	for {
		page, err := retry.Do(ctx, p, classifyListError, func() (*helix.ManyEventSubSubscriptions, error) {
			return c.listPage(ctx, cursor)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list EventSub subscriptions: %w", err)
		}

		for _, remote := range page.EventSubSubscriptions {
			subs = append(subs, fromRemote(remote))
		}

		if page.Pagination.Cursor == "" {
			break
		}
		cursor = page.Pagination.Cursor
	}

	slog.InfoContext(ctx, "Listed EventSub subscriptions", "count", len(subs))
	return subs, nil
}

func (c *Client) listPage(ctx context.Context, cursor string) (*helix.ManyEventSubSubscriptions, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("after", cursor)
	}

	status, body, err := c.send(ctx, "list", http.MethodGet, query, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &APIError{Operation: "list", StatusCode: status, Body: string(body)}
	}

	var page helix.ManyEventSubSubscriptions
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode subscription list: %w", err)
	}
	return &page, nil
}

type createRequest struct {
	Type      string          `json:"type"`
	Version   string          `json:"version"`
	Condition createCondition `json:"condition"`
	Transport createTransport `json:"transport"`
}

type createCondition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type createTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	Secret   string `json:"secret"`
}

// CreateSubscription registers a webhook subscription. It returns a nil
// subscription and nil error when Twitch declines the request; the response is
// logged. The returned record is pending and carries secret.
func (c *Client) CreateSubscription(ctx context.Context, broadcasterUserID, subscriptionType, secret string) (*domain.Subscription, error) {
	payload, err := json.Marshal(createRequest{
		Type:      subscriptionType,
		Version:   subscriptionVersion,
		Condition: createCondition{BroadcasterUserID: broadcasterUserID},
		Transport: createTransport{Method: transportWebhook, Callback: c.callbackURL, Secret: secret},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription request: %w", err)
	}

	status, body, err := c.send(ctx, "create", http.MethodPost, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create EventSub subscription: %w", err)
	}

	switch status {
	case http.StatusAccepted:
	case http.StatusConflict:
		slog.WarnContext(ctx, "EventSub subscription already exists", "broadcaster_user_id", broadcasterUserID, "type", subscriptionType)
		return nil, nil
	default:
		slog.ErrorContext(ctx, "EventSub subscription create rejected", "broadcaster_user_id", broadcasterUserID, "type", subscriptionType, "status", status, "body", string(body))
		return nil, nil
	}

	var created helix.ManyEventSubSubscriptions
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("failed to decode created subscription: %w", err)
	}
	if len(created.EventSubSubscriptions) == 0 {
		slog.ErrorContext(ctx, "EventSub create response has no subscription", "broadcaster_user_id", broadcasterUserID)
		return nil, nil
	}

	sub := fromRemote(created.EventSubSubscriptions[0])
	sub.Secret = secret
	sub.Status = domain.StatusPending
	sub.RevocationReason = ""
	if sub.BroadcasterUserID == "" {
		sub.BroadcasterUserID = broadcasterUserID
	}
	if sub.Type == "" {
		sub.Type = subscriptionType
	}

	slog.InfoContext(ctx, "Created EventSub subscription", "subscription_id", sub.ID, "broadcaster_user_id", broadcasterUserID, "type", subscriptionType)
	return &sub, nil
}

// DeleteSubscription removes a subscription remotely. A subscription that is
// already gone counts as deleted.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	query := url.Values{}
	query.Set("id", subscriptionID)

	status, body, err := c.send(ctx, "delete", http.MethodDelete, query, nil)
	if err != nil {
		return false, fmt.Errorf("failed to delete EventSub subscription: %w", err)
	}

	switch status {
	case http.StatusNoContent:
		slog.InfoContext(ctx, "Deleted EventSub subscription", "subscription_id", subscriptionID)
		return true, nil
	case http.StatusNotFound:
		slog.InfoContext(ctx, "EventSub subscription already gone", "subscription_id", subscriptionID)
		return true, nil
	default:
		slog.ErrorContext(ctx, "EventSub subscription delete rejected", "subscription_id", subscriptionID, "status", status, "body", string(body))
		return false, nil
	}
}

// send performs one API call, refreshing the token and repeating the call once
// per observed 401 up to maxAuthRetries.
func (c *Client) send(ctx context.Context, operation, method string, query url.Values, payload []byte) (int, []byte, error) {
	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get app access token: %w", err)
	}

	endpoint := c.baseURL + subscriptionsPath
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	for authRetries := 0; ; authRetries++ {
		status, body, err := c.roundTrip(ctx, operation, method, endpoint, payload, token)
		if err != nil {
			return 0, nil, err
		}
		if status != http.StatusUnauthorized {
			return status, body, nil
		}
		if authRetries >= maxAuthRetries {
			return status, body, ErrUnauthorized
		}

		slog.WarnContext(ctx, "Twitch API returned 401, refreshing app access token", "operation", operation)
		token, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to refresh app access token: %w", err)
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, operation, method, endpoint string, payload []byte, token domain.AccessToken) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Authorization", "Bearer "+token.Value)
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("User-Agent", version.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(operation, "error")
		return 0, nil, fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.observe(operation, strconv.Itoa(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read %s response: %w", operation, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) observe(operation, statusCode string) {
	if c.metrics != nil {
		c.metrics.APIRequests.WithLabelValues(operation, statusCode).Inc()
	}
}

// classifyListError retries everything except cancellation.
func classifyListError(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	if apiErr, ok := errors.AsType[*APIError](err); ok && apiErr.StatusCode == http.StatusTooManyRequests {
		return retry.After
	}
	return retry.Retry
}

func fromRemote(remote helix.EventSubSubscription) domain.Subscription {
	sub := domain.Subscription{
		ID:                remote.ID,
		BroadcasterUserID: remote.Condition.BroadcasterUserID,
		Type:              remote.Type,
		CreatedAt:         remote.CreatedAt.Time,
	}

	switch remote.Status {
	case remoteStatusEnabled:
		sub.Status = domain.StatusEnabled
	case remoteStatusVerificationPending:
		sub.Status = domain.StatusPending
	default:
		sub.Status = domain.StatusRevoked
		sub.RevocationReason = remote.Status
	}

	if remote.Cost > 0 {
		cost := remote.Cost
		sub.Cost = &cost
	}
	return sub
}
