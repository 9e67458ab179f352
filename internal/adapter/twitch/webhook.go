package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/illuminautical/spyglass/internal/adapter/metrics"
	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/illuminautical/spyglass/internal/platform/correlation"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
)

// EventSub callback headers.
const (
	HeaderMessageID        = "X-Message-Id"
	HeaderMessageType      = "X-Message-Type"
	HeaderMessageTimestamp = "X-Message-Timestamp"
	HeaderMessageSignature = "X-Message-Signature"
	HeaderSubscriptionType = "X-Subscription-Type"
)

// EventSub callback message types.
const (
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"
)

const (
	maxCallbackBodyBytes = 1 << 20
	streamTypeLive       = "live"
)

type callbackSubscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type verificationPayload struct {
	Challenge    string               `json:"challenge"`
	Subscription callbackSubscription `json:"subscription"`
}

type notificationPayload struct {
	Subscription callbackSubscription `json:"subscription"`
	Event        json.RawMessage      `json:"event"`
}

type revocationPayload struct {
	Subscription callbackSubscription `json:"subscription"`
}

// callbackResult is the response to a callback plus the outcome label it is counted under.
type callbackResult struct {
	status  int
	body    string
	outcome string
}

func noContent(outcome string) callbackResult {
	return callbackResult{status: http.StatusNoContent, outcome: outcome}
}

func failure(status int, outcome string) callbackResult {
	return callbackResult{status: status, body: http.StatusText(status), outcome: outcome}
}

// WebhookHandler receives EventSub callbacks and drives the subscription
// lifecycle: verification enables a subscription, revocation ends it, and
// notifications are forwarded to the event sender.
type WebhookHandler struct {
	repo     domain.SubscriptionRepository
	verifier *Verifier
	sender   domain.EventSender
	clock    clockwork.Clock
	metrics  *metrics.EventSubMetrics
}

type WebhookOption func(*WebhookHandler)

func WithWebhookClock(clock clockwork.Clock) WebhookOption {
	return func(wh *WebhookHandler) { wh.clock = clock }
}

func WithWebhookMetrics(m *metrics.EventSubMetrics) WebhookOption {
	return func(wh *WebhookHandler) { wh.metrics = m }
}

func NewWebhookHandler(repo domain.SubscriptionRepository, verifier *Verifier, sender domain.EventSender, opts ...WebhookOption) *WebhookHandler {
	wh := &WebhookHandler{
		repo:     repo,
		verifier: verifier,
		sender:   sender,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(wh)
	}
	return wh
}

// HandleEventSub is the echo handler for the callback route.
func (wh *WebhookHandler) HandleEventSub(c echo.Context) error {
	res := wh.process(c.Request())
	if res.status == http.StatusNoContent {
		return c.NoContent(res.status)
	}
	return c.String(res.status, res.body)
}

func (wh *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := wh.process(r)
	if res.status == http.StatusNoContent {
		w.WriteHeader(res.status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(res.status)
	_, _ = io.WriteString(w, res.body)
}

func (wh *WebhookHandler) process(r *http.Request) callbackResult {
	messageID := r.Header.Get(HeaderMessageID)
	messageType := r.Header.Get(HeaderMessageType)

	ctx := r.Context()
	if _, ok := correlation.ID(ctx); !ok || messageID != "" {
		ctx, _ = correlation.Ensure(ctx, messageID)
	}
	res := wh.dispatch(ctx, r, messageID, messageType)

	if wh.metrics != nil {
		wh.metrics.Callbacks.WithLabelValues(metricMessageType(messageType), res.outcome).Inc()
	}
	return res
}

func (wh *WebhookHandler) dispatch(ctx context.Context, r *http.Request, messageID, messageType string) callbackResult {
	if messageID == "" {
		slog.WarnContext(ctx, "Callback without message ID")
		return failure(http.StatusNotFound, "missing_message_id")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBodyBytes+1))
	if err != nil {
		slog.WarnContext(ctx, "Failed to read callback body", "error", err)
		return failure(http.StatusBadRequest, "bad_body")
	}
	if len(body) > maxCallbackBodyBytes {
		slog.WarnContext(ctx, "Callback body too large", "limit_bytes", maxCallbackBodyBytes)
		return failure(http.StatusBadRequest, "bad_body")
	}

	msg := callbackMessage{
		id:               messageID,
		timestamp:        r.Header.Get(HeaderMessageTimestamp),
		signature:        r.Header.Get(HeaderMessageSignature),
		subscriptionType: r.Header.Get(HeaderSubscriptionType),
		body:             body,
	}

	switch messageType {
	case MessageTypeVerification:
		return wh.handleVerification(ctx, msg)
	case MessageTypeNotification:
		return wh.handleNotification(ctx, msg)
	case MessageTypeRevocation:
		return wh.handleRevocation(ctx, msg)
	default:
		slog.WarnContext(ctx, "Ignoring callback with unknown message type", "message_type", messageType)
		return noContent("ignored")
	}
}

type callbackMessage struct {
	id               string
	timestamp        string
	signature        string
	subscriptionType string
	body             []byte
}

func (wh *WebhookHandler) handleVerification(ctx context.Context, msg callbackMessage) callbackResult {
	var payload verificationPayload
	if err := json.Unmarshal(msg.body, &payload); err != nil {
		slog.WarnContext(ctx, "Malformed verification payload", "error", err)
		return failure(http.StatusBadRequest, "malformed")
	}

	sub, res, ok := wh.authenticate(ctx, payload.Subscription.ID, msg)
	if !ok {
		return res
	}

	if err := wh.repo.SetEnabled(ctx, sub.ID, wh.messageTime(msg.timestamp)); err != nil {
		return wh.repositoryFailure(ctx, sub.ID, "enable", err)
	}
	if res, ok := wh.recordMessage(ctx, sub.ID, msg.id); !ok {
		return res
	}

	slog.InfoContext(ctx, "EventSub subscription verified", "subscription_id", sub.ID, "type", sub.Type, "broadcaster_user_id", sub.BroadcasterUserID)
	return callbackResult{status: http.StatusOK, body: payload.Challenge, outcome: "verified"}
}

func (wh *WebhookHandler) handleNotification(ctx context.Context, msg callbackMessage) callbackResult {
	var payload notificationPayload
	if err := json.Unmarshal(msg.body, &payload); err != nil {
		slog.WarnContext(ctx, "Malformed notification payload", "error", err)
		return failure(http.StatusBadRequest, "malformed")
	}

	sub, res, ok := wh.authenticate(ctx, payload.Subscription.ID, msg)
	if !ok {
		return res
	}

	subscriptionType := msg.subscriptionType
	if subscriptionType == "" {
		subscriptionType = sub.Type
	}

	event, err := decodeEvent(subscriptionType, payload.Event)
	if errors.Is(err, ErrUnknownSubscriptionType) {
		slog.WarnContext(ctx, "Ignoring notification for unhandled subscription type", "subscription_id", sub.ID, "type", subscriptionType)
		if res, ok := wh.recordMessage(ctx, sub.ID, msg.id); !ok {
			return res
		}
		return noContent("ignored")
	}
	if err != nil {
		slog.WarnContext(ctx, "Malformed notification event", "subscription_id", sub.ID, "error", err)
		return failure(http.StatusBadRequest, "malformed")
	}

	outcome, err := wh.forward(ctx, event)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to forward stream event", "subscription_id", sub.ID, "type", subscriptionType, "error", err)
		return failure(http.StatusInternalServerError, "send_error")
	}

	if res, ok := wh.recordMessage(ctx, sub.ID, msg.id); !ok {
		return res
	}
	return noContent(outcome)
}

func (wh *WebhookHandler) forward(ctx context.Context, event domain.StreamEvent) (string, error) {
	switch e := event.(type) {
	case domain.StreamOnline:
		if e.StreamType != streamTypeLive {
			slog.InfoContext(ctx, "Skipping stream.online that is not live", "broadcaster_user_id", e.BroadcasterUserID, "stream_type", e.StreamType)
			return "skipped", nil
		}
		if err := wh.sender.SendOnlineEvent(ctx, e.SessionID, e.BroadcasterUserID, e.BroadcasterUserName); err != nil {
			return "", err
		}
		slog.InfoContext(ctx, "Stream went online", "broadcaster_user_id", e.BroadcasterUserID, "session_id", e.SessionID)
	case domain.StreamOffline:
		if err := wh.sender.SendOfflineEvent(ctx, e.BroadcasterUserID, e.BroadcasterUserName); err != nil {
			return "", err
		}
		slog.InfoContext(ctx, "Stream went offline", "broadcaster_user_id", e.BroadcasterUserID)
	}
	return "forwarded", nil
}

func (wh *WebhookHandler) handleRevocation(ctx context.Context, msg callbackMessage) callbackResult {
	var payload revocationPayload
	if err := json.Unmarshal(msg.body, &payload); err != nil {
		slog.WarnContext(ctx, "Malformed revocation payload", "error", err)
		return failure(http.StatusBadRequest, "malformed")
	}

	sub, res, ok := wh.authenticate(ctx, payload.Subscription.ID, msg)
	if !ok {
		return res
	}

	reason := payload.Subscription.Status
	if err := wh.repo.SetRevoked(ctx, sub.ID, wh.messageTime(msg.timestamp), reason); err != nil {
		return wh.repositoryFailure(ctx, sub.ID, "revoke", err)
	}
	if res, ok := wh.recordMessage(ctx, sub.ID, msg.id); !ok {
		return res
	}

	slog.WarnContext(ctx, "EventSub subscription revoked", "subscription_id", sub.ID, "type", sub.Type, "broadcaster_user_id", sub.BroadcasterUserID, "reason", reason)
	return noContent("revoked")
}

// authenticate verifies the callback signature. When ok is false the returned
// result is the response to send.
func (wh *WebhookHandler) authenticate(ctx context.Context, subscriptionID string, msg callbackMessage) (*domain.Subscription, callbackResult, bool) {
	if subscriptionID == "" {
		slog.WarnContext(ctx, "Callback payload has no subscription ID")
		return nil, failure(http.StatusBadRequest, "malformed"), false
	}

	sub, err := wh.verifier.Authenticate(ctx, subscriptionID, msg.id, msg.timestamp, msg.body, msg.signature)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return nil, failure(http.StatusNotFound, "unknown_subscription"), false
	case errors.Is(err, ErrSignatureMismatch):
		return nil, failure(http.StatusUnauthorized, "bad_signature"), false
	default:
		slog.ErrorContext(ctx, "Failed to verify callback", "subscription_id", subscriptionID, "error", err)
		return nil, failure(http.StatusInternalServerError, "repository_error"), false
	}

	if err := ctx.Err(); err != nil {
		slog.WarnContext(ctx, "Callback request cancelled before processing", "subscription_id", subscriptionID, "error", err)
		return nil, failure(http.StatusServiceUnavailable, "cancelled"), false
	}
	return sub, callbackResult{}, true
}

func (wh *WebhookHandler) recordMessage(ctx context.Context, subscriptionID, messageID string) (callbackResult, bool) {
	if err := wh.repo.SetLastMessageID(ctx, subscriptionID, messageID); err != nil {
		return wh.repositoryFailure(ctx, subscriptionID, "record message", err), false
	}
	return callbackResult{}, true
}

func (wh *WebhookHandler) repositoryFailure(ctx context.Context, subscriptionID, op string, err error) callbackResult {
	switch {
	case errors.Is(err, domain.ErrSubscriptionRevoked):
		slog.WarnContext(ctx, "Callback for revoked subscription", "subscription_id", subscriptionID, "op", op)
		return failure(http.StatusNotFound, "revoked")
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		slog.WarnContext(ctx, "Subscription disappeared during callback", "subscription_id", subscriptionID, "op", op)
		return failure(http.StatusNotFound, "unknown_subscription")
	default:
		slog.ErrorContext(ctx, "Repository update failed", "subscription_id", subscriptionID, "op", op, "error", err)
		return failure(http.StatusInternalServerError, "repository_error")
	}
}

// messageTime parses the callback timestamp header, falling back to now.
func (wh *WebhookHandler) messageTime(header string) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, header); err == nil {
		return ts.UTC()
	}
	return wh.clock.Now().UTC()
}

func metricMessageType(messageType string) string {
	switch messageType {
	case MessageTypeVerification, MessageTypeNotification, MessageTypeRevocation:
		return messageType
	default:
		return "unknown"
	}
}
