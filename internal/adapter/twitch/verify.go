package twitch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/illuminautical/spyglass/internal/domain"
)

const signaturePrefix = "sha256="

var ErrSignatureMismatch = errors.New("callback signature mismatch")

// Sign computes the EventSub callback signature for a message: "sha256=" followed
// by the lowercase hex HMAC-SHA256 of messageID, timestamp and body under secret.
func Sign(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks callback signatures against the secret stored for the
// subscription the callback claims to be about.
type Verifier struct {
	repo domain.SubscriptionRepository
}

func NewVerifier(repo domain.SubscriptionRepository) *Verifier {
	return &Verifier{repo: repo}
}

// Authenticate returns the stored subscription when signature matches.
// It returns domain.ErrSubscriptionNotFound for unknown subscriptions and
// ErrSignatureMismatch for a wrong signature.
func (v *Verifier) Authenticate(ctx context.Context, subscriptionID, messageID, timestamp string, body []byte, signature string) (*domain.Subscription, error) {
	sub, err := v.repo.FindByID(ctx, subscriptionID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		slog.WarnContext(ctx, "Callback for unknown subscription", "subscription_id", subscriptionID)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	expected := Sign(sub.Secret, messageID, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		slog.WarnContext(ctx, "Callback signature mismatch", "subscription_id", subscriptionID, "expected", expected, "actual", signature)
		return nil, ErrSignatureMismatch
	}

	return sub, nil
}

// Verify reports whether signature is valid for the message. Unknown
// subscriptions are reported as invalid; only repository failures return an error.
func (v *Verifier) Verify(ctx context.Context, subscriptionID, messageID, timestamp string, body []byte, signature string) (bool, error) {
	_, err := v.Authenticate(ctx, subscriptionID, messageID, timestamp, body, signature)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrSubscriptionNotFound), errors.Is(err, ErrSignatureMismatch):
		return false, nil
	default:
		return false, err
	}
}
