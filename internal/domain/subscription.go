package domain

import (
	"context"
	"time"
)

// EventSub subscription types bridged to the message bus.
const (
	SubscriptionTypeStreamOnline  = "stream.online"
	SubscriptionTypeStreamOffline = "stream.offline"
)

type SubscriptionStatus string

const (
	StatusPending SubscriptionStatus = "pending"
	StatusEnabled SubscriptionStatus = "enabled"
	StatusRevoked SubscriptionStatus = "revoked"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusEnabled, StatusRevoked:
		return true
	default:
		return false
	}
}

// Subscription is a webhook subscription registered with Twitch EventSub.
// Secret is the HMAC key callbacks are signed with and never changes once stored.
type Subscription struct {
	ID                string
	BroadcasterUserID string
	Type              string
	Secret            string
	Status            SubscriptionStatus
	CreatedAt         time.Time
	EnabledAt         *time.Time
	RevokedAt         *time.Time
	RevocationReason  string
	LastMessageID     string
	Cost              *int
}

// SubscriptionRepository persists subscription records keyed by the remote subscription ID.
// Every method is a single-record operation.
type SubscriptionRepository interface {
	FindByID(ctx context.Context, id string) (*Subscription, error)
	Insert(ctx context.Context, sub Subscription) error
	// SetEnabled returns ErrSubscriptionRevoked without changing anything when the record is revoked.
	SetEnabled(ctx context.Context, id string, at time.Time) error
	SetRevoked(ctx context.Context, id string, at time.Time, reason string) error
	SetLastMessageID(ctx context.Context, id, messageID string) error
	List(ctx context.Context) ([]Subscription, error)
	Delete(ctx context.Context, id string) error
}

// SubscriptionService is the control-plane view of subscription lifecycle management.
type SubscriptionService interface {
	Subscribe(ctx context.Context, broadcasterUserID, subscriptionType string) (*Subscription, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
	Reconcile(ctx context.Context) error
}
