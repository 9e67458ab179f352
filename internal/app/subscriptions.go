package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/jonboulle/clockwork"
)

const (
	secretBytes = 32

	// Long enough for a concurrent Subscribe to store the record it just created.
	defaultOrphanGrace = 30 * time.Second
)

// EventSubAPI is the subset of the Twitch EventSub client the service drives.
type EventSubAPI interface {
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	CreateSubscription(ctx context.Context, broadcasterUserID, subscriptionType, secret string) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) (bool, error)
}

// SubscriptionService keeps the local subscription records and the remote
// EventSub registrations in step.
type SubscriptionService struct {
	api         EventSubAPI
	repo        domain.SubscriptionRepository
	secrets     func() (string, error)
	clock       clockwork.Clock
	orphanGrace time.Duration
}

var _ domain.SubscriptionService = (*SubscriptionService)(nil)

type ServiceOption func(*SubscriptionService)

func WithServiceClock(clock clockwork.Clock) ServiceOption {
	return func(s *SubscriptionService) { s.clock = clock }
}

// WithOrphanGrace sets how old a remote subscription without a record must be
// before Reconcile deletes it.
func WithOrphanGrace(d time.Duration) ServiceOption {
	return func(s *SubscriptionService) { s.orphanGrace = d }
}

func NewSubscriptionService(api EventSubAPI, repo domain.SubscriptionRepository, opts ...ServiceOption) *SubscriptionService {
	s := &SubscriptionService{
		api:         api,
		repo:        repo,
		secrets:     newSecret,
		clock:       clockwork.NewRealClock(),
		orphanGrace: defaultOrphanGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate subscription secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Subscribe registers a new webhook subscription with a fresh secret and
// stores it as pending before returning. Callbacks for it verify once the
// record exists.
func (s *SubscriptionService) Subscribe(ctx context.Context, broadcasterUserID, subscriptionType string) (*domain.Subscription, error) {
	secret, err := s.secrets()
	if err != nil {
		return nil, err
	}

	sub, err := s.api.CreateSubscription(ctx, broadcasterUserID, subscriptionType, secret)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("failed to subscribe %s to %s: %w", broadcasterUserID, subscriptionType, domain.ErrSubscriptionDeclined)
	}

	if err := s.repo.Insert(ctx, *sub); err != nil {
		// Without a stored secret no callback can ever verify, so drop the remote side.
		if _, delErr := s.api.DeleteSubscription(context.WithoutCancel(ctx), sub.ID); delErr != nil {
			slog.ErrorContext(ctx, "Failed to roll back EventSub subscription", "subscription_id", sub.ID, "error", delErr)
		}
		return nil, fmt.Errorf("failed to store subscription %s: %w", sub.ID, err)
	}

	slog.InfoContext(ctx, "Subscription stored", "subscription_id", sub.ID, "broadcaster_user_id", broadcasterUserID, "type", subscriptionType)
	return sub, nil
}

// Unsubscribe deletes the subscription remotely, then forgets it locally.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, subscriptionID string) error {
	deleted, err := s.api.DeleteSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("failed to unsubscribe %s: %w", subscriptionID, domain.ErrDeleteDeclined)
	}

	if err := s.repo.Delete(ctx, subscriptionID); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// Reconcile compares the remote subscriptions with the stored records. Remote
// subscriptions with no record are deleted because their secret is unknown,
// unless they were created within the orphan grace period.
func (s *SubscriptionService) Reconcile(ctx context.Context) error {
	remote, err := s.api.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote subscriptions: %w", err)
	}

	var orphaned, known, recent int
	for _, r := range remote {
		local, err := s.repo.FindByID(ctx, r.ID)
		if errors.Is(err, domain.ErrSubscriptionNotFound) && s.clock.Since(r.CreatedAt) < s.orphanGrace {
			recent++
			slog.DebugContext(ctx, "Skipping recently created subscription without record", "subscription_id", r.ID, "created_at", r.CreatedAt)
			continue
		}
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			orphaned++
			if _, err := s.api.DeleteSubscription(ctx, r.ID); err != nil {
				slog.WarnContext(ctx, "Failed to delete orphaned subscription", "subscription_id", r.ID, "error", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to look up subscription %s: %w", r.ID, err)
		}

		known++
		if local.Status != r.Status {
			slog.InfoContext(ctx, "Subscription status differs from remote",
				"subscription_id", r.ID,
				"local_status", local.Status,
				"remote_status", r.Status,
				"revocation_reason", r.RevocationReason)
		}
	}

	slog.InfoContext(ctx, "Subscription reconciliation complete", "remote", len(remote), "known", known, "orphaned", orphaned, "recent", recent)
	return nil
}
