package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/illuminautical/spyglass/internal/platform/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const subscriptionColumns = `id, broadcaster_user_id, type, secret, status, created_at,
	enabled_at, revoked_at, revocation_reason, last_message_id, cost`

type SubscriptionRepo struct {
	pool    *pgxpool.Pool
	secrets crypto.Service
}

var _ domain.SubscriptionRepository = (*SubscriptionRepo)(nil)

type RepoOption func(*SubscriptionRepo)

// WithSecretCrypto encrypts subscription secrets before they are written.
func WithSecretCrypto(svc crypto.Service) RepoOption {
	return func(r *SubscriptionRepo) { r.secrets = svc }
}

func NewSubscriptionRepo(pool *pgxpool.Pool, opts ...RepoOption) *SubscriptionRepo {
	r := &SubscriptionRepo{pool: pool, secrets: crypto.NoopService{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SubscriptionRepo) scanSubscription(row rowScanner) (domain.Subscription, error) {
	var sub domain.Subscription
	var status, storedSecret string
	err := row.Scan(
		&sub.ID,
		&sub.BroadcasterUserID,
		&sub.Type,
		&storedSecret,
		&status,
		&sub.CreatedAt,
		&sub.EnabledAt,
		&sub.RevokedAt,
		&sub.RevocationReason,
		&sub.LastMessageID,
		&sub.Cost,
	)
	if err != nil {
		return sub, err
	}
	sub.Status = domain.SubscriptionStatus(status)

	sub.Secret, err = r.secrets.Decrypt(storedSecret)
	if err != nil {
		return sub, fmt.Errorf("failed to decrypt secret of subscription %s: %w", sub.ID, err)
	}
	return sub, nil
}

func (r *SubscriptionRepo) FindByID(ctx context.Context, id string) (*domain.Subscription, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM eventsub_subscriptions WHERE id = $1`, id)
	sub, err := r.scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by ID: %w", err)
	}
	return &sub, nil
}

func (r *SubscriptionRepo) Insert(ctx context.Context, sub domain.Subscription) error {
	if !sub.Status.Valid() {
		return fmt.Errorf("invalid subscription status %q", sub.Status)
	}
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	storedSecret, err := r.secrets.Encrypt(sub.Secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt subscription secret: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO eventsub_subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sub.ID, sub.BroadcasterUserID, sub.Type, storedSecret, string(sub.Status), createdAt,
		sub.EnabledAt, sub.RevokedAt, sub.RevocationReason, sub.LastMessageID, sub.Cost,
	)
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr.Code == uniqueViolation {
		return domain.ErrSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// SetEnabled never moves a revoked record; it reports ErrSubscriptionRevoked instead.
func (r *SubscriptionRepo) SetEnabled(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE eventsub_subscriptions
		SET status = 'enabled', enabled_at = $2
		WHERE id = $1 AND status <> 'revoked'`, id, at)
	if err != nil {
		return fmt.Errorf("failed to enable subscription: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM eventsub_subscriptions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check subscription status: %w", err)
	}
	return domain.ErrSubscriptionRevoked
}

// SetRevoked keeps the first revocation time when called again.
func (r *SubscriptionRepo) SetRevoked(ctx context.Context, id string, at time.Time, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE eventsub_subscriptions
		SET status = 'revoked', revoked_at = COALESCE(revoked_at, $2), revocation_reason = $3
		WHERE id = $1`, id, at, reason)
	if err != nil {
		return fmt.Errorf("failed to revoke subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (r *SubscriptionRepo) SetLastMessageID(ctx context.Context, id, messageID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE eventsub_subscriptions SET last_message_id = $2 WHERE id = $1`, id, messageID)
	if err != nil {
		return fmt.Errorf("failed to record last message ID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (r *SubscriptionRepo) List(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM eventsub_subscriptions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := r.scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Delete is a no-op for unknown IDs.
func (r *SubscriptionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM eventsub_subscriptions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
