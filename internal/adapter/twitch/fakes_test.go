package twitch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/illuminautical/spyglass/internal/platform/correlation"
)

func TestMain(m *testing.M) {
	handler := correlation.NewHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(slog.New(handler))
	os.Exit(m.Run())
}

// memRepo is an in-memory domain.SubscriptionRepository that counts mutations.
type memRepo struct {
	mu        sync.Mutex
	subs      map[string]domain.Subscription
	mutations int
	findErr   error
	updateErr error
}

func newMemRepo(subs ...domain.Subscription) *memRepo {
	r := &memRepo{subs: make(map[string]domain.Subscription)}
	for _, s := range subs {
		r.subs[s.ID] = s
	}
	return r
}

func (r *memRepo) get(id string) domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

func (r *memRepo) mutationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutations
}

func (r *memRepo) FindByID(_ context.Context, id string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	sub, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (r *memRepo) Insert(_ context.Context, sub domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; ok {
		return domain.ErrSubscriptionExists
	}
	r.subs[sub.ID] = sub
	r.mutations++
	return nil
}

func (r *memRepo) SetEnabled(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	sub, ok := r.subs[id]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	if sub.Status == domain.StatusRevoked {
		return domain.ErrSubscriptionRevoked
	}
	sub.Status = domain.StatusEnabled
	sub.EnabledAt = &at
	r.subs[id] = sub
	r.mutations++
	return nil
}

func (r *memRepo) SetRevoked(_ context.Context, id string, at time.Time, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	sub, ok := r.subs[id]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	sub.Status = domain.StatusRevoked
	sub.RevokedAt = &at
	sub.RevocationReason = reason
	r.subs[id] = sub
	r.mutations++
	return nil
}

func (r *memRepo) SetLastMessageID(_ context.Context, id, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	sub, ok := r.subs[id]
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	sub.LastMessageID = messageID
	r.subs[id] = sub
	r.mutations++
	return nil
}

func (r *memRepo) List(_ context.Context) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out, nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	r.mutations++
	return nil
}

type sentEvent struct {
	kind            string
	sessionID       string
	broadcasterID   string
	broadcasterName string
}

type recordingSender struct {
	mu     sync.Mutex
	events []sentEvent
	err    error
}

func (s *recordingSender) SendOnlineEvent(_ context.Context, sessionID, broadcasterID, broadcasterName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, sentEvent{kind: "online", sessionID: sessionID, broadcasterID: broadcasterID, broadcasterName: broadcasterName})
	return nil
}

func (s *recordingSender) SendOfflineEvent(_ context.Context, broadcasterID, broadcasterName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, sentEvent{kind: "offline", broadcasterID: broadcasterID, broadcasterName: broadcasterName})
	return nil
}

func (s *recordingSender) sent() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.events...)
}

var errBoom = errors.New("boom")
