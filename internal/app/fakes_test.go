package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illuminautical/spyglass/internal/domain"
)

var errBoom = errors.New("boom")

// --- Mock implementations ---

type mockAPI struct {
	mu sync.Mutex

	listFn   func(ctx context.Context) ([]domain.Subscription, error)
	createFn func(ctx context.Context, broadcasterUserID, subscriptionType, secret string) (*domain.Subscription, error)
	deleteFn func(ctx context.Context, subscriptionID string) (bool, error)

	listCalls int
	secrets   []string
	deleted   []string
}

func (m *mockAPI) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	m.mu.Lock()
	m.listCalls++
	m.mu.Unlock()
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockAPI) CreateSubscription(ctx context.Context, broadcasterUserID, subscriptionType, secret string) (*domain.Subscription, error) {
	m.mu.Lock()
	m.secrets = append(m.secrets, secret)
	m.mu.Unlock()
	if m.createFn != nil {
		return m.createFn(ctx, broadcasterUserID, subscriptionType, secret)
	}
	return &domain.Subscription{
		ID:                "sub-" + broadcasterUserID,
		BroadcasterUserID: broadcasterUserID,
		Type:              subscriptionType,
		Secret:            secret,
		Status:            domain.StatusPending,
	}, nil
}

func (m *mockAPI) DeleteSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	m.mu.Lock()
	m.deleted = append(m.deleted, subscriptionID)
	m.mu.Unlock()
	if m.deleteFn != nil {
		return m.deleteFn(ctx, subscriptionID)
	}
	return true, nil
}

func (m *mockAPI) ListCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls
}

type memRepo struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription

	insertErr error
	findErr   error
	deleteErr error
}

func newMemRepo(subs ...domain.Subscription) *memRepo {
	r := &memRepo{subs: make(map[string]domain.Subscription)}
	for _, s := range subs {
		r.subs[s.ID] = s
	}
	return r
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
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, ok := r.subs[sub.ID]; ok {
		return domain.ErrSubscriptionExists
	}
	r.subs[sub.ID] = sub
	return nil
}

func (r *memRepo) SetEnabled(context.Context, string, time.Time) error { return nil }

func (r *memRepo) SetRevoked(context.Context, string, time.Time, string) error { return nil }

func (r *memRepo) SetLastMessageID(context.Context, string, string) error { return nil }

func (r *memRepo) List(context.Context) ([]domain.Subscription, error) {
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
	if r.deleteErr != nil {
		return r.deleteErr
	}
	delete(r.subs, id)
	return nil
}

func (r *memRepo) Get(id string) (domain.Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	return sub, ok
}

type mockLeader struct {
	mu       sync.Mutex
	acquire  bool
	renewErr error
	acquires int
	renews   int
	releases int
}

func (l *mockLeader) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	return l.acquire, nil
}

func (l *mockLeader) Renew(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.renews++
	return l.renewErr
}

func (l *mockLeader) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *mockLeader) set(acquire bool, renewErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquire = acquire
	l.renewErr = renewErr
}

func (l *mockLeader) counts() (acquires, renews, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.renews, l.releases
}
