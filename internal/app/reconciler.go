package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/illuminautical/spyglass/internal/platform/correlation"
	"github.com/jonboulle/clockwork"
)

// Leader is a lease that keeps periodic jobs to one instance at a time.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Reconciler runs the subscription reconciliation on an interval. With a
// Leader set, only the lease holder reconciles.
type Reconciler struct {
	service  *SubscriptionService
	leader   Leader
	interval time.Duration
	clock    clockwork.Clock

	leading  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type ReconcilerOption func(*Reconciler)

func WithLeader(l Leader) ReconcilerOption {
	return func(r *Reconciler) { r.leader = l }
}

func WithReconcilerClock(clock clockwork.Clock) ReconcilerOption {
	return func(r *Reconciler) { r.clock = clock }
}

func NewReconciler(service *SubscriptionService, interval time.Duration, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		service:  service,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks until Stop is called or ctx is cancelled. Stop also cancels a
// reconciliation that is still in flight.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.tick(runCtx)
		case <-r.stopCh:
			r.resign()
			slog.Info("Subscription reconciler stopped")
			return
		case <-ctx.Done():
			r.resign()
			slog.Info("Subscription reconciler context cancelled")
			return
		}
	}
}

// Stop ends Run and waits for it to return.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.done
}

func (r *Reconciler) tick(ctx context.Context) {
	tickCtx := correlation.WithID(ctx, correlation.NewID())

	if !r.lead(tickCtx) {
		return
	}
	if err := r.service.Reconcile(tickCtx); err != nil {
		slog.ErrorContext(tickCtx, "Subscription reconciliation failed", "error", err)
	}
}

func (r *Reconciler) lead(ctx context.Context) bool {
	if r.leader == nil {
		return true
	}

	if r.leading {
		err := r.leader.Renew(ctx)
		if err == nil {
			return true
		}
		slog.WarnContext(ctx, "Reconciler lost leadership", "error", err)
		r.leading = false
	}

	ok, err := r.leader.TryAcquire(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Reconciler leadership check failed", "error", err)
		return false
	}
	if ok {
		slog.InfoContext(ctx, "Reconciler acquired leadership")
	}
	r.leading = ok
	return ok
}

func (r *Reconciler) resign() {
	if r.leader == nil || !r.leading {
		return
	}
	r.leading = false
	if err := r.leader.Release(context.Background()); err != nil {
		slog.Warn("Failed to release reconciler leadership", "error", err)
	}
}
