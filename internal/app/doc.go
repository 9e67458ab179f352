// Package app provides the subscription control plane.
//
// SubscriptionService creates, removes and reconciles EventSub subscriptions against the
// stored records; Reconciler repeats the reconciliation on an interval under a leader lease.
// Depends on domain interfaces, not concrete implementations.
package app
