package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists")
	ErrSubscriptionRevoked  = errors.New("subscription is revoked")
	ErrSubscriptionDeclined = errors.New("subscription request declined by twitch")
	ErrDeleteDeclined       = errors.New("subscription delete declined by twitch")
	ErrInitialToken         = errors.New("failed to obtain initial app access token")
)
