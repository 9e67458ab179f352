package domain

import (
	"context"
	"time"
)

// StreamEvent is a normalized stream status change decoded from an EventSub notification.
// The concrete variants are StreamOnline and StreamOffline.
type StreamEvent interface {
	EventType() string
}

type StreamOnline struct {
	SessionID            string
	BroadcasterUserID    string
	BroadcasterUserLogin string
	BroadcasterUserName  string
	// StreamType is the type marker Twitch sends with the event, "live" for real broadcasts.
	StreamType string
	StartedAt  time.Time
}

func (StreamOnline) EventType() string { return SubscriptionTypeStreamOnline }

type StreamOffline struct {
	BroadcasterUserID    string
	BroadcasterUserLogin string
	BroadcasterUserName  string
}

func (StreamOffline) EventType() string { return SubscriptionTypeStreamOffline }

// EventSender publishes stream events to the internal message bus.
type EventSender interface {
	SendOnlineEvent(ctx context.Context, sessionID, broadcasterID, broadcasterName string) error
	SendOfflineEvent(ctx context.Context, broadcasterID, broadcasterName string) error
}
