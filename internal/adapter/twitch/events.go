package twitch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/nicklaw5/helix/v2"
)

var ErrUnknownSubscriptionType = errors.New("unknown subscription type")

type eventDecoder func(raw json.RawMessage) (domain.StreamEvent, error)

// eventDecoders maps an EventSub subscription type to the decoder for its event payload.
var eventDecoders = map[string]eventDecoder{
	domain.SubscriptionTypeStreamOnline:  decodeStreamOnline,
	domain.SubscriptionTypeStreamOffline: decodeStreamOffline,
}

func decodeEvent(subscriptionType string, raw json.RawMessage) (domain.StreamEvent, error) {
	decode, ok := eventDecoders[subscriptionType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSubscriptionType, subscriptionType)
	}
	return decode(raw)
}

func decodeStreamOnline(raw json.RawMessage) (domain.StreamEvent, error) {
	var e helix.EventSubStreamOnlineEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode stream.online event: %w", err)
	}
	return domain.StreamOnline{
		SessionID:            e.ID,
		BroadcasterUserID:    e.BroadcasterUserID,
		BroadcasterUserLogin: e.BroadcasterUserLogin,
		BroadcasterUserName:  e.BroadcasterUserName,
		StreamType:           e.Type,
		StartedAt:            e.StartedAt.Time,
	}, nil
}

func decodeStreamOffline(raw json.RawMessage) (domain.StreamEvent, error) {
	var e helix.EventSubStreamOfflineEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("failed to decode stream.offline event: %w", err)
	}
	return domain.StreamOffline{
		BroadcasterUserID:    e.BroadcasterUserID,
		BroadcasterUserLogin: e.BroadcasterUserLogin,
		BroadcasterUserName:  e.BroadcasterUserName,
	}, nil
}
