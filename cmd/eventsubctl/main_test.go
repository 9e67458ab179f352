package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/illuminautical/spyglass/internal/adapter/twitch"
	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_Help(t *testing.T) {
	for _, args := range [][]string{nil, {"help"}, {"--help"}} {
		var out bytes.Buffer
		require.NoError(t, dispatch(context.Background(), args, &out))
		assert.Contains(t, out.String(), "usage: eventsubctl")
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	err := dispatch(context.Background(), []string{"frobnicate"}, &bytes.Buffer{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "frobnicate"`)
}

func TestSign_MatchesWebhookSignature(t *testing.T) {
	body := []byte(`{"subscription":{"id":"sub-1"}}`)
	path := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	var out bytes.Buffer
	err := dispatch(context.Background(), []string{"sign",
		"--secret", "s3cret",
		"--message-id", "msg-1",
		"--timestamp", "2026-10-14T09:00:00Z",
		"--body", path,
	}, &out)

	require.NoError(t, err)
	assert.Equal(t, twitch.Sign("s3cret", "msg-1", "2026-10-14T09:00:00Z", body), strings.TrimSpace(out.String()))
}

func TestSign_RequiresFlags(t *testing.T) {
	err := dispatch(context.Background(), []string{"sign", "--secret", "s3cret"}, &bytes.Buffer{})

	assert.EqualError(t, err, "--secret, --message-id and --timestamp are required")
}

func TestSubscribe_ValidatesFlagsBeforeConnecting(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing broadcaster", []string{"subscribe"}, "--broadcaster is required"},
		{"bad type", []string{"subscribe", "-b", "1337", "-t", "channel.follow"}, `unsupported subscription type "channel.follow"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dispatch(context.Background(), tt.args, &bytes.Buffer{})
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestUnsubscribe_RequiresID(t *testing.T) {
	err := dispatch(context.Background(), []string{"unsubscribe"}, &bytes.Buffer{})

	assert.EqualError(t, err, "--id is required")
}

func TestPrintSubscriptions(t *testing.T) {
	created := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	var out bytes.Buffer

	require.NoError(t, printSubscriptions(&out, []domain.Subscription{
		{ID: "sub-1", Type: domain.SubscriptionTypeStreamOnline, BroadcasterUserID: "1337", Status: domain.StatusEnabled, CreatedAt: created},
		{ID: "sub-2", Type: domain.SubscriptionTypeStreamOffline, BroadcasterUserID: "1337", Status: domain.StatusRevoked, RevocationReason: "user_removed", CreatedAt: created},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "sub-1")
	assert.Contains(t, lines[1], "enabled")
	assert.Contains(t, lines[2], "revoked (user_removed)")
	assert.Contains(t, lines[2], "2026-10-14T09:00:00Z")
}
