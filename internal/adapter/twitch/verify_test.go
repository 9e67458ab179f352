package twitch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	testSubscriptionID = "f1c2a387-161a-49f9-a165-0f21d7a4e1c4"
	testSecret         = "0123456789abcdef0123456789abcdef"
	testMessageID      = "befa7b53-d79d-478f-86b9-120f112b044e"
	testTimestamp      = "2026-10-14T12:00:00.123456789Z"
)

func testSubscription(status domain.SubscriptionStatus) domain.Subscription {
	return domain.Subscription{
		ID:                testSubscriptionID,
		BroadcasterUserID: "1337",
		Type:              domain.SubscriptionTypeStreamOnline,
		Secret:            testSecret,
		Status:            status,
	}
}

func TestSign_MatchesReferenceHMAC(t *testing.T) {
	body := []byte(`{"hello":"world"}`)

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(testMessageID + testTimestamp + string(body)))
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign(testSecret, testMessageID, testTimestamp, body))
}

func TestVerify_ValidSignature(t *testing.T) {
	v := NewVerifier(newMemRepo(testSubscription(domain.StatusPending)))
	body := []byte(`{"subscription":{"id":"x"}}`)

	ok, err := v.Verify(context.Background(), testSubscriptionID, testMessageID, testTimestamp, body, Sign(testSecret, testMessageID, testTimestamp, body))

	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_UnknownSubscription(t *testing.T) {
	v := NewVerifier(newMemRepo())
	body := []byte(`{}`)

	ok, err := v.Verify(context.Background(), "missing", testMessageID, testTimestamp, body, Sign(testSecret, testMessageID, testTimestamp, body))

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_RepositoryError(t *testing.T) {
	repo := newMemRepo()
	repo.findErr = errBoom
	v := NewVerifier(repo)

	ok, err := v.Verify(context.Background(), testSubscriptionID, testMessageID, testTimestamp, nil, "sha256=00")

	require.ErrorIs(t, err, errBoom)
	assert.False(t, ok)
}

func TestAuthenticate_ReturnsSubscription(t *testing.T) {
	v := NewVerifier(newMemRepo(testSubscription(domain.StatusEnabled)))
	body := []byte(`{}`)

	sub, err := v.Authenticate(context.Background(), testSubscriptionID, testMessageID, testTimestamp, body, Sign(testSecret, testMessageID, testTimestamp, body))

	require.NoError(t, err)
	assert.Equal(t, testSubscriptionID, sub.ID)
}

func TestAuthenticate_Mismatch(t *testing.T) {
	v := NewVerifier(newMemRepo(testSubscription(domain.StatusEnabled)))

	_, err := v.Authenticate(context.Background(), testSubscriptionID, testMessageID, testTimestamp, []byte(`{}`), "sha256=deadbeef")

	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerify_HoldsExactlyForCorrectSignature(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.StringMatching(`[a-zA-Z0-9]{1,64}`).Draw(t, "secret")
		messageID := rapid.String().Draw(t, "message_id")
		timestamp := rapid.String().Draw(t, "timestamp")
		body := rapid.SliceOf(rapid.Byte()).Draw(t, "body")

		sub := testSubscription(domain.StatusEnabled)
		sub.Secret = secret
		v := NewVerifier(newMemRepo(sub))

		sig := Sign(secret, messageID, timestamp, body)
		ok, err := v.Verify(context.Background(), sub.ID, messageID, timestamp, body, sig)
		if err != nil || !ok {
			t.Fatalf("correct signature rejected: ok=%v err=%v", ok, err)
		}

		otherSecret := rapid.StringMatching(`[a-zA-Z0-9]{1,64}`).Filter(func(s string) bool { return s != secret }).Draw(t, "other_secret")
		ok, err = v.Verify(context.Background(), sub.ID, messageID, timestamp, body, Sign(otherSecret, messageID, timestamp, body))
		if err != nil || ok {
			t.Fatalf("signature under another secret accepted: ok=%v err=%v", ok, err)
		}
	})
}

func TestVerify_RejectsSingleByteBodyMutation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		body := rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(t, "body")
		idx := rapid.IntRange(0, len(body)-1).Draw(t, "index")
		delta := rapid.ByteRange(1, 255).Draw(t, "delta")

		v := NewVerifier(newMemRepo(testSubscription(domain.StatusEnabled)))
		sig := Sign(testSecret, testMessageID, testTimestamp, body)

		mutated := append([]byte(nil), body...)
		mutated[idx] += delta

		ok, err := v.Verify(context.Background(), testSubscriptionID, testMessageID, testTimestamp, mutated, sig)
		if err != nil || ok {
			t.Fatalf("mutated body accepted at index %d: ok=%v err=%v", idx, ok, err)
		}
	})
}
