package domain

import "time"

// ClientCredentials identify the application against the Twitch OAuth endpoint.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// AccessToken is an OAuth app access token obtained via the client credentials grant.
type AccessToken struct {
	Value     string
	TokenType string
	ExpiresAt time.Time
}

// Expired reports whether the token is expired or expires within skew of now.
func (t AccessToken) Expired(now time.Time, skew time.Duration) bool {
	if t.Value == "" {
		return true
	}
	return !now.Add(skew).Before(t.ExpiresAt)
}
