package channel

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/rnr-capital/newsfeed-alerts/model"
)

type Verification string

const (
	VerificationCreated Verification = "CREATED"
	VerificationPending Verification = "PENDING_VERIFICATION"
	VerificationDone    Verification = "VERIFIED"
	VerificationExpired Verification = "EXPIRED"
)

// VerificationState derives where an email or phone channel is in its
// verification flow. Created -> Pending -> Verified, or Pending -> Expired
// once the link outlives ttl; a resend moves Expired back to Pending.
func VerificationState(ch *model.Channel, now time.Time, ttl time.Duration) Verification {
	switch {
	case ch.Verified:
		return VerificationDone
	case ch.VerificationSentAt == nil || ch.VerificationToken == "":
		return VerificationCreated
	case !now.Before(ch.VerificationSentAt.Add(ttl)):
		return VerificationExpired
	default:
		return VerificationPending
	}
}

type Connection string

const (
	Disconnected      Connection = "DISCONNECTED"
	TokenValid        Connection = "CONNECTED_TOKEN_VALID"
	TokenExpiringSoon Connection = "CONNECTED_TOKEN_EXPIRING_SOON"
)

// ConnectionState derives the oauth lifecycle state of a slack channel. A
// token expiring within lookahead, or already expired, is ExpiringSoon and
// due for a refresh. Tokens without expiry never need one.
func ConnectionState(ch *model.Channel, now time.Time, lookahead time.Duration) Connection {
	if ch.Status == model.ChannelStatusDisconnected || ch.OAuth.AccessToken == "" {
		return Disconnected
	}
	if ch.OAuth.ExpiresAt == nil {
		return TokenValid
	}
	if ch.OAuth.ExpiresAt.After(now.Add(lookahead)) {
		return TokenValid
	}
	return TokenExpiringSoon
}

// ApplyRefresh stores a refreshed token pair on ch. Providers that don't
// rotate refresh tokens return an empty one, the old one stays valid then.
func ApplyRefresh(ch *model.Channel, token *oauth2.Token) {
	rotation := ch.OAuth.TokenRotationEnabled
	refreshToken := ch.OAuth.RefreshToken
	ch.OAuth = model.OAuthCredentialFromToken(token, rotation)
	if ch.OAuth.RefreshToken == "" {
		ch.OAuth.RefreshToken = refreshToken
	}
	ch.Status = model.ChannelStatusActive
	ch.LastError = ""
	ch.CredentialRejectedAt = nil
}

// Disconnect drops the credential of ch. Only reconnecting through the oauth
// flow brings it back.
func Disconnect(ch *model.Channel, reason string) {
	ch.OAuth = model.OAuthCredential{}
	ch.Status = model.ChannelStatusDisconnected
	ch.LastError = reason
}
