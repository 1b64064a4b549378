package tokens

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"golang.org/x/oauth2"
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// RefreshFailed is returned when the provider refused a refresh.
// Irrecoverable means the refresh token itself is no good anymore and only
// reconnecting the channel helps.
type RefreshFailed struct {
	ChannelID     string
	Code          string
	Irrecoverable bool
	Cause         error
}

func (e *RefreshFailed) Error() string {
	return fmt.Sprintf("refresh of channel %s failed: %v", e.ChannelID, e.Cause)
}

func (e *RefreshFailed) Unwrap() error { return e.Cause }

var irrecoverableCodes = map[string]bool{
	"invalid_refresh_token": true,
	"invalid_grant":         true,
	"token_revoked":         true,
}

func IsIrrecoverable(code string) bool {
	return irrecoverableCodes[code]
}

// SlackRefresher refreshes rotating slack bot tokens through oauth.v2.access.
type SlackRefresher struct {
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

type SlackRefresherOption func(*SlackRefresher)

// WithHttpClient replaces the http client used to reach slack.
func WithHttpClient(client *http.Client) SlackRefresherOption {
	return func(r *SlackRefresher) { r.httpClient = client }
}

func NewSlackRefresher(clientID, clientSecret string, opts ...SlackRefresherOption) *SlackRefresher {
	r := &SlackRefresher{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SlackRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if r.clientID == "" || r.clientSecret == "" {
		return nil, &RefreshFailed{Cause: errors.New("slack oauth client not configured")}
	}
	resp, err := slack.RefreshOAuthV2TokenContext(ctx, r.httpClient, r.clientID, r.clientSecret, refreshToken)
	if err != nil {
		var apiErr slack.SlackErrorResponse
		if errors.As(err, &apiErr) {
			return nil, &RefreshFailed{Code: apiErr.Err, Irrecoverable: IsIrrecoverable(apiErr.Err), Cause: err}
		}
		return nil, &RefreshFailed{Cause: err}
	}
	token := &oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    "Bearer",
	}
	if resp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return token, nil
}
