package notifier

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rnr-capital/newsfeed-alerts/collector"
)

// TransientDeliveryFailed is a send failure the next run may get past, e.g.
// a network error, a timeout, a 5xx or a rate limit.
type TransientDeliveryFailed struct {
	ChannelID string
	Cause     error
}

func (e *TransientDeliveryFailed) Error() string {
	return fmt.Sprintf("delivery to channel %s failed: %v", e.ChannelID, e.Cause)
}

func (e *TransientDeliveryFailed) Unwrap() error { return e.Cause }

// CredentialRejected means the transport refused the channel's credential.
// The owner has to reconnect the channel or a token refresh has to fix it.
type CredentialRejected struct {
	ChannelID string
	Cause     error
}

func (e *CredentialRejected) Error() string {
	return fmt.Sprintf("credential of channel %s rejected: %v", e.ChannelID, e.Cause)
}

func (e *CredentialRejected) Unwrap() error { return e.Cause }

// NotEligible is not a failure, the channel just can't receive digests yet.
type NotEligible struct {
	ChannelID string
	Reason    string
}

func (e *NotEligible) Error() string {
	return fmt.Sprintf("channel %s not eligible: %s", e.ChannelID, e.Reason)
}

func IsCredentialRejected(err error) bool {
	var cr *CredentialRejected
	return errors.As(err, &cr)
}

func IsNotEligible(err error) bool {
	var ne *NotEligible
	return errors.As(err, &ne)
}

// Slack api error codes meaning the token itself is no good.
var slackCredentialErrors = map[string]bool{
	"invalid_auth":     true,
	"token_revoked":    true,
	"token_expired":    true,
	"not_authed":       true,
	"account_inactive": true,
}

func IsSlackCredentialError(code string) bool {
	return slackCredentialErrors[strings.TrimSpace(code)]
}

// ClassifyHttpStatus maps a transport http status to the delivery taxonomy.
// It returns nil for 2xx.
func ClassifyHttpStatus(channelID string, status int, cause error) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if cause == nil {
		cause = fmt.Errorf("http status %d", status)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &CredentialRejected{ChannelID: channelID, Cause: cause}
	}
	return &TransientDeliveryFailed{ChannelID: channelID, Cause: cause}
}

// AsDeliveryError makes sure err belongs to the delivery taxonomy, anything
// unclassified counts as transient.
func AsDeliveryError(channelID string, err error) error {
	if err == nil {
		return nil
	}
	var cr *CredentialRejected
	var tf *TransientDeliveryFailed
	var ne *NotEligible
	if errors.As(err, &cr) || errors.As(err, &tf) || errors.As(err, &ne) {
		return err
	}
	return &TransientDeliveryFailed{ChannelID: channelID, Cause: err}
}

func isTimeout(err error) bool {
	return collector.IsTimeout(err)
}
