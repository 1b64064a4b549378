package consumers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/rnr-capital/newsfeed-alerts/collector/clients"
	"github.com/rnr-capital/newsfeed-alerts/config"
	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/notifier"
	"github.com/rnr-capital/newsfeed-alerts/utils"
)

const (
	defaultTwilioBaseUrl = "https://api.twilio.com"
	// twilio concatenates longer bodies into up to 10 segments
	smsMaxChars = 1600
)

// SmsConsumer delivers digests as text messages through the twilio rest api.
type SmsConsumer struct {
	client *clients.HttpClient
	cfg    config.TwilioConfig
}

var _ notifier.ChannelConsumer = &SmsConsumer{}

func NewSmsConsumer(client *clients.HttpClient, cfg config.TwilioConfig) *SmsConsumer {
	if cfg.BaseUrl == "" {
		cfg.BaseUrl = defaultTwilioBaseUrl
	}
	return &SmsConsumer{client: client, cfg: cfg}
}

func (c *SmsConsumer) Eligible(ch *model.Channel) error {
	if err := checkVerified(ch); err != nil {
		return err
	}
	if _, err := phoneNumber(ch); err != nil {
		return notEligible(ch, err.Error())
	}
	return nil
}

func (c *SmsConsumer) Send(ctx context.Context, ch *model.Channel, digest notifier.Digest) error {
	number, err := phoneNumber(ch)
	if err != nil {
		return notEligible(ch, err.Error())
	}
	return c.deliver(ctx, ch, number, SmsBody(digest))
}

// SendVerification texts the verification link of a phone channel.
func (c *SmsConsumer) SendVerification(ctx context.Context, ch *model.Channel, link string) error {
	number, err := phoneNumber(ch)
	if err != nil {
		return err
	}
	return c.deliver(ctx, ch, number, "Confirm your alert phone number: "+link)
}

func (c *SmsConsumer) deliver(ctx context.Context, ch *model.Channel, number, body string) error {
	if c.cfg.AccountSid == "" || c.cfg.From == "" {
		return &notifier.TransientDeliveryFailed{ChannelID: ch.Id, Cause: errors.New("twilio not configured")}
	}
	uri := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(c.cfg.BaseUrl, "/"), c.cfg.AccountSid)
	res, err := c.client.Request(ctx).
		SetBasicAuth(c.cfg.AccountSid, c.cfg.AuthToken).
		SetFormData(map[string]string{
			"To":   number,
			"From": c.cfg.From,
			"Body": body,
		}).
		Post(uri)
	_, err = clients.CheckResponse(http.MethodPost, uri, res, err)
	if err == nil {
		return nil
	}
	var statusErr *clients.HttpStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusBadRequest {
		// twilio answers 400 for numbers it can't text, retrying won't help
		return notEligible(ch, "twilio rejected number: "+utils.TruncateRunes(statusErr.Body, 200))
	}
	// the account credential is ours, never the channel's
	return &notifier.TransientDeliveryFailed{ChannelID: ch.Id, Cause: err}
}

// SmsBody renders a digest into a single text message.
func SmsBody(digest notifier.Digest) string {
	lines := []string{digest.Title}
	for _, item := range digest.Items {
		lines = append(lines, fmt.Sprintf("- %s %s", item.Title, item.Url))
	}
	return utils.TruncateRunes(strings.Join(lines, "\n"), smsMaxChars)
}

func phoneNumber(ch *model.Channel) (string, error) {
	cfg, err := ch.PhoneConfig()
	if err != nil {
		return "", err
	}
	number := cfg.Number
	if number == "" {
		number = ch.Destination
	}
	number = strings.ReplaceAll(number, " ", "")
	if !strings.HasPrefix(number, "+") || len(number) < 8 {
		return "", fmt.Errorf("phone number %q is not in e.164 format", number)
	}
	return number, nil
}
