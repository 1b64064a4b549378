package consumers

import (
	"time"

	"github.com/rnr-capital/newsfeed-alerts/collector/clients"
	"github.com/rnr-capital/newsfeed-alerts/config"
	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/notifier"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

var (
	Log = Logger.LogV2
)

// NewRegistry builds one consumer per channel type from the transport config.
func NewRegistry(cfg config.Config) (notifier.Registry, error) {
	client := clients.NewHttpClient(clients.Options{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    cfg.Pipeline.SendTimeout,
	})

	email, err := NewEmailConsumer(
		WithMailjetKeys(cfg.Transports.Mailjet.PublicKey, cfg.Transports.Mailjet.PrivateKey, cfg.Pipeline.SendTimeout),
		WithSender(cfg.Transports.Mailjet.Sender, cfg.Transports.Mailjet.SenderName),
	)
	if err != nil {
		return nil, err
	}

	return notifier.Registry{
		model.ChannelTypeEmail:   email,
		model.ChannelTypePhone:   NewSmsConsumer(client, cfg.Transports.Twilio),
		model.ChannelTypeSlack:   NewSlackConsumer(cfg.Transports.Slack.APIUrl),
		model.ChannelTypeDiscord: NewDiscordConsumer(client, cfg.Transports.Discord),
	}, nil
}

func notEligible(ch *model.Channel, reason string) error {
	return &notifier.NotEligible{ChannelID: ch.Id, Reason: reason}
}

// checkVerified is the shared eligibility rule of email and phone channels.
func checkVerified(ch *model.Channel) error {
	if ch.Status == model.ChannelStatusDisconnected {
		return notEligible(ch, "channel disconnected")
	}
	if !ch.Verified {
		return notEligible(ch, "channel not verified")
	}
	return nil
}
