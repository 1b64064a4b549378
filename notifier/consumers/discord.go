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
	defaultDiscordBaseUrl = "https://discord.com/api/v10"
	discordMaxEmbeds      = 10
	discordMaxContent     = 2000
	discordMaxDescription = 4096
)

type DiscordEmbed struct {
	Title       string `json:"title"`
	Url         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

type DiscordMessage struct {
	Content string         `json:"content"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordConsumer posts digests into a discord channel as the bot.
type DiscordConsumer struct {
	client *clients.HttpClient
	cfg    config.DiscordConfig
}

var _ notifier.ChannelConsumer = &DiscordConsumer{}

func NewDiscordConsumer(client *clients.HttpClient, cfg config.DiscordConfig) *DiscordConsumer {
	if cfg.BaseUrl == "" {
		cfg.BaseUrl = defaultDiscordBaseUrl
	}
	return &DiscordConsumer{client: client, cfg: cfg}
}

func (c *DiscordConsumer) Eligible(ch *model.Channel) error {
	if ch.Status == model.ChannelStatusDisconnected {
		return notEligible(ch, "discord server disconnected")
	}
	cfg, err := ch.DiscordConfig()
	if err != nil {
		return notEligible(ch, err.Error())
	}
	if cfg.Channel.Id == "" {
		return notEligible(ch, "discord channel not selected")
	}
	return nil
}

func (c *DiscordConsumer) Send(ctx context.Context, ch *model.Channel, digest notifier.Digest) error {
	if err := c.Eligible(ch); err != nil {
		return err
	}
	if c.cfg.BotToken == "" {
		return &notifier.TransientDeliveryFailed{ChannelID: ch.Id, Cause: errors.New("discord bot not configured")}
	}
	cfg, _ := ch.DiscordConfig()
	uri := fmt.Sprintf("%s/channels/%s/messages", strings.TrimRight(c.cfg.BaseUrl, "/"), cfg.Channel.Id)
	res, err := c.client.Request(ctx).
		SetHeader("Authorization", "Bot "+c.cfg.BotToken).
		SetBody(BuildDiscordMessage(digest)).
		Post(uri)
	if _, err := clients.CheckResponse(http.MethodPost, uri, res, err); err != nil {
		var statusErr *clients.HttpStatusError
		if errors.As(err, &statusErr) {
			// 403 means the bot lost access to the channel
			return notifier.ClassifyHttpStatus(ch.Id, statusErr.StatusCode, err)
		}
		return &notifier.TransientDeliveryFailed{ChannelID: ch.Id, Cause: err}
	}
	return nil
}

// BuildDiscordMessage renders the digest as one embed per story.
func BuildDiscordMessage(digest notifier.Digest) DiscordMessage {
	msg := DiscordMessage{Content: utils.TruncateRunes("**"+digest.Title+"**", discordMaxContent)}
	for idx, item := range digest.Items {
		if idx >= discordMaxEmbeds {
			msg.Content = utils.TruncateRunes(fmt.Sprintf("%s\nand %d more", msg.Content, len(digest.Items)-idx), discordMaxContent)
			break
		}
		lines := []string{}
		for i, f := range item.KeyFindings {
			if i >= notifier.FindingsPerItem {
				break
			}
			lines = append(lines, "• "+f)
		}
		msg.Embeds = append(msg.Embeds, DiscordEmbed{
			Title:       utils.TruncateRunes(fmt.Sprintf("%s (%d)", item.Title, item.Importance), 256),
			Url:         item.Url,
			Description: utils.TruncateRunes(strings.Join(lines, "\n"), discordMaxDescription),
		})
	}
	return msg
}
