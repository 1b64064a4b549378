package consumers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"

	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/notifier"
	"github.com/rnr-capital/newsfeed-alerts/utils"
)

const (
	// slack rejects messages with more than 50 blocks
	slackMaxItems      = 20
	slackFallbackChars = 150
)

// SlackConsumer posts digests into a slack channel with the workspace's bot
// token.
type SlackConsumer struct {
	apiUrl string
}

var _ notifier.ChannelConsumer = &SlackConsumer{}

// NewSlackConsumer takes an optional api url override, empty means slack.com.
func NewSlackConsumer(apiUrl string) *SlackConsumer {
	if apiUrl != "" && !strings.HasSuffix(apiUrl, "/") {
		apiUrl += "/"
	}
	return &SlackConsumer{apiUrl: apiUrl}
}

func (c *SlackConsumer) Eligible(ch *model.Channel) error {
	if ch.Status == model.ChannelStatusDisconnected {
		return notEligible(ch, "slack workspace disconnected")
	}
	if ch.OAuth.AccessToken == "" {
		return notEligible(ch, "slack workspace not connected")
	}
	cfg, err := ch.SlackConfig()
	if err != nil {
		return notEligible(ch, err.Error())
	}
	if cfg.Channel.Id == "" {
		return notEligible(ch, "slack channel not selected")
	}
	return nil
}

func (c *SlackConsumer) client(token string) *slack.Client {
	if c.apiUrl == "" {
		return slack.New(token)
	}
	return slack.New(token, slack.OptionAPIURL(c.apiUrl))
}

func (c *SlackConsumer) Send(ctx context.Context, ch *model.Channel, digest notifier.Digest) error {
	if err := c.Eligible(ch); err != nil {
		return err
	}
	cfg, _ := ch.SlackConfig()
	_, _, err := c.client(ch.OAuth.AccessToken).PostMessageContext(ctx, cfg.Channel.Id,
		slack.MsgOptionText(slackFallbackText(digest), false),
		slack.MsgOptionBlocks(BuildSlackBlocks(digest)...),
	)
	if err != nil {
		return ClassifySlackError(ch.Id, err)
	}
	return nil
}

// ClassifySlackError maps slack-go errors to the delivery taxonomy.
func ClassifySlackError(channelID string, err error) error {
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) && notifier.IsSlackCredentialError(apiErr.Err) {
		return &notifier.CredentialRejected{ChannelID: channelID, Cause: err}
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) && (statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden) {
		return &notifier.CredentialRejected{ChannelID: channelID, Cause: err}
	}
	return &notifier.TransientDeliveryFailed{ChannelID: channelID, Cause: err}
}

func slackFallbackText(digest notifier.Digest) string {
	return utils.TruncateRunes(digest.Title, slackFallbackChars)
}

func buildItemBlock(item notifier.DigestItem) slack.Block {
	text := fmt.Sprintf("*<%s|%s>*  `%d`", item.Url, escapeSlack(item.Title), item.Importance)
	if item.Url == "" {
		text = fmt.Sprintf("*%s*  `%d`", escapeSlack(item.Title), item.Importance)
	}
	for idx, finding := range item.KeyFindings {
		if idx >= notifier.FindingsPerItem {
			break
		}
		text += "\n• " + escapeSlack(finding)
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil)
}

// BuildSlackBlocks renders the digest as block kit: a header, one section per
// story and a trailing context line when stories were left out.
func BuildSlackBlocks(digest notifier.Digest) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", utils.TruncateRunes(digest.Title, 150), false, false)),
	}
	for idx, item := range digest.Items {
		if idx >= slackMaxItems {
			blocks = append(blocks, slack.NewContextBlock("",
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("and %d more", len(digest.Items)-idx), false, false)))
			break
		}
		blocks = append(blocks, buildItemBlock(item))
	}
	return blocks
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeSlack(text string) string {
	return slackEscaper.Replace(text)
}
