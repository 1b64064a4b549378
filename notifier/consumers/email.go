package consumers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	mailjet "github.com/mailjet/mailjet-apiv3-go"
	"github.com/pkg/errors"

	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/notifier"
)

const (
	defaultSender      = "alerts@rnr.capital"
	defaultMailTimeout = 20 * time.Second
)

// MailSender hands a batch of messages to the mail provider.
type MailSender func(msgs *mailjet.MessagesV31) error

// EmailOption is a functional option supplied to NewEmailConsumer.
type EmailOption func(*EmailConsumer) error

// NewMailjetSender returns a MailSender backed by the mailjet api. Every
// request is aborted after timeout, baseURL overrides the api host.
func NewMailjetSender(publicKey, privateKey string, timeout time.Duration, baseURL ...string) MailSender {
	if timeout <= 0 {
		timeout = defaultMailTimeout
	}
	client := mailjet.NewMailjetClient(publicKey, privateKey, baseURL...)
	client.SetClient(&http.Client{Timeout: timeout})
	return func(msgs *mailjet.MessagesV31) error {
		_, err := client.SendMailV31(msgs)
		return err
	}
}

// WithMailjetKeys sets the mailjet api keys. Without keys and without
// WithMailSender the consumer can't send anything.
func WithMailjetKeys(publicKey, privateKey string, timeout time.Duration) EmailOption {
	return func(c *EmailConsumer) error {
		if publicKey == "" || privateKey == "" {
			return nil
		}
		c.send = NewMailjetSender(publicKey, privateKey, timeout)
		return nil
	}
}

// WithSender sets the from address and display name.
func WithSender(address, name string) EmailOption {
	return func(c *EmailConsumer) error {
		if address == "" {
			return nil
		}
		if !strings.Contains(address, "@") {
			return fmt.Errorf("invalid sender address %q", address)
		}
		c.sender = address
		c.senderName = name
		return nil
	}
}

// WithMailSender replaces the mailjet client, e.g. in tests.
func WithMailSender(send MailSender) EmailOption {
	return func(c *EmailConsumer) error {
		c.send = send
		return nil
	}
}

// EmailConsumer delivers digests and verification links by email.
type EmailConsumer struct {
	sender     string
	senderName string
	send       MailSender
}

var _ notifier.ChannelConsumer = &EmailConsumer{}

func NewEmailConsumer(options ...EmailOption) (*EmailConsumer, error) {
	c := &EmailConsumer{sender: defaultSender, senderName: "Alerts"}
	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *EmailConsumer) Eligible(ch *model.Channel) error {
	if err := checkVerified(ch); err != nil {
		return err
	}
	if _, err := emailAddress(ch); err != nil {
		return notEligible(ch, err.Error())
	}
	return nil
}

func (c *EmailConsumer) Send(ctx context.Context, ch *model.Channel, digest notifier.Digest) error {
	address, err := emailAddress(ch)
	if err != nil {
		return notEligible(ch, err.Error())
	}
	html, err := renderDigestHtml(digest)
	if err != nil {
		return &notifier.TransientDeliveryFailed{ChannelID: ch.Id, Cause: err}
	}
	return c.deliver(ctx, ch, address, digest.Title, digest.PlainText(), html)
}

// SendVerification mails the verification link of an email channel.
func (c *EmailConsumer) SendVerification(ctx context.Context, ch *model.Channel, link string) error {
	address, err := emailAddress(ch)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Confirm that you want alerts delivered to %s by opening %s", address, link)
	return c.deliver(ctx, ch, address, "Confirm your alert email", text, "")
}

func (c *EmailConsumer) deliver(ctx context.Context, ch *model.Channel, address, subject, text, html string) error {
	if c.send == nil {
		return &notifier.TransientDeliveryFailed{ChannelID: ch.Id, Cause: errors.New("mailjet not configured")}
	}
	msgs := &mailjet.MessagesV31{Info: []mailjet.InfoMessagesV31{{
		From:     &mailjet.RecipientV31{Email: c.sender, Name: c.senderName},
		To:       &mailjet.RecipientsV31{mailjet.RecipientV31{Email: address, Name: ch.Name}},
		Subject:  subject,
		TextPart: text,
		HTMLPart: html,
		CustomID: ch.Id,
	}}}

	// the mailjet client takes no context, its http client timeout bounds
	// the request. Returning before the send settles would let the claim go
	// while the mail may still be on its way.
	if err := ctx.Err(); err != nil {
		return &notifier.TransientDeliveryFailed{ChannelID: ch.Id, Cause: err}
	}
	if err := c.send(msgs); err != nil {
		// the api keys are ours, a rejection is never the channel's fault
		return &notifier.TransientDeliveryFailed{ChannelID: ch.Id, Cause: errors.Wrap(err, "could not send mail")}
	}
	return nil
}

func emailAddress(ch *model.Channel) (string, error) {
	cfg, err := ch.EmailConfig()
	if err != nil {
		return "", err
	}
	address := cfg.Address
	if address == "" {
		address = ch.Destination
	}
	if !strings.Contains(address, "@") {
		return "", fmt.Errorf("invalid email address %q", address)
	}
	return address, nil
}

var digestTemplate = template.Must(template.New("digest").Parse(`<h2>{{.Title}}</h2>
{{range .Items}}<div style="margin-bottom:16px">
<a href="{{.Url}}"><b>{{.Title}}</b></a> <span style="color:#888">{{.Importance}}</span>
{{if .KeyFindings}}<ul>{{range .KeyFindings}}<li>{{.}}</li>{{end}}</ul>{{end}}
</div>
{{end}}`))

func renderDigestHtml(digest notifier.Digest) (string, error) {
	var buf bytes.Buffer
	if err := digestTemplate.Execute(&buf, digest); err != nil {
		return "", err
	}
	return buf.String(), nil
}
