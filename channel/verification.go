package channel

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/utils"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const tokenBytes = 24

var (
	ErrVerificationExpired  = errors.New("verification link expired")
	ErrVerificationMismatch = errors.New("verification token mismatch")
	ErrAlreadyVerified      = errors.New("channel already verified")
	ErrNotVerifiable        = errors.New("channel type has no verification")
)

// Sender delivers a verification link to the channel itself.
type Sender interface {
	SendVerification(ctx context.Context, ch *model.Channel, link string) error
}

type Store interface {
	GetChannel(ctx context.Context, id string) (*model.Channel, error)
	SaveChannel(ctx context.Context, ch *model.Channel) error
}

// Verifier runs the verification flow of email and phone channels.
type Verifier struct {
	store   Store
	senders map[model.ChannelType]Sender
	ttl     time.Duration
	linkFmt string
	now     func() time.Time
}

// NewVerifier takes the link template the token is substituted into, e.g.
// "https://app.example.com/verify?token=%s".
func NewVerifier(store Store, senders map[model.ChannelType]Sender, ttl time.Duration, linkFmt string) *Verifier {
	if !strings.Contains(linkFmt, "%s") {
		linkFmt += "%s"
	}
	return &Verifier{store: store, senders: senders, ttl: ttl, linkFmt: linkFmt, now: time.Now}
}

func (v *Verifier) State(ch *model.Channel) Verification {
	return VerificationState(ch, v.now(), v.ttl)
}

// StartVerification sends the first verification link of a created channel.
// On a channel already pending it behaves like ResendVerification.
func (v *Verifier) StartVerification(ctx context.Context, channelID string) error {
	return v.send(ctx, channelID)
}

// ResendVerification issues a fresh link, invalidating the previous one and
// moving an expired channel back to pending.
func (v *Verifier) ResendVerification(ctx context.Context, channelID string) error {
	return v.send(ctx, channelID)
}

func (v *Verifier) send(ctx context.Context, channelID string) error {
	ch, err := v.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if !ch.Type.UsesVerification() {
		return ErrNotVerifiable
	}
	if ch.Verified {
		return ErrAlreadyVerified
	}
	sender, ok := v.senders[ch.Type]
	if !ok {
		return fmt.Errorf("no verification sender for %s channels", ch.Type)
	}

	token, err := utils.RandomToken(tokenBytes)
	if err != nil {
		return errors.Wrap(err, "fail to generate verification token")
	}
	if err := sender.SendVerification(ctx, ch, fmt.Sprintf(v.linkFmt, token)); err != nil {
		return errors.Wrap(err, "fail to send verification")
	}
	sentAt := v.now()
	ch.VerificationToken = token
	ch.VerificationSentAt = &sentAt
	if err := v.store.SaveChannel(ctx, ch); err != nil {
		return err
	}
	Logger.LogV2.WithFields(logrus.Fields{"channel_id": ch.Id, "channel_type": ch.Type}).Info("verification sent")
	return nil
}

// ConfirmVerification checks token against the outstanding link. Confirming
// an already verified channel succeeds without changes.
func (v *Verifier) ConfirmVerification(ctx context.Context, channelID, token string) error {
	ch, err := v.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	switch v.State(ch) {
	case VerificationDone:
		return nil
	case VerificationCreated:
		return ErrVerificationMismatch
	case VerificationExpired:
		return ErrVerificationExpired
	}
	if subtle.ConstantTimeCompare([]byte(ch.VerificationToken), []byte(token)) != 1 {
		return ErrVerificationMismatch
	}
	ch.Verified = true
	ch.VerificationToken = ""
	if ch.Status == model.ChannelStatusDisconnected {
		ch.Status = model.ChannelStatusActive
	}
	return v.store.SaveChannel(ctx, ch)
}
