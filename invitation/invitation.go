package invitation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/store"
	"github.com/rnr-capital/newsfeed-alerts/utils"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const (
	defaultTTL = 7 * 24 * time.Hour
	tokenBytes = 24
)

var (
	ErrAlertNotPublic  = errors.New("alert is not public")
	ErrChannelNotOwned = errors.New("channel is not owned by the redeeming user")
)

type InvitationExpired struct {
	Token     string
	ExpiresAt time.Time
}

func (e *InvitationExpired) Error() string {
	return fmt.Sprintf("invitation expired at %s", e.ExpiresAt.Format(time.RFC3339))
}

type InvitationAlreadyAccepted struct {
	Token      string
	AcceptedAt time.Time
}

func (e *InvitationAlreadyAccepted) Error() string {
	return "invitation already accepted"
}

// Service issues and redeems invitations to public alerts.
type Service struct {
	store *store.Store
	ttl   time.Duration
}

func NewService(s *store.Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{store: s, ttl: ttl}
}

// Create issues a single use invitation to alertID valid for the configured
// ttl.
func (s *Service) Create(ctx context.Context, alertID, inviterID, email string, now time.Time) (*model.Invitation, error) {
	alert, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Visibility != model.VisibilityPublic {
		return nil, ErrAlertNotPublic
	}
	token, err := utils.RandomToken(tokenBytes)
	if err != nil {
		return nil, errors.Wrap(err, "fail to generate invitation token")
	}
	inv := &model.Invitation{
		AlertID:   alertID,
		InviterID: inviterID,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Token:     token,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.CreateInvitation(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Redeem subscribes userID to the invited alert through channelID. Expired
// and already accepted invitations fail without touching anything. The
// subscription and the acceptance are written in one transaction, so an
// invitation is never consumed without its subscription.
func (s *Service) Redeem(ctx context.Context, token, userID, channelID string, now time.Time) (*model.Subscription, error) {
	logger := Logger.LogV2.WithFields(logrus.Fields{"user_id": userID, "channel_id": channelID})

	inv, err := s.store.GetInvitationByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.Accepted() {
		return nil, &InvitationAlreadyAccepted{Token: token, AcceptedAt: *inv.AcceptedAt}
	}
	if inv.Expired(now) {
		return nil, &InvitationExpired{Token: token, ExpiresAt: inv.ExpiresAt}
	}

	alert, err := s.store.GetAlert(ctx, inv.AlertID)
	if err != nil {
		return nil, err
	}
	if alert.Visibility != model.VisibilityPublic {
		return nil, ErrAlertNotPublic
	}
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.OwnerID != userID {
		return nil, ErrChannelNotOwned
	}

	sub := &model.Subscription{UserID: userID, AlertID: alert.Id, ChannelID: ch.Id}
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.AcceptInvitation(ctx, inv.Id, userID, now); err != nil {
			if errors.Is(err, store.ErrInvitationConsumed) {
				return &InvitationAlreadyAccepted{Token: token, AcceptedAt: now}
			}
			return err
		}
		return tx.CreateSubscription(ctx, sub)
	})
	if err != nil {
		logger.WithError(err).Info("invitation not redeemed")
		return nil, err
	}
	logger.WithField("alert_id", alert.Id).Info("invitation redeemed")
	return sub, nil
}
