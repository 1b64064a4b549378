package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rnr-capital/newsfeed-alerts/model"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrAlreadySubscribed  = errors.New("user already subscribed to alert")
	ErrInvitationConsumed = errors.New("invitation already accepted")
)

// Store is the durable store of the pipeline. Every method is safe for
// concurrent use, uniqueness is enforced by database constraints rather than
// application locks.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a store bound to a single transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}

// ===== users and alerts =====

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(user).Error, "fail to create user")
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err, "fail to get user "+id)
	}
	return &user, nil
}

func (s *Store) CreateAlert(ctx context.Context, alert *model.Alert) error {
	return errors.Wrap(s.db.WithContext(ctx).Omit("Owner").Create(alert).Error, "fail to create alert")
}

// ListActiveAlerts returns every non deleted alert with its owner preloaded.
func (s *Store) ListActiveAlerts(ctx context.Context) ([]*model.Alert, error) {
	var alerts []*model.Alert
	err := s.db.WithContext(ctx).Preload("Owner").Order("created_at").Find(&alerts).Error
	return alerts, errors.Wrap(err, "fail to list active alerts")
}

func (s *Store) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	var alert model.Alert
	if err := s.db.WithContext(ctx).Preload("Owner").Where("id = ?", id).First(&alert).Error; err != nil {
		return nil, notFound(err, "fail to get alert "+id)
	}
	return &alert, nil
}

// RecordAlertRun updates the firing bookkeeping of an alert and returns the
// resulting consecutive failed run count. A successful run resets the count.
func (s *Store) RecordAlertRun(ctx context.Context, alertID string, firedAt time.Time, succeeded bool) (int, error) {
	db := s.db.WithContext(ctx).Model(&model.Alert{}).Where("id = ?", alertID)
	var err error
	if succeeded {
		err = db.Updates(map[string]interface{}{
			"last_fired_at":           firedAt,
			"consecutive_failed_runs": 0,
		}).Error
	} else {
		err = db.Update("consecutive_failed_runs", gorm.Expr("consecutive_failed_runs + 1")).Error
	}
	if err != nil {
		return 0, errors.Wrap(err, "fail to record alert run")
	}
	var alert model.Alert
	if err := s.db.WithContext(ctx).Select("consecutive_failed_runs").Where("id = ?", alertID).First(&alert).Error; err != nil {
		return 0, notFound(err, "fail to read alert run count")
	}
	return alert.ConsecutiveFailedRuns, nil
}

// ===== content =====

func (s *Store) GetContentByUrl(ctx context.Context, url string) (*model.Content, error) {
	var content model.Content
	if err := s.db.WithContext(ctx).Where("url = ?", url).First(&content).Error; err != nil {
		return nil, notFound(err, "fail to get content "+url)
	}
	return &content, nil
}

// InsertContentIfAbsent stores content unless a row for the same url already
// exists, and returns whichever row is stored. inserted is false when another
// writer got there first.
func (s *Store) InsertContentIfAbsent(ctx context.Context, content *model.Content) (stored *model.Content, inserted bool, err error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoNothing: true,
	}).Create(content)
	if res.Error != nil {
		return nil, false, errors.Wrap(res.Error, "fail to insert content "+content.Url)
	}
	if res.RowsAffected == 1 {
		return content, true, nil
	}
	stored, err = s.GetContentByUrl(ctx, content.Url)
	return stored, false, err
}

// ===== stories =====

func (s *Store) HasStory(ctx context.Context, alertID, contentID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Unscoped().Model(&model.Story{}).
		Where("alert_id = ? AND content_id = ?", alertID, contentID).
		Count(&count).Error
	return count > 0, errors.Wrap(err, "fail to check story")
}

// CreateStoryIfAbsent inserts a story unless the alert already has one for
// the same content. inserted is false when it existed.
func (s *Store) CreateStoryIfAbsent(ctx context.Context, story *model.Story) (stored *model.Story, inserted bool, err error) {
	res := s.db.WithContext(ctx).Omit("Content").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "alert_id"}, {Name: "content_id"}},
		DoNothing: true,
	}).Create(story)
	if res.Error != nil {
		return nil, false, errors.Wrap(res.Error, "fail to create story")
	}
	if res.RowsAffected == 1 {
		return story, true, nil
	}
	var existing model.Story
	err = s.db.WithContext(ctx).Unscoped().
		Where("alert_id = ? AND content_id = ?", story.AlertID, story.ContentID).
		First(&existing).Error
	if err != nil {
		return nil, false, notFound(err, "fail to read existing story")
	}
	return &existing, false, nil
}

// ListQualifyingStories returns undelivered, non deleted stories of an alert
// scoring at least minImportance, most important first, then oldest first.
func (s *Store) ListQualifyingStories(ctx context.Context, alertID string, minImportance int) ([]*model.Story, error) {
	var stories []*model.Story
	err := s.db.WithContext(ctx).
		Preload("Content").
		Where("alert_id = ? AND delivered_at IS NULL AND importance >= ?", alertID, minImportance).
		Order("importance DESC").Order("created_at ASC").Order("id ASC").
		Find(&stories).Error
	return stories, errors.Wrap(err, "fail to list qualifying stories")
}

// MarkStoriesDelivered stamps stories that are still undelivered and returns
// how many rows changed. Stories already delivered keep their first stamp.
func (s *Store) MarkStoriesDelivered(ctx context.Context, storyIDs []string, at time.Time) (int64, error) {
	if len(storyIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Model(&model.Story{}).
		Where("id IN ? AND delivered_at IS NULL", storyIDs).
		Update("delivered_at", at)
	return res.RowsAffected, errors.Wrap(res.Error, "fail to mark stories delivered")
}

// ===== subscriptions =====

// ListActiveSubscriptions returns the non deleted subscriptions of an alert.
// Channel is nil when the subscription's channel was deleted.
func (s *Store) ListActiveSubscriptions(ctx context.Context, alertID string) ([]*model.Subscription, error) {
	var subs []*model.Subscription
	err := s.db.WithContext(ctx).
		Preload("Channel").
		Where("alert_id = ?", alertID).
		Order("created_at").
		Find(&subs).Error
	return subs, errors.Wrap(err, "fail to list subscriptions")
}

// CreateSubscription creates sub unless the user already has an active
// subscription to the alert, in which case ErrAlreadySubscribed is returned.
// The partial unique index on (user_id, alert_id) settles concurrent callers.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	err := s.db.WithContext(ctx).Omit("Channel").Create(sub).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadySubscribed
	}
	return errors.Wrap(err, "fail to create subscription")
}

// ===== deliveries =====

// ClaimDeliveries claims (story, channel) pairs for runID before anything is
// sent and returns the story ids this call claimed. Pairs claimed earlier,
// by this or any other run, are left out.
func (s *Store) ClaimDeliveries(ctx context.Context, runID, alertID, channelID string, storyIDs []string) ([]string, error) {
	claimed := []string{}
	err := s.Transaction(ctx, func(tx *Store) error {
		for _, storyID := range storyIDs {
			res := tx.db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "story_id"}, {Name: "channel_id"}},
				DoNothing: true,
			}).Create(&model.Delivery{
				RunID:     runID,
				AlertID:   alertID,
				StoryID:   storyID,
				ChannelID: channelID,
				Status:    model.DeliveryStatusClaimed,
			})
			if res.Error != nil {
				return errors.Wrap(res.Error, "fail to claim delivery")
			}
			if res.RowsAffected == 1 {
				claimed = append(claimed, storyID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) RecordDeliveryOutcome(ctx context.Context, runID, channelID string, status model.DeliveryStatus, errMsg string) error {
	err := s.db.WithContext(ctx).Model(&model.Delivery{}).
		Where("run_id = ? AND channel_id = ?", runID, channelID).
		Updates(map[string]interface{}{"status": status, "error": errMsg}).Error
	return errors.Wrap(err, "fail to record delivery outcome")
}

// ReleaseFailedClaims drops every claim of the run that did not end up sent,
// so those stories can be claimed again by a later run. Claims whose send
// outcome is unknown stay.
func (s *Store) ReleaseFailedClaims(ctx context.Context, runID string) (int64, error) {
	kept := []model.DeliveryStatus{model.DeliveryStatusSent, model.DeliveryStatusUnknown}
	res := s.db.WithContext(ctx).
		Where("run_id = ? AND status NOT IN ?", runID, kept).
		Delete(&model.Delivery{})
	return res.RowsAffected, errors.Wrap(res.Error, "fail to release claims")
}

func (s *Store) ListDeliveries(ctx context.Context, storyID string) ([]*model.Delivery, error) {
	var deliveries []*model.Delivery
	err := s.db.WithContext(ctx).Where("story_id = ?", storyID).Order("created_at").Find(&deliveries).Error
	return deliveries, errors.Wrap(err, "fail to list deliveries")
}

// ===== channels =====

func (s *Store) SaveChannel(ctx context.Context, ch *model.Channel) error {
	return errors.Wrap(s.db.WithContext(ctx).Save(ch).Error, "fail to save channel")
}

func (s *Store) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	var ch model.Channel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&ch).Error; err != nil {
		return nil, notFound(err, "fail to get channel "+id)
	}
	return &ch, nil
}

// ListChannelsNeedingRefresh returns the rotation enabled, still connected
// channels of the given types holding a refresh token. Expiry filtering is
// left to the caller.
func (s *Store) ListChannelsNeedingRefresh(ctx context.Context, types []model.ChannelType) ([]*model.Channel, error) {
	var channels []*model.Channel
	err := s.db.WithContext(ctx).
		Where("type IN ?", types).
		Where("oauth_token_rotation_enabled = ?", true).
		Where("oauth_refresh_token IS NOT NULL AND oauth_refresh_token <> ''").
		Where("status <> ?", model.ChannelStatusDisconnected).
		Order("oauth_expires_at").
		Find(&channels).Error
	return channels, errors.Wrap(err, "fail to list channels needing refresh")
}

// SaveChannelTokens persists a refreshed token pair and marks the channel
// active again.
func (s *Store) SaveChannelTokens(ctx context.Context, channelID string, cred model.OAuthCredential) error {
	err := s.db.WithContext(ctx).Model(&model.Channel{}).Where("id = ?", channelID).
		Updates(map[string]interface{}{
			"oauth_access_token":           cred.AccessToken,
			"oauth_refresh_token":          cred.RefreshToken,
			"oauth_expires_at":             cred.ExpiresAt,
			"oauth_token_rotation_enabled": cred.TokenRotationEnabled,
			"status":                       model.ChannelStatusActive,
			"last_error":                   "",
		}).Error
	return errors.Wrap(err, "fail to save channel tokens")
}

func (s *Store) MarkChannelCredentialRejected(ctx context.Context, channelID string, at time.Time, reason string) error {
	err := s.db.WithContext(ctx).Model(&model.Channel{}).
		Where("id = ? AND status <> ?", channelID, model.ChannelStatusDisconnected).
		Updates(map[string]interface{}{
			"status":                 model.ChannelStatusCredentialRejected,
			"credential_rejected_at": at,
			"last_error":             reason,
		}).Error
	return errors.Wrap(err, "fail to mark channel credential rejected")
}

// MarkChannelDisconnected drops the channel's credential, only reconnecting
// brings it back.
func (s *Store) MarkChannelDisconnected(ctx context.Context, channelID string, reason string) error {
	err := s.db.WithContext(ctx).Model(&model.Channel{}).Where("id = ?", channelID).
		Updates(map[string]interface{}{
			"status":              model.ChannelStatusDisconnected,
			"last_error":          reason,
			"oauth_access_token":  "",
			"oauth_refresh_token": "",
			"oauth_expires_at":    nil,
		}).Error
	return errors.Wrap(err, "fail to mark channel disconnected")
}

func (s *Store) SetChannelError(ctx context.Context, channelID string, reason string) error {
	err := s.db.WithContext(ctx).Model(&model.Channel{}).Where("id = ?", channelID).
		Update("last_error", reason).Error
	return errors.Wrap(err, "fail to set channel error")
}

// ===== invitations =====

func (s *Store) CreateInvitation(ctx context.Context, inv *model.Invitation) error {
	return errors.Wrap(s.db.WithContext(ctx).Create(inv).Error, "fail to create invitation")
}

func (s *Store) GetInvitationByToken(ctx context.Context, token string) (*model.Invitation, error) {
	var inv model.Invitation
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&inv).Error; err != nil {
		return nil, notFound(err, "fail to get invitation")
	}
	return &inv, nil
}

// AcceptInvitation stamps the invitation as accepted by userID. It returns
// ErrInvitationConsumed when someone accepted it first.
func (s *Store) AcceptInvitation(ctx context.Context, invitationID, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Invitation{}).
		Where("id = ? AND accepted_at IS NULL", invitationID).
		Updates(map[string]interface{}{"accepted_at": at, "accepted_by": userID})
	if res.Error != nil {
		return errors.Wrap(res.Error, "fail to accept invitation")
	}
	if res.RowsAffected == 0 {
		return ErrInvitationConsumed
	}
	return nil
}
