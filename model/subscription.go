package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

/*

Subscription links a user to an alert, delivering to one of the user's channels

Id: primary key
CreatedAt: time when the user subscribed
DeletedAt: soft delete, only one active subscription per (user, alert)

UserID: subscriber
AlertID: alert subscribed to
ChannelID: channel digests are sent to

*/

type Subscription struct {
	Id        string `gorm:"primaryKey"`
	CreatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
	UserID    string         `gorm:"uniqueIndex:idx_subscription_user_alert,where:deleted_at IS NULL"`
	AlertID   string         `gorm:"uniqueIndex:idx_subscription_user_alert,where:deleted_at IS NULL"`
	ChannelID string
	Channel   *Channel `gorm:"foreignKey:ChannelID"`
}

func (s *Subscription) BeforeCreate(db *gorm.DB) error {
	if s.Id == "" {
		s.Id = uuid.New().String()
	}
	return nil
}
