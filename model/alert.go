package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

/*

Alert is a data model for a user defined alert topic

Id: primary key, use to identify an alert
CreatedAt: time when entity is created
UpdatedAt: time when entity is updated
DeletedAt: time when entity is deleted, alerts are only soft deleted while
	subscriptions still reference them

OwnerID: user who created the alert
Name: display name of the alert
Strategy: content source definition, replaced as a whole on edit
WaitPolicy: trigger condition, a count threshold or a weekly schedule
Prompt: optional summarization instruction override
LanguageCode: language stories are summarized into, e.g. "en"
Threshold: minimal story importance (0~100) for a story to be delivered,
	stories below it are kept but never delivered
Visibility: PUBLIC alerts can be joined through invitations
LastFiredAt: last time the wait policy fired and a digest was dispatched
ConsecutiveFailedRuns: number of consecutive firings where every channel
	failed, reset on the first successful fan-out
Subscriptions: "has-many" relation

*/

type Alert struct {
	Id                    string `gorm:"primaryKey"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
	DeletedAt             gorm.DeletedAt
	OwnerID               string `gorm:"index"`
	Owner                 User   `gorm:"foreignKey:OwnerID"`
	Name                  string
	Strategy              datatypes.JSONType[Strategy]
	WaitPolicy            datatypes.JSONType[WaitPolicy]
	Prompt                *string
	LanguageCode          string
	Threshold             int
	Visibility            Visibility
	LastFiredAt           *time.Time
	ConsecutiveFailedRuns int
	Subscriptions         []*Subscription `gorm:"foreignKey:AlertID"`
}

func (a *Alert) BeforeCreate(db *gorm.DB) error {
	if a.Id == "" {
		a.Id = uuid.New().String()
	}
	return nil
}

// Qualifies reports whether a story is good enough to be delivered for this
// alert.
func (a Alert) Qualifies(s Story) bool {
	return s.Importance >= a.Threshold
}
