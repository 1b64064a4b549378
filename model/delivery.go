package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeliveryStatus string

const (
	DeliveryStatusClaimed            DeliveryStatus = "CLAIMED"
	DeliveryStatusSent               DeliveryStatus = "SENT"
	DeliveryStatusFailed             DeliveryStatus = "FAILED"
	DeliveryStatusCredentialRejected DeliveryStatus = "CREDENTIAL_REJECTED"
	// the send timed out in flight, the provider may have accepted it
	DeliveryStatusUnknown DeliveryStatus = "UNKNOWN"
)

/*

Delivery records one story going to one channel. (StoryID, ChannelID) is
unique, a row is claimed before the send happens so that a story is never
sent twice to the same channel, even by overlapping runs.

RunID: dispatch run that claimed the row
Status: CLAIMED before the send, then SENT, FAILED, CREDENTIAL_REJECTED or
UNKNOWN. SENT and UNKNOWN rows are never released.
Error: transport error message of a failed send

*/

type Delivery struct {
	Id        string `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	RunID     string `gorm:"index"`
	AlertID   string `gorm:"index"`
	StoryID   string `gorm:"uniqueIndex:idx_delivery_story_channel"`
	ChannelID string `gorm:"uniqueIndex:idx_delivery_story_channel"`
	Status    DeliveryStatus
	Error     string
}

func (d *Delivery) BeforeCreate(db *gorm.DB) error {
	if d.Id == "" {
		d.Id = uuid.New().String()
	}
	return nil
}
