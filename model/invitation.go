package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

/*

Invitation is a single use, time bounded grant to join a public alert

Id: primary key
CreatedAt: time when the invitation is issued
DeletedAt: soft delete
AlertID: alert the invitee may subscribe to
InviterID: user who sent the invitation
Email: invitee email
Token: opaque random token, unique
ExpiresAt: the token can't be redeemed after this time
AcceptedAt: set when the token is redeemed, null until then
AcceptedBy: user who redeemed the token

*/

type Invitation struct {
	Id         string `gorm:"primaryKey"`
	CreatedAt  time.Time
	DeletedAt  gorm.DeletedAt
	AlertID    string
	InviterID  string
	Email      string
	Token      string `gorm:"uniqueIndex"`
	ExpiresAt  time.Time
	AcceptedAt *time.Time
	AcceptedBy *string
}

func (i *Invitation) BeforeCreate(db *gorm.DB) error {
	if i.Id == "" {
		i.Id = uuid.New().String()
	}
	return nil
}

func (i Invitation) Accepted() bool {
	return i.AcceptedAt != nil
}

func (i Invitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
