package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

/*

User is a data model for an alerts user

Id: primary key, use to identify a user
CreatedAt: time when entity is created
DeletedAt: time when entity is deleted

Name: name of a user, can be changed, don't need to be unique
Email: user's login email, also the default email channel destination
Timezone: IANA zone name used to evaluate schedule wait policies of alerts
	owned by this user, empty means the service default
Alerts: alerts owned by this user, "has-many" relation
Channels: delivery channels owned by this user, "has-many" relation

*/

type User struct {
	Id        string `gorm:"primaryKey"`
	CreatedAt time.Time
	DeletedAt gorm.DeletedAt
	Name      string
	Email     string
	Timezone  string
	Alerts    []*Alert   `json:"alerts" gorm:"foreignKey:OwnerID"`
	Channels  []*Channel `json:"channels" gorm:"foreignKey:OwnerID"`
}

func (u *User) BeforeCreate(db *gorm.DB) error {
	if u.Id == "" {
		u.Id = uuid.New().String()
	}
	return nil
}

// Location returns the user's timezone, falling back to def when the user
// has none or it can't be loaded.
func (u User) Location(def *time.Location) *time.Location {
	if u.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return def
	}
	return loc
}
