package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	MinImportance = 0
	MaxImportance = 100
)

/*

Story is one summarized candidate of an alert

Id: primary key
CreatedAt: time when the story is scored
DeletedAt: soft delete

AlertID: alert this story belongs to
ContentID: content this story summarizes, (AlertID, ContentID) is unique so
	one url yields at most one story per alert
Title: summarized title
KeyFindings: ordered list of key findings
Importance: score in [0, 100]
LanguageCode: language the summary is written in
DeliveredAt: set once the story went out in a digest to at least one channel,
	null while undelivered

*/

type Story struct {
	Id           string `gorm:"primaryKey"`
	CreatedAt    time.Time
	DeletedAt    gorm.DeletedAt
	AlertID      string  `gorm:"uniqueIndex:idx_story_alert_content"`
	ContentID    string  `gorm:"uniqueIndex:idx_story_alert_content"`
	Content      Content `gorm:"foreignKey:ContentID"`
	Title        string
	KeyFindings  datatypes.JSONType[[]string]
	Importance   int
	LanguageCode string
	DeliveredAt  *time.Time `gorm:"index"`
}

func (s *Story) BeforeCreate(db *gorm.DB) error {
	if s.Id == "" {
		s.Id = uuid.New().String()
	}
	s.Importance = ClampImportance(s.Importance)
	return nil
}

func (s Story) Delivered() bool {
	return s.DeliveredAt != nil
}

func (s Story) Findings() []string {
	return s.KeyFindings.Data()
}

func ClampImportance(score int) int {
	if score < MinImportance {
		return MinImportance
	}
	if score > MaxImportance {
		return MaxImportance
	}
	return score
}
