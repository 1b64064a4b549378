package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

/*

Content is the deduplicated fetch result of one url

Id: primary key
Url: normalized source url, unique. It's the dedup key, a url is fetched at
	most once across all alerts and runs
CanonicalUrl: <link rel="canonical"> of the page if it has one
Title: page title
Body: normalized text body, input to summarization
Html: raw html as fetched
PublishedAt: publish time extracted from page meta, if any
FetchedAt: time the page was fetched

Content is immutable once stored.

*/

type Content struct {
	Id           string `gorm:"primaryKey"`
	Url          string `gorm:"uniqueIndex"`
	CanonicalUrl string
	Title        string
	Body         string
	Html         string
	PublishedAt  *time.Time
	FetchedAt    time.Time
}

func (c *Content) BeforeCreate(db *gorm.DB) error {
	if c.Id == "" {
		c.Id = uuid.New().String()
	}
	return nil
}
