package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ChannelType string

const (
	ChannelTypeEmail   ChannelType = "email"
	ChannelTypePhone   ChannelType = "phone"
	ChannelTypeSlack   ChannelType = "slack"
	ChannelTypeDiscord ChannelType = "discord"
)

// UsesVerification is true for channel types gated by a verification link.
func (t ChannelType) UsesVerification() bool {
	return t == ChannelTypeEmail || t == ChannelTypePhone
}

// UsesOAuth is true for channel types holding a rotating workspace credential.
func (t ChannelType) UsesOAuth() bool {
	return t == ChannelTypeSlack
}

type ChannelStatus string

const (
	ChannelStatusActive             ChannelStatus = "ACTIVE"
	ChannelStatusCredentialRejected ChannelStatus = "CREDENTIAL_REJECTED"
	ChannelStatusDisconnected       ChannelStatus = "DISCONNECTED"
)

// OAuthCredential is the token pair of an OAuth based channel. An empty
// RefreshToken means the channel has none.
type OAuthCredential struct {
	AccessToken          string
	RefreshToken         string
	ExpiresAt            *time.Time
	TokenRotationEnabled bool
}

// Token converts the credential into the oauth2 representation.
func (c OAuthCredential) Token() *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
	}
	if c.ExpiresAt != nil {
		t.Expiry = *c.ExpiresAt
	}
	return t
}

func OAuthCredentialFromToken(t *oauth2.Token, rotation bool) OAuthCredential {
	c := OAuthCredential{
		AccessToken:          t.AccessToken,
		RefreshToken:         t.RefreshToken,
		TokenRotationEnabled: rotation,
	}
	if !t.Expiry.IsZero() {
		expiry := t.Expiry
		c.ExpiresAt = &expiry
	}
	return c
}

type ChannelRef struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

type EmailChannelConfig struct {
	Address string `json:"address"`
}

type PhoneChannelConfig struct {
	Number string `json:"number"`
}

type SlackChannelConfig struct {
	TeamID   string     `json:"teamId"`
	TeamName string     `json:"teamName"`
	Channel  ChannelRef `json:"channel"`
}

type DiscordChannelConfig struct {
	GuildID string     `json:"guildId"`
	Channel ChannelRef `json:"channel"`
}

/*

Channel is a delivery destination owned by a user

Id: primary key
CreatedAt: time when entity is created
UpdatedAt: time when entity is updated
DeletedAt: soft delete by owner

OwnerID: user who owns the channel
Type: email / phone / slack / discord, decides how Config is read
Name: human readable name
Destination: display string, e.g. the address or "#general @ Acme"
Config: per type json config, see EmailChannelConfig, PhoneChannelConfig,
	SlackChannelConfig and DiscordChannelConfig

Verified: email and phone channels only receive digests once verified
VerificationToken: token of the outstanding verification link
VerificationSentAt: when the last verification link was sent

OAuth: slack workspace credential, columns prefixed with oauth_
Status: ACTIVE / CREDENTIAL_REJECTED / DISCONNECTED
LastError: last delivery or refresh error, shown to the owner
CredentialRejectedAt: last time a transport rejected the credential

*/

type Channel struct {
	Id                   string `gorm:"primaryKey"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	DeletedAt            gorm.DeletedAt
	OwnerID              string `gorm:"index"`
	Type                 ChannelType
	Name                 string
	Destination          string
	Config               datatypes.JSON
	Verified             bool
	VerificationToken    string
	VerificationSentAt   *time.Time
	OAuth                OAuthCredential `gorm:"embedded;embeddedPrefix:oauth_"`
	Status               ChannelStatus
	LastError            string
	CredentialRejectedAt *time.Time
}

func (c *Channel) BeforeCreate(db *gorm.DB) error {
	if c.Id == "" {
		c.Id = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = ChannelStatusActive
	}
	return nil
}

func (c Channel) EmailConfig() (EmailChannelConfig, error) {
	cfg := EmailChannelConfig{}
	return cfg, c.decodeConfig(ChannelTypeEmail, &cfg)
}

func (c Channel) PhoneConfig() (PhoneChannelConfig, error) {
	cfg := PhoneChannelConfig{}
	return cfg, c.decodeConfig(ChannelTypePhone, &cfg)
}

func (c Channel) SlackConfig() (SlackChannelConfig, error) {
	cfg := SlackChannelConfig{}
	return cfg, c.decodeConfig(ChannelTypeSlack, &cfg)
}

func (c Channel) DiscordConfig() (DiscordChannelConfig, error) {
	cfg := DiscordChannelConfig{}
	return cfg, c.decodeConfig(ChannelTypeDiscord, &cfg)
}

// SetConfig encodes cfg into the Config column.
func (c *Channel) SetConfig(cfg interface{}) error {
	bytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	c.Config = datatypes.JSON(bytes)
	return nil
}

func (c Channel) decodeConfig(want ChannelType, out interface{}) error {
	if c.Type != want {
		return fmt.Errorf("channel %s is %s, not %s", c.Id, c.Type, want)
	}
	if len(c.Config) == 0 {
		return nil
	}
	return json.Unmarshal(c.Config, out)
}
