package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	configPathEnv = "ALERTS_CONFIG"
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Fetcher     FetcherConfig     `yaml:"fetcher"`
	Search      SearchConfig      `yaml:"search"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Transports  TransportsConfig  `yaml:"transports"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Tokens      TokensConfig      `yaml:"tokens"`
	Invitations InvitationsConfig `yaml:"invitations"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
	Server      ServerConfig      `yaml:"server"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig enables the cross process fetch lease when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LeaseTTL time.Duration `yaml:"leaseTtl"`
}

// ArchiveConfig enables raw html archiving to S3 when Bucket is set.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

type FetcherConfig struct {
	UserAgent      string        `yaml:"userAgent"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	RetryCount     int           `yaml:"retryCount"`
}

// SearchConfig holds the RSS search endpoint used by search strategies, the
// query is substituted for %s.
type SearchConfig struct {
	RssUrlTemplate string `yaml:"rssUrlTemplate"`
	DefaultLimit   int    `yaml:"defaultLimit"`
}

type SummarizerConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
	MaxInputChar int    `yaml:"maxInputChars"`
}

type TransportsConfig struct {
	Mailjet MailjetConfig `yaml:"mailjet"`
	Twilio  TwilioConfig  `yaml:"twilio"`
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

type MailjetConfig struct {
	PublicKey  string `yaml:"publicKey"`
	PrivateKey string `yaml:"privateKey"`
	Sender     string `yaml:"sender"`
	SenderName string `yaml:"senderName"`
}

type TwilioConfig struct {
	AccountSid string `yaml:"accountSid"`
	AuthToken  string `yaml:"authToken"`
	From       string `yaml:"from"`
	BaseUrl    string `yaml:"baseUrl"`
}

type SlackConfig struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	// APIUrl overrides the slack api base url, only used by tests.
	APIUrl string `yaml:"apiUrl"`
}

type DiscordConfig struct {
	BotToken string `yaml:"botToken"`
	BaseUrl  string `yaml:"baseUrl"`
}

type PipelineConfig struct {
	AlertParallelism       int           `yaml:"alertParallelism"`
	UrlParallelism         int           `yaml:"urlParallelism"`
	FetchTimeout           time.Duration `yaml:"fetchTimeout"`
	SummarizeTimeout       time.Duration `yaml:"summarizeTimeout"`
	SendTimeout            time.Duration `yaml:"sendTimeout"`
	FailedRunWarnThreshold int           `yaml:"failedRunWarnThreshold"`
}

type TokensConfig struct {
	Lookahead      time.Duration `yaml:"lookahead"`
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`
}

type InvitationsConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type ChannelsConfig struct {
	VerificationTTL time.Duration `yaml:"verificationTtl"`
	// VerificationUrl is the link template sent to users, the token is
	// substituted for %s.
	VerificationUrl string `yaml:"verificationUrl"`
}

// ScheduleConfig holds the daemon cron specs and the timezone schedule wait
// policies fall back to.
type ScheduleConfig struct {
	DefaultTimezone string `yaml:"defaultTimezone"`
	IngestCron      string `yaml:"ingestCron"`
	DeliverCron     string `yaml:"deliverCron"`
	RefreshCron     string `yaml:"refreshCron"`

	location *time.Location
}

func (s ScheduleConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	return time.UTC
}

type MetricsConfig struct {
	StatsdAddr string `yaml:"statsdAddr"`
}

type LogConfig struct {
	Level     string `yaml:"level"`
	JSON      bool   `yaml:"json"`
	LogDNAKey string `yaml:"logdnaKey"`
}

type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allowOrigins"`
	JobToken     string   `yaml:"jobToken"`
}

func Default() Config {
	return Config{
		Redis: RedisConfig{LeaseTTL: 2 * time.Minute},
		Fetcher: FetcherConfig{
			UserAgent:      "Mozilla/5.0 (compatible; NewsfeedAlerts/1.0)",
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    30 * time.Second,
			RetryCount:     1,
		},
		Search: SearchConfig{
			RssUrlTemplate: "https://news.google.com/rss/search?q=%s&hl=en-US&gl=US&ceid=US:en",
			DefaultLimit:   20,
		},
		Summarizer: SummarizerConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			MaxInputChar: 12000,
		},
		Transports: TransportsConfig{
			Mailjet: MailjetConfig{SenderName: "Newsfeed Alerts"},
			Twilio:  TwilioConfig{BaseUrl: "https://api.twilio.com"},
			Discord: DiscordConfig{BaseUrl: "https://discord.com/api/v10"},
		},
		Pipeline: PipelineConfig{
			AlertParallelism:       8,
			UrlParallelism:         4,
			FetchTimeout:           45 * time.Second,
			SummarizeTimeout:       60 * time.Second,
			SendTimeout:            20 * time.Second,
			FailedRunWarnThreshold: 3,
		},
		Tokens: TokensConfig{
			Lookahead:      2 * time.Hour,
			RefreshTimeout: 20 * time.Second,
		},
		Invitations: InvitationsConfig{TTL: 7 * 24 * time.Hour},
		Channels: ChannelsConfig{
			VerificationTTL: 24 * time.Hour,
			VerificationUrl: "https://alerts.rnr.capital/verify/%s",
		},
		Schedule: ScheduleConfig{
			DefaultTimezone: "UTC",
			IngestCron:      "*/15 * * * *",
			DeliverCron:     "5 * * * *",
			RefreshCron:     "*/30 * * * *",
		},
		Log:    LogConfig{Level: "info"},
		Server: ServerConfig{Addr: ":8080"},
	}
}

// Load reads the yaml file at path (or $ALERTS_CONFIG when path is empty) over
// the defaults, then applies environment overrides. A missing path is not an
// error, the defaults and environment are enough to run.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "fail to read config "+path)
		}
		// fields absent from the file keep their default values
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrap(err, "fail to parse config "+path)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.bindTimezone(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setString(&c.Database.DSN, "DB_DSN")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Archive.Bucket, "ARCHIVE_BUCKET")
	setString(&c.Archive.Region, "AWS_REGION")
	setString(&c.Summarizer.APIKey, "SUMMARIZER_API_KEY")
	setString(&c.Summarizer.Model, "SUMMARIZER_MODEL")
	setString(&c.Summarizer.Endpoint, "SUMMARIZER_ENDPOINT")
	setString(&c.Transports.Mailjet.PublicKey, "MAILJET_PUBLIC_KEY")
	setString(&c.Transports.Mailjet.PrivateKey, "MAILJET_PRIVATE_KEY")
	setString(&c.Transports.Mailjet.Sender, "MAILJET_SENDER")
	setString(&c.Transports.Twilio.AccountSid, "TWILIO_ACCOUNT_SID")
	setString(&c.Transports.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&c.Transports.Twilio.From, "TWILIO_FROM")
	setString(&c.Transports.Slack.ClientID, "SLACK_CLIENT_ID")
	setString(&c.Transports.Slack.ClientSecret, "SLACK_CLIENT_SECRET")
	setString(&c.Transports.Discord.BotToken, "DISCORD_BOT_TOKEN")
	setString(&c.Metrics.StatsdAddr, "STATSD_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.LogDNAKey, "LOGDNA_API_KEY")
	setString(&c.Server.JobToken, "JOB_TOKEN")
	setString(&c.Schedule.DefaultTimezone, "DEFAULT_TIMEZONE")
	if v := os.Getenv("ALERT_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.AlertParallelism = n
		}
	}
}

func (c *Config) bindTimezone() error {
	tz := c.Schedule.DefaultTimezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return errors.Wrap(err, "invalid default timezone "+tz)
	}
	c.Schedule.location = loc
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
