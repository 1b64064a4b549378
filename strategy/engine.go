package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rnr-capital/newsfeed-alerts/collector"
	"github.com/rnr-capital/newsfeed-alerts/collector/clients"
	"github.com/rnr-capital/newsfeed-alerts/model"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const (
	DefaultSearchRssTemplate = "https://news.google.com/rss/search?q=%s&hl=en-US&gl=US&ceid=US:en"
	DefaultLimit             = 20
	defaultCrawlTimeout      = 30 * time.Second
)

type Options struct {
	// SearchRssTemplate is the RSS search endpoint, the escaped query
	// replaces %s.
	SearchRssTemplate string
	DefaultLimit      int
	UserAgent         string
	CrawlTimeout      time.Duration
}

// Engine turns an alert Strategy into candidate urls.
type Engine struct {
	feeds *FeedResolver
	crawl *CrawlResolver
	opts  Options
}

func NewEngine(client *clients.HttpClient, opts Options) *Engine {
	if opts.SearchRssTemplate == "" {
		opts.SearchRssTemplate = DefaultSearchRssTemplate
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.CrawlTimeout <= 0 {
		opts.CrawlTimeout = defaultCrawlTimeout
	}
	return &Engine{
		feeds: NewFeedResolver(client),
		crawl: NewCrawlResolver(opts.UserAgent, opts.CrawlTimeout),
		opts:  opts,
	}
}

// ResolveCandidates returns the normalized, de-duplicated candidate urls of a
// strategy, in source order. A failing provider is logged and yields no urls,
// it never fails the caller.
func (e *Engine) ResolveCandidates(ctx context.Context, strategy model.Strategy) []string {
	urls, limit, err := e.resolve(ctx, strategy)
	if err != nil {
		Logger.LogV2.WithFields(logrus.Fields{
			"provider": providerName(strategy),
		}).WithError(err).Error("fail to resolve strategy candidates")
		return []string{}
	}
	return collector.DedupUrls(urls, limit)
}

func (e *Engine) resolve(ctx context.Context, strategy model.Strategy) ([]string, int, error) {
	if err := strategy.Validate(); err != nil {
		return nil, 0, err
	}
	switch v := strategy.Variant.(type) {
	case model.SearchStrategy:
		urls, err := e.feeds.Search(ctx, e.opts.SearchRssTemplate, v.Query)
		return urls, e.limit(v.Limit), err
	case model.FeedStrategy:
		urls, err := e.feeds.Resolve(ctx, v.FeedUrl)
		return urls, e.limit(v.Limit), err
	case model.UrlStrategy:
		return []string{v.Url}, 1, nil
	case model.CrawlStrategy:
		urls, err := e.crawl.Resolve(ctx, v.Url, v.Selector)
		return urls, e.limit(v.Limit), err
	default:
		return nil, 0, fmt.Errorf("unsupported strategy %T", v)
	}
}

func (e *Engine) limit(l int) int {
	if l > 0 {
		return l
	}
	return e.opts.DefaultLimit
}

func providerName(s model.Strategy) string {
	if s.Variant == nil {
		return "none"
	}
	return string(s.Variant.Provider())
}
