package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly"

	"github.com/rnr-capital/newsfeed-alerts/collector"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const defaultLinkSelector = "a[href]"

// CrawlResolver collects article links from a listing page.
type CrawlResolver struct {
	userAgent string
	timeout   time.Duration
}

func NewCrawlResolver(userAgent string, timeout time.Duration) *CrawlResolver {
	return &CrawlResolver{userAgent: userAgent, timeout: timeout}
}

// Resolve visits listingUrl and returns the absolute links matched by
// selector in page order. When selector matches containers rather than
// anchors, the anchors inside them are used.
func (r *CrawlResolver) Resolve(ctx context.Context, listingUrl, selector string) ([]string, error) {
	if selector == "" {
		selector = defaultLinkSelector
	}
	c := colly.NewCollector()
	if r.userAgent != "" {
		c.UserAgent = r.userAgent
	}
	timeout := r.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, ctx.Err()
	}
	c.SetRequestTimeout(timeout)

	self, _ := collector.NormalizeUrl(listingUrl)
	links := []string{}
	addLink := func(e *colly.HTMLElement, href string) {
		abs, ok := collector.ResolveUrl(e.Request.URL.String(), href)
		if !ok {
			return
		}
		if key, err := collector.NormalizeUrl(abs); err == nil && key == self {
			return
		}
		links = append(links, abs)
	}

	// each matched element on the listing page goes to this
	c.OnHTML(selector, func(e *colly.HTMLElement) {
		if e.Name == "a" {
			addLink(e, e.Attr("href"))
			return
		}
		e.ForEach("a[href]", func(_ int, child *colly.HTMLElement) {
			addLink(e, child.Attr("href"))
		})
	})

	var crawlErr error
	c.OnError(func(r *colly.Response, err error) {
		crawlErr = fmt.Errorf("crawl %s failed with status %d: %w", listingUrl, r.StatusCode, err)
		Logger.LogV2.Errorf("Request URL:", r.Request.URL, "failed with status:", r.StatusCode, "Error:", err)
	})

	if err := c.Visit(listingUrl); err != nil && crawlErr == nil {
		crawlErr = err
	}
	if crawlErr != nil {
		return nil, crawlErr
	}
	return links, nil
}
