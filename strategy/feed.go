package strategy

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/mmcdole/gofeed"

	"github.com/rnr-capital/newsfeed-alerts/collector/clients"
)

// FeedResolver reads RSS/Atom feeds through the shared http client so feed
// fetches get the same timeouts as page fetches.
type FeedResolver struct {
	client *clients.HttpClient
}

func NewFeedResolver(client *clients.HttpClient) *FeedResolver {
	return &FeedResolver{client: client}
}

// Resolve returns the item links of a feed in feed order.
func (r *FeedResolver) Resolve(ctx context.Context, feedUrl string) ([]string, error) {
	res, err := r.client.Get(ctx, feedUrl)
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(res.Body()))
	if err != nil {
		return nil, fmt.Errorf("fail to parse feed %s: %w", feedUrl, err)
	}

	urls := []string{}
	for _, item := range feed.Items {
		link := item.Link
		if link == "" && len(item.Links) > 0 {
			link = item.Links[0]
		}
		if link == "" {
			continue
		}
		urls = append(urls, link)
	}
	return urls, nil
}

// Search issues query against an RSS search endpoint.
func (r *FeedResolver) Search(ctx context.Context, template, query string) ([]string, error) {
	return r.Resolve(ctx, fmt.Sprintf(template, url.QueryEscape(query)))
}
