package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

type StrategyProvider string

const (
	StrategyProviderSearch StrategyProvider = "search"
	StrategyProviderFeed   StrategyProvider = "feed"
	StrategyProviderUrl    StrategyProvider = "url"
	StrategyProviderCrawl  StrategyProvider = "crawl"
)

// StrategyVariant is implemented by every content source kind. Each variant
// only carries the parameters relevant to its provider.
type StrategyVariant interface {
	Provider() StrategyProvider
	Validate() error
}

// SearchStrategy issues a news search for Query.
type SearchStrategy struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// FeedStrategy reads an RSS/Atom feed.
type FeedStrategy struct {
	FeedUrl string `json:"feedUrl"`
	Limit   int    `json:"limit,omitempty"`
}

// UrlStrategy watches a single page.
type UrlStrategy struct {
	Url string `json:"url"`
}

// CrawlStrategy collects article links from a listing page. Selector narrows
// which anchors are considered, defaulting to every a[href].
type CrawlStrategy struct {
	Url      string `json:"url"`
	Selector string `json:"selector,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func (SearchStrategy) Provider() StrategyProvider { return StrategyProviderSearch }
func (FeedStrategy) Provider() StrategyProvider   { return StrategyProviderFeed }
func (UrlStrategy) Provider() StrategyProvider    { return StrategyProviderUrl }
func (CrawlStrategy) Provider() StrategyProvider  { return StrategyProviderCrawl }

func (s SearchStrategy) Validate() error {
	if s.Query == "" {
		return errors.New("search strategy requires a query")
	}
	return validateLimit(s.Limit)
}

func (s FeedStrategy) Validate() error {
	if err := validateAbsoluteUrl(s.FeedUrl); err != nil {
		return fmt.Errorf("feed strategy: %w", err)
	}
	return validateLimit(s.Limit)
}

func (s UrlStrategy) Validate() error {
	if err := validateAbsoluteUrl(s.Url); err != nil {
		return fmt.Errorf("url strategy: %w", err)
	}
	return nil
}

func (s CrawlStrategy) Validate() error {
	if err := validateAbsoluteUrl(s.Url); err != nil {
		return fmt.Errorf("crawl strategy: %w", err)
	}
	return validateLimit(s.Limit)
}

/*

Strategy is the content source definition of an Alert. It's an immutable
value embedded in the alert and replaced wholesale on edit.

On the wire and in the database it's a flat json object keyed by "provider":

	{"provider": "search", "query": "solid state batteries", "limit": 20}
	{"provider": "feed", "feedUrl": "https://example.com/rss"}
	{"provider": "url", "url": "https://example.com/pricing"}
	{"provider": "crawl", "url": "https://example.com/blog", "selector": "article a"}

*/
type Strategy struct {
	Variant StrategyVariant
}

func NewStrategy(v StrategyVariant) Strategy {
	return Strategy{Variant: v}
}

func (s Strategy) Validate() error {
	if s.Variant == nil {
		return errors.New("strategy is empty")
	}
	return s.Variant.Validate()
}

func (s Strategy) MarshalJSON() ([]byte, error) {
	if s.Variant == nil {
		return []byte("null"), nil
	}
	return marshalTagged("provider", string(s.Variant.Provider()), s.Variant)
}

func (s *Strategy) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		s.Variant = nil
		return nil
	}
	var tag struct {
		Provider StrategyProvider `json:"provider"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	var v StrategyVariant
	switch tag.Provider {
	case StrategyProviderSearch:
		v = &SearchStrategy{}
	case StrategyProviderFeed:
		v = &FeedStrategy{}
	case StrategyProviderUrl:
		v = &UrlStrategy{}
	case StrategyProviderCrawl:
		v = &CrawlStrategy{}
	default:
		return fmt.Errorf("unknown strategy provider %q", tag.Provider)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	// variants are held by value
	switch p := v.(type) {
	case *SearchStrategy:
		s.Variant = *p
	case *FeedStrategy:
		s.Variant = *p
	case *UrlStrategy:
		s.Variant = *p
	case *CrawlStrategy:
		s.Variant = *p
	}
	return nil
}

// marshalTagged flattens v into a json object and adds the discriminant field.
func marshalTagged(key, tag string, v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	tagBytes, err := json.Marshal(tag)
	if err != nil {
		return nil, err
	}
	fields[key] = tagBytes
	return json.Marshal(fields)
}

func validateLimit(limit int) error {
	if limit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", limit)
	}
	return nil
}

func validateAbsoluteUrl(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must be http(s)", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
