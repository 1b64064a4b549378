package strategy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rnr-capital/newsfeed-alerts/collector/clients"
	"github.com/rnr-capital/newsfeed-alerts/model"
)

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>Battery news</title>
	<item><title>One</title><link>https://news.example.com/one?utm_source=rss</link></item>
	<item><title>Two</title><link>https://news.example.com/two</link></item>
	<item><title>One again</title><link>https://news.example.com/one</link></item>
	<item><title>Three</title><link>https://news.example.com/three</link></item>
</channel>
</rss>`

const listingBody = `<html><body>
	<nav><a href="/">home</a><a href="/blog">blog</a></nav>
	<div class="post"><h2><a href="/blog/first">First</a></h2></div>
	<div class="post"><h2><a href="/blog/second#comments">Second</a></h2></div>
	<div class="post"><h2><a href="https://other.example.com/third">Third</a></h2></div>
	<a href="mailto:hi@example.com">mail</a>
</body></html>`

func newTestServer(t *testing.T) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rss":
			w.Header().Set("Content-Type", "application/rss+xml")
			w.Write([]byte(rssBody))
		case "/search":
			if r.URL.Query().Get("q") != "solid state" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte(rssBody))
		case "/blog":
			w.Write([]byte(listingBody))
		case "/garbage":
			w.Write([]byte("not a feed"))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestEngine(server *httptest.Server) *Engine {
	return NewEngine(clients.NewHttpClient(clients.Options{ReadTimeout: 5 * time.Second}), Options{
		SearchRssTemplate: server.URL + "/search?q=%s",
		CrawlTimeout:      5 * time.Second,
	})
}

func TestResolveCandidates(t *testing.T) {
	server := newTestServer(t)
	engine := newTestEngine(server)
	ctx := context.Background()

	t.Run("Test feed strategy dedups in feed order", func(t *testing.T) {
		urls := engine.ResolveCandidates(ctx, model.NewStrategy(model.FeedStrategy{FeedUrl: server.URL + "/rss"}))
		require.Equal(t, []string{
			"https://news.example.com/one",
			"https://news.example.com/two",
			"https://news.example.com/three",
		}, urls)
	})

	t.Run("Test feed strategy limit", func(t *testing.T) {
		urls := engine.ResolveCandidates(ctx, model.NewStrategy(model.FeedStrategy{FeedUrl: server.URL + "/rss", Limit: 2}))
		require.Len(t, urls, 2)
	})

	t.Run("Test search strategy escapes query", func(t *testing.T) {
		urls := engine.ResolveCandidates(ctx, model.NewStrategy(model.SearchStrategy{Query: "solid state"}))
		require.Len(t, urls, 3)
	})

	t.Run("Test url strategy", func(t *testing.T) {
		urls := engine.ResolveCandidates(ctx, model.NewStrategy(model.UrlStrategy{Url: "https://Example.com/pricing/"}))
		require.Equal(t, []string{"https://example.com/pricing"}, urls)
	})

	t.Run("Test crawl strategy with container selector", func(t *testing.T) {
		urls := engine.ResolveCandidates(ctx, model.NewStrategy(model.CrawlStrategy{Url: server.URL + "/blog", Selector: "div.post"}))
		require.Equal(t, []string{
			server.URL + "/blog/first",
			server.URL + "/blog/second",
			"https://other.example.com/third",
		}, urls)
	})

	t.Run("Test crawl strategy default selector skips the listing itself", func(t *testing.T) {
		urls := engine.ResolveCandidates(ctx, model.NewStrategy(model.CrawlStrategy{Url: server.URL + "/blog"}))
		require.Equal(t, []string{
			server.URL,
			server.URL + "/blog/first",
			server.URL + "/blog/second",
			"https://other.example.com/third",
		}, urls)
	})

	t.Run("Test provider failures degrade to empty", func(t *testing.T) {
		cases := []model.Strategy{
			model.NewStrategy(model.FeedStrategy{FeedUrl: server.URL + "/broken"}),
			model.NewStrategy(model.FeedStrategy{FeedUrl: server.URL + "/garbage"}),
			model.NewStrategy(model.CrawlStrategy{Url: server.URL + "/broken"}),
			model.NewStrategy(model.SearchStrategy{Query: "unexpected"}),
			model.NewStrategy(model.SearchStrategy{}),
			{},
		}
		for i, s := range cases {
			urls := engine.ResolveCandidates(ctx, s)
			require.NotNil(t, urls, fmt.Sprint(i))
			require.Empty(t, urls, fmt.Sprint(i))
		}
	})

	t.Run("Test results are stable within a run", func(t *testing.T) {
		s := model.NewStrategy(model.CrawlStrategy{Url: server.URL + "/blog", Selector: "div.post"})
		require.Equal(t, engine.ResolveCandidates(ctx, s), engine.ResolveCandidates(ctx, s))
	})
}
