package collector

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"github.com/rnr-capital/newsfeed-alerts/collector/clients"
	"github.com/rnr-capital/newsfeed-alerts/utils"
)

// Page is what a Fetcher returns for one url.
type Page struct {
	Html         string
	Title        string
	Body         string
	CanonicalUrl string
	PublishedAt  *time.Time
}

// Fetcher retrieves one url. Implementations enforce their own connect and
// read timeouts and return *FetchFailed on failure.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// HttpFetcher fetches pages with a plain http GET and extracts title, text
// body, canonical url and publish time from the html.
type HttpFetcher struct {
	client *clients.HttpClient
}

func NewHttpFetcher(client *clients.HttpClient) *HttpFetcher {
	return &HttpFetcher{client: client}
}

func (f *HttpFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	res, err := f.client.Get(ctx, url)
	if err != nil {
		return nil, newFetchFailed(url, err)
	}
	page, err := ParsePage(url, res.Body())
	if err != nil {
		return nil, newFetchFailed(url, err)
	}
	return page, nil
}

// Elements that never carry article text.
const noiseSelector = "script, style, noscript, nav, header, footer, aside, form, iframe, svg"

var publishedAtSelectors = []string{
	`meta[property="article:published_time"]`,
	`meta[name="article:published_time"]`,
	`meta[itemprop="datePublished"]`,
	`meta[name="pubdate"]`,
	`meta[name="date"]`,
	`meta[name="DC.date.issued"]`,
}

// ParsePage extracts a Page from raw html fetched from pageUrl.
func ParsePage(pageUrl string, html []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}
	page := &Page{Html: string(html)}

	page.Title = firstNonEmpty(
		attr(doc, `meta[property="og:title"]`, "content"),
		attr(doc, `meta[name="twitter:title"]`, "content"),
		doc.Find("title").First().Text(),
		doc.Find("h1").First().Text(),
	)
	page.Title = utils.OneLine(page.Title)

	if href := attr(doc, `link[rel="canonical"]`, "href"); href != "" {
		if abs, ok := ResolveUrl(pageUrl, href); ok {
			page.CanonicalUrl = abs
		}
	}

	page.PublishedAt = extractPublishedAt(doc)
	page.Body = extractBody(doc)
	return page, nil
}

func extractPublishedAt(doc *goquery.Document) *time.Time {
	candidates := []string{}
	for _, sel := range publishedAtSelectors {
		candidates = append(candidates, attr(doc, sel, "content"))
	}
	candidates = append(candidates, attr(doc, "time[datetime]", "datetime"))
	for _, c := range candidates {
		if c == "" {
			continue
		}
		t, err := dateparse.ParseAny(c)
		if err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// extractBody prefers paragraphs of the main article container and falls
// back to the whole body text.
func extractBody(doc *goquery.Document) string {
	doc.Find(noiseSelector).Remove()

	root := doc.Find("article").First()
	if root.Length() == 0 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}

	paragraphs := []string{}
	root.Find("p, h2, h3, li").Each(func(_ int, s *goquery.Selection) {
		if text := utils.OneLine(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	if len(paragraphs) > 0 {
		return strings.Join(paragraphs, "\n")
	}
	return utils.OneLine(root.Text())
}

func attr(doc *goquery.Document, selector, name string) string {
	v, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
