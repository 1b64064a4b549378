package notifier

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rnr-capital/newsfeed-alerts/model"
	Util "github.com/rnr-capital/newsfeed-alerts/utils"
)

const (
	TitleMaxLen            = 60
	ItemTitleMaxLen        = 120
	FindingMaxLen          = 200
	DescriptionLineMaxLen  = 80
	StoryMaxLinesInSummary = 4
	FindingsPerItem        = 3
)

type DigestItem struct {
	StoryID     string
	Title       string
	Url         string
	KeyFindings []string
	Importance  int
}

// Digest is the set of stories of one firing, rendered once and handed to
// every channel of the alert.
type Digest struct {
	AlertID      string
	AlertName    string
	LanguageCode string
	Title        string
	Description  string
	Items        []DigestItem
	GeneratedAt  time.Time
}

// SortStories orders stories most important first, then oldest first.
func SortStories(stories []*model.Story) {
	sort.SliceStable(stories, func(i, j int) bool {
		a, b := stories[i], stories[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Id < b.Id
	})
}

func NewDigest(alert *model.Alert, stories []*model.Story, now time.Time) Digest {
	sorted := make([]*model.Story, len(stories))
	copy(sorted, stories)
	SortStories(sorted)

	items := make([]DigestItem, 0, len(sorted))
	for _, s := range sorted {
		url := s.Content.CanonicalUrl
		if url == "" {
			url = s.Content.Url
		}
		title := s.Title
		if title == "" {
			title = s.Content.Title
		}
		findings := []string{}
		for _, f := range s.Findings() {
			findings = append(findings, Util.GetOneline(f, FindingMaxLen))
		}
		items = append(items, DigestItem{
			StoryID:     s.Id,
			Title:       Util.GetOneline(title, ItemTitleMaxLen),
			Url:         url,
			KeyFindings: findings,
			Importance:  s.Importance,
		})
	}

	d := Digest{
		AlertID:      alert.Id,
		AlertName:    alert.Name,
		LanguageCode: alert.LanguageCode,
		Items:        items,
		GeneratedAt:  now,
	}
	d.Title, d.Description = titleAndDescription(alert.Name, items)
	return d
}

// single story: title=【alert】story title, description=first findings
// multiple stories: title=alert (n new stories), description=one line per story
func titleAndDescription(alertName string, items []DigestItem) (string, string) {
	if len(items) == 0 {
		return Util.GetOneline(alertName, TitleMaxLen), ""
	}
	if len(items) == 1 {
		item := items[0]
		title := Util.GetOneline(fmt.Sprintf("【%s】%s", alertName, item.Title), TitleMaxLen)
		return title, strings.Join(firstN(item.KeyFindings, FindingsPerItem), "\n")
	}

	title := Util.GetOneline(fmt.Sprintf("%s (%d new stories)", alertName, len(items)), TitleMaxLen)
	lines := []string{}
	for idx, item := range items {
		if idx >= StoryMaxLinesInSummary {
			lines = append(lines, fmt.Sprintf("and %d more", len(items)-idx))
			break
		}
		lines = append(lines, Util.GetOneline(item.Title, DescriptionLineMaxLen))
	}
	return title, strings.Join(lines, "\n")
}

// Only returns a copy of the digest restricted to the given stories. Title
// and description are recomputed for the remaining items.
func (d Digest) Only(storyIDs []string) Digest {
	keep := map[string]bool{}
	for _, id := range storyIDs {
		keep[id] = true
	}
	res := d
	res.Items = []DigestItem{}
	for _, item := range d.Items {
		if keep[item.StoryID] {
			res.Items = append(res.Items, item)
		}
	}
	res.Title, res.Description = titleAndDescription(d.AlertName, res.Items)
	return res
}

func (d Digest) StoryIDs() []string {
	ids := make([]string, 0, len(d.Items))
	for _, item := range d.Items {
		ids = append(ids, item.StoryID)
	}
	return ids
}

// PlainText renders the digest for text only transports.
func (d Digest) PlainText() string {
	var b strings.Builder
	b.WriteString(d.Title)
	b.WriteString("\n")
	for _, item := range d.Items {
		fmt.Fprintf(&b, "\n• %s (%d)\n", item.Title, item.Importance)
		for _, f := range firstN(item.KeyFindings, FindingsPerItem) {
			fmt.Fprintf(&b, "  - %s\n", f)
		}
		if item.Url != "" {
			fmt.Fprintf(&b, "  %s\n", item.Url)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstN(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return values[:n]
}
