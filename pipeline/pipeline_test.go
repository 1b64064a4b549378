package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/rnr-capital/newsfeed-alerts/collector"
	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/notifier"
	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/store"
	"github.com/rnr-capital/newsfeed-alerts/summarizer"
	"github.com/rnr-capital/newsfeed-alerts/tokens"
	"github.com/rnr-capital/newsfeed-alerts/utils"
)

type staticResolver map[string][]string

func (r staticResolver) ResolveCandidates(ctx context.Context, s model.Strategy) []string {
	if feed, ok := s.Variant.(model.FeedStrategy); ok {
		return r[feed.FeedUrl]
	}
	return []string{}
}

type pageFetcher struct {
	failing map[string]bool
}

func (f *pageFetcher) Fetch(ctx context.Context, url string) (*collector.Page, error) {
	if f.failing[url] {
		return nil, errors.New("connection reset")
	}
	return &collector.Page{Title: "page " + url, Body: "body of " + url}, nil
}

// scoreSummarizer scores content by url and counts calls.
type scoreSummarizer struct {
	mu     sync.Mutex
	scores map[string]int
	calls  int
}

func (s *scoreSummarizer) Summarize(ctx context.Context, content *model.Content, languageCode string, prompt *string) (*summarizer.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	score, ok := s.scores[content.Url]
	if !ok {
		return nil, &summarizer.SummarizationFailed{ContentID: content.Id, Cause: errors.New("upstream 500")}
	}
	return &summarizer.Summary{Title: "about " + content.Url, KeyFindings: []string{"a finding"}, Importance: score, LanguageCode: languageCode}, nil
}

type recordingConsumer struct {
	mu      sync.Mutex
	digests []notifier.Digest
}

func (c *recordingConsumer) Eligible(ch *model.Channel) error { return nil }

func (c *recordingConsumer) Send(ctx context.Context, ch *model.Channel, digest notifier.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digests = append(c.digests, digest)
	return nil
}

type fakeTokens struct{}

func (fakeTokens) RefreshExpiring(ctx context.Context, now time.Time) (tokens.Report, error) {
	return tokens.Report{Total: 3, Refreshed: 2, Skipped: 1}, nil
}

type fixture struct {
	pipeline   *Pipeline
	store      *store.Store
	summarizer *scoreSummarizer
	consumer   *recordingConsumer
	bus        *gochannel.GoChannel
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	db, _ := utils.CreateTempDB(t)
	s := store.New(db)

	alert := &model.Alert{
		OwnerID:      "owner",
		Name:         "Batteries",
		Strategy:     datatypes.NewJSONType(model.NewStrategy(model.FeedStrategy{FeedUrl: "https://feed.example.com/rss"})),
		WaitPolicy:   datatypes.NewJSONType(model.NewWaitPolicy(model.CountPolicy{Count: 3})),
		LanguageCode: "en",
		Threshold:    70,
		Visibility:   model.VisibilityPrivate,
	}
	require.NoError(t, s.CreateAlert(ctx, alert))
	ch := &model.Channel{OwnerID: "owner", Type: model.ChannelTypeEmail, Verified: true}
	require.NoError(t, s.SaveChannel(ctx, ch))
	require.NoError(t, s.CreateSubscription(ctx, &model.Subscription{UserID: "owner", AlertID: alert.Id, ChannelID: ch.Id}))

	resolver := staticResolver{"https://feed.example.com/rss": {
		"https://a.com/1", "https://a.com/2", "https://a.com/3", "https://a.com/4", "https://a.com/broken", "https://a.com/unscored",
	}}
	sum := &scoreSummarizer{scores: map[string]int{
		"https://a.com/1": 80,
		"https://a.com/2": 90,
		"https://a.com/3": 60,
		"https://a.com/4": 75,
	}}
	consumer := &recordingConsumer{}
	bus := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { bus.Close() })

	p := New(Deps{
		Store:      s,
		Resolver:   resolver,
		Contents:   collector.NewContentStore(s, &pageFetcher{failing: map[string]bool{"https://a.com/broken": true}}),
		Summarizer: sum,
		Dispatcher: notifier.NewDispatcher(s, notifier.Registry{model.ChannelTypeEmail: consumer}),
		Tokens:     fakeTokens{},
		Publisher:  bus,
	})
	return &fixture{pipeline: p, store: s, summarizer: sum, consumer: consumer, bus: bus}
}

func TestIngestAndDeliver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	t.Run("Test ingest isolates failing urls", func(t *testing.T) {
		f := newFixture(t)
		report, err := f.pipeline.Ingest(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, report.Alerts)
		require.Equal(t, 6, report.Candidates)
		require.Equal(t, 1, report.FetchFailed)
		require.Equal(t, 1, report.SummarizeFailed)
		require.Equal(t, 4, report.StoriesCreated)
	})

	t.Run("Test reingest never summarizes twice", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.pipeline.Ingest(ctx)
		require.NoError(t, err)
		calls := f.summarizer.calls

		report, err := f.pipeline.Ingest(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, report.StoriesCreated)
		require.Equal(t, 4, report.StoriesExisting)
		// only the url that failed summarization is retried
		require.Equal(t, calls+1, f.summarizer.calls)
	})

	t.Run("Test deliver fires once with qualifying stories", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.pipeline.Ingest(ctx)
		require.NoError(t, err)

		report, err := f.pipeline.Deliver(ctx, now)
		require.NoError(t, err)
		require.Equal(t, 1, report.AlertsFired)
		require.Equal(t, 1, report.AlertsDelivered)
		require.Equal(t, 1, report.Sent)
		require.Len(t, f.consumer.digests, 1)
		importances := []int{}
		for _, item := range f.consumer.digests[0].Items {
			importances = append(importances, item.Importance)
		}
		require.Equal(t, []int{90, 80, 75}, importances)

		report, err = f.pipeline.Deliver(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 0, report.AlertsFired)
		require.Len(t, f.consumer.digests, 1)
	})

	t.Run("Test reports are published", func(t *testing.T) {
		f := newFixture(t)
		messages, err := f.bus.Subscribe(ctx, panoptic.TopicRunFinished)
		require.NoError(t, err)

		_, err = f.pipeline.Run(ctx, panoptic.JobRefresh, now)
		require.NoError(t, err)

		select {
		case msg := <-messages:
			msg.Ack()
			report, err := panoptic.DecodeReport(msg)
			require.NoError(t, err)
			require.Equal(t, panoptic.JobRefresh, report.Job)
			require.Equal(t, 2, report.TokensRefreshed)
			require.Equal(t, 3, report.TokensTotal)
		case <-time.After(5 * time.Second):
			t.Fatal("no run report published")
		}
	})

	t.Run("Test unknown job", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.pipeline.Run(ctx, panoptic.JobName("nope"), now)
		require.Error(t, err)
	})
}
