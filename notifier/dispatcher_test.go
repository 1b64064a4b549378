package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/store"
	"github.com/rnr-capital/newsfeed-alerts/utils"
)

// fakeConsumer records sends per channel and fails channels listed in errs.
type fakeConsumer struct {
	mu          sync.Mutex
	sends       map[string][]Digest
	errs        map[string]error
	notEligible map[string]bool
	onSend      func()
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		sends:       map[string][]Digest{},
		errs:        map[string]error{},
		notEligible: map[string]bool{},
	}
}

func (c *fakeConsumer) Eligible(ch *model.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notEligible[ch.Id] {
		return &NotEligible{ChannelID: ch.Id, Reason: "unverified"}
	}
	return nil
}

func (c *fakeConsumer) Send(ctx context.Context, ch *model.Channel, digest Digest) error {
	if c.onSend != nil {
		c.onSend()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.errs[ch.Id]; ok {
		return err
	}
	c.sends[ch.Id] = append(c.sends[ch.Id], digest)
	return nil
}

func (c *fakeConsumer) sent(channelID string) []Digest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends[channelID]
}

type dispatchFixture struct {
	store    *store.Store
	alert    *model.Alert
	consumer *fakeConsumer
}

func newDispatchFixture(t *testing.T, threshold int) *dispatchFixture {
	db, _ := utils.CreateTempDB(t)
	s := store.New(db)
	alert := &model.Alert{
		OwnerID:      "owner",
		Name:         "Batteries",
		Strategy:     datatypes.NewJSONType(model.NewStrategy(model.SearchStrategy{Query: "solid state battery"})),
		WaitPolicy:   datatypes.NewJSONType(model.NewWaitPolicy(model.CountPolicy{Count: 3})),
		LanguageCode: "en",
		Threshold:    threshold,
		Visibility:   model.VisibilityPublic,
	}
	require.NoError(t, s.CreateAlert(context.Background(), alert))
	return &dispatchFixture{store: s, alert: alert, consumer: newFakeConsumer()}
}

func (f *dispatchFixture) addStory(t *testing.T, importance int) *model.Story {
	ctx := context.Background()
	content, _, err := f.store.InsertContentIfAbsent(ctx, &model.Content{
		Url:   fmt.Sprintf("https://news.example.com/%d-%d", importance, time.Now().UnixNano()),
		Title: "page",
	})
	require.NoError(t, err)
	story, inserted, err := f.store.CreateStoryIfAbsent(ctx, &model.Story{
		AlertID:     f.alert.Id,
		ContentID:   content.Id,
		Title:       fmt.Sprintf("story %d", importance),
		KeyFindings: datatypes.NewJSONType([]string{"finding"}),
		Importance:  importance,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return story
}

func (f *dispatchFixture) subscribe(t *testing.T, name string) *model.Channel {
	ctx := context.Background()
	ch := &model.Channel{OwnerID: "user-" + name, Type: model.ChannelTypeEmail, Name: name, Verified: true}
	require.NoError(t, f.store.SaveChannel(ctx, ch))
	require.NoError(t, f.store.CreateSubscription(ctx, &model.Subscription{
		UserID:    "user-" + name,
		AlertID:   f.alert.Id,
		ChannelID: ch.Id,
	}))
	return ch
}

func (f *dispatchFixture) pending(t *testing.T) []*model.Story {
	stories, err := f.store.ListQualifyingStories(context.Background(), f.alert.Id, f.alert.Threshold)
	require.NoError(t, err)
	return stories
}

func (f *dispatchFixture) reloadAlert(t *testing.T) *model.Alert {
	alert, err := f.store.GetAlert(context.Background(), f.alert.Id)
	require.NoError(t, err)
	return alert
}

func (f *dispatchFixture) dispatcher(opts ...DispatcherOption) *Dispatcher {
	return NewDispatcher(f.store, Registry{model.ChannelTypeEmail: f.consumer}, opts...)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	t.Run("Test count threshold fires once with every qualifying story", func(t *testing.T) {
		f := newDispatchFixture(t, 70)
		a := f.subscribe(t, "a")
		b := f.subscribe(t, "b")
		f.addStory(t, 80)
		f.addStory(t, 90)
		f.addStory(t, 60)

		decision := EvaluateWaitPolicy(f.alert, f.pending(t), now, time.UTC)
		require.False(t, decision.Fire)

		f.addStory(t, 75)
		decision = EvaluateWaitPolicy(f.alert, f.pending(t), now, time.UTC)
		require.True(t, decision.Fire)

		report, err := f.dispatcher().Dispatch(ctx, "run-1", f.alert, decision.Stories)
		require.NoError(t, err)
		require.Equal(t, 2, report.Sent)
		require.True(t, report.Delivered)
		require.Equal(t, int64(3), report.StoriesMarked)

		for _, ch := range []*model.Channel{a, b} {
			digests := f.consumer.sent(ch.Id)
			require.Len(t, digests, 1)
			require.Equal(t, []int{90, 80, 75}, []int{
				digests[0].Items[0].Importance,
				digests[0].Items[1].Importance,
				digests[0].Items[2].Importance,
			})
		}

		// the fourth qualifying story starts a new count
		f.addStory(t, 85)
		decision = EvaluateWaitPolicy(f.reloadAlert(t), f.pending(t), now, time.UTC)
		require.False(t, decision.Fire)
		require.Len(t, f.pending(t), 1)
	})

	t.Run("Test one failing channel never blocks another", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		b := f.subscribe(t, "b")
		story := f.addStory(t, 50)
		f.consumer.errs[a.Id] = errors.New("connection reset")

		report, err := f.dispatcher().Dispatch(ctx, "run-1", f.alert, f.pending(t))
		require.NoError(t, err)
		require.Equal(t, OutcomeFailed, report.Outcomes[a.Id])
		require.Equal(t, OutcomeSent, report.Outcomes[b.Id])
		require.True(t, report.Delivered)
		require.Len(t, f.consumer.sent(b.Id), 1)
		require.Empty(t, f.pending(t))

		deliveries, err := f.store.ListDeliveries(ctx, story.Id)
		require.NoError(t, err)
		statuses := map[string]model.DeliveryStatus{}
		for _, d := range deliveries {
			statuses[d.ChannelID] = d.Status
		}
		require.Equal(t, model.DeliveryStatusFailed, statuses[a.Id])
		require.Equal(t, model.DeliveryStatusSent, statuses[b.Id])

		failing, err := f.store.GetChannel(ctx, a.Id)
		require.NoError(t, err)
		require.Contains(t, failing.LastError, "connection reset")
		require.Equal(t, 0, f.reloadAlert(t).ConsecutiveFailedRuns)
	})

	t.Run("Test every channel failing keeps stories for the next run", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		story := f.addStory(t, 50)
		f.consumer.errs[a.Id] = errors.New("503")

		for run := 1; run <= 3; run++ {
			report, err := f.dispatcher(WithFailedRunWarnThreshold(2)).Dispatch(ctx, fmt.Sprintf("run-%d", run), f.alert, f.pending(t))
			require.NoError(t, err)
			require.False(t, report.Delivered)
			require.Equal(t, run, report.ConsecutiveFailedRuns)
			require.Len(t, f.pending(t), 1)

			deliveries, err := f.store.ListDeliveries(ctx, story.Id)
			require.NoError(t, err)
			require.Empty(t, deliveries)
		}

		delete(f.consumer.errs, a.Id)
		report, err := f.dispatcher().Dispatch(ctx, "run-4", f.alert, f.pending(t))
		require.NoError(t, err)
		require.True(t, report.Delivered)
		require.Equal(t, 0, f.reloadAlert(t).ConsecutiveFailedRuns)
		require.NotNil(t, f.reloadAlert(t).LastFiredAt)
	})

	t.Run("Test timed out send is never repeated", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		b := f.subscribe(t, "b")
		story := f.addStory(t, 50)
		f.consumer.errs[a.Id] = fmt.Errorf("post digest: %w", context.DeadlineExceeded)
		f.consumer.errs[b.Id] = errors.New("503")

		report, err := f.dispatcher().Dispatch(ctx, "run-1", f.alert, f.pending(t))
		require.NoError(t, err)
		require.False(t, report.Delivered)
		require.Equal(t, 2, report.Failed)

		deliveries, err := f.store.ListDeliveries(ctx, story.Id)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		require.Equal(t, a.Id, deliveries[0].ChannelID)
		require.Equal(t, model.DeliveryStatusUnknown, deliveries[0].Status)

		// both channels recover, only the one without a pending outcome is sent to
		delete(f.consumer.errs, a.Id)
		delete(f.consumer.errs, b.Id)
		report, err = f.dispatcher().Dispatch(ctx, "run-2", f.alert, f.pending(t))
		require.NoError(t, err)
		require.True(t, report.Delivered)
		require.Equal(t, OutcomeSkipped, report.Outcomes[a.Id])
		require.Empty(t, f.consumer.sent(a.Id))
		require.Len(t, f.consumer.sent(b.Id), 1)
	})

	t.Run("Test credential rejection flags channel and calls hook", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		f.addStory(t, 50)
		f.consumer.errs[a.Id] = &CredentialRejected{ChannelID: a.Id, Cause: errors.New("invalid_auth")}

		var hooked []string
		report, err := f.dispatcher(WithCredentialRejectedHook(func(id string) { hooked = append(hooked, id) })).
			Dispatch(ctx, "run-1", f.alert, f.pending(t))
		require.NoError(t, err)
		require.Equal(t, 1, report.CredentialRejected)
		require.Equal(t, []string{a.Id}, hooked)

		ch, err := f.store.GetChannel(ctx, a.Id)
		require.NoError(t, err)
		require.Equal(t, model.ChannelStatusCredentialRejected, ch.Status)
		require.NotNil(t, ch.CredentialRejectedAt)
	})

	t.Run("Test ineligible channel is neither claimed nor counted as failure", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		b := f.subscribe(t, "b")
		story := f.addStory(t, 50)
		f.consumer.notEligible[a.Id] = true

		report, err := f.dispatcher().Dispatch(ctx, "run-1", f.alert, f.pending(t))
		require.NoError(t, err)
		require.Equal(t, OutcomeNotEligible, report.Outcomes[a.Id])
		require.Equal(t, OutcomeSent, report.Outcomes[b.Id])

		deliveries, err := f.store.ListDeliveries(ctx, story.Id)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		require.Equal(t, b.Id, deliveries[0].ChannelID)
	})

	t.Run("Test only ineligible channels leave the alert untouched", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		f.addStory(t, 50)
		f.consumer.notEligible[a.Id] = true

		report, err := f.dispatcher().Dispatch(ctx, "run-1", f.alert, f.pending(t))
		require.NoError(t, err)
		require.Equal(t, 0, report.Attempted())
		require.Equal(t, 0, f.reloadAlert(t).ConsecutiveFailedRuns)
		require.Len(t, f.pending(t), 1)
	})

	t.Run("Test a story reaches a channel at most once", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		f.addStory(t, 50)
		stories := f.pending(t)

		_, err := f.dispatcher().Dispatch(ctx, "run-1", f.alert, stories)
		require.NoError(t, err)
		report, err := f.dispatcher().Dispatch(ctx, "run-2", f.alert, stories)
		require.NoError(t, err)
		require.Equal(t, OutcomeSkipped, report.Outcomes[a.Id])
		require.Len(t, f.consumer.sent(a.Id), 1)
	})

	t.Run("Test deleted channel is skipped", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		b := f.subscribe(t, "b")
		f.addStory(t, 50)
		require.NoError(t, f.store.DB().Delete(a).Error)

		report, err := f.dispatcher().Dispatch(ctx, "run-1", f.alert, f.pending(t))
		require.NoError(t, err)
		require.Equal(t, 1, report.Skipped)
		require.Equal(t, 1, report.Sent)
		require.Len(t, f.consumer.sent(b.Id), 1)
	})

	t.Run("Test cancelled run still finishes its sends", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		a := f.subscribe(t, "a")
		f.addStory(t, 50)

		runCtx, cancel := context.WithCancel(ctx)
		f.consumer.onSend = cancel
		report, err := f.dispatcher().Dispatch(runCtx, "run-1", f.alert, f.pending(t))
		require.NoError(t, err)
		require.True(t, report.Delivered)
		require.Len(t, f.consumer.sent(a.Id), 1)
		require.Empty(t, f.pending(t))
	})

	t.Run("Test empty story set is a no-op", func(t *testing.T) {
		f := newDispatchFixture(t, 0)
		f.subscribe(t, "a")
		report, err := f.dispatcher().Dispatch(ctx, "run-1", f.alert, nil)
		require.NoError(t, err)
		require.Equal(t, 0, report.Attempted())
	})
}
