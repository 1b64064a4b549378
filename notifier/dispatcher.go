package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rnr-capital/newsfeed-alerts/model"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const (
	defaultSendTimeout            = 20 * time.Second
	defaultFailedRunWarnThreshold = 3
)

var (
	Log = Logger.LogV2
)

// ChannelConsumer delivers digests to one channel type.
type ChannelConsumer interface {
	// Eligible returns *NotEligible when the channel can't receive digests.
	Eligible(ch *model.Channel) error
	// Send returns nil, *CredentialRejected or *TransientDeliveryFailed.
	Send(ctx context.Context, ch *model.Channel, digest Digest) error
}

// Registry maps channel types to their consumer.
type Registry map[model.ChannelType]ChannelConsumer

// DeliveryStore is the part of the durable store the dispatcher writes to.
type DeliveryStore interface {
	ListActiveSubscriptions(ctx context.Context, alertID string) ([]*model.Subscription, error)
	ClaimDeliveries(ctx context.Context, runID, alertID, channelID string, storyIDs []string) ([]string, error)
	RecordDeliveryOutcome(ctx context.Context, runID, channelID string, status model.DeliveryStatus, errMsg string) error
	ReleaseFailedClaims(ctx context.Context, runID string) (int64, error)
	MarkStoriesDelivered(ctx context.Context, storyIDs []string, at time.Time) (int64, error)
	RecordAlertRun(ctx context.Context, alertID string, firedAt time.Time, succeeded bool) (int, error)
	MarkChannelCredentialRejected(ctx context.Context, channelID string, at time.Time, reason string) error
	SetChannelError(ctx context.Context, channelID string, reason string) error
}

type ChannelOutcome string

const (
	OutcomeSent               ChannelOutcome = "SENT"
	OutcomeFailed             ChannelOutcome = "FAILED"
	OutcomeCredentialRejected ChannelOutcome = "CREDENTIAL_REJECTED"
	OutcomeNotEligible        ChannelOutcome = "NOT_ELIGIBLE"
	OutcomeSkipped            ChannelOutcome = "SKIPPED"
)

type DispatchReport struct {
	RunID              string
	AlertID            string
	Stories            int
	Sent               int
	Failed             int
	CredentialRejected int
	NotEligible        int
	Skipped            int
	// Delivered is true when at least one channel received the digest and
	// the stories were marked delivered.
	Delivered             bool
	StoriesMarked         int64
	ConsecutiveFailedRuns int
	Outcomes              map[string]ChannelOutcome
}

func (r *DispatchReport) Attempted() int {
	return r.Sent + r.Failed + r.CredentialRejected
}

func (r *DispatchReport) record(channelID string, outcome ChannelOutcome) {
	r.Outcomes[channelID] = outcome
	switch outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeCredentialRejected:
		r.CredentialRejected++
	case OutcomeNotEligible:
		r.NotEligible++
	case OutcomeSkipped:
		r.Skipped++
	}
}

type DispatcherOption func(*Dispatcher)

func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.sendTimeout = d
		}
	}
}

func WithFailedRunWarnThreshold(n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.warnThreshold = n
		}
	}
}

// WithCredentialRejectedHook registers a callback for channels whose
// credential a transport rejected, e.g. to expedite a token refresh.
func WithCredentialRejectedHook(hook func(channelID string)) DispatcherOption {
	return func(disp *Dispatcher) { disp.onCredentialRejected = hook }
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(disp *Dispatcher) { disp.now = now }
}

// Dispatcher fans a digest out to every active subscription of an alert.
type Dispatcher struct {
	store                DeliveryStore
	consumers            Registry
	sendTimeout          time.Duration
	warnThreshold        int
	onCredentialRejected func(channelID string)
	now                  func() time.Time
}

func NewDispatcher(store DeliveryStore, consumers Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:         store,
		consumers:     consumers,
		sendTimeout:   defaultSendTimeout,
		warnThreshold: defaultFailedRunWarnThreshold,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends one digest of stories to each channel subscribed to alert,
// each channel on its own goroutine. A channel failing never affects another.
// Every (story, channel) pair is claimed before sending so a story reaches a
// channel at most once. The stories are marked delivered once at least one
// channel succeeded. When every attempted channel failed, the claims are
// released so a later run can retry the backlog.
//
// Sends and the bookkeeping after them run detached from ctx cancellation,
// a cancelled run still finishes what it started. The returned error is only
// for store failures before anything was sent.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, alert *model.Alert, stories []*model.Story) (*DispatchReport, error) {
	report := &DispatchReport{
		RunID:    runID,
		AlertID:  alert.Id,
		Stories:  len(stories),
		Outcomes: map[string]ChannelOutcome{},
	}
	if len(stories) == 0 {
		return report, nil
	}
	logger := Log.WithFields(logrus.Fields{"run_id": runID, "alert_id": alert.Id})

	subs, err := d.store.ListActiveSubscriptions(ctx, alert.Id)
	if err != nil {
		return report, err
	}

	detached := context.WithoutCancel(ctx)
	digest := NewDigest(alert, stories, d.now())
	storyIDs := digest.StoryIDs()

	channels := uniqueChannels(subs, report)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ch := range channels {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := d.dispatchToChannel(detached, runID, alert, ch, digest, storyIDs)
			mu.Lock()
			report.record(ch.Id, outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()

	now := d.now()
	switch {
	case report.Sent > 0:
		marked, err := d.store.MarkStoriesDelivered(detached, storyIDs, now)
		if err != nil {
			logger.WithError(err).Error("fail to mark stories delivered")
			return report, err
		}
		report.Delivered = true
		report.StoriesMarked = marked
		if _, err := d.store.RecordAlertRun(detached, alert.Id, now, true); err != nil {
			logger.WithError(err).Error("fail to record alert run")
		}
	default:
		// nothing went out, give the stories back to later runs
		if _, err := d.store.ReleaseFailedClaims(detached, runID); err != nil {
			logger.WithError(err).Error("fail to release failed claims")
		}
		if report.Attempted() == 0 {
			break
		}
		n, err := d.store.RecordAlertRun(detached, alert.Id, now, false)
		if err != nil {
			logger.WithError(err).Error("fail to record alert run")
		}
		report.ConsecutiveFailedRuns = n
		if n >= d.warnThreshold {
			logger.WithField("consecutive_failed_runs", n).
				Warn("every channel of alert failed in consecutive runs, stories are piling up")
		}
	}

	logger.WithFields(logrus.Fields{
		"stories":             report.Stories,
		"sent":                report.Sent,
		"failed":              report.Failed,
		"credential_rejected": report.CredentialRejected,
		"not_eligible":        report.NotEligible,
		"skipped":             report.Skipped,
		"delivered":           report.Delivered,
	}).Info("dispatch finished")
	return report, nil
}

// uniqueChannels drops subscriptions without a live channel, counting them as
// skipped, and subscriptions sharing a channel.
func uniqueChannels(subs []*model.Subscription, report *DispatchReport) []*model.Channel {
	seen := map[string]bool{}
	channels := []*model.Channel{}
	for _, sub := range subs {
		if sub.Channel == nil {
			report.record("subscription:"+sub.Id, OutcomeSkipped)
			continue
		}
		if seen[sub.Channel.Id] {
			continue
		}
		seen[sub.Channel.Id] = true
		channels = append(channels, sub.Channel)
	}
	return channels
}

func (d *Dispatcher) dispatchToChannel(ctx context.Context, runID string, alert *model.Alert, ch *model.Channel, digest Digest, storyIDs []string) ChannelOutcome {
	logger := Log.WithFields(logrus.Fields{
		"run_id":       runID,
		"alert_id":     alert.Id,
		"channel_id":   ch.Id,
		"channel_type": ch.Type,
	})

	consumer, ok := d.consumers[ch.Type]
	if !ok {
		logger.Warn("no consumer for channel type")
		return OutcomeNotEligible
	}
	if err := consumer.Eligible(ch); err != nil {
		logger.WithError(err).Info("channel not eligible")
		return OutcomeNotEligible
	}

	claimed, err := d.store.ClaimDeliveries(ctx, runID, alert.Id, ch.Id, storyIDs)
	if err != nil {
		logger.WithError(err).Error("fail to claim deliveries")
		return OutcomeFailed
	}
	if len(claimed) == 0 {
		logger.Debug("every story already delivered to channel")
		return OutcomeSkipped
	}
	channelDigest := digest
	if len(claimed) != len(storyIDs) {
		channelDigest = digest.Only(claimed)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	sendErr := AsDeliveryError(ch.Id, consumer.Send(sendCtx, ch, channelDigest))

	outcome, status, errMsg := OutcomeSent, model.DeliveryStatusSent, ""
	var ne *NotEligible
	switch {
	case sendErr == nil:
		logger.WithField("stories", len(claimed)).Info("digest delivered")
	case errors.As(sendErr, &ne):
		outcome, status, errMsg = OutcomeNotEligible, model.DeliveryStatusFailed, sendErr.Error()
		logger.WithError(sendErr).Info("channel not eligible at send time")
	case IsCredentialRejected(sendErr):
		outcome, status, errMsg = OutcomeCredentialRejected, model.DeliveryStatusCredentialRejected, sendErr.Error()
		logger.WithError(sendErr).Warn("channel credential rejected")
		if err := d.store.MarkChannelCredentialRejected(ctx, ch.Id, d.now(), sendErr.Error()); err != nil {
			logger.WithError(err).Error("fail to mark channel credential rejected")
		}
		if d.onCredentialRejected != nil {
			d.onCredentialRejected(ch.Id)
		}
	case isTimeout(sendErr):
		// the digest may have gone out, keep the claim rather than risk a repeat
		outcome, status, errMsg = OutcomeFailed, model.DeliveryStatusUnknown, sendErr.Error()
		logger.WithError(sendErr).Warn("digest delivery timed out, outcome unknown")
		if err := d.store.SetChannelError(ctx, ch.Id, sendErr.Error()); err != nil {
			logger.WithError(err).Error("fail to set channel error")
		}
	default:
		outcome, status, errMsg = OutcomeFailed, model.DeliveryStatusFailed, sendErr.Error()
		logger.WithError(sendErr).Warn("digest delivery failed")
		if err := d.store.SetChannelError(ctx, ch.Id, sendErr.Error()); err != nil {
			logger.WithError(err).Error("fail to set channel error")
		}
	}

	if err := d.store.RecordDeliveryOutcome(ctx, runID, ch.Id, status, errMsg); err != nil {
		logger.WithError(err).Error("fail to record delivery outcome")
	}
	return outcome
}
