package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/rnr-capital/newsfeed-alerts/collector"
	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/notifier"
	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/store"
	"github.com/rnr-capital/newsfeed-alerts/summarizer"
	"github.com/rnr-capital/newsfeed-alerts/tokens"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

const (
	defaultAlertParallelism = 4
	defaultUrlParallelism   = 8
	defaultSummarizeTimeout = 60 * time.Second
)

var (
	Log = Logger.LogV2
)

// CandidateResolver turns an alert strategy into candidate urls.
type CandidateResolver interface {
	ResolveCandidates(ctx context.Context, strategy model.Strategy) []string
}

// ContentSource hands out fetched content by url.
type ContentSource interface {
	GetOrFetch(ctx context.Context, url string) (*model.Content, error)
}

// TokenRefresher keeps oauth credentials fresh.
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, now time.Time) (tokens.Report, error)
}

type Deps struct {
	Store      *store.Store
	Resolver   CandidateResolver
	Contents   ContentSource
	Summarizer summarizer.Summarizer
	Dispatcher *notifier.Dispatcher
	Tokens     TokenRefresher
	// Publisher receives a RunReport after every run, optional.
	Publisher message.Publisher

	AlertParallelism int
	UrlParallelism   int
	SummarizeTimeout time.Duration
	DefaultLocation  *time.Location
}

// Pipeline runs the ingest, deliver and refresh jobs.
type Pipeline struct {
	Deps
}

func New(deps Deps) *Pipeline {
	if deps.AlertParallelism <= 0 {
		deps.AlertParallelism = defaultAlertParallelism
	}
	if deps.UrlParallelism <= 0 {
		deps.UrlParallelism = defaultUrlParallelism
	}
	if deps.SummarizeTimeout <= 0 {
		deps.SummarizeTimeout = defaultSummarizeTimeout
	}
	if deps.DefaultLocation == nil {
		deps.DefaultLocation = time.UTC
	}
	return &Pipeline{Deps: deps}
}

func newReport(job panoptic.JobName) *panoptic.RunReport {
	return &panoptic.RunReport{RunID: uuid.New().String(), Job: job, StartedAt: time.Now()}
}

func (p *Pipeline) finish(report *panoptic.RunReport, err error) (*panoptic.RunReport, error) {
	report.FinishedAt = time.Now()
	if err != nil {
		report.Error = err.Error()
	}
	if p.Publisher != nil {
		if perr := panoptic.PublishReport(p.Publisher, report); perr != nil {
			Log.WithError(perr).WithField("run_id", report.RunID).Warn("fail to publish run report")
		}
	}
	return report, err
}

// Run executes a job by name.
func (p *Pipeline) Run(ctx context.Context, job panoptic.JobName, now time.Time) (*panoptic.RunReport, error) {
	switch job {
	case panoptic.JobIngest:
		return p.Ingest(ctx)
	case panoptic.JobDeliver:
		return p.Deliver(ctx, now)
	case panoptic.JobRefresh:
		return p.Refresh(ctx, now)
	}
	return nil, errors.Errorf("unknown job %q", job)
}

// Ingest resolves the candidates of every active alert and turns each new
// url into a scored story. A failing url or alert is counted and logged, only
// the store being unreachable fails the run.
func (p *Pipeline) Ingest(ctx context.Context) (*panoptic.RunReport, error) {
	report := newReport(panoptic.JobIngest)
	alerts, err := p.Store.ListActiveAlerts(ctx)
	if err != nil {
		return p.finish(report, err)
	}
	report.Alerts = len(alerts)

	var mu sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(p.AlertParallelism)
	for _, alert := range alerts {
		alert := alert
		g.Go(func() error {
			p.ingestAlert(ctx, report.RunID, alert, report, &mu)
			return nil
		})
	}
	g.Wait()

	Log.WithFields(logrus.Fields{
		"run_id":           report.RunID,
		"alerts":           report.Alerts,
		"candidates":       report.Candidates,
		"fetch_failed":     report.FetchFailed,
		"summarize_failed": report.SummarizeFailed,
		"stories_created":  report.StoriesCreated,
	}).Info("ingest finished")
	return p.finish(report, nil)
}

func (p *Pipeline) ingestAlert(ctx context.Context, runID string, alert *model.Alert, report *panoptic.RunReport, mu *sync.Mutex) {
	logger := Log.WithFields(logrus.Fields{"run_id": runID, "alert_id": alert.Id})
	urls := p.Resolver.ResolveCandidates(ctx, alert.Strategy.Data())
	mu.Lock()
	report.Candidates += len(urls)
	mu.Unlock()

	g := errgroup.Group{}
	g.SetLimit(p.UrlParallelism)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			p.ingestUrl(ctx, alert, url, report, mu, logger.WithField("url", url))
			return nil
		})
	}
	g.Wait()
}

func (p *Pipeline) ingestUrl(ctx context.Context, alert *model.Alert, url string, report *panoptic.RunReport, mu *sync.Mutex, logger *logrus.Entry) {
	count := func(f func()) {
		mu.Lock()
		defer mu.Unlock()
		f()
	}

	content, err := p.Contents.GetOrFetch(ctx, url)
	if err != nil {
		logger.WithError(err).Warn("skip url, fetch failed")
		count(func() { report.FetchFailed++ })
		return
	}
	count(func() { report.Fetched++ })

	// summarizing is the expensive part, skip what this alert already scored
	exists, err := p.Store.HasStory(ctx, alert.Id, content.Id)
	if err != nil {
		logger.WithError(err).Error("fail to check story")
		return
	}
	if exists {
		count(func() { report.StoriesExisting++ })
		return
	}

	sumCtx, cancel := context.WithTimeout(ctx, p.SummarizeTimeout)
	defer cancel()
	summary, err := p.Summarizer.Summarize(sumCtx, content, alert.LanguageCode, alert.Prompt)
	if err != nil {
		logger.WithError(err).WithField("timeout", collector.IsTimeout(err)).Warn("skip url, summarization failed")
		count(func() { report.SummarizeFailed++ })
		return
	}
	count(func() { report.Summarized++ })

	_, inserted, err := p.Store.CreateStoryIfAbsent(ctx, &model.Story{
		AlertID:      alert.Id,
		ContentID:    content.Id,
		Title:        summary.Title,
		KeyFindings:  findingsColumn(summary.KeyFindings),
		Importance:   summary.Importance,
		LanguageCode: summary.LanguageCode,
	})
	if err != nil {
		logger.WithError(err).Error("fail to create story")
		return
	}
	if inserted {
		count(func() { report.StoriesCreated++ })
		logger.WithField("importance", summary.Importance).Debug("story created")
	} else {
		count(func() { report.StoriesExisting++ })
	}
}

// Deliver evaluates the wait policy of every active alert at now and
// dispatches a digest for each that fires.
func (p *Pipeline) Deliver(ctx context.Context, now time.Time) (*panoptic.RunReport, error) {
	report := newReport(panoptic.JobDeliver)
	alerts, err := p.Store.ListActiveAlerts(ctx)
	if err != nil {
		return p.finish(report, err)
	}
	report.Alerts = len(alerts)

	var mu sync.Mutex
	g := errgroup.Group{}
	g.SetLimit(p.AlertParallelism)
	for _, alert := range alerts {
		alert := alert
		g.Go(func() error {
			dispatch, err := p.deliverAlert(ctx, report.RunID, alert, now)
			if err != nil {
				Log.WithError(err).WithFields(logrus.Fields{"run_id": report.RunID, "alert_id": alert.Id}).Error("fail to deliver alert")
				return nil
			}
			if dispatch == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			report.AlertsFired++
			if dispatch.Delivered {
				report.AlertsDelivered++
			}
			report.Sent += dispatch.Sent
			report.Failed += dispatch.Failed
			report.CredentialRejected += dispatch.CredentialRejected
			report.NotEligible += dispatch.NotEligible
			return nil
		})
	}
	g.Wait()

	Log.WithFields(logrus.Fields{
		"run_id":       report.RunID,
		"alerts":       report.Alerts,
		"alerts_fired": report.AlertsFired,
		"sent":         report.Sent,
		"failed":       report.Failed,
	}).Info("deliver finished")
	return p.finish(report, nil)
}

// deliverAlert returns a nil report when the alert didn't fire.
func (p *Pipeline) deliverAlert(ctx context.Context, runID string, alert *model.Alert, now time.Time) (*notifier.DispatchReport, error) {
	stories, err := p.Store.ListQualifyingStories(ctx, alert.Id, alert.Threshold)
	if err != nil {
		return nil, err
	}
	decision := notifier.EvaluateWaitPolicy(alert, stories, now, p.DefaultLocation)
	if !decision.Fire {
		Log.WithFields(logrus.Fields{"run_id": runID, "alert_id": alert.Id, "reason": decision.Reason}).Debug("alert not fired")
		return nil, nil
	}
	return p.Dispatcher.Dispatch(ctx, runID+":"+alert.Id, alert, decision.Stories)
}

// Refresh renews the oauth credentials expiring soon.
func (p *Pipeline) Refresh(ctx context.Context, now time.Time) (*panoptic.RunReport, error) {
	report := newReport(panoptic.JobRefresh)
	if p.Tokens == nil {
		return p.finish(report, nil)
	}
	res, err := p.Tokens.RefreshExpiring(ctx, now)
	report.TokensTotal = res.Total
	report.TokensRefreshed = res.Refreshed
	report.TokensFailed = res.Failed
	report.TokensSkipped = res.Skipped
	report.TokensDisconnected = res.Disconnected
	return p.finish(report, err)
}

func findingsColumn(findings []string) datatypes.JSONType[[]string] {
	if findings == nil {
		findings = []string{}
	}
	return datatypes.NewJSONType(findings)
}
