package modules

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/utils"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

// Metrics is the part of the statsd client the reporter uses.
type Metrics interface {
	Incr(name string, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Distribution(name string, value float64, tags []string, rate float64) error
}

type ReporterConfig struct {
	Name string
	// ExportAlways exports metrics outside of prod too.
	ExportAlways bool
}

// Reporter's job is to listen to finished runs and aggregate results,
// sending to Datadog for monitoring purpose.
type Reporter struct {
	panoptic.Module

	Config ReporterConfig

	Statsd Metrics

	EventBus message.Subscriber
}

func NewReporter(config ReporterConfig, statsd Metrics, e message.Subscriber) *Reporter {
	return &Reporter{
		Config:   config,
		Statsd:   statsd,
		EventBus: e,
	}
}

func runTags(report *panoptic.RunReport) []string {
	state := "ok"
	if report.Error != "" {
		state = "error"
	}
	return []string{"job:" + string(report.Job), "state:" + state}
}

// Report run level counters. Each finished run increments the run counter by
// 1, tagged with job and state so the dashboard can slice it.
func (r *Reporter) ReportRun(report *panoptic.RunReport) {
	tags := runTags(report)
	if err := r.Statsd.Incr(panoptic.DdogRunCounter, tags, 1); err != nil {
		Logger.LogV2.Info("cannot report run state")
	}
	r.Statsd.Distribution(panoptic.DdogRunDuration, report.Duration().Seconds(), tags, 1)

	counters := map[string]int{}
	switch report.Job {
	case panoptic.JobIngest:
		counters[panoptic.DdogRunFetchFailed] = report.FetchFailed
		counters[panoptic.DdogRunSummarizeFailed] = report.SummarizeFailed
		counters[panoptic.DdogRunStoriesCreated] = report.StoriesCreated
	case panoptic.JobDeliver:
		counters[panoptic.DdogRunAlertsFired] = report.AlertsFired
		counters[panoptic.DdogRunDeliveriesSent] = report.Sent
		counters[panoptic.DdogRunDeliveriesFailed] = report.Failed
		counters[panoptic.DdogRunCredentialRejects] = report.CredentialRejected
	case panoptic.JobRefresh:
		counters[panoptic.DdogRunTokensRefreshed] = report.TokensRefreshed
		counters[panoptic.DdogRunTokensFailed] = report.TokensFailed
	}
	for name, value := range counters {
		if err := r.Statsd.Count(name, int64(value), tags, 1); err != nil {
			Logger.LogV2.WithError(err).Info(fmt.Sprintf("cannot report %s", name))
		}
	}
}

// Export reports the run unless metrics are kept local.
func (r *Reporter) Export(report *panoptic.RunReport) {
	// Export metrics to Datadog only if we're in prod environment, so that
	// local testing won't pollute the Datadog dashboard.
	if !utils.IsProdEnv() && !r.Config.ExportAlways {
		return
	}
	r.ReportRun(report)
}

func (r *Reporter) ProcessRunReports(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages, err := r.EventBus.Subscribe(ctx, panoptic.TopicRunFinished)
	if err != nil {
		return err
	}

	for msg := range messages {
		msg.Ack()

		report, err := panoptic.DecodeReport(msg)
		if err != nil {
			Logger.LogV2.WithError(err).Error("reporter received malformed run report")
			continue
		}

		Logger.LogV2.WithFields(logrus.Fields{
			"run_id":   report.RunID,
			"job":      report.Job,
			"duration": report.Duration().String(),
			"error":    report.Error,
		}).Info("reporter received run report")

		r.Export(report)
	}

	return nil
}

func (r *Reporter) RunModule(ctx context.Context) error {
	return r.ProcessRunReports(ctx)
}

func (r *Reporter) Name() string {
	return r.Config.Name
}

func (r *Reporter) Shutdown() {
	Logger.LogV2.Info(fmt.Sprint("Module ", r.Config.Name, " gracefully shutdown"))
}
