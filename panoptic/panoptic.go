package panoptic

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	// TopicRunFinished carries a json encoded RunReport for every finished job.
	TopicRunFinished = "alerts.run.finished"

	DdogRunCounter           = "alerts.run.count"
	DdogRunDuration          = "alerts.run.duration"
	DdogRunFetchFailed       = "alerts.run.fetch_failed"
	DdogRunSummarizeFailed   = "alerts.run.summarize_failed"
	DdogRunStoriesCreated    = "alerts.run.stories_created"
	DdogRunAlertsFired       = "alerts.run.alerts_fired"
	DdogRunDeliveriesSent    = "alerts.run.deliveries_sent"
	DdogRunDeliveriesFailed  = "alerts.run.deliveries_failed"
	DdogRunCredentialRejects = "alerts.run.credential_rejected"
	DdogRunTokensRefreshed   = "alerts.run.tokens_refreshed"
	DdogRunTokensFailed      = "alerts.run.tokens_failed"
)

type JobName string

const (
	JobIngest  JobName = "ingest"
	JobDeliver JobName = "deliver"
	JobRefresh JobName = "refresh"
)

func ParseJobName(name string) (JobName, bool) {
	switch JobName(name) {
	case JobIngest, JobDeliver, JobRefresh:
		return JobName(name), true
	}
	return "", false
}

// Module is a long running component of the daemon.
type Module interface {
	// RunModule blocks until ctx is done or the module fails.
	RunModule(ctx context.Context) error
	Name() string
	Shutdown()
}

// RunReport summarizes one job run. Counters that don't apply to a job stay
// zero.
type RunReport struct {
	RunID      string    `json:"runId"`
	Job        JobName   `json:"job"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Error      string    `json:"error,omitempty"`

	Alerts int `json:"alerts"`

	// ingest
	Candidates      int `json:"candidates"`
	Fetched         int `json:"fetched"`
	FetchFailed     int `json:"fetchFailed"`
	Summarized      int `json:"summarized"`
	SummarizeFailed int `json:"summarizeFailed"`
	StoriesCreated  int `json:"storiesCreated"`
	StoriesExisting int `json:"storiesExisting"`

	// deliver
	AlertsFired        int `json:"alertsFired"`
	AlertsDelivered    int `json:"alertsDelivered"`
	Sent               int `json:"sent"`
	Failed             int `json:"failed"`
	CredentialRejected int `json:"credentialRejected"`
	NotEligible        int `json:"notEligible"`

	// refresh
	TokensTotal        int `json:"tokensTotal"`
	TokensRefreshed    int `json:"tokensRefreshed"`
	TokensFailed       int `json:"tokensFailed"`
	TokensSkipped      int `json:"tokensSkipped"`
	TokensDisconnected int `json:"tokensDisconnected"`
}

func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// PublishReport puts report on the event bus.
func PublishReport(publisher message.Publisher, report *RunReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("job", string(report.Job))
	return publisher.Publish(TopicRunFinished, msg)
}

func DecodeReport(msg *message.Message) (*RunReport, error) {
	report := &RunReport{}
	if err := json.Unmarshal(msg.Payload, report); err != nil {
		return nil, err
	}
	return report, nil
}
