package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

// JobRunner executes one pipeline job.
type JobRunner interface {
	Run(ctx context.Context, job panoptic.JobName, now time.Time) (*panoptic.RunReport, error)
}

type SchedulerConfig struct {
	Name     string
	Location *time.Location
	// Specs maps each job to its cron spec, jobs without a spec don't run.
	Specs map[panoptic.JobName]string
}

// Scheduler runs pipeline jobs on their cron specs. A job still running when
// its next tick comes is skipped for that tick.
type Scheduler struct {
	panoptic.Module

	Config SchedulerConfig
	Runner JobRunner

	cron *cron.Cron
}

func NewScheduler(config SchedulerConfig, runner JobRunner) (*Scheduler, error) {
	if config.Location == nil {
		config.Location = time.UTC
	}
	logger := cron.PrintfLogger(Logger.LogV2)
	c := cron.New(
		cron.WithLocation(config.Location),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	s := &Scheduler{Config: config, Runner: runner, cron: c}
	for job, spec := range config.Specs {
		if spec == "" {
			continue
		}
		job := job
		if _, err := c.AddFunc(spec, func() { s.RunJob(context.Background(), job) }); err != nil {
			return nil, fmt.Errorf("invalid cron spec %q for job %s: %w", spec, job, err)
		}
	}
	return s, nil
}

// RunJob runs job once, failures are logged.
func (s *Scheduler) RunJob(ctx context.Context, job panoptic.JobName) {
	report, err := s.Runner.Run(ctx, job, time.Now())
	if err != nil {
		Logger.LogV2.WithError(err).WithField("job", job).Error("scheduled job failed")
		return
	}
	Logger.LogV2.WithField("job", job).WithField("run_id", report.RunID).Info("scheduled job finished")
}

func (s *Scheduler) RunModule(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	return nil
}

func (s *Scheduler) Name() string {
	return s.Config.Name
}

// Shutdown waits for running jobs to finish.
func (s *Scheduler) Shutdown() {
	<-s.cron.Stop().Done()
	Logger.LogV2.Info(fmt.Sprint("Module ", s.Config.Name, " gracefully shutdown"))
}
