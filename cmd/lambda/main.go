package main

import (
	"context"
	"time"

	ddlambda "github.com/DataDog/datadog-lambda-go"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/pkg/errors"

	"github.com/rnr-capital/newsfeed-alerts/app"
	"github.com/rnr-capital/newsfeed-alerts/config"
	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/utils"
	"github.com/rnr-capital/newsfeed-alerts/utils/dotenv"
	. "github.com/rnr-capital/newsfeed-alerts/utils/flag"
	. "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

// JobRequest is the scheduled event payload, e.g. {"job": "deliver"}.
type JobRequest struct {
	Job string `json:"job"`
}

var alerts *app.App

func init() {
	LogV2.Info("alerts lambda initialized")
}

func cleanup() {
	if alerts != nil {
		alerts.Close()
	}
	LogV2.Info("alerts lambda shutdown")
}

func HandleRequest(ctx context.Context, event JobRequest) (*panoptic.RunReport, error) {
	job, ok := panoptic.ParseJobName(event.Job)
	if !ok {
		return nil, errors.Errorf("unknown job %q", event.Job)
	}
	report, err := alerts.RunJob(ctx, job, time.Now())
	if err != nil {
		LogV2.WithError(err).WithField("job", job).Error("Failed to execute job")
		return report, err
	}
	return report, nil
}

func main() {
	ParseFlags()
	defer cleanup()

	if err := dotenv.LoadDotEnvs(); err != nil {
		panic(err)
	}
	cfg, err := config.Load(*ConfigPath)
	if err != nil {
		panic(err)
	}
	if err := Setup(Options{Level: cfg.Log.Level, JSON: true, LogDNAKey: cfg.Log.LogDNAKey, Env: utils.GetEnv()}); err != nil {
		panic(err)
	}
	db, err := utils.GetDBConnection(cfg.Database.DSN)
	if err != nil {
		panic("failed to connect to database")
	}
	alerts, err = app.New(cfg, db, app.Options{ServiceName: *ServiceName})
	if err != nil {
		panic(err)
	}
	LogV2.Info("Starting lambda handler, waiting for requests...")

	lambda.Start(ddlambda.WrapFunction(HandleRequest, nil))
}
