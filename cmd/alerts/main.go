package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rnr-capital/newsfeed-alerts/app"
	"github.com/rnr-capital/newsfeed-alerts/config"
	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/utils"
	"github.com/rnr-capital/newsfeed-alerts/utils/dotenv"
	. "github.com/rnr-capital/newsfeed-alerts/utils/flag"
	. "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

var (
	job   = flag.String("job", "", "run a single job (ingest, deliver, refresh or all) and exit")
	serve = flag.Bool("serve", false, "run the scheduler, reporter and http server until interrupted")
)

func cleanup() {
	LogV2.Info("alerts shutdown")
}

func main() {
	ParseFlags()
	defer cleanup()

	if err := dotenv.LoadDotEnvs(); err != nil {
		panic(err)
	}
	cfg, err := config.Load(*ConfigPath)
	if err != nil {
		LogV2.WithError(err).Fatal("fail to load config")
	}
	if err := Setup(Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON, LogDNAKey: cfg.Log.LogDNAKey, Env: utils.GetEnv()}); err != nil {
		LogV2.WithError(err).Fatal("fail to setup logger")
	}

	db, err := utils.GetDBConnection(cfg.Database.DSN)
	if err != nil {
		LogV2.WithError(err).Fatal("failed to connect to database")
	}
	if err := utils.DatabaseSetupAndMigration(db); err != nil {
		LogV2.WithError(err).Fatal("fail to migrate database")
	}

	a, err := app.New(cfg, db, app.Options{ServiceName: *ServiceName})
	if err != nil {
		LogV2.WithError(err).Fatal("fail to build alerts")
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *serve:
		mods, err := a.Modules(*ServiceName)
		if err != nil {
			LogV2.WithError(err).Fatal("fail to create modules")
		}
		if err := app.RunModules(ctx, mods); err != nil {
			LogV2.WithError(err).Error("alerts daemon stopped with error")
			os.Exit(1)
		}
	case *job != "":
		if err := runJobs(ctx, a, *job); err != nil {
			LogV2.WithError(err).Error("job failed")
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// runJobs runs one job, or refresh, ingest and deliver in that order for "all".
func runJobs(ctx context.Context, a *app.App, name string) error {
	jobs := []panoptic.JobName{panoptic.JobRefresh, panoptic.JobIngest, panoptic.JobDeliver}
	if name != "all" {
		j, ok := panoptic.ParseJobName(name)
		if !ok {
			flag.Usage()
			os.Exit(2)
		}
		jobs = []panoptic.JobName{j}
	}
	for _, j := range jobs {
		report, err := a.Pipeline.Run(ctx, j, time.Now())
		if err != nil {
			return err
		}
		LogV2.WithField("job", j).WithField("run_id", report.RunID).
			WithField("duration", report.Duration().String()).Info("job finished")
	}
	return nil
}
