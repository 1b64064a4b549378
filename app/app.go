package app

import (
	"context"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/rnr-capital/newsfeed-alerts/channel"
	"github.com/rnr-capital/newsfeed-alerts/collector"
	"github.com/rnr-capital/newsfeed-alerts/collector/clients"
	"github.com/rnr-capital/newsfeed-alerts/collector/file_store"
	"github.com/rnr-capital/newsfeed-alerts/config"
	"github.com/rnr-capital/newsfeed-alerts/invitation"
	"github.com/rnr-capital/newsfeed-alerts/model"
	"github.com/rnr-capital/newsfeed-alerts/notifier"
	"github.com/rnr-capital/newsfeed-alerts/notifier/consumers"
	"github.com/rnr-capital/newsfeed-alerts/panoptic"
	"github.com/rnr-capital/newsfeed-alerts/panoptic/modules"
	"github.com/rnr-capital/newsfeed-alerts/pipeline"
	"github.com/rnr-capital/newsfeed-alerts/server"
	"github.com/rnr-capital/newsfeed-alerts/store"
	"github.com/rnr-capital/newsfeed-alerts/strategy"
	"github.com/rnr-capital/newsfeed-alerts/summarizer"
	"github.com/rnr-capital/newsfeed-alerts/tokens"
	Logger "github.com/rnr-capital/newsfeed-alerts/utils/log"
)

// App holds every component of the service wired from one Config.
type App struct {
	Config      config.Config
	Store       *store.Store
	Bus         *gochannel.GoChannel
	Statsd      statsd.ClientInterface
	Reporter    *modules.Reporter
	Pipeline    *pipeline.Pipeline
	Tokens      *tokens.Job
	Invitations *invitation.Service
	Verifier    *channel.Verifier
}

type Options struct {
	ServiceName string
	// Metrics replaces the statsd client built from the config, e.g. in tests.
	Metrics statsd.ClientInterface
	// ExportMetrics exports run metrics outside of prod too.
	ExportMetrics bool
}

func New(cfg config.Config, db *gorm.DB, opts Options) (*App, error) {
	repo := store.New(db)
	httpClient := clients.NewHttpClient(clients.Options{
		UserAgent:      cfg.Fetcher.UserAgent,
		ConnectTimeout: cfg.Fetcher.ConnectTimeout,
		ReadTimeout:    cfg.Fetcher.ReadTimeout,
		RetryCount:     cfg.Fetcher.RetryCount,
	})

	contentOpts := []collector.ContentStoreOption{collector.WithFetchTimeout(cfg.Pipeline.FetchTimeout)}
	if cfg.Redis.Addr != "" {
		client := collector.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		contentOpts = append(contentOpts, collector.WithLease(collector.NewRedisLease(client), cfg.Redis.LeaseTTL))
		Logger.LogV2.WithField("addr", cfg.Redis.Addr).Info("fetch lease enabled")
	}
	if cfg.Archive.Bucket != "" {
		archive, err := file_store.NewS3FileStore(cfg.Archive.Bucket, cfg.Archive.Region, cfg.Archive.Prefix)
		if err != nil {
			return nil, errors.Wrap(err, "fail to create html archive")
		}
		contentOpts = append(contentOpts, collector.WithArchive(archive))
	}
	contents := collector.NewContentStore(repo, collector.NewHttpFetcher(httpClient), contentOpts...)

	resolver := strategy.NewEngine(httpClient, strategy.Options{
		SearchRssTemplate: cfg.Search.RssUrlTemplate,
		DefaultLimit:      cfg.Search.DefaultLimit,
		UserAgent:         cfg.Fetcher.UserAgent,
	})
	llm := summarizer.NewLLMSummarizer(summarizer.Options{
		Endpoint:      cfg.Summarizer.Endpoint,
		Model:         cfg.Summarizer.Model,
		APIKey:        cfg.Summarizer.APIKey,
		SystemPrompt:  cfg.Summarizer.SystemPrompt,
		MaxInputChars: cfg.Summarizer.MaxInputChar,
		Timeout:       cfg.Pipeline.SummarizeTimeout,
	})

	registry, err := consumers.NewRegistry(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create channel consumers")
	}
	tokenJob := tokens.NewJob(repo, map[model.ChannelType]tokens.Refresher{
		model.ChannelTypeSlack: tokens.NewSlackRefresher(cfg.Transports.Slack.ClientID, cfg.Transports.Slack.ClientSecret),
	}, cfg.Tokens.Lookahead, cfg.Tokens.RefreshTimeout)
	dispatcher := notifier.NewDispatcher(repo, registry,
		notifier.WithSendTimeout(cfg.Pipeline.SendTimeout),
		notifier.WithFailedRunWarnThreshold(cfg.Pipeline.FailedRunWarnThreshold),
		notifier.WithCredentialRejectedHook(tokenJob.Expedite),
	)

	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	p := pipeline.New(pipeline.Deps{
		Store:            repo,
		Resolver:         resolver,
		Contents:         contents,
		Summarizer:       llm,
		Dispatcher:       dispatcher,
		Tokens:           tokenJob,
		Publisher:        bus,
		AlertParallelism: cfg.Pipeline.AlertParallelism,
		UrlParallelism:   cfg.Pipeline.UrlParallelism,
		SummarizeTimeout: cfg.Pipeline.SummarizeTimeout,
		DefaultLocation:  cfg.Schedule.Location(),
	})

	senders := map[model.ChannelType]channel.Sender{}
	for typ, consumer := range registry {
		if sender, ok := consumer.(channel.Sender); ok {
			senders[typ] = sender
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics, err = newStatsd(cfg.Metrics.StatsdAddr, opts.ServiceName)
		if err != nil {
			return nil, err
		}
	}

	return &App{
		Config:      cfg,
		Store:       repo,
		Bus:         bus,
		Statsd:      metrics,
		Reporter:    modules.NewReporter(modules.ReporterConfig{Name: "reporter", ExportAlways: opts.ExportMetrics}, metrics, bus),
		Pipeline:    p,
		Tokens:      tokenJob,
		Invitations: invitation.NewService(repo, cfg.Invitations.TTL),
		Verifier:    channel.NewVerifier(repo, senders, cfg.Channels.VerificationTTL, cfg.Channels.VerificationUrl),
	}, nil
}

func newStatsd(addr, namespace string) (statsd.ClientInterface, error) {
	if addr == "" {
		return &statsd.NoOpClient{}, nil
	}
	opts := []statsd.Option{}
	if namespace != "" {
		opts = append(opts, statsd.WithNamespace(namespace+"."))
	}
	client, err := statsd.New(addr, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create statsd client")
	}
	return client, nil
}

// Modules returns the long running modules of the daemon.
func (a *App) Modules(serviceName string) ([]panoptic.Module, error) {
	scheduler, err := modules.NewScheduler(modules.SchedulerConfig{
		Name:     "scheduler",
		Location: a.Config.Schedule.Location(),
		Specs: map[panoptic.JobName]string{
			panoptic.JobIngest:  a.Config.Schedule.IngestCron,
			panoptic.JobDeliver: a.Config.Schedule.DeliverCron,
			panoptic.JobRefresh: a.Config.Schedule.RefreshCron,
		},
	}, a.Pipeline)
	if err != nil {
		return nil, err
	}
	srv := server.New(a.Config.Server, server.Deps{
		Store:       a.Store,
		Runner:      a.Pipeline,
		Invitations: a.Invitations,
		Verifier:    a.Verifier,
		ServiceName: serviceName,
	})
	return []panoptic.Module{a.Reporter, scheduler, srv}, nil
}

// RunJob runs one job and reports it right away. A one-shot process has no
// reporter listening on the bus, so the report is exported and flushed here.
func (a *App) RunJob(ctx context.Context, job panoptic.JobName, now time.Time) (*panoptic.RunReport, error) {
	report, err := a.Pipeline.Run(ctx, job, now)
	if report != nil {
		a.Reporter.Export(report)
		if err := a.Statsd.Flush(); err != nil {
			Logger.LogV2.WithError(err).Warn("fail to flush statsd client")
		}
	}
	return report, err
}

// RunModules runs every module until ctx is done or one of them fails, then
// shuts all of them down.
func RunModules(ctx context.Context, mods []panoptic.Module) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range mods {
		m := m
		g.Go(func() error {
			Logger.LogV2.Info(fmt.Sprint("Module ", m.Name(), " starts"))
			if err := m.RunModule(gctx); err != nil {
				return errors.Wrap(err, "module "+m.Name())
			}
			return nil
		})
	}
	<-gctx.Done()
	for i := len(mods) - 1; i >= 0; i-- {
		mods[i].Shutdown()
	}
	return g.Wait()
}

func (a *App) Close() {
	if err := a.Bus.Close(); err != nil {
		Logger.LogV2.WithError(err).Warn("fail to close event bus")
	}
	if err := a.Statsd.Close(); err != nil {
		Logger.LogV2.WithError(err).Warn("fail to close statsd client")
	}
}
