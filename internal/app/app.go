// Package app wires storage, the rule engine and the scheduler from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leadflow/internal/ai"
	"github.com/leadflow/internal/config"
	"github.com/leadflow/internal/export"
	"github.com/leadflow/internal/metrics"
	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/outreach"
	"github.com/leadflow/internal/rules"
	"github.com/leadflow/internal/scheduler"
	"github.com/leadflow/internal/source"
	"github.com/leadflow/internal/source/rss"
	"github.com/leadflow/internal/storage/gormrepo"
	"github.com/leadflow/pkg/logger"
	"github.com/leadflow/pkg/ratelimit"
)

// App holds the assembled components
type App struct {
	Config    *config.Config
	Repo      *gormrepo.Repository
	Limiter   *ratelimit.MultiLimiter
	Notifier  *outreach.NotificationService
	Responder *outreach.Responder
	Engine    *rules.Engine
	Sources   *source.Manager
	Registry  *scheduler.Registry
	Executor  *scheduler.Executor
	Scheduler *scheduler.Service
	Metrics   *metrics.Metrics // nil unless metrics are enabled

	closers []func() error
}

// New opens storage, runs migrations and wires every component
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	repo, err := gormrepo.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a := &App{Config: cfg, Repo: repo}
	a.closers = append(a.closers, repo.Close)

	if err := repo.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := a.wire(ctx, log); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, log *logger.Logger) error {
	cfg := a.Config

	a.Limiter = ratelimit.NewLimiter(ratelimit.Limits{
		AnthropicPerMinute:    cfg.RateLimit.AnthropicRequestsPerMinute,
		AutoResponsePerMinute: cfg.AutoResponse.RatePerMinute,
		SourcePerHour:         cfg.RateLimit.SourceRequestsPerHour,
		NotificationPerMinute: cfg.Notifications.RatePerMinute,
		NotificationChannels:  cfg.Notifications.Channels,
	})

	a.Notifier = outreach.NewNotificationService(a.Repo, cfg.Notifications.Channels, a.Limiter, log)

	a.Responder = outreach.NewResponder(a.Repo, outreach.NewLogSender(log), log)
	a.Responder.SetLimiter(a.Limiter)
	if cfg.AutoResponse.UseAI {
		a.Responder.SetDrafter(ai.NewClient(cfg.Anthropic, a.Limiter, log))
	}

	engine, err := rules.NewEngine(a.Repo, a.Notifier, a.Responder, log)
	if err != nil {
		return fmt.Errorf("failed to create rule engine: %w", err)
	}
	a.Engine = engine

	a.Sources = source.NewManager(a.Limiter, log)
	if cfg.Sources.RSS.Enabled {
		for _, src := range rss.NewMultiple(cfg.Sources.RSS, log) {
			a.Sources.Register(src)
		}
	}

	a.Registry = scheduler.NewRegistry()
	a.Registry.Register(models.TaskRuleExecution, scheduler.NewRuleBatchHandler(a.Repo, a.Engine, cfg.Rules.BatchSize, log))
	a.Registry.Register(models.TaskCleanup, scheduler.NewCleanupHandler(a.Repo, log))
	a.Registry.Register(models.TaskNotification, scheduler.NewDigestHandler(a.Repo, a.Notifier))
	a.Registry.Register(models.TaskAutoResponse, scheduler.NewAutoResponseHandler(a.Responder))
	a.Registry.Register(models.TaskScraping, scheduler.NewScrapeHandler(a.Sources, a.Repo, log))
	if cfg.Export.Sheets.Enabled {
		exporter, err := export.NewSheetsExporter(ctx, cfg.Export.Sheets, a.Limiter, log)
		if err != nil {
			return fmt.Errorf("failed to create sheets exporter: %w", err)
		}
		a.Registry.Register(models.TaskExport, scheduler.NewExportHandler(a.Repo, exporter))
	}

	a.Executor = scheduler.NewExecutor(a.Repo, a.Registry, a.Notifier, log)
	a.Scheduler = scheduler.NewService(scheduler.Config{
		PollInterval:   cfg.Scheduler.PollInterval,
		DefaultTimeout: time.Duration(cfg.Scheduler.DefaultTimeoutMinutes) * time.Minute,
		StaleSweep:     cfg.Scheduler.StaleSweep,
		LeaseTTL:       cfg.Scheduler.Lease.TTL,
	}, a.Repo, a.Executor, log)

	switch cfg.Scheduler.Lease.Backend {
	case "database":
		a.Scheduler.SetLease(scheduler.NewDBLease(a.Repo))
	case "redis":
		lease, err := scheduler.NewRedisLease(ctx, scheduler.RedisOptions{
			Addr:     cfg.Scheduler.Lease.Redis.Addr,
			Password: cfg.Scheduler.Lease.Redis.Password,
			DB:       cfg.Scheduler.Lease.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, lease.Close)
		a.Scheduler.SetLease(lease)
	}

	if cfg.Metrics.Enabled {
		m, err := metrics.New()
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		a.Metrics = m
		a.Engine.SetMetrics(m)
		a.Executor.SetMetrics(m)
		a.Scheduler.SetMetrics(m)
	}

	log.Info().
		Str("database", cfg.Database.Driver).
		Str("lease", cfg.Scheduler.Lease.Backend).
		Int("task_types", len(a.Registry.Types())).
		Msg("Components initialized")
	return nil
}

// Close releases connections in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
