package server

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"RevEngine/internal/services/optimizer"
	"RevEngine/internal/usecase"
	"RevEngine/pkg/config"
	xhttp "RevEngine/pkg/http"
	pkgkafka "RevEngine/pkg/kafka"
	applogger "RevEngine/pkg/logger"
)

// App owns the long-running parts of the engine: the HTTP API, the
// optimization scheduler and the optional feed collector and Kafka
// consumer.
type App struct {
	cfg       *config.Config
	log       *applogger.Logger
	http      *xhttp.Server
	scheduler *optimizer.Scheduler
	collector *usecase.SnapshotCollector
	consumer  *pkgkafka.Consumer
}

// New builds an App. collector and consumer may be nil when disabled.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	httpServer *xhttp.Server,
	scheduler *optimizer.Scheduler,
	collector *usecase.SnapshotCollector,
	consumer *pkgkafka.Consumer,
) *App {
	return &App{
		cfg:       cfg,
		log:       log,
		http:      httpServer,
		scheduler: scheduler,
		collector: collector,
		consumer:  consumer,
	}
}

// Run starts every component and blocks until SIGINT/SIGTERM or ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(err, a.Shutdown(shutdownCtx))
	}

	<-ctx.Done()
	a.log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Start launches components without blocking.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Optimizer.Enabled {
		a.scheduler.Start()
	}

	if a.collector != nil {
		if err := a.collector.Start(ctx); err != nil {
			return err
		}
		a.log.Info("feed collector started", applogger.Strings("symbols", a.cfg.Ingest.Feed.Symbols))
	}

	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			return err
		}
		a.log.Info("kafka consumer started", applogger.String("topic", a.cfg.Kafka.SnapshotTopic))
	}

	if err := a.http.Start(); err != nil {
		return err
	}
	a.log.Info("engine running",
		applogger.String("env", a.cfg.Environment),
		applogger.Int("port", a.cfg.Server.Port),
		applogger.String("events", a.cfg.Events.Store),
		applogger.String("executor", a.cfg.Executor.Mode),
	)
	return nil
}

// Shutdown stops inbound paths first, then the scheduler. Infrastructure is
// released by the injector cleanup. Every step runs even if one fails.
func (a *App) Shutdown(ctx context.Context) error {
	start := time.Now()
	var errs []error
	step := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			a.log.Warn("shutdown step failed", applogger.String("step", name), applogger.Error(err))
			errs = append(errs, err)
		}
	}

	step("http", a.http.Stop)
	if a.collector != nil {
		step("collector", a.collector.Shutdown)
	}
	if a.consumer != nil {
		step("consumer", a.consumer.Stop)
	}
	step("scheduler", a.scheduler.Stop)

	a.log.Info("shutdown complete", applogger.Duration("took", time.Since(start)))
	return errors.Join(errs...)
}
