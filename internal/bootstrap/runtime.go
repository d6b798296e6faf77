package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/inferbatch/config"
	"github.com/target/inferbatch/internal/adapters/reaper"
	"github.com/target/inferbatch/internal/adapters/slotrunner"
	"github.com/target/inferbatch/internal/adapters/webhookrunner"
	httpx "github.com/target/inferbatch/internal/http"
)

const shutdownWaitTimeout = 30 * time.Second

// ServiceOrchestrationConfig contains everything needed to run the enabled services.
type ServiceOrchestrationConfig struct {
	Config      *config.AppConfig
	Services    ServiceContainer
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceStartupDeps groups dependencies shared by background services.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	handles := make([]backgroundServiceHandle, 0, len(services))
	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}
		handles = append(handles, backgroundServiceHandle{mode: svc.mode, name: svc.name, done: done})
	}
	return handles
}

func newSlotRunnerBackgroundServices(deps *serviceStartupDeps) ([]backgroundService, error) {
	svcs := deps.cfg.Services
	execCfg := deps.cfg.Config.Executor
	out := make([]backgroundService, 0, len(svcs.Slots))
	for _, slot := range svcs.Slots {
		runner, err := slotrunner.NewRunner(slotrunner.RunnerOptions{
			Scheduler:         svcs.Scheduler,
			Session:           slot.Session,
			Executor:          slot.Executor,
			Notifier:          svcs.Notifier,
			PollInterval:      execCfg.PollInterval,
			HeartbeatInterval: execCfg.HeartbeatInterval,
			Metrics:           svcs.Observability.MetricsSink,
			Logger:            deps.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create slot runner %s: %w", slot.ID, err)
		}
		out = append(out, backgroundService{
			mode:  config.ServiceModeScheduler,
			name:  "slot runner " + slot.ID,
			start: runner.Run,
		})
	}
	out = append(out, backgroundService{
		mode: config.ServiceModeScheduler,
		name: "orphan sweep",
		start: func(ctx context.Context) error {
			return svcs.Recovery.Sweep(ctx, execCfg.JobLease)
		},
	})
	return out, nil
}

func newWebhookBackgroundService(deps *serviceStartupDeps) (backgroundService, error) {
	appCfg := deps.cfg.Config
	svcs := deps.cfg.Services
	var sweep time.Duration
	if appCfg.DLQ.AutoRetryEnabled {
		sweep = appCfg.DLQ.AutoRetryInterval
	}
	runner, err := webhookrunner.NewRunner(webhookrunner.RunnerOptions{
		Webhooks:      svcs.Webhooks,
		DeadLetters:   svcs.DeadLetters,
		Notifier:      svcs.Notifier,
		Concurrency:   appCfg.Webhook.Concurrency,
		PollInterval:  appCfg.Webhook.PollInterval,
		SweepInterval: sweep,
		Metrics:       svcs.Observability.MetricsSink,
		Logger:        deps.logger,
	})
	if err != nil {
		return backgroundService{}, fmt.Errorf("create webhook runner: %w", err)
	}
	return backgroundService{mode: config.ServiceModeWebhookRunner, name: "webhook runner", start: runner.Run}, nil
}

func newReaperBackgroundService(deps *serviceStartupDeps) (backgroundService, error) {
	svcs := deps.cfg.Services
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:        deps.cfg.DB,
		Config:    deps.cfg.Config.Reaper,
		Scheduler: svcs.Scheduler,
		Exporter:  svcs.Exporter,
		Logger:    deps.logger,
		Metrics:   svcs.Observability.MetricsSink,
		Recorder:  svcs.Observability.Recorder,
	})
	if err != nil {
		return backgroundService{}, fmt.Errorf("create reaper: %w", err)
	}
	return backgroundService{mode: config.ServiceModeReaper, name: "reaper", start: runner.Run}, nil
}

// buildBackgroundServices creates runners for the enabled modes only.
func buildBackgroundServices(deps *serviceStartupDeps) ([]backgroundService, error) {
	var out []backgroundService
	if deps.enabledServices[config.ServiceModeScheduler] {
		runners, err := newSlotRunnerBackgroundServices(deps)
		if err != nil {
			return nil, err
		}
		out = append(out, runners...)
	}
	if deps.enabledServices[config.ServiceModeWebhookRunner] {
		svc, err := newWebhookBackgroundService(deps)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	if deps.enabledServices[config.ServiceModeReaper] {
		svc, err := newReaperBackgroundService(deps)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

// startOpsServerIfEnabled starts the /healthz, /slots and /metrics listener.
func startOpsServerIfEnabled(deps *serviceStartupDeps) *http.Server {
	if !deps.enabledServices[config.ServiceModeOps] {
		return nil
	}
	svcs := deps.cfg.Services
	slots := make([]httpx.SlotReporter, 0, len(svcs.Slots))
	for _, s := range svcs.Slots {
		slots = append(slots, s.Session)
	}
	health := map[string]httpx.Pinger{"database": deps.cfg.DB}
	if deps.cfg.RedisClient != nil {
		health["redis"] = redisPinger{deps.cfg.RedisClient}
	}

	handler := httpx.NewOpsRouter(httpx.OpsServices{
		Health:  health,
		Slots:   slots,
		Metrics: svcs.Observability.Prometheus.Handler(),
		Logger:  deps.logger,
	})

	server := &http.Server{
		Addr:              deps.cfg.Config.Ops.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		deps.logger.Info("starting ops server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case deps.errCh <- fmt.Errorf("ops server failed: %w", err):
			default:
				deps.logger.Error("ops server failed", "error", err)
			}
		}
	}()

	return server
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// reconcileIfNeeded runs crash recovery before any runner claims work.
func reconcileIfNeeded(deps *serviceStartupDeps) error {
	if !deps.enabledServices[config.ServiceModeScheduler] && !deps.enabledServices[config.ServiceModeWebhookRunner] {
		return nil
	}
	report, err := deps.cfg.Services.Recovery.Reconcile(deps.ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	deps.logger.InfoContext(deps.ctx, "startup recovery finished",
		"requeued", len(report.Requeued),
		"corrupt", len(report.Corrupt),
		"revalidated", len(report.Revalidated),
		"deliveries_rearmed", report.DeliveriesRearmed,
		"backends_unloaded", report.BackendsUnloaded,
		"skipped_lock_held", report.SkippedLockHeld,
	)
	return nil
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
	}
	if err = reconcileIfNeeded(deps); err != nil {
		return err
	}

	background, err := buildBackgroundServices(deps)
	if err != nil {
		return err
	}
	deps.errCh = make(chan error, errorChannelBufferSize(len(background), enabledServices))

	server := startOpsServerIfEnabled(deps)
	handles := startBackgroundServices(deps, background)

	return waitForShutdown(shutdownConfig{
		ctx:         serviceCtx,
		cancel:      cancel,
		errCh:       deps.errCh,
		opsServer:   server,
		services:    cfg.Services,
		logger:      logger,
		backgrounds: handles,
	})
}

// errorChannelBufferSize leaves room for every runner, the ops server and one spare.
func errorChannelBufferSize(runners int, enabled map[config.ServiceMode]bool) int {
	size := runners + 1
	if enabled[config.ServiceModeOps] {
		size++
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	ctx         context.Context
	cancel      context.CancelFunc
	errCh       <-chan error
	opsServer   *http.Server
	services    ServiceContainer
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		return gracefulStop(cfg)
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		if stopErr := gracefulStop(cfg); stopErr != nil {
			cfg.logger.Error("graceful stop failed", "error", stopErr)
		}
		return err
	}
}

// gracefulStop waits for the runners to requeue their jobs, then releases shared resources.
func gracefulStop(cfg shutdownConfig) error {
	var errs []error
	if cfg.opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWaitTimeout)
		defer cancel()
		if err := cfg.opsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown ops server: %w", err))
		}
	}

	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.services.Notifier != nil {
		cfg.services.Notifier.StopAll()
	}
	if err := cfg.services.Observability.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close statsd client: %w", err))
	}
	return errors.Join(errs...)
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
