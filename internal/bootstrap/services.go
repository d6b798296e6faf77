package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/target/inferbatch/config"
	"github.com/target/inferbatch/internal/adapters/catalog"
	"github.com/target/inferbatch/internal/adapters/filestore"
	"github.com/target/inferbatch/internal/adapters/inference/httpbackend"
	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/data"
	"github.com/target/inferbatch/internal/domain/batch"
	"github.com/target/inferbatch/internal/domain/job"
	"github.com/target/inferbatch/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Scheduler   *service.SchedulerService
	Webhooks    *service.WebhookService
	DeadLetters *service.DeadLetterService
	Recovery    *service.RecoveryService
	Exporter    *filestore.Exporter
	Slots       []Slot
	// Notifier fans Postgres LISTEN wake-ups out to the runners.
	Notifier      job.Notifier
	Observability ObservabilityContainer
}

// Slot is one accelerator slot: its backend, the session that owns it and the executor bound to both.
type Slot struct {
	ID       string
	Backend  *httpbackend.Backend
	Session  *service.SessionManager
	Executor *service.Executor
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient // Optional: enables the cross-process slot lock
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports; no business rules here.
type serviceRepositories struct {
	DB          *sql.DB
	Jobs        *data.BatchJobRepo
	Checkpoints *data.CheckpointRepo
	Deliveries  *data.WebhookDeliveryRepo
	DeadLetters *data.DeadLetterRepo
	Locker      *data.AdvisoryLocker
	SlotLock    core.SlotLock
}

func buildRepositories(db *sql.DB, rdb redis.UniversalClient, cfg *config.AppConfig, logger *slog.Logger) *serviceRepositories {
	repoCfg := data.RepoConfig{Logger: logger}
	repos := &serviceRepositories{
		DB:          db,
		Jobs:        data.NewBatchJobRepo(db, repoCfg),
		Checkpoints: data.NewCheckpointRepo(db, repoCfg),
		Deliveries:  data.NewWebhookDeliveryRepo(db, repoCfg),
		DeadLetters: data.NewDeadLetterRepo(db, repoCfg),
		Locker:      &data.AdvisoryLocker{DB: db},
	}
	if rdb != nil {
		repos.SlotLock = data.NewRedisSlotLock(rdb, cfg.Executor.SlotLockPrefix)
	}
	return repos
}

// NewServices wires repositories, adapters and services from configuration.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return ServiceContainer{}, errors.New("config and database are required")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	obs := buildObservability(logger, cfg.Observability)
	repos := buildRepositories(deps.DB, deps.RedisClient, cfg, logger)

	notifier, err := job.NewNotifier(job.NotifierOptions{
		Waiter: &data.NotificationListener{DB: deps.DB},
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create notifier: %w", err)
	}

	source, err := filestore.NewSource(filestore.SourceOptions{Root: cfg.Storage.InputDir, Logger: logger})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create request source: %w", err)
	}
	exporter, err := filestore.NewExporter(filestore.ExporterOptions{
		Results: repos.Checkpoints,
		Dir:     cfg.Storage.OutputDir,
		Logger:  logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create result exporter: %w", err)
	}

	var models core.ModelCatalog
	if cfg.ModelCatalogPath != "" {
		c, loadErr := catalog.Load(cfg.ModelCatalogPath)
		if loadErr != nil {
			return ServiceContainer{}, loadErr
		}
		logger.Info("model catalog loaded", "path", cfg.ModelCatalogPath, "models", len(c.Models()))
		models = c
	}

	webhooks, err := service.NewWebhookService(service.WebhookServiceOptions{
		Deliveries: repos.Deliveries,
		Jobs:       repos.Jobs,
		Backoff: batch.Backoff{
			Initial:    cfg.Webhook.BackoffInitial,
			Max:        cfg.Webhook.BackoffMax,
			Multiplier: 2,
		},
		Lease:    cfg.Webhook.LeaseDuration,
		Notifier: obs.OutcomeNotifier,
		Metrics:  obs.Recorder,
		Logger:   logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create webhook service: %w", err)
	}

	scheduler, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Jobs:     repos.Jobs,
		Source:   source,
		Catalog:  models,
		Webhooks: webhooks,
		Notifier: obs.OutcomeNotifier,
		Metrics:  obs.Recorder,
		Logger:   logger,
		Owner:    cfg.Executor.InstanceID,
		JobLease: cfg.Executor.JobLease,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create scheduler service: %w", err)
	}

	deadLetters, err := service.NewDeadLetterService(service.DeadLetterServiceOptions{
		DeadLetters: repos.DeadLetters,
		Jobs:        repos.Jobs,
		Webhooks:    webhooks,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.DLQ.AutoRetryRate), 1),
		SweepBatch:  cfg.DLQ.AutoRetryBatch,
		Logger:      logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create dead letter service: %w", err)
	}

	slots, err := buildSlots(cfg, repos, source, exporter, obs, logger)
	if err != nil {
		return ServiceContainer{}, err
	}
	backends := make([]core.InferenceBackend, 0, len(slots))
	for _, s := range slots {
		backends = append(backends, s.Backend)
	}

	recovery, err := service.NewRecoveryService(service.RecoveryServiceOptions{
		Jobs:        repos.Jobs,
		Checkpoints: repos.Checkpoints,
		Scheduler:   scheduler,
		Deliveries:  repos.Deliveries,
		Backends:    backends,
		Locker:      repos.Locker,
		Metrics:     obs.Recorder,
		Logger:      logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("create recovery service: %w", err)
	}

	return ServiceContainer{
		Scheduler:     scheduler,
		Webhooks:      webhooks,
		DeadLetters:   deadLetters,
		Recovery:      recovery,
		Exporter:      exporter,
		Slots:         slots,
		Notifier:      notifier,
		Observability: obs,
	}, nil
}

// buildSlots creates one backend, session and executor per configured slot.
func buildSlots(
	cfg *config.AppConfig,
	repos *serviceRepositories,
	source core.RequestSource,
	exporter core.ResultExporter,
	obs ObservabilityContainer,
	logger *slog.Logger,
) ([]Slot, error) {
	owner := instanceID(cfg.Executor)
	client := &http.Client{}

	slots := make([]Slot, 0, cfg.Slots)
	for i := range cfg.Slots {
		id := "slot-" + strconv.Itoa(i)
		slotLogger := logger.With("slot_id", id)

		var limiter *rate.Limiter
		if cfg.Backend.RequestsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.Backend.RequestsPerSecond), 1)
		}
		backend, err := httpbackend.New(httpbackend.Options{
			BaseURL:        cfg.Backend.URLForSlot(i),
			Client:         client,
			LoadTimeout:    cfg.Backend.LoadTimeout,
			ExecuteTimeout: cfg.Backend.ExecuteTimeout,
			Limiter:        limiter,
			Logger:         slotLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("create backend for %s: %w", id, err)
		}

		session, err := service.NewSessionManager(service.SessionManagerOptions{
			SlotID:  id,
			Backend: backend,
			Lock:    repos.SlotLock,
			Owner:   owner + "/" + id,
			LockTTL: cfg.Executor.SlotLockTTL,
			Metrics: obs.Recorder,
			Logger:  slotLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("create session for %s: %w", id, err)
		}

		executor, err := service.NewExecutor(service.ExecutorOptions{
			Checkpoints: repos.Checkpoints,
			Jobs:        repos.Jobs,
			Source:      source,
			Backend:     backend,
			Session:     session,
			Exporter:    exporter,
			Metrics:     obs.Recorder,
			Logger:      slotLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("create executor for %s: %w", id, err)
		}

		slots = append(slots, Slot{ID: id, Backend: backend, Session: session, Executor: executor})
	}
	return slots, nil
}

// instanceID names this process as a slot lock owner.
func instanceID(cfg config.ExecutorConfig) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "inferbatch"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
