package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/target/inferbatch/internal/bootstrap"
	apperrors "github.com/target/inferbatch/internal/errors"
)

// openServices connects Postgres (and Redis when enabled) and wires the full service graph.
func openServices(cmdCtx *commandContext) (adminServices, func(), error) {
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:    cmdCtx.Config.Postgres,
		RedisConfig: cmdCtx.Config.Redis,
		Slots:       cmdCtx.Config.Slots,
		Logger:      cmdCtx.Logger,
	}
	db, err := bootstrap.ConnectDB(dbCfg)
	if err != nil {
		return adminServices{}, nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "connect db")
	}
	redisClient, err := bootstrap.ConnectRedis(dbCfg)
	if err != nil {
		_ = db.Close()
		return adminServices{}, nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "connect redis")
	}

	svcs, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		_ = db.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return adminServices{}, nil, fmt.Errorf("wire services: %w", err)
	}

	release := func() {
		var errs []error
		svcs.Notifier.StopAll()
		errs = append(errs, svcs.Observability.Close(), db.Close())
		if redisClient != nil {
			errs = append(errs, redisClient.Close())
		}
		if err := errors.Join(errs...); err != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", err)
		}
	}
	return adminServices{
		Jobs:        svcs.Scheduler,
		DeadLetters: svcs.DeadLetters,
		Recovery:    svcs.Recovery,
	}, release, nil
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("migrate")
	timeout := fs.Duration("timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return apperrors.Validation("--timeout must be greater than zero")
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "connect db")
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")
	if err := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); err != nil {
		return err
	}
	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}

func runReconcile(cmdCtx *commandContext, args []string) error {
	if err := parseFlags(newFlagSet("reconcile"), args); err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svcs adminServices) error {
		report, err := svcs.Recovery.Reconcile(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmdCtx.Out, report)
	})
}
