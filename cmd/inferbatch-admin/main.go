package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/target/inferbatch/config"
	"github.com/target/inferbatch/internal/bootstrap"
	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
	"github.com/target/inferbatch/internal/service"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

// jobAdmin is the slice of the scheduler the CLI drives.
type jobAdmin interface {
	Submit(ctx context.Context, req *model.CreateBatchJobRequest) (*model.BatchJob, error)
	Get(ctx context.Context, jobID string) (*model.BatchJob, error)
	Cancel(ctx context.Context, jobID string) (*model.BatchJob, error)
	List(ctx context.Context, filter model.JobFilter) ([]*model.BatchJob, error)
}

type deadLetterAdmin interface {
	List(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error)
	Retry(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	Delete(ctx context.Context, id string) error
}

type reconciler interface {
	Reconcile(ctx context.Context) (service.RecoveryReport, error)
}

type adminServices struct {
	Jobs        jobAdmin
	DeadLetters deadLetterAdmin
	Recovery    reconciler
}

// servicesFn opens whatever a command needs and returns a func releasing it.
type servicesFn func(cmdCtx *commandContext) (adminServices, func(), error)

type commandContext struct {
	Ctx      context.Context
	Logger   *slog.Logger
	Config   config.AppConfig
	Out      io.Writer
	services servicesFn
}

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = time.Minute
)

func main() {
	os.Exit(run(os.Args[1:])) //nolint:forbidigo // CLI must propagate command status to shell scripts
}

func run(args []string) int {
	logger := bootstrap.InitLogger("info", false)

	if len(args) < 1 {
		printUsage(os.Stderr)
		return 2
	}

	cmdName := args[0]
	cmd, ok := commands()[cmdName]
	if !ok {
		_, _ = fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage(os.Stderr)
		return 2
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}
	logger = bootstrap.InitLogger(cfg.LogLevel, cfg.IsDev)

	cmdCtx := &commandContext{
		Ctx:      context.Background(),
		Logger:   logger,
		Config:   cfg,
		Out:      os.Stdout,
		services: openServices,
	}
	return runCommand(cmdCtx, cmd, args[1:])
}

// runCommand runs cmd and maps its error to an exit status.
func runCommand(cmdCtx *commandContext, cmd command, args []string) int {
	err := cmd.run(cmdCtx, args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return 0
	}
	cmdCtx.Logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmd.name, "error", err)
	return apperrors.ExitCode(err)
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"submit": {
			name:        "submit",
			description: "Validate and queue a batch job",
			run:         runSubmit,
		},
		"status": {
			name:        "status",
			description: "Show a batch job's status and request counts",
			run:         runStatus,
		},
		"list": {
			name:        "list",
			description: "List batch jobs, newest first",
			run:         runList,
		},
		"cancel": {
			name:        "cancel",
			description: "Cancel a batch job",
			run:         runCancel,
		},
		"dlq-list": {
			name:        "dlq-list",
			description: "List dead-lettered webhook deliveries",
			run:         runDLQList,
		},
		"dlq-retry": {
			name:        "dlq-retry",
			description: "Make one fresh delivery attempt for a dead letter",
			run:         runDLQRetry,
		},
		"dlq-delete": {
			name:        "dlq-delete",
			description: "Delete a dead letter",
			run:         runDLQDelete,
		},
		"reconcile": {
			name:        "reconcile",
			description: "Run crash recovery now",
			run:         runReconcile,
		},
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Usage: inferbatch-admin <command> [flags]\n\nAvailable commands:\n")
	names := make([]string, 0, len(commands()))
	for name := range commands() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "  %-12s %s\n", name, commands()[name].description)
	}
}

// withServices opens services, bounds the command with a timeout and releases everything afterwards.
func withServices(cmdCtx *commandContext, fn func(ctx context.Context, svcs adminServices) error) error {
	svcs, release, err := cmdCtx.services(cmdCtx)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()
	return fn(ctx, svcs)
}

// newFlagSet returns a flag set whose usage errors are validation errors.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid flags")
	}
	return nil
}

// parseIDArg parses flags and returns the single positional id argument.
func parseIDArg(fs *flag.FlagSet, args []string, what string) (string, error) {
	if err := parseFlags(fs, args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", apperrors.Validationf("usage: inferbatch-admin %s <%s>", fs.Name(), what)
	}
	return fs.Arg(0), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
