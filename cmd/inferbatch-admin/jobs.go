package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
)

type submitOptions struct {
	Request model.CreateBatchJobRequest
	Events  string
}

func parseSubmitFlags(args []string) (submitOptions, error) {
	fs := newFlagSet("submit")
	var (
		opts       submitOptions
		webhookURL string
		secret     string
		maxRetries int
		timeout    time.Duration
	)
	meta := map[string]string{}

	fs.StringVar(&opts.Request.ModelID, "model", "", "Model id to run (required)")
	fs.StringVar(&opts.Request.InputRef, "input", "", "JSONL input file (required)")
	fs.IntVar(&opts.Request.ChunkSize, "chunk-size", 0, "Requests per chunk (default 100)")
	fs.StringVar(&webhookURL, "webhook-url", "", "Notify this URL when the job finishes")
	fs.StringVar(&secret, "webhook-secret", "", "HMAC-SHA256 signing secret for webhook payloads")
	fs.IntVar(&maxRetries, "webhook-max-retries", 0, "Delivery attempts before dead-lettering (default 5)")
	fs.DurationVar(&timeout, "webhook-timeout", 0, "Per-attempt webhook timeout (default 10s)")
	fs.StringVar(&opts.Events, "events", "", "Comma-separated events to deliver: completed,failed,cancelled (default all)")
	fs.Func("meta", "Metadata key=value, repeatable", func(v string) error {
		k, val, ok := strings.Cut(v, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("metadata must be key=value, got %q", v)
		}
		meta[strings.TrimSpace(k)] = val
		return nil
	})

	if err := parseFlags(fs, args); err != nil {
		return submitOptions{}, err
	}
	if len(meta) > 0 {
		opts.Request.Metadata = meta
	}

	if webhookURL == "" {
		if secret != "" || opts.Events != "" || maxRetries != 0 || timeout != 0 {
			return submitOptions{}, apperrors.ValidationField("webhook.url", "webhook flags require --webhook-url")
		}
		return opts, nil
	}

	hook := &model.WebhookConfig{URL: webhookURL, Secret: secret, MaxRetries: maxRetries, Timeout: timeout}
	for _, e := range strings.Split(opts.Events, ",") {
		if e = strings.TrimSpace(e); e != "" {
			hook.SubscribedEvents = append(hook.SubscribedEvents, model.WebhookEvent(e))
		}
	}
	opts.Request.Webhook = hook
	return opts, nil
}

func runSubmit(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svcs adminServices) error {
		j, err := svcs.Jobs.Submit(ctx, &opts.Request)
		if err != nil {
			return err
		}
		return writeJSON(cmdCtx.Out, j)
	})
}

func runStatus(cmdCtx *commandContext, args []string) error {
	id, err := parseIDArg(newFlagSet("status"), args, "job-id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svcs adminServices) error {
		j, err := svcs.Jobs.Get(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(cmdCtx.Out, j)
	})
}

func runCancel(cmdCtx *commandContext, args []string) error {
	id, err := parseIDArg(newFlagSet("cancel"), args, "job-id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svcs adminServices) error {
		j, err := svcs.Jobs.Cancel(ctx, id)
		if err != nil {
			return err
		}
		return writeJSON(cmdCtx.Out, j)
	})
}

func runList(cmdCtx *commandContext, args []string) error {
	fs := newFlagSet("list")
	var (
		filter model.JobFilter
		status string
		asJSON bool
	)
	fs.StringVar(&status, "status", "", "Only jobs in this status")
	fs.StringVar(&filter.ModelID, "model", "", "Only jobs for this model")
	fs.IntVar(&filter.Limit, "limit", 50, "Maximum jobs to show")
	fs.BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if status != "" {
		if err := filter.Status.UnmarshalText([]byte(status)); err != nil {
			return apperrors.ValidationField("status", err.Error())
		}
	}

	return withServices(cmdCtx, func(ctx context.Context, svcs adminServices) error {
		jobs, err := svcs.Jobs.List(ctx, filter)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmdCtx.Out, jobs)
		}
		tw := tabwriter.NewWriter(cmdCtx.Out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tMODEL\tCOMPLETED\tFAILED\tTOTAL\tCREATED")
		for _, j := range jobs {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				j.ID, j.Status, j.ModelID,
				j.RequestCounts.Completed, j.RequestCounts.Failed, j.RequestCounts.Total,
				j.CreatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()
	})
}
