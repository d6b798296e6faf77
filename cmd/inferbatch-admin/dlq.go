package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
)

type dlqListOptions struct {
	Filter model.DeadLetterFilter
	Query  string
	JSON   bool
}

func parseDLQListFlags(args []string) (dlqListOptions, error) {
	fs := newFlagSet("dlq-list")
	var opts dlqListOptions
	fs.StringVar(&opts.Filter.BatchJobID, "job", "", "Only entries for this job")
	fs.BoolVar(&opts.Filter.NeverRetried, "never-retried", false, "Only entries that were never retried")
	fs.IntVar(&opts.Filter.Limit, "limit", 50, "Maximum entries to show")
	fs.IntVar(&opts.Filter.Offset, "offset", 0, "Entries to skip")
	fs.StringVar(&opts.Query, "query", "", "JMESPath expression applied to the JSON entry list, e.g. \"[?attempts > `3`].id\"")
	fs.BoolVar(&opts.JSON, "json", false, "Print JSON instead of a table")
	if err := parseFlags(fs, args); err != nil {
		return dlqListOptions{}, err
	}
	if opts.Query != "" {
		if _, err := jmespath.Compile(opts.Query); err != nil {
			return dlqListOptions{}, apperrors.ValidationField("query", fmt.Sprintf("invalid JMESPath expression: %v", err))
		}
	}
	return opts, nil
}

func runDLQList(cmdCtx *commandContext, args []string) error {
	opts, err := parseDLQListFlags(args)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svcs adminServices) error {
		entries, err := svcs.DeadLetters.List(ctx, opts.Filter)
		if err != nil {
			return err
		}
		switch {
		case opts.Query != "":
			out, err := queryEntries(opts.Query, entries)
			if err != nil {
				return err
			}
			return writeJSON(cmdCtx.Out, out)
		case opts.JSON:
			return writeJSON(cmdCtx.Out, entries)
		default:
			return printDeadLetters(cmdCtx, entries)
		}
	})
}

// queryEntries evaluates expr against the entries as they appear in JSON output.
func queryEntries(expr string, entries []*model.DeadLetterEntry) (any, error) {
	if entries == nil {
		entries = []*model.DeadLetterEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode entries: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode entries: %w", err)
	}
	out, err := jmespath.Search(expr, doc)
	if err != nil {
		return nil, apperrors.ValidationField("query", err.Error())
	}
	return out, nil
}

func printDeadLetters(cmdCtx *commandContext, entries []*model.DeadLetterEntry) error {
	tw := tabwriter.NewWriter(cmdCtx.Out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tJOB\tEVENT\tATTEMPTS\tRETRIES\tLAST_RETRY\tCREATED\tERROR")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			e.ID, e.BatchJobID, e.Event, e.Attempts, e.RetryCount,
			retryOutcome(e), e.CreatedAt.UTC().Format(time.RFC3339), e.ErrorMessage)
	}
	return tw.Flush()
}

func retryOutcome(e *model.DeadLetterEntry) string {
	switch {
	case e.RetrySuccess == nil:
		return "-"
	case *e.RetrySuccess:
		return "succeeded"
	default:
		return "failed"
	}
}

func runDLQRetry(cmdCtx *commandContext, args []string) error {
	id, err := parseIDArg(newFlagSet("dlq-retry"), args, "dead-letter-id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svcs adminServices) error {
		entry, err := svcs.DeadLetters.Retry(ctx, id)
		if err != nil {
			return err
		}
		if err := writeJSON(cmdCtx.Out, entry); err != nil {
			return err
		}
		if entry.RetrySuccess == nil || !*entry.RetrySuccess {
			return apperrors.Unavailable("retry attempt failed; the entry stays in the dead letter queue")
		}
		return nil
	})
}

func runDLQDelete(cmdCtx *commandContext, args []string) error {
	id, err := parseIDArg(newFlagSet("dlq-delete"), args, "dead-letter-id")
	if err != nil {
		return err
	}
	return withServices(cmdCtx, func(ctx context.Context, svcs adminServices) error {
		if err := svcs.DeadLetters.Delete(ctx, id); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmdCtx.Out, "deleted %s\n", id)
		return err
	})
}
