package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
)

const (
	// OutputFile holds successful results.
	OutputFile = "output.jsonl"
	// ErrorFile holds failed results. It is only written when at least one request failed.
	ErrorFile = "errors.jsonl"

	defaultExportPage = 1000
)

// ExporterOptions configures an Exporter.
type ExporterOptions struct {
	Results  core.ResultReader // Required
	Dir      string            // Required: output root; files land in <Dir>/<jobID>/
	PageSize int               // Optional: rows fetched per query, defaults to 1000
	Logger   *slog.Logger      // Optional
}

// Exporter writes a job's committed results as JSONL files. Exports overwrite previous
// files atomically, so running one twice yields the same files.
type Exporter struct {
	results  core.ResultReader
	dir      string
	pageSize int
	logger   *slog.Logger
}

var _ core.ResultExporter = (*Exporter)(nil)

// NewExporter constructs an Exporter.
func NewExporter(opts ExporterOptions) (*Exporter, error) {
	if opts.Results == nil {
		return nil, errors.New("ResultReader is required")
	}
	if opts.Dir == "" {
		return nil, errors.New("output directory is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory: %w", err)
	}
	page := opts.PageSize
	if page <= 0 {
		page = defaultExportPage
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		results:  opts.Results,
		dir:      dir,
		pageSize: page,
		logger:   logger.With("component", "filestore_exporter"),
	}, nil
}

type outputLine struct {
	CustomID string          `json:"custom_id"`
	Index    int             `json:"index"`
	Response json.RawMessage `json:"response"`
}

type errorLine struct {
	CustomID string `json:"custom_id"`
	Index    int    `json:"index"`
	Error    string `json:"error"`
}

// Export implements core.ResultExporter.
func (e *Exporter) Export(ctx context.Context, jobID string) (model.ExportRefs, error) {
	if jobID == "" || filepath.Base(jobID) != jobID {
		return model.ExportRefs{}, fmt.Errorf("invalid job id %q", jobID)
	}
	jobDir := filepath.Join(e.dir, jobID)
	if err := os.MkdirAll(jobDir, 0o750); err != nil {
		return model.ExportRefs{}, fmt.Errorf("create output directory: %w", err)
	}

	ok, failed := true, false
	outputPath := filepath.Join(jobDir, OutputFile)
	written, err := e.writeRows(ctx, outputPath, jobID, &ok, func(r model.RequestResult) any {
		return outputLine{CustomID: r.CustomID, Index: r.Index, Response: r.Response}
	})
	if err != nil {
		return model.ExportRefs{}, fmt.Errorf("write %s: %w", OutputFile, err)
	}
	refs := model.ExportRefs{OutputRef: fileScheme + outputPath}

	errorPath := filepath.Join(jobDir, ErrorFile)
	errCount, err := e.writeRows(ctx, errorPath, jobID, &failed, func(r model.RequestResult) any {
		return errorLine{CustomID: r.CustomID, Index: r.Index, Error: r.Error}
	})
	if err != nil {
		return model.ExportRefs{}, fmt.Errorf("write %s: %w", ErrorFile, err)
	}
	if errCount > 0 {
		refs.ErrorRef = fileScheme + errorPath
	} else if err := os.Remove(errorPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return model.ExportRefs{}, fmt.Errorf("remove empty %s: %w", ErrorFile, err)
	}

	e.logger.InfoContext(ctx, "results exported",
		"job_id", jobID,
		"succeeded", written,
		"failed", errCount,
		"dir", jobDir,
	)
	return refs, nil
}

// writeRows pages through results matching ok and writes one JSON line per row.
func (e *Exporter) writeRows(
	ctx context.Context,
	path, jobID string,
	ok *bool,
	line func(model.RequestResult) any,
) (int, error) {
	count := 0
	err := writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		after := -1
		for {
			rows, err := e.results.ListResults(ctx, model.ResultQuery{
				JobID:      jobID,
				OK:         ok,
				AfterIndex: after,
				Limit:      e.pageSize,
			})
			if err != nil {
				return err
			}
			for _, r := range rows {
				if err := enc.Encode(line(r)); err != nil {
					return err
				}
				count++
				after = r.Index
			}
			if len(rows) < e.pageSize {
				return nil
			}
		}
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
