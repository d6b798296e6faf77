// Package httpbackend talks to an inference server over HTTP.
//
// The server exposes three endpoints:
//
//	POST /v1/models/load     {"model_id": "..."}
//	POST /v1/models/unload   {}
//	POST /v1/batch/execute   {"model_id": "...", "requests": [{"custom_id": "...", "body": {...}}]}
//
// Execute answers {"responses": [{"custom_id": "...", "body": {...}, "error": "..."}]} with one
// entry per request in request order.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
	apperrors "github.com/target/inferbatch/internal/errors"
)

const (
	loadPath    = "/v1/models/load"
	unloadPath  = "/v1/models/unload"
	executePath = "/v1/batch/execute"

	defaultLoadTimeout = 10 * time.Minute
	maxErrorBody       = 1024
	maxResponseBytes   = 256 << 20
)

// Options configures a Backend.
type Options struct {
	BaseURL        string        // Required
	Client         *http.Client  // Optional: defaults to a client without a global timeout
	LoadTimeout    time.Duration // Optional: bounds load and unload, defaults to 10m
	ExecuteTimeout time.Duration // Optional: bounds one chunk; zero means no deadline
	Limiter        *rate.Limiter // Optional: paces Execute calls
	Logger         *slog.Logger  // Optional
}

// Backend is a core.InferenceBackend over HTTP.
type Backend struct {
	baseURL        string
	client         *http.Client
	loadTimeout    time.Duration
	executeTimeout time.Duration
	limiter        *rate.Limiter
	logger         *slog.Logger
}

var _ core.InferenceBackend = (*Backend)(nil)

// New constructs a Backend.
func New(opts Options) (*Backend, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base URL is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	loadTimeout := opts.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		baseURL:        base,
		client:         client,
		loadTimeout:    loadTimeout,
		executeTimeout: opts.ExecuteTimeout,
		limiter:        opts.Limiter,
		logger:         logger.With("component", "http_backend", "backend_url", base),
	}, nil
}

type loadRequest struct {
	ModelID string `json:"model_id"`
}

type executeRequest struct {
	ModelID  string                   `json:"model_id"`
	Requests []model.InferenceRequest `json:"requests"`
}

type executeResponse struct {
	Responses []model.InferenceResponse `json:"responses"`
}

// LoadModel implements core.InferenceBackend.
func (b *Backend) LoadModel(ctx context.Context, modelID string) error {
	ctx, cancel := context.WithTimeout(ctx, b.loadTimeout)
	defer cancel()
	start := time.Now()
	if err := b.post(ctx, loadPath, loadRequest{ModelID: modelID}, nil); err != nil {
		return fmt.Errorf("load %s: %w", modelID, err)
	}
	b.logger.InfoContext(ctx, "model loaded", "model_id", modelID, "duration", time.Since(start))
	return nil
}

// UnloadModel implements core.InferenceBackend.
func (b *Backend) UnloadModel(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.loadTimeout)
	defer cancel()
	if err := b.post(ctx, unloadPath, struct{}{}, nil); err != nil {
		return fmt.Errorf("unload: %w", err)
	}
	return nil
}

// Execute implements core.InferenceBackend. A 503 means the server has no ready model and is
// reported as model.ErrSessionNotReady; other 5xx answers and transport failures are unavailable
// errors. A 4xx rejects the chunk without being an infrastructure failure.
func (b *Backend) Execute(
	ctx context.Context,
	modelID string,
	reqs []model.InferenceRequest,
) ([]model.InferenceResponse, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if b.executeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.executeTimeout)
		defer cancel()
	}
	var resp executeResponse
	if err := b.post(ctx, executePath, executeRequest{ModelID: modelID, Requests: reqs}, &resp); err != nil {
		return nil, err
	}
	return resp.Responses, nil
}

func (b *Backend) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return apperrors.Wrap(err, apperrors.ErrCodeTimeout, "inference backend timed out")
			}
			return ctxErr
		}
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "inference backend unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "decode backend response")
	}
	return nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if s := strings.TrimSpace(string(snippet)); s != "" {
		msg += ": " + s
	}
	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", model.ErrSessionNotReady, msg)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return apperrors.New(apperrors.ErrCodeTimeout, msg)
	case resp.StatusCode >= 500:
		return apperrors.Unavailable(msg)
	default:
		return errors.New(msg)
	}
}
