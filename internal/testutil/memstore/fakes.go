package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/target/inferbatch/internal/core"
	"github.com/target/inferbatch/internal/domain/model"
)

// Source is an in-memory core.RequestSource keyed by input ref.
type Source struct {
	mu     sync.Mutex
	inputs map[string][]model.InferenceRequest
	reads  int
}

// NewSource returns an empty source.
func NewSource() *Source {
	return &Source{inputs: make(map[string][]model.InferenceRequest)}
}

// Add registers n generated requests under ref and returns them.
func (s *Source) Add(ref string, n int) []model.InferenceRequest {
	reqs := make([]model.InferenceRequest, n)
	for i := range reqs {
		reqs[i] = model.InferenceRequest{
			Index:    i,
			CustomID: fmt.Sprintf("req-%d", i),
			Body:     json.RawMessage(fmt.Sprintf(`{"prompt":"p%d"}`, i)),
		}
	}
	s.mu.Lock()
	s.inputs[ref] = reqs
	s.mu.Unlock()
	return reqs
}

// Reads returns how many Read calls were served.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Count implements core.RequestSource.
func (s *Source) Count(_ context.Context, ref string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs, ok := s.inputs[ref]
	if !ok {
		return 0, fmt.Errorf("input %q not found", ref)
	}
	return len(reqs), nil
}

// Read implements core.RequestSource.
func (s *Source) Read(_ context.Context, ref string, offset, limit int) ([]model.InferenceRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs, ok := s.inputs[ref]
	if !ok {
		return nil, fmt.Errorf("input %q not found", ref)
	}
	if offset < 0 || offset > len(reqs) {
		return nil, fmt.Errorf("offset %d out of range", offset)
	}
	s.reads++
	end := min(offset+limit, len(reqs))
	return append([]model.InferenceRequest(nil), reqs[offset:end]...), nil
}

// Backend is a scriptable core.InferenceBackend. Each request is answered with its own body
// echoed back unless FailIndexes marks it as a per-request failure.
type Backend struct {
	mu sync.Mutex

	loaded   string
	loads    []string
	unloads  int
	executed []int

	// LoadErr fails every LoadModel call when set.
	LoadErr error
	// UnloadErr fails every UnloadModel call when set.
	UnloadErr error
	// ExecuteErr, when set, is returned for the chunk starting at the given request index.
	ExecuteErr map[int]error
	// FailIndexes marks requests answered with a per-request error.
	FailIndexes map[int]string
	// OnExecute runs before each chunk with its first request index.
	OnExecute func(start int)
}

// Loaded returns the resident model.
func (b *Backend) Loaded() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loaded
}

// Loads returns every model id LoadModel was called with.
func (b *Backend) Loads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loads...)
}

// Unloads returns how many times UnloadModel succeeded.
func (b *Backend) Unloads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unloads
}

// Executed returns the first request index of every executed chunk.
func (b *Backend) Executed() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.executed...)
}

// LoadModel implements core.InferenceBackend.
func (b *Backend) LoadModel(_ context.Context, modelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads = append(b.loads, modelID)
	if b.LoadErr != nil {
		return b.LoadErr
	}
	b.loaded = modelID
	return nil
}

// UnloadModel implements core.InferenceBackend.
func (b *Backend) UnloadModel(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.UnloadErr != nil {
		return b.UnloadErr
	}
	b.loaded = ""
	b.unloads++
	return nil
}

// Execute implements core.InferenceBackend.
func (b *Backend) Execute(
	ctx context.Context,
	modelID string,
	reqs []model.InferenceRequest,
) ([]model.InferenceResponse, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	start := reqs[0].Index
	b.mu.Lock()
	hook := b.OnExecute
	b.mu.Unlock()
	if hook != nil {
		hook(start)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded != modelID {
		return nil, model.ErrSessionNotReady
	}
	if err := b.ExecuteErr[start]; err != nil {
		return nil, err
	}
	b.executed = append(b.executed, start)
	out := make([]model.InferenceResponse, len(reqs))
	for i, r := range reqs {
		out[i] = model.InferenceResponse{CustomID: r.CustomID}
		if msg, failed := b.FailIndexes[r.Index]; failed {
			out[i].Error = msg
			continue
		}
		out[i].Body = r.Body
	}
	return out, nil
}

// Clock is a manual core.Clock. Sleep advances the clock instead of blocking.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewClock returns a clock fixed at start.
func NewClock(start time.Time) *Clock { return &Clock{now: start} }

// Now implements core.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep implements core.Clock.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns every duration passed to Sleep.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// Exporter records which jobs were exported and returns refs under a fixed prefix.
type Exporter struct {
	mu       sync.Mutex
	exported []string
	Err      error
}

// Export implements core.ResultExporter.
func (e *Exporter) Export(_ context.Context, jobID string) (model.ExportRefs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Err != nil {
		return model.ExportRefs{}, e.Err
	}
	e.exported = append(e.exported, jobID)
	return model.ExportRefs{OutputRef: "mem://" + jobID + "/output.jsonl"}, nil
}

// Exported returns exported job ids in call order.
func (e *Exporter) Exported() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.exported...)
}

var (
	_ core.RequestSource    = (*Source)(nil)
	_ core.InferenceBackend = (*Backend)(nil)
	_ core.Clock            = (*Clock)(nil)
	_ core.ResultExporter   = (*Exporter)(nil)
)
