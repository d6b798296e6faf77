package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBatchJobStatusUnmarshalText(t *testing.T) {
	var s BatchJobStatus
	require.NoError(t, s.UnmarshalText([]byte(" In_Progress ")))
	assert.Equal(t, BatchJobStatusInProgress, s)

	err := s.UnmarshalText([]byte("running"))
	require.Error(t, err)
	assert.Equal(t, BatchJobStatusInProgress, s, "a rejected value leaves the status untouched")
}

func TestBatchJobStatusTerminal(t *testing.T) {
	terminal := map[BatchJobStatus]bool{
		BatchJobStatusValidating: false,
		BatchJobStatusQueued:     false,
		BatchJobStatusInProgress: false,
		BatchJobStatusCompleted:  true,
		BatchJobStatusFailed:     true,
		BatchJobStatusCancelled:  true,
	}
	for s, want := range terminal {
		assert.True(t, s.Valid(), s)
		assert.Equal(t, want, s.Terminal(), s)
		_, hasEvent := EventForStatus(s)
		assert.Equal(t, want, hasEvent, "only terminal statuses notify: %s", s)
	}
}

func TestRequestCountsConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.IntRange(0, 1000).Draw(t, "total")
		completed := rapid.IntRange(0, total).Draw(t, "completed")
		failed := rapid.IntRange(0, total-completed).Draw(t, "failed")
		c := RequestCounts{Total: total, Completed: completed, Failed: failed}
		if !c.Consistent() {
			t.Fatalf("counts within total reported inconsistent: %+v", c)
		}
		if c.Processed() != completed+failed {
			t.Fatalf("processed = %d, want %d", c.Processed(), completed+failed)
		}
		over := RequestCounts{Total: total, Completed: completed + 1, Failed: total - completed}
		if over.Consistent() {
			t.Fatalf("counts beyond total reported consistent: %+v", over)
		}
	})
}

func TestCreateBatchJobRequestValidate(t *testing.T) {
	valid := func() *CreateBatchJobRequest {
		return &CreateBatchJobRequest{ModelID: " m ", InputRef: " in.jsonl "}
	}
	tests := []struct {
		name    string
		mutate  func(r *CreateBatchJobRequest)
		wantErr string
	}{
		{name: "ok", mutate: func(*CreateBatchJobRequest) {}},
		{name: "missing model", mutate: func(r *CreateBatchJobRequest) { r.ModelID = "  " }, wantErr: "model_id"},
		{name: "missing input", mutate: func(r *CreateBatchJobRequest) { r.InputRef = "" }, wantErr: "input_ref"},
		{name: "chunk too large", mutate: func(r *CreateBatchJobRequest) { r.ChunkSize = MaxChunkSize + 1 }, wantErr: "chunk_size"},
		{name: "empty metadata key", mutate: func(r *CreateBatchJobRequest) { r.Metadata = map[string]string{" ": "v"} }, wantErr: "metadata keys"},
		{
			name:    "metadata value too long",
			mutate:  func(r *CreateBatchJobRequest) { r.Metadata = map[string]string{"k": strings.Repeat("x", maxMetadataValueLength+1)} },
			wantErr: "exceeds",
		},
		{name: "webhook scheme", mutate: func(r *CreateBatchJobRequest) { r.Webhook = &WebhookConfig{URL: "ftp://x/y"} }, wantErr: "webhook: url must use http"},
		{name: "webhook relative", mutate: func(r *CreateBatchJobRequest) { r.Webhook = &WebhookConfig{URL: "/hook"} }, wantErr: "absolute"},
		{
			name:    "webhook retries",
			mutate:  func(r *CreateBatchJobRequest) { r.Webhook = &WebhookConfig{URL: "https://x", MaxRetries: MaxWebhookRetries + 1} },
			wantErr: "max_retries",
		},
		{
			name:    "webhook event",
			mutate:  func(r *CreateBatchJobRequest) { r.Webhook = &WebhookConfig{URL: "https://x", SubscribedEvents: []WebhookEvent{"started"}} },
			wantErr: "unknown event",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			r.Normalize()
			err := r.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateBatchJobRequestNormalizeDefaults(t *testing.T) {
	r := &CreateBatchJobRequest{ModelID: " m ", InputRef: " in ", Webhook: &WebhookConfig{URL: " https://x "}}
	r.Normalize()
	assert.Equal(t, "m", r.ModelID)
	assert.Equal(t, "in", r.InputRef)
	assert.Equal(t, DefaultChunkSize, r.ChunkSize)
	assert.Equal(t, "https://x", r.Webhook.URL)
	assert.Equal(t, DefaultWebhookRetries, r.Webhook.MaxRetries)
	assert.Equal(t, DefaultWebhookTimeout, r.Webhook.Timeout)
}

func TestCreateBatchJobRequestNormalizeChunkSize(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{in: 0, want: DefaultChunkSize},
		{in: -5, want: 1},
		{in: 1, want: 1},
		{in: MaxChunkSize, want: MaxChunkSize},
		{in: MaxChunkSize + 1, want: MaxChunkSize + 1},
	}
	for _, tt := range tests {
		r := &CreateBatchJobRequest{ModelID: "m", InputRef: "in", ChunkSize: tt.in}
		r.Normalize()
		assert.Equal(t, tt.want, r.ChunkSize, "chunk_size %d", tt.in)
	}
}

func TestWebhookConfigSubscribes(t *testing.T) {
	var none *WebhookConfig
	assert.False(t, none.Subscribes(WebhookEventCompleted))

	all := &WebhookConfig{URL: "https://x"}
	for _, ev := range []WebhookEvent{WebhookEventCompleted, WebhookEventFailed, WebhookEventCancelled} {
		assert.True(t, all.Subscribes(ev), "empty list subscribes to %s", ev)
	}

	failures := &WebhookConfig{SubscribedEvents: []WebhookEvent{WebhookEventFailed}}
	assert.False(t, failures.Subscribes(WebhookEventCompleted))
	assert.True(t, failures.Subscribes(WebhookEventFailed))
	assert.True(t, failures.Subscribes(WebhookEventCancelled), "failure subscribers also hear about cancellations")

	completions := &WebhookConfig{SubscribedEvents: []WebhookEvent{WebhookEventCompleted}}
	assert.False(t, completions.Subscribes(WebhookEventCancelled))
}

func TestPayloadFor(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := created.Add(time.Hour)
	out := "results/job-1.jsonl"

	p := PayloadFor(&BatchJob{
		ID:            "job-1",
		Status:        BatchJobStatusCompleted,
		CreatedAt:     created,
		CompletedAt:   &done,
		RequestCounts: RequestCounts{Total: 2, Completed: 2},
		OutputRef:     &out,
	})
	assert.Equal(t, "job-1", p.ID)
	assert.Equal(t, created.Unix(), p.CreatedAt)
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, done.Unix(), *p.CompletedAt)
	assert.Equal(t, map[string]string{}, p.Metadata, "metadata is never null on the wire")
	assert.Equal(t, &out, p.OutputRef)
}

func TestModelSessionReadyFor(t *testing.T) {
	s := ModelSession{SlotID: "slot-0", ModelID: "m", State: SessionStateReady}
	assert.True(t, s.ReadyFor("m"))
	assert.False(t, s.ReadyFor("other"))
	assert.False(t, s.ReadyFor(""))
	s.State = SessionStateLoading
	assert.False(t, s.ReadyFor("m"))
}

func TestChunkCommitCounts(t *testing.T) {
	c := ChunkCommit{FromCursor: 4, Results: []RequestResult{{OK: true}, {OK: false}, {OK: true}}}
	completed, failed := c.Counts()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 7, c.ToCursor())
}
