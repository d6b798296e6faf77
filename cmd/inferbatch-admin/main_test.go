package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/target/inferbatch/internal/domain/model"
	"github.com/target/inferbatch/internal/service"
	"github.com/target/inferbatch/internal/testutil/memstore"
)

type adminFixture struct {
	store    *memstore.Store
	source   *memstore.Source
	sched    *service.SchedulerService
	svcs     adminServices
	receiver *httptest.Server
	status   int
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &adminFixture{store: memstore.New(nil), source: memstore.NewSource(), status: http.StatusOK}
	f.receiver = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(f.status)
	}))
	t.Cleanup(f.receiver.Close)

	hooks, err := service.NewWebhookService(service.WebhookServiceOptions{
		Deliveries: f.store.Deliveries(),
		Jobs:       f.store.Jobs(),
		HTTPClient: f.receiver.Client(),
		Clock:      memstore.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Logger:     logger,
	})
	require.NoError(t, err)
	f.sched, err = service.NewSchedulerService(service.SchedulerServiceOptions{
		Jobs:     f.store.Jobs(),
		Source:   f.source,
		Webhooks: hooks,
		Logger:   logger,
	})
	require.NoError(t, err)
	dlq, err := service.NewDeadLetterService(service.DeadLetterServiceOptions{
		DeadLetters: f.store.DeadLetters(),
		Jobs:        f.store.Jobs(),
		Webhooks:    hooks,
		Limiter:     rate.NewLimiter(rate.Inf, 1),
		Logger:      logger,
	})
	require.NoError(t, err)
	recovery, err := service.NewRecoveryService(service.RecoveryServiceOptions{
		Jobs:        f.store.Jobs(),
		Checkpoints: f.store.Checkpoints(),
		Scheduler:   f.sched,
		Deliveries:  f.store.Deliveries(),
		Logger:      logger,
	})
	require.NoError(t, err)

	f.svcs = adminServices{Jobs: f.sched, DeadLetters: dlq, Recovery: recovery}
	return f
}

// run executes one command and returns its exit status and stdout.
func (f *adminFixture) run(t *testing.T, name string, args ...string) (int, string) {
	t.Helper()
	cmd, ok := commands()[name]
	require.True(t, ok, "unknown command %s", name)
	var out bytes.Buffer
	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Out:    &out,
		services: func(*commandContext) (adminServices, func(), error) {
			return f.svcs, func() {}, nil
		},
	}
	return runCommand(cmdCtx, cmd, args), out.String()
}

// deadLetter submits and cancels a webhook job, then dead-letters its delivery.
func (f *adminFixture) deadLetter(t *testing.T, ref string) *model.DeadLetterEntry {
	t.Helper()
	ctx := context.Background()
	f.source.Add(ref, 1)
	j, err := f.sched.Submit(ctx, &model.CreateBatchJobRequest{
		ModelID:  "model-x",
		InputRef: ref,
		Webhook:  &model.WebhookConfig{URL: f.receiver.URL},
	})
	require.NoError(t, err)
	_, err = f.sched.Cancel(ctx, j.ID)
	require.NoError(t, err)

	ds, err := f.store.Deliveries().ListByJob(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	entry, err := f.store.Deliveries().DeadLetter(ctx, ds[0].ID, "HTTP 503")
	require.NoError(t, err)
	return entry
}

func decodeJob(t *testing.T, out string) model.BatchJob {
	t.Helper()
	var j model.BatchJob
	require.NoError(t, json.Unmarshal([]byte(out), &j), out)
	return j
}

func TestSubmitStatusListCancel(t *testing.T) {
	f := newAdminFixture(t)
	f.source.Add("in.jsonl", 3)

	code, out := f.run(t, "submit",
		"--model", "model-x", "--input", "in.jsonl", "--chunk-size", "2",
		"--meta", "team=search", "--webhook-url", f.receiver.URL, "--events", "completed, failed")
	require.Equal(t, 0, code, out)
	submitted := decodeJob(t, out)
	assert.Equal(t, model.BatchJobStatusQueued, submitted.Status)
	assert.Equal(t, 3, submitted.RequestCounts.Total)
	assert.Equal(t, map[string]string{"team": "search"}, submitted.Metadata)
	require.NotNil(t, submitted.Webhook)
	assert.Equal(t, []model.WebhookEvent{model.WebhookEventCompleted, model.WebhookEventFailed},
		submitted.Webhook.SubscribedEvents)

	code, out = f.run(t, "status", submitted.ID)
	require.Equal(t, 0, code, out)
	assert.Equal(t, submitted.ID, decodeJob(t, out).ID)

	code, out = f.run(t, "list", "--status", "queued")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, submitted.ID)

	code, out = f.run(t, "cancel", submitted.ID)
	require.Equal(t, 0, code, out)
	assert.Equal(t, model.BatchJobStatusCancelled, decodeJob(t, out).Status)

	code, _ = f.run(t, "cancel", submitted.ID)
	assert.Equal(t, 4, code, "cancelling a terminal job is a conflict")
}

func TestExitCodes(t *testing.T) {
	f := newAdminFixture(t)
	tests := []struct {
		name string
		cmd  string
		args []string
		want int
	}{
		{name: "missing job", cmd: "status", args: []string{"nope"}, want: 3},
		{name: "missing id argument", cmd: "status", want: 2},
		{name: "unknown flag", cmd: "list", args: []string{"--bogus"}, want: 2},
		{name: "bad status filter", cmd: "list", args: []string{"--status", "running"}, want: 2},
		{name: "webhook flags without url", cmd: "submit", args: []string{"--model", "m", "--input", "x", "--events", "failed"}, want: 2},
		{name: "bad metadata", cmd: "submit", args: []string{"--meta", "novalue"}, want: 2},
		{name: "missing model", cmd: "submit", args: []string{"--input", "x"}, want: 2},
		{name: "bad query", cmd: "dlq-list", args: []string{"--query", "[?"}, want: 2},
		{name: "help", cmd: "dlq-list", args: []string{"-h"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := f.run(t, tt.cmd, tt.args...)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestDLQList(t *testing.T) {
	f := newAdminFixture(t)
	first := f.deadLetter(t, "a.jsonl")
	second := f.deadLetter(t, "b.jsonl")

	code, out := f.run(t, "dlq-list")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, first.ID)
	assert.Contains(t, out, second.ID)
	assert.Contains(t, out, "HTTP 503")

	code, out = f.run(t, "dlq-list", "--job", first.BatchJobID, "--json")
	require.Equal(t, 0, code, out)
	var entries []model.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, first.ID, entries[0].ID)

	code, out = f.run(t, "dlq-list", "--query", "[?event == 'cancelled'].batch_job_id | sort(@)")
	require.Equal(t, 0, code, out)
	var jobIDs []string
	require.NoError(t, json.Unmarshal([]byte(out), &jobIDs))
	assert.ElementsMatch(t, []string{first.BatchJobID, second.BatchJobID}, jobIDs)
}

func TestDLQRetryAndDelete(t *testing.T) {
	f := newAdminFixture(t)
	entry := f.deadLetter(t, "a.jsonl")

	f.status = http.StatusServiceUnavailable
	code, out := f.run(t, "dlq-retry", entry.ID)
	assert.Equal(t, 5, code, "a failed retry is reported as unavailable")
	assert.Contains(t, out, `"retry_success": false`)

	f.status = http.StatusOK
	code, out = f.run(t, "dlq-retry", entry.ID)
	require.Equal(t, 0, code, out)
	var retried model.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(out), &retried))
	require.NotNil(t, retried.RetrySuccess)
	assert.True(t, *retried.RetrySuccess)
	assert.Equal(t, 2, retried.RetryCount)

	code, out = f.run(t, "dlq-delete", entry.ID)
	require.Equal(t, 0, code, out)
	assert.Equal(t, "deleted "+entry.ID+"\n", out)

	code, _ = f.run(t, "dlq-retry", entry.ID)
	assert.Equal(t, 3, code)
}

func TestReconcilePrintsReport(t *testing.T) {
	f := newAdminFixture(t)
	f.store.Put(&model.BatchJob{ID: "job-stuck", Status: model.BatchJobStatusInProgress, ModelID: "model-x", ChunkSize: 10})

	code, out := f.run(t, "reconcile")
	require.Equal(t, 0, code, out)
	var report service.RecoveryReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Contains(t, report.Requeued, "job-stuck")
}

func TestPrintUsageListsCommandsSorted(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	assert.Contains(t, out, "Usage: inferbatch-admin")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("cancel")), bytes.Index(buf.Bytes(), []byte("dlq-delete")))
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("dlq-retry")), bytes.Index(buf.Bytes(), []byte("reconcile")))
}
