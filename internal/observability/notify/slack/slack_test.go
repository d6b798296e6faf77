package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/inferbatch/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#batch-alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	require.NoError(t, err)

	msg := client.formatMessage(notify.JobOutcome{
		Kind:        notify.KindJobFailed,
		JobID:       "job-123",
		ModelID:     "llama-8b",
		FailureCode: "infrastructure",
		Error:       "backend unavailable for requests [100,200)",
		ErrorClass:  "net_operror",
		Metadata:    map[string]string{"team": "search"},
	})

	assert.Equal(t, "bot", msg["username"])
	assert.Equal(t, "#batch-alerts", msg["channel"])
	text, ok := msg["text"].(string)
	require.True(t, ok)
	for _, want := range []string{"Batch job failed", "job-123", "llama-8b", "infrastructure", "[100,200)", "team: search"} {
		assert.Contains(t, text, want)
	}
}

func TestFormatMessageDeadLetter(t *testing.T) {
	client, err := NewClient(Config{WebhookURL: "https://hooks.slack.com/services/test"})
	require.NoError(t, err)

	msg := client.formatMessage(notify.JobOutcome{
		Kind:       notify.KindDeliveryDeadLettered,
		JobID:      "job-9",
		DeliveryID: "del-1",
		URL:        "https://receiver.example.com/hook?a=1&b=2",
		Attempts:   3,
		Error:      "HTTP 500",
	})
	text, _ := msg["text"].(string)
	assert.Contains(t, text, "Webhook dead-lettered")
	assert.Contains(t, text, "Attempts: 3")
	assert.Contains(t, text, "a=1&amp;b=2")
	assert.Equal(t, "inferbatch", msg["username"])
}

func TestNotifyRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 1})
	require.NoError(t, err)

	require.NoError(t, client.Notify(context.Background(), notify.JobOutcome{JobID: "job-1"}))
	assert.EqualValues(t, 2, calls.Load())
}

func TestNotifyReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL})
	require.NoError(t, err)

	err = client.Notify(context.Background(), notify.JobOutcome{JobID: "job-1"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "403"))
}
