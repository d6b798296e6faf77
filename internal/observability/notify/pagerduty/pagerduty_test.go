package pagerduty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/target/inferbatch/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when routing key missing")
	}
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildEvent(notify.JobOutcome{
		Kind:        notify.KindJobFailed,
		JobID:       "123",
		ModelID:     "llama-8b",
		FailureCode: "model_load_failed",
		Error:       "boom",
		ErrorClass:  "err_class",
	})

	payloadSection, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if payloadSection["severity"] != notify.SeverityCritical {
		t.Fatalf("expected default severity, got %v", payloadSection["severity"])
	}
	if payloadSection["source"] != "inferbatch" {
		t.Fatalf("expected default source, got %v", payloadSection["source"])
	}
	if summary, _ := payloadSection["summary"].(string); !strings.Contains(summary, "model_load_failed") {
		t.Fatalf("expected summary to name the failure code, got %q", summary)
	}

	custom, ok := payloadSection["custom_details"].(map[string]any)
	if !ok {
		t.Fatalf("expected custom details")
	}
	for _, key := range []string{"job_id", "model_id", "failure_code", "error", "error_class"} {
		if _, exists := custom[key]; !exists {
			t.Fatalf("expected key %s in custom details", key)
		}
	}
	if _, exists := custom["delivery_id"]; exists {
		t.Fatalf("job failures should not carry delivery details")
	}

	dedup, _ := event["dedup_key"].(string)
	if dedup != "job_failed:123" {
		t.Fatalf("unexpected dedup key %s", dedup)
	}
}

func TestBuildEventDeadLetterDedupesPerDelivery(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildEvent(notify.JobOutcome{
		Kind:       notify.KindDeliveryDeadLettered,
		JobID:      "job-1",
		DeliveryID: "del-7",
		Attempts:   3,
		Severity:   notify.SeverityWarning,
	})
	if event["dedup_key"] != "delivery_dead_lettered:job-1:del-7" {
		t.Fatalf("unexpected dedup key %v", event["dedup_key"])
	}
	payloadSection, _ := event["payload"].(map[string]any)
	if payloadSection["severity"] != notify.SeverityWarning {
		t.Fatalf("expected warning severity, got %v", payloadSection["severity"])
	}
}

func TestNotifyPostsToEndpoint(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "rk", Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.Notify(context.Background(), notify.JobOutcome{JobID: "job-1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got["routing_key"] != "rk" {
		t.Fatalf("expected routing key in body, got %v", got["routing_key"])
	}
}
