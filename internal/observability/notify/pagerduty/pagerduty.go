package pagerduty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/target/inferbatch/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Endpoint   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client publishes events via PagerDuty's Events API v2.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	retryLimit int
	client     *http.Client
}

// NewClient constructs a PagerDuty events client from config. Callers must provide a routing key.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		routingKey: key,
		source:     fallbackString(strings.TrimSpace(cfg.Source), "inferbatch"),
		component:  fallbackString(strings.TrimSpace(cfg.Component), "batch-engine"),
		endpoint:   fallbackString(strings.TrimSpace(cfg.Endpoint), APIEndpoint),
		retryLimit: max(cfg.RetryLimit, 0),
		client:     hc,
	}, nil
}

// Notify submits a trigger event to PagerDuty.
func (c *Client) Notify(ctx context.Context, outcome notify.JobOutcome) error {
	body, err := json.Marshal(c.buildEvent(outcome))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}

	attempts := c.retryLimit + 1
	var lastErr error
	for attempt := range attempts {
		err = c.submit(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < attempts-1 {
			timer := time.NewTimer(time.Duration(attempt+1) * 200 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return lastErr
}

func (c *Client) buildEvent(o notify.JobOutcome) map[string]any {
	severity := fallbackString(strings.ToLower(o.Severity), notify.SeverityCritical)

	occurredAt := o.OccurredAt.UTC()
	if o.OccurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	custom := map[string]any{
		"kind":         o.Kind,
		"job_id":       o.JobID,
		"model_id":     o.ModelID,
		"failure_code": o.FailureCode,
		"error":        o.Error,
		"error_class":  o.ErrorClass,
	}
	if o.DeliveryID != "" {
		custom["delivery_id"] = o.DeliveryID
		custom["url"] = o.URL
		custom["attempts"] = o.Attempts
	}
	for k, v := range o.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	// Dead letters dedupe per delivery so one job with several receivers opens several incidents.
	dedupKey := strings.Trim(o.Kind+":"+o.JobID, ":")
	if o.DeliveryID != "" {
		dedupKey += ":" + o.DeliveryID
	}

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    dedupKey,
		"payload": map[string]any{
			"summary":        summary(o),
			"severity":       severity,
			"source":         c.source,
			"component":      c.component,
			"timestamp":      occurredAt.Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}

func summary(o notify.JobOutcome) string {
	jobID := fallbackString(o.JobID, "unknown")
	if o.Kind == notify.KindDeliveryDeadLettered {
		return fmt.Sprintf("Webhook for batch job %s dead-lettered after %d attempts", jobID, o.Attempts)
	}
	return fmt.Sprintf("Batch job %s (%s) failed: %s", jobID, fallbackString(o.ModelID, "unknown"),
		fallbackString(o.FailureCode, "unknown"))
}

func fallbackString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func (c *Client) submit(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("pagerduty api %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain pagerduty response body: %w", err)
	}
	return nil
}
