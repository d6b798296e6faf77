package bootstrap

import (
	"log/slog"

	"github.com/target/inferbatch/config"
	"github.com/target/inferbatch/internal/observability/metrics"
	"github.com/target/inferbatch/internal/observability/notify"
	"github.com/target/inferbatch/internal/observability/notify/pagerduty"
	"github.com/target/inferbatch/internal/observability/notify/slack"
	"github.com/target/inferbatch/internal/observability/statsd"
	"github.com/target/inferbatch/internal/service/outcomenotifier"
)

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     statsd.Sink // nil when StatsD is disabled
	StatsdClient    *statsd.Client
	Prometheus      *metrics.Prometheus
	Recorder        *metrics.Recorder
	OutcomeNotifier *outcomenotifier.Service
}

// Close flushes the StatsD client.
func (o ObservabilityContainer) Close() error {
	if o.StatsdClient == nil {
		return nil
	}
	return o.StatsdClient.Close()
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	out := ObservabilityContainer{
		Prometheus: metrics.NewPrometheus(cfg.Metrics.Namespace),
	}

	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Namespace,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			out.StatsdClient = client
			out.MetricsSink = client
		}
	}

	out.Recorder = metrics.NewRecorder(out.MetricsSink, out.Prometheus)
	out.OutcomeNotifier = buildOutcomeNotifier(obsLogger, cfg.Notifications)
	return out
}

func buildOutcomeNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *outcomenotifier.Service {
	if !cfg.Enabled {
		return outcomenotifier.NewService(outcomenotifier.Options{Logger: logger})
	}

	sinks := make([]outcomenotifier.SinkRegistration, 0, 3)
	sinks = append(sinks, outcomenotifier.SinkRegistration{Name: "log", Sink: notify.LogSink{Logger: logger}})

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, outcomenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, outcomenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return outcomenotifier.NewService(outcomenotifier.Options{
		Logger:    logger,
		Sinks:     sinks,
		SkipCodes: cfg.SkipCodes,
	})
}
