package bootstrap

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/inferbatch/config"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{
		Services: "scheduler,webhook-runner,reaper,ops",
		Slots:    2,
		Backend:  config.BackendConfig{URLs: []string{"http://gpu-0:8000", "http://gpu-1:8000"}},
		Storage:  config.StorageConfig{OutputDir: t.TempDir()},
		DLQ:      config.DLQConfig{AutoRetryRate: 1, AutoRetryBatch: 10},
	}
	cfg.Sanitize()
	return cfg
}

func TestGetEnabledServices(t *testing.T) {
	cfg := &config.AppConfig{Services: "ops, reaper,scheduler"}
	assert.Equal(t, []string{"scheduler", "reaper", "ops"}, GetEnabledServices(cfg))

	assert.Empty(t, GetEnabledServices(&config.AppConfig{Services: "bogus"}))
	assert.Empty(t, GetEnabledServices(nil))
}

func TestValidateServiceConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.AppConfig
		wantErr string
	}{
		{name: "nil", wantErr: "service config is required"},
		{name: "unknown service", cfg: &config.AppConfig{Services: "http"}, wantErr: "invalid service configuration"},
		{name: "empty", cfg: &config.AppConfig{Services: ""}, wantErr: "invalid service configuration"},
		{name: "scheduler without backend", cfg: &config.AppConfig{Services: "scheduler"}, wantErr: "BACKEND_URLS"},
		{name: "webhook runner only", cfg: &config.AppConfig{Services: "webhook-runner"}},
		{
			name: "scheduler with backend",
			cfg: &config.AppConfig{
				Services: "scheduler",
				Backend:  config.BackendConfig{URLs: []string{"http://localhost:8000"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceConfig(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("chatty"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestErrorChannelBufferSize(t *testing.T) {
	assert.Equal(t, 1, errorChannelBufferSize(0, nil))
	assert.Equal(t, 4, errorChannelBufferSize(3, map[config.ServiceMode]bool{config.ServiceModeScheduler: true}))
	assert.Equal(t, 5, errorChannelBufferSize(3, map[config.ServiceMode]bool{config.ServiceModeOps: true}))
}

func TestInstanceID(t *testing.T) {
	assert.Equal(t, "pod-a", instanceID(config.ExecutorConfig{InstanceID: "pod-a"}))
	assert.NotEmpty(t, instanceID(config.ExecutorConfig{}))
}

func TestBuildOutcomeNotifier(t *testing.T) {
	disabled := buildOutcomeNotifier(slog.Default(), config.ObservabilityNotificationsConfig{})
	assert.False(t, disabled.Enabled())

	enabled := buildOutcomeNotifier(slog.Default(), config.ObservabilityNotificationsConfig{
		Enabled: true,
		Slack:   config.SlackNotificationConfig{Enabled: true, WebhookURL: "https://hooks.slack.test/x"},
	})
	assert.True(t, enabled.Enabled())
}

func TestBuildObservability_MetricsDisabled(t *testing.T) {
	obs := buildObservability(nil, config.ObservabilityConfig{
		Metrics: config.ObservabilityMetricsConfig{Namespace: "inferbatch"},
	})
	assert.Nil(t, obs.MetricsSink)
	assert.NotNil(t, obs.Prometheus)
	assert.NotNil(t, obs.Recorder)
	require.NoError(t, obs.Close())
}

func TestNewServices_WiresSlots(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svcs, err := NewServices(&ServiceDeps{Config: testConfig(t), DB: db})
	require.NoError(t, err)
	t.Cleanup(svcs.Notifier.StopAll)

	require.Len(t, svcs.Slots, 2)
	assert.Equal(t, "slot-0", svcs.Slots[0].ID)
	assert.Equal(t, "slot-1", svcs.Slots[1].Session.SlotID())
	assert.NotNil(t, svcs.Scheduler)
	assert.NotNil(t, svcs.Webhooks)
	assert.NotNil(t, svcs.DeadLetters)
	assert.NotNil(t, svcs.Recovery)
}

func TestNewServices_WithRedisSlotLock(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	svcs, err := NewServices(&ServiceDeps{Config: testConfig(t), DB: db, RedisClient: rdb})
	require.NoError(t, err)
	t.Cleanup(svcs.Notifier.StopAll)
	assert.Len(t, svcs.Slots, 2)
}

func TestNewServices_ModelCatalog(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := testConfig(t)
	cfg.ModelCatalogPath = filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(cfg.ModelCatalogPath, []byte("models:\n  - id: model-x\n"), 0o600))
	svcs, err := NewServices(&ServiceDeps{Config: cfg, DB: db})
	require.NoError(t, err)
	t.Cleanup(svcs.Notifier.StopAll)

	cfg.ModelCatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = NewServices(&ServiceDeps{Config: cfg, DB: db})
	require.Error(t, err)
	assert.ErrorContains(t, err, "model catalog")
}

func TestNewServices_RequiresDB(t *testing.T) {
	_, err := NewServices(&ServiceDeps{Config: testConfig(t)})
	require.Error(t, err)
	_, err = NewServices(nil)
	require.Error(t, err)
}
