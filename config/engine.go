package config

import (
	"strings"
	"time"
)

// ExecutorConfig contains slot runner and executor configuration.
type ExecutorConfig struct {
	// PollInterval is how often an idle slot checks the queue when no notification arrives.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`

	// SlotLockTTL is the lifetime of the Redis slot lock between heartbeats.
	SlotLockTTL time.Duration `env:"SLOT_LOCK_TTL" envDefault:"30s"`

	// HeartbeatInterval is how often a slot refreshes its lock.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`

	// SlotLockPrefix namespaces slot lock keys in Redis.
	SlotLockPrefix string `env:"SLOT_LOCK_PREFIX" envDefault:"inferbatch:slot:"`

	// InstanceID distinguishes processes sharing slot ids. Defaults to the hostname.
	InstanceID string `env:"INSTANCE_ID"`

	// JobLease is how long a claimed job stays with this process without renewal. Running jobs
	// renew at a third of it; peers reclaim jobs whose lease lapsed on the same period.
	JobLease time.Duration `env:"JOB_LEASE" envDefault:"1m"`
}

// Sanitize applies guardrails to executor configuration values.
func (e *ExecutorConfig) Sanitize() {
	if e.PollInterval < 100*time.Millisecond {
		e.PollInterval = 100 * time.Millisecond
	}
	if e.SlotLockTTL < 5*time.Second {
		e.SlotLockTTL = 5 * time.Second
	}
	// The lock must survive at least two missed heartbeats.
	if e.HeartbeatInterval <= 0 || e.HeartbeatInterval > e.SlotLockTTL/2 {
		e.HeartbeatInterval = e.SlotLockTTL / 3
	}
	if e.SlotLockPrefix == "" {
		e.SlotLockPrefix = "inferbatch:slot:"
	}
	if e.JobLease < 5*time.Second {
		e.JobLease = 5 * time.Second
	}
	e.InstanceID = strings.TrimSpace(e.InstanceID)
}

// BackendConfig contains inference backend configuration.
type BackendConfig struct {
	// URLs lists one inference server per slot. Slot i uses URLs[i % len(URLs)].
	URLs []string `env:"URLS" envDefault:"http://localhost:8000"`

	// ExecuteTimeout bounds one chunk request. Zero means no deadline.
	ExecuteTimeout time.Duration `env:"EXECUTE_TIMEOUT" envDefault:"0s"`

	// LoadTimeout bounds a model load or unload.
	LoadTimeout time.Duration `env:"LOAD_TIMEOUT" envDefault:"10m"`

	// RequestsPerSecond paces chunk requests per backend. Zero disables pacing.
	RequestsPerSecond float64 `env:"REQUESTS_PER_SECOND" envDefault:"0"`
}

// Sanitize applies guardrails to backend configuration values.
func (b *BackendConfig) Sanitize() {
	urls := b.URLs[:0]
	for _, u := range b.URLs {
		if u = strings.TrimRight(strings.TrimSpace(u), "/"); u != "" {
			urls = append(urls, u)
		}
	}
	b.URLs = urls
	if b.ExecuteTimeout < 0 {
		b.ExecuteTimeout = 0
	}
	if b.LoadTimeout <= 0 {
		b.LoadTimeout = 10 * time.Minute
	}
	if b.RequestsPerSecond < 0 {
		b.RequestsPerSecond = 0
	}
}

// URLForSlot returns the backend base URL serving slot i.
func (b *BackendConfig) URLForSlot(i int) string {
	if len(b.URLs) == 0 {
		return ""
	}
	return b.URLs[i%len(b.URLs)]
}

// StorageConfig contains filesystem locations for job input and output.
type StorageConfig struct {
	// InputDir, when set, confines input refs to files under this directory.
	InputDir string `env:"INPUT_DIR"`

	// OutputDir receives <jobID>/output.jsonl and <jobID>/errors.jsonl.
	OutputDir string `env:"OUTPUT_DIR" envDefault:"./data/output"`
}

// Sanitize applies guardrails to storage configuration values.
func (s *StorageConfig) Sanitize() {
	s.InputDir = strings.TrimSpace(s.InputDir)
	if s.OutputDir = strings.TrimSpace(s.OutputDir); s.OutputDir == "" {
		s.OutputDir = "./data/output"
	}
}

// OpsConfig contains the operator listener configuration.
type OpsConfig struct {
	// Addr is the address serving /healthz and /metrics.
	Addr string `env:"ADDR" envDefault:":9090"`
}

// Sanitize applies guardrails to ops configuration values.
func (o *OpsConfig) Sanitize() {
	if o.Addr = strings.TrimSpace(o.Addr); o.Addr == "" {
		o.Addr = ":9090"
	}
}
