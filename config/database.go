package config

import "time"

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"inferbatch"`
	Password string `env:"PASSWORD" envDefault:"inferbatch"`
	Name     string `env:"NAME"     envDefault:"inferbatch"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // 'require' in production

	// MaxOpenConns caps the pool. Zero sizes it from the slot count: every slot holds a
	// connection while committing a chunk, and the advisory lock pins one more.
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"     envDefault:"0"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"     envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME"  envDefault:"5m"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT"    envDefault:"5s"`

	// RunMigrationsOnStart applies embedded migrations before services start.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// PoolSize returns the connection cap for a process running the given number of slots.
func (c DBConfig) PoolSize(slots int) int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	// slots + webhook runner + reaper + advisory lock + listener headroom
	return max(slots+6, 10)
}

// RedisConfig contains Redis configuration. Redis only backs the cross-process slot lock,
// so it stays off unless several engine processes share accelerators.
type RedisConfig struct {
	Enabled            bool     `env:"ENABLED"              envDefault:"false"`
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	DB                 int      `env:"DB"                   envDefault:"0"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}
