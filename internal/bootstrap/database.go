package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	// Register the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/inferbatch/config"
	"github.com/target/inferbatch/internal/migrate"
)

const defaultConnectTimeout = 5 * time.Second

// DatabaseConfig contains configuration for database connections.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	// Slots sizes the connection pool when DBConfig.MaxOpenConns is zero.
	Slots  int
	Logger *slog.Logger
}

func postgresDSN(c config.DBConfig) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectDB opens the Postgres pool and verifies it with a ping.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", postgresDSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	poolSize := cfg.DBConfig.PoolSize(cfg.Slots)
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(min(cfg.DBConfig.MaxIdleConns, poolSize))
	db.SetConnMaxLifetime(cfg.DBConfig.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout(cfg.DBConfig))
	defer cancel()
	if pingErr := db.PingContext(ctx); pingErr != nil {
		if closeErr := db.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close database connection: %w", closeErr))
		}
		return nil, fmt.Errorf("ping database: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"database", cfg.DBConfig.Name,
			"max_open_conns", poolSize,
		)
	}
	return db, nil
}

// ConnectRedis connects the client backing the slot lock. It returns a nil client when Redis
// is disabled; slots then run without a cross-process lock.
//
//nolint:ireturn // single, sentinel and cluster clients share redis.UniversalClient.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	if !cfg.RedisConfig.Enabled {
		return nil, nil
	}

	opts, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout(cfg.DBConfig))
	defer cancel()
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		if closeErr := client.Close(); closeErr != nil {
			pingErr = errors.Join(pingErr, fmt.Errorf("close redis client: %w", closeErr))
		}
		return nil, fmt.Errorf("ping redis: %w", pingErr)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "mode", redisMode(cfg.RedisConfig), "addrs", opts.Addrs)
	}
	return client, nil
}

// redisOptions maps config onto universal options. go-redis picks a failover client when
// MasterName is set and a cluster client when IsClusterMode is set.
func redisOptions(c config.RedisConfig) (*redis.UniversalOptions, error) {
	switch {
	case c.UseCluster:
		addrs := nonEmpty(c.ClusterNodes)
		password, username := c.Password, ""
		if len(addrs) == 0 && isRedisURL(c.URI) {
			opt, err := redis.ParseURL(strings.TrimSpace(c.URI))
			if err != nil {
				return nil, fmt.Errorf("parse redis cluster url: %w", err)
			}
			addrs, username = []string{opt.Addr}, opt.Username
			if opt.Password != "" {
				password = opt.Password
			}
		} else if len(addrs) == 0 && strings.TrimSpace(c.URI) != "" {
			addrs = []string{strings.TrimSpace(c.URI)}
		}
		if len(addrs) == 0 {
			return nil, errors.New("redis cluster configuration requires at least one address")
		}
		return &redis.UniversalOptions{
			Addrs:         addrs,
			Username:      username,
			Password:      password,
			IsClusterMode: true,
		}, nil

	case c.UseSentinel:
		addrs := nonEmpty(c.SentinelNodes)
		if len(addrs) == 0 {
			return nil, errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		return &redis.UniversalOptions{
			Addrs:            addrs,
			MasterName:       c.SentinelMasterName,
			Password:         c.Password,
			SentinelPassword: c.SentinelPassword,
			DB:               c.DB,
		}, nil

	default:
		uri := strings.TrimSpace(c.URI)
		if uri == "" {
			return nil, errors.New("redis direct configuration requires a URI")
		}
		if !isRedisURL(uri) {
			return &redis.UniversalOptions{Addrs: []string{uri}, Password: c.Password, DB: c.DB}, nil
		}
		opt, err := redis.ParseURL(uri)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return &redis.UniversalOptions{
			Addrs:     []string{opt.Addr},
			Username:  opt.Username,
			Password:  opt.Password,
			DB:        opt.DB,
			TLSConfig: opt.TLSConfig,
		}, nil
	}
}

func redisMode(c config.RedisConfig) string {
	switch {
	case c.UseCluster:
		return "cluster"
	case c.UseSentinel:
		return "sentinel"
	default:
		return "direct"
	}
}

func connectTimeout(c config.DBConfig) time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return defaultConnectTimeout
}

func nonEmpty(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isRedisURL(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := migrate.Run(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed")
	}
	return nil
}
