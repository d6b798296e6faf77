// Package testutil provides helpers for tests that need live Postgres or Redis.
//
// Integration tests skip when the backing service is unreachable unless TEST_REQUIRE_DB,
// TEST_REQUIRE_REDIS or TEST_REQUIRE_INFRA is truthy.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	// Import pgx driver for database/sql compatibility in tests.
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/target/inferbatch/internal/migrate"
)

// TestDBConfig holds configuration for the test database.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DefaultTestDBConfig returns the test database configuration.
// Defaults to port 55432 (local test DB from the docker-compose test profile).
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     getEnvOrDefault("TEST_DB_HOST", "localhost"),
		Port:     getEnvOrDefault("TEST_DB_PORT", "55432"),
		User:     getEnvOrDefault("TEST_DB_USER", "inferbatch"),
		Password: getEnvOrDefault("TEST_DB_PASSWORD", "inferbatch"),
		DBName:   getEnvOrDefault("TEST_DB_NAME", "inferbatch"),
	}
}

func (c TestDBConfig) dsn() string {
	hostPort := net.JoinHostPort(c.Host, c.Port)
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		c.User, c.Password, hostPort, c.DBName, getEnvOrDefault("DB_SSL_MODE", "disable"))
}

// SetupTestDB opens a connection scoped to a fresh schema, runs migrations in it and drops
// the schema when the test finishes.
func SetupTestDB(t testing.TB) *sql.DB {
	t.Helper()
	SkipIfNoTestDB(t)

	cfg := DefaultTestDBConfig()
	admin, err := sql.Open("pgx", cfg.dsn())
	if err != nil {
		t.Fatalf("open admin db: %v", err)
	}

	schema := schemaName()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := admin.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}

	u, err := url.Parse(cfg.dsn())
	if err != nil {
		_ = admin.Close()
		t.Fatalf("parse dsn: %v", err)
	}
	q := u.Query()
	q.Set("search_path", schema+",public")
	u.RawQuery = q.Encode()

	db, err := sql.Open("pgx", u.String())
	if err != nil {
		_ = admin.Close()
		t.Fatalf("open schema db: %v", err)
	}
	db.SetMaxOpenConns(10)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closeAndLog(t, "schema db", db)
		if _, err := admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		closeAndLog(t, "admin db", admin)
	})

	if err := migrate.Run(ctx, db); err != nil {
		t.Fatalf("run migrations in %s: %v", schema, err)
	}
	return db
}

// SkipIfNoTestDB skips the test when Postgres is unreachable or under -short.
func SkipIfNoTestDB(t testing.TB) {
	t.Helper()
	if testing.Short() && !requireDB() {
		t.Skip("skipping database test in short mode")
	}
	db, err := sql.Open("pgx", DefaultTestDBConfig().dsn())
	if err == nil {
		defer closeAndLog(t, "probe db", db)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = db.PingContext(ctx)
	}
	if err == nil {
		return
	}
	if requireDB() {
		t.Fatalf("test database not available: %v", err)
	}
	t.Skipf("test database not available: %v", err)
}

// SetupTestRedis returns a client for the test Redis and flushes its keyspace afterwards.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	if testing.Short() && !requireRedis() {
		t.Skip("skipping redis test in short mode")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(getEnvOrDefault("TEST_REDIS_HOST", "localhost"), getEnvOrDefault("TEST_REDIS_PORT", "56379")),
		Password: os.Getenv("TEST_REDIS_PASSWORD"),
		DB:       15,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		closeAndLog(t, "redis", client)
		if requireRedis() {
			t.Fatalf("test redis not available: %v", err)
		}
		t.Skipf("test redis not available: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Logf("flush redis: %v", err)
		}
		closeAndLog(t, "redis", client)
	})
	return client
}

// schemaName returns a lowercase schema name unique to one test.
func schemaName() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t_%d", time.Now().UnixNano())
	}
	return "t_" + hex.EncodeToString(b)
}

func closeAndLog(t testing.TB, name string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		t.Logf("close %s: %v", name, err)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envBool parses common truthy values from env vars.
func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func requireDB() bool    { return envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") }
func requireRedis() bool { return envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") }
