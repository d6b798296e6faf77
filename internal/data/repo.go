// Package data implements the Postgres and Redis storage adapters behind the core ports.
package data

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/target/inferbatch/internal/data/pgxutil"
	"github.com/target/inferbatch/internal/domain/job"
)

// RepoConfig holds options shared by the Postgres repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

func (c RepoConfig) normalized(component string) RepoConfig {
	if c.TimeProvider == nil {
		c.TimeProvider = RealTimeProvider{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", component)
	return c
}

type rowScanner interface {
	Scan(dest ...any) error
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func prefixColumns(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

func notify(ctx context.Context, tx *sql.Tx, channel job.Channel, payload string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, string(channel), payload); err != nil {
		return fmt.Errorf("notify %s: %w", channel, err)
	}
	return nil
}

// NotificationListener blocks on Postgres LISTEN for the job package's wake-up channels.
type NotificationListener struct {
	DB *sql.DB
}

// WaitForNotification waits for one notification on channel or until ctx ends.
func (l *NotificationListener) WaitForNotification(ctx context.Context, channel job.Channel) error {
	quoted := pgx.Identifier{string(channel)}.Sanitize()
	return pgxutil.WithPgxConn(ctx, l.DB, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+quoted)
		}()
		_, err := conn.WaitForNotification(ctx)
		return err
	})
}

var _ job.Waiter = (*NotificationListener)(nil)
