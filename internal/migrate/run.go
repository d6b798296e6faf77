// Package migrate applies the embedded schema migrations.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey serializes concurrent starts that race to migrate the same database.
const migrationLockKey int64 = 7_340_001

// Run applies all SQL migrations embedded in this package. It is safe to call multiple times
// and from several processes at once.
func Run(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, lockErr := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); lockErr != nil {
		return fmt.Errorf("acquire migration lock: %w", lockErr)
	}
	defer func() {
		// Use a fresh context so an expired ctx does not leak the session lock.
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		if applyErr := applyMigration(ctx, conn, f); applyErr != nil {
			return applyErr
		}
	}
	return nil
}

// Pending returns the versions that Run would apply.
func Pending(ctx context.Context, db *sql.DB) ([]string, error) {
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}

	applied := make(map[string]bool, len(files))
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var v string
			if scanErr := rows.Scan(&v); scanErr != nil {
				return nil, fmt.Errorf("scan migration version: %w", scanErr)
			}
			applied[v] = true
		}
		if rowsErr := rows.Err(); rowsErr != nil {
			return nil, fmt.Errorf("iterate migration versions: %w", rowsErr)
		}
	}
	// A missing schema_migrations table means nothing has been applied yet.

	var out []string
	for _, f := range files {
		if !applied[f.version] {
			out = append(out, f.version)
		}
	}
	return out, nil
}

type migrationFile struct {
	version string
	name    string
}

func migrationFiles() ([]migrationFile, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, migrationFile{
			version: strings.TrimSuffix(e.Name(), ".sql"),
			name:    e.Name(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, f migrationFile) error {
	var exists bool
	if err := conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, f.version,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check migration %s: %w", f.name, err)
	}
	if exists {
		return nil
	}

	sqlBytes, err := migrationsFS.ReadFile("migrations/" + f.name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", f.name, err)
	}

	logger := slog.Default().With("component", "migrations")
	logger.InfoContext(ctx, "applying migration", "version", f.version)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			logger.ErrorContext(ctx, "failed to rollback migration", "err", rollbackErr, "migration_file", f.name)
		}
	}()

	if _, execErr := tx.ExecContext(ctx, string(sqlBytes)); execErr != nil {
		return fmt.Errorf("exec migration %s: %w", f.name, execErr)
	}
	if _, insErr := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, f.version); insErr != nil {
		return fmt.Errorf("record migration %s: %w", f.name, insErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("commit migration %s: %w", f.name, commitErr)
	}
	return nil
}
