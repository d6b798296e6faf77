package data

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/target/inferbatch/internal/core"
)

// advisoryLockNamedMajor namespaces session-level locks taken by name.
const advisoryLockNamedMajor int32 = 3000

// AdvisoryLocker takes named, session-scoped Postgres advisory locks.
type AdvisoryLocker struct {
	DB *sql.DB
}

func advisoryLockMinor(name string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int32(h.Sum32() & math.MaxInt32)
}

// TryWithLock runs fn while holding the lock named name. It returns false without calling fn when
// another session holds the lock. The lock lives on a dedicated connection so fn may use the pool freely.
func (l *AdvisoryLocker) TryWithLock(ctx context.Context, name string, fn func(context.Context) error) (bool, error) {
	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	minor := advisoryLockMinor(name)
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`,
		advisoryLockNamedMajor, minor).Scan(&locked); err != nil {
		return false, fmt.Errorf("acquire advisory lock %q: %w", name, err)
	}
	if !locked {
		return false, nil
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1, $2)`,
			advisoryLockNamedMajor, minor)
	}()

	return true, fn(ctx)
}

var _ core.AdvisoryLocker = (*AdvisoryLocker)(nil)
