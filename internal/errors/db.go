package errors

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column list from unique violation details: "Key (field)=(value) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError maps database errors to AppError instances:
//   - pgx.ErrNoRows / sql.ErrNoRows → NotFound
//   - unique violations → Conflict (with Field when it can be recovered)
//   - serialization failures and deadlocks → Conflict
//   - foreign key violations → ForeignKey
//   - check and NOT NULL violations → Validation
//   - connection failures → Unavailable
//   - context timeouts/cancellations → Timeout/Canceled
//
// Unrecognized errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(err, ErrCodeTimeout, "database operation timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(err, ErrCodeCanceled, "database operation canceled")
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, sql.ErrNoRows):
		return Wrap(err, ErrCodeNotFound, "resource not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return Wrap(err, ErrCodeUnavailable, "database unavailable")
	}

	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{
			Code:    ErrCodeConflict,
			Message: mapTableToDomain(pgErr.TableName) + " already exists",
			Field:   uniqueViolationField(pgErr),
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.SerializationFailure, pgErr.Code == pgerrcode.DeadlockDetected:
		return Wrap(pgErr, ErrCodeConflict, "concurrent update, retry the operation")
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		return Wrap(pgErr, ErrCodeForeignKey, "referenced "+mapTableToDomain(referencedTable(pgErr))+" does not exist")
	case pgErr.Code == pgerrcode.CheckViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: checkViolationMessage(pgErr.ConstraintName),
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.NotNullViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "required field is missing",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	case pgerrcode.IsConnectionException(pgErr.Code), pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.CannotConnectNow:
		return Wrap(pgErr, ErrCodeUnavailable, "database unavailable")
	default:
		return Wrap(pgErr, ErrCodeInternal, "database error")
	}
}

func uniqueViolationField(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	return ""
}

var reNotPresent = regexp.MustCompile(`is not present in table "?([^"]+)"?`)

func referencedTable(pgErr *pgconn.PgError) string {
	if m := reNotPresent.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return m[1]
	}
	return pgErr.TableName
}

func checkViolationMessage(constraint string) string {
	switch constraint {
	case "batch_jobs_counts_within_total":
		return "request counts exceed the job total"
	case "batch_jobs_checkpoint_within_total":
		return "checkpoint exceeds the job total"
	default:
		return "invalid value"
	}
}

// mapTableToDomain maps internal table names to operator-facing names.
func mapTableToDomain(tableName string) string {
	switch strings.ToLower(strings.TrimSpace(tableName)) {
	case "batch_jobs":
		return "batch job"
	case "batch_request_results":
		return "request result"
	case "webhook_deliveries":
		return "webhook delivery"
	case "webhook_dead_letters":
		return "dead letter entry"
	case "":
		return "record"
	default:
		return strings.ReplaceAll(tableName, "_", " ")
	}
}
