package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapDBError_Passthrough(t *testing.T) {
	assert.NoError(t, MapDBError(nil))

	plain := errors.New("not a db error")
	assert.Same(t, plain, MapDBError(plain))
}

func TestMapDBError_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"canceled", fmt.Errorf("query: %w", context.Canceled), ErrCodeCanceled},
		{"pgx no rows", pgx.ErrNoRows, ErrCodeNotFound},
		{"sql no rows", sql.ErrNoRows, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(tt.err)
			assert.Equal(t, tt.want, GetCode(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestMapDBError_PgCodes(t *testing.T) {
	tests := []struct {
		name      string
		pgErr     *pgconn.PgError
		wantCode  ErrorCode
		wantField string
		wantMsg   string
	}{
		{
			name: "unique from detail",
			pgErr: &pgconn.PgError{
				Code:      pgerrcode.UniqueViolation,
				TableName: "webhook_dead_letters",
				Detail:    "Key (delivery_id)=(abc) already exists.",
			},
			wantCode:  ErrCodeConflict,
			wantField: "delivery_id",
			wantMsg:   "dead letter entry already exists",
		},
		{
			name:     "serialization failure",
			pgErr:    &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			wantCode: ErrCodeConflict,
		},
		{
			name: "foreign key",
			pgErr: &pgconn.PgError{
				Code:   pgerrcode.ForeignKeyViolation,
				Detail: `Key (batch_job_id)=(x) is not present in table "batch_jobs".`,
			},
			wantCode: ErrCodeForeignKey,
			wantMsg:  "referenced batch job does not exist",
		},
		{
			name:     "counts check",
			pgErr:    &pgconn.PgError{Code: pgerrcode.CheckViolation, ConstraintName: "batch_jobs_counts_within_total"},
			wantCode: ErrCodeValidation,
			wantMsg:  "request counts exceed the job total",
		},
		{
			name:      "not null",
			pgErr:     &pgconn.PgError{Code: pgerrcode.NotNullViolation, ColumnName: "model_id"},
			wantCode:  ErrCodeValidation,
			wantField: "model_id",
		},
		{
			name:     "connection failure",
			pgErr:    &pgconn.PgError{Code: pgerrcode.ConnectionFailure},
			wantCode: ErrCodeUnavailable,
		},
		{
			name:     "admin shutdown",
			pgErr:    &pgconn.PgError{Code: pgerrcode.AdminShutdown},
			wantCode: ErrCodeUnavailable,
		},
		{
			name:     "other",
			pgErr:    &pgconn.PgError{Code: pgerrcode.DivisionByZero},
			wantCode: ErrCodeInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDBError(fmt.Errorf("exec: %w", tt.pgErr))
			assert.Equal(t, tt.wantCode, GetCode(got))
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, GetField(got))
			}
			if tt.wantMsg != "" {
				var appErr *AppError
				if assert.ErrorAs(t, got, &appErr) {
					assert.Equal(t, tt.wantMsg, appErr.Message)
				}
			}
		})
	}
}
