package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/target/inferbatch/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"sentinel", errors.New("boom"), "errors_errorstring"},
		{"wrapped typed error", fmt.Errorf("post: %w", &refusedErr{}), "errors_refusederr"},
		{"app error", fmt.Errorf("get job: %w", apperrors.NotFound("batch job not found")), "not_found"},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, "network"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

type refusedErr struct{}

func (*refusedErr) Error() string { return "connection refused" }
