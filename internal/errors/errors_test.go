package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrapf(cause, ErrCodeUnavailable, "backend %s", "gpu0")

	require.Error(t, err)
	assert.Equal(t, "backend gpu0: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsUnavailable(err))
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
	assert.Nil(t, Wrapf(nil, ErrCodeInternal, "ignored %d", 1))
}

func TestIsCode_ThroughFmtWrapping(t *testing.T) {
	base := ValidationField("chunk_size", "must be positive")
	wrapped := fmt.Errorf("submit: %w", base)

	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, ErrCodeValidation, GetCode(wrapped))
	assert.Equal(t, "chunk_size", GetField(wrapped))
	assert.Empty(t, GetCode(errors.New("plain")))
	assert.Empty(t, GetField(errors.New("plain")))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{Validation("bad"), 2},
		{NotFoundf("job %s", "x"), 3},
		{Conflict("taken"), 4},
		{Unavailable("db down"), 5},
		{New(ErrCodeTimeout, "slow"), 5},
		{Internal("oops"), 1},
		{errors.New("plain"), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "err=%v", tt.err)
	}
}
