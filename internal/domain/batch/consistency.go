package batch

import (
	"fmt"

	"github.com/target/inferbatch/internal/domain/model"
)

// VerifyCheckpoint checks that a job's checkpoint agrees with its committed results.
// A nil return means the job can be resumed from Checkpoint.
func VerifyCheckpoint(c model.ResultConsistency) error {
	switch {
	case c.Checkpoint < 0:
		return fmt.Errorf("checkpoint %d is negative", c.Checkpoint)
	case c.Checkpoint > c.Total:
		return fmt.Errorf("checkpoint %d exceeds total %d", c.Checkpoint, c.Total)
	case c.ResultRows != c.Checkpoint:
		return fmt.Errorf("checkpoint %d does not match %d committed results", c.Checkpoint, c.ResultRows)
	case c.Completed+c.Failed != c.Checkpoint:
		return fmt.Errorf("request counts %d+%d do not match checkpoint %d", c.Completed, c.Failed, c.Checkpoint)
	}
	if c.ResultRows == 0 {
		return nil
	}
	if c.MinIndex != 0 || c.MaxIndex != c.Checkpoint-1 {
		return fmt.Errorf("committed results span [%d,%d], expected [0,%d]", c.MinIndex, c.MaxIndex, c.Checkpoint-1)
	}
	return nil
}
