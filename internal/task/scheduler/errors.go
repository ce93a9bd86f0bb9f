package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID     = errors.New("job id already registered")
	ErrNotFound        = errors.New("job not found")
	ErrInvalidJob      = errors.New("invalid job")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// JobExecutionError wraps a failure raised by a job action: either a returned
// error or a recovered panic. The runner logs it and never propagates it.
type JobExecutionError struct {
	JobID string
	Err   error
	Panic any
	Stack string
}

func (e *JobExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %q panicked: %v", e.JobID, e.Panic)
	}
	return fmt.Sprintf("job %q failed: %v", e.JobID, e.Err)
}

func (e *JobExecutionError) Unwrap() error { return e.Err }
