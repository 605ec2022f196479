package job

import "fmt"

// IllegalStateError reports an operation attempted on a finished job.
type IllegalStateError struct {
	JobID string
	Op    string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("job %s is finished: %s is not allowed", e.JobID, e.Op)
}

// MissingWorkError reports that the worker factory produced no worker for a
// job about to start. It is fatal to that Start call only.
type MissingWorkError struct {
	JobID string
}

func (e *MissingWorkError) Error() string {
	return fmt.Sprintf("no worker available for job %s", e.JobID)
}
