package shared

import "fmt"

var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusProcessing: true,
		JobStatusFailed:     true,
	},
	JobStatusProcessing: {
		JobStatusStreaming: true,
		// single-file delivery skips streaming
		JobStatusCompleted: true,
		JobStatusFailed:    true,
	},
	JobStatusStreaming: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
	},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

func IsKnownStatus(status JobStatus) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TransitionJobStatus moves job to status or returns ErrInvalidTransition.
func TransitionJobStatus(job *Job, to JobStatus) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %q -> %q (job_id=%s)", ErrInvalidTransition, job.Status, to, job.ID)
	}
	job.Status = to
	return nil
}
