// internal/process/job.go
package process

import (
	"time"

	"github.com/tendant/simple-derivatives/pkg/schema"
)

// JobStatus represents the lifecycle state of one processing request.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Job is the worker's bookkeeping for a request, used to build the result
// event once the request is settled.
type Job struct {
	Request     schema.ProcessingRequest
	Status      JobStatus
	Error       string
	FailureType schema.FailureType
	Started     time.Time
	Finished    time.Time
}

func NewJob(req schema.ProcessingRequest) *Job {
	return &Job{Request: req, Status: JobStatusPending}
}

func (j *Job) MarkRunning(now time.Time) {
	j.Status = JobStatusRunning
	j.Started = now
}

func (j *Job) MarkSucceeded(now time.Time) {
	j.Status = JobStatusSucceeded
	j.Finished = now
}

func (j *Job) MarkFailed(now time.Time, err error, ft schema.FailureType) {
	j.Status = JobStatusFailed
	j.Finished = now
	j.FailureType = ft
	if err != nil {
		j.Error = err.Error()
	}
}

// Duration is zero until the job has both started and finished.
func (j *Job) Duration() time.Duration {
	if j.Started.IsZero() || j.Finished.IsZero() {
		return 0
	}
	return j.Finished.Sub(j.Started)
}
