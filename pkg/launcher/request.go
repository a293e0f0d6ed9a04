package launcher

import (
	"time"

	"github.com/b3x-data/b3x/pkg/event"
	"github.com/b3x-data/b3x/pkg/utils"
)

// TransformationJobRequest carries everything a job needs to refine one raw partition.
type TransformationJobRequest struct {
	Descriptor     event.RawPartitionDescriptor `json:"descriptor"`
	TargetPrefix   string                       `json:"target_prefix"`
	Attempt        int                          `json:"attempt"`
	IdempotencyKey string                       `json:"idempotency_key"`
	WorkerSizing   map[string]string            `json:"worker_sizing,omitempty"`
}

// NewRequest derives a request; the idempotency key depends only on the source partition.
func NewRequest(desc event.RawPartitionDescriptor, targetPrefix string, sizing map[string]string) TransformationJobRequest {
	return TransformationJobRequest{
		Descriptor:     desc,
		TargetPrefix:   targetPrefix,
		IdempotencyKey: utils.SHA256Hex(desc.SourceLocation),
		WorkerSizing:   sizing,
	}
}

// JobRun identifies a run inside the downstream job service.
type JobRun struct {
	JobID string
	RunID string
}

// JobHandle is returned by Launch.
type JobHandle struct {
	IdempotencyKey string    `json:"idempotency_key"`
	JobID          string    `json:"job_id"`
	RunID          string    `json:"run_id"`
	StartedAt      time.Time `json:"started_at"`
	Reused         bool      `json:"reused"`
}

// Run returns the job service identifiers of the handle.
func (h JobHandle) Run() JobRun { return JobRun{JobID: h.JobID, RunID: h.RunID} }

// JobStatus is the coarse state of a launched job.
type JobStatus int

const (
	StatusUnknown JobStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the job will not change status again.
func (s JobStatus) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }
