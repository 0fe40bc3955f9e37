package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobKind enumerates the kinds of deferred work handed to workers.
type JobKind string

const (
	// JobBuildDocs builds and uploads documentation for a version.
	JobBuildDocs JobKind = "build-docs"
	// JobAnalyzeDeps checks a version's dependencies for outdated or
	// vulnerable entries.
	JobAnalyzeDeps JobKind = "analyze-deps"
	// JobCheckDeprecation propagates deprecation notices.
	JobCheckDeprecation JobKind = "check-deprecation"
)

// JobKinds lists every kind, in the scheduler's round-robin order.
var JobKinds = []JobKind{JobBuildDocs, JobAnalyzeDeps, JobCheckDeprecation}

// JobState enumerates the persisted states of a job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobDispatched JobState = "dispatched"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether the state admits no further transition.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// JobStore defines persistence operations for jobs.
type JobStore interface {
	Create(ctx context.Context, job Job) (Job, error)
	Get(ctx context.Context, id uuid.UUID) (Job, error)
	SetState(ctx context.Context, id uuid.UUID, state JobState, reason string) error
	SetDispatched(ctx context.Context, id uuid.UUID, workerID uuid.UUID, attempt int) error
	// ListUnfinished returns jobs in Queued or Dispatched state; dispatched
	// jobs are requeued on startup since worker state is not persisted.
	ListUnfinished(ctx context.Context) ([]Job, error)
}

// JobPayload is the work description streamed to a worker.
type JobPayload struct {
	Package  string   `json:"package"`
	Version  string   `json:"version"`
	Targets  []string `json:"targets,omitempty"`
	Features []string `json:"features,omitempty"`
}

// Job is a unit of deferred work created by the registry and consumed by a
// worker.
type Job struct {
	ID      uuid.UUID
	Kind    JobKind
	Payload JobPayload
	// RequiredCapabilities must be a subset of the worker's capabilities.
	RequiredCapabilities []string
	State                JobState
	Reason               string
	WorkerID             *uuid.UUID
	Attempts             int
	SubmittedAt          time.Time
	Deadline             time.Time
}
