// Package worker implements the worker registry, the job scheduler and the
// worker wire protocol.
package worker

import (
	"context"

	"github.com/google/uuid"

	"github.com/cratery/cratery/internal/model"
)

// FrameType enumerates the frames of the worker protocol.
type FrameType string

const (
	// FrameHello carries the worker descriptor on connect.
	FrameHello FrameType = "hello"
	// FrameKeepAlive must arrive within the liveness window.
	FrameKeepAlive FrameType = "keep-alive"
	// FrameJob streams a job to the worker.
	FrameJob FrameType = "job"
	// FrameJobProgress carries an artifact chunk from the worker.
	FrameJobProgress FrameType = "job-progress"
	// FrameJobResult reports the outcome of a job.
	FrameJobResult FrameType = "job-result"
	// FrameAbort asks the worker to abandon a job.
	FrameAbort FrameType = "abort"
)

// Descriptor is sent by a worker on connect.
type Descriptor struct {
	Name             string   `json:"name"`
	HostTriple       string   `json:"hostTriple"`
	ToolchainStable  string   `json:"toolchainStable"`
	ToolchainNightly string   `json:"toolchainNightly"`
	Targets          []string `json:"targets"`
	Capabilities     []string `json:"capabilities"`
}

// JobResult is the outcome reported by a worker.
type JobResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	// Permanent marks a structured, non-retryable failure (malformed job,
	// hard resource limit). Unstructured failures and disconnects are
	// treated as transient by the scheduler.
	Permanent bool `json:"permanent,omitempty"`
}

// Frame is one message of the full-duplex worker stream.
type Frame struct {
	Type     FrameType         `json:"type"`
	Hello    *Descriptor       `json:"hello,omitempty"`
	JobID    uuid.UUID         `json:"jobId,omitempty"`
	Kind     model.JobKind     `json:"kind,omitempty"`
	Payload  *model.JobPayload `json:"payload,omitempty"`
	Artifact []byte            `json:"artifact,omitempty"`
	Result   *JobResult        `json:"result,omitempty"`
}

// Conn is the transport seam between the registry and a connected worker.
// The production implementation writes frames to a WebSocket; tests use
// in-memory fakes.
type Conn interface {
	Send(ctx context.Context, frame Frame) error
	Close() error
}
