package model

import (
	"time"

	"github.com/google/uuid"
)

// Topic names an event stream on the bus.
type Topic string

const (
	TopicPackages Topic = "packages"
	TopicJobs     Topic = "jobs"
	TopicWorkers  Topic = "workers"
)

// EventType enumerates bus event types.
type EventType string

const (
	EventPackagePublished  EventType = "package-published"
	EventPackageYanked     EventType = "package-yanked"
	EventPackageUnyanked   EventType = "package-unyanked"
	EventPackageDeprecated EventType = "package-deprecated"
	EventPackageRemoved    EventType = "package-removed"

	EventJobQueued     EventType = "job-queued"
	EventJobDispatched EventType = "job-dispatched"
	EventJobSucceeded  EventType = "job-succeeded"
	EventJobFailed     EventType = "job-failed"
	EventJobCancelled  EventType = "job-cancelled"

	EventWorkerConnected  EventType = "worker-connected"
	EventWorkerRemoved    EventType = "worker-removed"
	EventWorkerStartedJob EventType = "worker-started-job"
	EventWorkerAvailable  EventType = "worker-available"
)

// Event is a single bus message.
type Event struct {
	Type      EventType `json:"type"`
	Package   string    `json:"package,omitempty"`
	Version   string    `json:"version,omitempty"`
	JobID     uuid.UUID `json:"jobId,omitempty"`
	WorkerID  uuid.UUID `json:"workerId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
