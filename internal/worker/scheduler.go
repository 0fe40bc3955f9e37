package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cratery/cratery/internal/events"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
)

// Scheduler dispatches queued jobs to capable workers. Within a kind jobs
// are strictly FIFO by submission time (ties broken by job ID); across
// kinds a round-robin over non-empty queues prevents starvation.
type Scheduler struct {
	logger   *logger.Logger
	bus      *events.Bus
	registry *Registry
	jobs     model.JobStore
	versions model.VersionStore
	storage  model.Storage

	maxAttempts int
	deadline    time.Duration

	mu         sync.Mutex
	queues     map[model.JobKind][]*model.Job
	dispatched map[uuid.UUID]*dispatchEntry
	rr         int

	tickCh chan struct{}
}

type dispatchEntry struct {
	job      *model.Job
	workerID uuid.UUID
	deadline time.Time
	// artifact accumulates progress chunks streamed by the worker.
	artifact bytes.Buffer
}

// NewScheduler wires the scheduler to its stores and the worker registry.
func NewScheduler(
	logger *logger.Logger,
	bus *events.Bus,
	registry *Registry,
	jobs model.JobStore,
	versions model.VersionStore,
	storage model.Storage,
	maxAttempts int,
	deadline time.Duration,
) *Scheduler {
	s := &Scheduler{
		logger:      logger,
		bus:         bus,
		registry:    registry,
		jobs:        jobs,
		versions:    versions,
		storage:     storage,
		maxAttempts: maxAttempts,
		deadline:    deadline,
		queues:      make(map[model.JobKind][]*model.Job),
		dispatched:  make(map[uuid.UUID]*dispatchEntry),
		tickCh:      make(chan struct{}, 1),
	}
	registry.OnWorkerLost(s.handleWorkerLost)
	return s
}

// Submit persists a new job and queues it for dispatch.
func (s *Scheduler) Submit(ctx context.Context, kind model.JobKind, payload model.JobPayload, capabilities []string) (model.Job, error) {
	job := model.Job{
		ID:                   uuid.New(),
		Kind:                 kind,
		Payload:              payload,
		RequiredCapabilities: capabilities,
		State:                model.JobQueued,
		Deadline:             time.Now().Add(s.deadline),
	}

	created, err := s.jobs.Create(ctx, job)
	if err != nil {
		return model.Job{}, err
	}

	s.mu.Lock()
	s.enqueueLocked(&created)
	s.mu.Unlock()

	s.bus.Publish(model.TopicJobs, model.Event{
		Type: model.EventJobQueued, JobID: created.ID,
		Package: payload.Package, Version: payload.Version,
	})
	s.Tick()
	return created, nil
}

// Recover reloads unfinished jobs on startup. Jobs that were dispatched are
// requeued since worker state does not survive a restart.
func (s *Scheduler) Recover(ctx context.Context) error {
	unfinished, err := s.jobs.ListUnfinished(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i := range unfinished {
		job := unfinished[i]
		if job.State == model.JobDispatched {
			if err := s.jobs.SetState(ctx, job.ID, model.JobQueued, ""); err != nil {
				s.mu.Unlock()
				return err
			}
			job.State = model.JobQueued
			job.WorkerID = nil
		}
		s.enqueueLocked(&job)
	}
	s.mu.Unlock()

	if len(unfinished) > 0 {
		s.logger.Info("recovered unfinished jobs", "count", len(unfinished))
		s.Tick()
	}
	return nil
}

// Tick requests a scheduling pass. Calls coalesce.
func (s *Scheduler) Tick() {
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

// Run drives scheduling passes and deadline checks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.tickCh:
			s.dispatchPass(ctx)
		case <-ticker.C:
			s.checkDeadlines(ctx)
		}
	}
}

// dispatchPass walks available workers in LRU order and hands each the
// oldest queued job it is capable of. The queue lock is never held while
// frames are written.
func (s *Scheduler) dispatchPass(ctx context.Context) {
	for {
		progress := false
		for _, w := range s.registry.AvailableLRU() {
			s.mu.Lock()
			job := s.takeMatchingLocked(w.Descriptor.Capabilities)
			s.mu.Unlock()
			if job == nil {
				continue
			}

			conn, ok := s.registry.MarkWorking(w.ID, job.ID)
			if !ok {
				s.mu.Lock()
				s.enqueueLocked(job)
				s.mu.Unlock()
				continue
			}

			job.Attempts++
			if err := s.jobs.SetDispatched(ctx, job.ID, w.ID, job.Attempts); err != nil {
				s.logger.Error("failed to persist dispatch", "job", job.ID, "error", err)
				s.registry.MarkAvailable(w.ID)
				s.mu.Lock()
				job.Attempts--
				s.enqueueLocked(job)
				s.mu.Unlock()
				continue
			}

			s.mu.Lock()
			workerID := w.ID
			job.State = model.JobDispatched
			job.WorkerID = &workerID
			s.dispatched[job.ID] = &dispatchEntry{job: job, workerID: w.ID, deadline: job.Deadline}
			s.mu.Unlock()

			if job.Kind == model.JobBuildDocs {
				if err := s.versions.SetDocsState(ctx, job.Payload.Package, job.Payload.Version, model.DocsRunning, ""); err != nil {
					s.logger.Warn("failed to mark docs running", "job", job.ID, "error", err)
				}
			}

			frame := Frame{Type: FrameJob, JobID: job.ID, Kind: job.Kind, Payload: &job.Payload}
			if err := conn.Send(ctx, frame); err != nil {
				s.logger.Warn("failed to stream job to worker", "job", job.ID, "worker", w.ID, "error", err)
				s.registry.Remove(w.ID, "send failed")
				continue
			}

			s.bus.Publish(model.TopicJobs, model.Event{
				Type: model.EventJobDispatched, JobID: job.ID, WorkerID: w.ID,
				Package: job.Payload.Package, Version: job.Payload.Version,
			})
			s.bus.Publish(model.TopicWorkers, model.Event{Type: model.EventWorkerStartedJob, WorkerID: w.ID, JobID: job.ID})
			progress = true
		}
		if !progress {
			return
		}
	}
}

// enqueueLocked inserts the job keeping the kind queue ordered by
// submission time, then job ID.
func (s *Scheduler) enqueueLocked(job *model.Job) {
	queue := s.queues[job.Kind]
	pos := sort.Search(len(queue), func(i int) bool {
		if queue[i].SubmittedAt.Equal(job.SubmittedAt) {
			return queue[i].ID.String() > job.ID.String()
		}
		return queue[i].SubmittedAt.After(job.SubmittedAt)
	})
	queue = append(queue, nil)
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = job
	s.queues[job.Kind] = queue
}

// takeMatchingLocked removes and returns the oldest queued job the
// capability set can serve, round-robining across kinds.
func (s *Scheduler) takeMatchingLocked(capabilities []string) *model.Job {
	for offset := 0; offset < len(model.JobKinds); offset++ {
		kind := model.JobKinds[(s.rr+offset)%len(model.JobKinds)]
		queue := s.queues[kind]
		for i, job := range queue {
			if !capsSubset(job.RequiredCapabilities, capabilities) {
				continue
			}
			s.queues[kind] = append(queue[:i], queue[i+1:]...)
			s.rr = (s.rr + offset + 1) % len(model.JobKinds)
			return job
		}
	}
	return nil
}

func capsSubset(required, have []string) bool {
	for _, req := range required {
		found := false
		for _, tag := range have {
			if tag == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HandleResult ingests a worker-reported job outcome.
func (s *Scheduler) HandleResult(ctx context.Context, workerID, jobID uuid.UUID, result JobResult) {
	s.mu.Lock()
	entry, ok := s.dispatched[jobID]
	if ok && entry.workerID == workerID {
		delete(s.dispatched, jobID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	s.registry.MarkAvailable(workerID)
	if !ok {
		// Cancelled or deadline-expired; either outcome is accepted.
		s.logger.Info("ignoring result for unknown dispatch", "job", jobID, "worker", workerID)
		s.Tick()
		return
	}

	job := entry.job
	if result.Success {
		if err := s.jobs.SetState(ctx, jobID, model.JobSucceeded, ""); err != nil {
			s.logger.Error("failed to persist job success", "job", jobID, "error", err)
		}
		if job.Kind == model.JobBuildDocs {
			s.storeArtifact(ctx, entry)
			if err := s.versions.SetDocsState(ctx, job.Payload.Package, job.Payload.Version, model.DocsSucceeded, ""); err != nil {
				s.logger.Warn("failed to mark docs succeeded", "job", jobID, "error", err)
			}
		}
		s.bus.Publish(model.TopicJobs, model.Event{
			Type: model.EventJobSucceeded, JobID: jobID, WorkerID: workerID,
			Package: job.Payload.Package, Version: job.Payload.Version,
		})
	} else {
		s.failOrRetry(ctx, job, result.Reason, !result.Permanent)
	}
	s.Tick()
}

// HandleProgress accumulates an artifact chunk streamed by a worker; the
// assembled artifact is stored when the job succeeds.
func (s *Scheduler) HandleProgress(workerID, jobID uuid.UUID, chunk []byte) {
	s.mu.Lock()
	entry, ok := s.dispatched[jobID]
	if ok && entry.workerID == workerID {
		entry.artifact.Write(chunk)
	}
	s.mu.Unlock()
	s.logger.Debug("job progress", "job", jobID, "worker", workerID, "bytes", len(chunk))
}

// storeArtifact uploads a finished docs artifact under its content hash.
func (s *Scheduler) storeArtifact(ctx context.Context, entry *dispatchEntry) {
	if s.storage == nil || entry.artifact.Len() == 0 {
		return
	}
	data := entry.artifact.Bytes()
	sum := sha256.Sum256(data)
	key := model.DocsBlobKey(hex.EncodeToString(sum[:]))
	if err := s.storage.Upload(ctx, key, bytes.NewReader(data)); err != nil {
		s.logger.Error("failed to store docs artifact", "job", entry.job.ID, "error", err)
	}
}

// Cancel aborts a job on behalf of the registry, e.g. when its package is
// removed mid-build.
func (s *Scheduler) Cancel(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	var cancelled bool
	for kind, queue := range s.queues {
		for i, job := range queue {
			if job.ID == jobID {
				s.queues[kind] = append(queue[:i], queue[i+1:]...)
				cancelled = true
				break
			}
		}
		if cancelled {
			break
		}
	}
	entry, wasDispatched := s.dispatched[jobID]
	if wasDispatched {
		delete(s.dispatched, jobID)
	}
	s.mu.Unlock()

	if !cancelled && !wasDispatched {
		return model.ErrNotFound
	}

	if err := s.jobs.SetState(ctx, jobID, model.JobCancelled, "cancelled"); err != nil {
		return err
	}

	if wasDispatched {
		if conn, ok := s.registry.ConnOf(entry.workerID); ok {
			if err := conn.Send(ctx, Frame{Type: FrameAbort, JobID: jobID}); err != nil {
				s.logger.Warn("failed to send abort", "job", jobID, "worker", entry.workerID, "error", err)
			}
		}
	}

	s.bus.Publish(model.TopicJobs, model.Event{Type: model.EventJobCancelled, JobID: jobID})
	return nil
}

// handleWorkerLost requeues the dispatched job of a removed worker.
func (s *Scheduler) handleWorkerLost(workerID, jobID uuid.UUID) {
	s.mu.Lock()
	entry, ok := s.dispatched[jobID]
	if ok && entry.workerID == workerID {
		delete(s.dispatched, jobID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.failOrRetry(context.Background(), entry.job, "worker disconnected", true)
	s.Tick()
}

// checkDeadlines cancels dispatched jobs past their wall-clock deadline and
// applies the retry policy.
func (s *Scheduler) checkDeadlines(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var expired []*dispatchEntry
	for id, entry := range s.dispatched {
		if entry.deadline.Before(now) {
			expired = append(expired, entry)
			delete(s.dispatched, id)
		}
	}
	s.mu.Unlock()

	for _, entry := range expired {
		if conn, ok := s.registry.ConnOf(entry.workerID); ok {
			if err := conn.Send(ctx, Frame{Type: FrameAbort, JobID: entry.job.ID}); err != nil {
				s.logger.Warn("failed to send abort", "job", entry.job.ID, "error", err)
			}
		}
		s.failOrRetry(ctx, entry.job, "deadline exceeded", true)
	}
	if len(expired) > 0 {
		s.Tick()
	}
}

// failOrRetry requeues a transiently failed job while attempts remain,
// otherwise marks it failed.
func (s *Scheduler) failOrRetry(ctx context.Context, job *model.Job, reason string, transient bool) {
	if transient && job.Attempts < s.maxAttempts {
		if err := s.jobs.SetState(ctx, job.ID, model.JobQueued, reason); err != nil {
			s.logger.Error("failed to requeue job", "job", job.ID, "error", err)
			return
		}
		s.mu.Lock()
		job.State = model.JobQueued
		job.WorkerID = nil
		// Extend the deadline for the new attempt.
		job.Deadline = time.Now().Add(s.deadline)
		s.enqueueLocked(job)
		s.mu.Unlock()
		s.bus.Publish(model.TopicJobs, model.Event{
			Type: model.EventJobQueued, JobID: job.ID, Detail: reason,
			Package: job.Payload.Package, Version: job.Payload.Version,
		})
		return
	}

	if err := s.jobs.SetState(ctx, job.ID, model.JobFailed, reason); err != nil {
		s.logger.Error("failed to persist job failure", "job", job.ID, "error", err)
	}
	if job.Kind == model.JobBuildDocs {
		if err := s.versions.SetDocsState(ctx, job.Payload.Package, job.Payload.Version, model.DocsFailed, reason); err != nil {
			s.logger.Warn("failed to mark docs failed", "job", job.ID, "error", err)
		}
	}
	s.bus.Publish(model.TopicJobs, model.Event{
		Type: model.EventJobFailed, JobID: job.ID, Detail: reason,
		Package: job.Payload.Package, Version: job.Payload.Version,
	})
}

// QueuedJobIDs lists jobs currently queued for a package, used to cancel
// work when a package is removed.
func (s *Scheduler) QueuedJobIDs(pkg string) []uuid.UUID {
	norm := model.NormalizeName(pkg)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for _, queue := range s.queues {
		for _, job := range queue {
			if model.NormalizeName(job.Payload.Package) == norm {
				out = append(out, job.ID)
			}
		}
	}
	for _, entry := range s.dispatched {
		if model.NormalizeName(entry.job.Payload.Package) == norm {
			out = append(out, entry.job.ID)
		}
	}
	return out
}
