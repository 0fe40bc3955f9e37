package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cratery/cratery/internal/events"
	"github.com/cratery/cratery/internal/logger"
	"github.com/cratery/cratery/internal/model"
)

// State enumerates the in-memory states of a connected worker.
type State string

const (
	// StateAvailable means the worker can accept a job.
	StateAvailable State = "available"
	// StateWorking means the worker holds a dispatched job.
	StateWorking State = "working"
	// StateDraining means the worker finishes its job but gets no new one.
	StateDraining State = "draining"
)

// Worker is a connected remote executor. Nothing here is persisted; a
// process restart starts from an empty registry.
type Worker struct {
	ID         uuid.UUID
	Descriptor Descriptor
	State      State
	JobID      uuid.UUID
	Conn       Conn

	lastSeen time.Time
	// lastDispatch orders the least-recently-used walk of the scheduler.
	lastDispatch time.Time
}

// Info is a read-only snapshot of a worker for admin listings.
type Info struct {
	ID         uuid.UUID  `json:"id"`
	Descriptor Descriptor `json:"descriptor"`
	State      State      `json:"state"`
	JobID      *uuid.UUID `json:"jobId,omitempty"`
	LastSeen   time.Time  `json:"lastSeen"`
}

// Registry tracks connected workers, their capabilities and liveness. The
// single lock is never held across network I/O.
type Registry struct {
	logger *logger.Logger
	bus    *events.Bus
	window time.Duration

	mu      sync.Mutex
	workers map[uuid.UUID]*Worker

	// onLost is invoked after a worker holding a job is removed, so the
	// scheduler can requeue. Set once at wiring time.
	onLost func(workerID, jobID uuid.UUID)
}

// NewRegistry creates an empty registry with the given liveness window.
func NewRegistry(logger *logger.Logger, bus *events.Bus, window time.Duration) *Registry {
	return &Registry{
		logger:  logger,
		bus:     bus,
		window:  window,
		workers: make(map[uuid.UUID]*Worker),
	}
}

// OnWorkerLost registers the scheduler callback for lost dispatched jobs.
func (r *Registry) OnWorkerLost(fn func(workerID, jobID uuid.UUID)) {
	r.onLost = fn
}

// Add registers a connected worker and marks it available.
func (r *Registry) Add(descriptor Descriptor, conn Conn) *Worker {
	w := &Worker{
		ID:         uuid.New(),
		Descriptor: descriptor,
		State:      StateAvailable,
		Conn:       conn,
		lastSeen:   time.Now(),
	}

	r.mu.Lock()
	r.workers[w.ID] = w
	r.mu.Unlock()

	r.logger.Info("worker connected", "worker", w.ID, "name", descriptor.Name)
	r.bus.Publish(model.TopicWorkers, model.Event{Type: model.EventWorkerConnected, WorkerID: w.ID, Detail: descriptor.Name})
	return w
}

// Remove drops a worker. If it held a dispatched job the scheduler is told
// through the lost callback, outside the registry lock.
func (r *Registry) Remove(id uuid.UUID, reason string) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.workers, id)
	jobID := w.JobID
	working := w.State == StateWorking
	conn := w.Conn
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	r.logger.Info("worker removed", "worker", id, "reason", reason)
	r.bus.Publish(model.TopicWorkers, model.Event{Type: model.EventWorkerRemoved, WorkerID: id, Detail: reason})

	if working && r.onLost != nil {
		r.onLost(id, jobID)
	}
}

// Keepalive records a liveness frame from the worker.
func (r *Registry) Keepalive(id uuid.UUID) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		w.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

// SweepExpired removes every worker whose keepalive window lapsed.
func (r *Registry) SweepExpired() {
	cutoff := time.Now().Add(-r.window)

	r.mu.Lock()
	var expired []uuid.UUID
	for id, w := range r.workers {
		if w.lastSeen.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.Remove(id, "keepalive timeout")
	}
}

// Run sweeps for expired workers until the context ends.
func (r *Registry) Run(stop <-chan struct{}) {
	interval := r.window / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.SweepExpired()
		}
	}
}

// MarkWorking transitions a worker to Working on the given job. Reports
// false if the worker vanished or already works.
func (r *Registry) MarkWorking(id, jobID uuid.UUID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.State != StateAvailable {
		return nil, false
	}
	w.State = StateWorking
	w.JobID = jobID
	w.lastDispatch = time.Now()
	return w.Conn, true
}

// MarkAvailable transitions a worker back to Available after its job ends.
func (r *Registry) MarkAvailable(id uuid.UUID) {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok && w.State == StateWorking {
		w.State = StateAvailable
		w.JobID = uuid.Nil
	}
	r.mu.Unlock()

	if ok {
		r.bus.Publish(model.TopicWorkers, model.Event{Type: model.EventWorkerAvailable, WorkerID: id})
	}
}

// ConnOf returns the connection of a worker, used for aborts.
func (r *Registry) ConnOf(id uuid.UUID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.Conn, true
}

// AvailableLRU snapshots available workers in least-recently-dispatched
// order.
func (r *Registry) AvailableLRU() []*Worker {
	r.mu.Lock()
	var out []*Worker
	for _, w := range r.workers {
		if w.State == StateAvailable {
			snapshot := *w
			out = append(out, &snapshot)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].lastDispatch.Before(out[j].lastDispatch)
	})
	return out
}

// Snapshot lists all workers for admin consumption.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.workers))
	for _, w := range r.workers {
		info := Info{
			ID:         w.ID,
			Descriptor: w.Descriptor,
			State:      w.State,
			LastSeen:   w.lastSeen,
		}
		if w.State == StateWorking {
			jobID := w.JobID
			info.JobID = &jobID
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}
