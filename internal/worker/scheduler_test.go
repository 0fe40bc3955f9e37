package worker

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cratery/cratery/internal/events"
	"github.com/cratery/cratery/internal/model"
	"github.com/cratery/cratery/internal/testutil"
)

// fakeConn records frames sent to a worker.
type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	fail   bool
	closed bool
}

func (c *fakeConn) Send(ctx context.Context, frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return context.DeadlineExceeded
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// fakeJobStore is an in-memory model.JobStore stamping submission times.
type fakeJobStore struct {
	mu    sync.Mutex
	now   time.Time
	jobs  map[uuid.UUID]model.Job
	order int
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{now: time.Now(), jobs: make(map[uuid.UUID]model.Job)}
}

func (s *fakeJobStore) Create(ctx context.Context, job model.Job) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order++
	job.SubmittedAt = s.now.Add(time.Duration(s.order) * time.Millisecond)
	s.jobs[job.ID] = job
	return job, nil
}

func (s *fakeJobStore) Get(ctx context.Context, id uuid.UUID) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	return job, nil
}

func (s *fakeJobStore) SetState(ctx context.Context, id uuid.UUID, state model.JobState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	job.State = state
	job.Reason = reason
	job.WorkerID = nil
	s.jobs[id] = job
	return nil
}

func (s *fakeJobStore) SetDispatched(ctx context.Context, id uuid.UUID, workerID uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	job.State = model.JobDispatched
	job.WorkerID = &workerID
	job.Attempts = attempt
	s.jobs[id] = job
	return nil
}

func (s *fakeJobStore) ListUnfinished(ctx context.Context) ([]model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Job
	for _, job := range s.jobs {
		if !job.State.Terminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

// fakeVersionStore records docs-state transitions.
type fakeVersionStore struct {
	mu     sync.Mutex
	states map[string]model.DocsState
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{states: make(map[string]model.DocsState)}
}

func (s *fakeVersionStore) docsState(pkg, vers string) model.DocsState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[pkg+"/"+vers]
}

func (s *fakeVersionStore) SetDocsState(ctx context.Context, pkg, vers string, state model.DocsState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[pkg+"/"+vers] = state
	return nil
}

func (s *fakeVersionStore) Create(ctx context.Context, v model.Version) (model.Version, error) {
	return v, nil
}
func (s *fakeVersionStore) Get(ctx context.Context, pkg, vers string) (model.Version, error) {
	return model.Version{}, model.ErrNotFound
}
func (s *fakeVersionStore) GetByPackage(ctx context.Context, pkg string) ([]model.Version, error) {
	return nil, nil
}
func (s *fakeVersionStore) SetState(ctx context.Context, pkg, vers string, state model.VersionState) error {
	return nil
}
func (s *fakeVersionStore) Delete(ctx context.Context, pkg, vers string) error { return nil }
func (s *fakeVersionStore) CountByHash(ctx context.Context, hash string) (int, error) {
	return 0, nil
}
func (s *fakeVersionStore) IncrementDownloads(ctx context.Context, pkg, vers string) error {
	return nil
}
func (s *fakeVersionStore) ListAll(ctx context.Context) ([]model.Version, error) { return nil, nil }

type fixture struct {
	registry  *Registry
	scheduler *Scheduler
	jobs      *fakeJobStore
	versions  *fakeVersionStore
	bus       *events.Bus
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	log := testutil.MakeNoopLogger()
	bus := events.NewBus(log)
	t.Cleanup(bus.Close)

	registry := NewRegistry(log, bus, 30*time.Second)
	jobs := newFakeJobStore()
	versions := newFakeVersionStore()
	scheduler := NewScheduler(log, bus, registry, jobs, versions, nil, maxAttempts, time.Minute)
	return &fixture{registry: registry, scheduler: scheduler, jobs: jobs, versions: versions, bus: bus}
}

func jobFramesOf(conn *fakeConn) []Frame {
	var out []Frame
	for _, frame := range conn.sent() {
		if frame.Type == FrameJob {
			out = append(out, frame)
		}
	}
	return out
}

func TestScheduler_CapabilityRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	connX86 := &fakeConn{}
	connArm := &fakeConn{}
	f.registry.Add(Descriptor{Name: "w1", Capabilities: []string{"x86_64-linux"}}, connX86)
	f.registry.Add(Descriptor{Name: "w2", Capabilities: []string{"aarch64-linux"}}, connArm)

	job, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, []string{"aarch64-linux"})
	require.NoError(t, err)

	f.scheduler.dispatchPass(ctx)

	assert.Empty(t, jobFramesOf(connX86))
	frames := jobFramesOf(connArm)
	require.Len(t, frames, 1)
	assert.Equal(t, job.ID, frames[0].JobID)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobDispatched, stored.State)
	assert.Equal(t, 1, stored.Attempts)
}

func TestScheduler_NoCapableWorkerLeavesJobQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	conn := &fakeConn{}
	f.registry.Add(Descriptor{Name: "w1", Capabilities: []string{"x86_64-linux"}}, conn)

	job, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, []string{"aarch64-linux"})
	require.NoError(t, err)

	f.scheduler.dispatchPass(ctx)

	assert.Empty(t, jobFramesOf(conn))
	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, stored.State)
}

func TestScheduler_FIFOWithinKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	first, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "a", Version: "1.0.0"}, nil)
	require.NoError(t, err)
	second, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "b", Version: "1.0.0"}, nil)
	require.NoError(t, err)

	conn := &fakeConn{}
	w := f.registry.Add(Descriptor{Name: "w1"}, conn)
	f.scheduler.dispatchPass(ctx)

	frames := jobFramesOf(conn)
	require.Len(t, frames, 1)
	assert.Equal(t, first.ID, frames[0].JobID)

	f.scheduler.HandleResult(ctx, w.ID, first.ID, JobResult{Success: true})
	f.scheduler.dispatchPass(ctx)

	frames = jobFramesOf(conn)
	require.Len(t, frames, 2)
	assert.Equal(t, second.ID, frames[1].JobID)
}

func TestScheduler_SuccessUpdatesDocs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	conn := &fakeConn{}
	w := f.registry.Add(Descriptor{Name: "w1"}, conn)

	job, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, nil)
	require.NoError(t, err)
	f.scheduler.dispatchPass(ctx)
	assert.Equal(t, model.DocsRunning, f.versions.docsState("widgets", "0.1.0"))

	f.scheduler.HandleResult(ctx, w.ID, job.ID, JobResult{Success: true})

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, stored.State)
	assert.Equal(t, model.DocsSucceeded, f.versions.docsState("widgets", "0.1.0"))
}

func TestScheduler_WorkerDisconnectRetriesOnSecondWorker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	conn1 := &fakeConn{}
	w1 := f.registry.Add(Descriptor{Name: "w1"}, conn1)

	job, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, nil)
	require.NoError(t, err)
	f.scheduler.dispatchPass(ctx)
	require.Len(t, jobFramesOf(conn1), 1)

	// Worker disconnects mid-build; the job returns to the queue.
	f.registry.Remove(w1.ID, "disconnected")

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, stored.State)

	conn2 := &fakeConn{}
	w2 := f.registry.Add(Descriptor{Name: "w2"}, conn2)
	f.scheduler.dispatchPass(ctx)
	require.Len(t, jobFramesOf(conn2), 1)

	f.scheduler.HandleResult(ctx, w2.ID, job.ID, JobResult{Success: true})

	stored, err = f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSucceeded, stored.State)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, model.DocsSucceeded, f.versions.docsState("widgets", "0.1.0"))
}

func TestScheduler_TransientFailureExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	conn := &fakeConn{}
	w := f.registry.Add(Descriptor{Name: "w1"}, conn)

	job, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, nil)
	require.NoError(t, err)

	for range 2 {
		f.scheduler.dispatchPass(ctx)
		f.scheduler.HandleResult(ctx, w.ID, job.ID, JobResult{Success: false, Reason: "exit status 1"})
	}

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.State)
	assert.Equal(t, 2, stored.Attempts)
	assert.Equal(t, model.DocsFailed, f.versions.docsState("widgets", "0.1.0"))
}

func TestScheduler_PermanentFailureNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	conn := &fakeConn{}
	w := f.registry.Add(Descriptor{Name: "w1"}, conn)

	job, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, nil)
	require.NoError(t, err)
	f.scheduler.dispatchPass(ctx)

	f.scheduler.HandleResult(ctx, w.ID, job.ID, JobResult{Success: false, Reason: "malformed job", Permanent: true})

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.State)
	assert.Equal(t, 1, stored.Attempts)
}

func TestScheduler_CancelQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	job, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, nil)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.Cancel(ctx, job.ID))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, stored.State)

	// Nothing left to dispatch.
	conn := &fakeConn{}
	f.registry.Add(Descriptor{Name: "w1"}, conn)
	f.scheduler.dispatchPass(ctx)
	assert.Empty(t, jobFramesOf(conn))
}

func TestScheduler_CancelDispatchedSendsAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	conn := &fakeConn{}
	w := f.registry.Add(Descriptor{Name: "w1"}, conn)

	job, err := f.scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, nil)
	require.NoError(t, err)
	f.scheduler.dispatchPass(ctx)

	require.NoError(t, f.scheduler.Cancel(ctx, job.ID))

	frames := conn.sent()
	require.Len(t, frames, 2)
	assert.Equal(t, FrameAbort, frames[1].Type)
	assert.Equal(t, job.ID, frames[1].JobID)

	// A late result from the worker is accepted and ignored.
	f.scheduler.HandleResult(ctx, w.ID, job.ID, JobResult{Success: false, Reason: "aborted"})
	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, stored.State)
}

func TestScheduler_RecoverRequeuesDispatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	job, err := f.jobs.Create(ctx, model.Job{
		ID:       uuid.New(),
		Kind:     model.JobBuildDocs,
		Payload:  model.JobPayload{Package: "widgets", Version: "0.1.0"},
		State:    model.JobQueued,
		Deadline: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, f.jobs.SetDispatched(ctx, job.ID, uuid.New(), 1))

	require.NoError(t, f.scheduler.Recover(ctx))

	conn := &fakeConn{}
	f.registry.Add(Descriptor{Name: "w1"}, conn)
	f.scheduler.dispatchPass(ctx)

	frames := jobFramesOf(conn)
	require.Len(t, frames, 1)
	assert.Equal(t, job.ID, frames[0].JobID)
}

// fakeStorage records uploaded artifacts.
type fakeStorage struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *fakeStorage) Upload(ctx context.Context, key string, reader io.Reader) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[key] = data
	s.mu.Unlock()
	return nil
}

func (s *fakeStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, model.ErrNotFound
}
func (s *fakeStorage) Delete(ctx context.Context, key string) error        { return nil }
func (s *fakeStorage) Exists(ctx context.Context, key string) (bool, error) { return false, nil }
func (s *fakeStorage) Move(ctx context.Context, from, to string) error     { return nil }

func TestScheduler_StoresDocsArtifact(t *testing.T) {
	ctx := context.Background()
	log := testutil.MakeNoopLogger()
	bus := events.NewBus(log)
	defer bus.Close()

	registry := NewRegistry(log, bus, time.Minute)
	jobs := newFakeJobStore()
	versions := newFakeVersionStore()
	storage := &fakeStorage{blobs: map[string][]byte{}}
	scheduler := NewScheduler(log, bus, registry, jobs, versions, storage, 3, time.Minute)

	conn := &fakeConn{}
	w := registry.Add(Descriptor{Name: "w1"}, conn)

	job, err := scheduler.Submit(ctx, model.JobBuildDocs, model.JobPayload{Package: "widgets", Version: "0.1.0"}, nil)
	require.NoError(t, err)
	scheduler.dispatchPass(ctx)

	scheduler.HandleProgress(w.ID, job.ID, []byte("<html>"))
	scheduler.HandleProgress(w.ID, job.ID, []byte("docs</html>"))
	scheduler.HandleResult(ctx, w.ID, job.ID, JobResult{Success: true})

	storage.mu.Lock()
	defer storage.mu.Unlock()
	require.Len(t, storage.blobs, 1)
	for key, data := range storage.blobs {
		assert.Contains(t, key, "docs/")
		assert.Equal(t, []byte("<html>docs</html>"), data)
	}
}

func TestRegistry_KeepaliveTimeout(t *testing.T) {
	log := testutil.MakeNoopLogger()
	bus := events.NewBus(log)
	defer bus.Close()

	registry := NewRegistry(log, bus, 10*time.Millisecond)
	conn := &fakeConn{}
	w := registry.Add(Descriptor{Name: "w1"}, conn)

	time.Sleep(30 * time.Millisecond)
	registry.SweepExpired()

	assert.Empty(t, registry.Snapshot())
	assert.True(t, conn.closed)

	// A fresh keepalive keeps a worker alive.
	conn2 := &fakeConn{}
	w2 := registry.Add(Descriptor{Name: "w2"}, conn2)
	registry.Keepalive(w2.ID)
	registry.SweepExpired()
	assert.Len(t, registry.Snapshot(), 1)

	_ = w
}

func TestRegistry_SnapshotStates(t *testing.T) {
	log := testutil.MakeNoopLogger()
	bus := events.NewBus(log)
	defer bus.Close()

	registry := NewRegistry(log, bus, time.Minute)
	w := registry.Add(Descriptor{Name: "w1", Capabilities: []string{"stable"}}, &fakeConn{})

	jobID := uuid.New()
	_, ok := registry.MarkWorking(w.ID, jobID)
	require.True(t, ok)

	snapshot := registry.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, StateWorking, snapshot[0].State)
	require.NotNil(t, snapshot[0].JobID)
	assert.Equal(t, jobID, *snapshot[0].JobID)

	// A working worker cannot take a second job.
	_, ok = registry.MarkWorking(w.ID, uuid.New())
	assert.False(t, ok)

	registry.MarkAvailable(w.ID)
	snapshot = registry.Snapshot()
	assert.Equal(t, StateAvailable, snapshot[0].State)
	assert.Nil(t, snapshot[0].JobID)
}
