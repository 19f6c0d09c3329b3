package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/internal/storage"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI answers every call with vol/err, optionally blocking until
// release is closed or the context ends.
type fakeAPI struct {
	mu      sync.Mutex
	vol     *types.Volume
	err     error
	release chan struct{}
	running int
	peak    int
	calls   []string
}

func (f *fakeAPI) do(ctx context.Context, call string) (*types.Volume, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	release := f.release
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, &blockdevice.Error{Kind: blockdevice.ErrTimeout, Operation: call, Err: ctx.Err()}
		}
	}
	return f.vol.Copy(), f.err
}

func (f *fakeAPI) CreateVolume(ctx context.Context, datasetID uuid.UUID, size int64) (*types.Volume, error) {
	return f.do(ctx, fmt.Sprintf("create %s %d", datasetID, size))
}

func (f *fakeAPI) DestroyVolume(ctx context.Context, id string) error {
	_, err := f.do(ctx, "destroy "+id)
	return err
}

func (f *fakeAPI) AttachVolume(ctx context.Context, id, instanceID string) (*types.Volume, error) {
	return f.do(ctx, "attach "+id+" "+instanceID)
}

func (f *fakeAPI) DetachVolume(ctx context.Context, id string) (*types.Volume, error) {
	return f.do(ctx, "detach "+id)
}

type countingTracker struct {
	mu              sync.Mutex
	started, finish int
}

func (c *countingTracker) OperationStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *countingTracker) OperationFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish++
}

func newTestManager(api VolumeAPI, journal Journal, cfg Config) *Manager {
	logger, _ := test.NewNullLogger()
	cfg.Logger = logger
	return NewManager(api, journal, nil, cfg)
}

func waitDone(t *testing.T, m *Manager, jobID string) {
	t.Helper()
	done, err := m.Done(jobID)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", jobID)
	}
}

func TestSubmitCreateCompletes(t *testing.T) {
	api := &fakeAPI{vol: &types.Volume{ID: "vol-1", Status: types.StatusAvailable}}
	m := newTestManager(api, nil, Config{})
	datasetID := uuid.New()

	jobID, err := m.Submit(Request{Operation: blockdevice.OperationCreate, DatasetID: datasetID, SizeBytes: 1 << 30, CorrelationID: "req-1"})
	require.NoError(t, err)
	waitDone(t, m, jobID)

	status, err := m.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, status.Status)
	assert.Equal(t, "create", status.Operation)
	assert.Equal(t, "vol-1", status.VolumeID)
	assert.Equal(t, "req-1", status.CorrelationID)
	require.NotNil(t, status.Volume)
	assert.Equal(t, types.StatusAvailable, status.Volume.Status)
	assert.Empty(t, status.Error)
	assert.Equal(t, []string{fmt.Sprintf("create %s %d", datasetID, 1<<30)}, api.calls)
}

func TestSubmitFailureRecordsKind(t *testing.T) {
	api := &fakeAPI{err: &blockdevice.Error{Kind: blockdevice.ErrNotFound, Operation: "attach", VolumeID: "vol-1"}}
	m := newTestManager(api, nil, Config{})

	jobID, err := m.Submit(Request{Operation: blockdevice.OperationAttach, VolumeID: "vol-1"})
	require.NoError(t, err)
	waitDone(t, m, jobID)

	status, err := m.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, status.Status)
	assert.Equal(t, "not_found", status.ErrorKind)
	assert.Contains(t, status.Error, "vol-1")
}

func TestSubmitRequiresVolumeID(t *testing.T) {
	m := newTestManager(&fakeAPI{}, nil, Config{})

	for _, op := range []blockdevice.Operation{blockdevice.OperationDestroy, blockdevice.OperationAttach, blockdevice.OperationDetach} {
		_, err := m.Submit(Request{Operation: op})
		assert.ErrorIs(t, err, ErrInvalidRequest, op.String())
	}
}

func TestSubmitRejectsBusyVolume(t *testing.T) {
	api := &fakeAPI{release: make(chan struct{}), vol: &types.Volume{ID: "vol-1"}}
	m := newTestManager(api, nil, Config{})

	first, err := m.Submit(Request{Operation: blockdevice.OperationAttach, VolumeID: "vol-1"})
	require.NoError(t, err)

	_, err = m.Submit(Request{Operation: blockdevice.OperationDetach, VolumeID: "vol-1"})
	assert.ErrorIs(t, err, ErrBusy)

	other, err := m.Submit(Request{Operation: blockdevice.OperationAttach, VolumeID: "vol-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.GetActiveJobs())

	close(api.release)
	waitDone(t, m, first)
	waitDone(t, m, other)
	assert.Equal(t, 0, m.GetActiveJobs())

	_, err = m.Submit(Request{Operation: blockdevice.OperationDetach, VolumeID: "vol-1"})
	assert.NoError(t, err)
}

func TestCancelJob(t *testing.T) {
	api := &fakeAPI{release: make(chan struct{})}
	m := newTestManager(api, nil, Config{})

	jobID, err := m.Submit(Request{Operation: blockdevice.OperationDetach, VolumeID: "vol-1"})
	require.NoError(t, err)

	require.NoError(t, m.CancelJob(jobID))
	waitDone(t, m, jobID)

	status, err := m.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCancelled, status.Status)

	assert.ErrorIs(t, m.CancelJob(jobID), ErrNotCancellable)
	assert.ErrorIs(t, m.CancelJob("missing"), ErrJobNotFound)
}

func TestJobTimeout(t *testing.T) {
	api := &fakeAPI{release: make(chan struct{})}
	m := newTestManager(api, nil, Config{Timeout: 20 * time.Millisecond})

	jobID, err := m.Submit(Request{Operation: blockdevice.OperationAttach, VolumeID: "vol-1"})
	require.NoError(t, err)
	waitDone(t, m, jobID)

	status, err := m.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, status.Status)
	assert.Equal(t, "timeout", status.ErrorKind)
}

func TestConcurrencyLimit(t *testing.T) {
	api := &fakeAPI{release: make(chan struct{})}
	tracker := &countingTracker{}
	logger, _ := test.NewNullLogger()
	m := NewManager(api, nil, tracker, Config{MaxConcurrent: 1, Logger: logger})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Submit(Request{Operation: blockdevice.OperationDestroy, VolumeID: fmt.Sprintf("vol-%d", i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	close(api.release)
	for _, id := range ids {
		waitDone(t, m, id)
	}

	assert.Equal(t, 1, api.peak)
	assert.Equal(t, 3, tracker.started)
	assert.Equal(t, 3, tracker.finish)
}

func TestStatusFromJournal(t *testing.T) {
	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	api := &fakeAPI{vol: &types.Volume{ID: "vol-1", Status: types.StatusInUse, Attach: &types.AttachData{Device: "/dev/sdf", InstanceID: "i-xyz"}}}
	m := newTestManager(api, store, Config{})

	jobID, err := m.Submit(Request{Operation: blockdevice.OperationAttach, VolumeID: "vol-1", InstanceID: "i-xyz"})
	require.NoError(t, err)
	waitDone(t, m, jobID)

	record, err := store.GetOperation(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, record.Status)
	assert.Equal(t, "attach", record.Operation)
	assert.NotNil(t, record.CompletedAt)
	assert.Contains(t, record.RequestJSON, `"instance_id":"i-xyz"`)

	// A fresh manager, as after a restart, still answers from the journal.
	restarted := newTestManager(api, store, Config{})
	status, err := restarted.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, status.Status)
	require.NotNil(t, status.Volume)
	assert.Equal(t, "/dev/sdf", status.Volume.Attach.Device)

	_, err = restarted.GetJobStatus("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

type failingJournal struct{}

func (failingJournal) SaveOperation(context.Context, *storage.OperationRecord) error {
	return errors.New("disk full")
}

func (failingJournal) GetOperation(string) (*storage.OperationRecord, error) {
	return nil, storage.ErrNotFound
}

func TestJournalFailureDoesNotFailJob(t *testing.T) {
	m := newTestManager(&fakeAPI{}, failingJournal{}, Config{})

	jobID, err := m.Submit(Request{Operation: blockdevice.OperationDestroy, VolumeID: "vol-1"})
	require.NoError(t, err)
	waitDone(t, m, jobID)

	status, err := m.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, status.Status)
}

func TestCleanupCompletedJobs(t *testing.T) {
	m := newTestManager(&fakeAPI{}, nil, Config{})
	base := time.Now()

	for i := 0; i < 105; i++ {
		id := fmt.Sprintf("job-%03d", i)
		m.jobs[id] = &Job{ID: id, Status: types.JobCompleted, UpdatedAt: base.Add(time.Duration(i) * time.Second)}
	}
	m.jobs["active"] = &Job{ID: "active", Status: types.JobRunning}

	m.CleanupCompletedJobs()

	assert.Len(t, m.jobs, 101)
	assert.NotContains(t, m.jobs, "job-000")
	assert.NotContains(t, m.jobs, "job-004")
	assert.Contains(t, m.jobs, "job-005")
	assert.Contains(t, m.jobs, "active")
}
