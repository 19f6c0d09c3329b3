package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close() // Ignore error in test
	})
	return store
}

func record(id string, status types.JobStatus, updated time.Time) *OperationRecord {
	return &OperationRecord{
		ID:          id,
		Operation:   "attach",
		VolumeID:    "vol-" + id,
		Status:      status,
		RequestJSON: `{"instance_id": "i-xyz"}`,
		CreatedAt:   updated,
		UpdatedAt:   updated,
	}
}

func TestNewStore_AppliesMigrations(t *testing.T) {
	store := newTestStore(t)

	version, err := store.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(Migrations), version)
}

func TestNewStore_FilePathReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveOperation(context.Background(), record("op-1", types.JobCompleted, time.Now())))
	require.NoError(t, store.Close())

	// Reopening must not re-run migrations.
	store, err = NewStore(path)
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	got, err := store.GetOperation("op-1")
	require.NoError(t, err)
	assert.Equal(t, "vol-op-1", got.VolumeID)
}

func TestSaveOperation_Insert(t *testing.T) {
	store := newTestStore(t)

	op := record("op-1", types.JobPending, time.Now())
	op.CorrelationID = "req-77"
	require.NoError(t, store.SaveOperation(context.Background(), op))

	got, err := store.GetOperation("op-1")
	require.NoError(t, err)
	assert.Equal(t, "attach", got.Operation)
	assert.Equal(t, types.JobPending, got.Status)
	assert.Equal(t, op.RequestJSON, got.RequestJSON)
	assert.Equal(t, "req-77", got.CorrelationID)
	assert.Nil(t, got.CompletedAt)
}

func TestSaveOperation_Update(t *testing.T) {
	store := newTestStore(t)
	op := record("op-2", types.JobRunning, time.Now())
	op.VolumeID = ""
	require.NoError(t, store.SaveOperation(context.Background(), op))

	completed := time.Now().Add(time.Second)
	op.Status = types.JobFailed
	op.VolumeID = "vol-created"
	op.ErrorKind = "timeout"
	op.ErrorMessage = "create vol-created: timed out"
	op.ResultJSON = `{"id": "vol-created"}`
	op.UpdatedAt = completed
	op.CompletedAt = &completed
	require.NoError(t, store.SaveOperation(context.Background(), op))

	got, err := store.GetOperation("op-2")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)
	assert.Equal(t, "vol-created", got.VolumeID)
	assert.Equal(t, "timeout", got.ErrorKind)
	assert.Equal(t, op.ErrorMessage, got.ErrorMessage)
	assert.Equal(t, op.ResultJSON, got.ResultJSON)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, completed.Unix(), got.CompletedAt.Unix())
}

func TestGetOperation_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetOperation("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOperations(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		status := types.JobCompleted
		if i%2 == 0 {
			status = types.JobFailed
		}
		op := record(fmt.Sprintf("op-%d", i), status, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, store.SaveOperation(context.Background(), op))
	}

	all, err := store.ListOperations(ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "op-4", all[0].ID)

	failed, err := store.ListOperations(ListFilter{Status: types.JobFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 3)

	byVolume, err := store.ListOperations(ListFilter{VolumeID: "vol-op-1"})
	require.NoError(t, err)
	require.Len(t, byVolume, 1)
	assert.Equal(t, "op-1", byVolume[0].ID)

	page, err := store.ListOperations(ListFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "op-0", page[0].ID)

	none, err := store.ListOperations(ListFilter{Status: types.JobCancelled})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMarkInProgressFailed(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.SaveOperation(context.Background(), record("running-1", types.JobRunning, now)))
	require.NoError(t, store.SaveOperation(context.Background(), record("pending-1", types.JobPending, now)))
	require.NoError(t, store.SaveOperation(context.Background(), record("completed-1", types.JobCompleted, now)))

	marked, err := store.MarkInProgressFailed()
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	for _, id := range []string{"running-1", "pending-1"} {
		got, err := store.GetOperation(id)
		require.NoError(t, err)
		assert.Equal(t, types.JobFailed, got.Status)
		assert.Contains(t, got.ErrorMessage, "agent restarted")
		assert.NotNil(t, got.CompletedAt)
	}

	got, err := store.GetOperation("completed-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveOperation(context.Background(), record(fmt.Sprintf("running-%d", i), types.JobRunning, now)))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, store.SaveOperation(context.Background(), record(fmt.Sprintf("completed-%d", i), types.JobCompleted, now)))
	}

	count, err := store.CountByStatus(types.JobRunning)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = store.CountByStatus(types.JobCompleted)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.CountByStatus(types.JobPending)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDeleteOldOperations(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	require.NoError(t, store.SaveOperation(context.Background(), record("old-completed", types.JobCompleted, old)))
	require.NoError(t, store.SaveOperation(context.Background(), record("old-cancelled", types.JobCancelled, old)))
	require.NoError(t, store.SaveOperation(context.Background(), record("recent", types.JobCompleted, now)))
	require.NoError(t, store.SaveOperation(context.Background(), record("old-running", types.JobRunning, old)))

	deleted, err := store.DeleteOldOperations(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = store.GetOperation("old-completed")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetOperation("recent")
	assert.NoError(t, err)
	_, err = store.GetOperation("old-running")
	assert.NoError(t, err)
}
