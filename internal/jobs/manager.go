// Package jobs runs volume operations asynchronously, one at a time per
// volume, and journals their progress.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/internal/storage"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrBusy is returned when the volume already has an active job.
	ErrBusy = errors.New("volume has an operation in progress")
	// ErrNotCancellable is returned when cancelling a finished job.
	ErrNotCancellable = errors.New("job cannot be cancelled")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid operation request")
)

// VolumeAPI is the blocking facade jobs run against. *blockdevice.API
// implements it.
type VolumeAPI interface {
	CreateVolume(ctx context.Context, datasetID uuid.UUID, size int64) (*types.Volume, error)
	DestroyVolume(ctx context.Context, id string) error
	AttachVolume(ctx context.Context, id, instanceID string) (*types.Volume, error)
	DetachVolume(ctx context.Context, id string) (*types.Volume, error)
}

// Journal persists job state. *storage.Store implements it.
type Journal interface {
	SaveOperation(ctx context.Context, record *storage.OperationRecord) error
	GetOperation(id string) (*storage.OperationRecord, error)
}

// Tracker is told when operations start and finish.
type Tracker interface {
	OperationStarted()
	OperationFinished()
}

// Request describes one volume operation
type Request struct {
	Operation     blockdevice.Operation `json:"-"`
	VolumeID      string                `json:"volume_id,omitempty"`
	DatasetID     uuid.UUID             `json:"dataset_id,omitempty"`
	SizeBytes     int64                 `json:"size_bytes,omitempty"`
	InstanceID    string                `json:"instance_id,omitempty"`
	CorrelationID string                `json:"correlation_id,omitempty"`
}

// Job represents one submitted volume operation
type Job struct {
	ID         string
	Status     types.JobStatus
	Request    Request
	VolumeID   string
	Volume     *types.Volume
	Error      error
	CreatedAt  time.Time
	UpdatedAt  time.Time
	cancelFunc context.CancelFunc
	done       chan struct{}
}

func (j *Job) active() bool {
	return j.Status == types.JobPending || j.Status == types.JobRunning
}

// Config holds job manager settings
type Config struct {
	// MaxConcurrent bounds operations running at once. Defaults to 2.
	MaxConcurrent int
	// Timeout bounds a whole job, queueing included. Defaults to 30 minutes.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  logrus.FieldLogger
}

// Manager manages volume operation jobs
type Manager struct {
	api       VolumeAPI
	journal   Journal
	tracker   Tracker
	clock     clock.Clock
	logger    logrus.FieldLogger
	timeout   time.Duration
	jobs      map[string]*Job
	semaphore chan struct{}
	mu        sync.RWMutex
}

// NewManager creates a new job manager. journal and tracker may be nil.
func NewManager(api VolumeAPI, journal Journal, tracker Tracker, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Manager{
		api:       api,
		journal:   journal,
		tracker:   tracker,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		timeout:   cfg.Timeout,
		jobs:      make(map[string]*Job),
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Submit starts a new job. Jobs naming a volume that already has an
// active job are rejected with ErrBusy.
func (m *Manager) Submit(req Request) (string, error) {
	if req.Operation != blockdevice.OperationCreate && req.VolumeID == "" {
		return "", fmt.Errorf("%w: %s requires a volume id", ErrInvalidRequest, req.Operation)
	}

	m.mu.Lock()
	if req.VolumeID != "" {
		for _, job := range m.jobs {
			if job.VolumeID == req.VolumeID && job.active() {
				m.mu.Unlock()
				return "", fmt.Errorf("%w: %s (job %s)", ErrBusy, req.VolumeID, job.ID)
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	now := m.clock.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Status:     types.JobPending,
		Request:    req,
		VolumeID:   req.VolumeID,
		CreatedAt:  now,
		UpdatedAt:  now,
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}
	m.jobs[job.ID] = job
	record := m.record(job)
	m.mu.Unlock()

	m.persist(record)
	m.logger.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"operation":      req.Operation.String(),
		"volume_id":      req.VolumeID,
		"correlation_id": req.CorrelationID,
	}).Info("Volume operation accepted")

	go m.runJob(ctx, job)

	return job.ID, nil
}

// GetJobStatus returns the status of a job. Jobs no longer held in memory
// are read back from the journal.
func (m *Manager) GetJobStatus(jobID string) (*types.JobStatusResponse, error) {
	m.mu.RLock()
	job, exists := m.jobs[jobID]
	var response *types.JobStatusResponse
	if exists {
		response = statusResponse(job)
	}
	m.mu.RUnlock()

	if exists {
		return response, nil
	}
	if m.journal == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	record, err := m.journal.GetOperation(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	return recordResponse(record), nil
}

// Done returns a channel closed when the job finishes.
func (m *Manager) Done(jobID string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.done, nil
}

// CancelJob cancels a pending or running job. The operation's wait stops;
// a provider request already sent is not undone.
func (m *Manager) CancelJob(jobID string) error {
	m.mu.Lock()
	job, exists := m.jobs[jobID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if !job.active() {
		status := job.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotCancellable, status)
	}

	job.cancelFunc()
	job.Status = types.JobCancelled
	job.UpdatedAt = m.clock.Now()
	record := m.record(job)
	m.mu.Unlock()

	m.persist(record)
	return nil
}

// runJob executes one job
func (m *Manager) runJob(ctx context.Context, job *Job) {
	defer close(job.done)
	defer job.cancelFunc()

	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-ctx.Done():
		m.finish(job, nil, ctx.Err())
		return
	}

	m.mu.Lock()
	if job.Status == types.JobCancelled {
		m.mu.Unlock()
		return
	}
	job.Status = types.JobRunning
	job.UpdatedAt = m.clock.Now()
	record := m.record(job)
	m.mu.Unlock()
	m.persist(record)

	if m.tracker != nil {
		m.tracker.OperationStarted()
		defer m.tracker.OperationFinished()
	}

	vol, err := m.execute(ctx, job.Request)
	m.finish(job, vol, err)
}

func (m *Manager) execute(ctx context.Context, req Request) (*types.Volume, error) {
	switch req.Operation {
	case blockdevice.OperationCreate:
		return m.api.CreateVolume(ctx, req.DatasetID, req.SizeBytes)
	case blockdevice.OperationDestroy:
		return nil, m.api.DestroyVolume(ctx, req.VolumeID)
	case blockdevice.OperationAttach:
		return m.api.AttachVolume(ctx, req.VolumeID, req.InstanceID)
	case blockdevice.OperationDetach:
		return m.api.DetachVolume(ctx, req.VolumeID)
	}
	return nil, fmt.Errorf("unknown operation %s", req.Operation)
}

// finish records the outcome of a job. A cancelled job stays cancelled.
func (m *Manager) finish(job *Job, vol *types.Volume, err error) {
	m.mu.Lock()
	if job.Status != types.JobCancelled {
		job.Status = types.JobCompleted
		if err != nil {
			job.Status = types.JobFailed
			job.Error = err
		}
	}
	if vol != nil {
		job.Volume = vol.Copy()
		job.VolumeID = vol.ID
	}
	job.UpdatedAt = m.clock.Now()
	record := m.record(job)
	status := job.Status
	m.mu.Unlock()

	m.persist(record)

	log := m.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"operation": job.Request.Operation.String(),
		"volume_id": record.VolumeID,
		"status":    status,
	})
	if err != nil {
		log.WithError(err).WithField("error_kind", blockdevice.KindName(err)).Warn("Volume operation failed")
		return
	}
	log.Info("Volume operation finished")
}

// record snapshots job for the journal. Callers hold m.mu.
func (m *Manager) record(job *Job) *storage.OperationRecord {
	requestJSON, _ := json.Marshal(job.Request)
	record := &storage.OperationRecord{
		ID:            job.ID,
		Operation:     job.Request.Operation.String(),
		VolumeID:      job.VolumeID,
		Status:        job.Status,
		RequestJSON:   string(requestJSON),
		CorrelationID: job.Request.CorrelationID,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	if job.Volume != nil {
		resultJSON, _ := json.Marshal(job.Volume)
		record.ResultJSON = string(resultJSON)
	}
	if job.Error != nil {
		record.ErrorKind = blockdevice.KindName(job.Error)
		record.ErrorMessage = job.Error.Error()
	}
	if !job.active() {
		completed := job.UpdatedAt
		record.CompletedAt = &completed
	}
	return record
}

func (m *Manager) persist(record *storage.OperationRecord) {
	if m.journal == nil {
		return
	}
	if err := m.journal.SaveOperation(context.Background(), record); err != nil {
		m.logger.WithError(err).WithField("job_id", record.ID).Warn("Failed to journal volume operation")
	}
}

// GetActiveJobs returns the count of active jobs
func (m *Manager) GetActiveJobs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, job := range m.jobs {
		if job.active() {
			count++
		}
	}
	return count
}

// CleanupCompletedJobs drops all but the 100 most recent finished jobs
// from memory. They remain readable from the journal.
func (m *Manager) CleanupCompletedJobs() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finished []*Job
	for _, job := range m.jobs {
		if !job.active() {
			finished = append(finished, job)
		}
	}
	if len(finished) <= 100 {
		return
	}

	sort.Slice(finished, func(i, j int) bool { return finished[i].UpdatedAt.Before(finished[j].UpdatedAt) })
	for _, job := range finished[:len(finished)-100] {
		delete(m.jobs, job.ID)
	}
}

func statusResponse(job *Job) *types.JobStatusResponse {
	response := &types.JobStatusResponse{
		JobID:         job.ID,
		Operation:     job.Request.Operation.String(),
		VolumeID:      job.VolumeID,
		Status:        job.Status,
		Volume:        job.Volume.Copy(),
		CorrelationID: job.Request.CorrelationID,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	if job.Error != nil {
		response.Error = job.Error.Error()
		response.ErrorKind = blockdevice.KindName(job.Error)
	}
	return response
}

func recordResponse(record *storage.OperationRecord) *types.JobStatusResponse {
	response := &types.JobStatusResponse{
		JobID:         record.ID,
		Operation:     record.Operation,
		VolumeID:      record.VolumeID,
		Status:        record.Status,
		Error:         record.ErrorMessage,
		ErrorKind:     record.ErrorKind,
		CorrelationID: record.CorrelationID,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
	if record.ResultJSON != "" {
		var vol types.Volume
		if err := json.Unmarshal([]byte(record.ResultJSON), &vol); err == nil {
			response.Volume = &vol
		}
	}
	return response
}
