package types

import (
	"time"

	"github.com/google/uuid"
)

// VolumeStatus is the provider-reported lifecycle status of a volume
type VolumeStatus string

const (
	StatusCreating  VolumeStatus = "creating"
	StatusAvailable VolumeStatus = "available"
	StatusAttaching VolumeStatus = "attaching"
	StatusInUse     VolumeStatus = "in-use"
	StatusDetaching VolumeStatus = "detaching"
	StatusDeleting  VolumeStatus = "deleting"
	StatusError     VolumeStatus = "error"
	// StatusGone is reported once the provider no longer knows the volume.
	StatusGone VolumeStatus = ""
)

// AllStatuses lists every status a provider may report.
var AllStatuses = []VolumeStatus{
	StatusCreating,
	StatusAvailable,
	StatusAttaching,
	StatusInUse,
	StatusDetaching,
	StatusDeleting,
	StatusError,
	StatusGone,
}

// AttachData describes where a volume is currently attached
type AttachData struct {
	Device     string `json:"device"`
	InstanceID string `json:"instance_id"`
}

// Volume represents one remote block-storage unit
type Volume struct {
	ID        string            `json:"id"`
	DatasetID uuid.UUID         `json:"dataset_id"`
	Size      int64             `json:"size"`
	Status    VolumeStatus      `json:"status"`
	Attach    *AttachData       `json:"attach_data,omitempty"`
	Zone      string            `json:"zone"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Copy returns a deep copy of the volume record
func (v *Volume) Copy() *Volume {
	if v == nil {
		return nil
	}
	out := *v
	if v.Attach != nil {
		attach := *v.Attach
		out.Attach = &attach
	}
	if v.Tags != nil {
		out.Tags = make(map[string]string, len(v.Tags))
		for k, val := range v.Tags {
			out.Tags[k] = val
		}
	}
	return &out
}

// CreateVolumeRequest represents a request to create a volume for a dataset
type CreateVolumeRequest struct {
	DatasetID     string `json:"dataset_id" binding:"required,uuid"`
	SizeBytes     int64  `json:"size_bytes"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// AttachVolumeRequest represents a request to attach a volume.
// An empty InstanceID attaches to the instance the agent runs on.
type AttachVolumeRequest struct {
	InstanceID    string `json:"instance_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// JobResponse is returned when an operation job is accepted
type JobResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// JobStatus represents the status of an operation job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// JobStatusResponse represents the response to a job status query
type JobStatusResponse struct {
	JobID         string    `json:"job_id"`
	Operation     string    `json:"operation"`
	VolumeID      string    `json:"volume_id,omitempty"`
	Status        JobStatus `json:"status"`
	Volume        *Volume   `json:"volume,omitempty"`
	Error         string    `json:"error,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VolumeListResponse lists the volumes owned by this cluster
type VolumeListResponse struct {
	Volumes []*Volume `json:"volumes"`
}

// DeviceResponse reports the device path of an attached volume
type DeviceResponse struct {
	VolumeID string `json:"volume_id"`
	Device   string `json:"device"`
}

// InstanceResponse reports the compute instance the agent runs on
type InstanceResponse struct {
	InstanceID string `json:"instance_id"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version"`
	Uptime     string    `json:"uptime"`
	ActiveJobs int       `json:"active_jobs"`
}
