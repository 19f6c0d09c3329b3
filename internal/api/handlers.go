package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/internal/jobs"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

// degradedThreshold is the number of active jobs above which /health
// reports degraded.
const degradedThreshold = 2

// JobManager interface for job operations
type JobManager interface {
	Submit(req jobs.Request) (string, error)
	GetJobStatus(jobID string) (*types.JobStatusResponse, error)
	CancelJob(jobID string) error
	GetActiveJobs() int
}

// VolumeReader answers the synchronous volume queries
type VolumeReader interface {
	ListVolumes(ctx context.Context) ([]*types.Volume, error)
	DevicePath(ctx context.Context, id string) (string, error)
	ComputeInstanceID(ctx context.Context) (string, error)
}

// Handler handles HTTP API requests
type Handler struct {
	jobManager JobManager
	volumes    VolumeReader
	version    string
	startTime  time.Time
}

// NewHandler creates a new API handler
func NewHandler(jobManager JobManager, volumes VolumeReader, version string) *Handler {
	return &Handler{
		jobManager: jobManager,
		volumes:    volumes,
		version:    version,
		startTime:  time.Now(),
	}
}

// SetupRoutes configures the API routes. middleware applies to /api/v1
// only, leaving /health reachable without credentials.
func SetupRoutes(router gin.IRouter, handler *Handler, middleware ...gin.HandlerFunc) {
	api := router.Group("/api/v1", middleware...)
	{
		api.POST("/volumes", handler.CreateVolume)
		api.GET("/volumes", handler.ListVolumes)
		api.GET("/volumes/:id/device", handler.DevicePath)
		api.DELETE("/volumes/:id", handler.DestroyVolume)
		api.POST("/volumes/:id/attach", handler.AttachVolume)
		api.POST("/volumes/:id/detach", handler.DetachVolume)
		api.GET("/jobs/:job_id", handler.GetJobStatus)
		api.DELETE("/jobs/:job_id", handler.CancelJob)
		api.GET("/instance", handler.ComputeInstance)
	}

	router.GET("/health", handler.HealthCheck)
}

// CreateVolume starts a create job for a dataset
func (h *Handler) CreateVolume(c *gin.Context) {
	var req types.CreateVolumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.SizeBytes <= 0 {
		badRequest(c, "size_bytes must be positive")
		return
	}

	h.submit(c, jobs.Request{
		Operation:     blockdevice.OperationCreate,
		DatasetID:     uuid.MustParse(req.DatasetID),
		SizeBytes:     req.SizeBytes,
		CorrelationID: req.CorrelationID,
	})
}

// DestroyVolume starts a destroy job
func (h *Handler) DestroyVolume(c *gin.Context) {
	h.submit(c, jobs.Request{
		Operation:     blockdevice.OperationDestroy,
		VolumeID:      c.Param("id"),
		CorrelationID: c.Query("correlation_id"),
	})
}

// AttachVolume starts an attach job. The body is optional.
func (h *Handler) AttachVolume(c *gin.Context) {
	var req types.AttachVolumeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	h.submit(c, jobs.Request{
		Operation:     blockdevice.OperationAttach,
		VolumeID:      c.Param("id"),
		InstanceID:    req.InstanceID,
		CorrelationID: req.CorrelationID,
	})
}

// DetachVolume starts a detach job
func (h *Handler) DetachVolume(c *gin.Context) {
	h.submit(c, jobs.Request{
		Operation:     blockdevice.OperationDetach,
		VolumeID:      c.Param("id"),
		CorrelationID: c.Query("correlation_id"),
	})
}

func (h *Handler) submit(c *gin.Context, req jobs.Request) {
	jobID, err := h.jobManager.Submit(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"operation": req.Operation.String(),
			"volume_id": req.VolumeID,
		}).WithError(err).Warn("Failed to start volume operation")
		writeError(c, "failed to start operation", err)
		return
	}

	c.JSON(http.StatusAccepted, types.JobResponse{
		JobID:         jobID,
		Status:        "accepted",
		CorrelationID: req.CorrelationID,
	})
}

// ListVolumes returns the volumes owned by this cluster
func (h *Handler) ListVolumes(c *gin.Context) {
	volumes, err := h.volumes.ListVolumes(c.Request.Context())
	if err != nil {
		writeError(c, "failed to list volumes", err)
		return
	}
	if volumes == nil {
		volumes = []*types.Volume{}
	}
	c.JSON(http.StatusOK, types.VolumeListResponse{Volumes: volumes})
}

// DevicePath returns the device an attached volume is exposed as
func (h *Handler) DevicePath(c *gin.Context) {
	id := c.Param("id")
	device, err := h.volumes.DevicePath(c.Request.Context(), id)
	if err != nil {
		writeError(c, "failed to look up device", err)
		return
	}
	c.JSON(http.StatusOK, types.DeviceResponse{VolumeID: id, Device: device})
}

// ComputeInstance returns the instance the agent runs on
func (h *Handler) ComputeInstance(c *gin.Context) {
	instanceID, err := h.volumes.ComputeInstanceID(c.Request.Context())
	if err != nil {
		writeError(c, "failed to read instance id", err)
		return
	}
	c.JSON(http.StatusOK, types.InstanceResponse{InstanceID: instanceID})
}

// GetJobStatus returns the status of a volume operation job
func (h *Handler) GetJobStatus(c *gin.Context) {
	status, err := h.jobManager.GetJobStatus(c.Param("job_id"))
	if err != nil {
		writeError(c, "job not found", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelJob cancels a pending or running job
func (h *Handler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := h.jobManager.CancelJob(jobID); err != nil {
		writeError(c, "failed to cancel job", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "cancelled",
		"job_id": jobID,
	})
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	activeJobs := h.jobManager.GetActiveJobs()

	response := types.HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		ActiveJobs: activeJobs,
	}
	if activeJobs > degradedThreshold {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

// StatusCode maps an operation error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, blockdevice.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrBusy), errors.Is(err, jobs.ErrNotCancellable),
		errors.Is(err, blockdevice.ErrAlreadyAttached), errors.Is(err, blockdevice.ErrUnattached):
		return http.StatusConflict
	case errors.Is(err, blockdevice.ErrCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, blockdevice.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, blockdevice.ErrInvalidState), errors.Is(err, blockdevice.ErrLogic):
		return http.StatusInternalServerError
	case errors.Is(err, blockdevice.ErrProvider), errors.Is(err, jobs.ErrInvalidRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, summary string, err error) {
	code := StatusCode(err)
	c.JSON(code, types.ErrorResponse{
		Error:   summary,
		Message: err.Error(),
		Code:    code,
	})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, types.ErrorResponse{
		Error:   "invalid request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}
