//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rossigee/cloud-volume-agent/pkg/types"
)

// AgentClient handles HTTP communication with the agent
type AgentClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-2xx agent response
type APIError struct {
	StatusCode int
	Body       types.ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s: %s", e.StatusCode, e.Body.Error, e.Body.Message)
}

func (ac *AgentClient) do(method, path string, body interface{}, want int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ac.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ac.token != "" {
		req.Header.Set("Authorization", "Bearer "+ac.token)
	}

	resp, err := ac.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (ac *AgentClient) submit(method, path string, body interface{}) (*types.JobResponse, error) {
	var response types.JobResponse
	if err := ac.do(method, path, body, http.StatusAccepted, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// CreateVolume submits a create job
func (ac *AgentClient) CreateVolume(req types.CreateVolumeRequest) (*types.JobResponse, error) {
	return ac.submit(http.MethodPost, "/api/v1/volumes", req)
}

// AttachVolume submits an attach job
func (ac *AgentClient) AttachVolume(volumeID string, req types.AttachVolumeRequest) (*types.JobResponse, error) {
	return ac.submit(http.MethodPost, "/api/v1/volumes/"+volumeID+"/attach", req)
}

// DetachVolume submits a detach job
func (ac *AgentClient) DetachVolume(volumeID string) (*types.JobResponse, error) {
	return ac.submit(http.MethodPost, "/api/v1/volumes/"+volumeID+"/detach", nil)
}

// DestroyVolume submits a destroy job
func (ac *AgentClient) DestroyVolume(volumeID string) (*types.JobResponse, error) {
	return ac.submit(http.MethodDelete, "/api/v1/volumes/"+volumeID, nil)
}

// ListVolumes lists the cluster's volumes
func (ac *AgentClient) ListVolumes() ([]*types.Volume, error) {
	var response types.VolumeListResponse
	if err := ac.do(http.MethodGet, "/api/v1/volumes", nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Volumes, nil
}

// DevicePath looks up the device of an attached volume
func (ac *AgentClient) DevicePath(volumeID string) (string, error) {
	var response types.DeviceResponse
	if err := ac.do(http.MethodGet, "/api/v1/volumes/"+volumeID+"/device", nil, http.StatusOK, &response); err != nil {
		return "", err
	}
	return response.Device, nil
}

// InstanceID returns the instance the agent runs on
func (ac *AgentClient) InstanceID() (string, error) {
	var response types.InstanceResponse
	if err := ac.do(http.MethodGet, "/api/v1/instance", nil, http.StatusOK, &response); err != nil {
		return "", err
	}
	return response.InstanceID, nil
}

// GetJobStatus returns the status of a job
func (ac *AgentClient) GetJobStatus(jobID string) (*types.JobStatusResponse, error) {
	var response types.JobStatusResponse
	if err := ac.do(http.MethodGet, "/api/v1/jobs/"+jobID, nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// WaitForCompletion polls a job until it leaves the pending and running states.
func (ac *AgentClient) WaitForCompletion(jobID string, timeout time.Duration) (*types.JobStatusResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for job %s", jobID)
		case <-ticker.C:
			status, err := ac.GetJobStatus(jobID)
			if err != nil {
				return nil, err
			}

			switch status.Status {
			case types.JobCompleted, types.JobFailed, types.JobCancelled:
				return status, nil
			}
		}
	}
}

// Run submits a job and waits for it to finish.
func (ac *AgentClient) Run(job *types.JobResponse, err error) (*types.JobStatusResponse, error) {
	if err != nil {
		return nil, err
	}
	return ac.WaitForCompletion(job.JobID, 10*time.Minute)
}
