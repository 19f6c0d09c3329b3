// Package blockdevice drives remote block-storage volumes through their
// lifecycle: create, attach, detach and destroy, each confirmed by polling
// the provider until the volume reaches the operation's end state.
package blockdevice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

// Tags identifying the owner of a volume.
const (
	ClusterTag = "cluster-id"
	DatasetTag = "dataset-id"
	NameTag    = "Name"
)

// DefaultTimeout bounds each lifecycle operation.
const DefaultTimeout = 5 * time.Minute

// Config holds facade configuration.
type Config struct {
	ClusterID    uuid.UUID
	Zone         string
	Timeout      time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       logrus.FieldLogger
	Observer     Observer
}

// API is the block-device facade used by the orchestrator. Calls block
// until the provider confirms the change, the timeout elapses or the
// volume is seen in a state outside the operation's flow.
type API struct {
	provider  Provider
	metadata  InstanceMetadata
	allocator *DeviceAllocator
	poller    *Poller
	clusterID uuid.UUID
	zone      string
	timeout   time.Duration
	clock     clock.Clock
	logger    logrus.FieldLogger
	observer  Observer
}

// NewAPI creates a facade for the cluster in cfg.
func NewAPI(provider Provider, metadata InstanceMetadata, cfg Config) (*API, error) {
	if cfg.ClusterID == uuid.Nil {
		return nil, fmt.Errorf("cluster id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	poller := NewPoller(cfg.PollInterval)
	poller.Clock = cfg.Clock
	poller.Logger = cfg.Logger
	poller.Observer = cfg.Observer

	return &API{
		provider:  provider,
		metadata:  metadata,
		allocator: NewDeviceAllocator(provider),
		poller:    poller,
		clusterID: cfg.ClusterID,
		zone:      cfg.Zone,
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
	}, nil
}

// ClusterID returns the cluster whose volumes this facade manages.
func (a *API) ClusterID() uuid.UUID {
	return a.clusterID
}

// AllocationUnit returns the granularity volume sizes are rounded up to.
func (a *API) AllocationUnit() int64 {
	return a.provider.AllocationUnit()
}

// CreateVolume creates a volume for datasetID and waits until it is available.
func (a *API) CreateVolume(ctx context.Context, datasetID uuid.UUID, size int64) (*types.Volume, error) {
	size = roundUp(size, a.provider.AllocationUnit())
	tags := map[string]string{
		ClusterTag: a.clusterID.String(),
		DatasetTag: datasetID.String(),
		NameTag:    "cloud-volume-" + datasetID.String(),
	}

	var id string
	err := a.call(ctx, "create_volume", "", func(ctx context.Context) error {
		var err error
		id, err = a.provider.CreateVolume(ctx, CreateParams{Size: size, Zone: a.zone, Tags: tags})
		return err
	})
	if err != nil {
		return nil, err
	}

	vol := &types.Volume{
		ID:        id,
		DatasetID: datasetID,
		Size:      size,
		Status:    FlowFor(OperationCreate).Start,
		Zone:      a.zone,
		Tags:      tags,
	}
	if err := a.poller.Wait(ctx, OperationCreate, vol, a.refresh, a.timeout); err != nil {
		return nil, err
	}
	return vol, nil
}

// DestroyVolume deletes a volume owned by this cluster and waits until the
// provider no longer reports it.
func (a *API) DestroyVolume(ctx context.Context, id string) error {
	vol, err := a.ownedVolume(ctx, OperationDestroy.String(), id)
	if err != nil {
		return err
	}
	if err := checkStart(OperationDestroy, vol); err != nil {
		return err
	}

	if err := a.call(ctx, "delete_volume", id, func(ctx context.Context) error {
		return a.provider.DeleteVolume(ctx, id)
	}); err != nil {
		return err
	}
	return a.poller.Wait(ctx, OperationDestroy, vol, a.refresh, a.timeout)
}

// AttachVolume attaches a volume to instanceID, or to the local instance
// when instanceID is empty, on the first free device path.
func (a *API) AttachVolume(ctx context.Context, id, instanceID string) (*types.Volume, error) {
	if instanceID == "" {
		local, err := a.ComputeInstanceID(ctx)
		if err != nil {
			return nil, err
		}
		instanceID = local
	}

	vol, err := a.ownedVolume(ctx, OperationAttach.String(), id)
	if err != nil {
		return nil, err
	}
	if vol.Attach != nil {
		return nil, &Error{Kind: ErrAlreadyAttached, Operation: OperationAttach.String(), VolumeID: id, Status: vol.Status}
	}
	if err := checkStart(OperationAttach, vol); err != nil {
		return nil, err
	}

	reserved, err := a.reservedDevices(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	var device string
	if err := a.call(ctx, "list_attached_devices", id, func(ctx context.Context) error {
		var err error
		device, err = a.allocator.NextDevice(ctx, instanceID, reserved)
		return err
	}); err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"volume_id":   id,
		"instance_id": instanceID,
		"device":      device,
	}).Info("Attaching volume")

	if err := a.call(ctx, "attach_volume", id, func(ctx context.Context) error {
		return a.provider.AttachVolume(ctx, id, instanceID, device)
	}); err != nil {
		return nil, err
	}
	if err := a.poller.Wait(ctx, OperationAttach, vol, a.refresh, a.timeout); err != nil {
		return nil, err
	}
	return vol, nil
}

// DetachVolume detaches a volume and waits until it is available again.
func (a *API) DetachVolume(ctx context.Context, id string) (*types.Volume, error) {
	vol, err := a.ownedVolume(ctx, OperationDetach.String(), id)
	if err != nil {
		return nil, err
	}
	if vol.Attach == nil {
		return nil, &Error{Kind: ErrUnattached, Operation: OperationDetach.String(), VolumeID: id, Status: vol.Status}
	}
	if err := checkStart(OperationDetach, vol); err != nil {
		return nil, err
	}

	if err := a.call(ctx, "detach_volume", id, func(ctx context.Context) error {
		return a.provider.DetachVolume(ctx, id)
	}); err != nil {
		return nil, err
	}
	if err := a.poller.Wait(ctx, OperationDetach, vol, a.refresh, a.timeout); err != nil {
		return nil, err
	}
	return vol, nil
}

// checkStart refuses to issue a provider request for a volume that is not in
// the operation's start status.
func checkStart(op Operation, vol *types.Volume) error {
	if vol.Status != FlowFor(op).Start {
		return &Error{Kind: ErrLogic, Operation: op.String(), VolumeID: vol.ID, Status: vol.Status}
	}
	return nil
}

// ListVolumes returns every volume tagged as belonging to this cluster.
func (a *API) ListVolumes(ctx context.Context) ([]*types.Volume, error) {
	var listed []*types.Volume
	err := a.call(ctx, "list_volumes", "", func(ctx context.Context) error {
		var err error
		listed, err = a.provider.ListVolumes(ctx, map[string]string{ClusterTag: a.clusterID.String()})
		return err
	})
	if err != nil {
		return nil, err
	}

	// The provider-side filter is only a hint; ownership is decided here.
	volumes := make([]*types.Volume, 0, len(listed))
	for _, vol := range listed {
		if vol.Status == types.StatusGone || !a.claim(vol) {
			continue
		}
		volumes = append(volumes, vol)
	}
	return volumes, nil
}

// DevicePath returns the device an owned volume is attached on.
func (a *API) DevicePath(ctx context.Context, id string) (string, error) {
	vol, err := a.ownedVolume(ctx, "device_path", id)
	if err != nil {
		return "", err
	}
	if vol.Attach == nil || vol.Attach.Device == "" {
		return "", &Error{Kind: ErrUnattached, Operation: "device_path", VolumeID: id, Status: vol.Status}
	}
	return vol.Attach.Device, nil
}

// ComputeInstanceID returns the id of the instance this process runs on.
func (a *API) ComputeInstanceID(ctx context.Context) (string, error) {
	var id string
	err := a.call(ctx, "instance_id", "", func(ctx context.Context) error {
		var err error
		id, err = a.metadata.InstanceID(ctx)
		return err
	})
	return id, err
}

// refresh is the RefreshFunc the facade hands to the poller.
func (a *API) refresh(ctx context.Context, vol *types.Volume) error {
	var current *types.Volume
	err := a.call(ctx, "describe_volume", vol.ID, func(ctx context.Context) error {
		var err error
		current, err = a.provider.DescribeVolume(ctx, vol.ID)
		return err
	})
	if err != nil {
		return err
	}

	vol.Status = current.Status
	vol.Attach = nil
	if current.Attach != nil {
		attach := *current.Attach
		vol.Attach = &attach
	}
	if current.Size > 0 {
		vol.Size = current.Size
	}
	if current.Zone != "" {
		vol.Zone = current.Zone
	}
	if current.Tags != nil {
		vol.Tags = current.Tags
	}
	return nil
}

// ownedVolume describes id and fails with ErrNotFound unless it belongs to
// this cluster.
func (a *API) ownedVolume(ctx context.Context, op, id string) (*types.Volume, error) {
	var vol *types.Volume
	err := a.call(ctx, "describe_volume", id, func(ctx context.Context) error {
		var err error
		vol, err = a.provider.DescribeVolume(ctx, id)
		return err
	})
	if err != nil {
		var opErr *Error
		if errors.As(err, &opErr) {
			opErr.Operation = op
		}
		return nil, err
	}
	if vol.Status == types.StatusGone || !a.claim(vol) {
		return nil, &Error{Kind: ErrNotFound, Operation: op, VolumeID: id}
	}
	return vol, nil
}

// claim reports whether vol is tagged for this cluster and records its
// dataset id. Volumes without a valid dataset tag are never ours.
func (a *API) claim(vol *types.Volume) bool {
	if vol.Tags[ClusterTag] != a.clusterID.String() {
		return false
	}
	datasetID, err := uuid.Parse(vol.Tags[DatasetTag])
	if err != nil {
		return false
	}
	vol.DatasetID = datasetID
	return true
}

// reservedDevices returns devices held by this cluster's volumes on instanceID.
func (a *API) reservedDevices(ctx context.Context, instanceID string) (map[string]bool, error) {
	volumes, err := a.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	reserved := make(map[string]bool)
	for _, vol := range volumes {
		if vol.Attach != nil && vol.Attach.InstanceID == instanceID && vol.Attach.Device != "" {
			reserved[vol.Attach.Device] = true
		}
	}
	return reserved, nil
}

// call runs one provider request. Failures are logged with the provider's
// code, message and request id and returned as *Error.
func (a *API) call(ctx context.Context, operation, volumeID string, fn func(context.Context) error) error {
	log := a.logger.WithFields(logrus.Fields{
		"operation": operation,
		"volume_id": volumeID,
	})
	log.Debug("Provider request")

	started := a.clock.Now()
	err := fn(ctx)
	elapsed := a.clock.Now().Sub(started)

	if err == nil {
		a.observer.ProviderRequest(operation, "success", elapsed)
		return nil
	}

	var opErr *Error
	if errors.As(err, &opErr) {
		a.observer.ProviderRequest(operation, KindName(err), elapsed)
		return err
	}

	perr := &ProviderError{}
	if !errors.As(err, &perr) {
		perr = &ProviderError{Message: err.Error(), Err: err}
	}

	kind := ErrProvider
	if errors.Is(err, ErrNotFound) {
		kind = ErrNotFound
	}
	a.observer.ProviderRequest(operation, KindName(kind), elapsed)

	entry := log.WithFields(logrus.Fields{
		"aws_code":       perr.Code,
		"aws_message":    perr.Message,
		"aws_request_id": perr.RequestID,
	}).WithError(err)
	if kind == ErrNotFound {
		entry.Debug("Provider reported volume missing")
	} else {
		entry.Error("Provider request failed")
	}

	return &Error{
		Kind:      kind,
		Operation: operation,
		VolumeID:  volumeID,
		Code:      perr.Code,
		Message:   perr.Message,
		RequestID: perr.RequestID,
		Err:       err,
	}
}

// roundUp rounds size up to a multiple of unit. Non-positive sizes are
// passed through for the provider to reject.
func roundUp(size, unit int64) int64 {
	if size <= 0 || unit <= 0 {
		return size
	}
	if rem := size % unit; rem != 0 {
		size += unit - rem
	}
	return size
}
