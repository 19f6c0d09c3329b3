package blockdevice

import (
	"context"

	"github.com/rossigee/cloud-volume-agent/pkg/types"
)

// CreateParams describes a volume to create.
type CreateParams struct {
	Size int64
	Zone string
	Tags map[string]string
}

// Provider is the cloud block-storage API the facade drives. Failed calls
// return *ProviderError; calls against an unknown volume return an error
// matching ErrNotFound.
type Provider interface {
	// CreateVolume requests a new volume and returns its id without
	// waiting for it to become usable.
	CreateVolume(ctx context.Context, params CreateParams) (string, error)
	DeleteVolume(ctx context.Context, id string) error
	AttachVolume(ctx context.Context, id, instanceID, device string) error
	DetachVolume(ctx context.Context, id string) error
	DescribeVolume(ctx context.Context, id string) (*types.Volume, error)
	// ListVolumes returns volumes carrying all of the given tags.
	ListVolumes(ctx context.Context, tags map[string]string) ([]*types.Volume, error)
	// ListAttachedDevices returns device paths in use on an instance.
	ListAttachedDevices(ctx context.Context, instanceID string) ([]string, error)
	// DeviceNames returns the ordered device paths attach may use.
	DeviceNames() []string
	// AllocationUnit is the granularity volume sizes are rounded up to.
	AllocationUnit() int64
}

// InstanceMetadata resolves the compute instance this process runs on.
type InstanceMetadata interface {
	InstanceID(ctx context.Context) (string, error)
}

// StaticInstance is an InstanceMetadata with a fixed answer.
type StaticInstance string

func (s StaticInstance) InstanceID(context.Context) (string, error) {
	return string(s), nil
}
