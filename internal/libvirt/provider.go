// Package libvirt implements blockdevice.Provider on a libvirt storage pool,
// attaching pool volumes to local domains as virtio disks.
package libvirt

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/internal/retry"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

// AllocationUnit is the size granularity of pool volumes, one MiB.
const AllocationUnit = 1 << 20

const volumePrefix = "vol-"

const (
	codeVolumeNotFound   = "InvalidVolume.NotFound"
	codeInstanceNotFound = "InvalidInstanceID.NotFound"
	codeIncorrectState   = "IncorrectState"
	codeInvalidParameter = "InvalidParameterValue"
	codeVolumeInUse      = "VolumeInUse"
)

// VolumeInfo describes one storage pool volume
type VolumeInfo struct {
	Name     string
	Path     string
	Capacity uint64
}

// Hypervisor is the libvirt surface the provider drives. *Pool implements it.
type Hypervisor interface {
	CreateVolume(name string, capacity uint64) (VolumeInfo, error)
	DeleteVolume(name string) error
	LookupVolume(name string) (VolumeInfo, error)
	ListVolumes() ([]VolumeInfo, error)
	DomainXMLs() ([]string, error)
	DomainXML(name string) (string, error)
	AttachDisk(domain, diskXML string) error
	DetachDisk(domain, diskXML string) error
}

// Config holds libvirt provider settings
type Config struct {
	URI      string
	Pool     string
	PoolPath string
	// Instance is the domain the agent manages volumes for by default.
	Instance string
	Zone     string
	TagsDir  string
	Retry    retry.Config
}

// ConfigFromEnv reads LIBVIRT_URI, LIBVIRT_POOL, LIBVIRT_POOL_PATH,
// LIBVIRT_INSTANCE, LIBVIRT_ZONE, LIBVIRT_TAGS_DIR, LIBVIRT_RETRY_ATTEMPTS
// and LIBVIRT_RETRY_BACKOFF_MS.
func ConfigFromEnv() Config {
	cfg := Config{
		URI:      getEnv("LIBVIRT_URI", "qemu:///system"),
		Pool:     getEnv("LIBVIRT_POOL", "cloud-volumes"),
		Instance: os.Getenv("LIBVIRT_INSTANCE"),
		Zone:     getEnv("LIBVIRT_ZONE", "local"),
		TagsDir:  getEnv("LIBVIRT_TAGS_DIR", "/var/lib/cloud-volume-agent/tags"),
		Retry: retry.ParseConfig(
			os.Getenv("LIBVIRT_RETRY_ATTEMPTS"),
			os.Getenv("LIBVIRT_RETRY_BACKOFF_MS"),
			retry.DefaultConfig,
		),
	}
	cfg.PoolPath = getEnv("LIBVIRT_POOL_PATH", "/var/lib/libvirt/"+cfg.Pool)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Provider manages pool volumes and their attachment to domains.
type Provider struct {
	hv      Hypervisor
	tags    *TagStore
	zone    string
	devices []string
	logger  logrus.FieldLogger
}

// NewProvider creates a libvirt provider. Volumes report zone as their zone.
func NewProvider(hv Hypervisor, tags *TagStore, zone string) *Provider {
	return &Provider{
		hv:      hv,
		tags:    tags,
		zone:    zone,
		devices: blockdevice.DeviceNameRange("/dev/vd", 'b', 'z'),
		logger:  logrus.StandardLogger(),
	}
}

// CreateVolume implements blockdevice.Provider.
func (p *Provider) CreateVolume(_ context.Context, params blockdevice.CreateParams) (string, error) {
	if params.Size <= 0 {
		return "", &blockdevice.ProviderError{
			Code:    codeInvalidParameter,
			Message: fmt.Sprintf("invalid volume size %d", params.Size),
		}
	}
	if params.Zone != "" && params.Zone != p.zone {
		return "", &blockdevice.ProviderError{
			Code:    "InvalidZone.NotFound",
			Message: fmt.Sprintf("zone %q is not served by this hypervisor", params.Zone),
		}
	}

	id := volumePrefix + uuid.New().String()[:8]
	if err := p.tags.Save(id, params.Tags); err != nil {
		return "", &blockdevice.ProviderError{Message: err.Error(), Err: err}
	}
	if _, err := p.hv.CreateVolume(id, uint64(params.Size)); err != nil {
		p.dropTags(id)
		return "", err
	}
	return id, nil
}

// DeleteVolume implements blockdevice.Provider. Attached volumes are refused.
func (p *Provider) DeleteVolume(_ context.Context, id string) error {
	info, err := p.hv.LookupVolume(id)
	if err != nil {
		return err
	}
	attachments, err := p.attachments()
	if err != nil {
		return err
	}
	if _, ok := attachments[info.Path]; ok {
		return &blockdevice.ProviderError{Code: codeVolumeInUse, Message: fmt.Sprintf("volume %s is attached", id)}
	}

	if err := p.hv.DeleteVolume(id); err != nil {
		return err
	}
	p.dropTags(id)
	return nil
}

// dropTags removes the tags of a volume that no longer exists. A leftover
// file is harmless since ids are never reused.
func (p *Provider) dropTags(id string) {
	if err := p.tags.Delete(id); err != nil {
		p.logger.WithError(err).WithField("volume_id", id).Warn("Failed to remove volume tags")
	}
}

// AttachVolume implements blockdevice.Provider.
func (p *Provider) AttachVolume(_ context.Context, id, instanceID, device string) error {
	info, err := p.hv.LookupVolume(id)
	if err != nil {
		return err
	}
	attachments, err := p.attachments()
	if err != nil {
		return err
	}
	if a, ok := attachments[info.Path]; ok {
		return &blockdevice.ProviderError{
			Code:    codeIncorrectState,
			Message: fmt.Sprintf("volume %s is attached to %s", id, a.InstanceID),
		}
	}

	disk, err := diskDefinition(id, info.Path, device)
	if err != nil {
		return &blockdevice.ProviderError{Message: err.Error(), Err: err}
	}
	return p.hv.AttachDisk(instanceID, disk)
}

// DetachVolume implements blockdevice.Provider.
func (p *Provider) DetachVolume(_ context.Context, id string) error {
	info, err := p.hv.LookupVolume(id)
	if err != nil {
		return err
	}
	attachments, err := p.attachments()
	if err != nil {
		return err
	}
	a, ok := attachments[info.Path]
	if !ok {
		return &blockdevice.ProviderError{
			Code:    codeIncorrectState,
			Message: fmt.Sprintf("volume %s is not attached", id),
		}
	}

	disk, err := diskDefinition(id, info.Path, a.Device)
	if err != nil {
		return &blockdevice.ProviderError{Message: err.Error(), Err: err}
	}
	return p.hv.DetachDisk(a.InstanceID, disk)
}

// DescribeVolume implements blockdevice.Provider. Libvirt applies changes
// synchronously, so volumes are only ever available or in-use.
func (p *Provider) DescribeVolume(_ context.Context, id string) (*types.Volume, error) {
	if !strings.HasPrefix(id, volumePrefix) {
		return nil, &blockdevice.ProviderError{
			Code:     codeVolumeNotFound,
			Message:  fmt.Sprintf("the volume '%s' does not exist", id),
			NotFound: true,
		}
	}
	info, err := p.hv.LookupVolume(id)
	if err != nil {
		return nil, err
	}
	attachments, err := p.attachments()
	if err != nil {
		return nil, err
	}
	return p.volume(info, attachments)
}

// ListVolumes implements blockdevice.Provider.
func (p *Provider) ListVolumes(_ context.Context, tags map[string]string) ([]*types.Volume, error) {
	infos, err := p.hv.ListVolumes()
	if err != nil {
		return nil, err
	}
	attachments, err := p.attachments()
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	var volumes []*types.Volume
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, volumePrefix) {
			continue
		}
		vol, err := p.volume(info, attachments)
		if err != nil {
			return nil, err
		}
		if hasTags(vol.Tags, tags) {
			volumes = append(volumes, vol)
		}
	}
	return volumes, nil
}

// ListAttachedDevices implements blockdevice.Provider.
func (p *Provider) ListAttachedDevices(_ context.Context, instanceID string) ([]string, error) {
	desc, err := p.hv.DomainXML(instanceID)
	if err != nil {
		return nil, err
	}
	disks, err := domainDisks(desc)
	if err != nil {
		return nil, &blockdevice.ProviderError{Message: err.Error(), Err: err}
	}

	devices := make([]string, 0, len(disks))
	for _, d := range disks {
		devices = append(devices, d.Attach.Device)
	}
	sort.Strings(devices)
	return devices, nil
}

// DeviceNames implements blockdevice.Provider.
func (p *Provider) DeviceNames() []string {
	return append([]string(nil), p.devices...)
}

// AllocationUnit implements blockdevice.Provider.
func (p *Provider) AllocationUnit() int64 {
	return AllocationUnit
}

func (p *Provider) volume(info VolumeInfo, attachments map[string]types.AttachData) (*types.Volume, error) {
	tags, err := p.tags.Load(info.Name)
	if err != nil {
		return nil, &blockdevice.ProviderError{Message: err.Error(), Err: err}
	}

	vol := &types.Volume{
		ID:     info.Name,
		Size:   int64(info.Capacity),
		Zone:   p.zone,
		Status: types.StatusAvailable,
		Tags:   tags,
	}
	if a, ok := attachments[info.Path]; ok {
		vol.Status = types.StatusInUse
		vol.Attach = &a
	}
	return vol, nil
}

// attachments maps the source path of every disk of every domain to its
// attachment.
func (p *Provider) attachments() (map[string]types.AttachData, error) {
	descs, err := p.hv.DomainXMLs()
	if err != nil {
		return nil, err
	}

	out := make(map[string]types.AttachData)
	for _, desc := range descs {
		disks, err := domainDisks(desc)
		if err != nil {
			return nil, &blockdevice.ProviderError{Message: err.Error(), Err: err}
		}
		for _, d := range disks {
			if d.Source != "" {
				out[d.Source] = d.Attach
			}
		}
	}
	return out, nil
}

func hasTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
