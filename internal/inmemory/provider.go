// Package inmemory provides an in-process block-storage provider. It keeps
// the provider's own bookkeeping current but lets describe calls trail
// behind it, reporting the old status and the transient status for a
// configurable number of calls the way an eventually consistent cloud API does.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
)

// DefaultAllocationUnit is one MiB.
const DefaultAllocationUnit = 1 << 20

// Options configures a Provider
type Options struct {
	// Zone volumes are created in. Create calls naming another zone fail.
	Zone string
	// Lag is how many describe calls keep reporting the previous status
	// after a mutation.
	Lag int
	// Transient is how many describe calls report the transient status
	// before the end status.
	Transient      int
	AllocationUnit int64
	Devices        []string
}

// stage is one describe-visible snapshot of a volume.
type stage struct {
	status types.VolumeStatus
	attach *types.AttachData
}

type record struct {
	vol    *types.Volume
	stages []stage // stages[0] is what describe reports next
}

func (r *record) final() stage {
	return r.stages[len(r.stages)-1]
}

// Provider is an in-memory blockdevice.Provider
type Provider struct {
	opts    Options
	mu      sync.Mutex
	volumes map[string]*record
	devices map[string][]string // devices attached outside this provider, per instance
	failing map[string]error
}

// New creates an empty provider.
func New(opts Options) *Provider {
	if opts.AllocationUnit <= 0 {
		opts.AllocationUnit = DefaultAllocationUnit
	}
	if len(opts.Devices) == 0 {
		opts.Devices = blockdevice.DeviceNameRange("/dev/sd", 'f', 'p')
	}
	return &Provider{
		opts:    opts,
		volumes: make(map[string]*record),
		devices: make(map[string][]string),
		failing: make(map[string]error),
	}
}

// AddVolume stores vol as-is, for volumes created outside the facade.
func (p *Provider) AddVolume(vol *types.Volume) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[vol.ID] = &record{
		vol:    vol.Copy(),
		stages: []stage{{status: vol.Status, attach: copyAttach(vol.Attach)}},
	}
}

// SetAttachedDevices records devices in use on an instance that no volume
// of this provider accounts for, such as a root disk.
func (p *Provider) SetAttachedDevices(instanceID string, devices []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[instanceID] = append([]string(nil), devices...)
}

// SetStatus makes every following describe of id report status.
func (p *Provider) SetStatus(id string, status types.VolumeStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.volumes[id]; ok {
		rec.stages = []stage{{status: status, attach: copyAttach(rec.final().attach)}}
	}
}

// FailNext makes the next call of operation return err.
func (p *Provider) FailNext(operation string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[operation] = err
}

func (p *Provider) takeFailure(operation string) error {
	err, ok := p.failing[operation]
	if ok {
		delete(p.failing, operation)
	}
	return err
}

// transition schedules describe-visible stages ending at end.
func (p *Provider) transition(rec *record, transient types.VolumeStatus, transientAttach *types.AttachData, end stage) {
	from := rec.final()
	var stages []stage
	for i := 0; i < p.opts.Lag; i++ {
		stages = append(stages, from)
	}
	for i := 0; i < p.opts.Transient; i++ {
		stages = append(stages, stage{status: transient, attach: copyAttach(transientAttach)})
	}
	rec.stages = append(stages, end)
}

// CreateVolume implements blockdevice.Provider.
func (p *Provider) CreateVolume(_ context.Context, params blockdevice.CreateParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("create"); err != nil {
		return "", err
	}
	if params.Size <= 0 {
		return "", &blockdevice.ProviderError{
			Code:    "InvalidParameterValue",
			Message: fmt.Sprintf("invalid volume size %d", params.Size),
		}
	}
	if p.opts.Zone != "" && params.Zone != p.opts.Zone {
		return "", &blockdevice.ProviderError{
			Code:    "InvalidZone.NotFound",
			Message: fmt.Sprintf("zone %q does not exist", params.Zone),
		}
	}

	id := "vol-" + uuid.New().String()[:8]
	tags := make(map[string]string, len(params.Tags))
	for k, v := range params.Tags {
		tags[k] = v
	}
	rec := &record{
		vol: &types.Volume{
			ID:   id,
			Size: params.Size,
			Zone: params.Zone,
			Tags: tags,
		},
		stages: []stage{{status: types.StatusGone}},
	}
	p.transition(rec, types.StatusCreating, nil, stage{status: types.StatusAvailable})
	p.volumes[id] = rec
	return id, nil
}

// DeleteVolume implements blockdevice.Provider.
func (p *Provider) DeleteVolume(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("delete"); err != nil {
		return err
	}
	rec, err := p.lookup(id)
	if err != nil {
		return err
	}
	if rec.final().attach != nil {
		return &blockdevice.ProviderError{Code: "VolumeInUse", Message: fmt.Sprintf("volume %s is attached", id)}
	}
	p.transition(rec, types.StatusDeleting, nil, stage{status: types.StatusGone})
	return nil
}

// AttachVolume implements blockdevice.Provider.
func (p *Provider) AttachVolume(_ context.Context, id, instanceID, device string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("attach"); err != nil {
		return err
	}
	rec, err := p.lookup(id)
	if err != nil {
		return err
	}
	if rec.final().status != types.StatusAvailable {
		return &blockdevice.ProviderError{
			Code:    "IncorrectState",
			Message: fmt.Sprintf("volume %s is %s", id, rec.final().status),
		}
	}
	for _, used := range p.attachedDevices(instanceID) {
		if used == device {
			return &blockdevice.ProviderError{
				Code:    "InvalidParameterValue",
				Message: fmt.Sprintf("device %s already in use on %s", device, instanceID),
			}
		}
	}

	attach := &types.AttachData{Device: device, InstanceID: instanceID}
	p.transition(rec, types.StatusAttaching, attach, stage{status: types.StatusInUse, attach: attach})
	return nil
}

// DetachVolume implements blockdevice.Provider.
func (p *Provider) DetachVolume(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("detach"); err != nil {
		return err
	}
	rec, err := p.lookup(id)
	if err != nil {
		return err
	}
	final := rec.final()
	if final.attach == nil {
		return &blockdevice.ProviderError{
			Code:    "IncorrectState",
			Message: fmt.Sprintf("volume %s is not attached", id),
		}
	}
	p.transition(rec, types.StatusDetaching, final.attach, stage{status: types.StatusAvailable})
	return nil
}

// DescribeVolume implements blockdevice.Provider. Each call advances the
// volume one stage towards its current state.
func (p *Provider) DescribeVolume(_ context.Context, id string) (*types.Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("describe"); err != nil {
		return nil, err
	}
	rec, ok := p.volumes[id]
	if !ok {
		return nil, notFound(id)
	}

	current := rec.stages[0]
	if len(rec.stages) > 1 {
		rec.stages = rec.stages[1:]
	} else if current.status == types.StatusGone {
		delete(p.volumes, id)
	}
	if current.status == types.StatusGone {
		return nil, notFound(id)
	}
	return snapshot(rec.vol, current), nil
}

// ListVolumes implements blockdevice.Provider. Listing does not advance
// any volume.
func (p *Provider) ListVolumes(_ context.Context, tags map[string]string) ([]*types.Volume, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("list"); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(p.volumes))
	for id := range p.volumes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*types.Volume
	for _, id := range ids {
		rec := p.volumes[id]
		if rec.stages[0].status == types.StatusGone || !hasTags(rec.vol.Tags, tags) {
			continue
		}
		out = append(out, snapshot(rec.vol, rec.stages[0]))
	}
	return out, nil
}

// ListAttachedDevices implements blockdevice.Provider.
func (p *Provider) ListAttachedDevices(_ context.Context, instanceID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("devices"); err != nil {
		return nil, err
	}
	return p.attachedDevices(instanceID), nil
}

// DeviceNames implements blockdevice.Provider.
func (p *Provider) DeviceNames() []string {
	return append([]string(nil), p.opts.Devices...)
}

// AllocationUnit implements blockdevice.Provider.
func (p *Provider) AllocationUnit() int64 {
	return p.opts.AllocationUnit
}

func (p *Provider) lookup(id string) (*record, error) {
	rec, ok := p.volumes[id]
	if !ok || rec.final().status == types.StatusGone {
		return nil, notFound(id)
	}
	return rec, nil
}

func (p *Provider) attachedDevices(instanceID string) []string {
	devices := append([]string(nil), p.devices[instanceID]...)
	for _, rec := range p.volumes {
		if a := rec.final().attach; a != nil && a.InstanceID == instanceID {
			devices = append(devices, a.Device)
		}
	}
	sort.Strings(devices)
	return devices
}

func snapshot(vol *types.Volume, s stage) *types.Volume {
	out := vol.Copy()
	out.Status = s.status
	out.Attach = copyAttach(s.attach)
	return out
}

func hasTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func copyAttach(a *types.AttachData) *types.AttachData {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

func notFound(id string) error {
	return &blockdevice.ProviderError{
		Code:     "InvalidVolume.NotFound",
		Message:  fmt.Sprintf("the volume '%s' does not exist", id),
		NotFound: true,
	}
}
