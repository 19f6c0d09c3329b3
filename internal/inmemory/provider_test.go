package inmemory

import (
	"context"
	"errors"
	"testing"

	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func describeStatuses(t *testing.T, p *Provider, id string, n int) []types.VolumeStatus {
	t.Helper()
	var out []types.VolumeStatus
	for i := 0; i < n; i++ {
		vol, err := p.DescribeVolume(context.Background(), id)
		if errors.Is(err, blockdevice.ErrNotFound) {
			out = append(out, types.StatusGone)
			continue
		}
		require.NoError(t, err)
		out = append(out, vol.Status)
	}
	return out
}

func TestNewDefaults(t *testing.T) {
	p := New(Options{})

	assert.Equal(t, int64(DefaultAllocationUnit), p.AllocationUnit())
	assert.Len(t, p.DeviceNames(), 11)
	assert.Equal(t, "/dev/sdf", p.DeviceNames()[0])
}

func TestCreateVolumeStages(t *testing.T) {
	p := New(Options{Lag: 1, Transient: 2})

	id, err := p.CreateVolume(context.Background(), blockdevice.CreateParams{Size: 1 << 20})
	require.NoError(t, err)

	assert.Equal(t, []types.VolumeStatus{
		types.StatusGone,
		types.StatusCreating,
		types.StatusCreating,
		types.StatusAvailable,
		types.StatusAvailable,
	}, describeStatuses(t, p, id, 5))
}

func TestCreateVolumeValidation(t *testing.T) {
	p := New(Options{Zone: "us-west-2b"})

	_, err := p.CreateVolume(context.Background(), blockdevice.CreateParams{Size: 0, Zone: "us-west-2b"})
	var perr *blockdevice.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "InvalidParameterValue", perr.Code)

	_, err = p.CreateVolume(context.Background(), blockdevice.CreateParams{Size: 1, Zone: "elsewhere"})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "InvalidZone.NotFound", perr.Code)
	assert.False(t, perr.NotFound)
}

func TestAttachDetachStages(t *testing.T) {
	p := New(Options{Transient: 1})
	ctx := context.Background()
	id, err := p.CreateVolume(ctx, blockdevice.CreateParams{Size: 1})
	require.NoError(t, err)
	describeStatuses(t, p, id, 2)

	require.NoError(t, p.AttachVolume(ctx, id, "i-xyz", "/dev/sdf"))

	vol, err := p.DescribeVolume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAttaching, vol.Status)
	vol, err = p.DescribeVolume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInUse, vol.Status)
	assert.Equal(t, &types.AttachData{Device: "/dev/sdf", InstanceID: "i-xyz"}, vol.Attach)

	devices, err := p.ListAttachedDevices(ctx, "i-xyz")
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/sdf"}, devices)

	require.NoError(t, p.DetachVolume(ctx, id))
	assert.Equal(t, []types.VolumeStatus{types.StatusDetaching, types.StatusAvailable}, describeStatuses(t, p, id, 2))

	devices, err = p.ListAttachedDevices(ctx, "i-xyz")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestAttachRejections(t *testing.T) {
	p := New(Options{})
	ctx := context.Background()
	p.SetAttachedDevices("i-xyz", []string{"/dev/sdf"})
	id, err := p.CreateVolume(ctx, blockdevice.CreateParams{Size: 1})
	require.NoError(t, err)

	err = p.AttachVolume(ctx, id, "i-xyz", "/dev/sdf")
	var perr *blockdevice.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "InvalidParameterValue", perr.Code)

	require.NoError(t, p.AttachVolume(ctx, id, "i-xyz", "/dev/sdg"))
	err = p.AttachVolume(ctx, id, "i-xyz", "/dev/sdh")
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "IncorrectState", perr.Code)

	assert.Error(t, p.DeleteVolume(ctx, id))
}

func TestDetachUnattached(t *testing.T) {
	p := New(Options{})
	id, err := p.CreateVolume(context.Background(), blockdevice.CreateParams{Size: 1})
	require.NoError(t, err)

	err = p.DetachVolume(context.Background(), id)
	var perr *blockdevice.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "IncorrectState", perr.Code)
}

func TestDeleteVolume(t *testing.T) {
	p := New(Options{Transient: 1})
	ctx := context.Background()
	id, err := p.CreateVolume(ctx, blockdevice.CreateParams{Size: 1})
	require.NoError(t, err)
	describeStatuses(t, p, id, 2)

	require.NoError(t, p.DeleteVolume(ctx, id))
	assert.Equal(t, []types.VolumeStatus{types.StatusDeleting, types.StatusGone, types.StatusGone},
		describeStatuses(t, p, id, 3))

	err = p.DeleteVolume(ctx, id)
	assert.ErrorIs(t, err, blockdevice.ErrNotFound)
}

func TestListVolumesFiltersByTags(t *testing.T) {
	p := New(Options{Lag: 1})
	ctx := context.Background()

	a, err := p.CreateVolume(ctx, blockdevice.CreateParams{Size: 1, Tags: map[string]string{"cluster-id": "a"}})
	require.NoError(t, err)
	b, err := p.CreateVolume(ctx, blockdevice.CreateParams{Size: 1, Tags: map[string]string{"cluster-id": "b"}})
	require.NoError(t, err)

	// Not yet visible to describe, so not listed either.
	listed, err := p.ListVolumes(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, listed)

	describeStatuses(t, p, a, 1)
	describeStatuses(t, p, b, 1)

	listed, err = p.ListVolumes(ctx, map[string]string{"cluster-id": "a"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, a, listed[0].ID)

	listed, err = p.ListVolumes(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestSetStatus(t *testing.T) {
	p := New(Options{})
	p.AddVolume(&types.Volume{ID: "vol-1", Status: types.StatusAvailable})

	p.SetStatus("vol-1", types.StatusError)

	vol, err := p.DescribeVolume(context.Background(), "vol-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, vol.Status)
}

func TestFailNext(t *testing.T) {
	p := New(Options{})
	boom := errors.New("boom")
	p.FailNext("list", boom)

	_, err := p.ListVolumes(context.Background(), nil)
	assert.ErrorIs(t, err, boom)

	_, err = p.ListVolumes(context.Background(), nil)
	assert.NoError(t, err)
}

func TestDescribeUnknownVolume(t *testing.T) {
	_, err := New(Options{}).DescribeVolume(context.Background(), "vol-missing")

	var perr *blockdevice.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.NotFound)
	assert.Equal(t, "InvalidVolume.NotFound", perr.Code)
}
