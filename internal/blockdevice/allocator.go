package blockdevice

import (
	"context"
	"fmt"
	"sort"
)

// DeviceNameRange returns prefix+suffix for every suffix from first to last.
// DeviceNameRange("/dev/sd", 'f', 'p') yields /dev/sdf through /dev/sdp.
func DeviceNameRange(prefix string, first, last byte) []string {
	var names []string
	for c := first; c <= last; c++ {
		names = append(names, prefix+string(c))
	}
	return names
}

// DeviceAllocator picks free device paths for attach operations.
type DeviceAllocator struct {
	provider Provider
	allowed  []string
}

// NewDeviceAllocator returns an allocator over the provider's device names.
func NewDeviceAllocator(provider Provider) *DeviceAllocator {
	allowed := append([]string(nil), provider.DeviceNames()...)
	sort.Strings(allowed)
	return &DeviceAllocator{provider: provider, allowed: allowed}
}

// NextDevice returns the first allowed device path that is neither in
// reserved nor reported in use on instanceID by the provider. The provider
// is asked because its view can be ahead of the caller's.
func (a *DeviceAllocator) NextDevice(ctx context.Context, instanceID string, reserved map[string]bool) (string, error) {
	attached, err := a.provider.ListAttachedDevices(ctx, instanceID)
	if err != nil {
		return "", err
	}

	inUse := make(map[string]bool, len(reserved)+len(attached))
	for device := range reserved {
		inUse[device] = true
	}
	for _, device := range attached {
		inUse[device] = true
	}

	for _, device := range a.allowed {
		if !inUse[device] {
			return device, nil
		}
	}
	return "", &Error{
		Kind:      ErrCapacity,
		Operation: OperationAttach.String(),
		Err:       fmt.Errorf("all %d devices in use on instance %s", len(a.allowed), instanceID),
	}
}
