package libvirt

import (
	"context"
	"errors"
	"fmt"

	"github.com/libvirt/libvirt-go"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/internal/retry"
	"github.com/sirupsen/logrus"
)

// Pool is a Hypervisor backed by a libvirt connection and one directory
// storage pool.
type Pool struct {
	conn     *libvirt.Connect
	poolName string
	poolPath string
}

var _ Hypervisor = (*Pool)(nil)

// Connect opens cfg.URI, retrying per cfg.Retry, and makes sure the storage
// pool exists and is active.
func Connect(ctx context.Context, cfg Config) (*Pool, error) {
	var conn *libvirt.Connect
	err := retry.WithRetry(ctx, cfg.Retry, func() error {
		c, err := libvirt.NewConnect(cfg.URI)
		if err != nil {
			logrus.WithError(err).WithField("uri", cfg.URI).Warn("Failed to connect to libvirt")
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}

	p := &Pool{
		conn:     conn,
		poolName: cfg.Pool,
		poolPath: cfg.PoolPath,
	}

	if err := p.ensurePool(); err != nil {
		_, _ = conn.Close()
		return nil, fmt.Errorf("failed to ensure pool exists: %w", err)
	}

	return p, nil
}

// Close closes the libvirt connection
func (p *Pool) Close() error {
	if p.conn != nil {
		if _, err := p.conn.Close(); err != nil {
			return fmt.Errorf("failed to close libvirt connection: %w", err)
		}
	}
	return nil
}

// ensurePool ensures the storage pool exists and is active
func (p *Pool) ensurePool() error {
	pool, err := p.conn.LookupStoragePoolByName(p.poolName)
	if err != nil {
		poolXML := fmt.Sprintf(`
<pool type="dir">
  <name>%s</name>
  <target>
    <path>%s</path>
  </target>
</pool>`, p.poolName, p.poolPath)

		pool, err = p.conn.StoragePoolDefineXML(poolXML, 0)
		if err != nil {
			return fmt.Errorf("failed to define storage pool: %w", err)
		}
		if err := pool.Build(libvirt.STORAGE_POOL_BUILD_NEW); err != nil {
			logrus.WithError(err).WithField("pool", p.poolName).Debug("Storage pool build skipped")
		}
	}
	defer func() { _ = pool.Free() }()

	active, err := pool.IsActive()
	if err != nil {
		return fmt.Errorf("failed to check pool active status: %w", err)
	}

	if !active {
		if err := pool.Create(0); err != nil {
			return fmt.Errorf("failed to start storage pool: %w", err)
		}
	}
	if err := pool.SetAutostart(true); err != nil {
		logrus.WithError(err).WithField("pool", p.poolName).Warn("Failed to set pool autostart")
	}
	return nil
}

func (p *Pool) pool() (*libvirt.StoragePool, error) {
	pool, err := p.conn.LookupStoragePoolByName(p.poolName)
	if err != nil {
		return nil, translate(err)
	}
	return pool, nil
}

// CreateVolume implements Hypervisor.
func (p *Pool) CreateVolume(name string, capacity uint64) (VolumeInfo, error) {
	pool, err := p.pool()
	if err != nil {
		return VolumeInfo{}, err
	}
	defer func() { _ = pool.Free() }()

	volumeXML := fmt.Sprintf(`
<volume>
  <name>%s</name>
  <capacity unit="bytes">%d</capacity>
  <target>
    <format type="raw"/>
  </target>
</volume>`, name, capacity)

	vol, err := pool.StorageVolCreateXML(volumeXML, 0)
	if err != nil {
		return VolumeInfo{}, translate(err)
	}
	defer func() { _ = vol.Free() }()

	return volumeInfo(name, vol)
}

// DeleteVolume implements Hypervisor.
func (p *Pool) DeleteVolume(name string) error {
	pool, err := p.pool()
	if err != nil {
		return err
	}
	defer func() { _ = pool.Free() }()

	vol, err := pool.LookupStorageVolByName(name)
	if err != nil {
		return translate(err)
	}
	defer func() { _ = vol.Free() }()

	if err := vol.Delete(libvirt.STORAGE_VOL_DELETE_NORMAL); err != nil {
		return translate(err)
	}
	return nil
}

// LookupVolume implements Hypervisor.
func (p *Pool) LookupVolume(name string) (VolumeInfo, error) {
	pool, err := p.pool()
	if err != nil {
		return VolumeInfo{}, err
	}
	defer func() { _ = pool.Free() }()

	vol, err := pool.LookupStorageVolByName(name)
	if err != nil {
		return VolumeInfo{}, translate(err)
	}
	defer func() { _ = vol.Free() }()

	return volumeInfo(name, vol)
}

// ListVolumes implements Hypervisor.
func (p *Pool) ListVolumes() ([]VolumeInfo, error) {
	pool, err := p.pool()
	if err != nil {
		return nil, err
	}
	defer func() { _ = pool.Free() }()

	if err := pool.Refresh(0); err != nil {
		return nil, translate(err)
	}
	vols, err := pool.ListAllStorageVolumes(0)
	if err != nil {
		return nil, translate(err)
	}

	infos := make([]VolumeInfo, 0, len(vols))
	for i := range vols {
		vol := &vols[i]
		name, err := vol.GetName()
		if err == nil {
			var info VolumeInfo
			info, err = volumeInfo(name, vol)
			if err == nil {
				infos = append(infos, info)
			}
		}
		_ = vol.Free()
		if err != nil {
			return nil, err
		}
	}
	return infos, nil
}

// DomainXMLs implements Hypervisor.
func (p *Pool) DomainXMLs() ([]string, error) {
	doms, err := p.conn.ListAllDomains(0)
	if err != nil {
		return nil, translate(err)
	}

	descs := make([]string, 0, len(doms))
	for i := range doms {
		desc, err := doms[i].GetXMLDesc(0)
		_ = doms[i].Free()
		if err != nil {
			return nil, translate(err)
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// DomainXML implements Hypervisor.
func (p *Pool) DomainXML(name string) (string, error) {
	dom, err := p.conn.LookupDomainByName(name)
	if err != nil {
		return "", translate(err)
	}
	defer func() { _ = dom.Free() }()

	desc, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", translate(err)
	}
	return desc, nil
}

// AttachDisk implements Hypervisor.
func (p *Pool) AttachDisk(domain, diskXML string) error {
	return p.modifyDomain(domain, func(dom *libvirt.Domain, flags libvirt.DomainDeviceModifyFlags) error {
		return dom.AttachDeviceFlags(diskXML, flags)
	})
}

// DetachDisk implements Hypervisor.
func (p *Pool) DetachDisk(domain, diskXML string) error {
	return p.modifyDomain(domain, func(dom *libvirt.Domain, flags libvirt.DomainDeviceModifyFlags) error {
		return dom.DetachDeviceFlags(diskXML, flags)
	})
}

// modifyDomain changes the persistent definition of a domain, and the
// running guest too when it is active.
func (p *Pool) modifyDomain(name string, fn func(*libvirt.Domain, libvirt.DomainDeviceModifyFlags) error) error {
	dom, err := p.conn.LookupDomainByName(name)
	if err != nil {
		return translate(err)
	}
	defer func() { _ = dom.Free() }()

	flags := libvirt.DOMAIN_DEVICE_MODIFY_CONFIG
	active, err := dom.IsActive()
	if err != nil {
		return translate(err)
	}
	if active {
		flags |= libvirt.DOMAIN_DEVICE_MODIFY_LIVE
	}
	return translate(fn(dom, flags))
}

func volumeInfo(name string, vol *libvirt.StorageVol) (VolumeInfo, error) {
	path, err := vol.GetPath()
	if err != nil {
		return VolumeInfo{}, translate(err)
	}
	info, err := vol.GetInfo()
	if err != nil {
		return VolumeInfo{}, translate(err)
	}
	return VolumeInfo{Name: name, Path: path, Capacity: info.Capacity}, nil
}

// translate converts libvirt errors into *blockdevice.ProviderError.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var lverr libvirt.Error
	if !errors.As(err, &lverr) {
		return &blockdevice.ProviderError{Message: err.Error(), Err: err}
	}

	perr := &blockdevice.ProviderError{
		Code:    fmt.Sprintf("libvirt.%d", int(lverr.Code)),
		Message: lverr.Message,
		Err:     err,
	}
	switch lverr.Code {
	case libvirt.ERR_NO_STORAGE_VOL:
		perr.Code = codeVolumeNotFound
		perr.NotFound = true
	case libvirt.ERR_NO_DOMAIN:
		perr.Code = codeInstanceNotFound
		perr.NotFound = true
	case libvirt.ERR_OPERATION_INVALID:
		perr.Code = codeIncorrectState
	}
	return perr
}
