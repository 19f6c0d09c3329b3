package libvirt

import (
	"testing"

	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const guestXML = `<domain type='kvm'>
  <name>guest-1</name>
  <devices>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2'/>
      <source file='/var/lib/libvirt/images/guest-1.qcow2'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='block' device='disk'>
      <source dev='/dev/mapper/data'/>
      <target dev='vdc' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <target dev='sda' bus='sata'/>
    </disk>
    <interface type='network'/>
  </devices>
</domain>`

func TestDomainDisks(t *testing.T) {
	disks, err := domainDisks(guestXML)

	require.NoError(t, err)
	assert.Equal(t, []attachedDisk{
		{Source: "/var/lib/libvirt/images/guest-1.qcow2", Attach: types.AttachData{Device: "/dev/vda", InstanceID: "guest-1"}},
		{Source: "/dev/mapper/data", Attach: types.AttachData{Device: "/dev/vdc", InstanceID: "guest-1"}},
		{Source: "", Attach: types.AttachData{Device: "/dev/sda", InstanceID: "guest-1"}},
	}, disks)
}

func TestDomainDisksInvalidXML(t *testing.T) {
	_, err := domainDisks("<domain>")
	assert.Error(t, err)
}

func TestDiskDefinition(t *testing.T) {
	def, err := diskDefinition("vol-1a2b3c4d", "/var/lib/libvirt/cloud-volumes/vol-1a2b3c4d", "/dev/vdb")
	require.NoError(t, err)

	assert.Contains(t, def, `<disk type="file" device="disk">`)
	assert.Contains(t, def, `<driver name="qemu" type="raw"></driver>`)
	assert.Contains(t, def, `<source file="/var/lib/libvirt/cloud-volumes/vol-1a2b3c4d"></source>`)
	assert.Contains(t, def, `<target dev="vdb" bus="virtio"></target>`)
	assert.Contains(t, def, `<serial>vol-1a2b3c4d</serial>`)

	// A definition parses back into the same attachment.
	disks, err := domainDisks("<domain><name>guest-1</name><devices>" + def + "</devices></domain>")
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.Equal(t, "/dev/vdb", disks[0].Attach.Device)
}
