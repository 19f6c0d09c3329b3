package libvirt

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/rossigee/cloud-volume-agent/pkg/types"
)

// domainXML is the part of a libvirt domain description the provider reads.
type domainXML struct {
	XMLName xml.Name  `xml:"domain"`
	Name    string    `xml:"name"`
	Disks   []diskXML `xml:"devices>disk"`
}

type diskXML struct {
	XMLName xml.Name   `xml:"disk"`
	Type    string     `xml:"type,attr"`
	Device  string     `xml:"device,attr"`
	Driver  *driverXML `xml:"driver,omitempty"`
	Source  *sourceXML `xml:"source,omitempty"`
	Target  targetXML  `xml:"target"`
	Serial  string     `xml:"serial,omitempty"`
}

type driverXML struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type sourceXML struct {
	File string `xml:"file,attr,omitempty"`
	Dev  string `xml:"dev,attr,omitempty"`
}

type targetXML struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr,omitempty"`
}

// diskDefinition returns the <disk> element attaching the volume at path
// as device. The volume id goes into the serial so the guest can find it
// under /dev/disk/by-id.
func diskDefinition(volumeID, path, device string) (string, error) {
	disk := diskXML{
		Type:   "file",
		Device: "disk",
		Driver: &driverXML{Name: "qemu", Type: "raw"},
		Source: &sourceXML{File: path},
		Target: targetXML{Dev: strings.TrimPrefix(device, "/dev/"), Bus: "virtio"},
		Serial: volumeID,
	}
	out, err := xml.Marshal(disk)
	if err != nil {
		return "", fmt.Errorf("failed to marshal disk definition: %w", err)
	}
	return string(out), nil
}

// attachedDisk is one disk of a domain.
type attachedDisk struct {
	Source string
	Attach types.AttachData
}

// domainDisks parses a domain description and returns every disk it holds,
// cdroms included.
func domainDisks(desc string) ([]attachedDisk, error) {
	var dom domainXML
	if err := xml.Unmarshal([]byte(desc), &dom); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}

	disks := make([]attachedDisk, 0, len(dom.Disks))
	for _, d := range dom.Disks {
		var source string
		if d.Source != nil {
			source = d.Source.File
			if source == "" {
				source = d.Source.Dev
			}
		}
		disks = append(disks, attachedDisk{
			Source: source,
			Attach: types.AttachData{Device: "/dev/" + d.Target.Dev, InstanceID: dom.Name},
		})
	}
	return disks, nil
}
