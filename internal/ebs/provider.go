// Package ebs implements blockdevice.Provider on Amazon EBS.
package ebs

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rossigee/cloud-volume-agent/internal/blockdevice"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
)

// AllocationUnit is the EBS size granularity, one GiB.
const AllocationUnit = 1 << 30

// DefaultVolumeType is used for every created volume.
const DefaultVolumeType = ec2types.VolumeTypeGp3

// Provider manages EBS volumes through the EC2 API.
type Provider struct {
	client  EC2Client
	devices []string
}

// NewProvider creates an EBS provider.
func NewProvider(client EC2Client) *Provider {
	return &Provider{
		client:  client,
		devices: blockdevice.DeviceNameRange("/dev/sd", 'f', 'p'),
	}
}

// CreateVolume implements blockdevice.Provider.
func (p *Provider) CreateVolume(ctx context.Context, params blockdevice.CreateParams) (string, error) {
	tags := make([]ec2types.Tag, 0, len(params.Tags))
	for _, k := range sortedKeys(params.Tags) {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(params.Tags[k])})
	}

	gib := params.Size / AllocationUnit
	if gib > math.MaxInt32 {
		return "", &blockdevice.ProviderError{
			Code:    "InvalidParameterValue",
			Message: fmt.Sprintf("volume size %d GiB exceeds the EC2 size field", gib),
		}
	}

	out, err := p.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(params.Zone),
		Size:             aws.Int32(int32(gib)),
		VolumeType:       DefaultVolumeType,
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags:         tags,
		}},
	})
	if err != nil {
		return "", translate(err)
	}
	return aws.ToString(out.VolumeId), nil
}

// DeleteVolume implements blockdevice.Provider.
func (p *Provider) DeleteVolume(ctx context.Context, id string) error {
	_, err := p.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(id)})
	return translate(err)
}

// AttachVolume implements blockdevice.Provider.
func (p *Provider) AttachVolume(ctx context.Context, id, instanceID, device string) error {
	_, err := p.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(id),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	return translate(err)
}

// DetachVolume implements blockdevice.Provider.
func (p *Provider) DetachVolume(ctx context.Context, id string) error {
	_, err := p.client.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: aws.String(id)})
	return translate(err)
}

// DescribeVolume implements blockdevice.Provider. EBS keeps reporting
// deleted volumes for a while; those are reported as not found.
func (p *Provider) DescribeVolume(ctx context.Context, id string) (*types.Volume, error) {
	out, err := p.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{id}})
	if err != nil {
		return nil, translate(err)
	}
	for _, v := range out.Volumes {
		if aws.ToString(v.VolumeId) != id {
			continue
		}
		if v.State == ec2types.VolumeStateDeleted {
			return nil, volumeNotFound(id)
		}
		return fromEC2(v), nil
	}
	return nil, volumeNotFound(id)
}

// ListVolumes implements blockdevice.Provider.
func (p *Provider) ListVolumes(ctx context.Context, tags map[string]string) ([]*types.Volume, error) {
	input := &ec2.DescribeVolumesInput{}
	for _, k := range sortedKeys(tags) {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{tags[k]},
		})
	}

	var volumes []*types.Volume
	paginator := ec2.NewDescribeVolumesPaginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, translate(err)
		}
		for _, v := range page.Volumes {
			if v.State == ec2types.VolumeStateDeleted {
				continue
			}
			volumes = append(volumes, fromEC2(v))
		}
	}
	return volumes, nil
}

// ListAttachedDevices implements blockdevice.Provider. Xen style names
// (/dev/xvdf) are reported as their /dev/sdX equivalent.
func (p *Provider) ListAttachedDevices(ctx context.Context, instanceID string) ([]string, error) {
	out, err := p.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return nil, translate(err)
	}

	seen := make(map[string]bool)
	found := false
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != instanceID {
				continue
			}
			found = true
			if root := aws.ToString(inst.RootDeviceName); root != "" {
				seen[normalizeDevice(root)] = true
			}
			for _, m := range inst.BlockDeviceMappings {
				if name := aws.ToString(m.DeviceName); name != "" {
					seen[normalizeDevice(name)] = true
				}
			}
		}
	}
	if !found {
		return nil, &blockdevice.ProviderError{
			Code:     "InvalidInstanceID.NotFound",
			Message:  fmt.Sprintf("The instance ID '%s' does not exist", instanceID),
			NotFound: true,
		}
	}
	devices := make([]string, 0, len(seen))
	for d := range seen {
		devices = append(devices, d)
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

// fromEC2 maps an EC2 volume onto the provider-neutral record. EC2 reports
// in-use for the whole of an attach or detach; the attachment state tells
// the phases apart.
func fromEC2(v ec2types.Volume) *types.Volume {
	vol := &types.Volume{
		ID:     aws.ToString(v.VolumeId),
		Size:   int64(aws.ToInt32(v.Size)) * AllocationUnit,
		Zone:   aws.ToString(v.AvailabilityZone),
		Status: types.VolumeStatus(v.State),
		Tags:   make(map[string]string, len(v.Tags)),
	}
	for _, t := range v.Tags {
		vol.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	if len(v.Attachments) == 0 {
		return vol
	}
	a := currentAttachment(v.Attachments)
	attach := &types.AttachData{
		Device:     aws.ToString(a.Device),
		InstanceID: aws.ToString(a.InstanceId),
	}

	switch a.State {
	case ec2types.VolumeAttachmentStateAttaching:
		if vol.Status == types.StatusInUse {
			vol.Status = types.StatusAttaching
		}
		vol.Attach = attach
	case ec2types.VolumeAttachmentStateDetaching, ec2types.VolumeAttachmentStateDetached:
		if vol.Status == types.StatusInUse {
			vol.Status = types.StatusDetaching
			vol.Attach = attach
		}
	default:
		vol.Attach = attach
	}
	return vol
}

// currentAttachment returns the first attachment that is not detached.
// Volumes are created as gp3, which cannot be multi-attached, so more than
// one entry only shows up while a stale detached record lingers.
func currentAttachment(attachments []ec2types.VolumeAttachment) ec2types.VolumeAttachment {
	for _, a := range attachments {
		if a.State != ec2types.VolumeAttachmentStateDetached {
			return a
		}
	}
	return attachments[0]
}

func normalizeDevice(name string) string {
	if strings.HasPrefix(name, "/dev/xvd") {
		return "/dev/sd" + strings.TrimPrefix(name, "/dev/xvd")
	}
	return name
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
