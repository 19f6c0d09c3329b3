package ebs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// IdentityClient is the part of the IMDS client Metadata needs.
type IdentityClient interface {
	GetInstanceIdentityDocument(ctx context.Context, in *imds.GetInstanceIdentityDocumentInput, opts ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// Metadata reads the local instance identity from the EC2 metadata service.
type Metadata struct {
	client IdentityClient
}

// Identity is what the agent needs to know about the instance it runs on
type Identity struct {
	InstanceID string
	Region     string
	Zone       string
}

// Identity fetches the instance identity document.
func (m *Metadata) Identity(ctx context.Context) (Identity, error) {
	out, err := m.client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read instance identity: %w", err)
	}
	return Identity{
		InstanceID: out.InstanceID,
		Region:     out.Region,
		Zone:       out.AvailabilityZone,
	}, nil
}

// InstanceID implements blockdevice.InstanceMetadata.
func (m *Metadata) InstanceID(ctx context.Context) (string, error) {
	id, err := m.Identity(ctx)
	if err != nil {
		return "", err
	}
	return id.InstanceID, nil
}
