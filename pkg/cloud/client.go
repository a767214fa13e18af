package cloud

import "context"

// Client is the facade over the provider's compute, block-storage, network
// and metering APIs. Implementations translate every provider failure into
// *Error, preserving *NotFoundError where callers detect absence.
//
// All list calls are scoped to the authenticated tenant.
type Client interface {
	// Compute
	ListFlavors(ctx context.Context) ([]Flavor, error)
	ListImages(ctx context.Context) ([]Image, error)
	ListServers(ctx context.Context) ([]Server, error)
	GetServer(ctx context.Context, id string) (*Server, error)
	CreateServer(ctx context.Context, req CreateServerRequest) (*Server, error)
	DeleteServer(ctx context.Context, id string) error
	StartServer(ctx context.Context, id string) error
	StopServer(ctx context.Context, id string) error
	RebootServer(ctx context.Context, id string) error
	ResizeServer(ctx context.Context, id, flavorID string) error
	AddServerSecurityGroup(ctx context.Context, serverID, groupName string) error
	RemoveServerSecurityGroup(ctx context.Context, serverID, groupName string) error
	AssociateFloatingIP(ctx context.Context, serverID, address string) error
	DisassociateFloatingIP(ctx context.Context, serverID, address string) error

	// Block storage
	ListVolumes(ctx context.Context) ([]Volume, error)
	GetVolume(ctx context.Context, id string) (*Volume, error)
	CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error)
	DeleteVolume(ctx context.Context, id string) error
	ExtendVolume(ctx context.Context, id string, sizeGB int) error
	AttachVolume(ctx context.Context, serverID, volumeID, device string) error
	DetachVolume(ctx context.Context, serverID, volumeID string) error
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	CreateSnapshot(ctx context.Context, volumeID, name string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	// Network
	ListNetworks(ctx context.Context) ([]Network, error)
	ListFloatingIPs(ctx context.Context) ([]FloatingIP, error)
	CreateFloatingIP(ctx context.Context, networkID string) (*FloatingIP, error)
	DeleteFloatingIP(ctx context.Context, id string) error
	ListSecurityGroups(ctx context.Context) ([]SecurityGroup, error)
	CreateSecurityGroup(ctx context.Context, name, description string) (*SecurityGroup, error)
	DeleteSecurityGroup(ctx context.Context, id string) error
	CreateSecurityGroupRule(ctx context.Context, groupID string, rule SecurityGroupRule) (*SecurityGroupRule, error)
	DeleteSecurityGroupRule(ctx context.Context, ruleID string) error

	// Metering
	ListSamples(ctx context.Context, meter string) ([]Sample, error)
}
