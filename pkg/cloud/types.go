package cloud

import "time"

// Provider-side resource shapes, as returned by the facade. Sizes follow the
// provider's units (gigabytes); conversion to local units happens in the
// backend adapter.

// Address is one network address assigned to a server.
type Address struct {
	IP   string
	Type string // "fixed" or "floating"
}

// AttachedVolume is a volume attachment visible on a server.
type AttachedVolume struct {
	VolumeID string
	Device   string
}

// Server is a provider compute instance.
type Server struct {
	ID             string
	Name           string
	Status         string
	FlavorID       string
	KeyName        string
	Addresses      map[string][]Address // network name -> addresses
	SecurityGroups []string             // group names
	Volumes        []AttachedVolume
}

// CreateServerRequest describes a new server booted from pre-built volumes.
type CreateServerRequest struct {
	Name             string
	FlavorID         string
	KeyName          string
	AvailabilityZone string
	NetworkID        string
	SecurityGroups   []string // group names
	// Block device mapping: the server boots from SystemVolumeID, never
	// from an image directly.
	SystemVolumeID string
	DataVolumeID   string
}

// Flavor is a provider hardware preset.
type Flavor struct {
	ID     string
	Name   string
	VCPUs  int
	RAMMB  int
	DiskGB int
}

// Image is a provider boot image.
type Image struct {
	ID        string
	Name      string
	MinDiskGB int
	MinRAMMB  int
}

// Volume is a provider block storage device.
type Volume struct {
	ID          string
	Name        string
	Description string
	Status      string
	SizeGB      int
	Bootable    bool
	TypeName    string
	SnapshotID  string
	ImageID     string
	Metadata    map[string]string
	Attachments []AttachedVolume
	ServerIDs   []string // servers this volume is attached to
}

// CreateVolumeRequest describes a new volume.
type CreateVolumeRequest struct {
	Name             string
	Description      string
	SizeGB           int
	SnapshotID       string
	ImageID          string
	TypeName         string
	AvailabilityZone string
	Metadata         map[string]string
}

// Snapshot is a provider volume snapshot.
type Snapshot struct {
	ID       string
	Name     string
	Status   string
	SizeGB   int
	VolumeID string
}

// SecurityGroupRule is one provider firewall rule.
type SecurityGroupRule struct {
	ID       string
	Protocol string
	FromPort int
	ToPort   int
	CIDR     string
}

// SecurityGroup is a provider security group with its rules.
type SecurityGroup struct {
	ID          string
	Name        string
	Description string
	Rules       []SecurityGroupRule
}

// Floating IP statuses reported by the network service.
const (
	FloatingIPActive = "ACTIVE"
	FloatingIPDown   = "DOWN"
)

// FloatingIP is a provider floating IP.
type FloatingIP struct {
	ID        string
	Address   string
	Status    string // "ACTIVE" or "DOWN"
	NetworkID string
	ServerID  string // bound server, empty when down
}

// Network is a provider network.
type Network struct {
	ID       string
	Name     string
	External bool
}

// Sample is one metering measurement.
type Sample struct {
	Meter      string
	ResourceID string
	Value      float64
	Timestamp  time.Time
}
