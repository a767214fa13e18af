package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/blockstorage/extensions/volumeactions"
	"github.com/gophercloud/gophercloud/openstack/blockstorage/v3/snapshots"
	"github.com/gophercloud/gophercloud/openstack/blockstorage/v3/volumes"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/bootfromvolume"
	computefips "github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/floatingips"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/secgroups"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/volumeattach"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/images"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/external"
	netfips "github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/layer3/floatingips"
	sgroups "github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/groups"
	sgrules "github.com/gophercloud/gophercloud/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"

	"github.com/nimbusops/nimbus/pkg/log"
)

// Credentials are the provider connection settings for one tenant-scoped
// account.
type Credentials struct {
	AuthURL    string
	Username   string
	Password   string
	TenantID   string
	DomainName string
	Region     string
}

// OpenStackClient implements Client against the OpenStack APIs. Every
// provider error leaving this type is normalized; HTTP 404s become
// *NotFoundError.
type OpenStackClient struct {
	compute *gophercloud.ServiceClient
	storage *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
}

// NewOpenStackClient authenticates against the provider identity service
// and builds service clients for each consumed subsystem.
func NewOpenStackClient(creds Credentials) (*OpenStackClient, error) {
	domain := creds.DomainName
	if domain == "" {
		domain = "Default"
	}
	provider, err := openstack.AuthenticatedClient(gophercloud.AuthOptions{
		IdentityEndpoint: creds.AuthURL,
		Username:         creds.Username,
		Password:         creds.Password,
		TenantID:         creds.TenantID,
		DomainName:       domain,
	})
	if err != nil {
		return nil, wrapErr("Authenticate", err)
	}

	eo := gophercloud.EndpointOpts{Region: creds.Region}
	compute, err := openstack.NewComputeV2(provider, eo)
	if err != nil {
		return nil, wrapErr("NewComputeV2", err)
	}
	storage, err := openstack.NewBlockStorageV3(provider, eo)
	if err != nil {
		return nil, wrapErr("NewBlockStorageV3", err)
	}
	network, err := openstack.NewNetworkV2(provider, eo)
	if err != nil {
		return nil, wrapErr("NewNetworkV2", err)
	}

	return &OpenStackClient{
		compute: compute,
		storage: storage,
		network: network,
	}, nil
}

// translate converts a gophercloud error into the facade's error taxonomy.
func translate(op, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	var notFound gophercloud.ErrDefault404
	if errors.As(err, &notFound) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	var resNotFound gophercloud.ErrResourceNotFound
	if errors.As(err, &resNotFound) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return wrapErr(op, err)
}

// Compute

func (c *OpenStackClient) ListFlavors(ctx context.Context) ([]Flavor, error) {
	pages, err := flavors.ListDetail(c.compute, flavors.ListOpts{}).AllPages()
	if err != nil {
		return nil, translate("ListFlavors", "flavor", "", err)
	}
	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return nil, wrapErr("ListFlavors", err)
	}
	out := make([]Flavor, 0, len(all))
	for _, f := range all {
		out = append(out, Flavor{
			ID:     f.ID,
			Name:   f.Name,
			VCPUs:  f.VCPUs,
			RAMMB:  f.RAM,
			DiskGB: f.Disk,
		})
	}
	return out, nil
}

func (c *OpenStackClient) ListImages(ctx context.Context) ([]Image, error) {
	pages, err := images.ListDetail(c.compute, images.ListOpts{}).AllPages()
	if err != nil {
		return nil, translate("ListImages", "image", "", err)
	}
	all, err := images.ExtractImages(pages)
	if err != nil {
		return nil, wrapErr("ListImages", err)
	}
	out := make([]Image, 0, len(all))
	for _, img := range all {
		out = append(out, Image{
			ID:        img.ID,
			Name:      img.Name,
			MinDiskGB: img.MinDisk,
			MinRAMMB:  img.MinRAM,
		})
	}
	return out, nil
}

func (c *OpenStackClient) ListServers(ctx context.Context) ([]Server, error) {
	pages, err := servers.List(c.compute, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, translate("ListServers", "server", "", err)
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, wrapErr("ListServers", err)
	}
	out := make([]Server, 0, len(all))
	for i := range all {
		out = append(out, *convertServer(&all[i]))
	}
	return out, nil
}

func (c *OpenStackClient) GetServer(ctx context.Context, id string) (*Server, error) {
	srv, err := servers.Get(c.compute, id).Extract()
	if err != nil {
		return nil, translate("GetServer", "server", id, err)
	}
	return convertServer(srv), nil
}

// convertServer flattens the provider server document. Addresses arrive as
// loosely-typed JSON: network name -> list of {addr, OS-EXT-IPS:type}.
func convertServer(s *servers.Server) *Server {
	out := &Server{
		ID:        s.ID,
		Name:      s.Name,
		Status:    s.Status,
		KeyName:   s.KeyName,
		Addresses: map[string][]Address{},
	}
	if id, ok := s.Flavor["id"].(string); ok {
		out.FlavorID = id
	}
	for network, raw := range s.Addresses {
		list, ok := raw.([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			addr := Address{}
			if ip, ok := m["addr"].(string); ok {
				addr.IP = ip
			}
			if t, ok := m["OS-EXT-IPS:type"].(string); ok {
				addr.Type = t
			}
			if addr.IP != "" {
				out.Addresses[network] = append(out.Addresses[network], addr)
			}
		}
	}
	for _, g := range s.SecurityGroups {
		if name, ok := g["name"].(string); ok {
			out.SecurityGroups = append(out.SecurityGroups, name)
		}
	}
	for _, av := range s.AttachedVolumes {
		out.Volumes = append(out.Volumes, AttachedVolume{VolumeID: av.ID})
	}
	return out
}

func (c *OpenStackClient) CreateServer(ctx context.Context, req CreateServerRequest) (*Server, error) {
	base := servers.CreateOpts{
		Name:             req.Name,
		FlavorRef:        req.FlavorID,
		AvailabilityZone: req.AvailabilityZone,
		SecurityGroups:   req.SecurityGroups,
		Networks:         []servers.Network{{UUID: req.NetworkID}},
	}
	var builder servers.CreateOptsBuilder = base
	if req.KeyName != "" {
		builder = keypairs.CreateOptsExt{
			CreateOptsBuilder: builder,
			KeyName:           req.KeyName,
		}
	}
	// Boot from the pre-built system volume, never from an image.
	boot := bootfromvolume.CreateOptsExt{
		CreateOptsBuilder: builder,
		BlockDevice: []bootfromvolume.BlockDevice{
			{
				BootIndex:       0,
				UUID:            req.SystemVolumeID,
				SourceType:      bootfromvolume.SourceVolume,
				DestinationType: bootfromvolume.DestinationVolume,
			},
			{
				BootIndex:       -1,
				UUID:            req.DataVolumeID,
				SourceType:      bootfromvolume.SourceVolume,
				DestinationType: bootfromvolume.DestinationVolume,
			},
		},
	}
	srv, err := bootfromvolume.Create(c.compute, boot).Extract()
	if err != nil {
		return nil, translate("CreateServer", "server", "", err)
	}
	return convertServer(srv), nil
}

func (c *OpenStackClient) DeleteServer(ctx context.Context, id string) error {
	return translate("DeleteServer", "server", id, servers.Delete(c.compute, id).ExtractErr())
}

func (c *OpenStackClient) StartServer(ctx context.Context, id string) error {
	return translate("StartServer", "server", id, startstop.Start(c.compute, id).ExtractErr())
}

func (c *OpenStackClient) StopServer(ctx context.Context, id string) error {
	return translate("StopServer", "server", id, startstop.Stop(c.compute, id).ExtractErr())
}

func (c *OpenStackClient) RebootServer(ctx context.Context, id string) error {
	err := servers.Reboot(c.compute, id, servers.RebootOpts{Type: servers.SoftReboot}).ExtractErr()
	return translate("RebootServer", "server", id, err)
}

func (c *OpenStackClient) ResizeServer(ctx context.Context, id, flavorID string) error {
	err := servers.Resize(c.compute, id, servers.ResizeOpts{FlavorRef: flavorID}).ExtractErr()
	return translate("ResizeServer", "server", id, err)
}

func (c *OpenStackClient) AddServerSecurityGroup(ctx context.Context, serverID, groupName string) error {
	err := secgroups.AddServer(c.compute, serverID, groupName).ExtractErr()
	return translate("AddServerSecurityGroup", "server", serverID, err)
}

func (c *OpenStackClient) RemoveServerSecurityGroup(ctx context.Context, serverID, groupName string) error {
	err := secgroups.RemoveServer(c.compute, serverID, groupName).ExtractErr()
	return translate("RemoveServerSecurityGroup", "server", serverID, err)
}

func (c *OpenStackClient) AssociateFloatingIP(ctx context.Context, serverID, address string) error {
	opts := computefips.AssociateOpts{FloatingIP: address}
	err := computefips.AssociateInstance(c.compute, serverID, opts).ExtractErr()
	return translate("AssociateFloatingIP", "server", serverID, err)
}

func (c *OpenStackClient) DisassociateFloatingIP(ctx context.Context, serverID, address string) error {
	opts := computefips.DisassociateOpts{FloatingIP: address}
	err := computefips.DisassociateInstance(c.compute, serverID, opts).ExtractErr()
	return translate("DisassociateFloatingIP", "server", serverID, err)
}

// Block storage

func (c *OpenStackClient) ListVolumes(ctx context.Context) ([]Volume, error) {
	pages, err := volumes.List(c.storage, volumes.ListOpts{}).AllPages()
	if err != nil {
		return nil, translate("ListVolumes", "volume", "", err)
	}
	all, err := volumes.ExtractVolumes(pages)
	if err != nil {
		return nil, wrapErr("ListVolumes", err)
	}
	out := make([]Volume, 0, len(all))
	for i := range all {
		out = append(out, *convertVolume(&all[i]))
	}
	return out, nil
}

func (c *OpenStackClient) GetVolume(ctx context.Context, id string) (*Volume, error) {
	v, err := volumes.Get(c.storage, id).Extract()
	if err != nil {
		return nil, translate("GetVolume", "volume", id, err)
	}
	return convertVolume(v), nil
}

func convertVolume(v *volumes.Volume) *Volume {
	out := &Volume{
		ID:          v.ID,
		Name:        v.Name,
		Description: v.Description,
		Status:      v.Status,
		SizeGB:      v.Size,
		Bootable:    v.Bootable == "true",
		TypeName:    v.VolumeType,
		SnapshotID:  v.SnapshotID,
		Metadata:    v.Metadata,
	}
	for _, a := range v.Attachments {
		out.Attachments = append(out.Attachments, AttachedVolume{
			VolumeID: v.ID,
			Device:   a.Device,
		})
		out.ServerIDs = append(out.ServerIDs, a.ServerID)
	}
	return out
}

func (c *OpenStackClient) CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error) {
	v, err := volumes.Create(c.storage, volumes.CreateOpts{
		Size:             req.SizeGB,
		Name:             req.Name,
		Description:      req.Description,
		SnapshotID:       req.SnapshotID,
		ImageID:          req.ImageID,
		VolumeType:       req.TypeName,
		AvailabilityZone: req.AvailabilityZone,
		Metadata:         req.Metadata,
	}).Extract()
	if err != nil {
		return nil, translate("CreateVolume", "volume", "", err)
	}
	return convertVolume(v), nil
}

func (c *OpenStackClient) DeleteVolume(ctx context.Context, id string) error {
	err := volumes.Delete(c.storage, id, volumes.DeleteOpts{}).ExtractErr()
	return translate("DeleteVolume", "volume", id, err)
}

func (c *OpenStackClient) ExtendVolume(ctx context.Context, id string, sizeGB int) error {
	err := volumeactions.ExtendSize(c.storage, id, volumeactions.ExtendSizeOpts{NewSize: sizeGB}).ExtractErr()
	return translate("ExtendVolume", "volume", id, err)
}

func (c *OpenStackClient) AttachVolume(ctx context.Context, serverID, volumeID, device string) error {
	_, err := volumeattach.Create(c.compute, serverID, volumeattach.CreateOpts{
		VolumeID: volumeID,
		Device:   device,
	}).Extract()
	return translate("AttachVolume", "volume", volumeID, err)
}

func (c *OpenStackClient) DetachVolume(ctx context.Context, serverID, volumeID string) error {
	// Nova uses the volume id as the attachment id.
	err := volumeattach.Delete(c.compute, serverID, volumeID).ExtractErr()
	return translate("DetachVolume", "volume", volumeID, err)
}

func (c *OpenStackClient) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	pages, err := snapshots.List(c.storage, snapshots.ListOpts{}).AllPages()
	if err != nil {
		return nil, translate("ListSnapshots", "snapshot", "", err)
	}
	all, err := snapshots.ExtractSnapshots(pages)
	if err != nil {
		return nil, wrapErr("ListSnapshots", err)
	}
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, Snapshot{
			ID:       s.ID,
			Name:     s.Name,
			Status:   s.Status,
			SizeGB:   s.Size,
			VolumeID: s.VolumeID,
		})
	}
	return out, nil
}

func (c *OpenStackClient) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	s, err := snapshots.Get(c.storage, id).Extract()
	if err != nil {
		return nil, translate("GetSnapshot", "snapshot", id, err)
	}
	return &Snapshot{
		ID:       s.ID,
		Name:     s.Name,
		Status:   s.Status,
		SizeGB:   s.Size,
		VolumeID: s.VolumeID,
	}, nil
}

func (c *OpenStackClient) CreateSnapshot(ctx context.Context, volumeID, name string) (*Snapshot, error) {
	s, err := snapshots.Create(c.storage, snapshots.CreateOpts{
		VolumeID: volumeID,
		Name:     name,
		Force:    true,
	}).Extract()
	if err != nil {
		return nil, translate("CreateSnapshot", "snapshot", "", err)
	}
	return &Snapshot{
		ID:       s.ID,
		Name:     s.Name,
		Status:   s.Status,
		SizeGB:   s.Size,
		VolumeID: s.VolumeID,
	}, nil
}

func (c *OpenStackClient) DeleteSnapshot(ctx context.Context, id string) error {
	return translate("DeleteSnapshot", "snapshot", id, snapshots.Delete(c.storage, id).ExtractErr())
}

// Network

func (c *OpenStackClient) ListNetworks(ctx context.Context) ([]Network, error) {
	pages, err := networks.List(c.network, networks.ListOpts{}).AllPages()
	if err != nil {
		return nil, translate("ListNetworks", "network", "", err)
	}
	var all []struct {
		networks.Network
		external.NetworkExternalExt
	}
	if err := networks.ExtractNetworksInto(pages, &all); err != nil {
		return nil, wrapErr("ListNetworks", err)
	}
	out := make([]Network, 0, len(all))
	for _, n := range all {
		out = append(out, Network{
			ID:       n.ID,
			Name:     n.Name,
			External: n.External,
		})
	}
	return out, nil
}

func (c *OpenStackClient) ListFloatingIPs(ctx context.Context) ([]FloatingIP, error) {
	pages, err := netfips.List(c.network, netfips.ListOpts{}).AllPages()
	if err != nil {
		return nil, translate("ListFloatingIPs", "floating ip", "", err)
	}
	all, err := netfips.ExtractFloatingIPs(pages)
	if err != nil {
		return nil, wrapErr("ListFloatingIPs", err)
	}
	out := make([]FloatingIP, 0, len(all))
	for _, ip := range all {
		out = append(out, FloatingIP{
			ID:        ip.ID,
			Address:   ip.FloatingIP,
			Status:    ip.Status,
			NetworkID: ip.FloatingNetworkID,
		})
	}
	return out, nil
}

func (c *OpenStackClient) CreateFloatingIP(ctx context.Context, networkID string) (*FloatingIP, error) {
	ip, err := netfips.Create(c.network, netfips.CreateOpts{FloatingNetworkID: networkID}).Extract()
	if err != nil {
		return nil, translate("CreateFloatingIP", "floating ip", "", err)
	}
	return &FloatingIP{
		ID:        ip.ID,
		Address:   ip.FloatingIP,
		Status:    ip.Status,
		NetworkID: ip.FloatingNetworkID,
	}, nil
}

func (c *OpenStackClient) DeleteFloatingIP(ctx context.Context, id string) error {
	return translate("DeleteFloatingIP", "floating ip", id, netfips.Delete(c.network, id).ExtractErr())
}

func (c *OpenStackClient) ListSecurityGroups(ctx context.Context) ([]SecurityGroup, error) {
	pages, err := sgroups.List(c.network, sgroups.ListOpts{}).AllPages()
	if err != nil {
		return nil, translate("ListSecurityGroups", "security group", "", err)
	}
	all, err := sgroups.ExtractGroups(pages)
	if err != nil {
		return nil, wrapErr("ListSecurityGroups", err)
	}
	out := make([]SecurityGroup, 0, len(all))
	for _, g := range all {
		sg := SecurityGroup{
			ID:          g.ID,
			Name:        g.Name,
			Description: g.Description,
		}
		for _, r := range g.Rules {
			if r.Direction != string(sgrules.DirIngress) {
				continue
			}
			sg.Rules = append(sg.Rules, SecurityGroupRule{
				ID:       r.ID,
				Protocol: r.Protocol,
				FromPort: r.PortRangeMin,
				ToPort:   r.PortRangeMax,
				CIDR:     r.RemoteIPPrefix,
			})
		}
		out = append(out, sg)
	}
	return out, nil
}

func (c *OpenStackClient) CreateSecurityGroup(ctx context.Context, name, description string) (*SecurityGroup, error) {
	g, err := sgroups.Create(c.network, sgroups.CreateOpts{
		Name:        name,
		Description: description,
	}).Extract()
	if err != nil {
		return nil, translate("CreateSecurityGroup", "security group", "", err)
	}
	return &SecurityGroup{ID: g.ID, Name: g.Name, Description: g.Description}, nil
}

func (c *OpenStackClient) DeleteSecurityGroup(ctx context.Context, id string) error {
	return translate("DeleteSecurityGroup", "security group", id, sgroups.Delete(c.network, id).ExtractErr())
}

func (c *OpenStackClient) CreateSecurityGroupRule(ctx context.Context, groupID string, rule SecurityGroupRule) (*SecurityGroupRule, error) {
	r, err := sgrules.Create(c.network, sgrules.CreateOpts{
		Direction:      sgrules.DirIngress,
		EtherType:      sgrules.EtherType4,
		SecGroupID:     groupID,
		Protocol:       sgrules.RuleProtocol(rule.Protocol),
		PortRangeMin:   rule.FromPort,
		PortRangeMax:   rule.ToPort,
		RemoteIPPrefix: rule.CIDR,
	}).Extract()
	if err != nil {
		return nil, translate("CreateSecurityGroupRule", "security group rule", "", err)
	}
	return &SecurityGroupRule{
		ID:       r.ID,
		Protocol: r.Protocol,
		FromPort: r.PortRangeMin,
		ToPort:   r.PortRangeMax,
		CIDR:     r.RemoteIPPrefix,
	}, nil
}

func (c *OpenStackClient) DeleteSecurityGroupRule(ctx context.Context, ruleID string) error {
	return translate("DeleteSecurityGroupRule", "security group rule", ruleID, sgrules.Delete(c.network, ruleID).ExtractErr())
}

// Metering

// ListSamples always returns no samples: the SDK ships no telemetry
// client, so there is no provider call to make.
func (c *OpenStackClient) ListSamples(ctx context.Context, meter string) ([]Sample, error) {
	logger := log.WithComponent("cloud")
	logger.Debug().Str("meter", meter).Msg("telemetry not supported, returning no samples")
	return nil, nil
}

var _ Client = (*OpenStackClient)(nil)
var _ Client = (*FakeClient)(nil)

// String implements fmt.Stringer for logging.
func (creds Credentials) String() string {
	return fmt.Sprintf("%s/%s@%s", creds.TenantID, creds.Username, creds.AuthURL)
}
