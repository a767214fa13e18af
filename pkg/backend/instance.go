package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimbusops/nimbus/pkg/cloud"
	"github.com/nimbusops/nimbus/pkg/metrics"
	"github.com/nimbusops/nimbus/pkg/storage"
	"github.com/nimbusops/nimbus/pkg/types"
)

// instanceVolumes loads and validates the instance's volume pair. Every
// instance boots from exactly two pre-built volumes: a bootable system
// volume and a non-bootable data volume.
func (b *Backend) instanceVolumes(instance *types.Instance) (system, data *types.Volume, err error) {
	if len(instance.VolumeIDs) != 2 {
		return nil, nil, fmt.Errorf("%w: instance %s has %d volumes, want 2",
			ErrPrecondition, instance.ID, len(instance.VolumeIDs))
	}
	for _, volumeID := range instance.VolumeIDs {
		volume, err := b.store.GetVolume(volumeID)
		if err != nil {
			return nil, nil, err
		}
		if volume.Bootable {
			system = volume
		} else {
			data = volume
		}
	}
	if system == nil || data == nil {
		return nil, nil, fmt.Errorf("%w: instance %s needs one bootable and one data volume",
			ErrPrecondition, instance.ID)
	}
	return system, data, nil
}

// securityGroupNames maps local security group ids onto provider group
// names for server requests.
func (b *Backend) securityGroupNames(instance *types.Instance) ([]string, error) {
	names := make([]string, 0, len(instance.SecurityGroupIDs))
	for _, groupID := range instance.SecurityGroupIDs {
		group, err := b.store.GetSecurityGroup(b.account.ID, groupID)
		if err != nil {
			return nil, fmt.Errorf("%w: security group %s not known locally",
				ErrPrecondition, groupID)
		}
		names = append(names, group.Name)
	}
	return names, nil
}

// CreateInstance provisions the server on the provider and waits
// synchronously until it settles. The flow is: validate the volume pair,
// resolve the flavor by name, optionally book a floating IP, boot the
// server from the system volume, poll until it leaves BUILD, then bind
// the floating IP and record addresses and attachments locally.
func (b *Backend) CreateInstance(ctx context.Context, instanceID string, allocateFloatingIP bool) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}

	system, data, err := b.instanceVolumes(instance)
	if err != nil {
		return err
	}
	if err := requireBackendID("volume", system.ID, system.BackendID); err != nil {
		return err
	}
	if err := requireBackendID("volume", data.ID, data.BackendID); err != nil {
		return err
	}

	flavor, err := b.store.FindFlavorByName(b.account.ID, instance.FlavorName)
	if err != nil {
		return fmt.Errorf("%w: flavor %q not known locally", ErrPrecondition, instance.FlavorName)
	}

	groupNames, err := b.securityGroupNames(instance)
	if err != nil {
		return err
	}

	// Book the floating IP before the server exists so creation fails
	// fast when the external network has no capacity.
	var floating *types.FloatingIP
	if allocateFloatingIP {
		floating, err = b.bookFloatingIP(ctx)
		if err != nil {
			return err
		}
	}

	server, err := b.client.CreateServer(ctx, cloud.CreateServerRequest{
		Name:             instance.Name,
		FlavorID:         flavor.BackendID,
		KeyName:          instance.KeyName,
		AvailabilityZone: b.account.AvailabilityZone,
		NetworkID:        b.account.InternalNetworkID,
		SecurityGroups:   groupNames,
		SystemVolumeID:   system.BackendID,
		DataVolumeID:     data.BackendID,
	})
	if err != nil {
		b.releaseFloatingIP(floating)
		return err
	}

	if _, err := b.store.MutateInstance(instanceID, zeroTime, func(i *types.Instance) {
		i.BackendID = server.ID
		i.Cores = flavor.Cores
		i.RAMMB = flavor.RAMMB
		i.DiskMB = flavor.DiskMB
		i.RuntimeState = server.Status
	}); err != nil {
		return err
	}

	settled, err := b.waitForServer(ctx, server.ID)
	if err != nil {
		b.releaseFloatingIP(floating)
		return err
	}
	if settled.Status != types.RuntimeInstanceActive {
		b.releaseFloatingIP(floating)
		return fmt.Errorf("server %s settled in %s", server.ID, settled.Status)
	}

	internalIP := fixedAddress(settled)

	if floating != nil {
		if err := b.client.AssociateFloatingIP(ctx, server.ID, floating.Address); err != nil {
			b.releaseFloatingIP(floating)
			return err
		}
		floating.Status = types.FloatingIPStatusActive
		floating.InstanceID = instanceID
		if err := b.store.UpsertFloatingIP(floating); err != nil {
			return err
		}
	}

	if _, err := b.store.MutateInstance(instanceID, zeroTime, func(i *types.Instance) {
		i.RuntimeState = settled.Status
		i.InternalIP = internalIP
		if floating != nil {
			i.ExternalIP = floating.Address
		}
	}); err != nil {
		return err
	}

	// Record the attachments the provider reports for the volume pair.
	for _, att := range settled.Volumes {
		for _, volume := range []*types.Volume{system, data} {
			if volume.BackendID != att.VolumeID {
				continue
			}
			device := att.Device
			if _, err := b.store.MutateVolume(volume.ID, zeroTime, func(v *types.Volume) {
				v.InstanceID = instanceID
				v.Device = device
				v.RuntimeState = types.RuntimeVolumeInUse
			}); err != nil {
				return err
			}
		}
	}

	if err := b.store.AdjustQuota(b.account.ID, types.QuotaInstances, 1); err != nil {
		return err
	}
	if err := b.store.AdjustQuota(b.account.ID, types.QuotaCores, int64(flavor.Cores)); err != nil {
		return err
	}
	return b.store.AdjustQuota(b.account.ID, types.QuotaRAM, int64(flavor.RAMMB))
}

// bookFloatingIP picks an unbound DOWN floating IP for the account, or
// allocates a fresh one on the external network when none is free.
func (b *Backend) bookFloatingIP(ctx context.Context) (*types.FloatingIP, error) {
	ips, err := b.store.ListFloatingIPsByAccount(b.account.ID)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if ip.Status == types.FloatingIPStatusDown && ip.InstanceID == "" {
			return ip, nil
		}
	}

	created, err := b.client.CreateFloatingIP(ctx, b.account.ExternalNetworkID)
	if err != nil {
		return nil, err
	}
	ip := &types.FloatingIP{
		ID:               newID(),
		AccountID:        b.account.ID,
		BackendID:        created.ID,
		Address:          created.Address,
		Status:           created.Status,
		BackendNetworkID: created.NetworkID,
	}
	if err := b.store.UpsertFloatingIP(ip); err != nil {
		return nil, err
	}
	if err := b.store.AdjustQuota(b.account.ID, types.QuotaFloatingIPs, 1); err != nil {
		return nil, err
	}
	return ip, nil
}

// releaseFloatingIP returns a booked floating IP to the free pool after a
// failed creation. Best effort: the reconciler repairs any divergence on
// the next pull.
func (b *Backend) releaseFloatingIP(ip *types.FloatingIP) {
	if ip == nil {
		return
	}
	ip.Status = types.FloatingIPStatusDown
	ip.InstanceID = ""
	if err := b.store.UpsertFloatingIP(ip); err != nil {
		b.logger.Warn().Err(err).Str("address", ip.Address).Msg("failed to release floating ip")
	}
}

// waitForServer polls the server until it reaches a terminal status or the
// attempt budget runs out.
func (b *Backend) waitForServer(ctx context.Context, serverID string) (*cloud.Server, error) {
	for attempt := 0; attempt < b.maxPolls; attempt++ {
		server, err := b.client.GetServer(ctx, serverID)
		if err != nil {
			return nil, err
		}
		metrics.PollAttemptsTotal.WithLabelValues("instance").Inc()
		switch server.Status {
		case types.RuntimeInstanceActive, types.RuntimeInstanceError:
			return server, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
	return nil, fmt.Errorf("server %s did not settle after %d polls", serverID, b.maxPolls)
}

// fixedAddress returns the first fixed address on any network.
func fixedAddress(server *cloud.Server) string {
	for _, addrs := range server.Addresses {
		for _, addr := range addrs {
			if addr.Type == "fixed" {
				return addr.IP
			}
		}
	}
	return ""
}

// DeleteInstance removes the backend server and releases quota. An
// instance that never reached the backend is deleted locally without a
// provider call.
func (b *Backend) DeleteInstance(ctx context.Context, instanceID string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}

	if instance.BackendID != "" {
		if err := b.client.DeleteServer(ctx, instance.BackendID); err != nil && !cloud.IsNotFound(err) {
			return err
		}
	}

	// Unbind the floating IP so it returns to the free pool.
	ips, err := b.store.ListFloatingIPsByAccount(b.account.ID)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if ip.InstanceID != instanceID {
			continue
		}
		ip.InstanceID = ""
		ip.Status = types.FloatingIPStatusDown
		if err := b.store.UpsertFloatingIP(ip); err != nil {
			return err
		}
	}

	// An instance that never reached the provider booked no quota.
	if instance.BackendID == "" {
		return nil
	}

	if err := b.store.AdjustQuota(b.account.ID, types.QuotaInstances, -1); err != nil {
		return err
	}
	if err := b.store.AdjustQuota(b.account.ID, types.QuotaCores, -int64(instance.Cores)); err != nil {
		return err
	}
	return b.store.AdjustQuota(b.account.ID, types.QuotaRAM, -int64(instance.RAMMB))
}

// StartInstance powers the server on.
func (b *Backend) StartInstance(ctx context.Context, instanceID string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}
	return b.client.StartServer(ctx, instance.BackendID)
}

// StopInstance powers the server off.
func (b *Backend) StopInstance(ctx context.Context, instanceID string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}
	return b.client.StopServer(ctx, instance.BackendID)
}

// RestartInstance soft-reboots the server.
func (b *Backend) RestartInstance(ctx context.Context, instanceID string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}
	return b.client.RebootServer(ctx, instance.BackendID)
}

// ResizeInstance moves the server to a new flavor and adjusts the captured
// flavor fields and quota counters by the delta.
func (b *Backend) ResizeInstance(ctx context.Context, instanceID, flavorName string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}
	flavor, err := b.store.FindFlavorByName(b.account.ID, flavorName)
	if err != nil {
		return fmt.Errorf("%w: flavor %q not known locally", ErrPrecondition, flavorName)
	}

	coresDelta := flavor.Cores - instance.Cores
	ramDelta := flavor.RAMMB - instance.RAMMB

	if err := b.client.ResizeServer(ctx, instance.BackendID, flavor.BackendID); err != nil {
		return err
	}

	if _, err := b.store.MutateInstance(instanceID, zeroTime, func(i *types.Instance) {
		i.FlavorName = flavor.Name
		i.Cores = flavor.Cores
		i.RAMMB = flavor.RAMMB
		i.DiskMB = flavor.DiskMB
	}); err != nil {
		return err
	}

	if err := b.store.AdjustQuota(b.account.ID, types.QuotaCores, int64(coresDelta)); err != nil {
		return err
	}
	return b.store.AdjustQuota(b.account.ID, types.QuotaRAM, int64(ramDelta))
}

// AssignFloatingIP books a floating IP and binds it to a running instance.
func (b *Backend) AssignFloatingIP(ctx context.Context, instanceID string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}
	if instance.ExternalIP != "" {
		return fmt.Errorf("%w: instance %s already has %s",
			ErrPrecondition, instanceID, instance.ExternalIP)
	}

	floating, err := b.bookFloatingIP(ctx)
	if err != nil {
		return err
	}
	if err := b.client.AssociateFloatingIP(ctx, instance.BackendID, floating.Address); err != nil {
		b.releaseFloatingIP(floating)
		return err
	}

	floating.Status = types.FloatingIPStatusActive
	floating.InstanceID = instanceID
	if err := b.store.UpsertFloatingIP(floating); err != nil {
		return err
	}
	_, err = b.store.MutateInstance(instanceID, zeroTime, func(i *types.Instance) {
		i.ExternalIP = floating.Address
	})
	return err
}

// PullInstanceRuntimeState refreshes the provider-reported status and
// addresses.
func (b *Backend) PullInstanceRuntimeState(ctx context.Context, instanceID string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}

	server, err := b.client.GetServer(ctx, instance.BackendID)
	if err != nil {
		return err
	}

	internalIP := fixedAddress(server)
	_, err = b.store.MutateInstance(instanceID, zeroTime, func(i *types.Instance) {
		i.RuntimeState = server.Status
		if internalIP != "" {
			i.InternalIP = internalIP
		}
	})
	return err
}

// IsInstanceDeleted reports whether the backend server is gone.
func (b *Backend) IsInstanceDeleted(ctx context.Context, instanceID string) (bool, error) {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return false, err
	}
	if instance.BackendID == "" {
		return true, nil
	}
	_, err = b.client.GetServer(ctx, instance.BackendID)
	if cloud.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// PullInstanceSecurityGroups replaces the locally recorded group
// membership with what the provider reports. Backend groups with no local
// counterpart are logged and skipped, never auto-created.
func (b *Backend) PullInstanceSecurityGroups(ctx context.Context, instanceID string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}

	server, err := b.client.GetServer(ctx, instance.BackendID)
	if err != nil {
		return err
	}

	groupIDs := make([]string, 0, len(server.SecurityGroups))
	for _, name := range server.SecurityGroups {
		group, err := b.store.FindSecurityGroupByName(b.account.ID, name)
		if err != nil {
			b.logger.Warn().Str("group", name).Str("instance", instanceID).
				Msg("backend security group has no local counterpart")
			continue
		}
		groupIDs = append(groupIDs, group.BackendID)
	}

	_, err = b.store.MutateInstance(instanceID, zeroTime, func(i *types.Instance) {
		i.SecurityGroupIDs = groupIDs
	})
	return err
}

// PushInstanceSecurityGroups diffs the desired membership against the
// server's current groups and adds/removes the difference.
func (b *Backend) PushInstanceSecurityGroups(ctx context.Context, instanceID string) error {
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}

	desired := make(map[string]bool)
	for _, groupID := range instance.SecurityGroupIDs {
		group, err := b.store.GetSecurityGroup(b.account.ID, groupID)
		if err != nil {
			return err
		}
		desired[group.Name] = true
	}

	server, err := b.client.GetServer(ctx, instance.BackendID)
	if err != nil {
		return err
	}
	current := make(map[string]bool)
	for _, name := range server.SecurityGroups {
		current[name] = true
	}

	for name := range desired {
		if !current[name] {
			if err := b.client.AddServerSecurityGroup(ctx, instance.BackendID, name); err != nil {
				return err
			}
		}
	}
	for name := range current {
		if !desired[name] {
			if err := b.client.RemoveServerSecurityGroup(ctx, instance.BackendID, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ImportInstance builds a local instance record purely from backend data.
// Attached volumes are resolved by backend id or imported alongside;
// security groups are resolved by name and never created.
func (b *Backend) ImportInstance(ctx context.Context, backendID string, save bool) (*types.Instance, error) {
	server, err := b.client.GetServer(ctx, backendID)
	if err != nil {
		return nil, err
	}

	instance := &types.Instance{
		ID:           newID(),
		AccountID:    b.account.ID,
		BackendID:    server.ID,
		Name:         server.Name,
		KeyName:      server.KeyName,
		InternalIP:   fixedAddress(server),
		State:        types.StateOK,
		RuntimeState: server.Status,
	}

	if flavor := b.findFlavorByBackendID(server.FlavorID); flavor != nil {
		instance.FlavorName = flavor.Name
		instance.Cores = flavor.Cores
		instance.RAMMB = flavor.RAMMB
		instance.DiskMB = flavor.DiskMB
	} else {
		b.logger.Warn().Str("flavor", server.FlavorID).Str("server", server.ID).
			Msg("server flavor not known locally")
	}

	for _, att := range server.Volumes {
		volume, err := b.store.FindVolumeByBackendID(b.account.ID, att.VolumeID)
		if errors.Is(err, storage.ErrNotFound) {
			volume, err = b.ImportVolume(ctx, att.VolumeID, save)
		}
		if err != nil {
			return nil, err
		}
		instance.VolumeIDs = append(instance.VolumeIDs, volume.ID)
	}

	// Import resolves groups by name, never creates them.
	for _, name := range server.SecurityGroups {
		group, err := b.store.FindSecurityGroupByName(b.account.ID, name)
		if err != nil {
			return nil, fmt.Errorf("security group %q on server %s not known locally: %w",
				name, server.ID, err)
		}
		instance.SecurityGroupIDs = append(instance.SecurityGroupIDs, group.BackendID)
	}

	if save {
		if err := b.store.CreateInstance(instance); err != nil {
			return nil, err
		}
		for _, volumeID := range instance.VolumeIDs {
			if _, err := b.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
				v.InstanceID = instance.ID
			}); err != nil {
				return nil, err
			}
		}
	}
	return instance, nil
}

func (b *Backend) findFlavorByBackendID(backendID string) *types.Flavor {
	flavors, err := b.store.ListFlavorsByAccount(b.account.ID)
	if err != nil {
		return nil
	}
	for _, flavor := range flavors {
		if flavor.BackendID == backendID {
			return flavor
		}
	}
	return nil
}
