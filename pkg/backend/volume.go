package backend

import (
	"context"
	"fmt"

	"github.com/nimbusops/nimbus/pkg/cloud"
	"github.com/nimbusops/nimbus/pkg/types"
)

// CreateVolume provisions the volume on the provider and copies the backend
// id and derived fields onto the local record.
func (b *Backend) CreateVolume(ctx context.Context, volumeID string) error {
	volume, err := b.store.GetVolume(volumeID)
	if err != nil {
		return err
	}

	var snapshotBackendID, imageBackendID string
	if volume.SourceSnapshotID != "" {
		snap, err := b.store.GetSnapshot(volume.SourceSnapshotID)
		if err != nil {
			return err
		}
		snapshotBackendID = snap.BackendID
	}
	if volume.SourceImageID != "" {
		imageBackendID = volume.SourceImageID
	}

	created, err := b.client.CreateVolume(ctx, cloud.CreateVolumeRequest{
		Name:             volume.Name,
		Description:      volume.Description,
		SizeGB:           mbToGB(volume.SizeMB),
		SnapshotID:       snapshotBackendID,
		ImageID:          imageBackendID,
		TypeName:         volume.Type,
		AvailabilityZone: b.account.AvailabilityZone,
		Metadata:         volume.Metadata,
	})
	if err != nil {
		return err
	}

	if _, err := b.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
		v.BackendID = created.ID
		v.Bootable = created.Bootable
		v.RuntimeState = created.Status
	}); err != nil {
		return err
	}

	if err := b.store.AdjustQuota(b.account.ID, types.QuotaVolumes, 1); err != nil {
		return err
	}
	return b.store.AdjustQuota(b.account.ID, types.QuotaStorage, int64(volume.SizeMB))
}

// UpdateVolume pushes name/description changes to the provider. The
// provider facade has no rename call for volumes, so only local fields
// change; the method exists so updates flow through the same pipeline.
func (b *Backend) UpdateVolume(ctx context.Context, volumeID string) error {
	_, err := b.store.GetVolume(volumeID)
	return err
}

// DeleteVolume removes the backend volume and releases quota. A volume
// that never reached the backend is deleted locally without a provider
// call.
func (b *Backend) DeleteVolume(ctx context.Context, volumeID string) error {
	volume, err := b.store.GetVolume(volumeID)
	if err != nil {
		return err
	}

	// A volume that never reached the provider booked no quota.
	if volume.BackendID == "" {
		return nil
	}

	if err := b.client.DeleteVolume(ctx, volume.BackendID); err != nil && !cloud.IsNotFound(err) {
		return err
	}

	if err := b.store.AdjustQuota(b.account.ID, types.QuotaVolumes, -1); err != nil {
		return err
	}
	return b.store.AdjustQuota(b.account.ID, types.QuotaStorage, -int64(volume.SizeMB))
}

// ExtendVolume grows the backend volume to the new size (MB, converted to
// the provider's GB) and records the new size locally.
func (b *Backend) ExtendVolume(ctx context.Context, volumeID string, newSizeMB int) error {
	volume, err := b.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	if err := requireBackendID("volume", volumeID, volume.BackendID); err != nil {
		return err
	}
	if newSizeMB <= volume.SizeMB {
		return fmt.Errorf("%w: new size %d MB must exceed current %d MB",
			ErrPrecondition, newSizeMB, volume.SizeMB)
	}

	oldSizeMB := volume.SizeMB
	if err := b.client.ExtendVolume(ctx, volume.BackendID, mbToGB(newSizeMB)); err != nil {
		return err
	}

	if _, err := b.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
		v.SizeMB = newSizeMB
	}); err != nil {
		return err
	}
	return b.store.AdjustQuota(b.account.ID, types.QuotaStorage, int64(newSizeMB-oldSizeMB))
}

// AttachVolume attaches the volume to its recorded instance.
func (b *Backend) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	volume, err := b.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	instance, err := b.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if err := requireBackendID("volume", volumeID, volume.BackendID); err != nil {
		return err
	}
	if err := requireBackendID("instance", instanceID, instance.BackendID); err != nil {
		return err
	}

	if err := b.client.AttachVolume(ctx, instance.BackendID, volume.BackendID, device); err != nil {
		return err
	}

	_, err = b.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
		v.InstanceID = instanceID
		v.Device = device
	})
	return err
}

// DetachVolume detaches the volume from its instance.
func (b *Backend) DetachVolume(ctx context.Context, volumeID string) error {
	volume, err := b.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	if volume.InstanceID == "" {
		return fmt.Errorf("%w: volume %s is not attached", ErrPrecondition, volumeID)
	}
	instance, err := b.store.GetInstance(volume.InstanceID)
	if err != nil {
		return err
	}

	if err := b.client.DetachVolume(ctx, instance.BackendID, volume.BackendID); err != nil {
		return err
	}

	_, err = b.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
		v.InstanceID = ""
		v.Device = ""
	})
	return err
}

// PullVolumeRuntimeState refreshes the provider-reported status.
func (b *Backend) PullVolumeRuntimeState(ctx context.Context, volumeID string) error {
	volume, err := b.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	if err := requireBackendID("volume", volumeID, volume.BackendID); err != nil {
		return err
	}

	remote, err := b.client.GetVolume(ctx, volume.BackendID)
	if err != nil {
		return err
	}

	_, err = b.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
		v.RuntimeState = remote.Status
	})
	return err
}

// IsVolumeDeleted reports whether the backend volume is gone.
func (b *Backend) IsVolumeDeleted(ctx context.Context, volumeID string) (bool, error) {
	volume, err := b.store.GetVolume(volumeID)
	if err != nil {
		return false, err
	}
	if volume.BackendID == "" {
		return true, nil
	}
	_, err = b.client.GetVolume(ctx, volume.BackendID)
	if cloud.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// ImportVolume builds a local volume record purely from backend data. The
// record is persisted only when save is true.
func (b *Backend) ImportVolume(ctx context.Context, backendID string, save bool) (*types.Volume, error) {
	remote, err := b.client.GetVolume(ctx, backendID)
	if err != nil {
		return nil, err
	}
	volume := &types.Volume{
		ID:           newID(),
		AccountID:    b.account.ID,
		BackendID:    remote.ID,
		Name:         remote.Name,
		Description:  remote.Description,
		SizeMB:       gbToMB(remote.SizeGB),
		Bootable:     remote.Bootable,
		Type:         remote.TypeName,
		Metadata:     remote.Metadata,
		State:        types.StateOK,
		RuntimeState: remote.Status,
	}
	if len(remote.Attachments) > 0 {
		volume.Device = remote.Attachments[0].Device
	}
	if save {
		if err := b.store.CreateVolume(volume); err != nil {
			return nil, err
		}
	}
	return volume, nil
}
