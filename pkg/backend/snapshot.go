package backend

import (
	"context"

	"github.com/nimbusops/nimbus/pkg/cloud"
	"github.com/nimbusops/nimbus/pkg/types"
)

// CreateSnapshot snapshots the source volume on the provider.
func (b *Backend) CreateSnapshot(ctx context.Context, snapshotID string) error {
	snapshot, err := b.store.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	volume, err := b.store.GetVolume(snapshot.SourceVolumeID)
	if err != nil {
		return err
	}
	if err := requireBackendID("volume", volume.ID, volume.BackendID); err != nil {
		return err
	}

	created, err := b.client.CreateSnapshot(ctx, volume.BackendID, snapshot.Name)
	if err != nil {
		return err
	}

	if _, err := b.store.MutateSnapshot(snapshotID, zeroTime, func(s *types.Snapshot) {
		s.BackendID = created.ID
		s.SizeMB = gbToMB(created.SizeGB)
		s.RuntimeState = created.Status
	}); err != nil {
		return err
	}
	return b.store.AdjustQuota(b.account.ID, types.QuotaSnapshots, 1)
}

// DeleteSnapshot removes the backend snapshot and releases quota.
func (b *Backend) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	snapshot, err := b.store.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}

	if snapshot.BackendID != "" {
		if err := b.client.DeleteSnapshot(ctx, snapshot.BackendID); err != nil && !cloud.IsNotFound(err) {
			return err
		}
	}
	return b.store.AdjustQuota(b.account.ID, types.QuotaSnapshots, -1)
}

// PullSnapshotRuntimeState refreshes the provider-reported status.
func (b *Backend) PullSnapshotRuntimeState(ctx context.Context, snapshotID string) error {
	snapshot, err := b.store.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	if err := requireBackendID("snapshot", snapshotID, snapshot.BackendID); err != nil {
		return err
	}

	remote, err := b.client.GetSnapshot(ctx, snapshot.BackendID)
	if err != nil {
		return err
	}

	_, err = b.store.MutateSnapshot(snapshotID, zeroTime, func(s *types.Snapshot) {
		s.RuntimeState = remote.Status
	})
	return err
}

// IsSnapshotDeleted reports whether the backend snapshot is gone.
func (b *Backend) IsSnapshotDeleted(ctx context.Context, snapshotID string) (bool, error) {
	snapshot, err := b.store.GetSnapshot(snapshotID)
	if err != nil {
		return false, err
	}
	if snapshot.BackendID == "" {
		return true, nil
	}
	_, err = b.client.GetSnapshot(ctx, snapshot.BackendID)
	if cloud.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// ImportSnapshot builds a local snapshot record purely from backend data.
// The source volume is resolved by backend id when tracked locally.
func (b *Backend) ImportSnapshot(ctx context.Context, backendID string, save bool) (*types.Snapshot, error) {
	remote, err := b.client.GetSnapshot(ctx, backendID)
	if err != nil {
		return nil, err
	}
	snapshot := &types.Snapshot{
		ID:           newID(),
		AccountID:    b.account.ID,
		BackendID:    remote.ID,
		Name:         remote.Name,
		SizeMB:       gbToMB(remote.SizeGB),
		State:        types.StateOK,
		RuntimeState: remote.Status,
	}
	if remote.VolumeID != "" {
		if volume, err := b.store.FindVolumeByBackendID(b.account.ID, remote.VolumeID); err == nil {
			snapshot.SourceVolumeID = volume.ID
		}
	}
	if save {
		if err := b.store.CreateSnapshot(snapshot); err != nil {
			return nil, err
		}
	}
	return snapshot, nil
}
