package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbusops/nimbus/pkg/cloud"
	"github.com/nimbusops/nimbus/pkg/types"
)

// CreateBackup snapshots every volume of the backup's instance and records
// the produced snapshots on the backup. Partial failure leaves already
// created snapshots recorded so deletion cleans them up.
func (b *Backend) CreateBackup(ctx context.Context, backupID string) error {
	backup, err := b.store.GetBackup(backupID)
	if err != nil {
		return err
	}
	instance, err := b.store.GetInstance(backup.InstanceID)
	if err != nil {
		return err
	}
	if len(instance.VolumeIDs) == 0 {
		return fmt.Errorf("%w: instance %s has no volumes", ErrPrecondition, instance.ID)
	}

	now := time.Now().UTC()
	for _, volumeID := range instance.VolumeIDs {
		volume, err := b.store.GetVolume(volumeID)
		if err != nil {
			return err
		}
		if err := requireBackendID("volume", volumeID, volume.BackendID); err != nil {
			return err
		}

		name := fmt.Sprintf("%s-%s-%s", backup.Name, volume.Name, now.Format("20060102-150405"))
		created, err := b.client.CreateSnapshot(ctx, volume.BackendID, name)
		if err != nil {
			return err
		}

		snapshot := &types.Snapshot{
			ID:             newID(),
			AccountID:      b.account.ID,
			BackendID:      created.ID,
			Name:           name,
			SourceVolumeID: volumeID,
			SizeMB:         gbToMB(created.SizeGB),
			ScheduleID:     backup.ScheduleID,
			KeptUntil:      backup.KeptUntil,
			State:          types.StateOK,
			RuntimeState:   created.Status,
		}
		if err := b.store.CreateSnapshot(snapshot); err != nil {
			return err
		}
		if err := b.store.AdjustQuota(b.account.ID, types.QuotaSnapshots, 1); err != nil {
			return err
		}

		if err := b.store.UpdateBackup(appendSnapshot(backup, snapshot.ID)); err != nil {
			return err
		}
	}
	return nil
}

func appendSnapshot(backup *types.Backup, snapshotID string) *types.Backup {
	backup.SnapshotIDs = append(backup.SnapshotIDs, snapshotID)
	return backup
}

// DeleteBackup removes every snapshot the backup produced, on the provider
// and locally. Snapshots already gone on the provider are tolerated.
func (b *Backend) DeleteBackup(ctx context.Context, backupID string) error {
	backup, err := b.store.GetBackup(backupID)
	if err != nil {
		return err
	}

	for _, snapshotID := range backup.SnapshotIDs {
		snapshot, err := b.store.GetSnapshot(snapshotID)
		if err != nil {
			continue
		}
		if snapshot.BackendID != "" {
			if err := b.client.DeleteSnapshot(ctx, snapshot.BackendID); err != nil && !cloud.IsNotFound(err) {
				return err
			}
		}
		if err := b.store.DeleteSnapshot(snapshotID); err != nil {
			return err
		}
		if err := b.store.AdjustQuota(b.account.ID, types.QuotaSnapshots, -1); err != nil {
			return err
		}
	}
	return nil
}
