package manager

import (
	"context"

	"github.com/google/uuid"

	"github.com/nimbusops/nimbus/pkg/executor"
	"github.com/nimbusops/nimbus/pkg/types"
)

func (m *Manager) backupChain(operation string, backup *types.Backup) *executor.Chain {
	id := backup.ID
	return &executor.Chain{
		Operation:    operation,
		ResourceType: "backup",
		ResourceID:   id,
		AccountID:    backup.AccountID,
		Transition: func(from []types.State, to types.State) error {
			_, err := m.store.TransitionBackup(id, from, to)
			return err
		},
		Fail: func(message string) {
			backup, err := m.store.GetBackup(id)
			if err != nil {
				return
			}
			backup.State = types.StateErred
			backup.ErrorMessage = message
			if err := m.store.UpdateBackup(backup); err != nil {
				m.logger.Error().Err(err).Str("backup", id).Msg("failed to mark backup erred")
			}
		},
	}
}

// CreateBackup snapshots every volume of the instance through the
// pipeline.
func (m *Manager) CreateBackup(backup *types.Backup) error {
	instance, err := m.store.GetInstance(backup.InstanceID)
	if err != nil {
		return err
	}

	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}

	if backup.ID == "" {
		backup.ID = uuid.New().String()
	}
	backup.AccountID = instance.AccountID
	backup.State = types.StateCreationScheduled
	if err := m.store.CreateBackup(backup); err != nil {
		return err
	}

	chain := m.backupChain("backup.create", backup)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "snapshot instance volumes",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateCreationScheduled},
				To:   types.StateCreating,
			},
			Throttled:    true,
			ThrottleType: "snapshot",
			Call: func(ctx context.Context) error {
				return b.CreateBackup(ctx, backup.ID)
			},
		},
		executor.TransitionStep{
			Desc: "backup ok",
			From: []types.State{types.StateCreating},
			To:   types.StateOK,
		},
	}
	return m.exec.Submit(chain)
}

// DeleteBackup removes the backup and its snapshots.
func (m *Manager) DeleteBackup(backupID string) error {
	backup, err := m.store.TransitionBackup(backupID,
		[]types.State{types.StateOK, types.StateErred}, types.StateDeletionScheduled)
	if err != nil {
		return err
	}

	b, err := m.backendFor(backup.AccountID)
	if err != nil {
		return err
	}

	chain := m.backupChain("backup.delete", backup)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "delete backup snapshots",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateDeletionScheduled},
				To:   types.StateDeleting,
			},
			Call: func(ctx context.Context) error {
				return b.DeleteBackup(ctx, backupID)
			},
		},
	}
	chain.Finalize = func() error {
		return m.store.DeleteBackup(backupID)
	}
	return m.exec.Submit(chain)
}
