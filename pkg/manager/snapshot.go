package manager

import (
	"context"

	"github.com/google/uuid"

	"github.com/nimbusops/nimbus/pkg/backend"
	"github.com/nimbusops/nimbus/pkg/executor"
	"github.com/nimbusops/nimbus/pkg/types"
)

func (m *Manager) snapshotChain(operation string, snapshot *types.Snapshot) *executor.Chain {
	id := snapshot.ID
	return &executor.Chain{
		Operation:    operation,
		ResourceType: "snapshot",
		ResourceID:   id,
		AccountID:    snapshot.AccountID,
		Transition: func(from []types.State, to types.State) error {
			_, err := m.store.TransitionSnapshot(id, from, to)
			return err
		},
		Fail: func(message string) {
			if _, err := m.store.MutateSnapshot(id, zeroTime, func(s *types.Snapshot) {
				s.State = types.StateErred
				s.ErrorMessage = message
			}); err != nil {
				m.logger.Error().Err(err).Str("snapshot", id).Msg("failed to mark snapshot erred")
			}
		},
	}
}

func (m *Manager) snapshotPollStep(b *backend.Backend, snapshotID, desc string) executor.PollStep {
	return executor.PollStep{
		Desc: desc,
		Poll: func(ctx context.Context) error {
			return b.PullSnapshotRuntimeState(ctx, snapshotID)
		},
		Read: func() (string, error) {
			snapshot, err := m.store.GetSnapshot(snapshotID)
			if err != nil {
				return "", err
			}
			return snapshot.RuntimeState, nil
		},
		Success:     types.RuntimeSnapshotAvailable,
		Failure:     types.RuntimeSnapshotError,
		MaxAttempts: m.pollAttempts,
		Delay:       m.pollDelay,
	}
}

// CreateSnapshot persists the snapshot in CREATION_SCHEDULED and submits
// its creation chain.
func (m *Manager) CreateSnapshot(snapshot *types.Snapshot) error {
	b, err := m.backendFor(snapshot.AccountID)
	if err != nil {
		return err
	}

	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}
	snapshot.State = types.StateCreationScheduled
	if err := m.store.CreateSnapshot(snapshot); err != nil {
		return err
	}

	chain := m.snapshotChain("snapshot.create", snapshot)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "create snapshot on backend",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateCreationScheduled},
				To:   types.StateCreating,
			},
			Throttled: true,
			Call: func(ctx context.Context) error {
				return b.CreateSnapshot(ctx, snapshot.ID)
			},
		},
		m.snapshotPollStep(b, snapshot.ID, "wait until snapshot available"),
		executor.TransitionStep{
			Desc: "snapshot ok",
			From: []types.State{types.StateCreating},
			To:   types.StateOK,
		},
	}
	return m.exec.Submit(chain)
}

// DeleteSnapshot schedules snapshot deletion.
func (m *Manager) DeleteSnapshot(snapshotID string) error {
	snapshot, err := m.store.TransitionSnapshot(snapshotID,
		[]types.State{types.StateOK, types.StateErred}, types.StateDeletionScheduled)
	if err != nil {
		return err
	}

	b, err := m.backendFor(snapshot.AccountID)
	if err != nil {
		return err
	}

	chain := m.snapshotChain("snapshot.delete", snapshot)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "delete snapshot on backend",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateDeletionScheduled},
				To:   types.StateDeleting,
			},
			Call: func(ctx context.Context) error {
				return b.DeleteSnapshot(ctx, snapshotID)
			},
		},
		executor.ExistenceStep{
			Desc: "confirm snapshot gone",
			Deleted: func(ctx context.Context) (bool, error) {
				return b.IsSnapshotDeleted(ctx, snapshotID)
			},
			MaxAttempts: m.pollAttempts,
			Delay:       m.pollDelay,
		},
	}
	chain.Finalize = func() error {
		return m.store.DeleteSnapshot(snapshotID)
	}
	return m.exec.Submit(chain)
}

// PullSnapshot refreshes one snapshot's runtime state.
func (m *Manager) PullSnapshot(ctx context.Context, snapshotID string) error {
	snapshot, err := m.store.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	b, err := m.backendFor(snapshot.AccountID)
	if err != nil {
		return err
	}
	return b.PullSnapshotRuntimeState(ctx, snapshotID)
}
