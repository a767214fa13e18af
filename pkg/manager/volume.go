package manager

import (
	"context"

	"github.com/google/uuid"

	"github.com/nimbusops/nimbus/pkg/backend"
	"github.com/nimbusops/nimbus/pkg/executor"
	"github.com/nimbusops/nimbus/pkg/types"
)

// volumeChain builds an empty chain bound to one volume's transition and
// failure primitives.
func (m *Manager) volumeChain(operation string, volume *types.Volume) *executor.Chain {
	id := volume.ID
	return &executor.Chain{
		Operation:    operation,
		ResourceType: "volume",
		ResourceID:   id,
		AccountID:    volume.AccountID,
		Transition: func(from []types.State, to types.State) error {
			_, err := m.store.TransitionVolume(id, from, to)
			return err
		},
		Fail: func(message string) {
			if _, err := m.store.MutateVolume(id, zeroTime, func(v *types.Volume) {
				v.State = types.StateErred
				v.ErrorMessage = message
			}); err != nil {
				m.logger.Error().Err(err).Str("volume", id).Msg("failed to mark volume erred")
			}
		},
	}
}

// volumePollStep builds a poll-until-terminal step for one volume.
func (m *Manager) volumePollStep(b *backend.Backend, volumeID, desc, success string) executor.PollStep {
	return executor.PollStep{
		Desc: desc,
		Poll: func(ctx context.Context) error {
			return b.PullVolumeRuntimeState(ctx, volumeID)
		},
		Read: func() (string, error) {
			volume, err := m.store.GetVolume(volumeID)
			if err != nil {
				return "", err
			}
			return volume.RuntimeState, nil
		},
		Success:     success,
		Failure:     types.RuntimeVolumeError,
		MaxAttempts: m.pollAttempts,
		Delay:       m.pollDelay,
	}
}

// CreateVolume persists the volume in CREATION_SCHEDULED and submits its
// creation chain: throttled create, poll until available, settle in OK.
func (m *Manager) CreateVolume(volume *types.Volume) error {
	b, err := m.backendFor(volume.AccountID)
	if err != nil {
		return err
	}

	if volume.ID == "" {
		volume.ID = uuid.New().String()
	}
	volume.State = types.StateCreationScheduled
	if err := m.store.CreateVolume(volume); err != nil {
		return err
	}

	chain := m.volumeChain("volume.create", volume)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "create volume on backend",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateCreationScheduled},
				To:   types.StateCreating,
			},
			Throttled: true,
			Call: func(ctx context.Context) error {
				return b.CreateVolume(ctx, volume.ID)
			},
		},
		m.volumePollStep(b, volume.ID, "wait until volume available", types.RuntimeVolumeAvailable),
		executor.TransitionStep{
			Desc: "volume ok",
			From: []types.State{types.StateCreating},
			To:   types.StateOK,
		},
	}
	return m.exec.Submit(chain)
}

// UpdateVolume applies local metadata changes through the pipeline so the
// lifecycle guard still serializes it against other operations.
func (m *Manager) UpdateVolume(volumeID string, name, description string) error {
	volume, err := m.store.TransitionVolume(volumeID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}

	b, err := m.backendFor(volume.AccountID)
	if err != nil {
		return err
	}

	chain := m.volumeChain("volume.update", volume)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "update volume",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateUpdateScheduled},
				To:   types.StateUpdating,
			},
			Call: func(ctx context.Context) error {
				if _, err := m.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
					v.Name = name
					v.Description = description
				}); err != nil {
					return err
				}
				return b.UpdateVolume(ctx, volumeID)
			},
		},
		executor.TransitionStep{
			Desc: "volume ok",
			From: []types.State{types.StateUpdating},
			To:   types.StateOK,
		},
	}
	return m.exec.Submit(chain)
}

// DeleteVolume schedules deletion. A volume that never reached the
// backend passes straight through the existence check.
func (m *Manager) DeleteVolume(volumeID string) error {
	volume, err := m.store.TransitionVolume(volumeID,
		[]types.State{types.StateOK, types.StateErred}, types.StateDeletionScheduled)
	if err != nil {
		return err
	}

	b, err := m.backendFor(volume.AccountID)
	if err != nil {
		return err
	}

	chain := m.volumeChain("volume.delete", volume)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "delete volume on backend",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateDeletionScheduled},
				To:   types.StateDeleting,
			},
			Call: func(ctx context.Context) error {
				return b.DeleteVolume(ctx, volumeID)
			},
		},
		executor.ExistenceStep{
			Desc: "confirm volume gone",
			Deleted: func(ctx context.Context) (bool, error) {
				return b.IsVolumeDeleted(ctx, volumeID)
			},
			MaxAttempts: m.pollAttempts,
			Delay:       m.pollDelay,
		},
	}
	chain.Finalize = func() error {
		return m.store.DeleteVolume(volumeID)
	}
	return m.exec.Submit(chain)
}

// ExtendVolume grows a volume. An attached volume is detached first, then
// extended and reattached, polling the runtime state between every step.
func (m *Manager) ExtendVolume(volumeID string, newSizeMB int) error {
	volume, err := m.store.TransitionVolume(volumeID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}

	b, err := m.backendFor(volume.AccountID)
	if err != nil {
		return err
	}

	chain := m.volumeChain("volume.extend", volume)

	if volume.InstanceID == "" {
		chain.Steps = []executor.Step{
			executor.BackendCallStep{
				Desc: "extend volume",
				Enter: &executor.TransitionStep{
					From: []types.State{types.StateUpdateScheduled},
					To:   types.StateUpdating,
				},
				Call: func(ctx context.Context) error {
					return b.ExtendVolume(ctx, volumeID, newSizeMB)
				},
			},
			m.volumePollStep(b, volumeID, "wait until volume available", types.RuntimeVolumeAvailable),
			executor.TransitionStep{
				Desc: "volume ok",
				From: []types.State{types.StateUpdating},
				To:   types.StateOK,
			},
		}
		return m.exec.Submit(chain)
	}

	// Attached: detach, extend, reattach. The owning instance is held in
	// UPDATING for the duration so no other operation races it. A failure
	// leaves both records at the last completed step.
	instanceID := volume.InstanceID
	device := volume.Device

	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "mark instance resizing",
			Call: func(ctx context.Context) error {
				if _, err := m.store.TransitionInstance(instanceID,
					[]types.State{types.StateOK}, types.StateUpdateScheduled); err != nil {
					return err
				}
				_, err := m.store.TransitionInstance(instanceID,
					[]types.State{types.StateUpdateScheduled}, types.StateUpdating)
				return err
			},
		},
		executor.BackendCallStep{
			Desc: "detach volume",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateUpdateScheduled},
				To:   types.StateUpdating,
			},
			Call: func(ctx context.Context) error {
				return b.DetachVolume(ctx, volumeID)
			},
		},
		m.volumePollStep(b, volumeID, "wait until volume available", types.RuntimeVolumeAvailable),
		executor.BackendCallStep{
			Desc: "extend volume",
			Call: func(ctx context.Context) error {
				return b.ExtendVolume(ctx, volumeID, newSizeMB)
			},
		},
		m.volumePollStep(b, volumeID, "wait until volume available after extend", types.RuntimeVolumeAvailable),
		executor.BackendCallStep{
			Desc: "reattach volume",
			Call: func(ctx context.Context) error {
				return b.AttachVolume(ctx, volumeID, instanceID, device)
			},
		},
		m.volumePollStep(b, volumeID, "wait until volume in use", types.RuntimeVolumeInUse),
		executor.TransitionStep{
			Desc: "volume ok",
			From: []types.State{types.StateUpdating},
			To:   types.StateOK,
		},
		executor.BackendCallStep{
			Desc: "instance ok",
			Call: func(ctx context.Context) error {
				_, err := m.store.TransitionInstance(instanceID,
					[]types.State{types.StateUpdating}, types.StateOK)
				return err
			},
		},
	}
	return m.exec.Submit(chain)
}

// AttachVolume attaches a detached volume to an instance.
func (m *Manager) AttachVolume(volumeID, instanceID, device string) error {
	volume, err := m.store.TransitionVolume(volumeID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}

	b, err := m.backendFor(volume.AccountID)
	if err != nil {
		return err
	}

	chain := m.volumeChain("volume.attach", volume)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "attach volume",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateUpdateScheduled},
				To:   types.StateUpdating,
			},
			Call: func(ctx context.Context) error {
				return b.AttachVolume(ctx, volumeID, instanceID, device)
			},
		},
		m.volumePollStep(b, volumeID, "wait until volume in use", types.RuntimeVolumeInUse),
		executor.TransitionStep{
			Desc: "volume ok",
			From: []types.State{types.StateUpdating},
			To:   types.StateOK,
		},
	}
	return m.exec.Submit(chain)
}

// DetachVolume detaches a volume from its instance.
func (m *Manager) DetachVolume(volumeID string) error {
	volume, err := m.store.TransitionVolume(volumeID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}

	b, err := m.backendFor(volume.AccountID)
	if err != nil {
		return err
	}

	chain := m.volumeChain("volume.detach", volume)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "detach volume",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateUpdateScheduled},
				To:   types.StateUpdating,
			},
			Call: func(ctx context.Context) error {
				return b.DetachVolume(ctx, volumeID)
			},
		},
		m.volumePollStep(b, volumeID, "wait until volume available", types.RuntimeVolumeAvailable),
		executor.TransitionStep{
			Desc: "volume ok",
			From: []types.State{types.StateUpdating},
			To:   types.StateOK,
		},
	}
	return m.exec.Submit(chain)
}

// PullVolume refreshes one volume's runtime state outside the periodic
// reconciliation.
func (m *Manager) PullVolume(ctx context.Context, volumeID string) error {
	volume, err := m.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	b, err := m.backendFor(volume.AccountID)
	if err != nil {
		return err
	}
	return b.PullVolumeRuntimeState(ctx, volumeID)
}
