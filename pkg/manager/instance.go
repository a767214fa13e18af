package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nimbusops/nimbus/pkg/backend"
	"github.com/nimbusops/nimbus/pkg/executor"
	"github.com/nimbusops/nimbus/pkg/types"
)

func (m *Manager) instanceChain(operation string, instance *types.Instance) *executor.Chain {
	id := instance.ID
	return &executor.Chain{
		Operation:    operation,
		ResourceType: "instance",
		ResourceID:   id,
		AccountID:    instance.AccountID,
		Transition: func(from []types.State, to types.State) error {
			_, err := m.store.TransitionInstance(id, from, to)
			return err
		},
		Fail: func(message string) {
			if _, err := m.store.MutateInstance(id, zeroTime, func(i *types.Instance) {
				i.State = types.StateErred
				i.ErrorMessage = message
			}); err != nil {
				m.logger.Error().Err(err).Str("instance", id).Msg("failed to mark instance erred")
			}
		},
	}
}

func (m *Manager) instancePollStep(b *backend.Backend, instanceID, desc, success string) executor.PollStep {
	return executor.PollStep{
		Desc: desc,
		Poll: func(ctx context.Context) error {
			return b.PullInstanceRuntimeState(ctx, instanceID)
		},
		Read: func() (string, error) {
			instance, err := m.store.GetInstance(instanceID)
			if err != nil {
				return "", err
			}
			return instance.RuntimeState, nil
		},
		Success:     success,
		Failure:     types.RuntimeInstanceError,
		MaxAttempts: m.pollAttempts,
		Delay:       m.pollDelay,
	}
}

// CreateInstanceRequest describes a new instance and its volume pair.
type CreateInstanceRequest struct {
	Instance *types.Instance
	// SystemVolume must be bootable, DataVolume must not.
	SystemVolume *types.Volume
	DataVolume   *types.Volume

	AllocateFloatingIP bool
}

// CreateInstance persists the instance and its two volumes in
// CREATION_SCHEDULED and submits one chain that creates the volumes,
// boots the server from them, and settles everything in OK. On failure,
// volumes that never reached the backend are deleted and half-created
// ones are marked ERRED; volumes that reached OK are left alone.
func (m *Manager) CreateInstance(req CreateInstanceRequest) error {
	instance := req.Instance
	system, data := req.SystemVolume, req.DataVolume

	if system == nil || data == nil {
		return fmt.Errorf("%w: instance needs a system and a data volume", backend.ErrPrecondition)
	}
	if !system.Bootable || data.Bootable {
		return fmt.Errorf("%w: system volume must be bootable, data volume must not",
			backend.ErrPrecondition)
	}

	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}

	for _, volume := range []*types.Volume{system, data} {
		if volume.ID == "" {
			volume.ID = uuid.New().String()
		}
		volume.AccountID = instance.AccountID
		volume.State = types.StateCreationScheduled
		if err := m.store.CreateVolume(volume); err != nil {
			return err
		}
	}

	if instance.ID == "" {
		instance.ID = uuid.New().String()
	}
	instance.VolumeIDs = []string{system.ID, data.ID}
	instance.State = types.StateCreationScheduled
	if err := m.store.CreateInstance(instance); err != nil {
		return err
	}

	chain := m.instanceChain("instance.create", instance)

	var steps []executor.Step
	for _, volume := range []*types.Volume{system, data} {
		volumeID := volume.ID
		steps = append(steps,
			executor.BackendCallStep{
				Desc:         fmt.Sprintf("create volume %s", volumeID),
				Throttled:    true,
				ThrottleType: "volume",
				Call: func(ctx context.Context) error {
					if _, err := m.store.TransitionVolume(volumeID,
						[]types.State{types.StateCreationScheduled}, types.StateCreating); err != nil {
						return err
					}
					return b.CreateVolume(ctx, volumeID)
				},
			},
			m.volumePollStep(b, volumeID, "wait until volume available", types.RuntimeVolumeAvailable),
			executor.BackendCallStep{
				Desc: fmt.Sprintf("volume %s ok", volumeID),
				Call: func(ctx context.Context) error {
					_, err := m.store.TransitionVolume(volumeID,
						[]types.State{types.StateCreating}, types.StateOK)
					return err
				},
			},
		)
	}

	steps = append(steps,
		executor.BackendCallStep{
			Desc: "boot server from volumes",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateCreationScheduled},
				To:   types.StateCreating,
			},
			Throttled: true,
			Call: func(ctx context.Context) error {
				return b.CreateInstance(ctx, instance.ID, req.AllocateFloatingIP)
			},
		},
		executor.TransitionStep{
			Desc: "instance ok",
			From: []types.State{types.StateCreating},
			To:   types.StateOK,
		},
	)
	chain.Steps = steps
	chain.Cleanup = m.instanceCreateCleanup(instance.ID, []string{system.ID, data.ID})
	return m.exec.Submit(chain)
}

// instanceCreateCleanup handles the volume pair after a failed instance
// creation: delete records that never reached the backend, mark
// half-created ones ERRED, leave OK volumes alone.
func (m *Manager) instanceCreateCleanup(instanceID string, volumeIDs []string) func(ctx context.Context) {
	return func(ctx context.Context) {
		for _, volumeID := range volumeIDs {
			volume, err := m.store.GetVolume(volumeID)
			if err != nil {
				continue
			}
			switch {
			case volume.BackendID == "":
				if err := m.store.DeleteVolume(volumeID); err != nil {
					m.logger.Error().Err(err).Str("volume", volumeID).
						Msg("failed to delete unprovisioned volume")
				}
			case volume.State != types.StateOK:
				if _, err := m.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
					v.State = types.StateErred
					v.ErrorMessage = fmt.Sprintf("instance %s creation failed", instanceID)
				}); err != nil {
					m.logger.Error().Err(err).Str("volume", volumeID).
						Msg("failed to mark volume erred")
				}
			}
		}
	}
}

// DeleteInstance schedules instance deletion. Its volumes stay behind,
// detached.
func (m *Manager) DeleteInstance(instanceID string) error {
	instance, err := m.store.TransitionInstance(instanceID,
		[]types.State{types.StateOK, types.StateErred}, types.StateDeletionScheduled)
	if err != nil {
		return err
	}

	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}

	chain := m.instanceChain("instance.delete", instance)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "delete server on backend",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateDeletionScheduled},
				To:   types.StateDeleting,
			},
			Call: func(ctx context.Context) error {
				return b.DeleteInstance(ctx, instanceID)
			},
		},
		executor.ExistenceStep{
			Desc: "confirm server gone",
			Deleted: func(ctx context.Context) (bool, error) {
				return b.IsInstanceDeleted(ctx, instanceID)
			},
			MaxAttempts: m.pollAttempts,
			Delay:       m.pollDelay,
		},
	}
	chain.Finalize = func() error {
		for _, volumeID := range instance.VolumeIDs {
			if _, err := m.store.MutateVolume(volumeID, zeroTime, func(v *types.Volume) {
				v.InstanceID = ""
				v.Device = ""
			}); err != nil {
				m.logger.Warn().Err(err).Str("volume", volumeID).Msg("failed to detach volume record")
			}
		}
		return m.store.DeleteInstance(instanceID)
	}
	return m.exec.Submit(chain)
}

// powerChain builds the shared start/stop/restart chain shape.
func (m *Manager) powerChain(operation string, instance *types.Instance, b *backend.Backend,
	call func(ctx context.Context) error, targetRuntime string) *executor.Chain {
	chain := m.instanceChain(operation, instance)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: operation,
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateUpdateScheduled},
				To:   types.StateUpdating,
			},
			Call: call,
		},
		m.instancePollStep(b, instance.ID, "wait for runtime state "+targetRuntime, targetRuntime),
		executor.TransitionStep{
			Desc: "instance ok",
			From: []types.State{types.StateUpdating},
			To:   types.StateOK,
		},
	}
	return chain
}

// StartInstance powers the instance on.
func (m *Manager) StartInstance(instanceID string) error {
	instance, err := m.store.TransitionInstance(instanceID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}
	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}
	chain := m.powerChain("instance.start", instance, b, func(ctx context.Context) error {
		return b.StartInstance(ctx, instanceID)
	}, types.RuntimeInstanceActive)
	return m.exec.Submit(chain)
}

// StopInstance powers the instance off.
func (m *Manager) StopInstance(instanceID string) error {
	instance, err := m.store.TransitionInstance(instanceID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}
	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}
	chain := m.powerChain("instance.stop", instance, b, func(ctx context.Context) error {
		return b.StopInstance(ctx, instanceID)
	}, types.RuntimeInstanceShutoff)
	return m.exec.Submit(chain)
}

// RestartInstance reboots the instance.
func (m *Manager) RestartInstance(instanceID string) error {
	instance, err := m.store.TransitionInstance(instanceID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}
	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}
	chain := m.powerChain("instance.restart", instance, b, func(ctx context.Context) error {
		return b.RestartInstance(ctx, instanceID)
	}, types.RuntimeInstanceActive)
	return m.exec.Submit(chain)
}

// ResizeInstance moves the instance to a new flavor.
func (m *Manager) ResizeInstance(instanceID, flavorName string) error {
	instance, err := m.store.TransitionInstance(instanceID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}
	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}
	chain := m.powerChain("instance.resize", instance, b, func(ctx context.Context) error {
		return b.ResizeInstance(ctx, instanceID, flavorName)
	}, types.RuntimeInstanceActive)
	return m.exec.Submit(chain)
}

// AssignFloatingIP books a floating IP for the instance.
func (m *Manager) AssignFloatingIP(instanceID string) error {
	instance, err := m.store.TransitionInstance(instanceID,
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	if err != nil {
		return err
	}
	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}

	chain := m.instanceChain("instance.assign_floating_ip", instance)
	chain.Steps = []executor.Step{
		executor.BackendCallStep{
			Desc: "assign floating ip",
			Enter: &executor.TransitionStep{
				From: []types.State{types.StateUpdateScheduled},
				To:   types.StateUpdating,
			},
			Call: func(ctx context.Context) error {
				return b.AssignFloatingIP(ctx, instanceID)
			},
		},
		executor.TransitionStep{
			Desc: "instance ok",
			From: []types.State{types.StateUpdating},
			To:   types.StateOK,
		},
	}
	return m.exec.Submit(chain)
}

// PullInstance refreshes one instance's runtime state and security group
// membership.
func (m *Manager) PullInstance(ctx context.Context, instanceID string) error {
	instance, err := m.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	b, err := m.backendFor(instance.AccountID)
	if err != nil {
		return err
	}
	if err := b.PullInstanceRuntimeState(ctx, instanceID); err != nil {
		return err
	}
	return b.PullInstanceSecurityGroups(ctx, instanceID)
}
