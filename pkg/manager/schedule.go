package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusops/nimbus/pkg/types"
)

// CreateSchedule validates and persists a backup/snapshot schedule, with
// its first trigger time computed from the cron expression.
func (m *Manager) CreateSchedule(schedule *types.Schedule) error {
	switch schedule.Kind {
	case types.ScheduleBackup:
		if _, err := m.store.GetInstance(schedule.SourceID); err != nil {
			return fmt.Errorf("backup schedule source: %w", err)
		}
	case types.ScheduleSnapshot:
		if _, err := m.store.GetVolume(schedule.SourceID); err != nil {
			return fmt.Errorf("snapshot schedule source: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}

	if schedule.Timezone == "" {
		schedule.Timezone = "UTC"
	}
	next, err := NextTrigger(schedule, time.Now())
	if err != nil {
		return err
	}

	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	schedule.NextTriggerAt = next
	return m.store.CreateSchedule(schedule)
}

// UpdateSchedule persists changes and recomputes the next trigger.
func (m *Manager) UpdateSchedule(schedule *types.Schedule) error {
	next, err := NextTrigger(schedule, time.Now())
	if err != nil {
		return err
	}
	schedule.NextTriggerAt = next
	return m.store.UpdateSchedule(schedule)
}

// DeleteSchedule removes a schedule. Resources it produced stay behind
// and age out through the expiry sweep.
func (m *Manager) DeleteSchedule(scheduleID string) error {
	return m.store.DeleteSchedule(scheduleID)
}

// ActivateSchedule enables a schedule, recomputing its trigger so a long
// deactivation does not fire a backlog.
func (m *Manager) ActivateSchedule(scheduleID string) error {
	schedule, err := m.store.GetSchedule(scheduleID)
	if err != nil {
		return err
	}
	next, err := NextTrigger(schedule, time.Now())
	if err != nil {
		return err
	}
	schedule.IsActive = true
	schedule.NextTriggerAt = next
	return m.store.UpdateSchedule(schedule)
}

// DeactivateSchedule disables a schedule.
func (m *Manager) DeactivateSchedule(scheduleID string) error {
	schedule, err := m.store.GetSchedule(scheduleID)
	if err != nil {
		return err
	}
	schedule.IsActive = false
	return m.store.UpdateSchedule(schedule)
}
