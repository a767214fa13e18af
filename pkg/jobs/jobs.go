package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusops/nimbus/pkg/log"
	"github.com/nimbusops/nimbus/pkg/manager"
	"github.com/nimbusops/nimbus/pkg/storage"
	"github.com/nimbusops/nimbus/pkg/types"
)

// Config carries the periodic job intervals and thresholds.
type Config struct {
	// PullInterval spaces full account reconciliation passes.
	PullInterval time.Duration
	// ScheduleInterval spaces backup/snapshot schedule evaluations.
	ScheduleInterval time.Duration
	// SweepInterval spaces the expiry and stuck-resource sweeps.
	SweepInterval time.Duration
	// StuckThreshold is how long a resource may sit in a transitional
	// state before the sweep forces it to ERRED.
	StuckThreshold time.Duration
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.PullInterval <= 0 {
		c.PullInterval = 5 * time.Minute
	}
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = time.Hour
	}
}

// Runner drives the periodic jobs: account pulls, schedule firing, the
// expiry sweep, and the stuck-resource sweep.
type Runner struct {
	store   storage.Store
	manager *manager.Manager
	logger  zerolog.Logger
	cfg     Config

	stopCh chan struct{}
}

// New creates a job runner.
func New(store storage.Store, mgr *manager.Manager, cfg Config) *Runner {
	cfg.Defaults()
	return &Runner{
		store:   store,
		manager: mgr,
		logger:  log.WithComponent("jobs"),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the job loops.
func (r *Runner) Start(ctx context.Context) {
	go r.loop(ctx, r.cfg.PullInterval, r.PullAll)
	go r.loop(ctx, r.cfg.ScheduleInterval, r.FireSchedules)
	go r.loop(ctx, r.cfg.SweepInterval, r.SweepExpired)
	go r.loop(ctx, r.cfg.SweepInterval, r.SweepStuck)
}

// Stop stops all loops.
func (r *Runner) Stop() {
	close(r.stopCh)
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, job func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := job(ctx); err != nil {
				r.logger.Error().Err(err).Msg("periodic job failed")
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PullAll reconciles every healthy account. One account's failure marks
// that account erred and does not abort the others.
func (r *Runner) PullAll(ctx context.Context) error {
	accounts, err := r.store.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	for _, account := range accounts {
		if account.State == types.StateErred {
			continue
		}
		if err := r.manager.PullAccount(ctx, account.ID); err != nil {
			r.logger.Error().Err(err).Str("account_id", account.ID).
				Msg("account pull failed")
		}
	}
	return nil
}

// FireSchedules creates a backup or snapshot for every active schedule
// whose trigger time has passed, then advances the trigger.
func (r *Runner) FireSchedules(ctx context.Context) error {
	schedules, err := r.store.ListSchedules()
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	now := time.Now()
	for _, schedule := range schedules {
		if !schedule.IsActive || schedule.NextTriggerAt.After(now) {
			continue
		}
		if err := r.fire(schedule, now); err != nil {
			r.logger.Error().Err(err).Str("schedule", schedule.ID).Msg("schedule firing failed")
			continue
		}

		next, err := manager.NextTrigger(schedule, now)
		if err != nil {
			r.logger.Error().Err(err).Str("schedule", schedule.ID).
				Msg("failed to compute next trigger")
			continue
		}
		schedule.NextTriggerAt = next
		if err := r.store.UpdateSchedule(schedule); err != nil {
			r.logger.Error().Err(err).Str("schedule", schedule.ID).
				Msg("failed to advance schedule")
		}
	}
	return nil
}

func (r *Runner) fire(schedule *types.Schedule, now time.Time) error {
	var keptUntil *time.Time
	if schedule.RetentionDays > 0 {
		t := now.AddDate(0, 0, schedule.RetentionDays)
		keptUntil = &t
	}
	stamp := now.Format("20060102-150405")

	switch schedule.Kind {
	case types.ScheduleBackup:
		if err := r.manager.CreateBackup(&types.Backup{
			InstanceID: schedule.SourceID,
			Name:       fmt.Sprintf("scheduled-%s", stamp),
			ScheduleID: schedule.ID,
			KeptUntil:  keptUntil,
		}); err != nil {
			return err
		}
		return r.retireBackups(schedule)
	case types.ScheduleSnapshot:
		volume, err := r.store.GetVolume(schedule.SourceID)
		if err != nil {
			return err
		}
		if err := r.manager.CreateSnapshot(&types.Snapshot{
			AccountID:      volume.AccountID,
			Name:           fmt.Sprintf("%s-scheduled-%s", volume.Name, stamp),
			SourceVolumeID: volume.ID,
			ScheduleID:     schedule.ID,
			KeptUntil:      keptUntil,
		}); err != nil {
			return err
		}
		return r.retireSnapshots(schedule)
	default:
		return fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
}

// retireBackups deletes the oldest schedule-produced backups beyond the
// retention count.
func (r *Runner) retireBackups(schedule *types.Schedule) error {
	if schedule.MaxRetained <= 0 {
		return nil
	}
	backups, err := r.store.ListBackupsBySchedule(schedule.ID)
	if err != nil {
		return err
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.Before(backups[j].CreatedAt)
	})
	for i := 0; i < len(backups)-schedule.MaxRetained; i++ {
		backup := backups[i]
		if !backup.State.IsStable() {
			continue
		}
		if err := r.manager.DeleteBackup(backup.ID); err != nil {
			r.logger.Warn().Err(err).Str("backup", backup.ID).Msg("failed to retire backup")
		}
	}
	return nil
}

// retireSnapshots deletes the oldest schedule-produced snapshots beyond
// the retention count.
func (r *Runner) retireSnapshots(schedule *types.Schedule) error {
	if schedule.MaxRetained <= 0 {
		return nil
	}
	snapshots, err := r.store.ListSnapshotsBySchedule(schedule.ID)
	if err != nil {
		return err
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	for i := 0; i < len(snapshots)-schedule.MaxRetained; i++ {
		snapshot := snapshots[i]
		if !snapshot.State.IsStable() {
			continue
		}
		if err := r.manager.DeleteSnapshot(snapshot.ID); err != nil {
			r.logger.Warn().Err(err).Str("snapshot", snapshot.ID).Msg("failed to retire snapshot")
		}
	}
	return nil
}

// SweepExpired deletes every backup and snapshot whose kept_until has
// passed.
func (r *Runner) SweepExpired(ctx context.Context) error {
	accounts, err := r.store.ListAccounts()
	if err != nil {
		return err
	}
	now := time.Now()

	for _, account := range accounts {
		backups, err := r.store.ListBackupsByAccount(account.ID)
		if err != nil {
			return err
		}
		for _, backup := range backups {
			if backup.KeptUntil == nil || backup.KeptUntil.After(now) || !backup.State.IsStable() {
				continue
			}
			if err := r.manager.DeleteBackup(backup.ID); err != nil {
				r.logger.Warn().Err(err).Str("backup", backup.ID).Msg("failed to expire backup")
			}
		}

		snapshots, err := r.store.ListSnapshotsByAccount(account.ID)
		if err != nil {
			return err
		}
		for _, snapshot := range snapshots {
			if snapshot.KeptUntil == nil || snapshot.KeptUntil.After(now) || !snapshot.State.IsStable() {
				continue
			}
			if err := r.manager.DeleteSnapshot(snapshot.ID); err != nil {
				r.logger.Warn().Err(err).Str("snapshot", snapshot.ID).Msg("failed to expire snapshot")
			}
		}
	}
	return nil
}

// SweepStuck forces resources that have sat in a transitional state past
// the staleness threshold into ERRED.
func (r *Runner) SweepStuck(ctx context.Context) error {
	accounts, err := r.store.ListAccounts()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-r.cfg.StuckThreshold)

	for _, account := range accounts {
		volumes, err := r.store.ListVolumesByAccount(account.ID)
		if err != nil {
			return err
		}
		for _, volume := range volumes {
			if !stuck(volume.State, volume.ModifiedAt, cutoff) {
				continue
			}
			id := volume.ID
			if _, err := r.store.MutateVolume(id, time.Time{}, func(v *types.Volume) {
				v.ErrorMessage = stuckMessage(v.State)
				v.State = types.StateErred
			}); err != nil {
				r.logger.Warn().Err(err).Str("volume", id).Msg("failed to mark stuck volume")
			}
		}

		snapshots, err := r.store.ListSnapshotsByAccount(account.ID)
		if err != nil {
			return err
		}
		for _, snapshot := range snapshots {
			if !stuck(snapshot.State, snapshot.ModifiedAt, cutoff) {
				continue
			}
			id := snapshot.ID
			if _, err := r.store.MutateSnapshot(id, time.Time{}, func(s *types.Snapshot) {
				s.ErrorMessage = stuckMessage(s.State)
				s.State = types.StateErred
			}); err != nil {
				r.logger.Warn().Err(err).Str("snapshot", id).Msg("failed to mark stuck snapshot")
			}
		}

		instances, err := r.store.ListInstancesByAccount(account.ID)
		if err != nil {
			return err
		}
		for _, instance := range instances {
			if !stuck(instance.State, instance.ModifiedAt, cutoff) {
				continue
			}
			id := instance.ID
			if _, err := r.store.MutateInstance(id, time.Time{}, func(i *types.Instance) {
				i.ErrorMessage = stuckMessage(i.State)
				i.State = types.StateErred
			}); err != nil {
				r.logger.Warn().Err(err).Str("instance", id).Msg("failed to mark stuck instance")
			}
		}
	}
	return nil
}

func stuck(state types.State, modifiedAt, cutoff time.Time) bool {
	return state.IsTransitional() && modifiedAt.Before(cutoff)
}

func stuckMessage(state types.State) string {
	return fmt.Sprintf("stuck in state %s past staleness threshold", state)
}
