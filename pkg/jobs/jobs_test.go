package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/pkg/backend"
	"github.com/nimbusops/nimbus/pkg/cloud"
	"github.com/nimbusops/nimbus/pkg/executor"
	"github.com/nimbusops/nimbus/pkg/manager"
	"github.com/nimbusops/nimbus/pkg/reconciler"
	"github.com/nimbusops/nimbus/pkg/storage"
	"github.com/nimbusops/nimbus/pkg/types"
)

func newTestRunner(t *testing.T, cfg Config) (*Runner, *storage.BoltStore, *cloud.FakeClient) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateAccount(&types.Account{
		ID: "acc-1", Name: "dev", State: types.StateOK,
		ExternalNetworkID: "ext-net", InternalNetworkID: "int-net",
	}))

	fake := cloud.NewFake()
	clients := backend.StaticFactory(fake)
	rec := reconciler.New(store, clients)

	exec := executor.New(store, nil,
		executor.WithWorkers(4),
		executor.WithThrottleDelay(time.Millisecond),
	)
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)

	mgr := manager.New(store, exec, rec, clients, nil, manager.Config{
		PollDelay:    time.Millisecond,
		PollAttempts: 200,
	})
	return New(store, mgr, cfg), store, fake
}

// seedProvisionedInstance stores an instance with two volumes that exist
// on the fake backend, ready to be backed up.
func seedProvisionedInstance(t *testing.T, store *storage.BoltStore, fake *cloud.FakeClient) {
	t.Helper()
	fake.SeedVolume(cloud.Volume{ID: "be-1", Status: "available", SizeGB: 10})
	fake.SeedVolume(cloud.Volume{ID: "be-2", Status: "available", SizeGB: 20})
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", BackendID: "be-1", Name: "sys",
		SizeMB: 10240, State: types.StateOK,
	}))
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-2", AccountID: "acc-1", BackendID: "be-2", Name: "data",
		SizeMB: 20480, State: types.StateOK,
	}))
	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", BackendID: "srv-1", Name: "web",
		VolumeIDs: []string{"vol-1", "vol-2"}, State: types.StateOK,
	}))
}

// TestFireSchedulesCreatesBackup tests that a due backup schedule
// produces one backup covering every instance volume and advances its
// trigger
func TestFireSchedulesCreatesBackup(t *testing.T) {
	runner, store, fake := newTestRunner(t, Config{})
	ctx := context.Background()
	seedProvisionedInstance(t, store, fake)

	schedule := &types.Schedule{
		ID: "sched-1", AccountID: "acc-1",
		Kind: types.ScheduleBackup, SourceID: "inst-1",
		CronExpression: "*/5 * * * *", Timezone: "UTC",
		IsActive: true, RetentionDays: 7,
		NextTriggerAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.CreateSchedule(schedule))

	fired := time.Now()
	require.NoError(t, runner.FireSchedules(ctx))

	var backup *types.Backup
	require.Eventually(t, func() bool {
		backups, err := store.ListBackupsByAccount("acc-1")
		if err != nil || len(backups) != 1 {
			return false
		}
		backup = backups[0]
		return backup.State == types.StateOK
	}, 5*time.Second, 5*time.Millisecond)

	assert.Contains(t, backup.Name, "scheduled-")
	assert.Equal(t, "sched-1", backup.ScheduleID)
	assert.Len(t, backup.SnapshotIDs, 2)
	require.NotNil(t, backup.KeptUntil)
	assert.WithinDuration(t, fired.AddDate(0, 0, 7), *backup.KeptUntil, time.Minute)

	advanced, err := store.GetSchedule("sched-1")
	require.NoError(t, err)
	assert.True(t, advanced.NextTriggerAt.After(fired))

	// Not due again: a second pass fires nothing.
	require.NoError(t, runner.FireSchedules(ctx))
	backups, err := store.ListBackupsByAccount("acc-1")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

// TestFireSchedulesSkipsInactive tests that deactivated schedules never
// fire even when overdue
func TestFireSchedulesSkipsInactive(t *testing.T) {
	runner, store, fake := newTestRunner(t, Config{})
	ctx := context.Background()
	seedProvisionedInstance(t, store, fake)

	require.NoError(t, store.CreateSchedule(&types.Schedule{
		ID: "sched-1", AccountID: "acc-1",
		Kind: types.ScheduleBackup, SourceID: "inst-1",
		CronExpression: "*/5 * * * *", Timezone: "UTC",
		IsActive:      false,
		NextTriggerAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, runner.FireSchedules(ctx))
	time.Sleep(20 * time.Millisecond)

	backups, err := store.ListBackupsByAccount("acc-1")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

// TestFireSchedulesSnapshot tests snapshot schedules name their output
// after the source volume
func TestFireSchedulesSnapshot(t *testing.T) {
	runner, store, fake := newTestRunner(t, Config{})
	ctx := context.Background()

	fake.SeedVolume(cloud.Volume{ID: "be-1", Status: "available", SizeGB: 10})
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", BackendID: "be-1", Name: "data",
		SizeMB: 10240, State: types.StateOK,
	}))
	require.NoError(t, store.CreateSchedule(&types.Schedule{
		ID: "sched-1", AccountID: "acc-1",
		Kind: types.ScheduleSnapshot, SourceID: "vol-1",
		CronExpression: "*/10 * * * *", Timezone: "UTC",
		IsActive:      true,
		NextTriggerAt: time.Now().Add(-time.Minute),
	}))

	require.NoError(t, runner.FireSchedules(ctx))

	var snapshot *types.Snapshot
	require.Eventually(t, func() bool {
		snapshots, err := store.ListSnapshotsByAccount("acc-1")
		if err != nil || len(snapshots) != 1 {
			return false
		}
		snapshot = snapshots[0]
		return snapshot.State == types.StateOK
	}, 5*time.Second, 5*time.Millisecond)

	assert.Contains(t, snapshot.Name, "data-scheduled-")
	assert.Equal(t, "vol-1", snapshot.SourceVolumeID)
	assert.Equal(t, "sched-1", snapshot.ScheduleID)
	assert.NotEmpty(t, snapshot.BackendID)
	assert.Nil(t, snapshot.KeptUntil, "no retention days configured")
}

// TestRetireSnapshots tests that the oldest schedule-produced snapshots
// beyond the retained count are deleted, by creation time rather than
// key order
func TestRetireSnapshots(t *testing.T) {
	runner, store, _ := newTestRunner(t, Config{})

	schedule := &types.Schedule{
		ID: "sched-1", AccountID: "acc-1",
		Kind: types.ScheduleSnapshot, SourceID: "vol-1",
		CronExpression: "*/10 * * * *", Timezone: "UTC",
		IsActive: true, MaxRetained: 2,
	}
	require.NoError(t, store.CreateSchedule(schedule))

	// The oldest snapshot sorts last by id. Never provisioned on the
	// backend, so deletion needs no fake state.
	base := time.Now().Add(-time.Hour)
	ages := map[string]time.Time{
		"snap-a": base.Add(2 * time.Minute),
		"snap-b": base.Add(time.Minute),
		"snap-c": base,
	}
	for id, createdAt := range ages {
		require.NoError(t, store.CreateSnapshot(&types.Snapshot{
			ID: id, AccountID: "acc-1", Name: id,
			SourceVolumeID: "vol-1", ScheduleID: "sched-1",
			State: types.StateOK, CreatedAt: createdAt,
		}))
	}

	require.NoError(t, runner.retireSnapshots(schedule))

	require.Eventually(t, func() bool {
		snapshots, err := store.ListSnapshotsBySchedule("sched-1")
		return err == nil && len(snapshots) == 2
	}, 5*time.Second, 5*time.Millisecond)

	_, err := store.GetSnapshot("snap-c")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetSnapshot("snap-a")
	assert.NoError(t, err)
}

// TestSweepExpired tests that stable snapshots and backups past their
// kept_until are deleted while keepers survive
func TestSweepExpired(t *testing.T) {
	runner, store, _ := newTestRunner(t, Config{})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, store.CreateSnapshot(&types.Snapshot{
		ID: "snap-old", AccountID: "acc-1", Name: "old",
		State: types.StateOK, KeptUntil: &past,
	}))
	require.NoError(t, store.CreateSnapshot(&types.Snapshot{
		ID: "snap-new", AccountID: "acc-1", Name: "new",
		State: types.StateOK, KeptUntil: &future,
	}))
	require.NoError(t, store.CreateSnapshot(&types.Snapshot{
		ID: "snap-manual", AccountID: "acc-1", Name: "manual",
		State: types.StateOK,
	}))
	require.NoError(t, store.CreateBackup(&types.Backup{
		ID: "bak-old", AccountID: "acc-1", InstanceID: "inst-1",
		Name: "old", State: types.StateOK, KeptUntil: &past,
	}))

	require.NoError(t, runner.SweepExpired(ctx))

	require.Eventually(t, func() bool {
		_, snapErr := store.GetSnapshot("snap-old")
		_, bakErr := store.GetBackup("bak-old")
		return snapErr != nil && bakErr != nil
	}, 5*time.Second, 5*time.Millisecond)

	_, err := store.GetSnapshot("snap-new")
	assert.NoError(t, err)
	_, err = store.GetSnapshot("snap-manual")
	assert.NoError(t, err, "no kept_until means kept forever")
}

// TestSweepStuck tests that resources sitting in a transitional state
// past the threshold are forced to ERRED with the old state named
func TestSweepStuck(t *testing.T) {
	runner, store, _ := newTestRunner(t, Config{StuckThreshold: time.Nanosecond})
	ctx := context.Background()

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", Name: "stuck",
		State: types.StateCreating,
	}))
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-2", AccountID: "acc-1", Name: "fine",
		State: types.StateOK,
	}))
	require.NoError(t, store.CreateSnapshot(&types.Snapshot{
		ID: "snap-1", AccountID: "acc-1", Name: "stuck",
		State: types.StateDeleting,
	}))
	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", Name: "stuck",
		State: types.StateUpdating,
	}))

	// Let the records age past the threshold.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, runner.SweepStuck(ctx))

	volume, err := store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateErred, volume.State)
	assert.Contains(t, volume.ErrorMessage, "stuck in state creating")

	volume, err = store.GetVolume("vol-2")
	require.NoError(t, err)
	assert.Equal(t, types.StateOK, volume.State)
	assert.Empty(t, volume.ErrorMessage)

	snapshot, err := store.GetSnapshot("snap-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateErred, snapshot.State)
	assert.Contains(t, snapshot.ErrorMessage, "stuck in state deleting")

	instance, err := store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateErred, instance.State)
	assert.Contains(t, instance.ErrorMessage, "stuck in state updating")
}

// TestConfigDefaults tests interval backfilling
func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.Defaults()
	assert.Equal(t, 5*time.Minute, cfg.PullInterval)
	assert.Equal(t, time.Minute, cfg.ScheduleInterval)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, time.Hour, cfg.StuckThreshold)

	cfg = Config{StuckThreshold: time.Second}
	cfg.Defaults()
	assert.Equal(t, time.Second, cfg.StuckThreshold)
}
