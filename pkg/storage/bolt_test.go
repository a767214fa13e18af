package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAccount(t *testing.T, store *BoltStore, id string) {
	t.Helper()
	require.NoError(t, store.CreateAccount(&types.Account{
		ID:    id,
		Name:  id,
		State: types.StateOK,
	}))
}

// TestAccountCRUD tests the basic account lifecycle
func TestAccountCRUD(t *testing.T) {
	store := newTestStore(t)

	account := &types.Account{ID: "acc-1", Name: "dev", State: types.StateOK}
	require.NoError(t, store.CreateAccount(account))

	got, err := store.GetAccount("acc-1")
	require.NoError(t, err)
	assert.Equal(t, "dev", got.Name)

	got.Name = "prod"
	require.NoError(t, store.UpdateAccount(got))

	got, err = store.GetAccount("acc-1")
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Name)
	assert.False(t, got.ModifiedAt.IsZero())

	accounts, err := store.ListAccounts()
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	require.NoError(t, store.DeleteAccount("acc-1"))
	_, err = store.GetAccount("acc-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestAdjustQuota tests usage counters, including the zero floor
func TestAdjustQuota(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "acc-1")

	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaVolumes, 3))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaVolumes, -1))

	account, err := store.GetAccount("acc-1")
	require.NoError(t, err)
	require.Contains(t, account.Quotas, types.QuotaVolumes)
	assert.Equal(t, int64(2), account.Quotas[types.QuotaVolumes].Usage)
	assert.Equal(t, int64(-1), account.Quotas[types.QuotaVolumes].Limit)

	// Usage never drops below zero.
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaVolumes, -10))
	account, err = store.GetAccount("acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Quotas[types.QuotaVolumes].Usage)

	err = store.AdjustQuota("missing", types.QuotaVolumes, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSetQuotaLimit tests limit updates on fresh and existing counters
func TestSetQuotaLimit(t *testing.T) {
	store := newTestStore(t)
	seedAccount(t, store, "acc-1")

	require.NoError(t, store.SetQuotaLimit("acc-1", types.QuotaInstances, 10))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaInstances, 4))

	account, err := store.GetAccount("acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Quotas[types.QuotaInstances].Limit)
	assert.Equal(t, int64(4), account.Quotas[types.QuotaInstances].Usage)
}

// TestPropertyUpsertDedupe tests that property records are keyed
// (account, backend id) and upserting twice does not duplicate
func TestPropertyUpsertDedupe(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertFlavor(&types.Flavor{
		ID: "f-1", AccountID: "acc-1", BackendID: "be-1", Name: "small", Cores: 1,
	}))
	require.NoError(t, store.UpsertFlavor(&types.Flavor{
		ID: "f-1", AccountID: "acc-1", BackendID: "be-1", Name: "small", Cores: 2,
	}))
	require.NoError(t, store.UpsertFlavor(&types.Flavor{
		ID: "f-2", AccountID: "acc-2", BackendID: "be-1", Name: "small", Cores: 4,
	}))

	flavors, err := store.ListFlavorsByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, flavors, 1)
	assert.Equal(t, 2, flavors[0].Cores)

	// The same backend id under another account is a separate record.
	other, err := store.ListFlavorsByAccount("acc-2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, 4, other[0].Cores)

	found, err := store.FindFlavorByName("acc-1", "small")
	require.NoError(t, err)
	assert.Equal(t, "be-1", found.BackendID)

	_, err = store.FindFlavorByName("acc-1", "huge")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteFlavor("acc-1", "be-1"))
	flavors, err = store.ListFlavorsByAccount("acc-1")
	require.NoError(t, err)
	assert.Empty(t, flavors)
}

// TestScanAccountPrefixIsolation tests that an account id which is a
// prefix of another does not leak records across accounts
func TestScanAccountPrefixIsolation(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.UpsertImage(&types.Image{
		ID: "i-1", AccountID: "acc", BackendID: "img-1", Name: "debian",
	}))
	require.NoError(t, store.UpsertImage(&types.Image{
		ID: "i-2", AccountID: "acc-long", BackendID: "img-2", Name: "ubuntu",
	}))

	images, err := store.ListImagesByAccount("acc")
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "debian", images[0].Name)
}

// TestTransitionVolume tests the compare-and-set transition guard
func TestTransitionVolume(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", State: types.StateOK,
	}))

	// First caller wins the OK source state.
	out, err := store.TransitionVolume("vol-1",
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	require.NoError(t, err)
	assert.Equal(t, types.StateUpdateScheduled, out.State)

	// Second caller finds the state already moved.
	_, err = store.TransitionVolume("vol-1",
		[]types.State{types.StateOK}, types.StateDeletionScheduled)
	assert.ErrorIs(t, err, ErrConflict)

	// A transition absent from the state machine is rejected even when
	// the source matches.
	_, err = store.TransitionVolume("vol-1",
		[]types.State{types.StateUpdateScheduled}, types.StateDeleting)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.TransitionVolume("missing",
		[]types.State{types.StateOK}, types.StateUpdateScheduled)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestMutateVolumeModifiedSinceGuard tests that a pull-style mutation
// loses to a concurrent user action
func TestMutateVolumeModifiedSinceGuard(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", State: types.StateOK, SizeMB: 1024,
	}))

	// Pull began before the record's last modification: the record moved
	// underneath the pull, so the guarded mutation is rejected.
	pullStarted := time.Now().Add(-time.Minute)
	_, err := store.MutateVolume("vol-1", pullStarted, func(v *types.Volume) {
		v.SizeMB = 2048
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, 1024, got.SizeMB)

	// A zero timestamp skips the guard.
	out, err := store.MutateVolume("vol-1", time.Time{}, func(v *types.Volume) {
		v.SizeMB = 2048
	})
	require.NoError(t, err)
	assert.Equal(t, 2048, out.SizeMB)

	// A pull that began after the last modification passes.
	out, err = store.MutateVolume("vol-1", time.Now().Add(time.Minute), func(v *types.Volume) {
		v.RuntimeState = types.RuntimeVolumeAvailable
	})
	require.NoError(t, err)
	assert.Equal(t, types.RuntimeVolumeAvailable, out.RuntimeState)
}

// TestCountVolumesInState tests the throttle admission counter
func TestCountVolumesInState(t *testing.T) {
	store := newTestStore(t)

	for _, v := range []*types.Volume{
		{ID: "v1", AccountID: "acc-1", State: types.StateCreating},
		{ID: "v2", AccountID: "acc-1", State: types.StateCreating},
		{ID: "v3", AccountID: "acc-1", State: types.StateOK},
		{ID: "v4", AccountID: "acc-2", State: types.StateCreating},
	} {
		require.NoError(t, store.CreateVolume(v))
	}

	count, err := store.CountVolumesInState("acc-1", types.StateCreating)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = store.CountVolumesInState("acc-2", types.StateCreating)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// TestFindVolumeByBackendID tests backend id resolution scoped to account
func TestFindVolumeByBackendID(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "v1", AccountID: "acc-1", BackendID: "be-1", State: types.StateOK,
	}))

	found, err := store.FindVolumeByBackendID("acc-1", "be-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", found.ID)

	_, err = store.FindVolumeByBackendID("acc-2", "be-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestSnapshotScheduleListing tests listing snapshots by producing schedule
func TestSnapshotScheduleListing(t *testing.T) {
	store := newTestStore(t)

	for _, s := range []*types.Snapshot{
		{ID: "s1", AccountID: "acc-1", ScheduleID: "sched-1", State: types.StateOK},
		{ID: "s2", AccountID: "acc-1", ScheduleID: "sched-1", State: types.StateOK},
		{ID: "s3", AccountID: "acc-1", ScheduleID: "", State: types.StateOK},
	} {
		require.NoError(t, store.CreateSnapshot(s))
	}

	bySchedule, err := store.ListSnapshotsBySchedule("sched-1")
	require.NoError(t, err)
	assert.Len(t, bySchedule, 2)

	byAccount, err := store.ListSnapshotsByAccount("acc-1")
	require.NoError(t, err)
	assert.Len(t, byAccount, 3)
}

// TestTransitionInstanceOnlyOneWinner tests that exactly one of two
// competing transitions from OK succeeds
func TestTransitionInstanceOnlyOneWinner(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", State: types.StateOK,
	}))

	results := make(chan error, 2)
	go func() {
		_, err := store.TransitionInstance("inst-1",
			[]types.State{types.StateOK}, types.StateUpdateScheduled)
		results <- err
	}()
	go func() {
		_, err := store.TransitionInstance("inst-1",
			[]types.State{types.StateOK}, types.StateDeletionScheduled)
		results <- err
	}()

	var failures int
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			assert.ErrorIs(t, err, ErrConflict)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one transition must lose")

	got, err := store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.True(t, got.State == types.StateUpdateScheduled || got.State == types.StateDeletionScheduled)
}

// TestScheduleCRUD tests schedule persistence and account filtering
func TestScheduleCRUD(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateSchedule(&types.Schedule{
		ID: "sched-1", AccountID: "acc-1", Kind: types.ScheduleBackup,
		CronExpression: "0 3 * * *", Timezone: "UTC", IsActive: true,
	}))
	require.NoError(t, store.CreateSchedule(&types.Schedule{
		ID: "sched-2", AccountID: "acc-2", Kind: types.ScheduleSnapshot,
		CronExpression: "*/5 * * * *", Timezone: "UTC",
	}))

	all, err := store.ListSchedules()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := store.ListSchedulesByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "sched-1", filtered[0].ID)

	sched, err := store.GetSchedule("sched-2")
	require.NoError(t, err)
	sched.IsActive = true
	require.NoError(t, store.UpdateSchedule(sched))

	sched, err = store.GetSchedule("sched-2")
	require.NoError(t, err)
	assert.True(t, sched.IsActive)

	require.NoError(t, store.DeleteSchedule("sched-1"))
	_, err = store.GetSchedule("sched-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestBackupTransitions tests the backup lifecycle through the guard
func TestBackupTransitions(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateBackup(&types.Backup{
		ID: "b-1", AccountID: "acc-1", InstanceID: "inst-1",
		State: types.StateCreationScheduled,
	}))

	_, err := store.TransitionBackup("b-1",
		[]types.State{types.StateCreationScheduled}, types.StateCreating)
	require.NoError(t, err)

	out, err := store.TransitionBackup("b-1",
		[]types.State{types.StateCreating}, types.StateOK)
	require.NoError(t, err)
	assert.Equal(t, types.StateOK, out.State)

	_, err = store.TransitionBackup("b-1",
		[]types.State{types.StateCreating}, types.StateOK)
	assert.ErrorIs(t, err, ErrConflict)
}
