package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusops/nimbus/pkg/cloud"
	"github.com/nimbusops/nimbus/pkg/storage"
	"github.com/nimbusops/nimbus/pkg/types"
)

func newTestBackend(t *testing.T) (*Backend, *storage.BoltStore, *cloud.FakeClient) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	account := &types.Account{
		ID:                "acc-1",
		Name:              "dev",
		ExternalNetworkID: "ext-net",
		InternalNetworkID: "int-net",
		State:             types.StateOK,
	}
	require.NoError(t, store.CreateAccount(account))

	fake := cloud.NewFake()
	b := New(store, fake, account).WithPollTuning(time.Millisecond, 50)
	return b, store, fake
}

func quotaUsage(t *testing.T, store *storage.BoltStore, name string) int64 {
	t.Helper()
	account, err := store.GetAccount("acc-1")
	require.NoError(t, err)
	q, ok := account.Quotas[name]
	if !ok {
		return 0
	}
	return q.Usage
}

// TestSizeConversion tests the MB/GB translation at the provider boundary
func TestSizeConversion(t *testing.T) {
	tests := []struct {
		mb int
		gb int
	}{
		{0, 0},
		{1, 1},
		{1023, 1},
		{1024, 1},
		{1025, 2},
		{2048, 2},
		{10240, 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.gb, mbToGB(tt.mb), "mbToGB(%d)", tt.mb)
	}
	assert.Equal(t, 3072, gbToMB(3))
	assert.Equal(t, 0, gbToMB(0))
}

// TestCreateVolume tests that creation copies the backend id back and
// books quota
func TestCreateVolume(t *testing.T) {
	b, store, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", Name: "data",
		SizeMB: 10240, State: types.StateCreating,
	}))

	require.NoError(t, b.CreateVolume(ctx, "vol-1"))

	volume, err := store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.NotEmpty(t, volume.BackendID)
	assert.Equal(t, types.RuntimeVolumeAvailable, volume.RuntimeState)

	assert.Equal(t, int64(1), quotaUsage(t, store, types.QuotaVolumes))
	assert.Equal(t, int64(10240), quotaUsage(t, store, types.QuotaStorage))
}

// TestDeleteVolumeNeverProvisioned tests that a volume without a backend
// id deletes without any provider call and without touching quota booked
// by other volumes
func TestDeleteVolumeNeverProvisioned(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	// A provisioned volume holds real quota.
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-live", AccountID: "acc-1", Name: "live",
		SizeMB: 10240, State: types.StateCreating,
	}))
	require.NoError(t, b.CreateVolume(ctx, "vol-live"))
	require.Equal(t, int64(1), quotaUsage(t, store, types.QuotaVolumes))

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", Name: "ghost",
		SizeMB: 1024, State: types.StateDeleting,
	}))

	// Even a broken provider cannot fail this path.
	fake.SetError("DeleteVolume", assert.AnError)

	require.NoError(t, b.DeleteVolume(ctx, "vol-1"))
	assert.NotContains(t, fake.Calls(), "DeleteVolume")

	gone, err := b.IsVolumeDeleted(ctx, "vol-1")
	require.NoError(t, err)
	assert.True(t, gone)

	// The live volume's booking is untouched.
	assert.Equal(t, int64(1), quotaUsage(t, store, types.QuotaVolumes))
	assert.Equal(t, int64(10240), quotaUsage(t, store, types.QuotaStorage))
}

// TestDeleteVolumeToleratesBackendAbsence tests that a provider-side
// not-found during deletion is success
func TestDeleteVolumeToleratesBackendAbsence(t *testing.T) {
	b, store, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", BackendID: "already-gone",
		SizeMB: 1024, State: types.StateDeleting,
	}))

	require.NoError(t, b.DeleteVolume(ctx, "vol-1"))
}

// TestExtendVolumePreconditions tests the shrink guard and the backend id
// requirement
func TestExtendVolumePreconditions(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", BackendID: "be-1",
		SizeMB: 10240, State: types.StateUpdating,
	}))

	err := b.ExtendVolume(ctx, "vol-1", 10240)
	assert.ErrorIs(t, err, ErrPrecondition)

	err = b.ExtendVolume(ctx, "vol-1", 5120)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.NotContains(t, fake.Calls(), "ExtendVolume")

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-2", AccountID: "acc-1", SizeMB: 1024, State: types.StateUpdating,
	}))
	err = b.ExtendVolume(ctx, "vol-2", 2048)
	assert.ErrorIs(t, err, ErrPrecondition)
}

// TestExtendVolume tests a successful grow and its quota delta
func TestExtendVolume(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	fake.SeedVolume(cloud.Volume{ID: "be-1", Status: "available", SizeGB: 10})
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-1", AccountID: "acc-1", BackendID: "be-1",
		SizeMB: 10240, State: types.StateUpdating,
	}))

	require.NoError(t, b.ExtendVolume(ctx, "vol-1", 20480))

	volume, err := store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, 20480, volume.SizeMB)
	assert.Equal(t, int64(10240), quotaUsage(t, store, types.QuotaStorage))
}

// TestCreateInstanceValidatesVolumePair tests the exactly-two-volumes
// precondition before any provider call
func TestCreateInstanceValidatesVolumePair(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", Name: "web",
		VolumeIDs: []string{"only-one"}, State: types.StateCreating,
	}))

	err := b.CreateInstance(ctx, "inst-1", false)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.NotContains(t, fake.Calls(), "CreateServer")
}

// seedInstanceFixture builds the flavor catalog and a provisioned volume
// pair for instance creation tests.
func seedInstanceFixture(t *testing.T, b *Backend, store *storage.BoltStore, fake *cloud.FakeClient) {
	t.Helper()
	ctx := context.Background()

	fake.SeedFlavor(cloud.Flavor{ID: "fl-1", Name: "m1.small", VCPUs: 2, RAMMB: 4096, DiskGB: 40})
	require.NoError(t, store.UpsertFlavor(&types.Flavor{
		ID: "flavor-1", AccountID: "acc-1", BackendID: "fl-1",
		Name: "m1.small", Cores: 2, RAMMB: 4096, DiskMB: 40960,
	}))

	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-sys", AccountID: "acc-1", Name: "sys",
		SizeMB: 10240, SourceImageID: "img-1", State: types.StateCreating,
	}))
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-data", AccountID: "acc-1", Name: "data",
		SizeMB: 20480, State: types.StateCreating,
	}))
	require.NoError(t, b.CreateVolume(ctx, "vol-sys"))
	require.NoError(t, b.CreateVolume(ctx, "vol-data"))

	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", Name: "web",
		FlavorName: "m1.small",
		VolumeIDs:  []string{"vol-sys", "vol-data"},
		State:      types.StateCreating,
	}))
}

// TestCreateInstance tests the full boot flow: server creation from the
// volume pair, floating IP booking and binding, addresses, attachments
// and quota
func TestCreateInstance(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	seedInstanceFixture(t, b, store, fake)
	fake.SettleAfter = 2

	require.NoError(t, b.CreateInstance(ctx, "inst-1", true))

	instance, err := store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.NotEmpty(t, instance.BackendID)
	assert.Equal(t, types.RuntimeInstanceActive, instance.RuntimeState)
	assert.NotEmpty(t, instance.InternalIP)
	assert.Equal(t, "203.0.113.1", instance.ExternalIP)
	assert.Equal(t, 2, instance.Cores)
	assert.Equal(t, 4096, instance.RAMMB)

	ips, err := store.ListFloatingIPsByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, types.FloatingIPStatusActive, ips[0].Status)
	assert.Equal(t, "inst-1", ips[0].InstanceID)

	for _, volumeID := range []string{"vol-sys", "vol-data"} {
		volume, err := store.GetVolume(volumeID)
		require.NoError(t, err)
		assert.Equal(t, "inst-1", volume.InstanceID)
		assert.NotEmpty(t, volume.Device)
		assert.Equal(t, types.RuntimeVolumeInUse, volume.RuntimeState)
	}

	assert.Equal(t, int64(1), quotaUsage(t, store, types.QuotaInstances))
	assert.Equal(t, int64(2), quotaUsage(t, store, types.QuotaCores))
	assert.Equal(t, int64(4096), quotaUsage(t, store, types.QuotaRAM))
	assert.Equal(t, int64(1), quotaUsage(t, store, types.QuotaFloatingIPs))
}

// TestCreateInstanceReleasesFloatingIPOnFailure tests that a failed boot
// returns the booked address to the free pool
func TestCreateInstanceReleasesFloatingIPOnFailure(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	seedInstanceFixture(t, b, store, fake)
	fake.SetError("CreateServer", assert.AnError)

	err := b.CreateInstance(ctx, "inst-1", true)
	require.Error(t, err)

	ips, err := store.ListFloatingIPsByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, types.FloatingIPStatusDown, ips[0].Status)
	assert.Empty(t, ips[0].InstanceID)
}

// TestCreateInstanceReusesFreeFloatingIP tests that a DOWN unbound
// address is booked instead of allocating a new one
func TestCreateInstanceReusesFreeFloatingIP(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	seedInstanceFixture(t, b, store, fake)
	fake.SeedFloatingIP(cloud.FloatingIP{
		ID: "fip-1", Address: "198.51.100.7", Status: cloud.FloatingIPDown, NetworkID: "ext-net",
	})
	require.NoError(t, store.UpsertFloatingIP(&types.FloatingIP{
		ID: "local-fip", AccountID: "acc-1", BackendID: "fip-1",
		Address: "198.51.100.7", Status: types.FloatingIPStatusDown,
	}))

	require.NoError(t, b.CreateInstance(ctx, "inst-1", true))

	instance, err := store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", instance.ExternalIP)
	assert.NotContains(t, fake.Calls(), "CreateFloatingIP")
}

// TestResizeInstance tests flavor capture and quota deltas on resize
func TestResizeInstance(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	fake.SeedFlavor(cloud.Flavor{ID: "fl-2", Name: "m1.large", VCPUs: 4, RAMMB: 8192, DiskGB: 80})
	fake.SeedServer(cloud.Server{ID: "srv-1", Name: "web", Status: "ACTIVE", FlavorID: "fl-1"})
	require.NoError(t, store.UpsertFlavor(&types.Flavor{
		ID: "flavor-2", AccountID: "acc-1", BackendID: "fl-2",
		Name: "m1.large", Cores: 4, RAMMB: 8192, DiskMB: 81920,
	}))
	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", BackendID: "srv-1", Name: "web",
		FlavorName: "m1.small", Cores: 2, RAMMB: 4096,
		State: types.StateUpdating,
	}))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaCores, 2))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaRAM, 4096))

	require.NoError(t, b.ResizeInstance(ctx, "inst-1", "m1.large"))

	instance, err := store.GetInstance("inst-1")
	require.NoError(t, err)
	assert.Equal(t, "m1.large", instance.FlavorName)
	assert.Equal(t, 4, instance.Cores)
	assert.Equal(t, 8192, instance.RAMMB)

	assert.Equal(t, int64(4), quotaUsage(t, store, types.QuotaCores))
	assert.Equal(t, int64(8192), quotaUsage(t, store, types.QuotaRAM))
}

// TestAssignFloatingIPAlreadyAssigned tests the single-address guard
func TestAssignFloatingIPAlreadyAssigned(t *testing.T) {
	b, store, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", BackendID: "srv-1",
		ExternalIP: "203.0.113.9", State: types.StateUpdating,
	}))

	err := b.AssignFloatingIP(ctx, "inst-1")
	assert.ErrorIs(t, err, ErrPrecondition)
}

// TestDeleteInstance tests quota release and floating IP unbinding
func TestDeleteInstance(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	fake.SeedServer(cloud.Server{ID: "srv-1", Name: "web", Status: "ACTIVE"})
	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", BackendID: "srv-1",
		Cores: 2, RAMMB: 4096, State: types.StateDeleting,
	}))
	require.NoError(t, store.UpsertFloatingIP(&types.FloatingIP{
		ID: "fip-1", AccountID: "acc-1", BackendID: "be-fip",
		Address: "203.0.113.5", Status: types.FloatingIPStatusActive, InstanceID: "inst-1",
	}))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaInstances, 1))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaCores, 2))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaRAM, 4096))

	require.NoError(t, b.DeleteInstance(ctx, "inst-1"))

	gone, err := b.IsInstanceDeleted(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, gone)

	ips, err := store.ListFloatingIPsByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, types.FloatingIPStatusDown, ips[0].Status)
	assert.Empty(t, ips[0].InstanceID)

	assert.Equal(t, int64(0), quotaUsage(t, store, types.QuotaInstances))
	assert.Equal(t, int64(0), quotaUsage(t, store, types.QuotaCores))
	assert.Equal(t, int64(0), quotaUsage(t, store, types.QuotaRAM))
}

// TestDeleteInstanceNeverProvisioned tests that deleting an instance
// without a backend id leaves quota booked by other instances alone
func TestDeleteInstanceNeverProvisioned(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	// Usage held by an unrelated provisioned instance.
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaInstances, 1))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaCores, 2))
	require.NoError(t, store.AdjustQuota("acc-1", types.QuotaRAM, 4096))

	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-ghost", AccountID: "acc-1", Name: "ghost",
		Cores: 4, RAMMB: 8192, State: types.StateDeleting,
	}))

	require.NoError(t, b.DeleteInstance(ctx, "inst-ghost"))
	assert.NotContains(t, fake.Calls(), "DeleteServer")

	assert.Equal(t, int64(1), quotaUsage(t, store, types.QuotaInstances))
	assert.Equal(t, int64(2), quotaUsage(t, store, types.QuotaCores))
	assert.Equal(t, int64(4096), quotaUsage(t, store, types.QuotaRAM))
}

// TestCreateAndDeleteBackup tests that a backup snapshots every instance
// volume and deletion cleans them all up
func TestCreateAndDeleteBackup(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	fake.SeedVolume(cloud.Volume{ID: "be-sys", Status: "in-use", SizeGB: 10})
	fake.SeedVolume(cloud.Volume{ID: "be-data", Status: "in-use", SizeGB: 20})
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-sys", AccountID: "acc-1", BackendID: "be-sys", Name: "sys",
		SizeMB: 10240, Bootable: true, State: types.StateOK,
	}))
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID: "vol-data", AccountID: "acc-1", BackendID: "be-data", Name: "data",
		SizeMB: 20480, State: types.StateOK,
	}))
	require.NoError(t, store.CreateInstance(&types.Instance{
		ID: "inst-1", AccountID: "acc-1", Name: "web",
		VolumeIDs: []string{"vol-sys", "vol-data"}, State: types.StateOK,
	}))
	require.NoError(t, store.CreateBackup(&types.Backup{
		ID: "bk-1", AccountID: "acc-1", InstanceID: "inst-1", Name: "nightly",
		State: types.StateCreating,
	}))

	require.NoError(t, b.CreateBackup(ctx, "bk-1"))

	backup, err := store.GetBackup("bk-1")
	require.NoError(t, err)
	assert.Len(t, backup.SnapshotIDs, 2)

	snapshots, err := store.ListSnapshotsByAccount("acc-1")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	for _, snapshot := range snapshots {
		assert.Equal(t, types.StateOK, snapshot.State)
		assert.NotEmpty(t, snapshot.BackendID)
	}
	assert.Equal(t, int64(2), quotaUsage(t, store, types.QuotaSnapshots))

	require.NoError(t, b.DeleteBackup(ctx, "bk-1"))

	snapshots, err = store.ListSnapshotsByAccount("acc-1")
	require.NoError(t, err)
	assert.Empty(t, snapshots)
	assert.Equal(t, int64(0), quotaUsage(t, store, types.QuotaSnapshots))
}

// TestImportVolume tests building a local record from backend data
func TestImportVolume(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	fake.SeedVolume(cloud.Volume{
		ID: "be-1", Name: "imported", Status: "available", SizeGB: 5, Bootable: true,
	})

	volume, err := b.ImportVolume(ctx, "be-1", true)
	require.NoError(t, err)
	assert.Equal(t, 5120, volume.SizeMB)
	assert.Equal(t, types.StateOK, volume.State)
	assert.True(t, volume.Bootable)

	stored, err := store.FindVolumeByBackendID("acc-1", "be-1")
	require.NoError(t, err)
	assert.Equal(t, volume.ID, stored.ID)
}

// TestImportInstanceSecurityGroups tests that import resolves groups by
// name and fails when a referenced group is unknown locally
func TestImportInstanceSecurityGroups(t *testing.T) {
	b, store, fake := newTestBackend(t)
	ctx := context.Background()

	fake.SeedServer(cloud.Server{
		ID: "srv-9", Name: "web", Status: "ACTIVE",
		SecurityGroups: []string{"web-tier"},
	})

	_, err := b.ImportInstance(ctx, "srv-9", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web-tier")

	// Nothing was persisted for the failed import.
	_, err = store.FindInstanceByBackendID("acc-1", "srv-9")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.UpsertSecurityGroup(&types.SecurityGroup{
		ID: "sg-local", AccountID: "acc-1", BackendID: "be-sg", Name: "web-tier",
	}))

	instance, err := b.ImportInstance(ctx, "srv-9", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"be-sg"}, instance.SecurityGroupIDs)
}
