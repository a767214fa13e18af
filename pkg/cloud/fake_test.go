package cloud

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFakeVolumeSettle tests that a created volume stays transitional for
// SettleAfter reads before flipping to available
func TestFakeVolumeSettle(t *testing.T) {
	fake := NewFake()
	fake.SettleAfter = 2
	ctx := context.Background()

	created, err := fake.CreateVolume(ctx, CreateVolumeRequest{Name: "data", SizeGB: 10})
	require.NoError(t, err)
	assert.Equal(t, "creating", created.Status)

	got, err := fake.GetVolume(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "creating", got.Status, "first read still transitional")

	got, err = fake.GetVolume(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "available", got.Status, "second read settles")
}

// TestFakeServerSettlesThroughBuild tests the BUILD to ACTIVE flip
func TestFakeServerSettlesThroughBuild(t *testing.T) {
	fake := NewFake()
	fake.SettleAfter = 1
	ctx := context.Background()

	sys, err := fake.CreateVolume(ctx, CreateVolumeRequest{Name: "sys", SizeGB: 10, ImageID: "img-1"})
	require.NoError(t, err)
	data, err := fake.CreateVolume(ctx, CreateVolumeRequest{Name: "data", SizeGB: 20})
	require.NoError(t, err)

	// Let both volumes settle to available before booting.
	_, err = fake.GetVolume(ctx, sys.ID)
	require.NoError(t, err)
	_, err = fake.GetVolume(ctx, data.ID)
	require.NoError(t, err)

	server, err := fake.CreateServer(ctx, CreateServerRequest{
		Name:           "web-1",
		FlavorID:       "flavor-1",
		SystemVolumeID: sys.ID,
		DataVolumeID:   data.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "BUILD", server.Status)
	require.Len(t, server.Volumes, 2)
	assert.Equal(t, "/dev/vda", server.Volumes[0].Device)
	assert.Equal(t, "/dev/vdb", server.Volumes[1].Device)

	got, err := fake.GetServer(ctx, server.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", got.Status)

	// Booting marks both volumes attached.
	v, err := fake.GetVolume(ctx, sys.ID)
	require.NoError(t, err)
	assert.Equal(t, "in-use", v.Status)
	assert.Equal(t, []string{server.ID}, v.ServerIDs)
}

// TestFakeErrorInjection tests SetError/ClearError on a facade operation
func TestFakeErrorInjection(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()

	boom := assert.AnError
	fake.SetError("ListVolumes", boom)

	_, err := fake.ListVolumes(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var facadeErr *Error
	assert.ErrorAs(t, err, &facadeErr, "injected errors are normalized")

	fake.ClearError("ListVolumes")
	_, err = fake.ListVolumes(ctx)
	assert.NoError(t, err)
}

// TestFakeCallRecording tests the operation log used for ordering
// assertions
func TestFakeCallRecording(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()

	_, err := fake.ListVolumes(ctx)
	require.NoError(t, err)
	_, err = fake.ListServers(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"ListVolumes", "ListServers"}, fake.Calls())

	fake.ResetCalls()
	assert.Empty(t, fake.Calls())
}

// TestFakeNotFound tests the distinguished not-found condition on reads
func TestFakeNotFound(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()

	_, err := fake.GetVolume(ctx, "missing")
	assert.True(t, IsNotFound(err))

	_, err = fake.GetServer(ctx, "missing")
	assert.True(t, IsNotFound(err))

	err = fake.DeleteSnapshot(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

// TestFakeFloatingIPLifecycle tests allocation, association and release
func TestFakeFloatingIPLifecycle(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()

	sys, err := fake.CreateVolume(ctx, CreateVolumeRequest{Name: "sys", SizeGB: 10, ImageID: "img"})
	require.NoError(t, err)
	data, err := fake.CreateVolume(ctx, CreateVolumeRequest{Name: "data", SizeGB: 10})
	require.NoError(t, err)
	server, err := fake.CreateServer(ctx, CreateServerRequest{
		Name: "web", SystemVolumeID: sys.ID, DataVolumeID: data.ID,
	})
	require.NoError(t, err)

	ip, err := fake.CreateFloatingIP(ctx, "ext-net")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.1", ip.Address)
	assert.Equal(t, FloatingIPDown, ip.Status)

	require.NoError(t, fake.AssociateFloatingIP(ctx, server.ID, ip.Address))
	ips, err := fake.ListFloatingIPs(ctx)
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, FloatingIPActive, ips[0].Status)
	assert.Equal(t, server.ID, ips[0].ServerID)

	require.NoError(t, fake.DisassociateFloatingIP(ctx, server.ID, ip.Address))
	ips, err = fake.ListFloatingIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, FloatingIPDown, ips[0].Status)
	assert.Empty(t, ips[0].ServerID)
}
