package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nimbusops/nimbus/pkg/backend"
	"github.com/nimbusops/nimbus/pkg/cloud"
	"github.com/nimbusops/nimbus/pkg/log"
	"github.com/nimbusops/nimbus/pkg/metrics"
	"github.com/nimbusops/nimbus/pkg/storage"
	"github.com/nimbusops/nimbus/pkg/types"
)

// errVanished is the fixed message recorded when a tracked resource
// disappears from the backend result set.
const errVanished = "resource no longer exists on the backend"

// Reconciler merges backend state into the local store. Property types
// (flavors, images, floating IPs, security groups) are fully replaced per
// pass; stateful resources (volumes, snapshots, instances) are refreshed
// only when in a stable lifecycle state, with a modified-since guard so a
// concurrent user action wins over the pull.
type Reconciler struct {
	store   storage.Store
	clients backend.ClientFactory
	logger  zerolog.Logger

	// One pull per account at a time. Overlapping invocations on the
	// same account skip instead of racing.
	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a reconciler using the given client factory.
func New(store storage.Store, clients backend.ClientFactory) *Reconciler {
	return &Reconciler{
		store:    store,
		clients:  clients,
		inflight: make(map[string]bool),
		logger:   log.WithComponent("reconciler"),
	}
}

// ErrPullInProgress is returned when a pull for the account is already
// running.
var ErrPullInProgress = errors.New("pull already in progress for account")

func (r *Reconciler) acquire(accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[accountID] {
		return ErrPullInProgress
	}
	r.inflight[accountID] = true
	return nil
}

func (r *Reconciler) release(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, accountID)
}

// PullAccount runs one full reconciliation pass for the account:
// properties first, then stateful resources.
func (r *Reconciler) PullAccount(ctx context.Context, account *types.Account) error {
	if err := r.acquire(account.ID); err != nil {
		return err
	}
	defer r.release(account.ID)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PullDuration)

	client, err := r.clients(account)
	if err != nil {
		return fmt.Errorf("failed to build client for account %s: %w", account.ID, err)
	}

	passes := []struct {
		resource string
		run      func(context.Context, cloud.Client, *types.Account) error
	}{
		{"flavor", r.pullFlavors},
		{"image", r.pullImages},
		{"floating_ip", r.pullFloatingIPs},
		{"security_group", r.pullSecurityGroups},
		{"volume", r.pullVolumes},
		{"snapshot", r.pullSnapshots},
		{"instance", r.pullInstances},
	}

	for _, pass := range passes {
		if err := pass.run(ctx, client, account); err != nil {
			metrics.PullCyclesTotal.WithLabelValues(pass.resource, "error").Inc()
			return fmt.Errorf("failed to pull %ss: %w", pass.resource, err)
		}
		metrics.PullCyclesTotal.WithLabelValues(pass.resource, "ok").Inc()
	}

	// Telemetry is optional on the provider side. A failed metering pull
	// never fails the pass.
	r.pullMetering(ctx, client, account)
	return nil
}

// meters are the telemetry series exported as gauges when the provider
// runs a metering service.
var meters = []string{"cpu_util", "memory.usage", "disk.usage"}

func (r *Reconciler) pullMetering(ctx context.Context, client cloud.Client, account *types.Account) {
	for _, meter := range meters {
		samples, err := client.ListSamples(ctx, meter)
		if err != nil {
			r.logger.Debug().Err(err).Str("meter", meter).Msg("metering pull skipped")
			return
		}
		for _, sample := range samples {
			metrics.MeterValue.
				WithLabelValues(account.ID, sample.Meter, sample.ResourceID).
				Set(sample.Value)
		}
	}
}

// pullFlavors replaces the account's flavor catalog with the backend list.
func (r *Reconciler) pullFlavors(ctx context.Context, client cloud.Client, account *types.Account) error {
	remote, err := client.ListFlavors(ctx)
	if err != nil {
		return err
	}

	local, err := r.store.ListFlavorsByAccount(account.ID)
	if err != nil {
		return err
	}
	stale := make(map[string]*types.Flavor, len(local))
	for _, flavor := range local {
		stale[flavor.BackendID] = flavor
	}

	for _, f := range remote {
		existing := stale[f.ID]
		delete(stale, f.ID)

		flavor := &types.Flavor{
			AccountID: account.ID,
			BackendID: f.ID,
			Name:      f.Name,
			Cores:     f.VCPUs,
			RAMMB:     f.RAMMB,
			DiskMB:    f.DiskGB * 1024,
		}
		if existing != nil {
			flavor.ID = existing.ID
		} else {
			flavor.ID = uuid.New().String()
		}
		if err := r.store.UpsertFlavor(flavor); err != nil {
			return err
		}
	}

	for backendID := range stale {
		if err := r.store.DeleteFlavor(account.ID, backendID); err != nil {
			return err
		}
	}
	return nil
}

// pullImages replaces the account's image catalog with the backend list.
func (r *Reconciler) pullImages(ctx context.Context, client cloud.Client, account *types.Account) error {
	remote, err := client.ListImages(ctx)
	if err != nil {
		return err
	}

	local, err := r.store.ListImagesByAccount(account.ID)
	if err != nil {
		return err
	}
	stale := make(map[string]*types.Image, len(local))
	for _, image := range local {
		stale[image.BackendID] = image
	}

	for _, i := range remote {
		existing := stale[i.ID]
		delete(stale, i.ID)

		image := &types.Image{
			AccountID: account.ID,
			BackendID: i.ID,
			Name:      i.Name,
			MinDiskMB: i.MinDiskGB * 1024,
			MinRAMMB:  i.MinRAMMB,
		}
		if existing != nil {
			image.ID = existing.ID
		} else {
			image.ID = uuid.New().String()
		}
		if err := r.store.UpsertImage(image); err != nil {
			return err
		}
	}

	for backendID := range stale {
		if err := r.store.DeleteImage(account.ID, backendID); err != nil {
			return err
		}
	}
	return nil
}

// pullFloatingIPs replaces the account's floating IPs with the backend
// list. The local instance binding is preserved across updates because the
// backend only reports the server id, which the adapter maps separately.
func (r *Reconciler) pullFloatingIPs(ctx context.Context, client cloud.Client, account *types.Account) error {
	remote, err := client.ListFloatingIPs(ctx)
	if err != nil {
		return err
	}

	local, err := r.store.ListFloatingIPsByAccount(account.ID)
	if err != nil {
		return err
	}
	stale := make(map[string]*types.FloatingIP, len(local))
	for _, ip := range local {
		stale[ip.BackendID] = ip
	}

	for _, f := range remote {
		existing := stale[f.ID]
		delete(stale, f.ID)

		ip := &types.FloatingIP{
			AccountID:        account.ID,
			BackendID:        f.ID,
			Address:          f.Address,
			Status:           f.Status,
			BackendNetworkID: f.NetworkID,
		}
		if existing != nil {
			ip.ID = existing.ID
			ip.InstanceID = existing.InstanceID
		} else {
			ip.ID = uuid.New().String()
		}
		if f.ServerID != "" {
			if instance, err := r.store.FindInstanceByBackendID(account.ID, f.ServerID); err == nil {
				ip.InstanceID = instance.ID
			}
		} else {
			ip.InstanceID = ""
		}
		if err := r.store.UpsertFloatingIP(ip); err != nil {
			return err
		}
	}

	for backendID := range stale {
		if err := r.store.DeleteFloatingIP(account.ID, backendID); err != nil {
			return err
		}
	}
	return nil
}

// pullSecurityGroups replaces the account's security groups and, nested
// under each group, its rules by the same upsert/delete-by-diff pattern.
func (r *Reconciler) pullSecurityGroups(ctx context.Context, client cloud.Client, account *types.Account) error {
	remote, err := client.ListSecurityGroups(ctx)
	if err != nil {
		return err
	}

	local, err := r.store.ListSecurityGroupsByAccount(account.ID)
	if err != nil {
		return err
	}
	stale := make(map[string]*types.SecurityGroup, len(local))
	for _, group := range local {
		stale[group.BackendID] = group
	}

	for _, g := range remote {
		existing := stale[g.ID]
		delete(stale, g.ID)

		group := &types.SecurityGroup{
			AccountID:   account.ID,
			BackendID:   g.ID,
			Name:        g.Name,
			Description: g.Description,
			Rules:       convertRules(g.Rules),
		}
		if existing != nil {
			group.ID = existing.ID
		} else {
			group.ID = uuid.New().String()
		}
		if err := r.store.UpsertSecurityGroup(group); err != nil {
			return err
		}
	}

	for backendID := range stale {
		if err := r.store.DeleteSecurityGroup(account.ID, backendID); err != nil {
			return err
		}
	}
	return nil
}

// convertRules replaces a group's rule set with the backend rules. Rules
// live under their parent group, so the group upsert is the diff boundary.
func convertRules(remote []cloud.SecurityGroupRule) []*types.SecurityGroupRule {
	rules := make([]*types.SecurityGroupRule, 0, len(remote))
	for _, rule := range remote {
		rules = append(rules, &types.SecurityGroupRule{
			BackendID: rule.ID,
			Protocol:  rule.Protocol,
			FromPort:  rule.FromPort,
			ToPort:    rule.ToPort,
			CIDR:      rule.CIDR,
		})
	}
	return rules
}

// pullVolumes refreshes stateful volume records. Only records in a stable
// lifecycle state are touched; a record whose backend counterpart vanished
// goes to ERRED, and an ERRED record whose counterpart reappeared recovers
// to OK.
func (r *Reconciler) pullVolumes(ctx context.Context, client cloud.Client, account *types.Account) error {
	started := time.Now().UTC()

	remote, err := client.ListVolumes(ctx)
	if err != nil {
		return err
	}
	byBackendID := make(map[string]cloud.Volume, len(remote))
	for _, v := range remote {
		byBackendID[v.ID] = v
	}

	local, err := r.store.ListVolumesByAccount(account.ID)
	if err != nil {
		return err
	}

	for _, volume := range local {
		if !volume.State.IsStable() || volume.BackendID == "" {
			continue
		}

		v, present := byBackendID[volume.BackendID]
		var mutate func(*types.Volume)
		if !present {
			r.logger.Warn().Str("volume", volume.ID).Str("backend_id", volume.BackendID).
				Msg("volume vanished from backend")
			mutate = func(vol *types.Volume) {
				vol.State = types.StateErred
				vol.RuntimeState = ""
				vol.ErrorMessage = errVanished
			}
		} else {
			mutate = func(vol *types.Volume) {
				vol.SizeMB = v.SizeGB * 1024
				vol.Bootable = v.Bootable
				vol.RuntimeState = v.Status
				if vol.State == types.StateErred {
					vol.State = types.StateOK
					vol.ErrorMessage = ""
				}
			}
		}

		if _, err := r.store.MutateVolume(volume.ID, started, mutate); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				// A user action won the race. Next pass catches up.
				continue
			}
			return err
		}
	}
	return nil
}

// pullSnapshots refreshes stateful snapshot records.
func (r *Reconciler) pullSnapshots(ctx context.Context, client cloud.Client, account *types.Account) error {
	started := time.Now().UTC()

	remote, err := client.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	byBackendID := make(map[string]cloud.Snapshot, len(remote))
	for _, s := range remote {
		byBackendID[s.ID] = s
	}

	local, err := r.store.ListSnapshotsByAccount(account.ID)
	if err != nil {
		return err
	}

	for _, snapshot := range local {
		if !snapshot.State.IsStable() || snapshot.BackendID == "" {
			continue
		}

		s, present := byBackendID[snapshot.BackendID]
		var mutate func(*types.Snapshot)
		if !present {
			mutate = func(snap *types.Snapshot) {
				snap.State = types.StateErred
				snap.RuntimeState = ""
				snap.ErrorMessage = errVanished
			}
		} else {
			mutate = func(snap *types.Snapshot) {
				snap.SizeMB = s.SizeGB * 1024
				snap.RuntimeState = s.Status
				if snap.State == types.StateErred {
					snap.State = types.StateOK
					snap.ErrorMessage = ""
				}
			}
		}

		if _, err := r.store.MutateSnapshot(snapshot.ID, started, mutate); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

// pullInstances refreshes stateful instance records.
func (r *Reconciler) pullInstances(ctx context.Context, client cloud.Client, account *types.Account) error {
	started := time.Now().UTC()

	remote, err := client.ListServers(ctx)
	if err != nil {
		return err
	}
	byBackendID := make(map[string]cloud.Server, len(remote))
	for _, s := range remote {
		byBackendID[s.ID] = s
	}

	local, err := r.store.ListInstancesByAccount(account.ID)
	if err != nil {
		return err
	}

	for _, instance := range local {
		if !instance.State.IsStable() || instance.BackendID == "" {
			continue
		}

		server, present := byBackendID[instance.BackendID]
		var mutate func(*types.Instance)
		if !present {
			r.logger.Warn().Str("instance", instance.ID).Str("backend_id", instance.BackendID).
				Msg("server vanished from backend")
			mutate = func(i *types.Instance) {
				i.State = types.StateErred
				i.RuntimeState = ""
				i.ErrorMessage = errVanished
			}
		} else {
			internalIP := fixedAddress(&server)
			mutate = func(i *types.Instance) {
				i.Name = server.Name
				i.RuntimeState = server.Status
				if internalIP != "" {
					i.InternalIP = internalIP
				}
				if i.State == types.StateErred {
					i.State = types.StateOK
					i.ErrorMessage = ""
				}
			}
		}

		if _, err := r.store.MutateInstance(instance.ID, started, mutate); err != nil {
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
	}
	return nil
}

func fixedAddress(server *cloud.Server) string {
	for _, addrs := range server.Addresses {
		for _, addr := range addrs {
			if addr.Type == "fixed" {
				return addr.IP
			}
		}
	}
	return ""
}
