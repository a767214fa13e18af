package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// FakeClient is an in-memory provider used by unit tests and the dev
// backend. Resources created through it start in a transitional status and
// settle to their target status after SettleAfter reads, so polling loops
// can be exercised deterministically.
type FakeClient struct {
	mu sync.Mutex

	// SettleAfter is how many Get/List reads a freshly transitioned
	// resource stays in its transitional status. Zero settles immediately.
	SettleAfter int

	flavors    map[string]Flavor
	images     map[string]Image
	servers    map[string]*Server
	volumes    map[string]*Volume
	snapshots  map[string]*Snapshot
	networks   map[string]Network
	fips       map[string]*FloatingIP
	secgroups  map[string]*SecurityGroup
	samples    []Sample
	settle     map[string]int    // resource id -> remaining reads
	settleTo   map[string]string // resource id -> target status
	errs       map[string]error  // op name -> injected error
	calls      []string          // op names in invocation order
	ipCounter  int
	fipCounter int
}

// NewFake creates an empty fake provider.
func NewFake() *FakeClient {
	return &FakeClient{
		flavors:   map[string]Flavor{},
		images:    map[string]Image{},
		servers:   map[string]*Server{},
		volumes:   map[string]*Volume{},
		snapshots: map[string]*Snapshot{},
		networks:  map[string]Network{},
		fips:      map[string]*FloatingIP{},
		secgroups: map[string]*SecurityGroup{},
		settle:    map[string]int{},
		settleTo:  map[string]string{},
		errs:      map[string]error{},
	}
}

// SetError injects an error for the named facade operation. The error is
// returned on every call until cleared.
func (f *FakeClient) SetError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

// ClearError removes an injected error.
func (f *FakeClient) ClearError(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, op)
}

func (f *FakeClient) opErr(op string) error {
	f.calls = append(f.calls, op)
	if err := f.errs[op]; err != nil {
		return wrapErr(op, err)
	}
	return nil
}

// Calls returns the operations invoked so far, in order.
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// ResetCalls clears the recorded operation log.
func (f *FakeClient) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// beginSettle puts a resource into a transitional status that flips to
// target after SettleAfter reads.
func (f *FakeClient) beginSettle(id, target string) {
	if f.SettleAfter <= 0 {
		f.settleTo[id] = target
		f.settle[id] = 0
		f.applySettle(id)
		return
	}
	f.settle[id] = f.SettleAfter
	f.settleTo[id] = target
}

// tickSettle advances a resource's settle countdown on a read.
func (f *FakeClient) tickSettle(id string) {
	if _, ok := f.settleTo[id]; !ok {
		return
	}
	if f.settle[id] > 0 {
		f.settle[id]--
	}
	if f.settle[id] == 0 {
		f.applySettle(id)
	}
}

func (f *FakeClient) applySettle(id string) {
	target, ok := f.settleTo[id]
	if !ok {
		return
	}
	if v, ok := f.volumes[id]; ok {
		v.Status = target
	}
	if s, ok := f.servers[id]; ok {
		s.Status = target
	}
	if s, ok := f.snapshots[id]; ok {
		s.Status = target
	}
	delete(f.settleTo, id)
	delete(f.settle, id)
}

// Seed helpers for tests and the dev backend.

func (f *FakeClient) SeedFlavor(fl Flavor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flavors[fl.ID] = fl
}

func (f *FakeClient) SeedImage(img Image) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[img.ID] = img
}

func (f *FakeClient) SeedNetwork(n Network) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[n.ID] = n
}

func (f *FakeClient) SeedSecurityGroup(g SecurityGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := g
	f.secgroups[g.ID] = &cp
}

func (f *FakeClient) SeedFloatingIP(ip FloatingIP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := ip
	f.fips[ip.ID] = &cp
}

func (f *FakeClient) SeedVolume(v Volume) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := v
	f.volumes[v.ID] = &cp
}

func (f *FakeClient) SeedServer(s Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := s
	f.servers[s.ID] = &cp
}

func (f *FakeClient) SeedSample(s Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
}

// RemoveVolume deletes a volume out-of-band, simulating backend drift.
func (f *FakeClient) RemoveVolume(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.volumes, id)
}

// RemoveServer deletes a server out-of-band, simulating backend drift.
func (f *FakeClient) RemoveServer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.servers, id)
}

// RemoveFlavor deletes a flavor out-of-band.
func (f *FakeClient) RemoveFlavor(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flavors, id)
}

// Compute

func (f *FakeClient) ListFlavors(ctx context.Context) ([]Flavor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListFlavors"); err != nil {
		return nil, err
	}
	out := make([]Flavor, 0, len(f.flavors))
	for _, fl := range f.flavors {
		out = append(out, fl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) ListImages(ctx context.Context) ([]Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListImages"); err != nil {
		return nil, err
	}
	out := make([]Image, 0, len(f.images))
	for _, img := range f.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) ListServers(ctx context.Context) ([]Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListServers"); err != nil {
		return nil, err
	}
	out := make([]Server, 0, len(f.servers))
	for id, s := range f.servers {
		f.tickSettle(id)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) GetServer(ctx context.Context, id string) (*Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("GetServer"); err != nil {
		return nil, err
	}
	s, ok := f.servers[id]
	if !ok {
		return nil, &NotFoundError{Resource: "server", ID: id}
	}
	f.tickSettle(id)
	cp := *s
	return &cp, nil
}

func (f *FakeClient) CreateServer(ctx context.Context, req CreateServerRequest) (*Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("CreateServer"); err != nil {
		return nil, err
	}
	sys, ok := f.volumes[req.SystemVolumeID]
	if !ok {
		return nil, &NotFoundError{Resource: "volume", ID: req.SystemVolumeID}
	}
	data, ok := f.volumes[req.DataVolumeID]
	if !ok {
		return nil, &NotFoundError{Resource: "volume", ID: req.DataVolumeID}
	}

	id := uuid.New().String()
	f.ipCounter++
	netName := "private"
	if n, ok := f.networks[req.NetworkID]; ok {
		netName = n.Name
	}

	groups := req.SecurityGroups
	if len(groups) == 0 {
		groups = []string{"default"}
	}

	srv := &Server{
		ID:       id,
		Name:     req.Name,
		Status:   "BUILD",
		FlavorID: req.FlavorID,
		KeyName:  req.KeyName,
		Addresses: map[string][]Address{
			netName: {{IP: fmt.Sprintf("10.0.0.%d", f.ipCounter), Type: "fixed"}},
		},
		SecurityGroups: groups,
		Volumes: []AttachedVolume{
			{VolumeID: req.SystemVolumeID, Device: "/dev/vda"},
			{VolumeID: req.DataVolumeID, Device: "/dev/vdb"},
		},
	}
	sys.Status = "in-use"
	sys.ServerIDs = []string{id}
	sys.Attachments = []AttachedVolume{{VolumeID: sys.ID, Device: "/dev/vda"}}
	data.Status = "in-use"
	data.ServerIDs = []string{id}
	data.Attachments = []AttachedVolume{{VolumeID: data.ID, Device: "/dev/vdb"}}

	f.servers[id] = srv
	f.beginSettle(id, "ACTIVE")
	cp := *srv
	return &cp, nil
}

func (f *FakeClient) DeleteServer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("DeleteServer"); err != nil {
		return err
	}
	if _, ok := f.servers[id]; !ok {
		return &NotFoundError{Resource: "server", ID: id}
	}
	delete(f.servers, id)
	return nil
}

func (f *FakeClient) StartServer(ctx context.Context, id string) error {
	return f.setServerStatus("StartServer", id, "ACTIVE")
}

func (f *FakeClient) StopServer(ctx context.Context, id string) error {
	return f.setServerStatus("StopServer", id, "SHUTOFF")
}

func (f *FakeClient) RebootServer(ctx context.Context, id string) error {
	return f.setServerStatus("RebootServer", id, "ACTIVE")
}

func (f *FakeClient) setServerStatus(op, id, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr(op); err != nil {
		return err
	}
	if _, ok := f.servers[id]; !ok {
		return &NotFoundError{Resource: "server", ID: id}
	}
	f.beginSettle(id, target)
	return nil
}

func (f *FakeClient) ResizeServer(ctx context.Context, id, flavorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ResizeServer"); err != nil {
		return err
	}
	s, ok := f.servers[id]
	if !ok {
		return &NotFoundError{Resource: "server", ID: id}
	}
	if _, ok := f.flavors[flavorID]; !ok {
		return &NotFoundError{Resource: "flavor", ID: flavorID}
	}
	s.FlavorID = flavorID
	f.beginSettle(id, "ACTIVE")
	return nil
}

func (f *FakeClient) AddServerSecurityGroup(ctx context.Context, serverID, groupName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("AddServerSecurityGroup"); err != nil {
		return err
	}
	s, ok := f.servers[serverID]
	if !ok {
		return &NotFoundError{Resource: "server", ID: serverID}
	}
	for _, g := range s.SecurityGroups {
		if g == groupName {
			return nil
		}
	}
	s.SecurityGroups = append(s.SecurityGroups, groupName)
	return nil
}

func (f *FakeClient) RemoveServerSecurityGroup(ctx context.Context, serverID, groupName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("RemoveServerSecurityGroup"); err != nil {
		return err
	}
	s, ok := f.servers[serverID]
	if !ok {
		return &NotFoundError{Resource: "server", ID: serverID}
	}
	kept := s.SecurityGroups[:0]
	for _, g := range s.SecurityGroups {
		if g != groupName {
			kept = append(kept, g)
		}
	}
	s.SecurityGroups = kept
	return nil
}

func (f *FakeClient) AssociateFloatingIP(ctx context.Context, serverID, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("AssociateFloatingIP"); err != nil {
		return err
	}
	s, ok := f.servers[serverID]
	if !ok {
		return &NotFoundError{Resource: "server", ID: serverID}
	}
	for _, ip := range f.fips {
		if ip.Address == address {
			ip.Status = FloatingIPActive
			ip.ServerID = serverID
			for name := range s.Addresses {
				s.Addresses[name] = append(s.Addresses[name], Address{IP: address, Type: "floating"})
				break
			}
			return nil
		}
	}
	return &NotFoundError{Resource: "floating ip", ID: address}
}

func (f *FakeClient) DisassociateFloatingIP(ctx context.Context, serverID, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("DisassociateFloatingIP"); err != nil {
		return err
	}
	for _, ip := range f.fips {
		if ip.Address == address && ip.ServerID == serverID {
			ip.Status = FloatingIPDown
			ip.ServerID = ""
			return nil
		}
	}
	return &NotFoundError{Resource: "floating ip", ID: address}
}

// Block storage

func (f *FakeClient) ListVolumes(ctx context.Context) ([]Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListVolumes"); err != nil {
		return nil, err
	}
	out := make([]Volume, 0, len(f.volumes))
	for id, v := range f.volumes {
		f.tickSettle(id)
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) GetVolume(ctx context.Context, id string) (*Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("GetVolume"); err != nil {
		return nil, err
	}
	v, ok := f.volumes[id]
	if !ok {
		return nil, &NotFoundError{Resource: "volume", ID: id}
	}
	f.tickSettle(id)
	cp := *v
	return &cp, nil
}

func (f *FakeClient) CreateVolume(ctx context.Context, req CreateVolumeRequest) (*Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("CreateVolume"); err != nil {
		return nil, err
	}
	v := &Volume{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Status:      "creating",
		SizeGB:      req.SizeGB,
		Bootable:    req.ImageID != "" || req.SnapshotID != "",
		TypeName:    req.TypeName,
		SnapshotID:  req.SnapshotID,
		ImageID:     req.ImageID,
		Metadata:    req.Metadata,
	}
	f.volumes[v.ID] = v
	f.beginSettle(v.ID, "available")
	cp := *v
	return &cp, nil
}

func (f *FakeClient) DeleteVolume(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("DeleteVolume"); err != nil {
		return err
	}
	if _, ok := f.volumes[id]; !ok {
		return &NotFoundError{Resource: "volume", ID: id}
	}
	delete(f.volumes, id)
	return nil
}

func (f *FakeClient) ExtendVolume(ctx context.Context, id string, sizeGB int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ExtendVolume"); err != nil {
		return err
	}
	v, ok := f.volumes[id]
	if !ok {
		return &NotFoundError{Resource: "volume", ID: id}
	}
	if v.Status != "available" {
		return wrapErr("ExtendVolume", fmt.Errorf("volume %s is %s, expected available", id, v.Status))
	}
	v.SizeGB = sizeGB
	f.beginSettle(id, "available")
	return nil
}

func (f *FakeClient) AttachVolume(ctx context.Context, serverID, volumeID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("AttachVolume"); err != nil {
		return err
	}
	s, ok := f.servers[serverID]
	if !ok {
		return &NotFoundError{Resource: "server", ID: serverID}
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return &NotFoundError{Resource: "volume", ID: volumeID}
	}
	v.ServerIDs = []string{serverID}
	v.Attachments = []AttachedVolume{{VolumeID: volumeID, Device: device}}
	s.Volumes = append(s.Volumes, AttachedVolume{VolumeID: volumeID, Device: device})
	f.beginSettle(volumeID, "in-use")
	return nil
}

func (f *FakeClient) DetachVolume(ctx context.Context, serverID, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("DetachVolume"); err != nil {
		return err
	}
	s, ok := f.servers[serverID]
	if !ok {
		return &NotFoundError{Resource: "server", ID: serverID}
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return &NotFoundError{Resource: "volume", ID: volumeID}
	}
	v.ServerIDs = nil
	v.Attachments = nil
	kept := s.Volumes[:0]
	for _, av := range s.Volumes {
		if av.VolumeID != volumeID {
			kept = append(kept, av)
		}
	}
	s.Volumes = kept
	f.beginSettle(volumeID, "available")
	return nil
}

func (f *FakeClient) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListSnapshots"); err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(f.snapshots))
	for id, s := range f.snapshots {
		f.tickSettle(id)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("GetSnapshot"); err != nil {
		return nil, err
	}
	s, ok := f.snapshots[id]
	if !ok {
		return nil, &NotFoundError{Resource: "snapshot", ID: id}
	}
	f.tickSettle(id)
	cp := *s
	return &cp, nil
}

func (f *FakeClient) CreateSnapshot(ctx context.Context, volumeID, name string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("CreateSnapshot"); err != nil {
		return nil, err
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return nil, &NotFoundError{Resource: "volume", ID: volumeID}
	}
	s := &Snapshot{
		ID:       uuid.New().String(),
		Name:     name,
		Status:   "creating",
		SizeGB:   v.SizeGB,
		VolumeID: volumeID,
	}
	f.snapshots[s.ID] = s
	f.beginSettle(s.ID, "available")
	cp := *s
	return &cp, nil
}

func (f *FakeClient) DeleteSnapshot(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("DeleteSnapshot"); err != nil {
		return err
	}
	if _, ok := f.snapshots[id]; !ok {
		return &NotFoundError{Resource: "snapshot", ID: id}
	}
	delete(f.snapshots, id)
	return nil
}

// Network

func (f *FakeClient) ListNetworks(ctx context.Context) ([]Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListNetworks"); err != nil {
		return nil, err
	}
	out := make([]Network, 0, len(f.networks))
	for _, n := range f.networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) ListFloatingIPs(ctx context.Context) ([]FloatingIP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListFloatingIPs"); err != nil {
		return nil, err
	}
	out := make([]FloatingIP, 0, len(f.fips))
	for _, ip := range f.fips {
		out = append(out, *ip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) CreateFloatingIP(ctx context.Context, networkID string) (*FloatingIP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("CreateFloatingIP"); err != nil {
		return nil, err
	}
	f.fipCounter++
	ip := &FloatingIP{
		ID:        uuid.New().String(),
		Address:   fmt.Sprintf("203.0.113.%d", f.fipCounter),
		Status:    FloatingIPDown,
		NetworkID: networkID,
	}
	f.fips[ip.ID] = ip
	cp := *ip
	return &cp, nil
}

func (f *FakeClient) DeleteFloatingIP(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("DeleteFloatingIP"); err != nil {
		return err
	}
	if _, ok := f.fips[id]; !ok {
		return &NotFoundError{Resource: "floating ip", ID: id}
	}
	delete(f.fips, id)
	return nil
}

func (f *FakeClient) ListSecurityGroups(ctx context.Context) ([]SecurityGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListSecurityGroups"); err != nil {
		return nil, err
	}
	out := make([]SecurityGroup, 0, len(f.secgroups))
	for _, g := range f.secgroups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeClient) CreateSecurityGroup(ctx context.Context, name, description string) (*SecurityGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("CreateSecurityGroup"); err != nil {
		return nil, err
	}
	g := &SecurityGroup{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
	}
	f.secgroups[g.ID] = g
	cp := *g
	return &cp, nil
}

func (f *FakeClient) DeleteSecurityGroup(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("DeleteSecurityGroup"); err != nil {
		return err
	}
	if _, ok := f.secgroups[id]; !ok {
		return &NotFoundError{Resource: "security group", ID: id}
	}
	delete(f.secgroups, id)
	return nil
}

func (f *FakeClient) CreateSecurityGroupRule(ctx context.Context, groupID string, rule SecurityGroupRule) (*SecurityGroupRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("CreateSecurityGroupRule"); err != nil {
		return nil, err
	}
	g, ok := f.secgroups[groupID]
	if !ok {
		return nil, &NotFoundError{Resource: "security group", ID: groupID}
	}
	rule.ID = uuid.New().String()
	g.Rules = append(g.Rules, rule)
	return &rule, nil
}

func (f *FakeClient) DeleteSecurityGroupRule(ctx context.Context, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("DeleteSecurityGroupRule"); err != nil {
		return err
	}
	for _, g := range f.secgroups {
		kept := g.Rules[:0]
		found := false
		for _, r := range g.Rules {
			if r.ID == ruleID {
				found = true
				continue
			}
			kept = append(kept, r)
		}
		if found {
			g.Rules = kept
			return nil
		}
	}
	return &NotFoundError{Resource: "security group rule", ID: ruleID}
}

// Metering

func (f *FakeClient) ListSamples(ctx context.Context, meter string) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.opErr("ListSamples"); err != nil {
		return nil, err
	}
	var out []Sample
	for _, s := range f.samples {
		if meter == "" || s.Meter == meter {
			out = append(out, s)
		}
	}
	return out, nil
}
