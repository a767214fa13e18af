package types

import (
	"time"
)

// State is the locally-managed lifecycle state of a resource. It drives
// which user operations are allowed. The provider-reported live status is
// tracked separately in RuntimeState and is never user-settable.
type State string

const (
	StateCreationScheduled State = "creation_scheduled"
	StateCreating          State = "creating"
	StateOK                State = "ok"
	StateUpdateScheduled   State = "update_scheduled"
	StateUpdating          State = "updating"
	StateDeletionScheduled State = "deletion_scheduled"
	StateDeleting          State = "deleting"
	StateErred             State = "erred"
)

// IsStable reports whether a resource in this state is safe to overwrite
// during reconciliation (not mid-transition).
func (s State) IsStable() bool {
	return s == StateOK || s == StateErred
}

// IsTransitional reports whether the state is between two stable states.
func (s State) IsTransitional() bool {
	switch s {
	case StateCreationScheduled, StateCreating,
		StateUpdateScheduled, StateUpdating,
		StateDeletionScheduled, StateDeleting:
		return true
	}
	return false
}

// validTransitions is the lifecycle state machine. A transition absent from
// this table is rejected, which is the sole concurrency control for
// overlapping lifecycle operations on one resource.
var validTransitions = map[State][]State{
	"":                     {StateCreationScheduled, StateOK},
	StateCreationScheduled: {StateCreating, StateErred},
	StateCreating:          {StateOK, StateErred},
	StateOK:                {StateUpdateScheduled, StateDeletionScheduled, StateErred},
	StateUpdateScheduled:   {StateUpdating, StateErred},
	StateUpdating:          {StateOK, StateErred},
	StateDeletionScheduled: {StateDeleting, StateErred},
	StateDeleting:          {StateErred},
	StateErred:             {StateOK, StateDeletionScheduled},
}

// CanTransition reports whether the lifecycle state machine permits
// moving from one state to another.
func CanTransition(from, to State) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Common provider runtime statuses. The provider vocabulary is open-ended;
// these are the values the pipeline polls for.
const (
	RuntimeVolumeAvailable = "available"
	RuntimeVolumeInUse     = "in-use"
	RuntimeVolumeError     = "error"

	RuntimeInstanceActive  = "ACTIVE"
	RuntimeInstanceShutoff = "SHUTOFF"
	RuntimeInstanceError   = "ERROR"

	RuntimeSnapshotAvailable = "available"
	RuntimeSnapshotError     = "error"
)

// Quota counter names, keyed per account.
const (
	QuotaInstances      = "instances"
	QuotaCores          = "cores"
	QuotaRAM            = "ram"
	QuotaStorage        = "storage"
	QuotaVolumes        = "volumes"
	QuotaSnapshots      = "snapshots"
	QuotaFloatingIPs    = "floating_ips"
	QuotaSecurityGroups = "security_groups"
)

// Quota is a single limit/usage counter pair.
type Quota struct {
	Limit int64
	Usage int64
}

// Account holds the connection settings and quota counters for one
// tenant-scoped provider account. Created by an operator, mutated by
// reconciliation, never auto-deleted.
type Account struct {
	ID       string
	Name     string
	AuthURL  string
	Username string
	Password string
	TenantID string

	AvailabilityZone  string
	ExternalNetworkID string
	InternalNetworkID string

	Quotas map[string]*Quota

	State        State
	ErrorMessage string

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Flavor is a provider-defined hardware preset. Fully replaced on each
// reconciliation pass, keyed (account, backend id).
type Flavor struct {
	ID        string
	AccountID string
	BackendID string
	Name      string
	Cores     int
	RAMMB     int
	DiskMB    int
}

// Image is a provider-defined boot image.
type Image struct {
	ID        string
	AccountID string
	BackendID string
	Name      string
	MinDiskMB int
	MinRAMMB  int
}

// Floating IP statuses as reported by the network service.
const (
	FloatingIPStatusActive = "ACTIVE"
	FloatingIPStatusDown   = "DOWN"
)

// FloatingIP is an externally routable address owned by the account.
type FloatingIP struct {
	ID               string
	AccountID        string
	BackendID        string
	Address          string
	Status           string
	BackendNetworkID string
	InstanceID       string // local instance it is bound to, if any
}

// SecurityGroupRule is one firewall rule owned by a security group.
type SecurityGroupRule struct {
	BackendID string
	Protocol  string
	FromPort  int
	ToPort    int
	CIDR      string
}

// SecurityGroup owns an ordered set of rules, reconciled by diff under the
// parent group.
type SecurityGroup struct {
	ID          string
	AccountID   string
	BackendID   string
	Name        string
	Description string
	Rules       []*SecurityGroupRule
}

// Volume is a block storage device. SizeMB is tracked in megabytes locally;
// the provider speaks gigabytes and the backend adapter converts.
type Volume struct {
	ID          string
	AccountID   string
	BackendID   string
	Name        string
	Description string
	SizeMB      int
	Bootable    bool
	Type        string
	Metadata    map[string]string

	SourceSnapshotID string
	SourceImageID    string

	InstanceID string // attached instance, empty if detached
	Device     string // device path on the instance, e.g. /dev/vdb

	State        State
	RuntimeState string
	ErrorMessage string

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Snapshot is a point-in-time copy of a volume.
type Snapshot struct {
	ID             string
	AccountID      string
	BackendID      string
	Name           string
	Description    string
	SourceVolumeID string
	SizeMB         int

	// ScheduleID is set when the snapshot was produced by a schedule.
	ScheduleID string
	// KeptUntil, when set, marks the snapshot for the expiry sweep.
	KeptUntil *time.Time

	State        State
	RuntimeState string
	ErrorMessage string

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Instance is a virtual machine. Flavor fields are captured at creation
// time rather than referenced, because flavors are mutable catalog entries.
// Every instance owns exactly two volumes: one bootable system volume and
// one non-bootable data volume.
type Instance struct {
	ID        string
	AccountID string
	BackendID string
	Name      string

	FlavorName string
	Cores      int
	RAMMB      int
	DiskMB     int

	InternalIP     string
	ExternalIP     string
	KeyName        string
	KeyFingerprint string

	VolumeIDs        []string
	SecurityGroupIDs []string

	State        State
	RuntimeState string
	ErrorMessage string

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Backup is a snapshot-based point-in-time copy of an instance's volumes.
type Backup struct {
	ID          string
	AccountID   string
	InstanceID  string
	Name        string
	SnapshotIDs []string
	ScheduleID  string
	KeptUntil   *time.Time

	State        State
	ErrorMessage string

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// ScheduleKind distinguishes what a schedule produces.
type ScheduleKind string

const (
	ScheduleBackup   ScheduleKind = "backup"
	ScheduleSnapshot ScheduleKind = "snapshot"
)

// Schedule is a cron-like recurrence that produces backups or snapshots.
// SourceID is an instance for backup schedules and a volume for snapshot
// schedules. A periodic job fires it when NextTriggerAt is in the past and
// then recomputes NextTriggerAt from the cron expression in Timezone.
type Schedule struct {
	ID        string
	AccountID string
	Kind      ScheduleKind
	SourceID  string

	CronExpression string
	Timezone       string
	RetentionDays  int
	MaxRetained    int
	IsActive       bool
	NextTriggerAt  time.Time

	CreatedAt  time.Time
	ModifiedAt time.Time
}
