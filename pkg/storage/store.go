package storage

import (
	"errors"
	"time"

	"github.com/nimbusops/nimbus/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a guarded update loses: a lifecycle
	// transition whose source state no longer matches, or a pull update
	// against a record modified after the pull began.
	ErrConflict = errors.New("state conflict")
)

// Store is the local resource store. Property types (flavors, images,
// floating IPs, security groups) are keyed (account, backend id) and fully
// replaced by reconciliation; stateful resources are keyed by primary id.
//
// Transition* and Mutate* run as atomic read-modify-write transactions;
// they are the concurrency control for overlapping lifecycle operations.
type Store interface {
	// Accounts
	CreateAccount(account *types.Account) error
	GetAccount(id string) (*types.Account, error)
	ListAccounts() ([]*types.Account, error)
	UpdateAccount(account *types.Account) error
	DeleteAccount(id string) error

	// AdjustQuota atomically adds delta to the named usage counter.
	AdjustQuota(accountID, name string, delta int64) error
	// SetQuotaLimit sets the named quota's limit, creating the counter.
	SetQuotaLimit(accountID, name string, limit int64) error

	// Flavors
	UpsertFlavor(flavor *types.Flavor) error
	ListFlavorsByAccount(accountID string) ([]*types.Flavor, error)
	FindFlavorByName(accountID, name string) (*types.Flavor, error)
	DeleteFlavor(accountID, backendID string) error

	// Images
	UpsertImage(image *types.Image) error
	ListImagesByAccount(accountID string) ([]*types.Image, error)
	DeleteImage(accountID, backendID string) error

	// Floating IPs
	UpsertFloatingIP(ip *types.FloatingIP) error
	GetFloatingIP(accountID, backendID string) (*types.FloatingIP, error)
	ListFloatingIPsByAccount(accountID string) ([]*types.FloatingIP, error)
	DeleteFloatingIP(accountID, backendID string) error

	// Security groups
	UpsertSecurityGroup(group *types.SecurityGroup) error
	GetSecurityGroup(accountID, backendID string) (*types.SecurityGroup, error)
	FindSecurityGroupByName(accountID, name string) (*types.SecurityGroup, error)
	ListSecurityGroupsByAccount(accountID string) ([]*types.SecurityGroup, error)
	DeleteSecurityGroup(accountID, backendID string) error

	// Volumes
	CreateVolume(volume *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	ListVolumesByAccount(accountID string) ([]*types.Volume, error)
	UpdateVolume(volume *types.Volume) error
	DeleteVolume(id string) error
	TransitionVolume(id string, from []types.State, to types.State) (*types.Volume, error)
	MutateVolume(id string, notModifiedSince time.Time, fn func(*types.Volume)) (*types.Volume, error)
	CountVolumesInState(accountID string, state types.State) (int, error)
	FindVolumeByBackendID(accountID, backendID string) (*types.Volume, error)

	// Snapshots
	CreateSnapshot(snapshot *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshotsByAccount(accountID string) ([]*types.Snapshot, error)
	ListSnapshotsBySchedule(scheduleID string) ([]*types.Snapshot, error)
	UpdateSnapshot(snapshot *types.Snapshot) error
	DeleteSnapshot(id string) error
	TransitionSnapshot(id string, from []types.State, to types.State) (*types.Snapshot, error)
	MutateSnapshot(id string, notModifiedSince time.Time, fn func(*types.Snapshot)) (*types.Snapshot, error)
	CountSnapshotsInState(accountID string, state types.State) (int, error)
	FindSnapshotByBackendID(accountID, backendID string) (*types.Snapshot, error)

	// Instances
	CreateInstance(instance *types.Instance) error
	GetInstance(id string) (*types.Instance, error)
	ListInstancesByAccount(accountID string) ([]*types.Instance, error)
	UpdateInstance(instance *types.Instance) error
	DeleteInstance(id string) error
	TransitionInstance(id string, from []types.State, to types.State) (*types.Instance, error)
	MutateInstance(id string, notModifiedSince time.Time, fn func(*types.Instance)) (*types.Instance, error)
	CountInstancesInState(accountID string, state types.State) (int, error)
	FindInstanceByBackendID(accountID, backendID string) (*types.Instance, error)

	// Backups
	CreateBackup(backup *types.Backup) error
	GetBackup(id string) (*types.Backup, error)
	ListBackupsByAccount(accountID string) ([]*types.Backup, error)
	ListBackupsBySchedule(scheduleID string) ([]*types.Backup, error)
	UpdateBackup(backup *types.Backup) error
	DeleteBackup(id string) error
	TransitionBackup(id string, from []types.State, to types.State) (*types.Backup, error)

	// Schedules
	CreateSchedule(schedule *types.Schedule) error
	GetSchedule(id string) (*types.Schedule, error)
	ListSchedules() ([]*types.Schedule, error)
	ListSchedulesByAccount(accountID string) ([]*types.Schedule, error)
	UpdateSchedule(schedule *types.Schedule) error
	DeleteSchedule(id string) error

	// Utility
	Close() error
}
