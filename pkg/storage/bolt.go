package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nimbusops/nimbus/pkg/types"
)

var (
	// Bucket names
	bucketAccounts    = []byte("accounts")
	bucketFlavors     = []byte("flavors")
	bucketImages      = []byte("images")
	bucketFloatingIPs = []byte("floating_ips")
	bucketSecGroups   = []byte("security_groups")
	bucketVolumes     = []byte("volumes")
	bucketSnapshots   = []byte("snapshots")
	bucketInstances   = []byte("instances")
	bucketBackups     = []byte("backups")
	bucketSchedules   = []byte("schedules")
)

// propertyKey builds the composite key for catalog/property records. One
// bolt write transaction at a time makes upserts on this key at-most-once
// even under concurrent reconciliation passes.
func propertyKey(accountID, backendID string) []byte {
	return []byte(accountID + "/" + backendID)
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "nimbus.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAccounts,
			bucketFlavors,
			bucketImages,
			bucketFloatingIPs,
			bucketSecGroups,
			bucketVolumes,
			bucketSnapshots,
			bucketInstances,
			bucketBackups,
			bucketSchedules,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket, key []byte, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// Account operations

func (s *BoltStore) CreateAccount(account *types.Account) error {
	return s.put(bucketAccounts, []byte(account.ID), account)
}

func (s *BoltStore) GetAccount(id string) (*types.Account, error) {
	var account types.Account
	if err := s.get(bucketAccounts, []byte(id), &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *BoltStore) ListAccounts() ([]*types.Account, error) {
	var accounts []*types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			var account types.Account
			if err := json.Unmarshal(v, &account); err != nil {
				return err
			}
			accounts = append(accounts, &account)
			return nil
		})
	})
	return accounts, err
}

func (s *BoltStore) UpdateAccount(account *types.Account) error {
	account.ModifiedAt = time.Now()
	return s.CreateAccount(account)
}

func (s *BoltStore) DeleteAccount(id string) error {
	return s.delete(bucketAccounts, []byte(id))
}

// AdjustQuota atomically adds delta to the named usage counter. Usage never
// goes below zero.
func (s *BoltStore) AdjustQuota(accountID, name string, delta int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		data := b.Get([]byte(accountID))
		if data == nil {
			return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
		}
		var account types.Account
		if err := json.Unmarshal(data, &account); err != nil {
			return err
		}
		if account.Quotas == nil {
			account.Quotas = map[string]*types.Quota{}
		}
		q, ok := account.Quotas[name]
		if !ok {
			q = &types.Quota{Limit: -1}
			account.Quotas[name] = q
		}
		q.Usage += delta
		if q.Usage < 0 {
			q.Usage = 0
		}
		account.ModifiedAt = time.Now()
		out, err := json.Marshal(&account)
		if err != nil {
			return err
		}
		return b.Put([]byte(accountID), out)
	})
}

func (s *BoltStore) SetQuotaLimit(accountID, name string, limit int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		data := b.Get([]byte(accountID))
		if data == nil {
			return fmt.Errorf("%w: account %s", ErrNotFound, accountID)
		}
		var account types.Account
		if err := json.Unmarshal(data, &account); err != nil {
			return err
		}
		if account.Quotas == nil {
			account.Quotas = map[string]*types.Quota{}
		}
		q, ok := account.Quotas[name]
		if !ok {
			q = &types.Quota{}
			account.Quotas[name] = q
		}
		q.Limit = limit
		account.ModifiedAt = time.Now()
		out, err := json.Marshal(&account)
		if err != nil {
			return err
		}
		return b.Put([]byte(accountID), out)
	})
}

// Flavor operations

func (s *BoltStore) UpsertFlavor(flavor *types.Flavor) error {
	return s.put(bucketFlavors, propertyKey(flavor.AccountID, flavor.BackendID), flavor)
}

func (s *BoltStore) ListFlavorsByAccount(accountID string) ([]*types.Flavor, error) {
	var flavors []*types.Flavor
	err := s.scanAccount(bucketFlavors, accountID, func(v []byte) error {
		var flavor types.Flavor
		if err := json.Unmarshal(v, &flavor); err != nil {
			return err
		}
		flavors = append(flavors, &flavor)
		return nil
	})
	return flavors, err
}

func (s *BoltStore) FindFlavorByName(accountID, name string) (*types.Flavor, error) {
	flavors, err := s.ListFlavorsByAccount(accountID)
	if err != nil {
		return nil, err
	}
	for _, f := range flavors {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: flavor %s", ErrNotFound, name)
}

func (s *BoltStore) DeleteFlavor(accountID, backendID string) error {
	return s.delete(bucketFlavors, propertyKey(accountID, backendID))
}

// Image operations

func (s *BoltStore) UpsertImage(image *types.Image) error {
	return s.put(bucketImages, propertyKey(image.AccountID, image.BackendID), image)
}

func (s *BoltStore) ListImagesByAccount(accountID string) ([]*types.Image, error) {
	var images []*types.Image
	err := s.scanAccount(bucketImages, accountID, func(v []byte) error {
		var image types.Image
		if err := json.Unmarshal(v, &image); err != nil {
			return err
		}
		images = append(images, &image)
		return nil
	})
	return images, err
}

func (s *BoltStore) DeleteImage(accountID, backendID string) error {
	return s.delete(bucketImages, propertyKey(accountID, backendID))
}

// Floating IP operations

func (s *BoltStore) UpsertFloatingIP(ip *types.FloatingIP) error {
	return s.put(bucketFloatingIPs, propertyKey(ip.AccountID, ip.BackendID), ip)
}

func (s *BoltStore) GetFloatingIP(accountID, backendID string) (*types.FloatingIP, error) {
	var ip types.FloatingIP
	if err := s.get(bucketFloatingIPs, propertyKey(accountID, backendID), &ip); err != nil {
		return nil, err
	}
	return &ip, nil
}

func (s *BoltStore) ListFloatingIPsByAccount(accountID string) ([]*types.FloatingIP, error) {
	var ips []*types.FloatingIP
	err := s.scanAccount(bucketFloatingIPs, accountID, func(v []byte) error {
		var ip types.FloatingIP
		if err := json.Unmarshal(v, &ip); err != nil {
			return err
		}
		ips = append(ips, &ip)
		return nil
	})
	return ips, err
}

func (s *BoltStore) DeleteFloatingIP(accountID, backendID string) error {
	return s.delete(bucketFloatingIPs, propertyKey(accountID, backendID))
}

// Security group operations

func (s *BoltStore) UpsertSecurityGroup(group *types.SecurityGroup) error {
	return s.put(bucketSecGroups, propertyKey(group.AccountID, group.BackendID), group)
}

func (s *BoltStore) GetSecurityGroup(accountID, backendID string) (*types.SecurityGroup, error) {
	var group types.SecurityGroup
	if err := s.get(bucketSecGroups, propertyKey(accountID, backendID), &group); err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) FindSecurityGroupByName(accountID, name string) (*types.SecurityGroup, error) {
	groups, err := s.ListSecurityGroupsByAccount(accountID)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.Name == name {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: security group %s", ErrNotFound, name)
}

func (s *BoltStore) ListSecurityGroupsByAccount(accountID string) ([]*types.SecurityGroup, error) {
	var groups []*types.SecurityGroup
	err := s.scanAccount(bucketSecGroups, accountID, func(v []byte) error {
		var group types.SecurityGroup
		if err := json.Unmarshal(v, &group); err != nil {
			return err
		}
		groups = append(groups, &group)
		return nil
	})
	return groups, err
}

func (s *BoltStore) DeleteSecurityGroup(accountID, backendID string) error {
	return s.delete(bucketSecGroups, propertyKey(accountID, backendID))
}

// scanAccount iterates records whose key carries the account prefix.
func (s *BoltStore) scanAccount(bucket []byte, accountID string, fn func(v []byte) error) error {
	prefix := []byte(accountID + "/")
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Volume operations

func (s *BoltStore) CreateVolume(volume *types.Volume) error {
	now := time.Now()
	if volume.CreatedAt.IsZero() {
		volume.CreatedAt = now
	}
	volume.ModifiedAt = now
	return s.put(bucketVolumes, []byte(volume.ID), volume)
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var volume types.Volume
	if err := s.get(bucketVolumes, []byte(id), &volume); err != nil {
		return nil, err
	}
	return &volume, nil
}

func (s *BoltStore) ListVolumesByAccount(accountID string) ([]*types.Volume, error) {
	var volumes []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var volume types.Volume
			if err := json.Unmarshal(v, &volume); err != nil {
				return err
			}
			if volume.AccountID == accountID {
				volumes = append(volumes, &volume)
			}
			return nil
		})
	})
	return volumes, err
}

func (s *BoltStore) UpdateVolume(volume *types.Volume) error {
	volume.ModifiedAt = time.Now()
	return s.put(bucketVolumes, []byte(volume.ID), volume)
}

func (s *BoltStore) DeleteVolume(id string) error {
	return s.delete(bucketVolumes, []byte(id))
}

func (s *BoltStore) TransitionVolume(id string, from []types.State, to types.State) (*types.Volume, error) {
	var out *types.Volume
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		var volume types.Volume
		if err := getTx(b, id, &volume); err != nil {
			return err
		}
		if err := checkTransition(volume.State, from, to); err != nil {
			return fmt.Errorf("volume %s: %w", id, err)
		}
		volume.State = to
		volume.ModifiedAt = time.Now()
		out = &volume
		return putTx(b, id, &volume)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) MutateVolume(id string, notModifiedSince time.Time, fn func(*types.Volume)) (*types.Volume, error) {
	var out *types.Volume
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		var volume types.Volume
		if err := getTx(b, id, &volume); err != nil {
			return err
		}
		if !notModifiedSince.IsZero() && volume.ModifiedAt.After(notModifiedSince) {
			return fmt.Errorf("volume %s modified concurrently: %w", id, ErrConflict)
		}
		fn(&volume)
		volume.ModifiedAt = time.Now()
		out = &volume
		return putTx(b, id, &volume)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) CountVolumesInState(accountID string, state types.State) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var volume types.Volume
			if err := json.Unmarshal(v, &volume); err != nil {
				return err
			}
			if volume.AccountID == accountID && volume.State == state {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) FindVolumeByBackendID(accountID, backendID string) (*types.Volume, error) {
	volumes, err := s.ListVolumesByAccount(accountID)
	if err != nil {
		return nil, err
	}
	for _, v := range volumes {
		if v.BackendID == backendID {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: volume with backend id %s", ErrNotFound, backendID)
}

// Snapshot operations

func (s *BoltStore) CreateSnapshot(snapshot *types.Snapshot) error {
	now := time.Now()
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = now
	}
	snapshot.ModifiedAt = now
	return s.put(bucketSnapshots, []byte(snapshot.ID), snapshot)
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	if err := s.get(bucketSnapshots, []byte(id), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *BoltStore) ListSnapshotsByAccount(accountID string) ([]*types.Snapshot, error) {
	var snapshots []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snapshot types.Snapshot
			if err := json.Unmarshal(v, &snapshot); err != nil {
				return err
			}
			if snapshot.AccountID == accountID {
				snapshots = append(snapshots, &snapshot)
			}
			return nil
		})
	})
	return snapshots, err
}

func (s *BoltStore) ListSnapshotsBySchedule(scheduleID string) ([]*types.Snapshot, error) {
	var snapshots []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snapshot types.Snapshot
			if err := json.Unmarshal(v, &snapshot); err != nil {
				return err
			}
			if snapshot.ScheduleID == scheduleID {
				snapshots = append(snapshots, &snapshot)
			}
			return nil
		})
	})
	return snapshots, err
}

func (s *BoltStore) UpdateSnapshot(snapshot *types.Snapshot) error {
	snapshot.ModifiedAt = time.Now()
	return s.put(bucketSnapshots, []byte(snapshot.ID), snapshot)
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.delete(bucketSnapshots, []byte(id))
}

func (s *BoltStore) TransitionSnapshot(id string, from []types.State, to types.State) (*types.Snapshot, error) {
	var out *types.Snapshot
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		var snapshot types.Snapshot
		if err := getTx(b, id, &snapshot); err != nil {
			return err
		}
		if err := checkTransition(snapshot.State, from, to); err != nil {
			return fmt.Errorf("snapshot %s: %w", id, err)
		}
		snapshot.State = to
		snapshot.ModifiedAt = time.Now()
		out = &snapshot
		return putTx(b, id, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) MutateSnapshot(id string, notModifiedSince time.Time, fn func(*types.Snapshot)) (*types.Snapshot, error) {
	var out *types.Snapshot
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		var snapshot types.Snapshot
		if err := getTx(b, id, &snapshot); err != nil {
			return err
		}
		if !notModifiedSince.IsZero() && snapshot.ModifiedAt.After(notModifiedSince) {
			return fmt.Errorf("snapshot %s modified concurrently: %w", id, ErrConflict)
		}
		fn(&snapshot)
		snapshot.ModifiedAt = time.Now()
		out = &snapshot
		return putTx(b, id, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) CountSnapshotsInState(accountID string, state types.State) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snapshot types.Snapshot
			if err := json.Unmarshal(v, &snapshot); err != nil {
				return err
			}
			if snapshot.AccountID == accountID && snapshot.State == state {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) FindSnapshotByBackendID(accountID, backendID string) (*types.Snapshot, error) {
	snapshots, err := s.ListSnapshotsByAccount(accountID)
	if err != nil {
		return nil, err
	}
	for _, snap := range snapshots {
		if snap.BackendID == backendID {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("%w: snapshot with backend id %s", ErrNotFound, backendID)
}

// Instance operations

func (s *BoltStore) CreateInstance(instance *types.Instance) error {
	now := time.Now()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}
	instance.ModifiedAt = now
	return s.put(bucketInstances, []byte(instance.ID), instance)
}

func (s *BoltStore) GetInstance(id string) (*types.Instance, error) {
	var instance types.Instance
	if err := s.get(bucketInstances, []byte(id), &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *BoltStore) ListInstancesByAccount(accountID string) ([]*types.Instance, error) {
	var instances []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var instance types.Instance
			if err := json.Unmarshal(v, &instance); err != nil {
				return err
			}
			if instance.AccountID == accountID {
				instances = append(instances, &instance)
			}
			return nil
		})
	})
	return instances, err
}

func (s *BoltStore) UpdateInstance(instance *types.Instance) error {
	instance.ModifiedAt = time.Now()
	return s.put(bucketInstances, []byte(instance.ID), instance)
}

func (s *BoltStore) DeleteInstance(id string) error {
	return s.delete(bucketInstances, []byte(id))
}

func (s *BoltStore) TransitionInstance(id string, from []types.State, to types.State) (*types.Instance, error) {
	var out *types.Instance
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		var instance types.Instance
		if err := getTx(b, id, &instance); err != nil {
			return err
		}
		if err := checkTransition(instance.State, from, to); err != nil {
			return fmt.Errorf("instance %s: %w", id, err)
		}
		instance.State = to
		instance.ModifiedAt = time.Now()
		out = &instance
		return putTx(b, id, &instance)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) MutateInstance(id string, notModifiedSince time.Time, fn func(*types.Instance)) (*types.Instance, error) {
	var out *types.Instance
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		var instance types.Instance
		if err := getTx(b, id, &instance); err != nil {
			return err
		}
		if !notModifiedSince.IsZero() && instance.ModifiedAt.After(notModifiedSince) {
			return fmt.Errorf("instance %s modified concurrently: %w", id, ErrConflict)
		}
		fn(&instance)
		instance.ModifiedAt = time.Now()
		out = &instance
		return putTx(b, id, &instance)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) CountInstancesInState(accountID string, state types.State) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var instance types.Instance
			if err := json.Unmarshal(v, &instance); err != nil {
				return err
			}
			if instance.AccountID == accountID && instance.State == state {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) FindInstanceByBackendID(accountID, backendID string) (*types.Instance, error) {
	instances, err := s.ListInstancesByAccount(accountID)
	if err != nil {
		return nil, err
	}
	for _, inst := range instances {
		if inst.BackendID == backendID {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: instance with backend id %s", ErrNotFound, backendID)
}

// Backup operations

func (s *BoltStore) CreateBackup(backup *types.Backup) error {
	now := time.Now()
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = now
	}
	backup.ModifiedAt = now
	return s.put(bucketBackups, []byte(backup.ID), backup)
}

func (s *BoltStore) GetBackup(id string) (*types.Backup, error) {
	var backup types.Backup
	if err := s.get(bucketBackups, []byte(id), &backup); err != nil {
		return nil, err
	}
	return &backup, nil
}

func (s *BoltStore) ListBackupsByAccount(accountID string) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if backup.AccountID == accountID {
				backups = append(backups, &backup)
			}
			return nil
		})
	})
	return backups, err
}

func (s *BoltStore) ListBackupsBySchedule(scheduleID string) ([]*types.Backup, error) {
	var backups []*types.Backup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var backup types.Backup
			if err := json.Unmarshal(v, &backup); err != nil {
				return err
			}
			if backup.ScheduleID == scheduleID {
				backups = append(backups, &backup)
			}
			return nil
		})
	})
	return backups, err
}

func (s *BoltStore) UpdateBackup(backup *types.Backup) error {
	backup.ModifiedAt = time.Now()
	return s.put(bucketBackups, []byte(backup.ID), backup)
}

func (s *BoltStore) DeleteBackup(id string) error {
	return s.delete(bucketBackups, []byte(id))
}

func (s *BoltStore) TransitionBackup(id string, from []types.State, to types.State) (*types.Backup, error) {
	var out *types.Backup
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		var backup types.Backup
		if err := getTx(b, id, &backup); err != nil {
			return err
		}
		if err := checkTransition(backup.State, from, to); err != nil {
			return fmt.Errorf("backup %s: %w", id, err)
		}
		backup.State = to
		backup.ModifiedAt = time.Now()
		out = &backup
		return putTx(b, id, &backup)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Schedule operations

func (s *BoltStore) CreateSchedule(schedule *types.Schedule) error {
	now := time.Now()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.ModifiedAt = now
	return s.put(bucketSchedules, []byte(schedule.ID), schedule)
}

func (s *BoltStore) GetSchedule(id string) (*types.Schedule, error) {
	var schedule types.Schedule
	if err := s.get(bucketSchedules, []byte(id), &schedule); err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (s *BoltStore) ListSchedules() ([]*types.Schedule, error) {
	var schedules []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var schedule types.Schedule
			if err := json.Unmarshal(v, &schedule); err != nil {
				return err
			}
			schedules = append(schedules, &schedule)
			return nil
		})
	})
	return schedules, err
}

func (s *BoltStore) ListSchedulesByAccount(accountID string) ([]*types.Schedule, error) {
	schedules, err := s.ListSchedules()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Schedule
	for _, sch := range schedules {
		if sch.AccountID == accountID {
			filtered = append(filtered, sch)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateSchedule(schedule *types.Schedule) error {
	schedule.ModifiedAt = time.Now()
	return s.put(bucketSchedules, []byte(schedule.ID), schedule)
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.delete(bucketSchedules, []byte(id))
}

// Transaction helpers

func getTx(b *bolt.Bucket, id string, v interface{}) error {
	data := b.Get([]byte(id))
	if data == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return json.Unmarshal(data, v)
}

func putTx(b *bolt.Bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

// checkTransition enforces the allowed source states and the lifecycle
// state machine.
func checkTransition(current types.State, from []types.State, to types.State) error {
	allowed := false
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	if !allowed || !types.CanTransition(current, to) {
		return fmt.Errorf("cannot move %s -> %s: %w", current, to, ErrConflict)
	}
	return nil
}

var _ Store = (*BoltStore)(nil)
