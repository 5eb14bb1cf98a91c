package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/flotilla/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUnits      = []byte("units")
	bucketRevisions  = []byte("revisions")
	bucketServices   = []byte("services")
	bucketStatus     = []byte("status")
	bucketAssigns    = []byte("assignments")
	bucketLocks      = []byte("locks")
	bucketRegions    = []byte("regions")
	bucketStacks     = []byte("stacks")
	bucketUsers      = []byte("users")
)

// tableName mirrors the original schema's table naming: every table is
// prefixed "flotilla-<environment>-", or bare "flotilla-" when no
// environment is configured.
func tableName(environment, table string) []byte {
	if environment == "" {
		return []byte(fmt.Sprintf("flotilla-%s", table))
	}
	return []byte(fmt.Sprintf("flotilla-%s-%s", environment, table))
}

// BoltStore implements Store on top of a single bbolt file. Each
// logical table from the original schema becomes one bucket, named per
// tableName so an operator inspecting the file sees the same naming
// convention as the original DynamoDB-backed deployment.
type BoltStore struct {
	db          *bolt.DB
	environment string
}

// NewBoltStore opens (creating if absent) the bbolt-backed store for
// the given environment.
func NewBoltStore(dataDir, environment string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "flotilla.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &BoltStore{db: db, environment: environment}

	buckets := [][]byte{
		bucketUnits, bucketRevisions, bucketServices, bucketStatus,
		bucketAssigns, bucketLocks, bucketRegions, bucketStacks, bucketUsers,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(s.table(b)); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) table(logical []byte) []byte {
	return tableName(s.environment, string(logical))
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// --- Units ---

func (s *BoltStore) PutUnit(unit *types.Unit) (string, error) {
	hash := unit.Hash()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketUnits))
		if b.Get([]byte(hash)) != nil {
			return nil // content-addressed, already present
		}
		data, err := json.Marshal(unit)
		if err != nil {
			return err
		}
		return b.Put([]byte(hash), data)
	})
	return hash, err
}

func (s *BoltStore) GetUnit(hash string) (*types.Unit, error) {
	var unit types.Unit
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketUnits))
		data := b.Get([]byte(hash))
		if data == nil {
			return fmt.Errorf("unit not found: %s", hash)
		}
		return json.Unmarshal(data, &unit)
	})
	if err != nil {
		return nil, err
	}
	return &unit, nil
}

// --- Revisions ---

func revisionKey(service, hash string) []byte {
	return []byte(service + "/" + hash)
}

func (s *BoltStore) PutRevision(service string, revision *types.Revision) (string, error) {
	hash := revision.Hash()
	if revision.UnitHashes == nil {
		revision.UnitHashes = make([]string, 0, len(revision.Units))
		for _, u := range revision.Units {
			if _, err := s.PutUnit(u); err != nil {
				return "", err
			}
			revision.UnitHashes = append(revision.UnitHashes, u.Hash())
		}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketRevisions))
		key := revisionKey(service, hash)
		if b.Get(key) != nil {
			return nil
		}
		data, err := json.Marshal(revision)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	return hash, err
}

func (s *BoltStore) GetRevision(service, hash string) (*types.Revision, error) {
	var rev types.Revision
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketRevisions))
		data := b.Get(revisionKey(service, hash))
		if data == nil {
			return fmt.Errorf("revision not found: %s/%s", service, hash)
		}
		return json.Unmarshal(data, &rev)
	})
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

func (s *BoltStore) ListRevisions(service string) ([]*types.Revision, error) {
	var revs []*types.Revision
	prefix := []byte(service + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.table(bucketRevisions)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rev types.Revision
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			revs = append(revs, &rev)
		}
		return nil
	})
	return revs, err
}

func (s *BoltStore) DeleteRevision(service, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketRevisions))
		return b.Delete(revisionKey(service, hash))
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Services ---

func (s *BoltStore) CreateService(service *types.Service) error {
	if service.Weights == nil {
		service.Weights = make(map[string]int)
	}
	return s.putService(service)
}

func (s *BoltStore) putService(service *types.Service) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketServices))
		data, err := json.Marshal(service)
		if err != nil {
			return err
		}
		return b.Put([]byte(service.Name), data)
	})
}

func (s *BoltStore) GetService(name string) (*types.Service, error) {
	var service types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketServices))
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("service not found: %s", name)
		}
		return json.Unmarshal(data, &service)
	})
	if err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) ListServices() ([]*types.Service, error) {
	var services []*types.Service
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketServices))
		return b.ForEach(func(k, v []byte) error {
			var service types.Service
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) UpdateServiceMetadata(name string, meta types.ServiceMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketServices))
		data := b.Get([]byte(name))
		var service types.Service
		if data == nil {
			service = types.Service{Name: name, Weights: make(map[string]int)}
		} else if err := json.Unmarshal(data, &service); err != nil {
			return err
		}
		service.Metadata = meta
		out, err := json.Marshal(&service)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), out)
	})
}

// SetRevisionWeight is the sole mutator for a service's weight map; it
// rejects a revisionHash that is not 64 hex characters (see
// types.IsWeightColumn). The weight map is stored as a nested JSON
// object on the service record, not as flat per-revision columns.
func (s *BoltStore) SetRevisionWeight(service, revisionHash string, weight int) error {
	if !types.IsWeightColumn(revisionHash) {
		return fmt.Errorf("invalid revision hash %q: must be %d hex characters", revisionHash, types.RevisionHashLen)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketServices))
		data := b.Get([]byte(service))
		if data == nil {
			return fmt.Errorf("service not found: %s", service)
		}
		var svc types.Service
		if err := json.Unmarshal(data, &svc); err != nil {
			return err
		}
		if svc.Weights == nil {
			svc.Weights = make(map[string]int)
		}
		svc.Weights[revisionHash] = weight
		out, err := json.Marshal(&svc)
		if err != nil {
			return err
		}
		return b.Put([]byte(service), out)
	})
}

func (s *BoltStore) DeleteService(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.table(bucketServices)).Delete([]byte(name))
	})
}

// --- Instance status ---

func statusKey(service, instanceID string) []byte {
	return []byte(service + "/" + instanceID)
}

func (s *BoltStore) PutInstanceStatus(status *types.InstanceStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketStatus))
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return b.Put(statusKey(status.Service, status.InstanceID), data)
	})
}

func (s *BoltStore) ListInstanceStatus(service string) ([]*types.InstanceStatus, error) {
	var statuses []*types.InstanceStatus
	prefix := []byte(service + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.table(bucketStatus)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var st types.InstanceStatus
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			statuses = append(statuses, &st)
		}
		return nil
	})
	return statuses, err
}

func (s *BoltStore) DeleteInstanceStatus(service, instanceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.table(bucketStatus)).Delete(statusKey(service, instanceID))
	})
}

// --- Assignments ---

func assignKey(service, key string) []byte {
	return []byte(service + "/" + key)
}

func (s *BoltStore) SetAssignment(service, key, revisionHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketAssigns))
		data, err := json.Marshal(&types.Assignment{InstanceID: key, Revision: revisionHash})
		if err != nil {
			return err
		}
		return b.Put(assignKey(service, key), data)
	})
}

func (s *BoltStore) GetAssignment(service, key string) (*types.Assignment, error) {
	var a types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketAssigns))
		data := b.Get(assignKey(service, key))
		if data == nil {
			return fmt.Errorf("assignment not found: %s/%s", service, key)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) DeleteAssignment(service, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.table(bucketAssigns)).Delete(assignKey(service, key))
	})
}

// GetInstanceAssignments returns every live instance's resolved
// assignment (its own row, falling back to its global shard row), and
// garbage-collects status and assignment rows belonging to instances
// whose heartbeat has expired.
func (s *BoltStore) GetInstanceAssignments(service string, now time.Time) (map[string]*types.Assignment, error) {
	statuses, err := s.ListInstanceStatus(service)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*types.Assignment)
	for _, st := range statuses {
		if !st.Live(now) {
			_ = s.DeleteInstanceStatus(service, st.InstanceID)
			_ = s.DeleteAssignment(service, st.InstanceID)
			continue
		}
		a, err := s.GetAssignment(service, st.InstanceID)
		if err != nil {
			a, err = s.GetAssignment(service, types.GlobalShardKey(st.InstanceID))
			if err != nil {
				result[st.InstanceID] = nil
				continue
			}
		}
		result[st.InstanceID] = a
	}
	return result, nil
}

// --- Locks ---

// TryAcquireLock performs a compare-and-swap acquire: it succeeds if
// the lock is absent, already owned by owner, or held by an owner
// whose TTL has expired.
func (s *BoltStore) TryAcquireLock(name, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketLocks))
		data := b.Get([]byte(name))
		now := time.Now()

		if data != nil {
			var existing types.Lock
			if err := json.Unmarshal(data, &existing); err != nil {
				return err
			}
			if existing.Owner != owner && !existing.Expired(now, ttl) {
				return nil // held by someone else, still fresh
			}
		}

		lock := types.Lock{Name: name, Owner: owner, AcquireTime: now}
		out, err := json.Marshal(&lock)
		if err != nil {
			return err
		}
		acquired = true
		return b.Put([]byte(name), out)
	})
	return acquired, err
}

func (s *BoltStore) ReleaseLock(name, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketLocks))
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var existing types.Lock
		if err := json.Unmarshal(data, &existing); err != nil {
			return err
		}
		if existing.Owner != owner {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) GetLock(name string) (*types.Lock, error) {
	var lock types.Lock
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketLocks))
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("lock not found: %s", name)
		}
		return json.Unmarshal(data, &lock)
	})
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// --- Region params ---

func (s *BoltStore) PutRegionParams(params *types.RegionParams) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketRegions))
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		return b.Put([]byte(params.Name), data)
	})
}

func (s *BoltStore) GetRegionParams(region string) (*types.RegionParams, error) {
	var params types.RegionParams
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketRegions))
		data := b.Get([]byte(region))
		if data == nil {
			return fmt.Errorf("region not found: %s", region)
		}
		return json.Unmarshal(data, &params)
	})
	if err != nil {
		return nil, err
	}
	return &params, nil
}

func (s *BoltStore) ListRegionParams() ([]*types.RegionParams, error) {
	var all []*types.RegionParams
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketRegions))
		return b.ForEach(func(k, v []byte) error {
			var p types.RegionParams
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			all = append(all, &p)
			return nil
		})
	})
	return all, err
}

// --- Stacks ---

func (s *BoltStore) PutStack(stack *types.Stack) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketStacks))
		data, err := json.Marshal(stack)
		if err != nil {
			return err
		}
		return b.Put([]byte(stack.ARN), data)
	})
}

func (s *BoltStore) GetStack(arn string) (*types.Stack, error) {
	var stack types.Stack
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketStacks))
		data := b.Get([]byte(arn))
		if data == nil {
			return fmt.Errorf("stack not found: %s", arn)
		}
		return json.Unmarshal(data, &stack)
	})
	if err != nil {
		return nil, err
	}
	return &stack, nil
}

func (s *BoltStore) ListStacksByService(service string) ([]*types.Stack, error) {
	var all []*types.Stack
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketStacks))
		return b.ForEach(func(k, v []byte) error {
			var st types.Stack
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if st.Service == service {
				all = append(all, &st)
			}
			return nil
		})
	})
	return all, err
}

// --- Users ---

func (s *BoltStore) PutUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketUsers))
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.Username), data)
	})
}

func (s *BoltStore) GetUser(username string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketUsers))
		data := b.Get([]byte(username))
		if data == nil {
			return fmt.Errorf("user not found: %s", username)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.table(bucketUsers))
		return b.ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}
