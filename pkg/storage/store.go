package storage

import (
	"time"

	"github.com/cuemby/flotilla/pkg/types"
)

// Store defines the persistence interface shared by every Flotilla
// component. A single implementation backs the scheduler, doctor,
// agent, publisher and CLI; they never touch the underlying database
// directly.
type Store interface {
	// Units are content-addressed and immutable: Put is a no-op if the
	// hash already exists.
	PutUnit(unit *types.Unit) (hash string, err error)
	GetUnit(hash string) (*types.Unit, error)

	// Revisions are content-addressed and immutable.
	PutRevision(service string, revision *types.Revision) (hash string, err error)
	GetRevision(service, hash string) (*types.Revision, error)
	ListRevisions(service string) ([]*types.Revision, error)
	DeleteRevision(service, hash string) error

	// Services hold metadata plus the weight map; beyond Create/Get, a
	// publisher changes them only through UpdateServiceMetadata and
	// SetRevisionWeight.
	CreateService(service *types.Service) error
	GetService(name string) (*types.Service, error)
	ListServices() ([]*types.Service, error)
	UpdateServiceMetadata(name string, meta types.ServiceMetadata) error
	SetRevisionWeight(service, revisionHash string, weight int) error
	DeleteService(name string) error

	// Instance status, written by the agent's heartbeat and read by the
	// scheduler to size the live fleet.
	PutInstanceStatus(status *types.InstanceStatus) error
	ListInstanceStatus(service string) ([]*types.InstanceStatus, error)
	DeleteInstanceStatus(service, instanceID string) error

	// Assignments map an instance (or a global shard key) to a revision
	// hash. GetInstanceAssignments also garbage-collects status and
	// assignment rows for instances whose heartbeat has expired.
	SetAssignment(service, key, revisionHash string) error
	GetAssignment(service, key string) (*types.Assignment, error)
	GetInstanceAssignments(service string, now time.Time) (map[string]*types.Assignment, error)
	DeleteAssignment(service, key string) error

	// Locks support compare-and-swap acquisition with a caller-supplied
	// TTL; Release is a no-op if the caller is not the current owner.
	TryAcquireLock(name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(name, owner string) error
	GetLock(name string) (*types.Lock, error)

	// Region and stack bookkeeping, populated by the external
	// provisioner and read by the CLI and scheduler.
	PutRegionParams(params *types.RegionParams) error
	GetRegionParams(region string) (*types.RegionParams, error)
	ListRegionParams() ([]*types.RegionParams, error)
	PutStack(stack *types.Stack) error
	GetStack(arn string) (*types.Stack, error)
	ListStacksByService(service string) ([]*types.Stack, error)

	// Users, for SSH key distribution.
	PutUser(user *types.User) error
	GetUser(username string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	Close() error
}
