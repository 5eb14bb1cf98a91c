/*
Package storage provides bbolt-backed persistence for Flotilla's
control-plane state: units, revisions, services, instance status,
assignments, locks, region params, stacks and users.

# Architecture

Every entity lives in its own bucket, named "flotilla-<environment>-<table>"
(or bare "flotilla-<table>" with no environment configured) to match the
original schema's table-naming convention:

	units            unit hash -> Unit
	revisions        "<service>/<hash>" -> Revision
	services         service name -> Service (includes the weight map)
	status           "<service>/<instance>" -> InstanceStatus
	assignments      "<service>/<key>" -> Assignment
	locks            lock name -> Lock
	regions          region name -> RegionParams
	stacks           stack ARN -> Stack
	users            username -> User

Units and revisions are content-addressed and immutable: Put is a
no-op once the hash already exists, so concurrent publishers writing
the same content never race.

# Transactions

Reads use db.View, writes use db.Update, following bbolt's single-writer
MVCC model. TryAcquireLock is the one operation that performs a
compare-and-swap inside a single write transaction: it reads the
current owner, checks expiry, and only then writes the new owner,
all without releasing the writer lock in between.

# Garbage collection

GetInstanceAssignments is also where dead instances get reaped: any
status row older than types.InstanceExpiry is deleted along with its
assignment row before resolving the live set. There is no separate
sweep goroutine; collection rides along with the read the scheduler
already does once per tick.

# See Also

  - pkg/types for entity definitions and content-addressing rules
  - pkg/scheduler for the primary read path
  - pkg/publisher for the primary write path
*/
package storage
