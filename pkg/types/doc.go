/*
Package types defines Flotilla's core data model: the content-addressed
units and revisions a service is built from, the weighted service
record the scheduler balances against, and the bookkeeping rows
(instance status, assignments, locks, region params, stacks) that
drive convergence.

# Content addressing

Units and revisions are immutable and keyed by the SHA-256 hash of
their content (Unit.Hash, Revision.Hash). Two units with identical
name, unit file text and environment always hash identically
regardless of environment key insertion order; two revisions with the
identical label and unit set always hash identically regardless of
unit list order. This lets independent publishers write the same unit
or revision twice without conflict and lets the store deduplicate by
existence check alone.

# Weight

A Service holds a map of revision hash to weight. Weight zero means
present but inactive (kept for fast rollback); a negative weight means
the revision has been quarantined by the Doctor and is excluded from
scheduling as if absent. Weights are otherwise non-negative integers;
the Scheduler treats their ratio as a target share of live instance
capacity.

# Flat storage dispatch

The original design kept a Service as a single flat attribute bag
(metadata fields plus one column per revision hash) told apart by key
length. Types in this package model a Service as a struct with an
explicit Weights map instead, and pkg/storage stores it as one JSON
document with metadata and weights as separate nested objects. The
64-hex-character key length is checked only when a weight is written
(SetRevisionWeight); the raw table holds no flat per-revision columns.

See Also

  - pkg/storage for persistence
  - pkg/publisher for unit/revision construction and writes
  - pkg/scheduler for weight-to-assignment conversion
  - pkg/doctor for quarantine decisions
*/
package types
