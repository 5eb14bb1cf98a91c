/*
Package scheduler assigns fleet instances to service revisions.

One process in the fleet holds the scheduler lock at a time, elected
via a TTL compare-and-swap on the "scheduler" lock row (see
pkg/storage). Every process runs the same two periodic workers through
pkg/runner:

	┌────────────────────────────────────────────────────────────┐
	│  leader-election   every 10s  — TryAcquireLock("scheduler") │
	│  schedule          every 5s   — no-op unless leading        │
	└────────────────┬───────────────────────────────────────────┘
	                 │ (leader only)
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  For each service:                                          │
	│    slots := sorted(live instance ids) + 16 GLOBAL_n keys    │
	│    targets := round(weight/total * len(slots)), repaired    │
	│    move unassigned, stale and excess slots to revisions     │
	│      below target, in ascending-hash order                  │
	│    write only the slots whose assignment changed            │
	└────────────────────────────────────────────────────────────┘

# Weighted rounding

computeTargets converts a revision's weight map into an integer target
count per revision that sums exactly to the slot count, rounding each
revision's share and repairing the remainder by incrementing or
decrementing the revision with the largest target; ties are broken by
ascending revision hash. reassign then moves only the slots that are
unassigned, on a revision outside the targets, or in excess of their
revision's target, filling revisions below target in ascending
revision-hash order; every other slot keeps its current assignment.
Quarantined revisions (weight < 0) are excluded before this
step by Service.ActiveWeights.

# Slot pool

An instance resolves two assignment rows: its own instance id and its
deterministic GLOBAL_n shard (see types.GlobalShardKey). Folding both
into one combined slot pool before running the weighted-rounding
algorithm means a service's weights are honored across the whole
fleet, not per-instance, while the per-instance row still gives each
instance an assignment that survives until its next scheduling pass.
*/
package scheduler
