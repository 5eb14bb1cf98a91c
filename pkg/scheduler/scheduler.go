package scheduler

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/flotilla/pkg/doctor"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/messaging"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/runner"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

const (
	lockName          = "scheduler"
	defaultLockTTL    = 30 * time.Second
	electionInterval  = 10 * time.Second
	scheduleInterval  = 5 * time.Second
	messagingInterval = 5 * time.Second

	receiveBatchSize = 10

	// queueName labels the metrics the scheduler's message dispatch
	// emits; there is one scheduler-region queue per region, not one
	// per service, so it has no per-service label to use instead.
	queueName = "scheduler-region"
)

// Scheduler computes, per service, a weighted assignment of live
// instances (plus the 16 global broadcast shards) to revisions, and
// holds the scheduler lock so only one process in the fleet schedules
// at a time.
type Scheduler struct {
	store   storage.Store
	queue   messaging.Queue
	doctor  *doctor.Doctor
	logger  zerolog.Logger
	ownerID string
	lockTTL time.Duration

	isLeader atomic.Bool
	runner   *runner.Runner
}

// New creates a Scheduler. ownerID identifies this process as a lock
// owner; it should be stable for the process lifetime (e.g. the
// instance id) and distinct across the fleet. queue and doc may be
// nil: a scheduler with no queue configured simply never consumes
// on-demand Reschedule/ServiceFailure notifications, relying solely on
// its periodic scheduling pass.
func New(store storage.Store, ownerID string, queue messaging.Queue, doc *doctor.Doctor) *Scheduler {
	return &Scheduler{
		store:   store,
		queue:   queue,
		doctor:  doc,
		logger:  log.WithComponent("scheduler"),
		ownerID: ownerID,
		lockTTL: defaultLockTTL,
	}
}

// Start launches the leader-election, scheduling and (if a queue is
// configured) messaging workers.
func (s *Scheduler) Start(ctx context.Context) {
	s.runner = runner.New("scheduler")
	s.runner.Add(runner.Worker{Name: "leader-election", Interval: electionInterval, Fn: s.electLeader})
	s.runner.Add(runner.Worker{Name: "schedule", Interval: scheduleInterval, Fn: s.tick})
	if s.queue != nil {
		s.runner.Add(runner.Worker{Name: "messaging", Interval: messagingInterval, Fn: s.receiveMessages})
	}
	s.runner.Start(ctx)
}

// Stop halts every worker Start added and waits for them to return.
func (s *Scheduler) Stop() {
	if s.runner != nil {
		s.runner.Stop()
	}
}

// IsLeader reports whether this process currently holds the scheduler
// lock.
func (s *Scheduler) IsLeader() bool {
	return s.isLeader.Load()
}

func (s *Scheduler) electLeader(ctx context.Context) error {
	acquired, err := s.store.TryAcquireLock(lockName, s.ownerID, s.lockTTL)
	if err != nil {
		metrics.LockAcquireTotal.WithLabelValues(lockName, "error").Inc()
		return err
	}

	outcome := "denied"
	if acquired {
		outcome = "acquired"
	}
	metrics.LockAcquireTotal.WithLabelValues(lockName, outcome).Inc()

	wasLeader := s.isLeader.Swap(acquired)
	if acquired && !wasLeader {
		s.logger.Info().Str("owner", s.ownerID).Msg("acquired scheduler lock, now leading")
	} else if !acquired && wasLeader {
		s.logger.Warn().Str("owner", s.ownerID).Msg("lost scheduler lock")
	}

	if acquired {
		metrics.SchedulerIsLeader.Set(1)
	} else {
		metrics.SchedulerIsLeader.Set(0)
	}
	return nil
}

func (s *Scheduler) tick(ctx context.Context) error {
	if !s.isLeader.Load() {
		return nil
	}
	return s.ScheduleAll()
}

// receiveMessages drains up to one batch of the scheduler-region
// queue. Reschedule triggers an immediate out-of-band scheduling pass
// for one service, so a newly-joined instance doesn't wait for the
// next periodic tick; ServiceFailure hands the report to the Doctor to
// diagnose, unless this scheduler was started without one. Only the
// elected leader drains the queue, the same as the periodic
// scheduling pass, so messages sit untouched for whichever process is
// leading rather than being consumed and discarded by a standby.
func (s *Scheduler) receiveMessages(ctx context.Context) error {
	if !s.isLeader.Load() {
		return nil
	}
	return messaging.Dispatch(ctx, queueName, s.queue, receiveBatchSize, func(ctx context.Context, msgType messaging.Type, payload json.RawMessage) error {
		switch msgType {
		case messaging.TypeReschedule:
			var m messaging.Reschedule
			if err := json.Unmarshal(payload, &m); err != nil {
				return err
			}
			svc, err := s.store.GetService(m.Service)
			if err != nil {
				s.logger.Warn().Err(err).Str("service", m.Service).Msg("reschedule for unknown service")
				return nil
			}
			return s.ScheduleService(svc)
		case messaging.TypeServiceFailure:
			if s.doctor == nil {
				return nil
			}
			var m messaging.ServiceFailure
			if err := json.Unmarshal(payload, &m); err != nil {
				return err
			}
			return s.doctor.FailedRevision(ctx, m.Service, m.Revision, m.InstanceID)
		default:
			s.logger.Warn().Str("type", string(msgType)).Msg("unhandled message type")
			return nil
		}
	})
}

// ScheduleAll runs one scheduling pass over every configured service.
func (s *Scheduler) ScheduleAll() error {
	services, err := s.store.ListServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		if err := s.ScheduleService(svc); err != nil {
			s.logger.Error().Err(err).Str("service", svc.Name).Msg("failed to schedule service")
		}
	}
	return nil
}

// ScheduleService computes target[r] = round(weight[r]/total*N) over
// the combined pool of live instance ids and the 16 global shard keys,
// then reassigns only as many instances as needed to reach those
// targets: instances with no assignment, instances on a revision no
// longer in the weight map, and the excess tail of over-provisioned
// revisions fill the under-provisioned revisions, in ascending
// revision order. Every instance already at or below its revision's
// target keeps its current assignment untouched, so a call that finds
// nothing to rebalance persists nothing. Reading the live instance set
// through GetInstanceAssignments also garbage-collects status and
// assignment rows for instances whose heartbeat has expired.
func (s *Scheduler) ScheduleService(service *types.Service) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	now := time.Now()
	resolved, err := s.store.GetInstanceAssignments(service.Name, now)
	if err != nil {
		return err
	}

	slots := make([]string, 0, len(resolved)+types.GlobalAssignmentShards)
	current := make(map[string]string, len(resolved)+types.GlobalAssignmentShards)
	for instanceID, a := range resolved {
		slots = append(slots, instanceID)
		if a != nil {
			current[instanceID] = a.Revision
		}
	}
	for n := 0; n < types.GlobalAssignmentShards; n++ {
		key := types.GlobalAssignmentKey(n)
		slots = append(slots, key)
		if a, err := s.store.GetAssignment(service.Name, key); err == nil && a != nil {
			current[key] = a.Revision
		}
	}

	active := service.ActiveWeights()
	if len(active) == 0 || len(slots) == 0 {
		return nil
	}

	targets := computeTargets(active, len(slots))
	changes := reassign(slots, current, targets)

	for slot, rev := range changes {
		if err := s.store.SetAssignment(service.Name, slot, rev); err != nil {
			return err
		}
	}
	if len(changes) > 0 {
		metrics.RevisionsScheduledTotal.WithLabelValues(service.Name).Add(float64(len(changes)))
	}
	return nil
}

// computeTargets converts a weight map into an integer target count
// per revision summing exactly to n.
func computeTargets(weights map[string]int, n int) map[string]int {
	total := 0
	for _, w := range weights {
		total += w
	}
	targets := make(map[string]int, len(weights))
	if total == 0 {
		return targets
	}

	for rev, w := range weights {
		targets[rev] = int(math.Round(float64(w) / float64(total) * float64(n)))
	}

	sum := 0
	for _, t := range targets {
		sum += t
	}

	for sum != n {
		rev := maxTargetRevision(targets)
		if rev == "" {
			break
		}
		if sum > n {
			targets[rev]--
			sum--
		} else {
			targets[rev]++
			sum++
		}
	}
	return targets
}

// maxTargetRevision returns the revision with the largest target,
// breaking ties by ascending revision hash for a deterministic,
// total order.
func maxTargetRevision(targets map[string]int) string {
	revs := make([]string, 0, len(targets))
	for r := range targets {
		revs = append(revs, r)
	}
	sort.Strings(revs)

	best := ""
	bestTarget := math.MinInt
	for _, r := range revs {
		if targets[r] > bestTarget {
			bestTarget = targets[r]
			best = r
		}
	}
	return best
}

// reassign builds the reassignable pool of slots not needed by their
// current revision — unassigned slots, slots on a revision no longer
// in targets, and the excess tail of slots on over-provisioned
// revisions, trimmed in ascending slot order — then fills only
// under-provisioned revisions from the front of that pool, in
// ascending revision order. It returns just the slots whose
// assignment changed; every other slot's current value is left alone.
func reassign(slots []string, current map[string]string, targets map[string]int) map[string]string {
	byRevision := make(map[string][]string)
	for _, slot := range slots {
		byRevision[current[slot]] = append(byRevision[current[slot]], slot)
	}
	for _, assigned := range byRevision {
		sort.Strings(assigned)
	}

	revs := make([]string, 0, len(targets))
	for r := range targets {
		revs = append(revs, r)
	}
	sort.Strings(revs)

	assignable := append([]string{}, byRevision[""]...)

	var stale []string
	for rev := range byRevision {
		if rev == "" {
			continue
		}
		if _, ok := targets[rev]; !ok {
			stale = append(stale, rev)
		}
	}
	sort.Strings(stale)
	for _, rev := range stale {
		assignable = append(assignable, byRevision[rev]...)
	}

	for _, rev := range revs {
		assigned := byRevision[rev]
		toUnschedule := len(assigned) - targets[rev]
		if toUnschedule > 0 {
			assignable = append(assignable, assigned[len(assigned)-toUnschedule:]...)
		}
	}

	changes := make(map[string]string)
	for _, rev := range revs {
		assigned := byRevision[rev]
		toSchedule := targets[rev] - len(assigned)
		if toSchedule <= 0 {
			continue
		}
		if toSchedule > len(assignable) {
			toSchedule = len(assignable)
		}
		for _, slot := range assignable[:toSchedule] {
			changes[slot] = rev
		}
		assignable = assignable[toSchedule:]
	}
	return changes
}
