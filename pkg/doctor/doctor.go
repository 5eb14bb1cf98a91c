package doctor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/flotilla/pkg/loadbalancer"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

// ErrQuarantined is returned by IsHealthyRevision when the revision is
// already quarantined (weight < 0); a quarantined revision cannot be
// asked whether it's healthy, since the scheduler has already stopped
// assigning it.
var ErrQuarantined = errors.New("revision is quarantined")

// serviceExpiry is how long a unit must have been in the "running"
// substate (measured from its ActiveEnterTime) before a sibling counts
// as stably running for cross-checks; it is independent of the longer
// types.InstanceExpiry used to garbage-collect dead instances.
const serviceExpiry = 10 * time.Second

// Doctor decides whether a deploy failure reported by one agent is
// local to that instance or shared by the whole revision, and
// finalizes canary rollouts once a revision proves healthy.
type Doctor struct {
	store  storage.Store
	lb     loadbalancer.LoadBalancer
	logger zerolog.Logger
}

// New creates a Doctor.
func New(store storage.Store, lb loadbalancer.LoadBalancer) *Doctor {
	return &Doctor{
		store:  store,
		lb:     lb,
		logger: log.WithComponent("doctor"),
	}
}

// FailedRevision handles an agent's report that it failed to deploy
// revision on instance. It refuses to act unless the service has that
// revision and its weight is non-negative. If no sibling instance is
// stably running the revision, or none of the running siblings are
// load-balancer healthy, the revision is marked globally broken
// (weight *= -1); otherwise the fault is judged instance-local and no
// store write occurs.
func (d *Doctor) FailedRevision(ctx context.Context, service, revision, instance string) error {
	svc, err := d.store.GetService(service)
	if err != nil {
		d.logger.Warn().Str("service", service).Msg("service not found")
		return nil
	}

	weight, ok := svc.Weights[revision]
	if !ok || weight < 0 {
		d.logger.Warn().Str("service", service).Str("revision", revision).Msg("service does not have an active revision to diagnose")
		return nil
	}

	d.logger.Info().Str("service", service).Str("revision", revision).Str("instance", instance).Msg("diagnosing deploy failure")

	running, err := d.runningSiblings(service, revision, instance)
	if err != nil {
		return err
	}

	if len(running) > 0 {
		healthy, err := d.healthySubset(ctx, svc, running)
		if err != nil {
			return err
		}
		if len(healthy) > 0 {
			d.logger.Info().Str("instance", instance).Msg("diagnosis: reporting instance is broken")
			return nil
		}
	}

	d.logger.Warn().Str("service", service).Str("revision", revision).Msg("diagnosis: revision is broken, quarantining")
	metrics.QuarantinesTotal.WithLabelValues(service).Inc()
	return d.store.SetRevisionWeight(service, revision, -weight)
}

// IsHealthyRevision reports whether a running, load-balancer-healthy
// instance exists for (service, revision). Used by the publisher's
// highlander rollout wait.
func (d *Doctor) IsHealthyRevision(ctx context.Context, service, revision string) (bool, error) {
	svc, err := d.store.GetService(service)
	if err != nil {
		return false, err
	}

	weight, ok := svc.Weights[revision]
	if ok && weight < 0 {
		return false, ErrQuarantined
	}

	running, err := d.runningSiblings(service, revision, "")
	if err != nil {
		return false, err
	}
	if len(running) == 0 {
		return false, nil
	}

	healthy, err := d.healthySubset(ctx, svc, running)
	if err != nil {
		return false, err
	}
	return len(healthy) > 0, nil
}

// MakeOnlyRevision zeroes every other weight column on the service,
// finalizing a successful canary rollout onto revision alone.
func (d *Doctor) MakeOnlyRevision(service, revision string) error {
	svc, err := d.store.GetService(service)
	if err != nil {
		return err
	}
	for rev := range svc.Weights {
		if rev == revision {
			continue
		}
		if err := d.store.SetRevisionWeight(service, rev, 0); err != nil {
			return err
		}
	}
	return nil
}

// runningSiblings returns instances other than excludeInstance whose
// latest status reports any unit in the "running" substate, recently
// enough to count as stably running (rather than between states).
func (d *Doctor) runningSiblings(service, revision, excludeInstance string) ([]string, error) {
	assignments, err := d.store.GetInstanceAssignments(service, time.Now())
	if err != nil {
		return nil, err
	}

	statuses, err := d.store.ListInstanceStatus(service)
	if err != nil {
		return nil, err
	}
	statusByInstance := make(map[string]*types.InstanceStatus, len(statuses))
	for _, st := range statuses {
		statusByInstance[st.InstanceID] = st
	}

	cutoff := time.Now().Add(-serviceExpiry)
	var running []string
	for instanceID, a := range assignments {
		if instanceID == excludeInstance || a == nil || a.Revision != revision {
			continue
		}
		st, ok := statusByInstance[instanceID]
		if !ok {
			continue
		}
		for _, unit := range st.Units {
			if unit.SubState == "running" && !unit.ActiveEnterTime.After(cutoff) {
				running = append(running, instanceID)
				break
			}
		}
	}
	return running, nil
}

// healthySubset cross-checks candidate instances against the
// service's load balancer, returning the InService subset.
func (d *Doctor) healthySubset(ctx context.Context, svc *types.Service, candidates []string) ([]string, error) {
	elbName := svc.Metadata.CFOutputs["Elb"]
	if elbName == "" {
		d.logger.Warn().Str("service", svc.Name).Msg("service has no load balancer output, cannot confirm health")
		return nil, nil
	}
	return d.lb.HealthyInstances(ctx, elbName, candidates)
}
