// Package agent implements the per-instance worker reconcile loop: it
// heartbeats status, resolves this instance's assignments to a target
// unit set, converges them through pkg/unitmanager, and cycles the
// instance through its service's load balancer around the
// convergence so in-flight traffic never hits a host mid-deploy.
// Grounded on original_source/flotilla/agent/agent.py and
// original_source/flotilla/agent/elb.py, generalized to spec.md
// §4.4's richer reconcile algorithm.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/flotilla/pkg/kms"
	"github.com/cuemby/flotilla/pkg/loadbalancer"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/messaging"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/runner"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/cuemby/flotilla/pkg/unitmanager"
)

const (
	healthInterval     = 5 * time.Second
	assignmentInterval = 15 * time.Second
	messagingInterval  = 20 * time.Second

	// lbPollInterval is how often the agent checks the load balancer
	// while waiting for a state transition. The reference
	// implementation polls every 0.5s; 2s is an adaptation for a
	// component that is usually backed by a rate-limited cloud API.
	lbPollInterval = 2 * time.Second

	defaultDeregisterTimeout = 60 * time.Second
	defaultRegisterTimeout   = 120 * time.Second

	receiveBatchSize = 10
)

// Config configures one Agent instance.
type Config struct {
	Service       string
	InstanceID    string
	DeployLockTTL time.Duration

	// DeregisterTimeout/RegisterTimeout bound how long the agent waits
	// for the load balancer to report OutOfService/InService before
	// giving up and reporting a ServiceFailure. Zero uses the default.
	DeregisterTimeout time.Duration
	RegisterTimeout   time.Duration
}

// Agent reconciles one service's assignment on one instance. A host
// running N services runs N Agents, each with its own queue and
// deploy lock, matching the reference implementation's one-agent-
// per-service model.
type Agent struct {
	cfg     Config
	store   storage.Store
	kms     kms.Client
	units   unitmanager.UnitManager
	lb      loadbalancer.LoadBalancer
	queue   messaging.Queue
	logger  zerolog.Logger
	runner  *runner.Runner

	prevAssignment  []string
	announcedOnline bool
}

// New creates an Agent. kmsClient and queue may be nil: a service with
// no configured KMS key never needs to decrypt, and an agent with no
// queue simply never emits Reschedule/ServiceFailure notifications
// (assignment still proceeds on its own periodic tick).
func New(cfg Config, store storage.Store, kmsClient kms.Client, units unitmanager.UnitManager, lb loadbalancer.LoadBalancer, queue messaging.Queue) *Agent {
	if cfg.DeployLockTTL == 0 {
		cfg.DeployLockTTL = 5 * time.Minute
	}
	if cfg.DeregisterTimeout == 0 {
		cfg.DeregisterTimeout = defaultDeregisterTimeout
	}
	if cfg.RegisterTimeout == 0 {
		cfg.RegisterTimeout = defaultRegisterTimeout
	}

	return &Agent{
		cfg:    cfg,
		store:  store,
		kms:    kmsClient,
		units:  units,
		lb:     lb,
		queue:  queue,
		logger: log.WithComponent("agent").With().Str("service", cfg.Service).Logger(),
		runner: runner.New("agent-" + cfg.Service),
	}
}

// Start registers the health, assignment and messaging workers and
// launches them.
func (a *Agent) Start(ctx context.Context) {
	a.runner.Add(runner.Worker{Name: "health", Interval: healthInterval, Fn: a.health})
	a.runner.Add(runner.Worker{Name: "assignment", Interval: assignmentInterval, Fn: a.reconcileAssignment})
	if a.queue != nil {
		a.runner.Add(runner.Worker{Name: "messaging", Interval: messagingInterval, Fn: a.receiveMessages})
	}
	a.runner.Start(ctx)
}

// Stop signals every worker to exit and waits for them to return.
func (a *Agent) Stop() {
	a.runner.Stop()
}

// health collects local unit status and writes a heartbeat row. On
// its first successful tick it enqueues a Reschedule message so a
// newly-joined instance is scheduled immediately rather than waiting
// for the scheduler's next periodic pass.
func (a *Agent) health(ctx context.Context) error {
	unitStates, err := a.units.Status(ctx)
	if err != nil {
		return fmt.Errorf("collecting unit status: %w", err)
	}

	status := &types.InstanceStatus{
		Service:    a.cfg.Service,
		InstanceID: a.cfg.InstanceID,
		StatusTime: time.Now(),
		Units:      unitStates,
	}
	if err := a.store.PutInstanceStatus(status); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}

	if !a.announcedOnline {
		a.announcedOnline = true
		if a.queue != nil {
			if err := a.queue.Publish(ctx, messaging.TypeReschedule, messaging.Reschedule{Service: a.cfg.Service}); err != nil {
				a.logger.Warn().Err(err).Msg("failed to announce initial reschedule")
			}
		}
	}
	return nil
}

// receiveMessages drains up to one batch of this service's queue.
// DeployLockReleased is the only message an agent itself acts on: it
// clears prevAssignment so the next assignment tick retries even if
// the assignment set itself hasn't changed, since the previous
// attempt may have failed precisely because the lock was held
// elsewhere.
func (a *Agent) receiveMessages(ctx context.Context) error {
	return messaging.Dispatch(ctx, a.cfg.Service, a.queue, receiveBatchSize, func(ctx context.Context, msgType messaging.Type, payload json.RawMessage) error {
		switch msgType {
		case messaging.TypeDeployLockReleased:
			a.prevAssignment = nil
			return nil
		default:
			a.logger.Warn().Str("type", string(msgType)).Msg("unhandled message type")
			return nil
		}
	})
}

// reconcileAssignment resolves this instance's two assignment slots
// (its own id and its global shard) to a target unit set and, if it
// differs from the last committed set, converges to it under the
// service's deploy lock.
func (a *Agent) reconcileAssignment(ctx context.Context) error {
	current, err := a.currentAssignment()
	if err != nil {
		return err
	}
	if equalAssignments(current, a.prevAssignment) {
		return nil
	}

	desired, err := a.resolveUnits(ctx, current)
	if err != nil {
		return fmt.Errorf("resolving units for assignment %v: %w", current, err)
	}

	lockName := a.cfg.Service + "-deploy"
	acquired, err := a.store.TryAcquireLock(lockName, a.cfg.InstanceID, a.cfg.DeployLockTTL)
	if err != nil {
		return fmt.Errorf("acquiring deploy lock %s: %w", lockName, err)
	}
	if !acquired {
		a.logger.Debug().Str("lock", lockName).Msg("deploy lock held elsewhere, skipping tick")
		return nil
	}
	defer func() {
		if err := a.store.ReleaseLock(lockName, a.cfg.InstanceID); err != nil {
			a.logger.Warn().Err(err).Str("lock", lockName).Msg("failed to release deploy lock")
			return
		}
		if a.queue != nil {
			released := messaging.DeployLockReleased{Service: a.cfg.Service}
			if err := a.queue.Publish(ctx, messaging.TypeDeployLockReleased, released); err != nil {
				a.logger.Warn().Err(err).Str("lock", lockName).Msg("failed to publish deploy lock release")
			}
		}
	}()

	svc, err := a.store.GetService(a.cfg.Service)
	if err != nil {
		return fmt.Errorf("loading service %s: %w", a.cfg.Service, err)
	}
	elbName := svc.Metadata.CFOutputs["Elb"]

	if elbName != "" {
		if err := a.lb.Deregister(ctx, elbName, a.cfg.InstanceID); err != nil {
			return fmt.Errorf("deregistering from %s: %w", elbName, err)
		}
		a.waitForHealthState(ctx, elbName, false, a.cfg.DeregisterTimeout)
	}

	convergeErr := a.units.Converge(ctx, desired)

	registered := true
	if convergeErr == nil && elbName != "" {
		if err := a.lb.Register(ctx, elbName, a.cfg.InstanceID); err != nil {
			convergeErr = fmt.Errorf("registering with %s: %w", elbName, err)
		} else {
			registered = a.waitForHealthState(ctx, elbName, true, a.cfg.RegisterTimeout)
		}
	}

	if convergeErr != nil || !registered {
		a.reportFailure(ctx, current)
		if convergeErr != nil {
			return convergeErr
		}
		return fmt.Errorf("instance did not become healthy in %s for %s", a.cfg.RegisterTimeout, elbName)
	}

	a.prevAssignment = current
	return nil
}

// reportFailure publishes one ServiceFailure per revision in the
// attempted assignment, since the agent cannot tell which revision's
// unit caused the failure to register.
func (a *Agent) reportFailure(ctx context.Context, assignment []string) {
	if a.queue == nil {
		return
	}
	for _, revision := range assignment {
		failure := messaging.ServiceFailure{Service: a.cfg.Service, Revision: revision, InstanceID: a.cfg.InstanceID}
		if err := a.queue.Publish(ctx, messaging.TypeServiceFailure, failure); err != nil {
			a.logger.Warn().Err(err).Str("revision", revision).Msg("failed to publish service failure")
		}
	}
}

// waitForHealthState polls the load balancer until instanceID's
// membership in elbName matches wantHealthy or timeout elapses,
// returning whether the desired state was reached.
func (a *Agent) waitForHealthState(ctx context.Context, elbName string, wantHealthy bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		healthy, err := a.lb.HealthyInstances(ctx, elbName, []string{a.cfg.InstanceID})
		if err != nil {
			a.logger.Warn().Err(err).Str("elb", elbName).Msg("health check failed while waiting for state")
		} else {
			isHealthy := len(healthy) > 0
			if isHealthy == wantHealthy {
				return true
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := lbPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// currentAssignment reads this instance's two assignment rows (its
// own id and its computed global shard) and returns the sorted,
// deduplicated set of revision hashes they carry. A missing row
// (never scheduled) is simply absent from the set.
func (a *Agent) currentAssignment() ([]string, error) {
	seen := map[string]bool{}
	var revisions []string

	add := func(key string) error {
		assignment, err := a.store.GetAssignment(a.cfg.Service, key)
		if err != nil {
			return nil
		}
		if assignment.Revision != "" && !seen[assignment.Revision] {
			seen[assignment.Revision] = true
			revisions = append(revisions, assignment.Revision)
		}
		return nil
	}

	if err := add(a.cfg.InstanceID); err != nil {
		return nil, err
	}
	if err := add(types.GlobalShardKey(a.cfg.InstanceID)); err != nil {
		return nil, err
	}

	sort.Strings(revisions)
	return revisions, nil
}

// resolveUnits batch-loads every revision in assignment and their
// units, decrypting environments where the owning service has a KMS
// key, and tags each unit with the revision hash it belongs to so two
// revisions sharing a unit definition still deploy as distinct units.
func (a *Agent) resolveUnits(ctx context.Context, assignment []string) ([]unitmanager.DesiredUnit, error) {
	svc, err := a.store.GetService(a.cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("loading service %s: %w", a.cfg.Service, err)
	}

	var desired []unitmanager.DesiredUnit
	for _, revHash := range assignment {
		rev, err := a.store.GetRevision(a.cfg.Service, revHash)
		if err != nil {
			return nil, fmt.Errorf("loading revision %s: %w", revHash, err)
		}

		for _, unitHash := range rev.UnitHashes {
			unit, err := a.store.GetUnit(unitHash)
			if err != nil {
				return nil, fmt.Errorf("loading unit %s: %w", unitHash, err)
			}

			env := unit.Environment
			if unit.EncryptedEnv != nil {
				if a.kms == nil {
					return nil, fmt.Errorf("unit %s is encrypted but no KMS client is configured", unitHash)
				}
				env, err = a.kms.Decrypt(ctx, svc.Metadata.KMSKey, unit.EncryptedEnv)
				if err != nil {
					metrics.KMSOperationsTotal.WithLabelValues("decrypt", "failure").Inc()
					return nil, fmt.Errorf("decrypting environment for unit %s: %w", unitHash, err)
				}
				metrics.KMSOperationsTotal.WithLabelValues("decrypt", "success").Inc()
			}

			desired = append(desired, unitmanager.DesiredUnit{
				DeployedName: unit.DeployedName(revHash),
				ShortName:    unit.ShortName(),
				UnitFile:     unit.UnitFile,
				Environment:  env,
			})
		}
	}
	return desired, nil
}

func equalAssignments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
