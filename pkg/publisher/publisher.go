// Package publisher implements the write path for services, revisions
// and regions: the operations a CLI or API handler uses to add and
// retire revisions, adjust weights, and push service/region/user
// configuration. It is the Go counterpart of
// original_source/client/db.py::FlotillaClientDynamo, one instance per
// region since each region owns its own storage.Store.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/flotilla/pkg/kms"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

// Publisher mutates one region's service, revision and unit records.
// A KMS client is optional: services without a configured KMS key
// store unit environments in plaintext, matching add_revision's
// fall-through when the service record carries no kms_key.
type Publisher struct {
	store  storage.Store
	kms    kms.Client
	logger zerolog.Logger
}

// New creates a Publisher. kmsClient may be nil if no service in this
// region uses envelope encryption.
func New(store storage.Store, kmsClient kms.Client) *Publisher {
	return &Publisher{
		store:  store,
		kms:    kmsClient,
		logger: log.WithComponent("publisher"),
	}
}

// AddRevision stores revision's units (content-addressed, skipping
// any that already exist) and the revision row itself, then attaches
// it to service at its given weight. If the service has a configured
// KMS key, each unit's environment is envelope-encrypted before
// storage; the unit hash is still computed over the plaintext.
func (p *Publisher) AddRevision(ctx context.Context, service string, revision *types.Revision) (string, error) {
	start := time.Now()
	defer func() { metrics.PublishDuration.Observe(time.Since(start).Seconds()) }()

	svc, err := p.store.GetService(service)
	if err != nil {
		svc = &types.Service{Name: service, Weights: map[string]int{}}
		if cerr := p.store.CreateService(svc); cerr != nil {
			return "", fmt.Errorf("creating service %s: %w", service, cerr)
		}
	}

	revHash, err := p.storeRevision(ctx, service, revision, svc.Metadata.KMSKey)
	if err != nil {
		return "", err
	}

	if err := p.store.SetRevisionWeight(service, revHash, revision.Weight); err != nil {
		return "", fmt.Errorf("setting weight for %s on %s: %w", revHash, service, err)
	}
	return revHash, nil
}

// storeRevision persists every unit in revision that is not already
// present, encrypting environments under keyID when non-empty, then
// persists the revision row linking label to unit hashes. Units are
// immutable once stored: an existing unit hash is left untouched.
func (p *Publisher) storeRevision(ctx context.Context, service string, revision *types.Revision, keyID string) (string, error) {
	unitHashes := make([]string, 0, len(revision.Units))
	for _, unit := range revision.Units {
		hash := unit.Hash()
		unitHashes = append(unitHashes, hash)

		if _, err := p.store.GetUnit(hash); err == nil {
			p.logger.Debug().Str("unit", hash).Msg("unit exists")
			continue
		}

		stored := &types.Unit{
			Name:        unit.Name,
			UnitFile:    unit.UnitFile,
			RevisionTag: unit.RevisionTag,
		}
		if len(unit.Environment) > 0 {
			if keyID != "" && p.kms != nil {
				encrypted, err := p.kms.Encrypt(ctx, keyID, unit.Environment)
				if err != nil {
					metrics.KMSOperationsTotal.WithLabelValues("encrypt", "failure").Inc()
					return "", fmt.Errorf("encrypting environment for unit %s: %w", unit.Name, err)
				}
				metrics.KMSOperationsTotal.WithLabelValues("encrypt", "success").Inc()
				stored.EncryptedEnv = encrypted
			} else {
				stored.Environment = unit.Environment
			}
		}

		if _, err := p.store.PutUnit(stored); err != nil {
			return "", fmt.Errorf("storing unit %s: %w", hash, err)
		}
	}

	rev := &types.Revision{Label: revision.Label, UnitHashes: unitHashes}
	revHash := rev.Hash()
	if _, err := p.store.GetRevision(service, revHash); err != nil {
		if _, perr := p.store.PutRevision(service, rev); perr != nil {
			return "", fmt.Errorf("storing revision %s: %w", revHash, perr)
		}
	}
	return revHash, nil
}

// DelRevision sets revisionHash's weight on service to 0, if the
// service carries that revision, and deletes the revision row. The
// weight entry itself is not removed: the service record keeps it at
// weight 0. Units referenced by the revision are left in place:
// they are content-addressed and may be shared by other revisions.
func (p *Publisher) DelRevision(service, revisionHash string) error {
	if svc, err := p.store.GetService(service); err == nil {
		if _, ok := svc.Weights[revisionHash]; ok {
			if err := p.store.SetRevisionWeight(service, revisionHash, 0); err != nil {
				return fmt.Errorf("clearing weight for %s on %s: %w", revisionHash, service, err)
			}
		}
	} else {
		p.logger.Warn().Str("service", service).Msg("service not found, unable to delete revision")
	}

	if err := p.store.DeleteRevision(service, revisionHash); err != nil {
		p.logger.Warn().Str("revision", revisionHash).Msg("revision not found, unable to delete")
	}
	return nil
}

// SetRevisionWeight updates revisionHash's weight on service without
// touching any other revision.
func (p *Publisher) SetRevisionWeight(service, revisionHash string, weight int) error {
	if err := p.store.SetRevisionWeight(service, revisionHash, weight); err != nil {
		return fmt.Errorf("setting weight for %s on %s: %w", revisionHash, service, err)
	}
	return nil
}

// ConfigureService merges meta into service's stored metadata,
// creating the service record if it does not already exist.
func (p *Publisher) ConfigureService(service string, meta types.ServiceMetadata) error {
	if _, err := p.store.GetService(service); err != nil {
		if cerr := p.store.CreateService(&types.Service{Name: service, Metadata: meta, Weights: map[string]int{}}); cerr != nil {
			return fmt.Errorf("creating service %s: %w", service, cerr)
		}
		return nil
	}
	if err := p.store.UpdateServiceMetadata(service, meta); err != nil {
		return fmt.Errorf("updating metadata for %s: %w", service, err)
	}
	return nil
}

// ConfigureRegion overwrites region's stored parameters.
func (p *Publisher) ConfigureRegion(params *types.RegionParams) error {
	if err := p.store.PutRegionParams(params); err != nil {
		return fmt.Errorf("configuring region %s: %w", params.Name, err)
	}
	return nil
}

// ConfigureUser creates or updates a user's SSH key authorization.
func (p *Publisher) ConfigureUser(user *types.User) error {
	if err := p.store.PutUser(user); err != nil {
		return fmt.Errorf("configuring user %s: %w", user.Username, err)
	}
	return nil
}

// SetGlobal stores revision and broadcasts it to every instance
// assigned to service by writing all sixteen global assignment
// shards directly, bypassing the scheduler's weighted rounding
// entirely. Scoped to service because assignments are stored
// per-service (see pkg/scheduler's slot pool); a fleet-wide system
// unit every instance must run regardless of weight uses this
// instead of AddRevision.
func (p *Publisher) SetGlobal(ctx context.Context, service string, revision *types.Revision) (string, error) {
	revHash, err := p.storeRevision(ctx, service, revision, "")
	if err != nil {
		return "", err
	}
	for i := 0; i < types.GlobalAssignmentShards; i++ {
		key := types.GlobalAssignmentKey(i)
		if err := p.store.SetAssignment(service, key, revHash); err != nil {
			return "", fmt.Errorf("setting global shard %s: %w", key, err)
		}
	}
	return revHash, nil
}

// ServiceRevision is a fully materialized revision returned by
// GetRevisions: its weight on the service, label, and decrypted units.
type ServiceRevision struct {
	Hash   string
	Weight int
	Label  string
	Units  []*types.Unit
}

// GetRevisions batch-loads every revision attached to service,
// resolving each revision's units and decrypting environments where
// the unit carries an EncryptedEnv field. Ported from
// original_source/client/db.py::get_revisions.
func (p *Publisher) GetRevisions(ctx context.Context, service string) ([]*ServiceRevision, error) {
	svc, err := p.store.GetService(service)
	if err != nil {
		return nil, nil
	}

	results := make([]*ServiceRevision, 0, len(svc.Weights))
	for revHash, weight := range svc.Weights {
		rev, err := p.store.GetRevision(service, revHash)
		if err != nil {
			p.logger.Warn().Str("revision", revHash).Msg("revision row missing for weighted entry")
			continue
		}

		sr := &ServiceRevision{Hash: revHash, Weight: weight, Label: rev.Label}
		for _, unitHash := range rev.UnitHashes {
			unit, err := p.store.GetUnit(unitHash)
			if err != nil {
				p.logger.Warn().Str("unit", unitHash).Msg("unit row missing for revision")
				continue
			}

			if unit.EncryptedEnv != nil {
				if p.kms == nil {
					return nil, fmt.Errorf("unit %s is encrypted but no KMS client is configured", unitHash)
				}
				env, err := p.kms.Decrypt(ctx, svc.Metadata.KMSKey, unit.EncryptedEnv)
				if err != nil {
					metrics.KMSOperationsTotal.WithLabelValues("decrypt", "failure").Inc()
					return nil, fmt.Errorf("decrypting environment for unit %s: %w", unitHash, err)
				}
				metrics.KMSOperationsTotal.WithLabelValues("decrypt", "success").Inc()
				unit.Environment = env
			}
			sr.Units = append(sr.Units, unit)
		}
		results = append(results, sr)
	}
	return results, nil
}

// revisionDoctor is the narrow slice of Doctor that PublishAndWait
// needs from each region; *pkg/doctor.Doctor satisfies it.
type revisionDoctor interface {
	IsHealthyRevision(ctx context.Context, service, revision string) (bool, error)
	MakeOnlyRevision(service, revision string) error
}

// RegionDoctor pairs a region name with its Doctor and Store, so
// PublishAndWait can poll health, finalize a rollout, and (on
// timeout) quarantine the revision independently in each region
// where it was published.
type RegionDoctor struct {
	Region string
	Doctor revisionDoctor
	Store  storage.Store
}

// pollInterval is how long PublishAndWait sleeps between health
// checks, matching wait_for_deployment's five-second poll.
const pollInterval = 5 * time.Second

// PublishAndWait implements the "highlander" rollout: it polls every
// region's Doctor.IsHealthyRevision until revision is healthy
// everywhere or timeout elapses. As each region's revision turns
// healthy, that region's Doctor.MakeOnlyRevision finalizes the
// canary immediately rather than waiting on the slowest region. On
// timeout, any region where the revision never finalized has its
// weight negated so the scheduler stops assigning it. Ported from
// original_source/cli/revision.py::wait_for_deployment.
func (p *Publisher) PublishAndWait(ctx context.Context, regions []RegionDoctor, service, revision string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	finalized := make(map[string]bool, len(regions))

	for {
		allHealthy := true
		for _, rd := range regions {
			if finalized[rd.Region] {
				continue
			}

			healthy, err := rd.Doctor.IsHealthyRevision(ctx, service, revision)
			if err != nil {
				p.logger.Warn().Str("region", rd.Region).Err(err).Msg("health check failed")
				allHealthy = false
				continue
			}
			if !healthy {
				allHealthy = false
				p.logger.Info().Str("region", rd.Region).Str("revision", revision).Msg("waiting for healthy instance")
				continue
			}

			if err := rd.Doctor.MakeOnlyRevision(service, revision); err != nil {
				return fmt.Errorf("finalizing rollout in %s: %w", rd.Region, err)
			}
			finalized[rd.Region] = true
		}

		if allHealthy {
			metrics.HighlanderRolloutsTotal.WithLabelValues("success").Inc()
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	metrics.HighlanderRolloutsTotal.WithLabelValues("timeout").Inc()
	for _, rd := range regions {
		if finalized[rd.Region] {
			continue
		}
		svc, err := rd.Store.GetService(service)
		if err != nil {
			continue
		}
		weight, ok := svc.Weights[revision]
		if !ok || weight <= 0 {
			continue
		}
		if err := rd.Store.SetRevisionWeight(service, revision, -weight); err != nil {
			return fmt.Errorf("quarantining unstable revision %s in %s: %w", revision, rd.Region, err)
		}
	}
	return fmt.Errorf("revision %s not stable after %s", revision, timeout)
}
