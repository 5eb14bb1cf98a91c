package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// UnitPrefix is reserved: the agent owns every unit and environment
	// file on disk with this prefix.
	UnitPrefix = "flotilla-"

	// RevisionHashLen is the fixed length of a hex-encoded SHA-256
	// digest. pkg/storage rejects a revision-weight key of any other
	// length (see IsWeightColumn).
	RevisionHashLen = 64

	// GlobalAssignmentShards is the number of well-known assignment
	// keys used to broadcast a revision to every instance.
	GlobalAssignmentShards = 16

	// GlobalAssignmentPrefix prefixes the sharded global assignment keys.
	GlobalAssignmentPrefix = "GLOBAL_"

	// InstanceExpiry is how long an instance's status row may go
	// unrefreshed before it is considered dead.
	InstanceExpiry = 300 * time.Second
)

// GlobalShardKey returns the deterministic global assignment shard for
// an instance id: every instance resolves its own id and exactly one
// computed global shard, giving it two assignment slots.
func GlobalShardKey(instanceID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	shard := int(h.Sum32() % GlobalAssignmentShards)
	return GlobalAssignmentKey(shard)
}

// GlobalAssignmentKey returns the n'th global assignment shard key.
func GlobalAssignmentKey(n int) string {
	return fmt.Sprintf("%s%d", GlobalAssignmentPrefix, n)
}

// EncryptedEnvironment is the envelope-encrypted form of a Unit's
// environment, written in place of the plaintext Environment map when
// the owning service carries a KMS key. The unit hash is always
// computed over the plaintext, never over this blob.
type EncryptedEnvironment struct {
	DataKey    []byte `json:"data_key"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Unit is a systemd-style service definition plus its environment.
// Units are immutable and content-addressed: two units with identical
// name, unit file text and environment hash identically no matter the
// order environment keys were supplied in.
type Unit struct {
	Name          string            `json:"name"`
	UnitFile      string            `json:"unit_file"`
	Environment   map[string]string `json:"environment,omitempty"`
	EncryptedEnv  *EncryptedEnvironment `json:"encrypted_environment,omitempty"`
	RevisionTag   string            `json:"revision_tag,omitempty"`
}

// Hash returns the content-address of the unit. It is computed over
// the plaintext environment regardless of whether the unit is stored
// plaintext or envelope-encrypted.
func (u *Unit) Hash() string {
	h := sha256.New()
	h.Write([]byte(u.Name))
	h.Write([]byte(u.UnitFile))
	keys := make([]string, 0, len(u.Environment))
	for k := range u.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte(u.Environment[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DeployedName returns the on-disk unit name for this unit when
// deployed as part of a revision/unit addressed by hash: it is always
// "flotilla-<base>-<hash><ext>", where hash is the revision hash when
// the unit is deployed as part of a revision, or the unit's own hash
// otherwise.
func (u *Unit) DeployedName(hash string) string {
	ext := filepath.Ext(u.Name)
	base := strings.TrimSuffix(u.Name, ext)
	return fmt.Sprintf("%s%s-%s%s", UnitPrefix, base, hash, ext)
}

// ShortName is the unit's name with extension removed, used to
// resolve intra-revision systemd dependency lines (Before=, After=,
// BindsTo=, Wants=, Requires=) to their deployed full name.
func (u *Unit) ShortName() string {
	return strings.TrimSuffix(u.Name, filepath.Ext(u.Name))
}

// Revision is a labeled, weighted, ordered collection of units
// deployed together. Revisions are immutable once written; Weight
// zero means present-but-inactive, negative means quarantined by the
// Doctor.
type Revision struct {
	Label  string  `json:"label"`
	Weight int     `json:"weight"`
	Units  []*Unit `json:"-"`

	// UnitHashes is the ordered list of content addresses that make up
	// the persisted revision row. Populated from Units when hashing or
	// publishing, and populated directly when read back from storage.
	UnitHashes []string `json:"unit_hashes"`
}

// Hash returns the content-address of the revision: it depends only
// on the label and the set of unit hashes, not on unit list order.
func (r *Revision) Hash() string {
	hashes := r.UnitHashes
	if len(hashes) == 0 && len(r.Units) > 0 {
		hashes = make([]string, len(r.Units))
		for i, u := range r.Units {
			hashes[i] = u.Hash()
		}
	}
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(r.Label))
	for _, uh := range sorted {
		h.Write([]byte(uh))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IsWeightColumn reports whether a service attribute key is a
// revision-weight column rather than a metadata field: the original
// design dispatches on key length because a revision hash is always a
// 64-hex-character SHA-256 digest, and no metadata field name
// collides with that length. Flotilla's Service struct keeps weights
// in an explicit map (see Service.Weights) instead of inline
// dispatch; pkg/storage stores that map as its own nested JSON object
// and applies this check only to keys written through
// SetRevisionWeight. A service is not flattened into one attribute
// bag on disk, so the stored layout differs from the original schema.
func IsWeightColumn(key string) bool {
	if len(key) != RevisionHashLen {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// PortMapping is a single published port for a service.
type PortMapping struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol,omitempty"`
}

// ServiceMetadata holds the non-weight attributes of a service
// record: deployment target, health check, and provisioning
// parameters consumed by the external cloud provisioner.
type ServiceMetadata struct {
	Regions       []string          `json:"regions,omitempty"`
	KMSKey        string            `json:"kms_key,omitempty"`
	PublicPorts   []PortMapping     `json:"public_ports,omitempty"`
	PrivatePorts  []PortMapping     `json:"private_ports,omitempty"`
	DNSName       string            `json:"dns_name,omitempty"`
	HealthCheck   string            `json:"health_check,omitempty"`
	InstanceType  string            `json:"instance_type,omitempty"`
	InstanceMin   int               `json:"instance_min,omitempty"`
	InstanceMax   int               `json:"instance_max,omitempty"`
	Provision     string            `json:"provision,omitempty"`
	ElbScheme     string            `json:"elb_scheme,omitempty"`
	Admins        []string          `json:"admins,omitempty"`

	// CFOutputs caches the provisioner's stack outputs for this
	// service (e.g. the "Elb" output naming the load balancer the
	// Doctor and Agent register against).
	CFOutputs map[string]string `json:"cf_outputs,omitempty"`
}

// Service is the named collection of weighted revisions plus
// metadata that the scheduler, doctor and agent all act on.
type Service struct {
	Name     string          `json:"service_name"`
	Metadata ServiceMetadata `json:"metadata"`

	// Weights maps revision hash to weight. Absent entries mean the
	// revision is not attached to this service.
	Weights map[string]int `json:"weights"`
}

// ActiveWeights returns the subset of Weights that are non-negative,
// i.e. not quarantined. Scheduling only ever considers these.
func (s *Service) ActiveWeights() map[string]int {
	active := make(map[string]int, len(s.Weights))
	for rev, w := range s.Weights {
		if w >= 0 {
			active[rev] = w
		}
	}
	return active
}

// UnitState is a single unit's observed systemd state, as reported by
// the agent's unit manager.
type UnitState struct {
	LoadState       string    `json:"load_state"`
	ActiveState     string    `json:"active_state"`
	SubState        string    `json:"sub_state"`
	ActiveEnterTime time.Time `json:"active_enter_time"`
	ActiveExitTime  time.Time `json:"active_exit_time"`
}

// InstanceStatus is the heartbeat row an agent writes every status
// interval: its own unit states, timestamped so the scheduler can
// garbage-collect stale instances.
type InstanceStatus struct {
	Service    string               `json:"service"`
	InstanceID string               `json:"instance_id"`
	StatusTime time.Time            `json:"status_time"`
	Units      map[string]UnitState `json:"units"`
}

// Live reports whether the status is recent enough to count the
// instance as alive.
func (s *InstanceStatus) Live(now time.Time) bool {
	return now.Sub(s.StatusTime) <= InstanceExpiry
}

// AnyUnitRunning reports whether any unit in the status is in the
// "running" sub-state, used by the Doctor to find stable siblings.
func (s *InstanceStatus) AnyUnitRunning() bool {
	for _, u := range s.Units {
		if u.SubState == "running" {
			return true
		}
	}
	return false
}

// Assignment maps one instance's assignment slot to a revision hash.
// Every live instance has exactly two assignment rows: one keyed by
// its own instance id, one keyed by its computed global shard.
type Assignment struct {
	InstanceID string `json:"instance_id"`
	Revision   string `json:"assignment"`
}

// Lock is a named mutual-exclusion token with a TTL, the only
// resource in the store that supports conditional ownership
// transition (compare-and-swap on Owner).
type Lock struct {
	Name        string    `json:"lock_name"`
	Owner       string    `json:"owner"`
	AcquireTime time.Time `json:"acquire_time"`
}

// Expired reports whether the lock's TTL has elapsed as of now.
func (l *Lock) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquireTime) > ttl
}

// RegionParams is infrastructure bookkeeping consumed by the external
// provisioner: availability zones and, for the region(s) chosen to
// host it, the scheduler's own instance sizing.
type RegionParams struct {
	Name                   string `json:"region_name"`
	AZ1                    string `json:"az1,omitempty"`
	AZ2                    string `json:"az2,omitempty"`
	AZ3                    string `json:"az3,omitempty"`
	Scheduler              bool   `json:"scheduler,omitempty"`
	SchedulerInstanceType  string `json:"scheduler_instance_type,omitempty"`
	SchedulerImageChannel  string `json:"scheduler_image_channel,omitempty"`
	SchedulerImageVersion  string `json:"scheduler_image_version,omitempty"`
}

// Stack is a provisioner-returned record of an external
// infrastructure stack (VPC, load balancer, auto-scaling group). The
// core only reads region records and writes stack records the
// provisioner gives back; it never generates the template itself.
type Stack struct {
	ARN     string            `json:"stack_arn"`
	Service string            `json:"service,omitempty"`
	Status  string            `json:"status,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// User is an operator with SSH keys authorized onto instances via the
// region/service admin lists.
type User struct {
	Username string   `json:"username"`
	SSHKeys  []string `json:"ssh_keys,omitempty"`
	Active   bool     `json:"active"`
}
