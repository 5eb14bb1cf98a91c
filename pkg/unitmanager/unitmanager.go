package unitmanager

import (
	"context"

	"github.com/cuemby/flotilla/pkg/types"
)

// DesiredUnit is one member of the target unit set the agent computed
// for this instance: a unit file plus environment, already addressed
// by its deployed name (flotilla-<base>-<revision_hash>.ext) so two
// revisions sharing a unit don't collide on disk.
type DesiredUnit struct {
	// DeployedName is the full on-disk/systemd name, e.g.
	// "flotilla-web-<hash>.service".
	DeployedName string

	// ShortName is the unit's name without extension or hash, used to
	// resolve dependency lines within the same revision.
	ShortName string

	UnitFile    string
	Environment map[string]string
}

// UnitManager owns every flotilla-prefixed unit and environment file
// on an instance's disk and converges them to a desired set.
type UnitManager interface {
	// Converge reconciles the instance's flotilla-prefixed units to
	// exactly the desired set: units no longer desired are stopped and
	// deleted from disk; new units get their unit and env files written
	// (never overwritten) and are started if not already active or
	// activating; existing units are otherwise left alone.
	Converge(ctx context.Context, desired []DesiredUnit) error

	// Status reports the current systemd state of every
	// flotilla-prefixed unit, keyed by deployed name.
	Status(ctx context.Context) (map[string]types.UnitState, error)
}
