package provisioner

import (
	"context"

	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

// Provisioner surfaces the subset of cloud-provisioning concerns the
// scheduler needs to know about a region — availability zones, in
// particular — without taking on CloudFormation stack management or
// instance lifecycle itself, which are out of scope.
type Provisioner interface {
	// RegionParams returns the stored parameters for region, discovering
	// and persisting them if this is the first time the region is seen.
	RegionParams(ctx context.Context, region string) (*types.RegionParams, error)
}

// StoreProvisioner is the default Provisioner: it returns whatever
// RegionParams row already exists in the store, or an empty,
// persisted placeholder if the region has never been configured.
// Actual cloud AZ discovery is out of scope; operators populate
// RegionParams out of band (see the CLI `region` command) or plug in
// a Provisioner that calls the cloud API directly.
type StoreProvisioner struct {
	store storage.Store
}

// New creates a StoreProvisioner.
func New(store storage.Store) *StoreProvisioner {
	return &StoreProvisioner{store: store}
}

func (p *StoreProvisioner) RegionParams(_ context.Context, region string) (*types.RegionParams, error) {
	params, err := p.store.GetRegionParams(region)
	if err == nil {
		return params, nil
	}

	empty := &types.RegionParams{Name: region}
	if err := p.store.PutRegionParams(empty); err != nil {
		return nil, err
	}
	return empty, nil
}
