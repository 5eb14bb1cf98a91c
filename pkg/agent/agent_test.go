package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/flotilla/pkg/messaging"
	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
	"github.com/cuemby/flotilla/pkg/unitmanager"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fakeHash(r rune) string {
	return strings.Repeat(string(r), types.RevisionHashLen)
}

// fakeUnitManager records each Converge call's desired set and serves
// a canned Status response.
type fakeUnitManager struct {
	desired  []unitmanager.DesiredUnit
	convErr  error
	statuses map[string]types.UnitState
}

func (f *fakeUnitManager) Converge(_ context.Context, desired []unitmanager.DesiredUnit) error {
	f.desired = desired
	return f.convErr
}

func (f *fakeUnitManager) Status(_ context.Context) (map[string]types.UnitState, error) {
	return f.statuses, nil
}

// fakeLoadBalancer tracks registered members so HealthyInstances
// reflects the effect of Register/Deregister immediately.
type fakeLoadBalancer struct {
	members map[string]bool
}

func newFakeLoadBalancer() *fakeLoadBalancer {
	return &fakeLoadBalancer{members: map[string]bool{}}
}

func (f *fakeLoadBalancer) HealthyInstances(_ context.Context, _ string, candidates []string) ([]string, error) {
	var out []string
	for _, c := range candidates {
		if f.members[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeLoadBalancer) Deregister(_ context.Context, _, instanceID string) error {
	delete(f.members, instanceID)
	return nil
}

func (f *fakeLoadBalancer) Register(_ context.Context, _, instanceID string) error {
	f.members[instanceID] = true
	return nil
}

// fakeQueue is an in-memory messaging.Queue that records published
// messages for assertions.
type fakeQueue struct {
	published []struct {
		msgType messaging.Type
		payload any
	}
	pending []messaging.Message
}

func (f *fakeQueue) Publish(_ context.Context, msgType messaging.Type, payload any) error {
	f.published = append(f.published, struct {
		msgType messaging.Type
		payload any
	}{msgType, payload})
	return nil
}

func (f *fakeQueue) Receive(_ context.Context, max int) ([]messaging.Message, error) {
	if len(f.pending) > max {
		out := f.pending[:max]
		f.pending = f.pending[max:]
		return out, nil
	}
	out := f.pending
	f.pending = nil
	return out, nil
}

func (f *fakeQueue) Delete(_ context.Context, _ string) error { return nil }

func setupService(t *testing.T, store *storage.BoltStore, service string, revHash string, elbName string) {
	t.Helper()
	require.NoError(t, store.CreateService(&types.Service{
		Name: service,
		Metadata: types.ServiceMetadata{
			CFOutputs: map[string]string{"Elb": elbName},
		},
		Weights: map[string]int{revHash: 100},
	}))

	unit := &types.Unit{Name: "web.service", UnitFile: "[Service]\nExecStart=/bin/web\n"}
	_, err := store.PutUnit(unit)
	require.NoError(t, err)

	rev := &types.Revision{Label: "v1", UnitHashes: []string{unit.Hash()}}
	_, err = store.PutRevision(service, rev)
	require.NoError(t, err)
}

func TestHealthPublishesRescheduleOnlyOnce(t *testing.T) {
	store := newTestStore(t)
	units := &fakeUnitManager{statuses: map[string]types.UnitState{}}
	queue := &fakeQueue{}

	a := New(Config{Service: "web", InstanceID: "i-1"}, store, nil, units, newFakeLoadBalancer(), queue)

	require.NoError(t, a.health(context.Background()))
	require.NoError(t, a.health(context.Background()))

	assert.Len(t, queue.published, 1)
	assert.Equal(t, messaging.TypeReschedule, queue.published[0].msgType)

	status, err := store.ListInstanceStatus("web")
	require.NoError(t, err)
	assert.Len(t, status, 1)
}

func TestReconcileAssignmentConvergesAndRegisters(t *testing.T) {
	store := newTestStore(t)
	revHash := fakeHash('a')
	setupService(t, store, "web", revHash, "web-elb")
	require.NoError(t, store.SetAssignment("web", "i-1", revHash))

	units := &fakeUnitManager{statuses: map[string]types.UnitState{}}
	lb := newFakeLoadBalancer()
	lb.members["i-1"] = true // starts in service so deregister-wait resolves immediately

	a := New(Config{
		Service:           "web",
		InstanceID:        "i-1",
		DeregisterTimeout: 200 * time.Millisecond,
		RegisterTimeout:   200 * time.Millisecond,
	}, store, nil, units, lb, nil)

	require.NoError(t, a.reconcileAssignment(context.Background()))

	require.Len(t, units.desired, 1)
	assert.Equal(t, revHash, a.prevAssignment[0])
	assert.True(t, lb.members["i-1"])
}

func TestReconcileAssignmentPublishesDeployLockReleased(t *testing.T) {
	store := newTestStore(t)
	revHash := fakeHash('a')
	setupService(t, store, "web", revHash, "web-elb")
	require.NoError(t, store.SetAssignment("web", "i-1", revHash))

	units := &fakeUnitManager{statuses: map[string]types.UnitState{}}
	lb := newFakeLoadBalancer()
	lb.members["i-1"] = true
	queue := &fakeQueue{}

	a := New(Config{
		Service:           "web",
		InstanceID:        "i-1",
		DeregisterTimeout: 200 * time.Millisecond,
		RegisterTimeout:   200 * time.Millisecond,
	}, store, nil, units, lb, queue)

	require.NoError(t, a.reconcileAssignment(context.Background()))

	require.Len(t, queue.published, 1)
	assert.Equal(t, messaging.TypeDeployLockReleased, queue.published[0].msgType)
	assert.Equal(t, messaging.DeployLockReleased{Service: "web"}, queue.published[0].payload)
}

func TestReconcileAssignmentSkipsWhenLockHeldElsewhere(t *testing.T) {
	store := newTestStore(t)
	revHash := fakeHash('a')
	setupService(t, store, "web", revHash, "")
	require.NoError(t, store.SetAssignment("web", "i-1", revHash))

	ok, err := store.TryAcquireLock("web-deploy", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	units := &fakeUnitManager{statuses: map[string]types.UnitState{}}
	a := New(Config{Service: "web", InstanceID: "i-1"}, store, nil, units, newFakeLoadBalancer(), nil)

	require.NoError(t, a.reconcileAssignment(context.Background()))
	assert.Nil(t, units.desired)
	assert.Nil(t, a.prevAssignment)
}

func TestReconcileAssignmentNoOpWhenUnchanged(t *testing.T) {
	store := newTestStore(t)
	revHash := fakeHash('a')
	setupService(t, store, "web", revHash, "")
	require.NoError(t, store.SetAssignment("web", "i-1", revHash))

	units := &fakeUnitManager{statuses: map[string]types.UnitState{}}
	a := New(Config{Service: "web", InstanceID: "i-1"}, store, nil, units, newFakeLoadBalancer(), nil)
	a.prevAssignment = []string{revHash}

	require.NoError(t, a.reconcileAssignment(context.Background()))
	assert.Nil(t, units.desired)
}

func TestReconcileAssignmentReportsFailureWhenRegistrationNeverHealthy(t *testing.T) {
	store := newTestStore(t)
	revHash := fakeHash('a')
	setupService(t, store, "web", revHash, "web-elb")
	require.NoError(t, store.SetAssignment("web", "i-1", revHash))

	units := &fakeUnitManager{statuses: map[string]types.UnitState{}}
	lb := newFakeLoadBalancer() // Register never actually flips HealthyInstances: override below
	queue := &fakeQueue{}

	a := New(Config{
		Service:           "web",
		InstanceID:        "i-1",
		DeregisterTimeout: 50 * time.Millisecond,
		RegisterTimeout:   50 * time.Millisecond,
	}, store, nil, units, &neverHealthyLoadBalancer{fakeLoadBalancer: lb}, queue)

	err := a.reconcileAssignment(context.Background())
	require.Error(t, err)
	assert.Nil(t, a.prevAssignment)
	// the failure report is published before the deploy lock's release
	// is itself announced.
	require.Len(t, queue.published, 2)
	assert.Equal(t, messaging.TypeServiceFailure, queue.published[0].msgType)
	assert.Equal(t, messaging.TypeDeployLockReleased, queue.published[1].msgType)
}

// neverHealthyLoadBalancer always reports empty health, so the
// post-Register wait for InService times out.
type neverHealthyLoadBalancer struct {
	*fakeLoadBalancer
}

func (n *neverHealthyLoadBalancer) HealthyInstances(_ context.Context, _ string, _ []string) ([]string, error) {
	return nil, nil
}

func TestCurrentAssignmentDedupesAndSortsAcrossSelfAndGlobalShard(t *testing.T) {
	store := newTestStore(t)
	selfHash := fakeHash('b')
	globalHash := fakeHash('a')
	require.NoError(t, store.SetAssignment("web", "i-1", selfHash))
	require.NoError(t, store.SetAssignment("web", types.GlobalShardKey("i-1"), globalHash))

	a := New(Config{Service: "web", InstanceID: "i-1"}, store, nil, nil, newFakeLoadBalancer(), nil)
	current, err := a.currentAssignment()
	require.NoError(t, err)
	assert.Equal(t, []string{globalHash, selfHash}, current)
}
