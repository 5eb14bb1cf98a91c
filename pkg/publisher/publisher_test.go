package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/flotilla/pkg/storage"
	"github.com/cuemby/flotilla/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeKMS is a deterministic stand-in for AWS KMS: it "encrypts" by
// recording the plaintext under a synthetic ciphertext key, so
// round-trips can be asserted without a live KMS endpoint.
type fakeKMS struct {
	sealed map[string]map[string]string
	calls  int
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{sealed: map[string]map[string]string{}}
}

func (f *fakeKMS) Encrypt(ctx context.Context, keyID string, environment map[string]string) (*types.EncryptedEnvironment, error) {
	f.calls++
	token := []byte{byte(f.calls)}
	cp := make(map[string]string, len(environment))
	for k, v := range environment {
		cp[k] = v
	}
	f.sealed[string(token)] = cp
	return &types.EncryptedEnvironment{DataKey: []byte(keyID), IV: token, Ciphertext: token}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, keyID string, encrypted *types.EncryptedEnvironment) (map[string]string, error) {
	env, ok := f.sealed[string(encrypted.Ciphertext)]
	if !ok {
		return nil, errors.New("unknown ciphertext")
	}
	return env, nil
}

func sampleRevision(label string, weight int) *types.Revision {
	return &types.Revision{
		Label:  label,
		Weight: weight,
		Units: []*types.Unit{
			{Name: "web.service", UnitFile: "[Service]\nExecStart=/bin/web\n"},
		},
	}
}

func TestAddRevisionStoresUnitsPlaintextWithoutKMSKey(t *testing.T) {
	store := newTestStore(t)
	pub := New(store, nil)

	revHash, err := pub.AddRevision(context.Background(), "web", sampleRevision("v1", 100))
	require.NoError(t, err)

	svc, err := store.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, 100, svc.Weights[revHash])

	rev, err := store.GetRevision("web", revHash)
	require.NoError(t, err)
	assert.Len(t, rev.UnitHashes, 1)
}

func TestAddRevisionEncryptsEnvironmentWhenServiceHasKMSKey(t *testing.T) {
	store := newTestStore(t)
	kms := newFakeKMS()
	pub := New(store, kms)

	require.NoError(t, pub.ConfigureService("web", types.ServiceMetadata{KMSKey: "arn:aws:kms:key/1"}))

	rev := sampleRevision("v1", 100)
	rev.Units[0].Environment = map[string]string{"FOO": "bar"}
	revHash, err := pub.AddRevision(context.Background(), "web", rev)
	require.NoError(t, err)

	storedRev, err := store.GetRevision("web", revHash)
	require.NoError(t, err)
	unit, err := store.GetUnit(storedRev.UnitHashes[0])
	require.NoError(t, err)
	assert.Nil(t, unit.Environment)
	require.NotNil(t, unit.EncryptedEnv)

	revisions, err := pub.GetRevisions(context.Background(), "web")
	require.NoError(t, err)
	require.Len(t, revisions, 1)
	require.Len(t, revisions[0].Units, 1)
	assert.Equal(t, "bar", revisions[0].Units[0].Environment["FOO"])
}

func TestDelRevisionClearsWeightAndRemovesRow(t *testing.T) {
	store := newTestStore(t)
	pub := New(store, nil)

	revHash, err := pub.AddRevision(context.Background(), "web", sampleRevision("v1", 100))
	require.NoError(t, err)

	require.NoError(t, pub.DelRevision("web", revHash))

	svc, err := store.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, 0, svc.Weights[revHash])

	_, err = store.GetRevision("web", revHash)
	assert.Error(t, err)
}

func TestSetRevisionWeightUpdatesOnlyThatRevision(t *testing.T) {
	store := newTestStore(t)
	pub := New(store, nil)

	hashA, err := pub.AddRevision(context.Background(), "web", sampleRevision("a", 50))
	require.NoError(t, err)
	hashB, err := pub.AddRevision(context.Background(), "web", sampleRevision("b", 50))
	require.NoError(t, err)

	require.NoError(t, pub.SetRevisionWeight("web", hashA, -1))

	svc, err := store.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, -1, svc.Weights[hashA])
	assert.Equal(t, 50, svc.Weights[hashB])
}

func TestSetGlobalWritesAllSixteenShards(t *testing.T) {
	store := newTestStore(t)
	pub := New(store, nil)

	_, err := pub.SetGlobal(context.Background(), "web", sampleRevision("sys", 0))
	require.NoError(t, err)

	for i := 0; i < types.GlobalAssignmentShards; i++ {
		a, err := store.GetAssignment("web", types.GlobalAssignmentKey(i))
		require.NoError(t, err)
		assert.NotEmpty(t, a.Revision)
	}
}

func TestConfigureRegionAndUserPersist(t *testing.T) {
	store := newTestStore(t)
	pub := New(store, nil)

	require.NoError(t, pub.ConfigureRegion(&types.RegionParams{Name: "us-east-1", AZ1: "us-east-1a"}))
	params, err := store.GetRegionParams("us-east-1")
	require.NoError(t, err)
	assert.Equal(t, "us-east-1a", params.AZ1)

	require.NoError(t, pub.ConfigureUser(&types.User{Username: "alice", Active: true}))
	user, err := store.GetUser("alice")
	require.NoError(t, err)
	assert.True(t, user.Active)
}

// fakeDoctor lets PublishAndWait tests control per-region health
// without a real Doctor wired to a load balancer.
type fakeDoctor struct {
	healthyAfter int
	calls        int
	finalized    bool
}

func (f *fakeDoctor) IsHealthyRevision(ctx context.Context, service, revision string) (bool, error) {
	f.calls++
	return f.calls >= f.healthyAfter, nil
}

func (f *fakeDoctor) MakeOnlyRevision(service, revision string) error {
	f.finalized = true
	return nil
}

func TestPublishAndWaitFinalizesWhenAllRegionsHealthy(t *testing.T) {
	store := newTestStore(t)
	pub := New(store, nil)
	revHash, err := pub.AddRevision(context.Background(), "web", sampleRevision("v1", 100))
	require.NoError(t, err)

	doc := &fakeDoctor{healthyAfter: 1}
	err = pub.PublishAndWait(context.Background(), []RegionDoctor{
		{Region: "us-east-1", Doctor: doc, Store: store},
	}, "web", revHash, time.Second)
	require.NoError(t, err)
	assert.True(t, doc.finalized)
}

func TestPublishAndWaitQuarantinesOnTimeout(t *testing.T) {
	store := newTestStore(t)
	pub := New(store, nil)
	revHash, err := pub.AddRevision(context.Background(), "web", sampleRevision("v1", 100))
	require.NoError(t, err)

	doc := &fakeDoctor{healthyAfter: 1000}
	err = pub.PublishAndWait(context.Background(), []RegionDoctor{
		{Region: "us-east-1", Doctor: doc, Store: store},
	}, "web", revHash, 10*time.Millisecond)
	require.Error(t, err)
	assert.False(t, doc.finalized)

	svc, err := store.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, -100, svc.Weights[revHash])
}
