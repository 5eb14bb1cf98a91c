package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeTargetsSumsToN(t *testing.T) {
	weights := map[string]int{
		fakeHash('a'): 75,
		fakeHash('b'): 25,
	}
	targets := computeTargets(weights, 20)

	sum := 0
	for _, v := range targets {
		sum += v
	}
	assert.Equal(t, 20, sum)
	assert.Equal(t, 15, targets[fakeHash('a')])
	assert.Equal(t, 5, targets[fakeHash('b')])
}

func TestComputeTargetsRepairsRoundingError(t *testing.T) {
	weights := map[string]int{
		fakeHash('a'): 1,
		fakeHash('b'): 1,
		fakeHash('c'): 1,
	}
	targets := computeTargets(weights, 10)

	sum := 0
	for _, v := range targets {
		sum += v
	}
	assert.Equal(t, 10, sum)
}

func TestComputeTargetsEmptyWeights(t *testing.T) {
	targets := computeTargets(map[string]int{}, 10)
	assert.Empty(t, targets)
}

func TestComputeTargetsSingleRevisionTakesAll(t *testing.T) {
	weights := map[string]int{fakeHash('a'): 5}
	targets := computeTargets(weights, 7)
	assert.Equal(t, 7, targets[fakeHash('a')])
}

func TestMaxTargetRevisionBreaksTiesByHash(t *testing.T) {
	targets := map[string]int{
		fakeHash('b'): 3,
		fakeHash('a'): 3,
		fakeHash('c'): 1,
	}
	assert.Equal(t, fakeHash('a'), maxTargetRevision(targets))
}

func TestMaxTargetRevisionEmpty(t *testing.T) {
	assert.Equal(t, "", maxTargetRevision(map[string]int{}))
}

func TestReassignFillsFromUnassignedFirst(t *testing.T) {
	slots := []string{"i1", "i2", "i3"}
	current := map[string]string{}
	targets := map[string]int{fakeHash('a'): 3}

	changes := reassign(slots, current, targets)
	assert.Len(t, changes, 3)
	for _, slot := range slots {
		assert.Equal(t, fakeHash('a'), changes[slot])
	}
}

func TestReassignIsIdempotentWhenAlreadyBalanced(t *testing.T) {
	slots := []string{"i1", "i2", "i3", "i4"}
	current := map[string]string{
		"i1": fakeHash('a'),
		"i2": fakeHash('a'),
		"i3": fakeHash('a'),
		"i4": fakeHash('b'),
	}
	targets := map[string]int{
		fakeHash('a'): 3,
		fakeHash('b'): 1,
	}

	changes := reassign(slots, current, targets)
	assert.Empty(t, changes)
}

func TestReassignOnlyMovesExcessFromOverProvisionedRevision(t *testing.T) {
	slots := []string{"i1", "i2", "i3", "i4"}
	current := map[string]string{
		"i1": fakeHash('a'),
		"i2": fakeHash('a'),
		"i3": fakeHash('a'),
		"i4": fakeHash('a'),
	}
	targets := map[string]int{
		fakeHash('a'): 2,
		fakeHash('b'): 2,
	}

	changes := reassign(slots, current, targets)
	assert.Len(t, changes, 2)
	for slot, rev := range changes {
		assert.Equal(t, fakeHash('b'), rev)
		assert.Contains(t, slots, slot)
	}
	// the two instances not picked up must have kept their current
	// revision, not been reassigned to anything else.
	for _, slot := range slots {
		if _, moved := changes[slot]; !moved {
			assert.Equal(t, fakeHash('a'), current[slot])
		}
	}
}

func TestReassignDropsInstancesFromNoLongerTargetedRevisions(t *testing.T) {
	slots := []string{"i1", "i2"}
	current := map[string]string{
		"i1": fakeHash('z'),
		"i2": fakeHash('z'),
	}
	targets := map[string]int{fakeHash('a'): 2}

	changes := reassign(slots, current, targets)
	assert.Equal(t, map[string]string{"i1": fakeHash('a'), "i2": fakeHash('a')}, changes)
}
