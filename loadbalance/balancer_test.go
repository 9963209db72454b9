package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiny-ipc/registry"
)

var testInstances = []registry.WorkerInstance{
	{ID: "w1", Name: "calc", Weight: 10},
	{ID: "w2", Name: "calc", Weight: 5},
	{ID: "w3", Name: "calc", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var got []string
	for i := 0; i < 4; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		got = append(got, inst.ID)
	}
	assert.Equal(t, []string{"w1", "w2", "w3", "w1"}, got)
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick(nil)
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		counts[inst.ID]++
	}

	// Weight ratio is 10:5:10, so w1 should be picked about twice as often as w2.
	ratio := float64(counts["w1"]) / float64(counts["w2"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.WorkerInstance{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, inst.ID)

	_, err = b.Pick(nil)
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick("user-123")
	require.ErrorIs(t, err, ErrNoInstances)

	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	inst1, err := b.Pick("user-123")
	require.NoError(t, err)
	inst2, _ := b.Pick("user-123")
	assert.Equal(t, inst1.ID, inst2.ID, "same key must map to the same instance")

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("key-%d", i))
		seen[inst.ID] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRemove(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	owner, _ := b.Pick("user-123")
	b.Remove(owner.ID)

	moved, err := b.Pick("user-123")
	require.NoError(t, err)
	assert.NotEqual(t, owner.ID, moved.ID)

	// Keys owned by the other instances stay put.
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		b2 := NewConsistentHashBalancer()
		for j := range testInstances {
			b2.Add(&testInstances[j])
		}
		before, _ := b2.Pick(key)
		if before.ID == owner.ID {
			continue
		}
		after, _ := b.Pick(key)
		assert.Equal(t, before.ID, after.ID, key)
	}
}

func TestNew(t *testing.T) {
	b, err := New("")
	require.NoError(t, err)
	assert.Equal(t, "RoundRobin", b.Name())

	b, err = New("weighted_random")
	require.NoError(t, err)
	assert.Equal(t, "WeightedRandom", b.Name())

	_, err = New("least_loaded")
	assert.Error(t, err)
}
