package loadbalance

import (
	"math/rand"

	"tiny-ipc/registry"
)

type WeightedRandomBalancer struct{}

// Pick draws an instance with probability proportional to its weight. A weight below 1
// counts as 1.
func (b *WeightedRandomBalancer) Pick(instances []registry.WorkerInstance) (*registry.WorkerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	r := rand.Intn(totalWeight)
	for i := range instances {
		r -= weightOf(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(inst registry.WorkerInstance) int {
	if inst.Weight < 1 {
		return 1
	}
	return inst.Weight
}
