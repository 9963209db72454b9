// Package loadbalance picks which worker of a pool serves a call.
//
// Three strategies are implemented:
//   - RoundRobin:      interchangeable workers
//   - WeightedRandom:  workers with different capacity (WorkerInstance.Weight)
//   - ConsistentHash:  workers keeping per-key state, e.g. a warm cache
package loadbalance

import (
	"errors"

	"tiny-ipc/registry"
)

var ErrNoInstances = errors.New("no worker instances available")

// Balancer is the interface for load balancing strategies.
// The pool calls Pick() before each call to select a target worker.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every call, must be goroutine-safe.
	Pick(instances []registry.WorkerInstance) (*registry.WorkerInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin" (also the default for an
// empty name) or "weighted_random".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	default:
		return nil, errors.New("unknown balancer " + name)
	}
}
