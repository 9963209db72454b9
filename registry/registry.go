// Package registry records which workers are alive so that operators and pools can find
// them. A worker is announced when its engine starts and withdrawn when it closes.
package registry

import (
	"context"
	"time"
)

// WorkerInstance describes one running worker process.
type WorkerInstance struct {
	ID        string    // Unique per engine
	Name      string    // Logical worker name; instances sharing a name are interchangeable
	PID       int       // OS process id of the worker
	Command   string    // Command line the worker was spawned with
	Weight    int       // Weight for load balancing
	StartedAt time.Time // When the worker was spawned
}

type Registry interface {
	Register(ctx context.Context, instance WorkerInstance, ttl int64) error
	Deregister(ctx context.Context, instance WorkerInstance) error
	Discover(ctx context.Context, name string) ([]WorkerInstance, error)
	Watch(ctx context.Context, name string) <-chan []WorkerInstance
}
