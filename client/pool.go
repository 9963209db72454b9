package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"tiny-ipc/ipcerr"
	"tiny-ipc/loadbalance"
	"tiny-ipc/registry"
	"tiny-ipc/transport"
)

// Pool runs several copies of the same worker and spreads calls over them.
// Workers that have died are skipped; the pool never restarts them.
type Pool struct {
	log      *zap.SugaredLogger
	balancer loadbalance.Balancer
	ring     *loadbalance.ConsistentHashBalancer

	mu      sync.RWMutex
	engines map[string]*Engine // instance id → engine
	order   []registry.WorkerInstance

	closeOnce sync.Once
	closeErr  error
}

// NewPool starts size workers from spec, each configured with opts. A nil balancer means
// round robin. If any worker fails to start, the ones already started are closed.
func NewPool(spec transport.SpawnSpec, size int, balancer loadbalance.Balancer, opts ...Option) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	p := &Pool{
		log:      o.log.Named("pool"),
		balancer: balancer,
		ring:     loadbalance.NewConsistentHashBalancer(),
		engines:  make(map[string]*Engine, size),
	}
	for i := 0; i < size; i++ {
		e, err := Start(spec, opts...)
		if err != nil {
			p.Close()
			return nil, err
		}
		inst := e.Instance()
		p.engines[inst.ID] = e
		p.order = append(p.order, inst)
		p.ring.Add(&inst)
	}
	p.log.Debugw("pool started", "size", size, "balancer", balancer.Name())
	return p, nil
}

// live returns the instances whose engine can still serve calls.
func (p *Pool) live() []registry.WorkerInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]registry.WorkerInstance, 0, len(p.order))
	for _, inst := range p.order {
		if p.engines[inst.ID].Err() == nil {
			out = append(out, inst)
		}
	}
	return out
}

func (p *Pool) engine(id string) *Engine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.engines[id]
}

func noWorkers(err error) error {
	return ipcerr.ProcessDiedf(err, "no live worker in pool")
}

// Call runs the call on a worker chosen by the pool's balancer.
func (p *Pool) Call(ctx context.Context, method string, params any, reply any) error {
	inst, err := p.balancer.Pick(p.live())
	if err != nil {
		return noWorkers(err)
	}
	return p.engine(inst.ID).Call(ctx, method, params, reply)
}

// CallKey runs the call on the worker that owns key on the hash ring. Dead workers are
// taken off the ring, so their keys move to the next live worker.
func (p *Pool) CallKey(ctx context.Context, key, method string, params any, reply any) error {
	for {
		inst, err := p.ring.Pick(key)
		if err != nil {
			return noWorkers(err)
		}
		e := p.engine(inst.ID)
		if e.Err() != nil {
			p.log.Debugw("removing dead worker from ring", "id", inst.ID, "err", e.Err())
			p.ring.Remove(inst.ID)
			continue
		}
		return e.Call(ctx, method, params, reply)
	}
}

// Instances lists every worker the pool started, dead or alive.
func (p *Pool) Instances() []registry.WorkerInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]registry.WorkerInstance(nil), p.order...)
}

// Live reports how many workers can still serve calls.
func (p *Pool) Live() int {
	return len(p.live())
}

// Close closes every worker and returns the first error.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.RLock()
		engines := make([]*Engine, 0, len(p.engines))
		for _, e := range p.engines {
			engines = append(engines, e)
		}
		p.mu.RUnlock()

		errs := make([]error, len(engines))
		var wg sync.WaitGroup
		for i, e := range engines {
			wg.Add(1)
			go func(i int, e *Engine) {
				defer wg.Done()
				errs[i] = e.Close()
			}(i, e)
		}
		wg.Wait()
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
