package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiny-ipc/ipcerr"
	"tiny-ipc/loadbalance"
	"tiny-ipc/registry"
)

func startPool(t *testing.T, size int, b loadbalance.Balancer, opts ...Option) *Pool {
	t.Helper()
	p, err := NewPool(workerSpec(nil), size, b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func callPID(t *testing.T, call func(ctx context.Context, reply any) error) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var pid int
	require.NoError(t, call(ctx, &pid))
	return pid
}

func TestPoolRoundRobin(t *testing.T) {
	p := startPool(t, 3, nil)
	require.Len(t, p.Instances(), 3)
	assert.Equal(t, 3, p.Live())

	counts := map[int]int{}
	for i := 0; i < 9; i++ {
		pid := callPID(t, func(ctx context.Context, reply any) error {
			return p.Call(ctx, "pid", nil, reply)
		})
		counts[pid]++
	}
	assert.Len(t, counts, 3)
	for pid, n := range counts {
		assert.Equal(t, 3, n, "pid %d", pid)
	}
}

func TestPoolSkipsDeadWorkers(t *testing.T) {
	p := startPool(t, 2, &loadbalance.WeightedRandomBalancer{})

	victim := p.engine(p.Instances()[0].ID)
	_ = victim.CallTimeout("die", nil, nil, 5*time.Second)
	<-victim.Done()
	assert.Equal(t, 1, p.Live())

	survivor := p.Instances()[1].PID
	for i := 0; i < 5; i++ {
		pid := callPID(t, func(ctx context.Context, reply any) error {
			return p.Call(ctx, "pid", nil, reply)
		})
		assert.Equal(t, survivor, pid)
	}
}

func TestPoolCallKeyAffinity(t *testing.T) {
	p := startPool(t, 3, nil)

	byKey := func(key string) int {
		return callPID(t, func(ctx context.Context, reply any) error {
			return p.CallKey(ctx, key, "pid", nil, reply)
		})
	}

	owner := byKey("user-123")
	for i := 0; i < 5; i++ {
		assert.Equal(t, owner, byKey("user-123"))
	}

	// Kill the owner; the key moves to another live worker and stays there.
	for _, inst := range p.Instances() {
		if inst.PID == owner {
			e := p.engine(inst.ID)
			_ = e.CallTimeout("die", nil, nil, 5*time.Second)
			<-e.Done()
		}
	}
	next := byKey("user-123")
	assert.NotEqual(t, owner, next)
	assert.Equal(t, next, byKey("user-123"))
}

func TestPoolClose(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	p, err := NewPool(workerSpec(nil), 2, nil, WithRegistry(reg, "calc"))
	require.NoError(t, err)

	found, err := reg.Discover(context.Background(), "calc")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	found, err = reg.Discover(context.Background(), "calc")
	require.NoError(t, err)
	assert.Empty(t, found)

	err = p.Call(context.Background(), "ping", nil, nil)
	require.Error(t, err)
	assert.Equal(t, ipcerr.ProcessDied, ipcerr.CodeOf(err))
}
