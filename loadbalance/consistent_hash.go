package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"tiny-ipc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same worker until the ring changes, so a worker can
// keep per-key state between calls.
//
// Each real instance is placed on the ring as 100 virtual nodes so that a handful of
// workers still split the key space evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32                            // sorted virtual node hashes
	nodes    map[uint32]*registry.WorkerInstance // hash → instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.WorkerInstance),
	}
}

func virtualHash(id string, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", id, i)))
}

// Add places an instance on the ring, keyed by its ID.
func (b *ConsistentHashBalancer) Add(instance *registry.WorkerInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := virtualHash(instance.ID, i)
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Remove takes an instance off the ring. Its keys move to the next instance clockwise.
func (b *ConsistentHashBalancer) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		hash := virtualHash(id, i)
		if inst, ok := b.nodes[hash]; ok && inst.ID == id {
			delete(b.nodes, hash)
		}
	}
	ring := b.ring[:0]
	for _, h := range b.ring {
		if _, ok := b.nodes[h]; ok {
			ring = append(ring, h)
		}
	}
	b.ring = ring
}

// Pick finds the instance responsible for key: the first virtual node clockwise from the
// key's hash, wrapping around at the end of the ring.
//
// Pick takes a key rather than an instance list, so the ring does not implement Balancer.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.WorkerInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
