package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for single-host setups and tests.
// TTLs are ignored: entries live until deregistered.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]WorkerInstance // name → id → instance
	watchers  map[string][]chan []WorkerInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]WorkerInstance),
		watchers:  make(map[string][]chan []WorkerInstance),
	}
}

func (m *MemoryRegistry) Register(ctx context.Context, instance WorkerInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.instances[instance.Name]
	if !ok {
		byID = make(map[string]WorkerInstance)
		m.instances[instance.Name] = byID
	}
	byID[instance.ID] = instance
	m.notifyLocked(instance.Name)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, instance WorkerInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances[instance.Name], instance.ID)
	m.notifyLocked(instance.Name)
	return nil
}

func (m *MemoryRegistry) Discover(ctx context.Context, name string) ([]WorkerInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(name), nil
}

// Watch emits the instance list for name after every change. Only the latest list is
// kept for a slow reader.
func (m *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []WorkerInstance {
	ch := make(chan []WorkerInstance, 1)
	m.mu.Lock()
	m.watchers[name] = append(m.watchers[name], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[name]
		for i, w := range ws {
			if w == ch {
				m.watchers[name] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *MemoryRegistry) listLocked(name string) []WorkerInstance {
	out := make([]WorkerInstance, 0, len(m.instances[name]))
	for _, inst := range m.instances[name] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryRegistry) notifyLocked(name string) {
	list := m.listLocked(name)
	for _, ch := range m.watchers[name] {
		// Replace a stale, unread list with the newest one.
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
