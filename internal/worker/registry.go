package worker

import (
	"fmt"
	"sort"
	"sync"
)

// SpawnerInfo pairs an isolation name with its spawner's capabilities.
type SpawnerInfo struct {
	Name         string       `json:"name"`
	Default      bool         `json:"default"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the available spawners and resolves "auto" to the
// configured default.
type Registry struct {
	mu       sync.RWMutex
	spawners map[string]Spawner
	fallback string
}

// NewRegistry creates an empty registry whose auto isolation resolves to
// defaultIsolation.
func NewRegistry(defaultIsolation string) *Registry {
	return &Registry{
		spawners: make(map[string]Spawner),
		fallback: defaultIsolation,
	}
}

// Register adds a spawner under the given isolation name.
func (r *Registry) Register(name string, s Spawner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[name] = s
}

// Resolve returns the spawner for isolation. An empty name or "auto" resolves
// to the default isolation.
func (r *Registry) Resolve(isolation string) (Spawner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := isolation
	if target == "" || target == IsolationAuto {
		target = r.fallback
	}

	s, ok := r.spawners[target]
	if !ok {
		return nil, fmt.Errorf("isolation %q is not registered", target)
	}
	return s, nil
}

// List returns every registered spawner, sorted by name.
func (r *Registry) List() []SpawnerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SpawnerInfo, 0, len(r.spawners))
	for name, s := range r.spawners {
		infos = append(infos, SpawnerInfo{
			Name:         name,
			Default:      name == r.fallback,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
