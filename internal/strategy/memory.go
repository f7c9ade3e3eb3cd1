package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepository is an in-process strategy store, used in tests and when no database is
// configured.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[ID]Config
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[ID]Config)}
}

func (r *MemoryRepository) SaveStrategy(_ context.Context, cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("save strategy: empty id")
	}
	r.mu.Lock()
	r.items[cfg.ID] = cfg
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) GetStrategy(_ context.Context, id ID) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.items[id]
	if !ok {
		return Config{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return cfg, nil
}

func (r *MemoryRepository) ListStrategies(_ context.Context) ([]Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Config, 0, len(r.items))
	for _, cfg := range r.items {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
