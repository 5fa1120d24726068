package importrun

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepo keeps runs in process memory. It backs dry runs and tests.
type MemoryRepo struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Run
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{items: make(map[uuid.UUID]*Run)}
}

func (m *MemoryRepo) Create(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.items[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryRepo) Save(_ context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[r.ID]; !ok {
		return ErrRunNotFound
	}
	m.items[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return cloneRun(r), nil
}

func (m *MemoryRepo) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]*Run, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Run
	for _, r := range m.items {
		if r.TenantID == tenantID {
			result = append(result, cloneRun(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	total := len(result)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return result[offset:end], total, nil
}

func cloneRun(r *Run) *Run {
	cp := *r
	cp.EntityCounts = make(map[Entity]int, len(r.EntityCounts))
	for k, v := range r.EntityCounts {
		cp.EntityCounts[k] = v
	}
	cp.Errors = append([]Issue(nil), r.Errors...)
	cp.Duplicates = append([]Issue(nil), r.Duplicates...)
	cp.Warnings = append([]Issue(nil), r.Warnings...)
	return &cp
}
