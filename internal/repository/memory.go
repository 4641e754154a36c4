package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/entity"
)

// MemoryCaseRepository keeps cases in process memory. Values are cloned on
// the way in and out.
type MemoryCaseRepository struct {
	mu    sync.RWMutex
	cases map[string]*entity.Case
}

func NewMemoryCaseRepository() *MemoryCaseRepository {
	return &MemoryCaseRepository{cases: make(map[string]*entity.Case)}
}

func (r *MemoryCaseRepository) Get(_ context.Context, id string) (*entity.Case, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, common.ErrNotFound)
	}
	return c.Clone(), nil
}

func (r *MemoryCaseRepository) Save(_ context.Context, c *entity.Case) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cases[c.ID] = c.Clone()
	return nil
}

func (r *MemoryCaseRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cases[id]; !ok {
		return fmt.Errorf("case %s: %w", id, common.ErrNotFound)
	}
	delete(r.cases, id)
	return nil
}

func (r *MemoryCaseRepository) List(_ context.Context) ([]*entity.Case, error) {
	r.mu.RLock()
	out := make([]*entity.Case, 0, len(r.cases))
	for _, c := range r.cases {
		out = append(out, c.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
