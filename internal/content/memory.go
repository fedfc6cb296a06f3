package content

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepository keeps entities in process memory.
type MemoryRepository struct {
	mu           sync.RWMutex
	entities     map[int64]*Entity
	byPath       map[string]int64
	frontPage    int64
	hierarchical map[string]bool
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository. hierarchical lists the
// entity types whose children inherit their path; it defaults to "page".
func NewMemoryRepository(hierarchical ...string) *MemoryRepository {
	if len(hierarchical) == 0 {
		hierarchical = []string{"page"}
	}
	h := make(map[string]bool, len(hierarchical))
	for _, t := range hierarchical {
		h[t] = true
	}
	return &MemoryRepository{
		entities:     map[int64]*Entity{},
		byPath:       map[string]int64{},
		hierarchical: h,
	}
}

// Put inserts or replaces e.
func (m *MemoryRepository) Put(e *Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entities[e.ID]; ok && m.byPath[old.Path] == e.ID {
		delete(m.byPath, old.Path)
	}
	c := e.Clone()
	c.Path = NormalizePath(c.Path)
	m.entities[c.ID] = c
	m.byPath[c.Path] = c.ID
}

// Remove deletes the entity with id, if present.
func (m *MemoryRepository) Remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entities[id]; ok {
		if m.byPath[old.Path] == id {
			delete(m.byPath, old.Path)
		}
		delete(m.entities, id)
	}
	if m.frontPage == id {
		m.frontPage = 0
	}
}

// SetFrontPage designates id as the front page; 0 clears it.
func (m *MemoryRepository) SetFrontPage(id int64) {
	m.mu.Lock()
	m.frontPage = id
	m.mu.Unlock()
}

func (m *MemoryRepository) ByID(_ context.Context, id int64) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryRepository) ByPath(_ context.Context, path string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path = NormalizePath(path)
	id, ok := m.byPath[path]
	if !ok || path == "" {
		return nil, ErrNotFound
	}
	return m.entities[id].Clone(), nil
}

func (m *MemoryRepository) Children(_ context.Context, id int64) ([]*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entity
	for _, e := range m.entities {
		if e.ParentID == id && e.ID != id {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) FrontPageID(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frontPage, nil
}

func (m *MemoryRepository) Hierarchical(typ string) bool {
	return m.hierarchical[typ]
}

// Len reports the number of stored entities.
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}
