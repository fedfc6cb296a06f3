package cache

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.trai.ch/zerr"
)

type memoryKey struct {
	key     string
	variant string
}

type memoryEntry struct {
	doc     []byte
	meta    Meta
	modTime time.Time
}

// MemoryStore implements Store with a bounded LRU. It is process-local and
// loses its contents on restart.
type MemoryStore struct {
	cache *lru.Cache[memoryKey, memoryEntry]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most maxEntries documents.
func NewMemoryStore(maxEntries int) (*MemoryStore, error) {
	c, err := lru.New[memoryKey, memoryEntry](maxEntries)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "create memory cache"), "max_entries", maxEntries)
	}
	return &MemoryStore{cache: c}, nil
}

func (m *MemoryStore) get(key, variant string) (memoryEntry, bool) {
	if _, ok := Sanitize(key); !ok || SanitizeVariant(variant) != variant {
		return memoryEntry{}, false
	}
	return m.cache.Get(memoryKey{key: key, variant: variant})
}

// ReadMeta implements Reader.
func (m *MemoryStore) ReadMeta(key, variant string) (*Meta, bool) {
	e, ok := m.get(key, variant)
	if !ok {
		return nil, false
	}
	meta := e.meta
	return &meta, true
}

// ReadDocument implements Reader.
func (m *MemoryStore) ReadDocument(key, variant string) ([]byte, bool) {
	e, ok := m.get(key, variant)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.doc...), true
}

// ReadIfFresh implements Reader.
func (m *MemoryStore) ReadIfFresh(key, variant string, notOlderThan time.Time) (*Entry, bool) {
	e, ok := m.get(key, variant)
	if !ok || e.modTime.Unix() < notOlderThan.Unix() {
		return nil, false
	}
	return &Entry{
		Document: append([]byte(nil), e.doc...),
		Meta:     e.meta,
		ModTime:  e.modTime,
	}, true
}

// Write implements Writer.
func (m *MemoryStore) Write(key, variant string, doc []byte, meta Meta, modTime time.Time) {
	if _, ok := Sanitize(key); !ok || SanitizeVariant(variant) != variant {
		return
	}
	m.cache.Add(memoryKey{key: key, variant: variant}, memoryEntry{
		doc:     append([]byte(nil), doc...),
		meta:    meta,
		modTime: modTime,
	})
}

// Delete implements Writer.
func (m *MemoryStore) Delete(key, variant string) {
	m.cache.Remove(memoryKey{key: key, variant: variant})
}

// Purge implements Writer.
func (m *MemoryStore) Purge(key string) {
	for _, k := range m.cache.Keys() {
		if k.key == key {
			m.cache.Remove(k)
		}
	}
}

// PurgePrefix implements Writer.
func (m *MemoryStore) PurgePrefix(key string) {
	prefix := key + "/"
	for _, k := range m.cache.Keys() {
		if strings.HasPrefix(k.key, prefix) {
			m.cache.Remove(k)
		}
	}
}

// FlushAll implements Writer.
func (m *MemoryStore) FlushAll() {
	m.cache.Purge()
}

// Len reports the number of cached documents.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}
