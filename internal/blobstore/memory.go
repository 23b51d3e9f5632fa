package blobstore

import (
	"context"
	"sync"

	"github.com/rendis/pipewright/pkg/schema"
)

// MemoryBackend keeps blobs in process memory.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	kinds map[string]string
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte), kinds: make(map[string]string)}
}

func (m *MemoryBackend) PutBlob(_ context.Context, id, kind string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; ok {
		return nil
	}
	m.blobs[id] = append([]byte(nil), data...)
	m.kinds[id] = kind
	return nil
}

func (m *MemoryBackend) GetBlob(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "blob %q not found", id).
			WithDetails(map[string]any{"not_found": true})
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryBackend) HasBlob(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[id]
	return ok, nil
}

func (m *MemoryBackend) DeleteBlob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	delete(m.kinds, id)
	return nil
}

// Kind returns the kind recorded for id.
func (m *MemoryBackend) Kind(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kinds[id]
}
