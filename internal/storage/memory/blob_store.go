package memory

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
)

// Artifact is one stored object.
type Artifact struct {
	ContentType string
	Data        []byte
	// Writes counts how many times the name has been written.
	Writes int
}

// BlobStore keeps artifacts in a map and hands out memory:// URIs. It backs
// the default configuration, where artifacts are not persisted.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Artifact
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Artifact)}
}

// PutObject replaces name with the contents of data.
func (s *BlobStore) PutObject(_ context.Context, name string, contentType string, data io.Reader) (string, error) {
	if name == "" {
		return "", fmt.Errorf("path is required")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", name, err)
	}

	s.mu.Lock()
	prev := s.objects[name]
	s.objects[name] = Artifact{ContentType: contentType, Data: b, Writes: prev.Writes + 1}
	s.mu.Unlock()
	return "memory://" + name, nil
}

// Get returns a copy of the stored bytes.
func (s *BlobStore) Get(name string) ([]byte, bool) {
	a, ok := s.Stat(name)
	return a.Data, ok
}

// Stat returns a copy of the stored artifact.
func (s *BlobStore) Stat(name string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.objects[name]
	if !ok {
		return Artifact{}, false
	}
	a.Data = slices.Clone(a.Data)
	return a, true
}

// Names lists stored artifacts in sorted order.
func (s *BlobStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.objects))
	for name := range s.objects {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
