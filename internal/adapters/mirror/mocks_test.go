package mirror

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jobrunner/offgrid/internal/domain"
	"github.com/jobrunner/offgrid/internal/ports/output"
)

// memStorage is an in-memory ObjectStorage.
type memStorage struct {
	mu        sync.Mutex
	objects   map[string][]byte
	existsErr error
	probes    []string
}

func newMemStorage(objects map[string][]byte) *memStorage {
	return &memStorage{objects: objects}
}

func (s *memStorage) List(_ context.Context) ([]output.StorageObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var objects []output.StorageObject
	for key, data := range s.objects {
		objects = append(objects, output.StorageObject{Key: key, Size: int64(len(data))})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *memStorage) GetReader(_ context.Context, key string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("%s: %w", key, domain.ErrPackNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (s *memStorage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, key)
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.objects[key]
	return ok, nil
}
