package store

import (
	"context"
	"fmt"
	"sync"

	"regtech/internal/ingestion/models"
	"regtech/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	batches map[string]models.Batch
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{batches: make(map[string]models.Batch)}
}

func (s *InMemoryStore) Save(_ context.Context, b models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := b.BatchID + ":" + b.BankID
	if _, ok := s.batches[k]; ok {
		return fmt.Errorf("batch %s: %w", k, sentinel.ErrConflict)
	}
	s.batches[k] = b
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, batchID, bankID string) (models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID+":"+bankID]
	if !ok {
		return models.Batch{}, fmt.Errorf("batch %s:%s: %w", batchID, bankID, sentinel.ErrNotFound)
	}
	return b, nil
}
