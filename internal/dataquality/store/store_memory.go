package store

import (
	"context"
	"fmt"
	"sync"

	"regtech/internal/dataquality/models"
	"regtech/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	reports map[string]models.Report
	saves   int
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{reports: make(map[string]models.Report)}
}

func (s *InMemoryStore) Save(_ context.Context, r models.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := r.BatchID + ":" + r.BankID
	if _, ok := s.reports[k]; ok {
		return fmt.Errorf("quality report %s: %w", k, sentinel.ErrConflict)
	}
	s.reports[k] = r
	s.saves++
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, batchID, bankID string) (models.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reports[batchID+":"+bankID]
	if !ok {
		return models.Report{}, fmt.Errorf("quality report %s:%s: %w", batchID, bankID, sentinel.ErrNotFound)
	}
	return r, nil
}

func (s *InMemoryStore) Exists(_ context.Context, batchID, bankID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.reports[batchID+":"+bankID]
	return ok, nil
}

// Saves counts successful inserts.
func (s *InMemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
