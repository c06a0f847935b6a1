package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"regtech/pkg/platform/outbox"
	"regtech/pkg/platform/sentinel"
)

// InMemoryStore is an outbox for tests and single-process deployments. It mirrors the
// Postgres claim rules: a claimed record, and every later record of an aggregate held
// by a live batch, is invisible to other batches until that batch closes.
type InMemoryStore struct {
	mu      sync.Mutex
	records []*outbox.Record
	byID    map[uuid.UUID]*outbox.Record
	claimed map[uuid.UUID]int
	held    map[string]int
	nextTok int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[uuid.UUID]*outbox.Record),
		claimed: make(map[uuid.UUID]int),
		held:    make(map[string]int),
	}
}

func (s *InMemoryStore) Append(_ context.Context, records ...outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if _, exists := s.byID[r.ID]; exists {
			continue
		}
		rec := clone(r)
		if rec.Status == "" {
			rec.Status = outbox.StatusPending
		}
		s.records = append(s.records, &rec)
		s.byID[rec.ID] = &rec
	}
	return nil
}

func (s *InMemoryStore) Claim(_ context.Context, limit int) (outbox.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTok++
	tok := s.nextTok

	// records is in append order; a stable sort keeps that order for equal timestamps.
	pending := make([]*outbox.Record, 0, len(s.records))
	for _, r := range s.records {
		if r.Status == outbox.StatusPending && !r.Processed {
			pending = append(pending, r)
		}
	}
	slices.SortStableFunc(pending, func(a, b *outbox.Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	b := &batch{store: s, token: tok, staged: make(map[uuid.UUID]func(*outbox.Record))}
	for _, r := range pending {
		if len(b.records) >= limit {
			break
		}
		if _, taken := s.claimed[r.ID]; taken {
			continue
		}
		key := r.AggregateKey()
		if holder, ok := s.held[key]; ok && holder != tok {
			continue
		}
		s.claimed[r.ID] = tok
		s.held[key] = tok
		b.records = append(b.records, clone(*r))
	}
	return b, nil
}

func (s *InMemoryStore) Stats(_ context.Context) (outbox.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats outbox.Stats
	for _, r := range s.records {
		switch r.Status {
		case outbox.StatusPublished:
			stats.Published++
		case outbox.StatusDeadLetter:
			stats.DeadLetter++
		default:
			stats.Pending++
			if r.RetryCount > 0 {
				stats.Failing++
			}
		}
	}
	return stats, nil
}

func (s *InMemoryStore) ListByAggregate(_ context.Context, aggregateType, aggregateID string) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []outbox.Record
	for _, r := range s.records {
		if r.AggregateType == aggregateType && r.AggregateID == aggregateID {
			out = append(out, clone(*r))
		}
	}
	return out, nil
}

// Get returns a copy of one record.
func (s *InMemoryStore) Get(_ context.Context, id uuid.UUID) (outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[id]
	if !ok {
		return outbox.Record{}, fmt.Errorf("outbox record %s: %w", id, sentinel.ErrNotFound)
	}
	return clone(*r), nil
}

// All returns copies of every record in append order.
func (s *InMemoryStore) All() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]outbox.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, clone(*r))
	}
	return out
}

func (s *InMemoryStore) release(tok int, apply map[uuid.UUID]func(*outbox.Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, fn := range apply {
		if r, ok := s.byID[id]; ok {
			fn(r)
		}
	}
	for id, holder := range s.claimed {
		if holder == tok {
			delete(s.claimed, id)
		}
	}
	for key, holder := range s.held {
		if holder == tok {
			delete(s.held, key)
		}
	}
}

type batch struct {
	mu      sync.Mutex
	store   *InMemoryStore
	token   int
	records []outbox.Record
	staged  map[uuid.UUID]func(*outbox.Record)
	closed  bool
}

func (b *batch) Records() []outbox.Record {
	return slices.Clone(b.records)
}

func (b *batch) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	return b.stage(id, func(r *outbox.Record) {
		r.Status = outbox.StatusPublished
		r.Processed = true
		r.ProcessedAt = &at
	})
}

func (b *batch) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	return b.stage(id, func(r *outbox.Record) {
		r.RetryCount++
		r.LastError = reason
	})
}

func (b *batch) MarkDeadLetter(_ context.Context, id uuid.UUID, reason string) error {
	return b.stage(id, func(r *outbox.Record) {
		r.Status = outbox.StatusDeadLetter
		r.LastError = reason
	})
}

func (b *batch) stage(id uuid.UUID, fn func(*outbox.Record)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return outbox.ErrBatchClosed
	}
	if !slices.ContainsFunc(b.records, func(r outbox.Record) bool { return r.ID == id }) {
		return fmt.Errorf("%w: %s", outbox.ErrNotInBatch, id)
	}
	b.staged[id] = fn
	return nil
}

func (b *batch) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return outbox.ErrBatchClosed
	}
	b.closed = true
	b.store.release(b.token, b.staged)
	return nil
}

// Release discards staged marks. Calling it after Commit is a no-op.
func (b *batch) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.store.release(b.token, nil)
	return nil
}

func clone(r outbox.Record) outbox.Record {
	r.Payload = slices.Clone(r.Payload)
	r.Headers = maps.Clone(r.Headers)
	if r.ProcessedAt != nil {
		at := *r.ProcessedAt
		r.ProcessedAt = &at
	}
	return r
}
