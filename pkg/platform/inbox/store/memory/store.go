package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"regtech/pkg/platform/inbox"
	"regtech/pkg/platform/sentinel"
)

type key struct {
	consumer string
	eventID  string
}

// InMemoryStore is an inbox journal for tests and single-process deployments.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[key]*inbox.Message
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{messages: make(map[key]*inbox.Message)}
}

func (s *InMemoryStore) Receive(_ context.Context, msg inbox.Message) (inbox.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{msg.Consumer, msg.EventID}
	if existing, ok := s.messages[k]; ok {
		return clone(*existing), false, nil
	}
	if msg.Status == "" {
		msg.Status = inbox.StatusReceived
	}
	stored := clone(msg)
	s.messages[k] = &stored
	return clone(stored), true, nil
}

func (s *InMemoryStore) Transition(_ context.Context, consumer, eventID string, u inbox.Update) (inbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[key{consumer, eventID}]
	if !ok {
		return inbox.Message{}, fmt.Errorf("inbox message %s/%s: %w", consumer, eventID, sentinel.ErrNotFound)
	}
	if !m.Status.CanTransitionTo(u.To) {
		return inbox.Message{}, fmt.Errorf("inbox message %s/%s %s -> %s: %w", consumer, eventID, m.Status, u.To, sentinel.ErrInvalidState)
	}
	inbox.Apply(m, u)
	return clone(*m), nil
}

func (s *InMemoryStore) ListRetryable(_ context.Context, consumer string, now time.Time, limit int) ([]inbox.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []inbox.Message
	for _, m := range s.messages {
		if m.Consumer != consumer || m.Status != inbox.StatusFailed {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		due = append(due, clone(*m))
	}
	slices.SortFunc(due, func(a, b inbox.Message) int {
		return retryAt(a).Compare(retryAt(b))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) Stats(_ context.Context, consumer string) (inbox.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st inbox.Stats
	for _, m := range s.messages {
		if m.Consumer != consumer {
			continue
		}
		switch m.Status {
		case inbox.StatusReceived:
			st.Received++
		case inbox.StatusProcessing:
			st.Processing++
		case inbox.StatusCompleted:
			st.Completed++
		case inbox.StatusSkipped:
			st.Skipped++
		case inbox.StatusFailed:
			st.Failed++
		case inbox.StatusDeadLetter:
			st.DeadLetter++
		}
	}
	return st, nil
}

func (s *InMemoryStore) PurgeProcessed(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, m := range s.messages {
		if m.Status != inbox.StatusCompleted && m.Status != inbox.StatusSkipped {
			continue
		}
		if m.ProcessedAt != nil && m.ProcessedAt.Before(cutoff) {
			delete(s.messages, k)
			n++
		}
	}
	return n, nil
}

// Get returns the journal entry for one delivery.
func (s *InMemoryStore) Get(consumer, eventID string) (inbox.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[key{consumer, eventID}]
	if !ok {
		return inbox.Message{}, false
	}
	return clone(*m), true
}

func retryAt(m inbox.Message) time.Time {
	if m.NextRetryAt == nil {
		return m.UpdatedAt
	}
	return *m.NextRetryAt
}

func clone(m inbox.Message) inbox.Message {
	out := m
	out.Payload = slices.Clone(m.Payload)
	out.Headers = maps.Clone(m.Headers)
	if m.NextRetryAt != nil {
		t := *m.NextRetryAt
		out.NextRetryAt = &t
	}
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		out.ProcessedAt = &t
	}
	return out
}
