package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// memStore keeps records in a map. Suitable for tests and single-node
// deployments that don't need status to survive a restart.
type memStore struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &memStore{recs: make(map[string]*Record)}
}

func (m *memStore) Create(_ context.Context, rec Record) error {
	if rec.State == "" {
		rec.State = StatePending
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	m.mu.Lock()
	m.recs[rec.ID] = &rec
	m.mu.Unlock()
	return nil
}

func (m *memStore) MarkStarted(_ context.Context, id string, now time.Time) error {
	return m.update(id, func(r *Record) {
		r.State = StateStarted
		r.UpdatedAt = now
	})
}

func (m *memStore) SetProgress(_ context.Context, id string, meta json.RawMessage, now time.Time) error {
	return m.update(id, func(r *Record) {
		r.State = StateProgress
		r.Meta = cloneRaw(meta)
		r.UpdatedAt = now
	})
}

func (m *memStore) MarkSuccess(_ context.Context, id string, result json.RawMessage, now time.Time) error {
	return m.update(id, func(r *Record) {
		r.State = StateSuccess
		r.Result = cloneRaw(result)
		r.Error = ""
		r.UpdatedAt = now
	})
}

func (m *memStore) MarkFailure(_ context.Context, id string, errMsg string, attempts int, now time.Time) error {
	return m.update(id, func(r *Record) {
		r.State = StateFailure
		r.Error = errMsg
		r.Attempts = attempts
		r.UpdatedAt = now
	})
}

func (m *memStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	r, ok := m.recs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.Meta = cloneRaw(r.Meta)
	cp.Result = cloneRaw(r.Result)
	return &cp, nil
}

func (m *memStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	n := 0
	m.mu.Lock()
	for id, r := range m.recs {
		if r.Terminal() && r.UpdatedAt.Before(olderThan) {
			delete(m.recs, id)
			n++
		}
	}
	m.mu.Unlock()
	return n, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) update(id string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	fn(r)
	return nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	cp := make(json.RawMessage, len(b))
	copy(cp, b)
	return cp
}
