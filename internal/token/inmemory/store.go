// Package inmemory provides a Store backed by a mutex-guarded map,
// suitable for tests and single-node deployments.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/searchwarden/searchwarden/internal/token"
)

// Store is an in-memory credential store. The zero value is not usable;
// use New.
type Store struct {
	mu      sync.RWMutex
	records map[string]*token.Record
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]*token.Record)}
}

var _ token.Store = (*Store)(nil)

// Create persists the record. Duplicate ids are rejected.
func (s *Store) Create(_ context.Context, rec *token.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("credential %s already exists", rec.ID)
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(_ context.Context, id string) (*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", token.ErrNoSuchCredential, id)
	}
	cp := *rec
	return &cp, nil
}

// Delete removes the record.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", token.ErrNoSuchCredential, id)
	}
	delete(s.records, id)
	return nil
}

// Search returns matching records, newest first.
func (s *Store) Search(_ context.Context, q token.Query) ([]*token.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*token.Record
	for _, rec := range s.records {
		if q.Subject != "" && rec.Subject != q.Subject {
			continue
		}
		if q.Name != "" && rec.Name != q.Name {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
