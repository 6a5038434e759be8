// Package memory provides an in-memory frontier record store for development
// and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wantnot/catalog-crawler/internal/frontier"
)

type recordKey struct {
	store string
	kind  frontier.Kind
}

// Store keeps job records in a map. One mutex serializes Update callers,
// matching the single-writer transaction the Postgres store provides.
type Store struct {
	mu      sync.Mutex
	records map[recordKey]frontier.Record
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[recordKey]frontier.Record)}
}

func clone(rec frontier.Record) frontier.Record {
	out := rec
	out.CategoryQueue = append([]string(nil), rec.CategoryQueue...)
	out.ItemQueue = append([]string(nil), rec.ItemQueue...)
	out.SeenBytes = append([]byte(nil), rec.SeenBytes...)
	if rec.Cookies != nil {
		out.Cookies = make(map[string]string, len(rec.Cookies))
		for k, v := range rec.Cookies {
			out.Cookies[k] = v
		}
	}
	return out
}

// Get returns the record for (store, kind), frontier.ErrNoJob if absent.
func (s *Store) Get(_ context.Context, store string, kind frontier.Kind) (frontier.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{store, kind}]
	if !ok {
		return frontier.Record{}, frontier.ErrNoJob
	}
	return clone(rec), nil
}

// Create inserts the record, frontier.ErrAlreadyRunning if one exists.
func (s *Store) Create(_ context.Context, rec frontier.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{rec.Store, rec.Kind}
	if _, ok := s.records[key]; ok {
		return frontier.ErrAlreadyRunning
	}
	s.records[key] = clone(rec)
	return nil
}

// Update applies fn under the store lock, persisting or deleting the record
// per fn's result.
func (s *Store) Update(_ context.Context, store string, kind frontier.Kind, fn func(rec *frontier.Record) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{store, kind}
	rec, ok := s.records[key]
	if !ok {
		return frontier.ErrNoJob
	}
	work := clone(rec)
	remove, err := fn(&work)
	if err != nil {
		return err
	}
	if remove {
		delete(s.records, key)
		return nil
	}
	work.ModifiedAt = time.Now().UTC()
	s.records[key] = work
	return nil
}

// Exists reports whether a record exists for (store, kind).
func (s *Store) Exists(_ context.Context, store string, kind frontier.Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[recordKey{store, kind}]
	return ok, nil
}
