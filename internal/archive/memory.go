package archive

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in memory. Test use only.
type MemoryStore struct {
	mu    sync.Mutex
	pages map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pages: make(map[string][]byte)}
}

func (s *MemoryStore) PutPage(_ context.Context, store, url string, body []byte) (string, error) {
	path := PagePath("", store, url)
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(body))
	copy(buf, body)
	s.pages[path] = buf
	return "mem://" + path, nil
}

// Get returns the stored snapshot for a store/url pair.
func (s *MemoryStore) Get(store, url string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.pages[PagePath("", store, url)]
	return body, ok
}

// Len reports the number of archived pages.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}
