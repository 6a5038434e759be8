// Package memory provides an in-memory search index for development and
// tests.
package memory

import (
	"context"
	"sync"

	"github.com/wantnot/catalog-crawler/internal/index"
)

// Index stores documents in a map keyed by document id.
type Index struct {
	mu   sync.RWMutex
	docs map[string]index.Document
}

// NewIndex constructs an empty Index.
func NewIndex() *Index {
	return &Index{docs: make(map[string]index.Document)}
}

// Upsert writes documents, last write winning per id.
func (i *Index) Upsert(_ context.Context, docs []index.Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, doc := range docs {
		i.docs[doc.ID] = doc
	}
	return nil
}

// Delete retracts documents by id; absent ids are ignored.
func (i *Index) Delete(_ context.Context, ids []string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, id := range ids {
		delete(i.docs, id)
	}
	return nil
}

// Get returns a document by id for test assertions.
func (i *Index) Get(id string) (index.Document, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	doc, ok := i.docs[id]
	return doc, ok
}

// Len returns the number of stored documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}
