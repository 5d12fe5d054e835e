package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

// DocumentStore keeps ingested documents grouped by collection.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string][]harvest.Document
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string][]harvest.Document)}
}

// Insert appends doc to its collection.
func (s *DocumentStore) Insert(_ context.Context, doc harvest.Document) error {
	if doc.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	doc.Fields = maps.Clone(doc.Fields)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[doc.Collection] = append(s.collections[doc.Collection], doc)
	return nil
}

// Documents returns the documents stored in collection, in insertion order.
func (s *DocumentStore) Documents(collection string) []harvest.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]harvest.Document(nil), s.collections[collection]...)
}
