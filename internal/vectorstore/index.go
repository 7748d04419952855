// Package vectorstore adapts similarity search backends to the shape the
// memory layer needs: text in, scored documents out, scoped by collection.
package vectorstore

import (
	"context"
	"errors"
)

// CollectionKey is the metadata field used to scope documents to a memory
// collection. Backends filter on it by equality.
const CollectionKey = "collection_id"

// ContentKey and UnitIDKey hold a document's text and id in backends that
// keep them next to metadata. Metadata must not use them.
const (
	ContentKey = "content"
	UnitIDKey  = "unit_id"
)

// ErrNotFound is returned by Get and UpdateMetadata for unknown ids.
var ErrNotFound = errors.New("document not found")

// Document is a stored text with flat string metadata.
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// Hit is a Document returned by a similarity query.
type Hit struct {
	Document
	Score float32 `json:"score"`
}

// Query describes a similarity search inside one collection.
type Query struct {
	CollectionID string
	Text         string
	TopK         int
	MinScore     float32 // zero disables the filter
}

// Index is a similarity search service. Implementations embed text
// themselves; callers never see vectors.
type Index interface {
	Upsert(ctx context.Context, docs ...Document) error
	Query(ctx context.Context, q Query) ([]Hit, error)
	Get(ctx context.Context, id string) (*Document, error)
	// UpdateMetadata merges md into the document's metadata.
	UpdateMetadata(ctx context.Context, id string, md map[string]string) error
	// Delete removes ids; unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error
	// DeleteCollection removes every document in the collection and
	// reports how many were removed.
	DeleteCollection(ctx context.Context, collectionID string) (int, error)
	Ping(ctx context.Context) error
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	out := make(map[string]string, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
