package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/lexobe/CogLoop/internal/embedding"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemIndex is an in-process Index backed by chromem-go. All memory
// collections share one chromem collection and are told apart by metadata.
type ChromemIndex struct {
	col      *chromem.Collection
	embedder embedding.Provider
	mu       sync.Mutex // serializes read-modify-write in UpdateMetadata
	logger   *zap.Logger
}

// NewChromemIndex creates an empty in-memory index.
func NewChromemIndex(embedder embedding.Provider, logger *zap.Logger) (*ChromemIndex, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("cogloop", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create chromem collection: %w", err)
	}
	return &ChromemIndex{col: col, embedder: embedder, logger: logger}, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("chromem upsert: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("chromem upsert: got %d vectors for %d documents", len(vectors), len(docs))
	}
	for i, d := range docs {
		err := c.col.AddDocument(ctx, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Embedding: vectors[i],
			Metadata:  mergeMetadata(d.Metadata, nil),
		})
		if err != nil {
			return fmt.Errorf("chromem add %s: %w", d.ID, err)
		}
	}
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, q Query) ([]Hit, error) {
	n := q.TopK
	if total := c.col.Count(); n > total {
		// chromem rejects nResults larger than the collection.
		n = total
	}
	if n <= 0 {
		return nil, nil
	}
	vectors, err := c.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("chromem query: embedder returned no vector")
	}
	where := map[string]string{CollectionKey: q.CollectionID}
	results, err := c.col.QueryEmbedding(ctx, vectors[0], n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if q.MinScore > 0 && r.Similarity < q.MinScore {
			continue
		}
		hits = append(hits, Hit{
			Document: Document{ID: r.ID, Content: r.Content, Metadata: r.Metadata},
			Score:    r.Similarity,
		})
	}
	return hits, nil
}

func (c *ChromemIndex) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := c.col.GetByID(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return &Document{ID: doc.ID, Content: doc.Content, Metadata: mergeMetadata(doc.Metadata, nil)}, nil
}

func (c *ChromemIndex) UpdateMetadata(ctx context.Context, id string, md map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, err := c.col.GetByID(ctx, id)
	if err != nil {
		return ErrNotFound
	}
	doc.Metadata = mergeMetadata(doc.Metadata, md)
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem update %s: %w", id, err)
	}
	return nil
}

func (c *ChromemIndex) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

func (c *ChromemIndex) DeleteCollection(ctx context.Context, collectionID string) (int, error) {
	before := c.col.Count()
	if before == 0 {
		return 0, nil
	}
	if err := c.col.Delete(ctx, map[string]string{CollectionKey: collectionID}, nil); err != nil {
		return 0, fmt.Errorf("chromem delete collection %s: %w", collectionID, err)
	}
	removed := before - c.col.Count()
	c.logger.Debug("chromem collection cleared",
		zap.String("collection", collectionID),
		zap.Int("removed", removed))
	return removed, nil
}

func (c *ChromemIndex) Ping(context.Context) error { return nil }
