package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lexobe/CogLoop/internal/identity"
	"github.com/lexobe/CogLoop/internal/vectorstore"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Store manages cognitive units on top of a similarity index.
type Store struct {
	index  vectorstore.Index
	params WeightParams
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a unit store over index with fixed weight parameters.
func NewStore(index vectorstore.Index, params WeightParams, logger *zap.Logger) *Store {
	return &Store{
		index:  index,
		params: params,
		logger: logger,
		now:    time.Now,
	}
}

// Params returns the weight parameters of this session.
func (s *Store) Params() WeightParams {
	return s.params
}

// Ping checks the underlying index.
func (s *Store) Ping(ctx context.Context) error {
	return s.index.Ping(ctx)
}

// NewUnit is the input for a single unit in a batch add.
type NewUnit struct {
	Content string           `json:"content"`
	Custom  map[string]Value `json:"metadata,omitempty"`
}

// Add stores content in a collection and returns its content-addressed id.
// Adding the same content again keeps the existing weight and access
// history and merges the custom metadata.
func (s *Store) Add(ctx context.Context, collectionID, content string, custom map[string]Value) (string, error) {
	ids, err := s.AddBatch(ctx, collectionID, []NewUnit{{Content: content, Custom: custom}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddUnique stores content under a fresh random id, allowing duplicates.
func (s *Store) AddUnique(ctx context.Context, collectionID, content string, custom map[string]Value) (string, error) {
	now := s.now()
	u := s.fresh(identity.Unique(collectionID, content), collectionID, content, custom, now)
	md, err := encodeUnit(u)
	if err != nil {
		return "", err
	}
	if err := s.index.Upsert(ctx, vectorstore.Document{ID: u.ID, Content: content, Metadata: md}); err != nil {
		return "", fmt.Errorf("add unit: %w", err)
	}
	return u.ID, nil
}

// AddBatch stores several units in one write and returns their ids in
// input order. Duplicate contents within the batch collapse to one unit.
func (s *Store) AddBatch(ctx context.Context, collectionID string, items []NewUnit) ([]string, error) {
	if collectionID == "" {
		return nil, fmt.Errorf("add units: collection id is required")
	}
	if len(items) == 0 {
		return nil, nil
	}
	now := s.now()
	ids := lo.Map(items, func(it NewUnit, _ int) string {
		return identity.ID(collectionID, it.Content)
	})

	docs := make([]vectorstore.Document, 0, len(items))
	seen := make(map[string]int, len(items))
	for i, it := range items {
		id := ids[i]
		u := s.fresh(id, collectionID, it.Content, it.Custom, now)
		if existing, err := s.index.Get(ctx, id); err == nil {
			prev := decodeUnit(*existing)
			u.Weight = prev.Weight
			u.AccessCount = prev.AccessCount
			u.LastAccess = prev.LastAccess
			u.CreatedAt = prev.CreatedAt
			u.UpdatedAt = now
			u.Custom = mergeValues(prev.Custom, it.Custom)
		} else if !errors.Is(err, vectorstore.ErrNotFound) {
			return nil, fmt.Errorf("add unit %s: %w", id, err)
		}
		md, err := encodeUnit(u)
		if err != nil {
			return nil, err
		}
		doc := vectorstore.Document{ID: id, Content: it.Content, Metadata: md}
		if j, dup := seen[id]; dup {
			docs[j] = doc
			continue
		}
		seen[id] = len(docs)
		docs = append(docs, doc)
	}

	if err := s.index.Upsert(ctx, docs...); err != nil {
		return nil, fmt.Errorf("add units: %w", err)
	}
	s.logger.Debug("units added",
		zap.String("collection", collectionID),
		zap.Int("units", len(docs)))
	return ids, nil
}

func (s *Store) fresh(id, collectionID, content string, custom map[string]Value, now time.Time) Unit {
	return Unit{
		ID:           id,
		Content:      content,
		CollectionID: collectionID,
		Weight:       s.params.Compute(0, now, now, 0),
		LastAccess:   now,
		CreatedAt:    now,
		Custom:       custom,
		hasWeight:    true,
	}
}

// Get returns a unit by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Unit, error) {
	doc, err := s.index.Get(ctx, id)
	if errors.Is(err, vectorstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get unit %s: %w", id, err)
	}
	u := decodeUnit(*doc)
	return &u, nil
}

// Update merges custom metadata into an existing unit and stamps updated_at.
func (s *Store) Update(ctx context.Context, id string, custom map[string]Value) error {
	md, err := encodeCustom(custom, true)
	if err != nil {
		return err
	}
	md[KeyUpdatedAt] = formatTime(s.now())
	err = s.index.UpdateMetadata(ctx, id, md)
	if errors.Is(err, vectorstore.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update unit %s: %w", id, err)
	}
	return nil
}

// Reinforce applies one weight update to the unit as of now: the stored
// weight is recomputed from its last access and access count, the count is
// incremented, and last_access becomes now.
func (s *Store) Reinforce(ctx context.Context, id string, now time.Time) (*Unit, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Weight = s.params.Compute(u.Weight, u.LastAccess, now, u.AccessCount)
	u.AccessCount++
	u.LastAccess = now
	u.UpdatedAt = now

	err = s.index.UpdateMetadata(ctx, id, map[string]string{
		KeyWeight:      formatFloat(u.Weight),
		KeyAccessCount: fmt.Sprint(u.AccessCount),
		KeyLastAccess:  formatTime(now),
		KeyUpdatedAt:   formatTime(now),
	})
	if errors.Is(err, vectorstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reinforce unit %s: %w", id, err)
	}
	return u, nil
}

// Delete removes a unit. Deleting an unknown id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.DeleteBatch(ctx, []string{id})
}

// DeleteBatch removes several units. Unknown ids are ignored.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) error {
	ids = lo.Uniq(lo.Compact(ids))
	if len(ids) == 0 {
		return nil
	}
	if err := s.index.Delete(ctx, ids...); err != nil {
		return fmt.Errorf("delete units: %w", err)
	}
	return nil
}

// Clear removes every unit in a collection and reports how many went.
func (s *Store) Clear(ctx context.Context, collectionID string) (int, error) {
	if collectionID == "" {
		return 0, fmt.Errorf("clear: collection id is required")
	}
	n, err := s.index.DeleteCollection(ctx, collectionID)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", collectionID, err)
	}
	s.logger.Info("collection cleared",
		zap.String("collection", collectionID),
		zap.Int("removed", n))
	return n, nil
}

// Search runs a similarity query scoped to a collection.
func (s *Store) Search(ctx context.Context, collectionID, text string, topK int, minScore float64) ([]Candidate, error) {
	hits, err := s.index.Query(ctx, vectorstore.Query{
		CollectionID: collectionID,
		Text:         text,
		TopK:         topK,
		MinScore:     float32(minScore),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collectionID, err)
	}
	return lo.Map(hits, func(h vectorstore.Hit, _ int) Candidate {
		return Candidate{Unit: decodeUnit(h.Document), Score: float64(h.Score)}
	}), nil
}

func mergeValues(a, b map[string]Value) map[string]Value {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]Value, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
