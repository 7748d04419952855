package memory

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lexobe/CogLoop/internal/embedding"
	"github.com/lexobe/CogLoop/internal/identity"
	"github.com/lexobe/CogLoop/internal/vectorstore"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	idx, err := vectorstore.NewChromemIndex(embedding.NewHashProvider(64), zap.NewNop())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	s := NewStore(idx, DefaultWeightParams(), zap.NewNop())
	s.now = func() time.Time { return t0 }
	return s
}

func TestAddSeedsMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Add(ctx, "set", "water boils at 100C", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id != identity.ID("set", "water boils at 100C") {
		t.Errorf("id %s is not content-addressed", id)
	}
	u, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.Weight != 0.45 {
		t.Errorf("weight = %v, want 0.45", u.Weight)
	}
	if u.AccessCount != 0 {
		t.Errorf("access_count = %d", u.AccessCount)
	}
	if !u.CreatedAt.Equal(t0) || !u.LastAccess.Equal(t0) {
		t.Errorf("timestamps = %v / %v, want %v", u.CreatedAt, u.LastAccess, t0)
	}
	if u.CollectionID != "set" || u.Content != "water boils at 100C" {
		t.Errorf("unexpected unit %+v", u)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.Add(ctx, "set", "same thought", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.Reinforce(ctx, first, t0.Add(time.Hour)); err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	second, err := s.Add(ctx, "set", "same thought", map[string]Value{"tag": RawValue("again")})
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if first != second {
		t.Fatalf("re-adding produced a new id")
	}

	hits, err := s.Search(ctx, "set", "same thought", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d stored units, want 1", len(hits))
	}
	if hits[0].AccessCount != 1 {
		t.Errorf("re-add reset access history: access_count = %d", hits[0].AccessCount)
	}
	if hits[0].Custom["tag"].Raw != "again" {
		t.Errorf("custom metadata not merged: %v", hits[0].Custom)
	}
}

func TestAddSameContentOtherCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, _ := s.Add(ctx, "one", "shared", nil)
	b, _ := s.Add(ctx, "two", "shared", nil)
	if a == b {
		t.Error("different collections produced the same id")
	}
}

func TestAddUniqueAllowsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.AddUnique(ctx, "set", "dup", nil)
	if err != nil {
		t.Fatalf("add unique: %v", err)
	}
	b, err := s.AddUnique(ctx, "set", "dup", nil)
	if err != nil {
		t.Fatalf("add unique: %v", err)
	}
	if a == b {
		t.Fatal("unique ids collided")
	}
	hits, _ := s.Search(ctx, "set", "dup", 10, 0)
	if len(hits) != 2 {
		t.Errorf("got %d units, want 2", len(hits))
	}
}

func TestAddBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ids, err := s.AddBatch(ctx, "set", []NewUnit{
		{Content: "alpha"},
		{Content: "beta"},
		{Content: "alpha"},
	})
	if err != nil {
		t.Fatalf("add batch: %v", err)
	}
	if len(ids) != 3 || ids[0] != ids[2] || ids[0] == ids[1] {
		t.Fatalf("unexpected ids %v", ids)
	}
	hits, _ := s.Search(ctx, "set", "alpha beta", 10, 0)
	if len(hits) != 2 {
		t.Errorf("got %d units, want 2", len(hits))
	}
	if _, err := s.AddBatch(ctx, "", []NewUnit{{Content: "x"}}); err == nil {
		t.Error("expected error for empty collection id")
	}
}

func TestReinforce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, _ := s.Add(ctx, "set", "reinforce me", nil)

	now := t0.Add(time.Hour)
	u, err := s.Reinforce(ctx, id, now)
	if err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	want := 0.45*math.Exp(-0.85) - 0.05
	if math.Abs(u.Weight-want) > 1e-12 {
		t.Errorf("weight = %v, want %v", u.Weight, want)
	}
	if u.AccessCount != 1 || !u.LastAccess.Equal(now) {
		t.Errorf("access state = %d / %v", u.AccessCount, u.LastAccess)
	}

	stored, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if math.Abs(stored.Weight-u.Weight) > 1e-12 || stored.AccessCount != 1 || !stored.LastAccess.Equal(now) {
		t.Errorf("reinforcement not persisted: %+v", stored)
	}
	if !stored.UpdatedAt.Equal(now) {
		t.Errorf("updated_at = %v, want %v", stored.UpdatedAt, now)
	}

	// The second update uses the incremented count.
	u2, err := s.Reinforce(ctx, id, now)
	if err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	want2 := u.Weight*1.3 - 0.05
	if math.Abs(u2.Weight-want2) > 1e-12 {
		t.Errorf("second weight = %v, want %v", u2.Weight, want2)
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	missing := identity.ID("set", "never stored")
	if _, err := s.Get(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("get: got %v, want ErrNotFound", err)
	}
	if err := s.Update(ctx, missing, map[string]Value{"k": RawValue("v")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update: got %v, want ErrNotFound", err)
	}
	if _, err := s.Reinforce(ctx, missing, t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("reinforce: got %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, missing); err != nil {
		t.Errorf("delete of missing id should succeed, got %v", err)
	}
}

func TestUpdateTaggedValues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tags, err := StructuredValue([]string{"a", "b"})
	if err != nil {
		t.Fatalf("structured: %v", err)
	}
	id, err := s.Add(ctx, "set", "tagged", map[string]Value{
		"tags":   tags,
		"looks":  RawValue(`{"not":"decoded"}`),
		"source": RawValue("seed"),
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	u, _ := s.Get(ctx, id)
	var got []string
	if u.Custom["tags"].Kind != KindStructured {
		t.Fatalf("tags lost its structured tag: %+v", u.Custom["tags"])
	}
	if err := u.Custom["tags"].Decode(&got); err != nil || len(got) != 2 || got[1] != "b" {
		t.Errorf("decode tags = %v, %v", got, err)
	}
	if v := u.Custom["looks"]; v.Kind != KindRaw || v.Raw != `{"not":"decoded"}` {
		t.Errorf("JSON-looking raw string was reinterpreted: %+v", v)
	}

	// Overwrite the structured field with a raw one.
	if err := s.Update(ctx, id, map[string]Value{"tags": RawValue("plain")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	u, _ = s.Get(ctx, id)
	if v := u.Custom["tags"]; v.Kind != KindRaw || v.Raw != "plain" {
		t.Errorf("tags after update = %+v", v)
	}
	if u.Custom["source"].Raw != "seed" {
		t.Errorf("unrelated metadata lost: %v", u.Custom)
	}
	if !u.UpdatedAt.Equal(t0) {
		t.Errorf("updated_at not stamped: %v", u.UpdatedAt)
	}

	if err := s.Update(ctx, id, map[string]Value{"weight": RawValue("1")}); !errors.Is(err, ErrReservedKey) {
		t.Errorf("reserved key: err = %v", err)
	}
}

func TestValueJSON(t *testing.T) {
	var m map[string]Value
	if err := json.Unmarshal([]byte(`{"s":"{\"x\":1}","o":{"x":1},"n":3}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["s"].Kind != KindRaw || m["o"].Kind != KindStructured || m["n"].Kind != KindStructured {
		t.Errorf("kinds = %v %v %v", m["s"].Kind, m["o"].Kind, m["n"].Kind)
	}
	out, err := json.Marshal(m["s"])
	if err != nil || string(out) != `"{\"x\":1}"` {
		t.Errorf("raw marshal = %s, %v", out, err)
	}
}

func TestDeleteBatchAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ids, _ := s.AddBatch(ctx, "a", []NewUnit{{Content: "one"}, {Content: "two"}, {Content: "three"}})
	keep, _ := s.Add(ctx, "b", "other collection", nil)

	if err := s.DeleteBatch(ctx, []string{ids[0], ids[0], ""}); err != nil {
		t.Fatalf("delete batch: %v", err)
	}
	if _, err := s.Get(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Error("deleted unit still readable")
	}

	n, err := s.Clear(ctx, "a")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d, want 2", n)
	}
	if _, err := s.Get(ctx, keep); err != nil {
		t.Errorf("clear touched another collection: %v", err)
	}
	if _, err := s.Clear(ctx, ""); err == nil {
		t.Error("expected error for empty collection id")
	}
}

// updateRecorder remembers every metadata write that reaches the index.
type updateRecorder struct {
	vectorstore.Index
	writes []map[string]string
}

func (r *updateRecorder) UpdateMetadata(ctx context.Context, id string, md map[string]string) error {
	r.writes = append(r.writes, md)
	return r.Index.UpdateMetadata(ctx, id, md)
}

func TestContentAndIDAreImmutable(t *testing.T) {
	ctx := context.Background()
	idx, err := vectorstore.NewChromemIndex(embedding.NewHashProvider(64), zap.NewNop())
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	rec := &updateRecorder{Index: idx}
	s := NewStore(rec, DefaultWeightParams(), zap.NewNop())

	id, err := s.Add(ctx, "set", "the map is not the territory", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, key := range []string{KeyContent, KeyUnitID} {
		err := s.Update(ctx, id, map[string]Value{key: RawValue("hijacked")})
		if !errors.Is(err, ErrReservedKey) {
			t.Errorf("update %s: err = %v, want ErrReservedKey", key, err)
		}
	}
	if len(rec.writes) != 0 {
		t.Errorf("reserved update reached the index: %v", rec.writes)
	}
	if _, err := s.Add(ctx, "set", "another", map[string]Value{KeyContent: RawValue("x")}); !errors.Is(err, ErrReservedKey) {
		t.Errorf("add with content metadata: err = %v", err)
	}

	u, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.ID != id || u.Content != "the map is not the territory" {
		t.Errorf("unit changed: %+v", u)
	}
}
