package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lexobe/CogLoop/internal/embedding"
	"github.com/lexobe/CogLoop/internal/journal"
	"github.com/lexobe/CogLoop/internal/memory"
	"github.com/lexobe/CogLoop/internal/provider"
	"github.com/lexobe/CogLoop/internal/scheduler"
	"github.com/lexobe/CogLoop/internal/think"
	"github.com/lexobe/CogLoop/internal/vectorstore"
	"go.uber.org/zap"
)

const finalReply = `{"next_thought": "", "activated_cog_ids": ["1"], "log": "done", "generated_cog_texts": ["rest matters"], "function_calls": []}`

type stubLLM struct {
	reply     string
	healthErr error
}

func (s *stubLLM) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return &provider.CompletionResponse{Content: s.reply}, nil
}

func (s *stubLLM) HealthCheck(ctx context.Context) error { return s.healthErr }

// newTestServer wires the API over an in-process chromem index and a stub LLM.
func newTestServer(t *testing.T, llm *stubLLM, sched *scheduler.Scheduler) (*httptest.Server, *memory.Store) {
	t.Helper()
	logger := zap.NewNop()
	idx, err := vectorstore.NewChromemIndex(embedding.NewHashProvider(64), logger)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	store := memory.NewStore(idx, memory.DefaultWeightParams(), logger)
	recaller := memory.NewRecaller(store, memory.RecallOpts{RetryDelay: time.Millisecond}, logger)
	cycle := think.NewCycle(store, recaller, llm, nil, think.Config{PersistDelay: time.Millisecond}, logger)

	h := NewHandler(Deps{
		Store:         store,
		Recaller:      recaller,
		Loop:          think.NewLoop(cycle, logger),
		LLM:           llm,
		Scheduler:     sched,
		MaxIterations: 3,
	}, logger)
	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, ts.URL+path, rd)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	ts, _ := newTestServer(t, &stubLLM{}, nil)
	resp := doJSON(t, ts, "GET", "/api/health", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	decodeJSON(t, resp, &body)
	if body.Status != "ok" || body.Components["index"] != "ok" || body.Components["llm"] != "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthCheckDegraded(t *testing.T) {
	ts, _ := newTestServer(t, &stubLLM{healthErr: errors.New("401 unauthorized")}, nil)
	resp := doJSON(t, ts, "GET", "/api/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	decodeJSON(t, resp, &body)
	if body.Status != "degraded" || body.Components["llm"] != "401 unauthorized" {
		t.Errorf("body = %+v", body)
	}
}

func TestUnitLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, &stubLLM{reply: finalReply}, nil)

	// Add one
	resp := doJSON(t, ts, "POST", "/api/collections/c1/units", map[string]any{
		"content":  "sleep restores focus",
		"metadata": map[string]any{"source": "notes", "tags": []string{"health"}},
	})
	if resp.StatusCode != 201 {
		t.Fatalf("add: expected 201, got %d", resp.StatusCode)
	}
	var added struct {
		IDs []string `json:"ids"`
	}
	decodeJSON(t, resp, &added)
	if len(added.IDs) != 1 {
		t.Fatalf("ids = %v", added.IDs)
	}
	id := added.IDs[0]

	// Get
	resp = doJSON(t, ts, "GET", "/api/collections/c1/units/"+id, nil)
	var u memory.Unit
	decodeJSON(t, resp, &u)
	if u.Content != "sleep restores focus" || u.Custom["source"].Raw != "notes" {
		t.Errorf("unit = %+v", u)
	}
	if u.Custom["tags"].Kind != memory.KindStructured {
		t.Errorf("tags should stay structured: %+v", u.Custom["tags"])
	}

	// Wrong collection hides it
	resp = doJSON(t, ts, "GET", "/api/collections/other/units/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("other collection: expected 404, got %d", resp.StatusCode)
	}

	// Patch
	resp = doJSON(t, ts, "PATCH", "/api/collections/c1/units/"+id, map[string]any{
		"metadata": map[string]any{"source": "journal"},
	})
	decodeJSON(t, resp, &u)
	if u.Custom["source"].Raw != "journal" {
		t.Errorf("patched unit = %+v", u)
	}

	// Reserved keys are rejected
	resp = doJSON(t, ts, "PATCH", "/api/collections/c1/units/"+id, map[string]any{
		"metadata": map[string]any{"weight": "1"},
	})
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("reserved key: expected 400, got %d", resp.StatusCode)
	}

	// Delete
	resp = doJSON(t, ts, "DELETE", "/api/collections/c1/units/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != 204 {
		t.Errorf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp = doJSON(t, ts, "GET", "/api/collections/c1/units/"+id, nil)
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("after delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestAddValidation(t *testing.T) {
	ts, _ := newTestServer(t, &stubLLM{}, nil)
	for _, body := range []any{
		map[string]string{"content": "  "},
		map[string]any{"units": []map[string]string{{"content": "ok"}, {"content": ""}}},
	} {
		resp := doJSON(t, ts, "POST", "/api/collections/c1/units", body)
		resp.Body.Close()
		if resp.StatusCode != 400 {
			t.Errorf("%v: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestBatchDeleteAndClear(t *testing.T) {
	ts, store := newTestServer(t, &stubLLM{}, nil)
	ctx := context.Background()

	resp := doJSON(t, ts, "POST", "/api/collections/c1/units", map[string]any{
		"units": []map[string]string{{"content": "a"}, {"content": "b"}, {"content": "c"}},
	})
	var added struct {
		IDs []string `json:"ids"`
	}
	decodeJSON(t, resp, &added)
	if len(added.IDs) != 3 {
		t.Fatalf("ids = %v", added.IDs)
	}
	foreign, err := store.Add(ctx, "c2", "elsewhere", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp = doJSON(t, ts, "POST", "/api/collections/c1/units/delete", map[string]any{
		"ids": []string{added.IDs[0], foreign, "missing"},
	})
	var deleted struct {
		Deleted []string `json:"deleted"`
	}
	decodeJSON(t, resp, &deleted)
	if len(deleted.Deleted) != 1 || deleted.Deleted[0] != added.IDs[0] {
		t.Errorf("deleted = %v", deleted.Deleted)
	}
	if _, err := store.Get(ctx, foreign); err != nil {
		t.Errorf("unit of another collection was removed: %v", err)
	}

	resp = doJSON(t, ts, "DELETE", "/api/collections/c1", nil)
	var cleared map[string]int
	decodeJSON(t, resp, &cleared)
	if cleared["removed"] != 2 {
		t.Errorf("removed = %d, want 2", cleared["removed"])
	}
}

func TestRecall(t *testing.T) {
	ts, store := newTestServer(t, &stubLLM{}, nil)
	ctx := context.Background()
	for _, c := range []string{"small daily habits", "exercise improves mood", "sleep restores focus"} {
		if _, err := store.Add(ctx, "c1", c, nil); err != nil {
			t.Fatal(err)
		}
	}

	resp := doJSON(t, ts, "POST", "/api/collections/c1/recall", map[string]string{"query": "daily habits"})
	if resp.StatusCode != 200 {
		t.Fatalf("recall: expected 200, got %d", resp.StatusCode)
	}
	var res memory.RecallResult
	decodeJSON(t, resp, &res)
	if len(res.All) != 3 || len(res.Activated) != 1 {
		t.Errorf("all = %d, activated = %d", len(res.All), len(res.Activated))
	}

	resp = doJSON(t, ts, "POST", "/api/collections/c1/recall", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("empty query: expected 400, got %d", resp.StatusCode)
	}
}

func TestThink(t *testing.T) {
	ts, store := newTestServer(t, &stubLLM{reply: finalReply}, nil)
	if _, err := store.Add(context.Background(), "c1", "sleep restores focus", nil); err != nil {
		t.Fatal(err)
	}

	resp := doJSON(t, ts, "POST", "/api/collections/c1/think", map[string]any{"input": "how to focus", "max_iterations": 50})
	if resp.StatusCode != 200 {
		t.Fatalf("think: expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		CollectionID string         `json:"collection_id"`
		Records      []think.Record `json:"records"`
	}
	decodeJSON(t, resp, &body)
	if body.CollectionID != "c1" || len(body.Records) != 1 {
		t.Fatalf("body = %+v", body)
	}
	if body.Records[0].Log != "done" || len(body.Records[0].ActivatedIDs) != 1 {
		t.Errorf("record = %+v", body.Records[0])
	}

	resp = doJSON(t, ts, "POST", "/api/collections/c1/think", map[string]any{"input": ""})
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("empty input: expected 400, got %d", resp.StatusCode)
	}
}

func TestThinkStream(t *testing.T) {
	looping := `{"next_thought": "again", "activated_cog_ids": [], "log": "", "generated_cog_texts": [], "function_calls": []}`
	ts, _ := newTestServer(t, &stubLLM{reply: looping}, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/think"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	if err := conn.WriteJSON(thinkRequest{CollectionID: "c1", Input: "start", MaxIterations: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var events []streamEvent
	for {
		var ev streamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v (events so far %+v)", err, events)
		}
		events = append(events, ev)
		if ev.Type != "cycle" {
			break
		}
	}
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Iteration != 1 || events[1].Iteration != 2 || events[1].Record.NextThought != "again" {
		t.Errorf("cycle events = %+v", events[:2])
	}
	if done := events[2]; done.Type != "done" || done.Cycles != 2 || done.CollectionID != "c1" {
		t.Errorf("done event = %+v", done)
	}
}

func TestSchedules(t *testing.T) {
	var ran []string
	sched := scheduler.New(func(ctx context.Context, s scheduler.Session) error {
		ran = append(ran, s.Name)
		return nil
	}, zap.NewNop())
	if err := sched.Add(scheduler.Session{Name: "nightly", Spec: "@daily", Input: "reflect", MaxIterations: 1}); err != nil {
		t.Fatal(err)
	}
	ts, _ := newTestServer(t, &stubLLM{}, sched)

	resp := doJSON(t, ts, "POST", "/api/schedules/nightly/run", nil)
	resp.Body.Close()
	if resp.StatusCode != 200 || len(ran) != 1 {
		t.Fatalf("run: status %d, ran %v", resp.StatusCode, ran)
	}

	resp = doJSON(t, ts, "GET", "/api/schedules", nil)
	var st []scheduler.Status
	decodeJSON(t, resp, &st)
	if len(st) != 1 || st[0].Runs != 1 {
		t.Errorf("status = %+v", st)
	}
}

type fakeJournal struct {
	entries []journal.Entry
	asked   int64
}

func (f *fakeJournal) Recent(ctx context.Context, collectionID string, n int64) ([]journal.Entry, error) {
	f.asked = n
	var out []journal.Entry
	for _, e := range f.entries {
		if e.CollectionID == collectionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeActivations map[string]int64

func (f fakeActivations) Activations(ctx context.Context, unitID string) (int64, error) {
	return f[unitID], nil
}

func TestCyclesAndActivations(t *testing.T) {
	logger := zap.NewNop()
	idx, err := vectorstore.NewChromemIndex(embedding.NewHashProvider(64), logger)
	if err != nil {
		t.Fatal(err)
	}
	store := memory.NewStore(idx, memory.DefaultWeightParams(), logger)
	id, err := store.Add(context.Background(), "c1", "walks clear the head", nil)
	if err != nil {
		t.Fatal(err)
	}

	bare := httptest.NewServer(NewHandler(Deps{Store: store}, logger).Router())
	defer bare.Close()
	resp := doJSON(t, bare, "GET", "/api/collections/c1/cycles", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("cycles without journal: status %d", resp.StatusCode)
	}

	j := &fakeJournal{entries: []journal.Entry{
		{CycleID: "a", CollectionID: "c1", Input: "why walk"},
		{CycleID: "b", CollectionID: "c2", Input: "other"},
	}}
	ts := httptest.NewServer(NewHandler(Deps{
		Store:       store,
		Journal:     j,
		Activations: fakeActivations{id: 4},
	}, logger).Router())
	defer ts.Close()

	resp = doJSON(t, ts, "GET", "/api/collections/c1/cycles?limit=5", nil)
	var entries []journal.Entry
	decodeJSON(t, resp, &entries)
	if len(entries) != 1 || entries[0].CycleID != "a" || j.asked != 5 {
		t.Errorf("cycles = %+v, limit %d", entries, j.asked)
	}

	resp = doJSON(t, ts, "GET", "/api/collections/c3/cycles", nil)
	var none []journal.Entry
	decodeJSON(t, resp, &none)
	if none == nil || len(none) != 0 || j.asked != 20 {
		t.Errorf("empty collection = %v, limit %d", none, j.asked)
	}

	resp = doJSON(t, ts, "GET", "/api/collections/c1/cycles?limit=0", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("limit=0: status %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, "GET", "/api/collections/c1/units/"+id+"/activations", nil)
	var act struct {
		ID          string `json:"id"`
		Activations int64  `json:"activations"`
	}
	decodeJSON(t, resp, &act)
	if act.ID != id || act.Activations != 4 {
		t.Errorf("activations = %+v", act)
	}

	resp = doJSON(t, ts, "GET", "/api/collections/c2/units/"+id+"/activations", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign unit: status %d", resp.StatusCode)
	}
}
