package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/lexobe/CogLoop/internal/gateway"
	"github.com/lexobe/CogLoop/internal/journal"
	"github.com/lexobe/CogLoop/internal/memory"
	"github.com/lexobe/CogLoop/internal/scheduler"
	"github.com/lexobe/CogLoop/internal/think"
	"go.uber.org/zap"
)

// HealthChecker is a dependency that can report whether it is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ActivationCounter reports how many cycles activated a unit.
type ActivationCounter interface {
	Activations(ctx context.Context, unitID string) (int64, error)
}

// Deps are the services the API exposes. Everything after Loop is optional.
type Deps struct {
	Store       *memory.Store
	Recaller    *memory.Recaller
	Loop        *think.Loop
	LLM         HealthChecker
	Gateway     *gateway.Gateway
	Scheduler   *scheduler.Scheduler
	Journal     journal.Reader
	Activations ActivationCounter
	// MaxIterations caps the iterations a single think request may ask for.
	MaxIterations int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps     Deps
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = 10
	}
	return &Handler{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Route("/collections/{cid}", func(r chi.Router) {
			r.Delete("/", h.clearCollection)
			r.Post("/units", h.addUnits)
			r.Post("/units/delete", h.deleteUnits)
			r.Get("/units/{id}", h.getUnit)
			r.Patch("/units/{id}", h.updateUnit)
			r.Delete("/units/{id}", h.deleteUnit)
			r.Get("/units/{id}/activations", h.unitActivations)
			r.Get("/cycles", h.listCycles)
			r.Post("/recall", h.recall)
			r.Post("/think", h.think)
		})
		r.Get("/ws/think", h.thinkStream)

		r.Get("/schedules", h.listSchedules)
		r.Post("/schedules/{name}/run", h.runSchedule)
		r.Get("/gateway/history", h.gatewayHistory)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	components := map[string]string{}
	healthy := true
	check := func(name string, err error) {
		if err != nil {
			healthy = false
			components[name] = err.Error()
			return
		}
		components[name] = "ok"
	}
	check("index", h.deps.Store.Ping(ctx))
	if h.deps.LLM != nil {
		check("llm", h.deps.LLM.HealthCheck(ctx))
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}

// addRequest is either a single unit or a batch under "units".
type addRequest struct {
	Content  string                  `json:"content"`
	Metadata map[string]memory.Value `json:"metadata,omitempty"`
	Unique   bool                    `json:"unique,omitempty"`
	Units    []memory.NewUnit        `json:"units,omitempty"`
}

func (h *Handler) addUnits(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		ids []string
		err error
	)
	switch {
	case len(req.Units) > 0:
		for _, u := range req.Units {
			if strings.TrimSpace(u.Content) == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "every unit needs content"})
				return
			}
		}
		ids, err = h.deps.Store.AddBatch(r.Context(), cid, req.Units)
	case strings.TrimSpace(req.Content) == "":
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	case req.Unique:
		var id string
		id, err = h.deps.Store.AddUnique(r.Context(), cid, req.Content, req.Metadata)
		ids = []string{id}
	default:
		var id string
		id, err = h.deps.Store.Add(r.Context(), cid, req.Content, req.Metadata)
		ids = []string{id}
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"collection_id": cid, "ids": ids})
}

// unitInCollection loads a unit and hides units of other collections.
func (h *Handler) unitInCollection(r *http.Request) (*memory.Unit, error) {
	u, err := h.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if u.CollectionID != chi.URLParam(r, "cid") {
		return nil, memory.ErrNotFound
	}
	return u, nil
}

func (h *Handler) getUnit(w http.ResponseWriter, r *http.Request) {
	u, err := h.unitInCollection(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) updateUnit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]memory.Value `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := h.unitInCollection(r); err != nil {
		writeStoreError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.deps.Store.Update(r.Context(), id, req.Metadata); err != nil {
		writeStoreError(w, err)
		return
	}
	u, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) deleteUnit(w http.ResponseWriter, r *http.Request) {
	_, err := h.unitInCollection(r)
	if errors.Is(err, memory.ErrNotFound) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.deps.Store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteUnits(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Only ids that belong to this collection are removed.
	var owned []string
	for _, id := range req.IDs {
		u, err := h.deps.Store.Get(r.Context(), id)
		if errors.Is(err, memory.ErrNotFound) {
			continue
		}
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if u.CollectionID == cid {
			owned = append(owned, id)
		}
	}
	if err := h.deps.Store.DeleteBatch(r.Context(), owned); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": owned})
}

func (h *Handler) clearCollection(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Store.Clear(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	res, err := h.deps.Recaller.Recall(r.Context(), chi.URLParam(r, "cid"), req.Query)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// thinkRequest starts a think loop. CollectionID is only read from
// websocket requests; the HTTP route takes it from the path.
type thinkRequest struct {
	CollectionID  string `json:"collection_id,omitempty"`
	Input         string `json:"input"`
	MaxIterations int    `json:"max_iterations"`
}

func (h *Handler) iterations(n int) int {
	if n <= 0 || n > h.deps.MaxIterations {
		return h.deps.MaxIterations
	}
	return n
}

func (h *Handler) think(w http.ResponseWriter, r *http.Request) {
	var req thinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input is required"})
		return
	}
	cid := chi.URLParam(r, "cid")
	records, err := h.deps.Loop.Run(r.Context(), req.Input, cid, h.iterations(req.MaxIterations))
	if err != nil {
		h.logger.Warn("think request interrupted", zap.String("collection", cid), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"collection_id": cid,
			"records":       records,
			"error":         err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection_id": cid, "records": records})
}

// streamEvent is one websocket message.
type streamEvent struct {
	Type         string        `json:"type"` // "cycle", "done" or "error"
	CollectionID string        `json:"collection_id,omitempty"`
	Iteration    int           `json:"iteration,omitempty"`
	Record       *think.Record `json:"record,omitempty"`
	Activated    []string      `json:"activated,omitempty"`
	Persisted    []string      `json:"persisted,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Cycles       int           `json:"cycles,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// thinkStream reads one thinkRequest from the socket and sends a "cycle"
// event per completed cycle, then "done". Closing the socket stops the loop.
func (h *Handler) thinkStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var req thinkRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.logger.Debug("websocket read request", zap.Error(err))
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		conn.WriteJSON(streamEvent{Type: "error", Error: "input is required"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	iteration := 0
	outs, err := h.deps.Loop.Stream(ctx, req.Input, req.CollectionID, h.iterations(req.MaxIterations), func(o *think.Outcome) {
		iteration++
		rec := o.Record
		ev := streamEvent{
			Type:         "cycle",
			CollectionID: o.CollectionID,
			Iteration:    iteration,
			Record:       &rec,
			Persisted:    o.Persisted,
			Duration:     o.Duration,
		}
		for _, c := range o.Activated {
			ev.Activated = append(ev.Activated, c.ID)
		}
		if werr := conn.WriteJSON(ev); werr != nil {
			cancel()
		}
	})
	if err != nil {
		conn.WriteJSON(streamEvent{Type: "error", Cycles: len(outs), Error: err.Error()})
		return
	}
	done := streamEvent{Type: "done", Cycles: len(outs)}
	if len(outs) > 0 {
		done.CollectionID = outs[0].CollectionID
	}
	conn.WriteJSON(done)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Handler) unitActivations(w http.ResponseWriter, r *http.Request) {
	if h.deps.Activations == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "provenance graph not configured"})
		return
	}
	u, err := h.unitInCollection(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	n, err := h.deps.Activations.Activations(r.Context(), u.ID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "activations": n})
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	if h.deps.Journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "cycle journal not configured"})
		return
	}
	limit := int64(20)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := h.deps.Journal.Recent(r.Context(), chi.URLParam(r, "cid"), limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeJSON(w, http.StatusOK, []scheduler.Status{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Scheduler.Status())
}

func (h *Handler) runSchedule(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not initialized"})
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.deps.Scheduler.FireNow(r.Context(), name); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "finished", "name": name})
}

func (h *Handler) gatewayHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.Gateway == nil {
		writeJSON(w, http.StatusOK, []gateway.Sent{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Gateway.History(50))
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, memory.ErrReservedKey):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
