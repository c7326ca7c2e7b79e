// Package api is the daemon's HTTP and websocket surface: tview DDL,
// manual refreshes, change injection for hosts without a WAL feed, and the
// live refresh-event stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/engine"
	"github.com/tviewdb/pgtview/pkg/tverr"
)

type Handler struct {
	Eng *engine.Engine
	Hub *Hub
	Log *zap.Logger
}

func SetupRoutes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api/tviews", func(r chi.Router) {
		r.Get("/", h.listTViews)
		r.Post("/", h.createTView)
		r.Delete("/{entity}", h.dropTView)
		r.Get("/{entity}/graph", h.resolveGraph)
		r.Post("/{entity}/refresh", h.refreshTView)
	})
	r.Post("/api/changes", h.applyChanges)
	r.Get("/api/prepared", h.listPrepared)
	r.Get("/ws", h.Hub.HandleWS)

	return r
}

func (h *Handler) listTViews(w http.ResponseWriter, r *http.Request) {
	defs, err := h.Eng.List(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *Handler) createTView(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity string `json:"entity"`
		Select string `json:"select"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid JSON"))
		return
	}
	def, err := h.Eng.CreateTView(r.Context(), req.Entity, req.Select)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (h *Handler) dropTView(w http.ResponseWriter, r *http.Request) {
	if err := h.Eng.DropTView(r.Context(), chi.URLParam(r, "entity")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) resolveGraph(w http.ResponseWriter, r *http.Request) {
	res, err := h.Eng.Resolve(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity":         res.Entity,
		"dependencies":   res.Dependencies,
		"base_relations": res.BaseRelations,
		"depth":          res.Depth,
	})
}

func (h *Handler) refreshTView(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if err := h.Eng.RefreshEntity(r.Context(), entity); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"entity": entity, "status": "rebuilt"})
}

// applyChanges lets hosts without a change feed report source-row changes
// directly; they are flushed as one transaction.
func (h *Handler) applyChanges(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Changes []struct {
			Entity string `json:"entity"`
			Kind   string `json:"kind"`
			PK     int64  `json:"pk"`
		} `json:"changes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid JSON"))
		return
	}

	ctx := r.Context()
	tx, err := h.Eng.Begin(ctx)
	if err != nil {
		h.fail(w, err)
		return
	}
	defer tx.Rollback(ctx)

	for _, c := range req.Changes {
		kind, ok := parseKind(c.Kind)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errBody("unknown change kind "+c.Kind))
			return
		}
		if err := tx.Enqueue(c.Entity, kind, c.PK); err != nil {
			h.fail(w, err)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": len(req.Changes)})
}

func (h *Handler) listPrepared(w http.ResponseWriter, r *http.Request) {
	gids, err := h.Eng.PendingPrepared(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": gids})
}

func parseKind(s string) (engine.ChangeKind, bool) {
	switch s {
	case "insert":
		return engine.ChangeInsert, true
	case "update":
		return engine.ChangeUpdate, true
	case "delete":
		return engine.ChangeDelete, true
	default:
		return 0, false
	}
}

// fail maps engine errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		notFound *tverr.DefinitionNotFoundError
		exists   *tverr.DefinitionExistsError
		invalid  *tverr.InvalidDefinitionError
		cycle    *tverr.CircularDependencyError
		timeout  *tverr.LockTimeoutError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &exists):
		status = http.StatusConflict
	case errors.As(err, &invalid), errors.As(err, &cycle):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &timeout):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errBody(err.Error()))
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
