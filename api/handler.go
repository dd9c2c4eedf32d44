// Package api exposes the hot-reload engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/funcwatch/function"
	"github.com/GoCodeAlone/funcwatch/hotreload"
	"github.com/GoCodeAlone/funcwatch/reload"
	"github.com/GoCodeAlone/funcwatch/watch"
)

// Engine is the part of hotreload.Engine the API drives.
type Engine interface {
	StartWatch(id string) (watch.StartResult, error)
	StopWatch(id string) bool
	Watching() []string
	SetAutoReload(enabled bool)
	AutoReload() bool
	TriggerReload(ctx context.Context) <-chan reload.Report
	Datapacks() ([]string, error)
	Pending() int
}

// Handler serves the operator API.
type Handler struct {
	engine  Engine
	library *function.Library
	logger  *slog.Logger
}

// NewHandler creates a Handler. library is read directly; lookups are safe
// from any goroutine.
func NewHandler(engine Engine, library *function.Library, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, library: library, logger: logger}
}

// RegisterRoutes registers the API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/datapacks", h.listDatapacks)
	mux.HandleFunc("GET /api/watch", h.listSessions)
	mux.HandleFunc("GET /api/watch/auto", h.getAutoReload)
	mux.HandleFunc("PUT /api/watch/auto", h.setAutoReload)
	mux.HandleFunc("POST /api/watch/{id}", h.startWatch)
	mux.HandleFunc("DELETE /api/watch/{id}", h.stopWatch)
	mux.HandleFunc("POST /api/reload", h.reload)
	mux.HandleFunc("GET /api/functions", h.listFunctions)
	mux.HandleFunc("GET /api/functions/{id...}", h.getFunction)
}

type datapackView struct {
	ID       string `json:"id"`
	Watching bool   `json:"watching"`
}

func (h *Handler) listDatapacks(w http.ResponseWriter, r *http.Request) {
	ids, err := h.engine.Datapacks()
	if err != nil {
		h.logger.Error("failed to list datapacks", "error", err)
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := make(map[string]bool)
	for _, id := range h.engine.Watching() {
		active[id] = true
	}
	out := make([]datapackView, 0, len(ids))
	for _, id := range ids {
		out = append(out, datapackView{ID: id, Watching: active[id]})
	}
	WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"sessions":    h.engine.Watching(),
		"auto_reload": h.engine.AutoReload(),
		"pending":     h.engine.Pending(),
	})
}

func (h *Handler) startWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.engine.StartWatch(id)
	switch {
	case errors.Is(err, hotreload.ErrInvalidDatapack):
		WriteError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		WriteError(w, http.StatusInternalServerError, err.Error())
	case res == watch.AlreadyActive:
		WriteError(w, http.StatusConflict, "already watching "+id)
	case res == watch.RootMissing:
		WriteError(w, http.StatusNotFound, "datapack not found: "+id)
	default:
		WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": res.String()})
	}
}

func (h *Handler) stopWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.engine.StopWatch(id) {
		WriteError(w, http.StatusNotFound, "not watching "+id)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "stopped"})
}

type autoReloadBody struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) getAutoReload(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]bool{"enabled": h.engine.AutoReload()})
}

func (h *Handler) setAutoReload(w http.ResponseWriter, r *http.Request) {
	var body autoReloadBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		WriteError(w, http.StatusBadRequest, `expected {"enabled": true|false}`)
		return
	}
	h.engine.SetAutoReload(*body.Enabled)
	WriteJSON(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}

type failureView struct {
	Path  string `json:"path"`
	ID    string `json:"id,omitempty"`
	State string `json:"state"`
	Error string `json:"error"`
}

type reportView struct {
	Batch      string        `json:"batch"`
	Created    []function.ID `json:"created"`
	Modified   []function.ID `json:"modified"`
	Deleted    []function.ID `json:"deleted"`
	Failures   []failureView `json:"failures"`
	Error      string        `json:"error,omitempty"`
	Generation uint64        `json:"generation"`
}

func newReportView(rep reload.Report) reportView {
	v := reportView{
		Batch:      rep.Batch,
		Created:    nonNil(rep.Created),
		Modified:   nonNil(rep.Modified),
		Deleted:    nonNil(rep.Deleted),
		Failures:   make([]failureView, 0, len(rep.Failures)),
		Generation: rep.Generation,
	}
	for _, f := range rep.Failures {
		fv := failureView{Path: f.Path, State: f.State.String(), Error: f.Err.Error()}
		if !f.ID.IsZero() {
			fv.ID = f.ID.String()
		}
		v.Failures = append(v.Failures, fv)
	}
	if rep.Err != nil {
		v.Error = rep.Err.Error()
	}
	return v
}

func nonNil(ids []function.ID) []function.ID {
	if ids == nil {
		return []function.ID{}
	}
	return ids
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		h.engine.TriggerReload(context.Background())
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "reloading"})
		return
	}

	// The cycle outlives the request; only the wait is bound to it.
	ch := h.engine.TriggerReload(context.Background())
	select {
	case rep := <-ch:
		status := http.StatusOK
		if rep.Err != nil {
			status = http.StatusInternalServerError
		}
		WriteJSON(w, status, newReportView(rep))
	case <-r.Context().Done():
		h.logger.Debug("client gave up waiting for reload", "error", r.Context().Err())
	}
}

func (h *Handler) listFunctions(w http.ResponseWriter, r *http.Request) {
	table := h.library.Active()
	WriteJSON(w, http.StatusOK, map[string]any{
		"generation": h.library.Generation(),
		"count":      table.Len(),
		"functions":  nonNil(table.IDs()),
	})
}

func (h *Handler) getFunction(w http.ResponseWriter, r *http.Request) {
	id, err := function.ParseID(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	fn, ok := h.library.Lookup(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "unknown function "+id.String())
		return
	}
	WriteJSON(w, http.StatusOK, fn)
}
