// Package api implements the REST handlers over the dispatch core.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/comms"
	"github.com/GoCodeAlone/dispatch/coord"
	"github.com/GoCodeAlone/dispatch/quota"
	"github.com/GoCodeAlone/dispatch/router"
	"github.com/GoCodeAlone/dispatch/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Router   *router.Router
	Engine   *coord.Engine
	Tasks    task.Store
	Registry *agent.Registry
	Ledger   *quota.Ledger
	Bus      comms.Bus
	Logger   *slog.Logger
	Version  string
	StartAt  int64 // unix timestamp of server start
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.listAgents)

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.submitTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/trigger", h.triggerTask)

	mux.HandleFunc("GET /api/queue", h.queueStatus)
	mux.HandleFunc("POST /api/loops/start", h.startLoops)
	mux.HandleFunc("POST /api/loops/stop", h.stopLoops)
	mux.HandleFunc("POST /api/consistency", h.forceConsistency)

	mux.HandleFunc("POST /api/coordinate", h.coordinate)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)

	mux.HandleFunc("GET /api/events", h.listEvents)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Agent handlers ---

// agentView is the roster entry returned by GET /api/agents.
type agentView struct {
	Name           string `json:"name"`
	DisplayName    string `json:"display_name"`
	Specialization string `json:"specialization"`
	MaxConcurrent  int    `json:"max_concurrent_tasks"`
	CanDelegate    bool   `json:"can_delegate"`
	Active         int    `json:"active_tasks"`
	QuotaUsed      int    `json:"quota_used"`
	QuotaLimit     int    `json:"quota_limit"`
	AvgLatencyMS   int64  `json:"avg_latency_ms"`
}

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	views := []agentView{}
	for _, a := range h.Registry.All() {
		v := agentView{
			Name:           a.Name,
			DisplayName:    a.DisplayName(),
			Specialization: a.Specialization,
			MaxConcurrent:  a.MaxConcurrentTasks,
			CanDelegate:    a.CanDelegate,
			Active:         h.Router.ActiveCount(a.Name),
		}
		if used, limit, err := h.Ledger.Usage(a.Name); err == nil {
			v.QuotaUsed = used
			v.QuotaLimit = limit
		}
		v.AvgLatencyMS = h.Ledger.Latency(a.Name).Milliseconds()
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{}

	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, task.Status(part))
		}
	}
	if a := q.Get("assigned_to"); a != "" {
		filter.AssignedTo = a
	}
	if p := q.Get("project_id"); p != "" {
		filter.ProjectID = p
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Tasks.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// submitTask creates a task and routes it immediately. A task refused for
// insufficient detail is still persisted and returned, with 422.
func (h *Handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(t.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	routed, err := h.Router.Submit(r.Context(), &t)
	if err != nil {
		if errors.Is(err, router.ErrTaskBlocked) {
			writeJSON(w, http.StatusUnprocessableEntity, routed)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, routed)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// triggerTask forces one task through its next step immediately.
func (h *Handlers) triggerTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Router.Trigger(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, task.ErrNotFound):
			writeError(w, http.StatusNotFound, "task not found")
		case errors.Is(err, router.ErrTaskBlocked):
			writeJSON(w, http.StatusUnprocessableEntity, t)
		default:
			writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Scheduler handlers ---

func (h *Handlers) queueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Router.Queue())
}

func (h *Handlers) startLoops(w http.ResponseWriter, _ *http.Request) {
	if err := h.Router.Start(context.Background()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) stopLoops(w http.ResponseWriter, _ *http.Request) {
	h.Router.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) forceConsistency(w http.ResponseWriter, r *http.Request) {
	if err := h.Router.RunConsistency(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Coordination handlers ---

// coordinateRequest is the body accepted by POST /api/coordinate.
type coordinateRequest struct {
	TaskID   string `json:"task_id"`
	Strategy string `json:"strategy"`
}

// coordinate runs a multi-agent strategy over an existing task and returns
// the finished session. A failed session is returned with 200; the failure
// is on the session record.
func (h *Handlers) coordinate(w http.ResponseWriter, r *http.Request) {
	var req coordinateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	t, err := h.Tasks.Get(req.TaskID)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, err := h.Engine.Coordinate(r.Context(), t, coord.Strategy(req.Strategy))
	if err != nil {
		if errors.Is(err, coord.ErrUnknownStrategy) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Strategy failure: the session carries the error and partial results.
		writeJSON(w, http.StatusOK, session)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handlers) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.Engine.Sessions()
	if sessions == nil {
		sessions = []*coord.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- Event handlers ---

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	events, err := h.Bus.History(channel, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*comms.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.Version,
		"uptime_seconds": time.Now().Unix() - h.StartAt,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
