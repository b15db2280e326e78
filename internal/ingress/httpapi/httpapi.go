// Package httpapi is a thin go-chi adapter over the Ingress Contract
// (coordination-plane component C12), translating HTTP requests to
// ingress.Service calls and the stable error taxonomy to HTTP statuses.
// Kept deliberately minimal: the full HTTP API surface, auth, and the
// dashboard remain external collaborators per spec.md's Non-goals.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/taskflow/broker/internal/domain"
	"github.com/taskflow/broker/internal/eventbus/stream"
	"github.com/taskflow/broker/internal/ingress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Handler wires ingress.Service to HTTP routes.
type Handler struct {
	svc    *ingress.Service
	stream *stream.Manager // nil disables the /ws live-event endpoint
	logger *slog.Logger
}

// New builds a Handler. streamMgr may be nil, in which case /ws responds 503.
func New(svc *ingress.Service, streamMgr *stream.Manager, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, stream: streamMgr, logger: logger}
}

// Routes mounts every endpoint onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/v1/tasks", h.submit)
	r.Get("/api/v1/tasks", h.list)
	r.Get("/api/v1/tasks/{id}", h.get)
	r.Post("/api/v1/tasks/{id}/retry", h.retry)
	r.Delete("/api/v1/tasks/{id}", h.delete)
	r.Post("/api/v1/requeue-orphaned", h.requeueOrphaned)
	r.Get("/api/v1/queue-status", h.queueStatus)
	r.Get("/api/v1/dlq", h.dlqList)
	r.Post("/api/v1/circuits/reset", h.resetAllCircuits)
	r.Post("/api/v1/circuits/open", h.openAllCircuits)
	r.Get("/ws", h.websocket)
	r.Get("/healthz", h.healthz)
}

// websocket upgrades the connection and registers it with the stream
// manager, which re-broadcasts every event bus message to it.
func (h *Handler) websocket(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "live event stream not configured")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.stream.AddClient(conn)
}

type submitRequest struct {
	TaskID      string          `json:"task_id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	taskID, err := h.svc.Submit(r.Context(), req.TaskID, req.Type, req.Payload, req.MaxAttempts, req.Priority)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: taskID})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	res, err := h.svc.List(r.Context(), ingress.ListFilter{
		State:    domain.State(q.Get("state")),
		TaskType: q.Get("task_type"),
		Page:     page,
		PageSize: pageSize,
		Sort:     q.Get("sort"),
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Retry(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requeueOrphaned(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RequeueOrphaned(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.QueueStatus(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) dlqList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	tasks, err := h.svc.DLQList(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) resetAllCircuits(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ResetAllCircuits(r.Context()); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) openAllCircuits(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.OpenAllCircuits(r.Context()); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.stream != nil {
		resp["ws_clients"] = h.stream.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps the stable ingress error taxonomy to an HTTP status.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		notFound   *domain.TaskNotFoundError
		conflict   *domain.ConflictError
		invalid    *domain.InvalidTransitionError
		exists     *domain.AlreadyExistsError
		validation *domain.ValidationError
		rateLimit  *domain.RateLimitTimeoutError
		dependency *domain.DependencyMissingError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict), errors.As(err, &invalid):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &exists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rateLimit):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &dependency):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("ingress internal error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
