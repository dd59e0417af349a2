package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/internal/shared"
)

// QueueInspector is the subset of *asynq.Inspector the HTTP handler reads.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
}

// Handler exposes queue health and import task status.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
	rbac      rbac.Middleware
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector QueueInspector, logger *slog.Logger, rbac rbac.Middleware) *Handler {
	return &Handler{inspector: inspector, logger: loggerOr(logger), rbac: rbac}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.With(h.rbac.RequireAny(shared.PermTestsImport)).Get("/imports/{taskID}", h.importStatus)
}

type queueStatus struct {
	Queue    string `json:"queue"`
	Pending  int    `json:"pending"`
	Active   int    `json:"active"`
	Retry    int    `json:"retry"`
	Archived int    `json:"archived"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	statuses := make([]queueStatus, 0, 2)
	for _, queue := range []string{QueueImports, QueueMaintenance} {
		status := queueStatus{Queue: queue}
		if h.inspector != nil {
			info, err := h.inspector.GetQueueInfo(queue)
			switch {
			case errors.Is(err, asynq.ErrQueueNotFound):
				// Queues appear in Redis on first enqueue.
			case err != nil:
				h.logger.Warn("jobs health", slog.String("queue", queue), slog.Any("error", err))
				httpx.RespondError(w, fmt.Errorf("%w: queue unavailable", httpx.ErrUpstream))
				return
			default:
				status = queueStatus{Queue: info.Queue, Pending: info.Pending, Active: info.Active, Retry: info.Retry, Archived: info.Archived}
			}
		}
		statuses = append(statuses, status)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": statuses})
}

// ImportStatus reports where a catalog import task is and, once done, its report.
type ImportStatus struct {
	ID          string          `json:"id"`
	State       string          `json:"state"`
	Retried     int             `json:"retried"`
	LastError   string          `json:"last_error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Report      json.RawMessage `json:"report,omitempty"`
}

func (h *Handler) importStatus(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if id == "" || h.inspector == nil {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	info, err := h.inspector.GetTaskInfo(QueueImports, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			httpx.RespondError(w, fmt.Errorf("%w: import task %s", httpx.ErrNotFound, id))
			return
		}
		h.logger.Warn("import status", slog.String("task_id", id), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: queue unavailable", httpx.ErrUpstream))
		return
	}
	if info.Type != TaskCatalogImport {
		httpx.RespondError(w, fmt.Errorf("%w: import task %s", httpx.ErrNotFound, id))
		return
	}
	status := ImportStatus{
		ID:        info.ID,
		State:     info.State.String(),
		Retried:   info.Retried,
		LastError: info.LastErr,
	}
	if !info.CompletedAt.IsZero() {
		completed := info.CompletedAt.UTC()
		status.CompletedAt = &completed
	}
	if len(info.Result) > 0 && json.Valid(info.Result) {
		status.Report = json.RawMessage(info.Result)
	}
	httpx.JSON(w, http.StatusOK, status)
}
