package labcatalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/internal/shared"
)

// ImportEnqueuer hands a CSV file to the background worker.
type ImportEnqueuer interface {
	EnqueueCatalogImport(ctx context.Context, csv []byte, actorID int64) (string, error)
}

// Handler exposes catalog endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     rbac.Middleware
	enqueuer ImportEnqueuer
	maxBytes int64
}

// NewHandler builds Handler instance. enqueuer may be nil, in which case
// imports always run inline.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, enqueuer ImportEnqueuer, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Handler{logger: logger, service: service, rbac: rbac, enqueuer: enqueuer, maxBytes: maxBytes}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermTestsView))
		r.Get("/tests", h.list)
		r.Get("/tests/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermTestsCreate))
		r.Post("/analytes", h.createAnalyte)
		r.Post("/panels", h.createPanel)
	})
	r.With(h.rbac.RequireAll(shared.PermTestsImport)).Post("/import", h.importCSV)
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, offset := httpx.Paging(r, 100, 500)
	q := r.URL.Query()
	items, total, err := h.service.List(r.Context(), ListFilters{
		Search: q.Get("search"),
		Kind:   Kind(q.Get("type")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, "list catalog", err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.ListEnvelope[Test]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get test", err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) createAnalyte(w http.ResponseWriter, r *http.Request) {
	var req CreateAnalyteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.CreateAnalyte(r.Context(), req)
	if err != nil {
		h.fail(w, "create analyte", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) createPanel(w http.ResponseWriter, r *http.Request) {
	var req CreatePanelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	t, err := h.service.CreatePanel(r.Context(), req)
	if err != nil {
		h.fail(w, "create panel", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, t)
}

func (h *Handler) importCSV(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, fmt.Errorf("%w: file exceeds %d bytes", httpx.ErrValidation, h.maxBytes))
			return
		}
		httpx.RespondError(w, fmt.Errorf("%w: invalid file", httpx.ErrValidation))
		return
	}
	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async && h.enqueuer != nil {
		// reject malformed headers before queueing
		if _, err := ParseCSV(bytes.NewReader(body)); err != nil {
			httpx.RespondError(w, err)
			return
		}
		taskID, err := h.enqueuer.EnqueueCatalogImport(r.Context(), body, shared.ActorID(r.Context()))
		if err != nil {
			h.fail(w, "enqueue catalog import", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, enqueueResponse{TaskID: taskID})
		return
	}
	report, err := h.service.Import(r.Context(), bytes.NewReader(body))
	if err != nil {
		h.fail(w, "import catalog", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusOf(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
