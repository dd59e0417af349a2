package testrequests

import (
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

// Handler exposes test request endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	rbac     rbac.Middleware
	maxBytes int64
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Handler{logger: logger, service: service, rbac: rbac, maxBytes: maxBytes}
}

// MountRoutes registers test request routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermTestRequestsView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Get("/{id}/events", h.events)
	})
	r.With(h.rbac.RequireAll(shared.PermTestRequestsCreate)).Post("/", h.create)
	r.With(h.rbac.RequireAny(TransitionPermissions()...)).Post("/{id}/transitions", h.transition)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermResultsEnter))
		r.Post("/{id}/results", h.enterResults)
		r.Post("/{id}/results/hl7", h.ingestHL7)
	})
}

type resultsRequest struct {
	Results []ResultEntry `json:"results"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, offset := httpx.Paging(r, 50, 200)
	q := r.URL.Query()
	filters := ListFilters{Status: Status(q.Get("status")), Limit: limit, Offset: offset}
	if raw := q.Get("patient_id"); raw != "" {
		patientID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || patientID <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid patient_id", httpx.ErrValidation))
			return
		}
		filters.PatientID = patientID
	}
	items, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.fail(w, "list test requests", err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.ListEnvelope[TestRequest]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get test request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events, err := h.service.Events(r.Context(), id)
	if err != nil {
		h.fail(w, "list test request events", err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.ListEnvelope[Event]{Items: events, Total: len(events)})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.Create(r.Context(), req, r.Header.Get(shared.IdempotencyHeader))
	if err != nil {
		h.fail(w, "create test request", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req TransitionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, ok := RequiredPermission(req.To)
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: unknown target status %q", httpx.ErrValidation, req.To))
		return
	}
	if !h.rbac.Allowed(r, perm) {
		httpx.RespondError(w, fmt.Errorf("%w: missing permission %s", httpx.ErrForbidden, perm))
		return
	}
	updated, err := h.service.Transition(r.Context(), id, req.To, req.Note)
	if err != nil {
		h.fail(w, "transition test request", err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) enterResults(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req resultsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	updated, err := h.service.EnterResults(r.Context(), id, req.Results)
	if err != nil {
		h.fail(w, "enter results", err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) ingestHL7(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, fmt.Errorf("%w: message exceeds %d bytes", httpx.ErrValidation, h.maxBytes))
			return
		}
		httpx.RespondError(w, fmt.Errorf("%w: unreadable message", httpx.ErrValidation))
		return
	}
	report, err := h.service.IngestHL7(r.Context(), id, raw)
	if err != nil {
		h.fail(w, "ingest hl7", err)
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
