package billing

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/internal/shared"
)

// Handler exposes invoice endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermBillingView))
			r.Get("/", h.list)
			r.Get("/{id}", h.get)
		})
		r.With(h.rbac.RequireAll(shared.PermBillingCreate)).Post("/", h.generate)
		r.With(h.rbac.RequireAll(shared.PermBillingPay)).Post("/{id}/payments", h.pay)
		r.With(h.rbac.RequireAll(shared.PermBillingVoid)).Post("/{id}/void", h.void)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	limit, offset := httpx.Paging(r, 50, 200)
	q := r.URL.Query()
	filters := ListFilters{Status: InvoiceStatus(q.Get("status")), Limit: limit, Offset: offset}
	if raw := q.Get("patient_id"); raw != "" {
		patientID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || patientID <= 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid patient_id", httpx.ErrValidation))
			return
		}
		filters.PatientID = patientID
	}
	items, total, err := h.service.ListInvoices(r.Context(), filters)
	if err != nil {
		h.fail(w, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.ListEnvelope[Invoice]{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.GenerateInvoice(r.Context(), req.TestRequestID)
	if err != nil {
		h.fail(w, "generate invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input PaymentInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.ProcessPayment(r.Context(), id, input, r.Header.Get(shared.IdempotencyHeader))
	if err != nil {
		h.fail(w, "process payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.VoidInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, "void invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusOf(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
