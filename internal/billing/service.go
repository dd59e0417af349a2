package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
	"github.com/labdesk/labdesk/internal/testrequests"
)

// IdempotencyModule scopes Idempotency-Key values for payments.
const IdempotencyModule = "billing_payments"

// RepositoryPort defines persistence for invoices and payments.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListInvoices(ctx context.Context, filters ListFilters) ([]Invoice, int, error)
}

// Service bills test requests and records payments.
type Service struct {
	repo        RepositoryPort
	idempotency shared.IdempotencyGuard
	audit       shared.AuditRecorder
	logger      *slog.Logger
	validate    *validator.Validate
	now         func() time.Time
	newNumber   func(time.Time) string
}

// NewService constructs the billing service. idempotency may be nil.
func NewService(repo RepositoryPort, idempotency shared.IdempotencyGuard, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		idempotency: idempotency,
		audit:       audit,
		logger:      logger,
		validate:    validator.New(),
		now:         time.Now,
		newNumber:   invoiceNumber,
	}
}

func invoiceNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("INV-%s-%s", at.UTC().Format("20060102"), suffix)
}

// GenerateInvoice bills every item on a test request. A request can carry at
// most one open invoice.
func (s *Service) GenerateInvoice(ctx context.Context, requestID int64) (Invoice, error) {
	if requestID <= 0 {
		return Invoice{}, fmt.Errorf("%w: test_request_id required", httpx.ErrValidation)
	}
	var id int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.LockRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status == testrequests.StatusCancelled {
			return fmt.Errorf("%w: test request %d is cancelled", httpx.ErrValidation, requestID)
		}
		if req.PaymentStatus != testrequests.PaymentUnbilled {
			return fmt.Errorf("%w: test request %d already invoiced", httpx.ErrConflict, requestID)
		}
		if req.Items == 0 {
			return fmt.Errorf("%w: test request %d has no items", httpx.ErrValidation, requestID)
		}
		now := s.now().UTC()
		id, err = tx.InsertInvoice(ctx, Invoice{
			Number:        s.newNumber(now),
			TestRequestID: req.ID,
			PatientID:     req.PatientID,
			Total:         fromCents(toCents(req.Total)),
			Status:        InvoiceUnpaid,
			IssuedAt:      now,
		})
		if err != nil {
			return err
		}
		return tx.SetRequestPaymentStatus(ctx, req.ID, testrequests.PaymentUnpaid)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, "billing.invoice.generate", id, map[string]any{"test_request_id": requestID})
	return s.repo.GetInvoice(ctx, id)
}

// ProcessPayment applies a payment that may not exceed the outstanding
// balance. A non-empty idempotencyKey makes retries fail with a conflict
// instead of charging twice.
func (s *Service) ProcessPayment(ctx context.Context, invoiceID int64, input PaymentInput, idempotencyKey string) (Invoice, error) {
	input.Method = strings.ToLower(strings.TrimSpace(input.Method))
	input.Reference = strings.TrimSpace(input.Reference)
	if err := s.validate.Struct(input); err != nil {
		return Invoice{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	amount := toCents(input.Amount)
	if amount <= 0 {
		return Invoice{}, fmt.Errorf("%w: amount must be at least 0.01", httpx.ErrValidation)
	}

	var settled InvoiceStatus
	err := shared.WithIdempotency(ctx, s.idempotency, strings.TrimSpace(idempotencyKey), IdempotencyModule, func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			inv, err := tx.LockInvoice(ctx, invoiceID)
			if err != nil {
				return err
			}
			switch inv.Status {
			case InvoiceVoid:
				return fmt.Errorf("%w: invoice %s is void", httpx.ErrValidation, inv.Number)
			case InvoicePaid:
				return fmt.Errorf("%w: invoice %s is already paid", httpx.ErrValidation, inv.Number)
			}
			total, paid := toCents(inv.Total), toCents(inv.AmountPaid)
			if amount > total-paid {
				return fmt.Errorf("%w: amount exceeds outstanding balance %.2f", httpx.ErrValidation, fromCents(total-paid))
			}
			if _, err := tx.InsertPayment(ctx, Payment{
				InvoiceID: inv.ID,
				Amount:    fromCents(amount),
				Method:    input.Method,
				Reference: input.Reference,
				PaidAt:    s.now().UTC(),
			}); err != nil {
				return err
			}
			paid += amount
			status, requestStatus := settle(total, paid)
			if err := tx.UpdateInvoice(ctx, inv.ID, fromCents(paid), status); err != nil {
				return err
			}
			settled = status
			return tx.SetRequestPaymentStatus(ctx, inv.TestRequestID, requestStatus)
		})
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, "billing.payment.process", invoiceID, map[string]any{
		"amount": fromCents(amount),
		"method": input.Method,
		"status": settled,
	})
	return s.repo.GetInvoice(ctx, invoiceID)
}

// VoidInvoice cancels an invoice that has not received payments and returns
// the request to unbilled.
func (s *Service) VoidInvoice(ctx context.Context, id int64) (Invoice, error) {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceVoid {
			return fmt.Errorf("%w: invoice %s is already void", httpx.ErrConflict, inv.Number)
		}
		count, err := tx.CountPayments(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: invoice %s has payments", httpx.ErrValidation, inv.Number)
		}
		if err := tx.UpdateInvoice(ctx, id, inv.AmountPaid, InvoiceVoid); err != nil {
			return err
		}
		return tx.SetRequestPaymentStatus(ctx, inv.TestRequestID, testrequests.PaymentUnbilled)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, "billing.invoice.void", id, nil)
	return s.repo.GetInvoice(ctx, id)
}

// GetInvoice returns one invoice with its payments.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// ListInvoices returns a page of invoices.
func (s *Service) ListInvoices(ctx context.Context, filters ListFilters) ([]Invoice, int, error) {
	switch filters.Status {
	case "", InvoiceUnpaid, InvoicePartial, InvoicePaid, InvoiceVoid:
	default:
		return nil, 0, fmt.Errorf("%w: unknown invoice status %q", httpx.ErrValidation, filters.Status)
	}
	return s.repo.ListInvoices(ctx, filters)
}

func (s *Service) record(ctx context.Context, action string, id int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorID(ctx),
		Action:   action,
		Entity:   "invoice",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
