package billing

import (
	"math"
	"time"

	"github.com/labdesk/labdesk/internal/testrequests"
)

// InvoiceStatus tracks settlement of an invoice.
type InvoiceStatus string

const (
	InvoiceUnpaid  InvoiceStatus = "UNPAID"
	InvoicePartial InvoiceStatus = "PARTIAL"
	InvoicePaid    InvoiceStatus = "PAID"
	InvoiceVoid    InvoiceStatus = "VOID"
)

// Invoice bills the items of one test request.
type Invoice struct {
	ID            int64         `json:"id"`
	Number        string        `json:"number"`
	TestRequestID int64         `json:"test_request_id"`
	PatientID     int64         `json:"patient_id"`
	Total         float64       `json:"total"`
	AmountPaid    float64       `json:"amount_paid"`
	Status        InvoiceStatus `json:"status"`
	IssuedAt      time.Time     `json:"issued_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Payments      []Payment     `json:"payments"`
}

// Outstanding is the amount still owed.
func (i Invoice) Outstanding() float64 {
	return fromCents(toCents(i.Total) - toCents(i.AmountPaid))
}

// Payment is money received against an invoice.
type Payment struct {
	ID        int64     `json:"id"`
	InvoiceID int64     `json:"invoice_id"`
	Amount    float64   `json:"amount"`
	Method    string    `json:"method"`
	Reference string    `json:"reference,omitempty"`
	PaidAt    time.Time `json:"paid_at"`
}

type GenerateInvoiceRequest struct {
	TestRequestID int64 `json:"test_request_id" validate:"required,gt=0"`
}

type PaymentInput struct {
	Amount    float64 `json:"amount" validate:"gt=0"`
	Method    string  `json:"method" validate:"required,oneof=cash card transfer insurance"`
	Reference string  `json:"reference" validate:"max=120"`
}

// RequestBilling is the slice of a test request billing needs.
type RequestBilling struct {
	ID            int64
	PatientID     int64
	Status        testrequests.Status
	PaymentStatus testrequests.PaymentStatus
	Total         float64
	Items         int
}

// ListFilters narrows ListInvoices.
type ListFilters struct {
	PatientID int64
	Status    InvoiceStatus
	Limit     int
	Offset    int
}

func toCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

func fromCents(c int64) float64 {
	return float64(c) / 100
}

// settle derives invoice and request payment state from the cents paid.
func settle(totalCents, paidCents int64) (InvoiceStatus, testrequests.PaymentStatus) {
	switch {
	case paidCents <= 0:
		return InvoiceUnpaid, testrequests.PaymentUnpaid
	case paidCents >= totalCents:
		return InvoicePaid, testrequests.PaymentPaid
	default:
		return InvoicePartial, testrequests.PaymentPartial
	}
}
