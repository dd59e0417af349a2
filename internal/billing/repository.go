package billing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labdesk/labdesk/internal/platform/db"
	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/testrequests"
)

// TxRepository exposes the operations that must share a transaction.
type TxRepository interface {
	LockRequest(ctx context.Context, requestID int64) (RequestBilling, error)
	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)
	LockInvoice(ctx context.Context, id int64) (Invoice, error)
	InsertPayment(ctx context.Context, p Payment) (int64, error)
	CountPayments(ctx context.Context, invoiceID int64) (int, error)
	UpdateInvoice(ctx context.Context, id int64, amountPaid float64, status InvoiceStatus) error
	SetRequestPaymentStatus(ctx context.Context, requestID int64, status testrequests.PaymentStatus) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const invoiceColumns = `id, number, test_request_id, patient_id, total::float8, amount_paid::float8, status, issued_at, updated_at`

// GetInvoice loads an invoice with its payments.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return Invoice{}, db.TranslateError(err, "invoice")
	}
	payments, err := r.payments(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	inv.Payments = payments
	return inv, nil
}

// ListInvoices returns a page of invoices without payments.
func (r *Repository) ListInvoices(ctx context.Context, filters ListFilters) ([]Invoice, int, error) {
	const where = `
		WHERE ($1 = 0 OR patient_id = $1)
		  AND ($2 = '' OR status = $2)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invoices`+where, filters.PatientID, string(filters.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices`+where+`
		ORDER BY issued_at DESC, id DESC
		LIMIT $3 OFFSET $4`, filters.PatientID, string(filters.Status), filters.Limit, filters.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		inv.Payments = []Payment{}
		out = append(out, inv)
	}
	return out, total, rows.Err()
}

func (r *Repository) payments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, invoice_id, amount::float8, method, reference, paid_at
		FROM payments WHERE invoice_id = $1
		ORDER BY paid_at, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Payment, 0)
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.PaidAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txRepo) LockRequest(ctx context.Context, requestID int64) (RequestBilling, error) {
	var rb RequestBilling
	err := t.tx.QueryRow(ctx, `
		SELECT id, patient_id, status, payment_status
		FROM test_requests WHERE id = $1
		FOR UPDATE`, requestID).Scan(&rb.ID, &rb.PatientID, &rb.Status, &rb.PaymentStatus)
	if err != nil {
		return RequestBilling{}, db.TranslateError(err, "test request")
	}
	err = t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(price), 0)::float8, COUNT(*)
		FROM test_request_items WHERE test_request_id = $1`, requestID).Scan(&rb.Total, &rb.Items)
	return rb, err
}

func (t *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO invoices (number, test_request_id, patient_id, total, amount_paid, status, issued_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		RETURNING id`, inv.Number, inv.TestRequestID, inv.PatientID, inv.Total, inv.Status, inv.IssuedAt).Scan(&id)
	if err != nil {
		return 0, db.TranslateError(err, "invoice")
	}
	return id, nil
}

func (t *txRepo) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Invoice{}, db.TranslateError(err, "invoice")
	}
	return inv, nil
}

func (t *txRepo) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (invoice_id, amount, method, reference, paid_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, p.InvoiceID, p.Amount, p.Method, p.Reference, p.PaidAt).Scan(&id)
	if err != nil {
		return 0, db.TranslateError(err, "payment")
	}
	return id, nil
}

func (t *txRepo) CountPayments(ctx context.Context, invoiceID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&n)
	return n, err
}

func (t *txRepo) UpdateInvoice(ctx context.Context, id int64, amountPaid float64, status InvoiceStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE invoices SET amount_paid = $2, status = $3, updated_at = NOW()
		WHERE id = $1`, id, amountPaid, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice", httpx.ErrNotFound)
	}
	return nil
}

func (t *txRepo) SetRequestPaymentStatus(ctx context.Context, requestID int64, status testrequests.PaymentStatus) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE test_requests SET payment_status = $2, updated_at = NOW()
		WHERE id = $1`, requestID, status)
	return err
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.TestRequestID, &inv.PatientID, &inv.Total, &inv.AmountPaid, &inv.Status, &inv.IssuedAt, &inv.UpdatedAt)
	return inv, err
}

var _ RepositoryPort = (*Repository)(nil)
