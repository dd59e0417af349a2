package billing

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
	"github.com/labdesk/labdesk/internal/testrequests"
)

type mockRepository struct {
	mu       sync.Mutex
	requests map[int64]RequestBilling
	invoices map[int64]Invoice
	payments map[int64][]Payment
	nextID   int64
	failOn   string
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		requests: map[int64]RequestBilling{
			1: {ID: 1, PatientID: 7, Status: testrequests.StatusPending, PaymentStatus: testrequests.PaymentUnbilled, Total: 42.5, Items: 3},
			2: {ID: 2, PatientID: 7, Status: testrequests.StatusCancelled, PaymentStatus: testrequests.PaymentUnbilled, Total: 10, Items: 1},
		},
		invoices: map[int64]Invoice{},
		payments: map[int64][]Payment{},
		nextID:   1,
	}
}

// WithTx restores the previous state when fn fails.
func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	requests := maps.Clone(m.requests)
	invoices := maps.Clone(m.invoices)
	payments := maps.Clone(m.payments)
	if err := fn(ctx, mockTx{m}); err != nil {
		m.requests, m.invoices, m.payments = requests, invoices, payments
		return err
	}
	return nil
}

func (m *mockRepository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return Invoice{}, fmt.Errorf("%w: invoice", httpx.ErrNotFound)
	}
	inv.Payments = slices.Clone(m.payments[id])
	return inv, nil
}

func (m *mockRepository) ListInvoices(ctx context.Context, filters ListFilters) ([]Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Invoice, 0)
	for _, id := range slices.Sorted(maps.Keys(m.invoices)) {
		inv := m.invoices[id]
		if filters.PatientID != 0 && inv.PatientID != filters.PatientID {
			continue
		}
		if filters.Status != "" && inv.Status != filters.Status {
			continue
		}
		out = append(out, inv)
	}
	return out, len(out), nil
}

type mockTx struct {
	m *mockRepository
}

func (t mockTx) LockRequest(ctx context.Context, requestID int64) (RequestBilling, error) {
	req, ok := t.m.requests[requestID]
	if !ok {
		return RequestBilling{}, fmt.Errorf("%w: test request", httpx.ErrNotFound)
	}
	return req, nil
}

func (t mockTx) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	for _, existing := range t.m.invoices {
		if existing.TestRequestID == inv.TestRequestID && existing.Status != InvoiceVoid {
			return 0, fmt.Errorf("%w: invoice", httpx.ErrConflict)
		}
	}
	inv.ID = t.m.nextID
	t.m.nextID++
	inv.UpdatedAt = inv.IssuedAt
	t.m.invoices[inv.ID] = inv
	return inv.ID, nil
}

func (t mockTx) LockInvoice(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := t.m.invoices[id]
	if !ok {
		return Invoice{}, fmt.Errorf("%w: invoice", httpx.ErrNotFound)
	}
	return inv, nil
}

func (t mockTx) InsertPayment(ctx context.Context, p Payment) (int64, error) {
	p.ID = t.m.nextID
	t.m.nextID++
	t.m.payments[p.InvoiceID] = append(slices.Clone(t.m.payments[p.InvoiceID]), p)
	return p.ID, nil
}

func (t mockTx) CountPayments(ctx context.Context, invoiceID int64) (int, error) {
	return len(t.m.payments[invoiceID]), nil
}

func (t mockTx) UpdateInvoice(ctx context.Context, id int64, amountPaid float64, status InvoiceStatus) error {
	inv := t.m.invoices[id]
	inv.AmountPaid = amountPaid
	inv.Status = status
	t.m.invoices[id] = inv
	return nil
}

func (t mockTx) SetRequestPaymentStatus(ctx context.Context, requestID int64, status testrequests.PaymentStatus) error {
	if t.m.failOn == "request_status" {
		return fmt.Errorf("%w: database unavailable", httpx.ErrUpstream)
	}
	req := t.m.requests[requestID]
	req.PaymentStatus = status
	t.m.requests[requestID] = req
	return nil
}

type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *memoryGuard) CheckAndInsert(ctx context.Context, key, module string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = map[string]bool{}
	}
	if g.keys[module+"/"+key] {
		return shared.ErrIdempotencyConflict
	}
	g.keys[module+"/"+key] = true
	return nil
}

func (g *memoryGuard) Delete(ctx context.Context, key, module string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, module+"/"+key)
	return nil
}

func newTestService(repo *mockRepository) *Service {
	svc := NewService(repo, &memoryGuard{}, nil, nil)
	svc.now = func() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) }
	svc.newNumber = func(time.Time) string { return fmt.Sprintf("INV-20240115-%06d", repo.nextID) }
	return svc
}

func TestGenerateInvoice(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	inv, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "INV-20240115-000001", inv.Number)
	assert.Equal(t, int64(7), inv.PatientID)
	assert.Equal(t, 42.5, inv.Total)
	assert.Equal(t, InvoiceUnpaid, inv.Status)
	assert.Equal(t, 42.5, inv.Outstanding())
	assert.Equal(t, testrequests.PaymentUnpaid, repo.requests[1].PaymentStatus)

	_, err = svc.GenerateInvoice(context.Background(), 1)
	assert.ErrorIs(t, err, httpx.ErrConflict)
}

func TestGenerateInvoiceRejects(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	_, err := svc.GenerateInvoice(context.Background(), 2)
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.GenerateInvoice(context.Background(), 99)
	assert.ErrorIs(t, err, httpx.ErrNotFound)

	_, err = svc.GenerateInvoice(context.Background(), 0)
	assert.ErrorIs(t, err, httpx.ErrValidation)
	assert.Empty(t, repo.invoices)
}

func TestProcessPaymentSettlesInvoice(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	inv, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)

	inv, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 20, Method: "Cash"}, "")
	require.NoError(t, err)
	assert.Equal(t, InvoicePartial, inv.Status)
	assert.Equal(t, 20.0, inv.AmountPaid)
	assert.Equal(t, 22.5, inv.Outstanding())
	require.Len(t, inv.Payments, 1)
	assert.Equal(t, "cash", inv.Payments[0].Method)
	assert.Equal(t, testrequests.PaymentPartial, repo.requests[1].PaymentStatus)

	inv, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 22.5, Method: "card", Reference: "txn-9"}, "")
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, inv.Status)
	assert.Equal(t, 0.0, inv.Outstanding())
	assert.Equal(t, testrequests.PaymentPaid, repo.requests[1].PaymentStatus)

	_, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 1, Method: "cash"}, "")
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestProcessPaymentValidation(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	inv, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)

	cases := []PaymentInput{
		{Amount: 0, Method: "cash"},
		{Amount: -5, Method: "cash"},
		{Amount: 0.001, Method: "cash"},
		{Amount: 42.51, Method: "cash"},
		{Amount: 5, Method: "barter"},
	}
	for _, input := range cases {
		_, err := svc.ProcessPayment(context.Background(), inv.ID, input, "")
		assert.ErrorIs(t, err, httpx.ErrValidation, "%+v", input)
	}
	assert.Empty(t, repo.payments[inv.ID])

	_, err = svc.ProcessPayment(context.Background(), 404, PaymentInput{Amount: 5, Method: "cash"}, "")
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestProcessPaymentIdempotency(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	inv, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)

	_, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 10, Method: "cash"}, "pay-1")
	require.NoError(t, err)
	_, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 10, Method: "cash"}, "pay-1")
	assert.ErrorIs(t, err, httpx.ErrConflict)
	assert.Len(t, repo.payments[inv.ID], 1)
}

func TestProcessPaymentRollsBack(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	inv, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)

	repo.failOn = "request_status"
	_, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 10, Method: "cash"}, "pay-2")
	require.ErrorIs(t, err, httpx.ErrUpstream)
	assert.Empty(t, repo.payments[inv.ID])
	assert.Equal(t, InvoiceUnpaid, repo.invoices[inv.ID].Status)

	repo.failOn = ""
	_, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 10, Method: "cash"}, "pay-2")
	assert.NoError(t, err)
}

func TestVoidInvoice(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	inv, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)

	voided, err := svc.VoidInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceVoid, voided.Status)
	assert.Equal(t, testrequests.PaymentUnbilled, repo.requests[1].PaymentStatus)

	_, err = svc.VoidInvoice(context.Background(), inv.ID)
	assert.ErrorIs(t, err, httpx.ErrConflict)

	_, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 1, Method: "cash"}, "")
	assert.ErrorIs(t, err, httpx.ErrValidation)

	again, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, inv.ID, again.ID)
}

func TestVoidInvoiceWithPayments(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	inv, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)
	_, err = svc.ProcessPayment(context.Background(), inv.ID, PaymentInput{Amount: 5, Method: "cash"}, "")
	require.NoError(t, err)

	_, err = svc.VoidInvoice(context.Background(), inv.ID)
	assert.ErrorIs(t, err, httpx.ErrValidation)
	assert.Equal(t, testrequests.PaymentPartial, repo.requests[1].PaymentStatus)
}

func TestListInvoicesFilters(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	_, err := svc.GenerateInvoice(context.Background(), 1)
	require.NoError(t, err)

	items, total, err := svc.ListInvoices(context.Background(), ListFilters{PatientID: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, items, 1)

	items, _, err = svc.ListInvoices(context.Background(), ListFilters{PatientID: 8})
	require.NoError(t, err)
	assert.Empty(t, items)

	_, _, err = svc.ListInvoices(context.Background(), ListFilters{Status: "OPEN"})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestSettle(t *testing.T) {
	inv, req := settle(1000, 0)
	assert.Equal(t, InvoiceUnpaid, inv)
	assert.Equal(t, testrequests.PaymentUnpaid, req)
	inv, req = settle(1000, 999)
	assert.Equal(t, InvoicePartial, inv)
	assert.Equal(t, testrequests.PaymentPartial, req)
	inv, req = settle(1000, 1000)
	assert.Equal(t, InvoicePaid, inv)
	assert.Equal(t, testrequests.PaymentPaid, req)
}
