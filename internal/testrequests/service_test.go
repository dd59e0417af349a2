package testrequests

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/labdesk/internal/labcatalog"
	"github.com/labdesk/labdesk/internal/patients"
	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

type mockRepository struct {
	mu       sync.Mutex
	requests map[int64]TestRequest
	events   map[int64][]Event
	nextID   int64
	creates  int
}

func newMockRepository() *mockRepository {
	return &mockRepository{requests: map[int64]TestRequest{}, events: map[int64][]Event{}, nextID: 1}
}

func (m *mockRepository) Create(ctx context.Context, req TestRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	req.ID = m.nextID
	m.nextID++
	req.Items = slices.Clone(req.Items)
	for i := range req.Items {
		req.Items[i].ID = int64(i + 1)
	}
	m.requests[req.ID] = req
	m.events[req.ID] = append(m.events[req.ID], Event{RequestID: req.ID, To: req.Status, ActorID: req.CreatedBy, Note: "created"})
	return req.ID, nil
}

func (m *mockRepository) Get(ctx context.Context, id int64) (TestRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return TestRequest{}, fmt.Errorf("%w: test request", httpx.ErrNotFound)
	}
	req.Items = slices.Clone(req.Items)
	return req, nil
}

func (m *mockRepository) List(ctx context.Context, filters ListFilters) ([]TestRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TestRequest, 0)
	for id := int64(1); id < m.nextID; id++ {
		req, ok := m.requests[id]
		if !ok {
			continue
		}
		if filters.Status != "" && req.Status != filters.Status {
			continue
		}
		if filters.PatientID != 0 && req.PatientID != filters.PatientID {
			continue
		}
		out = append(out, req)
	}
	return out, len(out), nil
}

func (m *mockRepository) Transition(ctx context.Context, id int64, from, to Status, actorID int64, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: test request", httpx.ErrNotFound)
	}
	if req.Status != from {
		return fmt.Errorf("%w: test request is no longer %s", httpx.ErrConflict, from)
	}
	req.Status = to
	m.requests[id] = req
	m.events[id] = append(m.events[id], Event{RequestID: id, From: from, To: to, ActorID: actorID, Note: note})
	return nil
}

func (m *mockRepository) SaveResults(ctx context.Context, id int64, allowed []Status, results map[int64]Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: test request", httpx.ErrNotFound)
	}
	if !slices.Contains(allowed, req.Status) {
		return fmt.Errorf("%w: results cannot be entered while %s", httpx.ErrConflict, req.Status)
	}
	items := slices.Clone(req.Items)
	for testID, result := range results {
		found := false
		for i := range items {
			if items[i].TestID == testID {
				r := result
				items[i].Result = &r
				found = true
			}
		}
		if !found {
			return fmt.Errorf("%w: test %d is not on request", httpx.ErrValidation, testID)
		}
	}
	req.Items = items
	m.requests[id] = req
	return nil
}

func (m *mockRepository) Events(ctx context.Context, id int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events[id]), nil
}

type stubCatalog map[int64]labcatalog.CatalogItem

func (c stubCatalog) Resolve(ctx context.Context, ids []int64) ([]labcatalog.CatalogItem, error) {
	out := make([]labcatalog.CatalogItem, 0, len(ids))
	for _, id := range ids {
		item, ok := c[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown test id %d", httpx.ErrValidation, id)
		}
		out = append(out, item)
	}
	return out, nil
}

type stubPatients map[int64]patients.Patient

func (p stubPatients) Get(ctx context.Context, id int64) (patients.Patient, error) {
	patient, ok := p[id]
	if !ok {
		return patients.Patient{}, fmt.Errorf("%w: patient", httpx.ErrNotFound)
	}
	return patient, nil
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

func sampleCatalog() stubCatalog {
	return stubCatalog{1: analyteX, 2: analyteY, 3: analyteZ, 100: panelA, 101: panelB}
}

func newTestService(repo *mockRepository) *Service {
	svc := NewService(repo, sampleCatalog(), stubPatients{7: {ID: 7, MRN: "LD-00000007", FirstName: "Ada"}}, &memoryGuard{}, nil, nil)
	svc.now = func() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) }
	return svc
}

func actorContext(userID int64) context.Context {
	return shared.ContextWithPrincipal(context.Background(), shared.Principal{UserID: userID})
}

func TestCreateExpandsPanels(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)

	req, err := svc.Create(actorContext(5), CreateRequest{PatientID: 7, TestIDs: []int64{100, 1}}, "")
	require.NoError(t, err)
	require.Len(t, req.Items, 2)
	assert.Equal(t, "X", req.Items[0].Code)
	assert.Equal(t, "Y", req.Items[1].Code)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, PaymentUnbilled, req.PaymentStatus)
	assert.Equal(t, PriorityRoutine, req.Priority)
	assert.Equal(t, int64(5), req.CreatedBy)
}

func TestCreateValidation(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ctx := actorContext(5)

	_, err := svc.Create(ctx, CreateRequest{PatientID: 7}, "")
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Create(ctx, CreateRequest{PatientID: 99, TestIDs: []int64{1}}, "")
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Create(ctx, CreateRequest{PatientID: 7, TestIDs: []int64{1, 404}}, "")
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Create(ctx, CreateRequest{PatientID: 7, TestIDs: []int64{1}, Priority: "asap"}, "")
	assert.ErrorIs(t, err, httpx.ErrValidation)

	assert.Zero(t, repo.creates)
}

func TestCreateIsIdempotent(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	ctx := actorContext(5)
	in := CreateRequest{PatientID: 7, TestIDs: []int64{3}, Priority: PriorityStat}

	_, err := svc.Create(ctx, in, "order-1")
	require.NoError(t, err)
	_, err = svc.Create(ctx, in, "order-1")
	assert.ErrorIs(t, err, httpx.ErrConflict)
	_, err = svc.Create(ctx, in, "order-2")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.creates)
}

func advance(t *testing.T, svc *Service, id int64, path ...Status) {
	t.Helper()
	for _, to := range path {
		_, err := svc.Transition(actorContext(5), id, to, "")
		require.NoError(t, err, "to %s", to)
	}
}

func TestTransitionRecordsEvents(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	req, err := svc.Create(actorContext(5), CreateRequest{PatientID: 7, TestIDs: []int64{1}}, "")
	require.NoError(t, err)

	advance(t, svc, req.ID, StatusSampleCollected, StatusInProgress)

	_, err = svc.Transition(actorContext(5), req.ID, StatusVerified, "")
	assert.ErrorIs(t, err, httpx.ErrConflict)

	_, err = svc.Transition(actorContext(5), req.ID, "DONE", "")
	assert.ErrorIs(t, err, httpx.ErrValidation)

	events, err := svc.Events(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, StatusSampleCollected, events[1].To)
	assert.Equal(t, StatusSampleCollected, events[2].From)
	assert.Equal(t, StatusInProgress, events[2].To)
}

func TestCompleteRequiresAllResults(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	req, err := svc.Create(actorContext(5), CreateRequest{PatientID: 7, TestIDs: []int64{100}}, "")
	require.NoError(t, err)
	advance(t, svc, req.ID, StatusSampleCollected, StatusInProgress)

	_, err = svc.EnterResults(actorContext(5), req.ID, []ResultEntry{{TestID: 1, Value: "4.2", Flag: "n"}})
	require.NoError(t, err)

	_, err = svc.Transition(actorContext(5), req.ID, StatusCompleted, "")
	assert.ErrorIs(t, err, httpx.ErrValidation)

	updated, err := svc.EnterResults(actorContext(5), req.ID, []ResultEntry{{TestID: 2, Value: "7"}})
	require.NoError(t, err)
	require.NotNil(t, updated.Items[0].Result)
	assert.Equal(t, "N", updated.Items[0].Result.Flag)
	assert.Equal(t, "manual", updated.Items[1].Result.Source)

	advance(t, svc, req.ID, StatusCompleted, StatusUnderReview, StatusRejected, StatusInProgress, StatusCompleted,
		StatusUnderReview, StatusVerified, StatusReleased, StatusReopened)
	got, err := svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReopened, got.Status)
	assert.Equal(t, PaymentUnbilled, got.PaymentStatus)
}

func TestEnterResultsOnlyWhileProcessing(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	req, err := svc.Create(actorContext(5), CreateRequest{PatientID: 7, TestIDs: []int64{1}}, "")
	require.NoError(t, err)

	_, err = svc.EnterResults(actorContext(5), req.ID, []ResultEntry{{TestID: 1, Value: "1"}})
	assert.ErrorIs(t, err, httpx.ErrConflict)

	advance(t, svc, req.ID, StatusSampleCollected, StatusInProgress)

	_, err = svc.EnterResults(actorContext(5), req.ID, []ResultEntry{{TestID: 3, Value: "1"}})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.EnterResults(actorContext(5), req.ID, []ResultEntry{{TestID: 1, Value: "  "}})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.EnterResults(actorContext(5), req.ID, nil)
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

const oruForRequest1 = "MSH|^~\\&|Cobas|Lab|labdesk|LD|20240115150000||ORU^R01|CTRL-9|P|2.5.1\r" +
	"PID|1||LD-00000007\r" +
	"OBR|1|1\r" +
	"OBX|1|NM|x^Analyte X||5.1|mmol/L|3.5-5.0|H|||F\r" +
	"OBX|2|NM|Q^Unknown||1|||N|||F"

func TestIngestHL7(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	req, err := svc.Create(actorContext(5), CreateRequest{PatientID: 7, TestIDs: []int64{100}}, "")
	require.NoError(t, err)

	_, err = svc.IngestHL7(actorContext(9), req.ID, []byte(oruForRequest1))
	assert.ErrorIs(t, err, httpx.ErrConflict)

	advance(t, svc, req.ID, StatusSampleCollected, StatusInProgress)

	report, err := svc.IngestHL7(actorContext(9), req.ID, []byte(oruForRequest1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, []string{"Q"}, report.Unmatched)
	assert.Equal(t, "CTRL-9", report.ControlID)

	got, err := svc.Get(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Items[0].Result)
	assert.Equal(t, Result{
		Value:          "5.1",
		Units:          "mmol/L",
		ReferenceRange: "3.5-5.0",
		Flag:           "H",
		Source:         "hl7",
		EnteredBy:      9,
		EnteredAt:      time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
	}, *got.Items[0].Result)
	assert.Nil(t, got.Items[1].Result)
}

func TestIngestHL7Rejections(t *testing.T) {
	repo := newMockRepository()
	svc := newTestService(repo)
	req, err := svc.Create(actorContext(5), CreateRequest{PatientID: 7, TestIDs: []int64{3}}, "")
	require.NoError(t, err)
	advance(t, svc, req.ID, StatusSampleCollected, StatusInProgress)

	_, err = svc.IngestHL7(actorContext(9), req.ID, []byte("garbage"))
	assert.ErrorIs(t, err, httpx.ErrValidation)

	adt := "MSH|^~\\&|A|B|C|D|20240101||ADT^A01|1|P|2.5\rPID|1"
	_, err = svc.IngestHL7(actorContext(9), req.ID, []byte(adt))
	assert.ErrorIs(t, err, httpx.ErrValidation)

	wrongOrder := "MSH|^~\\&|A|B|C|D|20240101||ORU^R01|1|P|2.5\rOBR|1|77\rOBX|1|NM|Z||1"
	_, err = svc.IngestHL7(actorContext(9), req.ID, []byte(wrongOrder))
	assert.ErrorIs(t, err, httpx.ErrValidation)

	nothingMatches := "MSH|^~\\&|A|B|C|D|20240101||ORU^R01|1|P|2.5\rOBX|1|NM|X||1"
	_, err = svc.IngestHL7(actorContext(9), req.ID, []byte(nothingMatches))
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	svc := newTestService(newMockRepository())

	_, _, err := svc.List(context.Background(), ListFilters{Status: "DONE"})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestEventsUnknownRequest(t *testing.T) {
	svc := newTestService(newMockRepository())

	_, err := svc.Events(context.Background(), 42)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}
