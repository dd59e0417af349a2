package labcatalog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/internal/shared"
)

type fixedSnapshots struct {
	me rbac.Me
}

func (f fixedSnapshots) Snapshot(ctx context.Context, userID int64) (rbac.Me, error) {
	return f.me, nil
}

type recordingEnqueuer struct {
	payloads [][]byte
	actors   []int64
}

func (e *recordingEnqueuer) EnqueueCatalogImport(ctx context.Context, csv []byte, actorID int64) (string, error) {
	e.payloads = append(e.payloads, csv)
	e.actors = append(e.actors, actorID)
	return "task-1", nil
}

func newTestHandler(t *testing.T, repo *mockRepository, enqueuer ImportEnqueuer, maxBytes int64, permissions string) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := rbac.Middleware{Snapshots: fixedSnapshots{me: rbac.DecodeMe([]byte(`{"role_name":"lab_manager","effective_permissions":` + permissions + `}`))}}
	h := NewHandler(logger, NewService(repo, nil, logger), mw, enqueuer, maxBytes)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), shared.Principal{UserID: 3})))
		})
	})
	r.Route("/catalog", h.MountRoutes)
	return r
}

func send(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, reader))
	return rr
}

const sampleCSV = "code,name,department,price,type,members\nALB,Albumin,Chemistry,3,analyte,\n"

func TestHandlerListTests(t *testing.T) {
	h := newTestHandler(t, newMockRepository(), nil, 0, `["tests:view"]`)

	rr := send(h, http.MethodGet, "/catalog/tests?type=panel", "")
	require.Equal(t, http.StatusOK, rr.Code)
	items := rbac.DecodeList[Test](rr.Body.Bytes())
	require.Len(t, items, 1)
	assert.Equal(t, []int64{1, 2, 3}, items[0].MemberIDs)

	rr = send(h, http.MethodGet, "/catalog/tests/4", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = send(h, http.MethodGet, "/catalog/tests/400", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerImportInline(t *testing.T) {
	repo := newMockRepository()
	h := newTestHandler(t, repo, nil, 0, `["tests:import"]`)

	rr := send(h, http.MethodPost, "/catalog/import", sampleCSV)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var report ImportReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, 1, report.AnalytesUpserted)
	assert.NotNil(t, report.Errors)
	assert.Len(t, repo.tests, 6)
}

func TestHandlerImportAsync(t *testing.T) {
	repo := newMockRepository()
	enq := &recordingEnqueuer{}
	h := newTestHandler(t, repo, enq, 0, `["tests:import"]`)

	rr := send(h, http.MethodPost, "/catalog/import?async=true", sampleCSV)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.JSONEq(t, `{"task_id":"task-1"}`, rr.Body.String())
	require.Len(t, enq.payloads, 1)
	assert.Equal(t, sampleCSV, string(enq.payloads[0]))
	assert.Equal(t, []int64{3}, enq.actors)
	assert.Len(t, repo.tests, 5)

	rr = send(h, http.MethodPost, "/catalog/import?async=true", "nope\n")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Len(t, enq.payloads, 1)
}

func TestHandlerImportTooLarge(t *testing.T) {
	h := newTestHandler(t, newMockRepository(), nil, 16, `["tests:import"]`)

	rr := send(h, http.MethodPost, "/catalog/import", sampleCSV)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerImportRequiresPermission(t *testing.T) {
	h := newTestHandler(t, newMockRepository(), nil, 0, `["tests:view","tests:create"]`)

	rr := send(h, http.MethodPost, "/catalog/import", sampleCSV)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
