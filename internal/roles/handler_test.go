package roles

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

func newTestHandler(t *testing.T, repo *mockRepository, permissions string) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := rbac.Middleware{Snapshots: fixedSnapshots{me: rbac.DecodeMe([]byte(`{"role_name":"lab_manager","effective_permissions":` + permissions + `}`))}}
	h := NewHandler(logger, NewService(repo, nil, nil, logger), mw)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), shared.Principal{UserID: 1})))
		})
	})
	r.Route("/roles", h.MountRoutes)
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

func TestHandlerListRolesEnvelope(t *testing.T) {
	h := newTestHandler(t, newMockRepository(), `["roles:view"]`)

	rr := send(h, http.MethodGet, "/roles?search=admin&limit=10", "")
	require.Equal(t, http.StatusOK, rr.Code)

	items := rbac.DecodeList[Role](rr.Body.Bytes())
	require.Len(t, items, 2)
	assert.Equal(t, "super_admin", items[0].Name)
	assert.Equal(t, "admin", items[1].Name)

	var envelope struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	assert.Equal(t, 2, envelope.Total)
	assert.Equal(t, 10, envelope.Limit)
}

func TestHandlerCreateRole(t *testing.T) {
	h := newTestHandler(t, newMockRepository(), `["roles:view","roles:create"]`)

	rr := send(h, http.MethodPost, "/roles", `{"name":"courier"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var role Role
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &role))
	assert.Equal(t, "courier", role.Name)
	assert.False(t, role.IsCore)

	rr = send(h, http.MethodPost, "/roles", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = send(h, http.MethodPost, "/roles", `{"name":"SuperAdmin"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerPermissionGates(t *testing.T) {
	h := newTestHandler(t, newMockRepository(), `["roles:view"]`)

	assert.Equal(t, http.StatusForbidden, send(h, http.MethodPost, "/roles", `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusForbidden, send(h, http.MethodPut, "/roles/5", `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusForbidden, send(h, http.MethodDelete, "/roles/7", "").Code)
}

func TestHandlerRenameAndDeleteRules(t *testing.T) {
	repo := newMockRepository()
	h := newTestHandler(t, repo, `["roles:view","roles:edit","roles:delete","roles:create"]`)

	assert.Equal(t, http.StatusForbidden, send(h, http.MethodPut, "/roles/1", `{"name":"root"}`).Code)
	assert.Equal(t, http.StatusOK, send(h, http.MethodPut, "/roles/4", `{"name":"technologist"}`).Code)
	assert.Equal(t, http.StatusForbidden, send(h, http.MethodDelete, "/roles/4", "").Code)
	assert.Equal(t, http.StatusNotFound, send(h, http.MethodDelete, "/roles/77", "").Code)

	rr := send(h, http.MethodPost, "/roles", `{"name":"temp"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, http.StatusNoContent, send(h, http.MethodDelete, "/roles/7", "").Code)
}
