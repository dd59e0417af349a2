package rbac

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

const defaultImportLimit = 1 << 20

// PermissionsHandler serves the catalog, role grants and matrix endpoints.
type PermissionsHandler struct {
	logger   *slog.Logger
	service  *Service
	rbac     Middleware
	maxBytes int64
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service, rbac Middleware, maxBytes int64) *PermissionsHandler {
	if maxBytes <= 0 {
		maxBytes = defaultImportLimit
	}
	return &PermissionsHandler{logger: logger, service: service, rbac: rbac, maxBytes: maxBytes}
}

// MountRoutes registers permission routes relative to the /roles prefix.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRolesView))
		r.Get("/permissions", h.listCatalog)
		r.Get("/{id}/permissions", h.listGrants)
		r.Get("/{id}/matrix", h.getMatrix)
		r.Get("/{id}/matrix/export", h.exportMatrix)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRolesEdit))
		r.Post("/{id}/permissions", h.setGrants)
		r.Put("/{id}/matrix", h.saveMatrix)
		r.Post("/{id}/matrix/import", h.importMatrix)
	})
}

type setGrantsRequest struct {
	Permissions []string `json:"permissions"`
}

type saveMatrixRequest struct {
	Permissions Matrix `json:"permissions"`
}

type matrixResponse struct {
	RoleID      int64  `json:"role_id"`
	Permissions Matrix `json:"permissions"`
}

func (h *PermissionsHandler) listCatalog(w http.ResponseWriter, r *http.Request) {
	catalog, err := h.service.Catalog(r.Context())
	if err != nil {
		h.fail(w, "list permission catalog", err)
		return
	}
	httpx.JSON(w, http.StatusOK, httpx.ListEnvelope[CatalogEntry]{Items: catalog, Total: len(catalog)})
}

func (h *PermissionsHandler) listGrants(w http.ResponseWriter, r *http.Request) {
	roleID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	grants, err := h.service.GetGrants(r.Context(), roleID)
	if err != nil {
		h.fail(w, "list role grants", err)
		return
	}
	if grants == nil {
		grants = []Grant{}
	}
	httpx.JSON(w, http.StatusOK, httpx.ListEnvelope[Grant]{Items: grants, Total: len(grants)})
}

func (h *PermissionsHandler) setGrants(w http.ResponseWriter, r *http.Request) {
	roleID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req setGrantsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.SetGrantSlugs(r.Context(), roleID, req.Permissions); err != nil {
		h.fail(w, "set role grants", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PermissionsHandler) getMatrix(w http.ResponseWriter, r *http.Request) {
	roleID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	matrix, err := h.service.RolePermissions(r.Context(), roleID)
	if err != nil {
		h.fail(w, "load role matrix", err)
		return
	}
	httpx.JSON(w, http.StatusOK, matrixResponse{RoleID: roleID, Permissions: matrix})
}

func (h *PermissionsHandler) saveMatrix(w http.ResponseWriter, r *http.Request) {
	roleID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req saveMatrixRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	diff, err := h.service.SaveMatrix(r.Context(), roleID, req.Permissions)
	if err != nil {
		h.fail(w, "save role matrix", err)
		return
	}
	httpx.JSON(w, http.StatusOK, diff)
}

func (h *PermissionsHandler) exportMatrix(w http.ResponseWriter, r *http.Request) {
	roleID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	file, err := h.service.ExportMatrix(r.Context(), roleID)
	if err != nil {
		h.fail(w, "export role matrix", err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="role-%s-permissions.json"`, strconv.FormatInt(roleID, 10)))
	httpx.JSON(w, http.StatusOK, file)
}

func (h *PermissionsHandler) importMatrix(w http.ResponseWriter, r *http.Request) {
	roleID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid file", httpx.ErrValidation))
		return
	}
	matrix, err := h.service.ImportMatrix(r.Context(), roleID, raw)
	if err != nil {
		h.fail(w, "import role matrix", err)
		return
	}
	httpx.JSON(w, http.StatusOK, matrixResponse{RoleID: roleID, Permissions: matrix})
}

func (h *PermissionsHandler) fail(w http.ResponseWriter, op string, err error) {
	if httpx.StatusOf(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
