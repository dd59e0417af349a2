package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/internal/shared"
)

// SnapshotLoader builds the current user's snapshot.
type SnapshotLoader interface {
	Snapshot(ctx context.Context, userID int64) (rbac.Me, error)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	snapshots SnapshotLoader
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, snapshots SnapshotLoader) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		snapshots: snapshots,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
}

// MountMe registers the current-user snapshot route.
func (h *Handler) MountMe(r chi.Router) {
	r.With(RequirePrincipal).Get("/me", h.handleMe)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Me        rbac.Me   `json:"me"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		fields := make([]string, 0)
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range verrs {
				fields = append(fields, strings.ToLower(fieldErr.Field()))
			}
		}
		httpx.RespondError(w, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, strings.Join(fields, ", ")))
		return
	}
	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if httpx.StatusOf(err) >= http.StatusInternalServerError {
			h.logger.Error("login", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	me, err := h.snapshot(r.Context(), result.User.ID, result.User.Email)
	if err != nil {
		h.logger.Error("login snapshot", slog.Int64("user_id", result.User.ID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, loginResponse{Token: result.Token, ExpiresAt: result.ExpiresAt, Me: me})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := shared.PrincipalFromContext(r.Context())
	me, err := h.snapshot(r.Context(), principal.UserID, principal.Email)
	if err != nil {
		if httpx.StatusOf(err) >= http.StatusInternalServerError {
			h.logger.Error("me snapshot", slog.Int64("user_id", principal.UserID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, me)
}

func (h *Handler) snapshot(ctx context.Context, userID int64, email string) (rbac.Me, error) {
	me, err := h.snapshots.Snapshot(ctx, userID)
	if err != nil {
		return rbac.Me{}, err
	}
	me.Email = email
	return me, nil
}
