package users

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/labdesk/labdesk/internal/auth"
	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error)
	GetUser(ctx context.Context, id int64) (User, error)
	CreateUser(ctx context.Context, in CreateUserInput, passwordHash string) (int64, error)
	ReplaceRoles(ctx context.Context, userID int64, roleIDs []int64) error
}

// Invalidator signals that a user's cached snapshot is stale.
type Invalidator interface {
	Publish(ctx context.Context, userID int64) error
}

// Service handles user business logic.
type Service struct {
	repo        RepositoryPort
	invalidator Invalidator
	audit       shared.AuditRecorder
	logger      *slog.Logger
	validate    *validator.Validate
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, invalidator Invalidator, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invalidator: invalidator, audit: audit, logger: logger, validate: validator.New()}
}

// ListUsers returns a page of users.
func (s *Service) ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error) {
	filters.Search = strings.TrimSpace(filters.Search)
	return s.repo.ListUsers(ctx, filters)
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// CreateUser registers an account with a bcrypt password hash.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return User{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	in.RoleIDs = uniqueIDs(in.RoleIDs)
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return User{}, err
	}
	id, err := s.repo.CreateUser(ctx, in, hash)
	if err != nil {
		return User{}, err
	}
	s.record(ctx, "users.create", id, map[string]any{"email": in.Email, "role_ids": in.RoleIDs})
	return s.repo.GetUser(ctx, id)
}

// SetRoles replaces the user's role assignment and invalidates their snapshot.
func (s *Service) SetRoles(ctx context.Context, userID int64, roleIDs []int64) (User, error) {
	for _, id := range roleIDs {
		if id <= 0 {
			return User{}, fmt.Errorf("%w: invalid role id %d", httpx.ErrValidation, id)
		}
	}
	roleIDs = uniqueIDs(roleIDs)
	if err := s.repo.ReplaceRoles(ctx, userID, roleIDs); err != nil {
		return User{}, err
	}
	if s.invalidator != nil {
		if err := s.invalidator.Publish(ctx, userID); err != nil {
			s.logger.Warn("publish user invalidation", slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	s.record(ctx, "users.roles.set", userID, map[string]any{"role_ids": roleIDs})
	return s.repo.GetUser(ctx, userID)
}

func (s *Service) record(ctx context.Context, action string, id int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorID(ctx),
		Action:   action,
		Entity:   "user",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
