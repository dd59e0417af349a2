package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/rbac"
	"github.com/labdesk/labdesk/internal/shared"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name string) (Role, error)
	RenameRole(ctx context.Context, id int64, name string) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
}

// Invalidator signals that cached user snapshots are stale. userID 0 means all users.
type Invalidator interface {
	Publish(ctx context.Context, userID int64) error
}

// ErrCoreRole is returned when deleting a protected role.
var ErrCoreRole = fmt.Errorf("%w: core roles cannot be deleted", httpx.ErrForbidden)

// ErrReservedName is returned when a name would make a role an administrator.
var ErrReservedName = fmt.Errorf("%w: role name is reserved for administrators", httpx.ErrValidation)

// Service handles role business logic.
type Service struct {
	repo        RepositoryPort
	invalidator Invalidator
	audit       shared.AuditRecorder
	logger      *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, invalidator Invalidator, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, invalidator: invalidator, audit: audit, logger: logger}
}

// ListRoles returns roles whose name contains filters.Search, ignoring case,
// along with the total match count before paging.
func (s *Service) ListRoles(ctx context.Context, filters RoleListFilters) ([]Role, int, error) {
	all, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, 0, err
	}
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(filters.Search))
	matched := make([]Role, 0, len(all))
	for _, role := range all {
		if needle == "" || strings.Contains(fold.String(role.Name), needle) {
			matched = append(matched, role)
		}
	}
	total := len(matched)
	if filters.Offset > 0 {
		if filters.Offset >= len(matched) {
			return []Role{}, total, nil
		}
		matched = matched[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(matched) {
		matched = matched[:filters.Limit]
	}
	return matched, total, nil
}

// GetRole returns one role.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// CreateRole adds a non-core role.
func (s *Service) CreateRole(ctx context.Context, name string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", httpx.ErrValidation)
	}
	if rbac.ElevatedRoleName(name) {
		return Role{}, ErrReservedName
	}
	role, err := s.repo.CreateRole(ctx, name)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, "roles.create", role.ID, map[string]any{"name": role.Name})
	return role, nil
}

// RenameRole changes a role's display name. The super-admin is immutable and
// only a seeded administrator role may carry an administrator name.
func (s *Service) RenameRole(ctx context.Context, id int64, name string) (Role, error) {
	if id == rbac.SuperAdminRoleID {
		return Role{}, rbac.ErrSuperAdminImmutable
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", httpx.ErrValidation)
	}
	if rbac.ElevatedRoleName(name) {
		current, err := s.repo.GetRole(ctx, id)
		if err != nil {
			return Role{}, err
		}
		if !current.IsCore || !rbac.ElevatedRoleName(current.Name) {
			return Role{}, ErrReservedName
		}
	}
	role, err := s.repo.RenameRole(ctx, id, name)
	if err != nil {
		return Role{}, err
	}
	s.invalidate(ctx)
	s.record(ctx, "roles.rename", id, map[string]any{"name": role.Name})
	return role, nil
}

// DeleteRole removes a non-core role and, through the database, its grants.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsCore || id == rbac.SuperAdminRoleID {
		return ErrCoreRole
	}
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.record(ctx, "roles.delete", id, map[string]any{"name": role.Name})
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Publish(ctx, 0); err != nil {
		s.logger.Warn("publish role invalidation", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, action string, id int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorID(ctx),
		Action:   action,
		Entity:   "role",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
