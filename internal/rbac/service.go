package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

// Service coordinates the catalog, grant store and user snapshots.
type Service struct {
	repo      RepositoryPort
	catalog   *Catalog
	snapshots *SnapshotStore
	audit     shared.AuditRecorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds a Service. snapshots may be nil to disable snapshot caching.
func NewService(repo RepositoryPort, catalog *Catalog, snapshots *SnapshotStore, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		catalog:   catalog,
		snapshots: snapshots,
		audit:     audit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Catalog returns the permission catalog.
func (s *Service) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	return s.catalog.Load(ctx)
}

// EmptyMatrix returns the all-false matrix for the current catalog.
func (s *Service) EmptyMatrix(ctx context.Context) (Matrix, error) {
	catalog, err := s.catalog.Load(ctx)
	if err != nil {
		return nil, err
	}
	return BuildEmpty(catalog), nil
}

// GetGrants lists the role's grants. The super-admin reports the full catalog.
func (s *Service) GetGrants(ctx context.Context, roleID int64) ([]Grant, error) {
	if _, err := s.repo.GetRoleRef(ctx, roleID); err != nil {
		return nil, err
	}
	if roleID == SuperAdminRoleID {
		catalog, err := s.catalog.Load(ctx)
		if err != nil {
			return nil, err
		}
		grants := make([]Grant, 0, len(catalog))
		for _, e := range catalog {
			grants = append(grants, Grant{Resource: e.Resource, Action: e.Action})
		}
		return grants, nil
	}
	return s.repo.GetGrants(ctx, roleID)
}

// RolePermissions materializes the role's matrix over the current catalog.
func (s *Service) RolePermissions(ctx context.Context, roleID int64) (Matrix, error) {
	empty, err := s.EmptyMatrix(ctx)
	if err != nil {
		return nil, err
	}
	grants, err := s.GetGrants(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return OverlayGrants(empty, grants), nil
}

// SetGrantSlugs parses "resource:action" slugs and replaces the role's grants.
func (s *Service) SetGrantSlugs(ctx context.Context, roleID int64, slugs []string) error {
	grants, err := ParseSlugs(slugs)
	if err != nil {
		return err
	}
	return s.SetGrants(ctx, roleID, grants)
}

// SetGrants replaces the role's grants with exactly grants. Pairs missing from
// the catalog are rejected before anything is written.
func (s *Service) SetGrants(ctx context.Context, roleID int64, grants []Grant) error {
	if roleID == SuperAdminRoleID {
		return ErrSuperAdminImmutable
	}
	empty, err := s.EmptyMatrix(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(grants))
	deduped := make([]Grant, 0, len(grants))
	for _, g := range grants {
		if _, ok := empty[g.Resource][g.Action]; !ok {
			return fmt.Errorf("%w: unknown permission %q", httpx.ErrValidation, g.Slug())
		}
		if _, dup := seen[g.Slug()]; dup {
			continue
		}
		seen[g.Slug()] = struct{}{}
		deduped = append(deduped, g)
	}
	if err := s.repo.ReplaceGrants(ctx, roleID, deduped); err != nil {
		return err
	}
	s.invalidateAll(ctx)
	s.record(ctx, "rbac.grants.set", roleID, map[string]any{"count": len(deduped)})
	return nil
}

// SaveMatrix persists an edited matrix and returns what changed. Cells outside
// the catalog shape are ignored.
func (s *Service) SaveMatrix(ctx context.Context, roleID int64, edited Matrix) (MatrixDiff, error) {
	if roleID == SuperAdminRoleID {
		return MatrixDiff{}, ErrSuperAdminImmutable
	}
	original, err := s.RolePermissions(ctx, roleID)
	if err != nil {
		return MatrixDiff{}, err
	}
	shaped := OverlayGrants(BuildEmptyLike(original), Grants(edited))
	diff := Diff(original, shaped)
	if diff.Empty() {
		return diff, nil
	}
	if err := s.SetGrants(ctx, roleID, Grants(shaped)); err != nil {
		return MatrixDiff{}, err
	}
	return diff, nil
}

// ExportMatrix renders the role's matrix in the export file format.
func (s *Service) ExportMatrix(ctx context.Context, roleID int64) (ExportFile, error) {
	ref, err := s.repo.GetRoleRef(ctx, roleID)
	if err != nil {
		return ExportFile{}, err
	}
	matrix, err := s.RolePermissions(ctx, roleID)
	if err != nil {
		return ExportFile{}, err
	}
	return ExportFile{Role: ref.Name, Permissions: matrix, ExportedAt: s.now()}, nil
}

// ImportMatrix reconciles an uploaded file with the catalog. Nothing is saved.
func (s *Service) ImportMatrix(ctx context.Context, roleID int64, raw []byte) (Matrix, error) {
	if _, err := s.repo.GetRoleRef(ctx, roleID); err != nil {
		return nil, err
	}
	empty, err := s.EmptyMatrix(ctx)
	if err != nil {
		return nil, err
	}
	return ImportFromExternal(empty, raw)
}

// Snapshot returns the user's current "me" view, served from the snapshot
// cache when fresh.
func (s *Service) Snapshot(ctx context.Context, userID int64) (Me, error) {
	if me, ok := s.snapshots.Get(userID); ok {
		return me, nil
	}
	gen := s.snapshots.Generation()
	roles, err := s.repo.UserRoles(ctx, userID)
	if err != nil {
		return Me{}, err
	}
	me := Me{UserID: userID, RoleIDs: make([]int64, 0, len(roles))}
	superAdmin := false
	for i, role := range roles {
		if i == 0 {
			me.RoleID = role.ID
			me.RoleName = role.Name
		}
		me.RoleIDs = append(me.RoleIDs, role.ID)
		if role.ID == SuperAdminRoleID {
			superAdmin = true
		}
	}

	catalog, err := s.catalog.Load(ctx)
	if err != nil {
		return Me{}, err
	}
	empty := BuildEmpty(catalog)
	var matrix Matrix
	var effective any
	if superAdmin {
		matrix = fillMatrix(empty)
		effective = []string{wildcardSlug}
	} else {
		grants, err := s.repo.UserGrants(ctx, userID)
		if err != nil {
			return Me{}, err
		}
		matrix = OverlayGrants(empty, grants)
		effective = Flatten(matrix)
	}
	if me.EffectivePermissions, err = json.Marshal(effective); err != nil {
		return Me{}, err
	}
	if me.PermissionsMatrix, err = json.Marshal(matrix); err != nil {
		return Me{}, err
	}
	if me.PermissionSlugs, err = json.Marshal(Flatten(matrix)); err != nil {
		return Me{}, err
	}
	// an invalidation during the reads leaves this result uncached
	s.snapshots.PutIfCurrent(userID, me, gen)
	return me, nil
}

// InvalidateUser drops one user's snapshot everywhere.
func (s *Service) InvalidateUser(ctx context.Context, userID int64) {
	if err := s.snapshots.Publish(ctx, userID); err != nil {
		s.logger.Warn("publish snapshot invalidation", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func (s *Service) invalidateAll(ctx context.Context) {
	s.InvalidateUser(ctx, 0)
}

func (s *Service) record(ctx context.Context, action string, roleID int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorID(ctx),
		Action:   action,
		Entity:   "role",
		EntityID: strconv.FormatInt(roleID, 10),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

// BuildEmptyLike returns an all-false matrix with m's shape.
func BuildEmptyLike(m Matrix) Matrix {
	out := make(Matrix, len(m))
	for resource, actions := range m {
		row := make(map[string]bool, len(actions))
		for action := range actions {
			row[action] = false
		}
		out[resource] = row
	}
	return out
}

func fillMatrix(m Matrix) Matrix {
	out := BuildEmptyLike(m)
	for _, row := range out {
		for action := range row {
			row[action] = true
		}
	}
	return out
}
