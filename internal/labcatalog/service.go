package labcatalog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/labdesk/labdesk/internal/platform/httpx"
	"github.com/labdesk/labdesk/internal/shared"
)

// RepositoryPort defines catalog data access.
type RepositoryPort interface {
	List(ctx context.Context, filters ListFilters) ([]Test, int, error)
	FindByIDs(ctx context.Context, ids []int64) ([]Test, error)
	CreateAnalyte(ctx context.Context, a Analyte) (int64, error)
	CreatePanel(ctx context.Context, p Panel, memberIDs []int64) (int64, error)
	ApplyImport(ctx context.Context, batch ImportBatch) (ImportReport, error)
}

// Service manages the orderable test catalog.
type Service struct {
	repo     RepositoryPort
	audit    shared.AuditRecorder
	logger   *slog.Logger
	validate *validator.Validate
}

// NewService constructs the catalog service.
func NewService(repo RepositoryPort, audit shared.AuditRecorder, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, validate: validator.New()}
}

// List returns a page of catalog rows.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Test, int, error) {
	filters.Search = strings.TrimSpace(filters.Search)
	switch filters.Kind {
	case "", KindAnalyte, KindPanel:
	default:
		return nil, 0, fmt.Errorf("%w: type must be analyte or panel", httpx.ErrValidation)
	}
	return s.repo.List(ctx, filters)
}

// Get returns one catalog row.
func (s *Service) Get(ctx context.Context, id int64) (Test, error) {
	tests, err := s.repo.FindByIDs(ctx, []int64{id})
	if err != nil {
		return Test{}, err
	}
	if len(tests) == 0 {
		return Test{}, fmt.Errorf("%w: test %d", httpx.ErrNotFound, id)
	}
	return tests[0], nil
}

// CreateAnalyte adds a single analyte.
func (s *Service) CreateAnalyte(ctx context.Context, req CreateAnalyteRequest) (Test, error) {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return Test{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	id, err := s.repo.CreateAnalyte(ctx, Analyte{
		Code:           req.Code,
		Name:           req.Name,
		Department:     strings.TrimSpace(req.Department),
		Price:          req.Price,
		Unit:           strings.TrimSpace(req.Unit),
		ReferenceRange: strings.TrimSpace(req.ReferenceRange),
	})
	if err != nil {
		return Test{}, err
	}
	s.record(ctx, "catalog.analyte.create", id, map[string]any{"code": req.Code})
	return s.Get(ctx, id)
}

// CreatePanel adds a panel whose members must all be existing analytes.
func (s *Service) CreatePanel(ctx context.Context, req CreatePanelRequest) (Test, error) {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return Test{}, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	}
	memberIDs := uniqueIDs(req.MemberIDs)
	members, err := s.repo.FindByIDs(ctx, memberIDs)
	if err != nil {
		return Test{}, err
	}
	byID := indexByID(members)
	for _, id := range memberIDs {
		m, ok := byID[id]
		if !ok {
			return Test{}, fmt.Errorf("%w: unknown member %d", httpx.ErrValidation, id)
		}
		if m.Kind != KindAnalyte {
			return Test{}, fmt.Errorf("%w: member %s is a panel", httpx.ErrValidation, m.Code)
		}
	}
	id, err := s.repo.CreatePanel(ctx, Panel{
		Code:       req.Code,
		Name:       req.Name,
		Department: strings.TrimSpace(req.Department),
		Price:      req.Price,
	}, memberIDs)
	if err != nil {
		return Test{}, err
	}
	s.record(ctx, "catalog.panel.create", id, map[string]any{"code": req.Code, "members": memberIDs})
	return s.Get(ctx, id)
}

// Resolve loads each id as an Analyte or a Panel with its members, in the
// order given. Duplicated ids resolve to duplicated items.
func (s *Service) Resolve(ctx context.Context, ids []int64) ([]CatalogItem, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one test is required", httpx.ErrValidation)
	}
	unique := uniqueIDs(ids)
	rows, err := s.repo.FindByIDs(ctx, unique)
	if err != nil {
		return nil, err
	}
	byID := indexByID(rows)

	var memberIDs []int64
	for _, id := range unique {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown test id %d", httpx.ErrValidation, id)
		}
		for _, m := range t.MemberIDs {
			if _, loaded := byID[m]; !loaded {
				memberIDs = append(memberIDs, m)
			}
		}
	}
	if len(memberIDs) > 0 {
		members, err := s.repo.FindByIDs(ctx, uniqueIDs(memberIDs))
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			byID[m.ID] = m
		}
	}

	items := make([]CatalogItem, 0, len(ids))
	for _, id := range ids {
		t := byID[id]
		if t.Kind != KindPanel {
			items = append(items, t.analyte())
			continue
		}
		panel := Panel{ID: t.ID, Code: t.Code, Name: t.Name, Department: t.Department, Price: t.Price}
		for _, mid := range t.MemberIDs {
			m, ok := byID[mid]
			if !ok || m.Kind != KindAnalyte {
				continue
			}
			panel.Members = append(panel.Members, m.analyte())
		}
		if len(panel.Members) == 0 {
			return nil, fmt.Errorf("%w: panel %s has no analytes", httpx.ErrValidation, t.Code)
		}
		items = append(items, panel)
	}
	return items, nil
}

// Import parses and applies a catalog CSV.
func (s *Service) Import(ctx context.Context, r io.Reader) (ImportReport, error) {
	batch, err := ParseCSV(r)
	if err != nil {
		return ImportReport{}, err
	}
	report, err := s.repo.ApplyImport(ctx, batch)
	if err != nil {
		return ImportReport{}, err
	}
	if report.Errors == nil {
		report.Errors = []ImportRowError{}
	}
	s.logger.Info("catalog import applied",
		slog.Int("rows", report.Rows),
		slog.Int("analytes", report.AnalytesUpserted),
		slog.Int("panels", report.PanelsUpserted),
		slog.Int("errors", len(report.Errors)))
	s.record(ctx, "catalog.import", 0, map[string]any{
		"rows":     report.Rows,
		"analytes": report.AnalytesUpserted,
		"panels":   report.PanelsUpserted,
		"errors":   len(report.Errors),
	})
	return report, nil
}

func (s *Service) record(ctx context.Context, action string, id int64, meta map[string]any) {
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorID(ctx),
		Action:   action,
		Entity:   "lab_test",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}

func indexByID(tests []Test) map[int64]Test {
	out := make(map[int64]Test, len(tests))
	for _, t := range tests {
		out[t.ID] = t
	}
	return out
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
	return out
}
