package labcatalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

type mockRepository struct {
	mu     sync.Mutex
	tests  map[int64]Test
	nextID int64
}

// newMockRepository seeds CHOL(1), HDL(2), LDL(3), GLU(4) and LIPID(10) = CHOL, HDL, LDL.
func newMockRepository() *mockRepository {
	repo := &mockRepository{tests: map[int64]Test{}, nextID: 11}
	for i, code := range []string{"CHOL", "HDL", "LDL", "GLU"} {
		id := int64(i + 1)
		repo.tests[id] = Test{ID: id, Code: code, Name: code, Department: "Chemistry", Price: float64(10 * id), Kind: KindAnalyte}
	}
	repo.tests[10] = Test{ID: 10, Code: "LIPID", Name: "Lipid panel", Department: "Chemistry", Price: 50, Kind: KindPanel, MemberIDs: []int64{1, 2, 3}}
	return repo
}

func (m *mockRepository) List(ctx context.Context, filters ListFilters) ([]Test, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Test, 0)
	for _, t := range m.tests {
		if filters.Kind != "" && t.Kind != filters.Kind {
			continue
		}
		if filters.Search != "" && !strings.Contains(strings.ToLower(t.Code+" "+t.Name), strings.ToLower(filters.Search)) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, len(out), nil
}

func (m *mockRepository) FindByIDs(ctx context.Context, ids []int64) ([]Test, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Test, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.tests[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockRepository) codeTaken(code string) bool {
	for _, t := range m.tests {
		if t.Code == code {
			return true
		}
	}
	return false
}

func (m *mockRepository) CreateAnalyte(ctx context.Context, a Analyte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codeTaken(a.Code) {
		return 0, fmt.Errorf("%w: test already exists", httpx.ErrConflict)
	}
	id := m.nextID
	m.nextID++
	m.tests[id] = Test{ID: id, Code: a.Code, Name: a.Name, Department: a.Department, Price: a.Price, Kind: KindAnalyte, Unit: a.Unit}
	return id, nil
}

func (m *mockRepository) CreatePanel(ctx context.Context, p Panel, memberIDs []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codeTaken(p.Code) {
		return 0, fmt.Errorf("%w: test already exists", httpx.ErrConflict)
	}
	id := m.nextID
	m.nextID++
	m.tests[id] = Test{ID: id, Code: p.Code, Name: p.Name, Department: p.Department, Price: p.Price, Kind: KindPanel, MemberIDs: memberIDs}
	return id, nil
}

func (m *mockRepository) ApplyImport(ctx context.Context, batch ImportBatch) (ImportReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := ImportReport{Rows: batch.Rows, Errors: batch.Errors}
	byCode := func(code string) (Test, bool) {
		for _, t := range m.tests {
			if t.Code == code {
				return t, true
			}
		}
		return Test{}, false
	}
	upsert := func(row ImportRow, members []int64) bool {
		existing, ok := byCode(row.Code)
		if ok && existing.Kind != row.Kind {
			return false
		}
		id := existing.ID
		if !ok {
			id = m.nextID
			m.nextID++
		}
		m.tests[id] = Test{ID: id, Code: row.Code, Name: row.Name, Department: row.Department, Price: row.Price, Kind: row.Kind, MemberIDs: members}
		return true
	}
	for _, row := range batch.Analytes {
		if !upsert(row, nil) {
			report.Errors = append(report.Errors, ImportRowError{Line: row.Line, Code: row.Code, Message: "code belongs to a panel"})
			continue
		}
		report.AnalytesUpserted++
	}
	for _, row := range batch.Panels {
		var ids []int64
		msg := ""
		for _, code := range row.Members {
			t, ok := byCode(code)
			if !ok || t.Kind != KindAnalyte {
				msg = fmt.Sprintf("unknown member %q", code)
				break
			}
			ids = append(ids, t.ID)
		}
		if msg != "" {
			report.Errors = append(report.Errors, ImportRowError{Line: row.Line, Code: row.Code, Message: msg})
			continue
		}
		if !upsert(row, ids) {
			report.Errors = append(report.Errors, ImportRowError{Line: row.Line, Code: row.Code, Message: "code belongs to an analyte"})
			continue
		}
		report.PanelsUpserted++
	}
	return report, nil
}

func TestResolveKeepsOrderAndVariants(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)

	items, err := svc.Resolve(context.Background(), []int64{10, 4, 1})
	require.NoError(t, err)
	require.Len(t, items, 3)

	panel, ok := items[0].(Panel)
	require.True(t, ok)
	assert.Equal(t, "LIPID", panel.Code)
	codes := make([]string, 0, len(panel.Members))
	for _, m := range panel.Members {
		codes = append(codes, m.Code)
	}
	assert.Equal(t, []string{"CHOL", "HDL", "LDL"}, codes)

	glu, ok := items[1].(Analyte)
	require.True(t, ok)
	assert.Equal(t, int64(4), glu.ItemID())
	assert.Equal(t, 40.0, glu.Price)

	_, ok = items[2].(Analyte)
	assert.True(t, ok)
}

func TestResolveRejectsUnknownOrEmpty(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)

	_, err := svc.Resolve(context.Background(), nil)
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Resolve(context.Background(), []int64{1, 404})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestCreatePanelRequiresAnalyteMembers(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	ctx := context.Background()

	_, err := svc.CreatePanel(ctx, CreatePanelRequest{Code: "meta", Name: "Meta", MemberIDs: []int64{10, 4}})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreatePanel(ctx, CreatePanelRequest{Code: "meta", Name: "Meta", MemberIDs: []int64{99}})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreatePanel(ctx, CreatePanelRequest{Code: "meta", Name: "Meta"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	panel, err := svc.CreatePanel(ctx, CreatePanelRequest{Code: " bmp ", Name: "Basic", Price: 30, MemberIDs: []int64{4, 1, 4}})
	require.NoError(t, err)
	assert.Equal(t, "BMP", panel.Code)
	assert.Equal(t, KindPanel, panel.Kind)
	assert.Equal(t, []int64{4, 1}, panel.MemberIDs)
}

func TestCreateAnalyte(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	ctx := context.Background()

	created, err := svc.CreateAnalyte(ctx, CreateAnalyteRequest{Code: "trig", Name: "Triglycerides", Price: 9.5, Unit: "mg/dL"})
	require.NoError(t, err)
	assert.Equal(t, "TRIG", created.Code)
	assert.Equal(t, KindAnalyte, created.Kind)

	_, err = svc.CreateAnalyte(ctx, CreateAnalyteRequest{Code: "TRIG", Name: "Dup"})
	assert.ErrorIs(t, err, httpx.ErrConflict)

	_, err = svc.CreateAnalyte(ctx, CreateAnalyteRequest{Code: "NEG", Name: "Negative", Price: -1})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestImportReport(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	input := strings.Join([]string{
		"code,name,department,price,type,members",
		"CBC,Complete blood count,Hematology,25,panel,HGB;WBC",
		"HGB,Hemoglobin,Hematology,8,analyte,",
		"WBC,White cells,Hematology,8,analyte,",
		"LIPID,Lipid as analyte,Chemistry,1,analyte,",
		"BAD,Bad panel,Chemistry,1,panel,NOPE",
		"CHOL,Cholesterol v2,Chemistry,13,analyte,",
	}, "\n")

	report, err := svc.Import(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 6, report.Rows)
	assert.Equal(t, 3, report.AnalytesUpserted)
	assert.Equal(t, 1, report.PanelsUpserted)
	require.Len(t, report.Errors, 2)
	assert.Equal(t, "LIPID", report.Errors[0].Code)
	assert.Equal(t, "BAD", report.Errors[1].Code)
	assert.Equal(t, 13.0, repo.tests[1].Price)

	items, _, err := svc.List(context.Background(), ListFilters{Search: "cbc"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Len(t, items[0].MemberIDs, 2)
}

func TestImportRejectsBadHeader(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)

	_, err := svc.Import(context.Background(), strings.NewReader("code;name\nA;B\n"))
	assert.ErrorIs(t, err, httpx.ErrValidation)
	assert.Len(t, repo.tests, 5)
}

func TestListRejectsUnknownKind(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)

	_, _, err := svc.List(context.Background(), ListFilters{Kind: "gadget"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	panels, total, err := svc.List(context.Background(), ListFilters{Kind: KindPanel})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "LIPID", panels[0].Code)
}
