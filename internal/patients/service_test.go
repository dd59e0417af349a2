package patients

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

type mockRepository struct {
	mu       sync.Mutex
	patients map[int64]Patient
	nextID   int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{patients: map[int64]Patient{}, nextID: 1}
}

func (m *mockRepository) Create(ctx context.Context, p Patient) (Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.patients {
		if existing.MRN == p.MRN {
			return Patient{}, fmt.Errorf("%w: patient already exists", httpx.ErrConflict)
		}
	}
	p.ID = m.nextID
	m.nextID++
	m.patients[p.ID] = p
	return p, nil
}

func (m *mockRepository) Get(ctx context.Context, id int64) (Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return Patient{}, fmt.Errorf("%w: patient", httpx.ErrNotFound)
	}
	return p, nil
}

func (m *mockRepository) Update(ctx context.Context, p Patient) (Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return Patient{}, fmt.Errorf("%w: patient", httpx.ErrNotFound)
	}
	m.patients[p.ID] = p
	return p, nil
}

func (m *mockRepository) List(ctx context.Context, filters ListFilters) ([]Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Patient, 0)
	needle := strings.ToLower(filters.Search)
	for _, p := range m.patients {
		if needle == "" || strings.Contains(strings.ToLower(p.FullName()+" "+p.MRN), needle) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func TestCreateGeneratesMRN(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)

	p, err := svc.Create(context.Background(), CreatePatientRequest{FirstName: " Ada ", LastName: "Lovelace"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^LD-[0-9A-F]{8}$`), p.MRN)
	assert.Equal(t, "Ada", p.FirstName)
	assert.Equal(t, SexUnknown, p.Sex)
	assert.Equal(t, "Ada Lovelace", p.FullName())
}

func TestCreateKeepsSuppliedMRN(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)

	p, err := svc.Create(context.Background(), CreatePatientRequest{MRN: "mrn-42", FirstName: "Grace", Sex: SexFemale})
	require.NoError(t, err)
	assert.Equal(t, "MRN-42", p.MRN)

	_, err = svc.Create(context.Background(), CreatePatientRequest{MRN: "MRN-42", FirstName: "Other"})
	assert.ErrorIs(t, err, httpx.ErrConflict)
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreatePatientRequest{FirstName: "  "})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Create(ctx, CreatePatientRequest{FirstName: "Al", Sex: "robot"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Create(ctx, CreatePatientRequest{FirstName: "Al", Email: "nope"})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestUpdateAppliesOnlyProvidedFields(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil)
	ctx := context.Background()
	p, err := svc.Create(ctx, CreatePatientRequest{FirstName: "Alan", LastName: "Turing", Phone: "555-0100"})
	require.NoError(t, err)

	phone := "555-0199"
	updated, err := svc.Update(ctx, p.ID, UpdatePatientRequest{Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, "555-0199", updated.Phone)
	assert.Equal(t, "Turing", updated.LastName)
	assert.Equal(t, p.MRN, updated.MRN)

	blank := "   "
	_, err = svc.Update(ctx, p.ID, UpdatePatientRequest{FirstName: &blank})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Update(ctx, 999, UpdatePatientRequest{Phone: &phone})
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestListSearch(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil)
	ctx := context.Background()
	for _, name := range []string{"Marie", "Pierre", "Irene"} {
		_, err := svc.Create(ctx, CreatePatientRequest{FirstName: name, LastName: "Curie"})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, CreatePatientRequest{FirstName: "Niels", LastName: "Bohr"})
	require.NoError(t, err)

	items, total, err := svc.List(ctx, ListFilters{Search: " curie "})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, items, 3)
}
