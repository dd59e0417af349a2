package users

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/labdesk/labdesk/internal/platform/httpx"
)

type mockRepository struct {
	mu     sync.Mutex
	users  map[int64]User
	hashes map[int64]string
	roles  map[int64]bool
	nextID int64
}

func newMockRepository() *mockRepository {
	repo := &mockRepository{
		users:  map[int64]User{},
		hashes: map[int64]string{},
		roles:  map[int64]bool{1: true, 2: true, 5: true},
		nextID: 1,
	}
	repo.users[1] = User{ID: 1, Email: "admin@labdesk.local", Name: "Admin", IsActive: true, RoleIDs: []int64{1}}
	repo.users[2] = User{ID: 2, Email: "desk@labdesk.local", Name: "Front Desk", IsActive: true, RoleIDs: []int64{5}}
	repo.nextID = 3
	return repo
}

func (m *mockRepository) ListUsers(ctx context.Context, filters ListFilters) ([]User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (m *mockRepository) GetUser(ctx context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user", httpx.ErrNotFound)
	}
	return u, nil
}

func (m *mockRepository) checkRoles(ids []int64) error {
	for _, id := range ids {
		if !m.roles[id] {
			return fmt.Errorf("%w: unknown role id", httpx.ErrValidation)
		}
	}
	return nil
}

func (m *mockRepository) CreateUser(ctx context.Context, in CreateUserInput, passwordHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == in.Email {
			return 0, fmt.Errorf("%w: user already exists", httpx.ErrConflict)
		}
	}
	if err := m.checkRoles(in.RoleIDs); err != nil {
		return 0, err
	}
	id := m.nextID
	m.nextID++
	m.users[id] = User{ID: id, Email: in.Email, Name: in.Name, IsActive: true, RoleIDs: in.RoleIDs}
	m.hashes[id] = passwordHash
	return id, nil
}

func (m *mockRepository) ReplaceRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%w: user", httpx.ErrNotFound)
	}
	if err := m.checkRoles(roleIDs); err != nil {
		return err
	}
	u.RoleIDs = roleIDs
	m.users[userID] = u
	return nil
}

type countingInvalidator struct {
	calls []int64
}

func (c *countingInvalidator) Publish(ctx context.Context, userID int64) error {
	c.calls = append(c.calls, userID)
	return nil
}

func TestCreateUserHashesPassword(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil, nil)

	user, err := svc.CreateUser(context.Background(), CreateUserInput{
		Email:    "  Tech@Labdesk.Local ",
		Name:     "Bench Tech",
		Password: "s3cret-pass",
		RoleIDs:  []int64{2, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "tech@labdesk.local", user.Email)
	assert.Equal(t, []int64{2}, user.RoleIDs)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(repo.hashes[user.ID]), []byte("s3cret-pass")))
}

func TestCreateUserValidation(t *testing.T) {
	svc := NewService(newMockRepository(), nil, nil, nil)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, CreateUserInput{Email: "not-an-email", Name: "x", Password: "long-enough"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreateUser(ctx, CreateUserInput{Email: "a@b.io", Name: "x", Password: "short"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.CreateUser(ctx, CreateUserInput{Email: "admin@labdesk.local", Name: "Dup", Password: "long-enough"})
	assert.ErrorIs(t, err, httpx.ErrConflict)
}

func TestSetRolesInvalidatesUser(t *testing.T) {
	repo := newMockRepository()
	inv := &countingInvalidator{}
	svc := NewService(repo, inv, nil, nil)

	user, err := svc.SetRoles(context.Background(), 2, []int64{5, 2, 5})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 5}, user.RoleIDs)
	assert.Equal(t, []int64{2}, inv.calls)
}

func TestSetRolesRejectsUnknown(t *testing.T) {
	repo := newMockRepository()
	inv := &countingInvalidator{}
	svc := NewService(repo, inv, nil, nil)
	ctx := context.Background()

	_, err := svc.SetRoles(ctx, 2, []int64{42})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.SetRoles(ctx, 2, []int64{-1})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.SetRoles(ctx, 99, []int64{5})
	assert.ErrorIs(t, err, httpx.ErrNotFound)

	assert.Empty(t, inv.calls)
	assert.Equal(t, []int64{5}, repo.users[2].RoleIDs)
}

func TestSetRolesToEmpty(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, nil, nil, nil)

	user, err := svc.SetRoles(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Empty(t, user.RoleIDs)
}
