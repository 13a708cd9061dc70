package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
	listErr error
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func adminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      "admin",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := adminStore()

	manager := NewAuthManager("test-secret", time.Hour, "123456", store, nil)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.NotEqual(t, "admin123", users[0].Password)
	assert.True(t, strings.HasPrefix(users[0].Password, "$2"), "expected bcrypt hash, got %s", users[0].Password)
	assert.GreaterOrEqual(t, store.updates, 1)
}

func TestLoginIssuesTokenThatParsesBack(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", adminStore(), nil)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Admin ", Password: "admin123"})
	require.NoError(t, err)
	assert.Equal(t, "admin", resp.Role)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{Username: "admin", Role: "admin"}, actor)

	other := NewAuthManager("another-secret", time.Hour, "123456", adminStore(), nil)
	_, err = other.ParseToken(resp.AccessToken)
	assert.Error(t, err)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "123456", adminStore(), nil)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginKeepsCachedUsersWhenStoreFails(t *testing.T) {
	store := adminStore()
	manager := NewAuthManager("test-secret", time.Hour, "123456", store, nil)

	store.mu.Lock()
	store.listErr = errors.New("connection refused")
	store.mu.Unlock()

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	assert.NoError(t, err)
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	store := adminStore()

	manager := NewAuthManager("test-secret", time.Hour, "123456", store, nil)
	cashier, err := manager.CreateCashier(context.Background(), domain.CashierCreateRequest{
		Username: "kasirbaru",
		Password: "pass1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "kasirbaru", cashier.Username)

	users, err := store.ListUsers(context.Background())
	require.NoError(t, err)
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "kasirbaru" {
			found = &users[i]
			break
		}
	}
	require.NotNil(t, found, "expected cashier to be saved")
	assert.NotEqual(t, "pass1234", found.Password)
	assert.True(t, strings.HasPrefix(found.Password, "$2"))

	_, err = manager.Login(context.Background(), domain.LoginRequest{Username: "kasirbaru", Password: "pass1234"})
	require.NoError(t, err)

	cashiers := manager.ListCashiers(context.Background())
	require.Len(t, cashiers, 1)
	assert.Equal(t, "kasirbaru", cashiers[0].Username)

	_, err = manager.CreateCashier(context.Background(), domain.CashierCreateRequest{Username: "kasirbaru", Password: "pass1234"})
	assert.Error(t, err)
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{users: map[string]domain.UserAccount{}}, nil)

	assert.NotEqual(t, "654321", manager.managerPIN)
	assert.True(t, manager.ValidateManagerPIN("654321"))
	assert.False(t, manager.ValidateManagerPIN("111111"))
	assert.False(t, manager.ValidateManagerPIN(""))
}
