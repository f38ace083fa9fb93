package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-2/repository"
	"github.com/ahmadzakiakmal/foodtrace/layer-2/repository/models"
	"github.com/ahmadzakiakmal/foodtrace/trace"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memUsers struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func (m *memUsers) CreateUser(ctx context.Context, user *models.User) *repository.RepositoryError {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.PhoneNumber]; ok {
		return &repository.RepositoryError{Code: repository.ErrCodeConflict, Message: "Phone number already registered"}
	}
	m.users[user.PhoneNumber] = user
	return nil
}

func (m *memUsers) GetUserByPhone(ctx context.Context, phoneNumber string) (*models.User, *repository.RepositoryError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[phoneNumber]
	if !ok {
		return nil, &repository.RepositoryError{Code: repository.ErrCodeNotFound, Message: "User not found"}
	}
	return u, nil
}

type MockUserStore struct {
	mock.Mock
}

func (m *MockUserStore) CreateUser(ctx context.Context, user *models.User) *repository.RepositoryError {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*repository.RepositoryError)
}

func (m *MockUserStore) GetUserByPhone(ctx context.Context, phoneNumber string) (*models.User, *repository.RepositoryError) {
	args := m.Called(ctx, phoneNumber)
	var u *models.User
	if args.Get(0) != nil {
		u = args.Get(0).(*models.User)
	}
	if args.Get(1) == nil {
		return u, nil
	}
	return u, args.Get(1).(*repository.RepositoryError)
}

const secret = "test-secret-0123456789"

func newDirectory(t *testing.T, store UserStore, clock func() time.Time) *Directory {
	t.Helper()
	d, err := NewDirectory(store, Config{Secret: secret, TTL: time.Hour, Cost: bcrypt.MinCost, Clock: clock})
	require.NoError(t, err)
	return d
}

func TestRegisterAndLogin(t *testing.T) {
	store := &memUsers{users: map[string]*models.User{}}
	d, err := NewDirectory(store, Config{Secret: secret, TTL: time.Hour, Cost: bcrypt.MinCost, AllowAuthoritySignup: true})
	require.NoError(t, err)
	ctx := context.Background()

	profile, err := d.Register(ctx, RegisterRequest{Name: "Siti", Password: "padi-2025", PhoneNumber: "+62811", Role: "gov_authority"})
	require.NoError(t, err)
	assert.Equal(t, trace.RoleGovAuthority, profile.Role)
	assert.NotEqual(t, "padi-2025", store.users["+62811"].PasswordHash)

	token, err := d.Login(ctx, "+62811", "padi-2025")
	require.NoError(t, err)
	assert.Equal(t, profile.Actor, token.Actor)
	assert.Equal(t, trace.RoleGovAuthority, token.Role)

	sess, err := d.Authenticate(token.Token)
	require.NoError(t, err)
	assert.Equal(t, trace.Session{Actor: profile.Actor, Role: trace.RoleGovAuthority}, sess)
}

func TestAuthoritySignupIsGated(t *testing.T) {
	store := &memUsers{users: map[string]*models.User{}}
	d := newDirectory(t, store, nil)
	ctx := context.Background()

	_, err := d.Register(ctx, RegisterRequest{Name: "Siti", Password: "padi-2025", PhoneNumber: "+62811", Role: "Gov Authority"})
	require.ErrorIs(t, err, trace.ErrAuthorization)
	assert.Empty(t, store.users)

	for _, role := range []trace.Role{trace.RoleProducer, trace.RoleIntermediate, trace.RoleDistributor} {
		_, err := d.Register(ctx, RegisterRequest{Name: "u", Password: "long-enough", PhoneNumber: string(role), Role: string(role)})
		require.NoError(t, err, role)
	}
	assert.Len(t, store.users, 3)
}

func TestRegisterValidation(t *testing.T) {
	d := newDirectory(t, &memUsers{users: map[string]*models.User{}}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  RegisterRequest
	}{
		{"no name", RegisterRequest{Password: "long-enough", PhoneNumber: "1", Role: "Producer"}},
		{"no phone", RegisterRequest{Name: "a", Password: "long-enough", Role: "Producer"}},
		{"short password", RegisterRequest{Name: "a", Password: "short", PhoneNumber: "1", Role: "Producer"}},
		{"unknown role", RegisterRequest{Name: "a", Password: "long-enough", PhoneNumber: "1", Role: "Farmer"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Register(ctx, tt.req)
			assert.ErrorIs(t, err, trace.ErrValidation)
		})
	}

	_, err := d.Register(ctx, RegisterRequest{Name: "a", Password: "long-enough", PhoneNumber: "1", Role: "Producer"})
	require.NoError(t, err)
	_, err = d.Register(ctx, RegisterRequest{Name: "b", Password: "long-enough", PhoneNumber: "1", Role: "Distributor"})
	assert.ErrorIs(t, err, trace.ErrConflict)
}

func TestLoginFailures(t *testing.T) {
	d := newDirectory(t, &memUsers{users: map[string]*models.User{}}, nil)
	ctx := context.Background()
	_, err := d.Register(ctx, RegisterRequest{Name: "a", Password: "long-enough", PhoneNumber: "1", Role: "Producer"})
	require.NoError(t, err)

	_, err = d.Login(ctx, "1", "wrong-password")
	assert.ErrorIs(t, err, trace.ErrAuthorization)
	_, err = d.Login(ctx, "2", "long-enough")
	assert.ErrorIs(t, err, trace.ErrAuthorization)
}

func TestLoginDatabaseFailureIsRetryable(t *testing.T) {
	store := new(MockUserStore)
	store.On("GetUserByPhone", mock.Anything, "1").
		Return(nil, &repository.RepositoryError{Code: repository.ErrCodeDatabase, Message: "Database error"})
	d := newDirectory(t, store, nil)

	_, err := d.Login(context.Background(), "1", "long-enough")
	assert.ErrorIs(t, err, trace.ErrConnectivity)
	store.AssertExpectations(t)
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d := newDirectory(t, &memUsers{users: map[string]*models.User{}}, clock)
	ctx := context.Background()
	_, err := d.Register(ctx, RegisterRequest{Name: "a", Password: "long-enough", PhoneNumber: "1", Role: "Producer"})
	require.NoError(t, err)
	token, err := d.Login(ctx, "1", "long-enough")
	require.NoError(t, err)

	_, err = d.Authenticate("")
	assert.ErrorIs(t, err, trace.ErrAuthorization)
	_, err = d.Authenticate("not-a-token")
	assert.ErrorIs(t, err, trace.ErrAuthorization)

	other, err := NewDirectory(&memUsers{}, Config{Secret: "another-secret-9876543210", Clock: clock})
	require.NoError(t, err)
	_, err = other.Authenticate(token.Token)
	assert.ErrorIs(t, err, trace.ErrAuthorization)

	now = now.Add(2 * time.Hour)
	_, err = d.Authenticate(token.Token)
	assert.ErrorIs(t, err, trace.ErrAuthorization)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "foodtrace", Subject: "usr-1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: "Emperor",
	})
	signed, err := forged.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = d.Authenticate(signed)
	assert.ErrorIs(t, err, trace.ErrAuthorization)
}

func TestNewDirectoryRequiresSecret(t *testing.T) {
	_, err := NewDirectory(&memUsers{}, Config{})
	assert.Error(t, err)
}
