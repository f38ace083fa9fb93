package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/foodtrace/layer-2/repository"
	"github.com/ahmadzakiakmal/foodtrace/layer-2/repository/models"
	"github.com/ahmadzakiakmal/foodtrace/trace"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 8

// UserStore persists users
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) *repository.RepositoryError
	GetUserByPhone(ctx context.Context, phoneNumber string) (*models.User, *repository.RepositoryError)
}

// Config holds token and hashing settings
type Config struct {
	Secret string
	TTL    time.Duration
	Issuer string
	// Cost is the bcrypt cost, bcrypt.DefaultCost when zero.
	Cost  int
	Clock func() time.Time

	// AllowAuthoritySignup lets Register create Gov Authority accounts.
	AllowAuthoritySignup bool
}

// Claims is the token payload: the actor identifier and its role
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Role string `json:"role"`
}

// Directory registers users, logs them in and turns their tokens back
// into trace sessions
type Directory struct {
	store  UserStore
	secret []byte
	ttl    time.Duration
	issuer string
	cost   int
	clock  func() time.Time

	allowAuthority bool
}

// RegisterRequest is the input of Register
type RegisterRequest struct {
	Name        string `json:"name"`
	Password    string `json:"password"`
	PhoneNumber string `json:"phone_number"`
	Role        string `json:"role"`
}

// Profile is the public view of a user
type Profile struct {
	Actor       string     `json:"actor"`
	Name        string     `json:"name"`
	PhoneNumber string     `json:"phone_number"`
	Role        trace.Role `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Token is what Login hands back
type Token struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	Actor     string     `json:"actor"`
	Role      trace.Role `json:"role"`
}

// NewDirectory creates a user directory over store
func NewDirectory(store UserStore, cfg Config) (*Directory, error) {
	if cfg.Secret == "" {
		return nil, errors.New("identity: token secret is empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "foodtrace"
	}
	if cfg.Cost == 0 {
		cfg.Cost = bcrypt.DefaultCost
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Directory{
		store:  store,
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		issuer: cfg.Issuer,
		cost:   cfg.Cost,
		clock:  cfg.Clock,

		allowAuthority: cfg.AllowAuthoritySignup,
	}, nil
}

// Register creates a user with a bcrypt-hashed password. Gov Authority
// accounts are refused unless the directory allows authority signup.
func (d *Directory) Register(ctx context.Context, in RegisterRequest) (*Profile, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.PhoneNumber = strings.TrimSpace(in.PhoneNumber)
	if in.Name == "" {
		return nil, trace.Validation("name is required")
	}
	if in.PhoneNumber == "" {
		return nil, trace.Validation("phone_number is required")
	}
	if len(in.Password) < minPasswordLength {
		return nil, trace.Validation("password must be at least %d characters", minPasswordLength)
	}
	role, err := trace.ParseRole(in.Role)
	if err != nil {
		return nil, err
	}
	if role == trace.RoleGovAuthority && !d.allowAuthority {
		return nil, trace.Unauthorized("%s accounts cannot be self-registered on this node", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), d.cost)
	if err != nil {
		return nil, trace.Validation("hashing password: %v", err)
	}

	user := &models.User{
		ID:           "usr-" + uuid.New().String(),
		Name:         in.Name,
		PhoneNumber:  in.PhoneNumber,
		PasswordHash: string(hash),
		Role:         string(role),
		CreatedAt:    d.clock().UTC(),
	}
	if repoErr := d.store.CreateUser(ctx, user); repoErr != nil {
		return nil, storeError(repoErr)
	}
	return profileOf(user), nil
}

// Login checks a phone number and password and issues a signed token. An
// unknown phone number and a wrong password fail the same way.
func (d *Directory) Login(ctx context.Context, phoneNumber, password string) (*Token, error) {
	user, repoErr := d.store.GetUserByPhone(ctx, strings.TrimSpace(phoneNumber))
	if repoErr != nil {
		if repoErr.Code == repository.ErrCodeNotFound {
			return nil, trace.Unauthorized("invalid phone number or password")
		}
		return nil, storeError(repoErr)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, trace.Unauthorized("invalid phone number or password")
	}

	now := d.clock()
	expires := now.Add(d.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    d.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Name: user.Name,
		Role: user.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return &Token{Token: signed, ExpiresAt: expires.UTC(), Actor: user.ID, Role: trace.Role(user.Role)}, nil
}

// Authenticate verifies a token and returns the session it carries.
func (d *Directory) Authenticate(token string) (trace.Session, error) {
	if token == "" {
		return trace.Session{}, trace.Unauthorized("missing session token")
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return d.secret, nil
	},
		jwt.WithIssuer(d.issuer),
		jwt.WithTimeFunc(d.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return trace.Session{}, trace.Unauthorized("invalid session token: %v", err)
	}
	role, err := trace.ParseRole(claims.Role)
	if err != nil || claims.Subject == "" {
		return trace.Session{}, trace.Unauthorized("session token carries no valid actor or role")
	}
	return trace.Session{Actor: claims.Subject, Role: role}, nil
}

func profileOf(u *models.User) *Profile {
	return &Profile{
		Actor:       u.ID,
		Name:        u.Name,
		PhoneNumber: u.PhoneNumber,
		Role:        trace.Role(u.Role),
		CreatedAt:   u.CreatedAt,
	}
}

func storeError(repoErr *repository.RepositoryError) error {
	switch repoErr.Code {
	case repository.ErrCodeConflict:
		return trace.Conflict("%s: %s", repoErr.Message, repoErr.Detail)
	case repository.ErrCodeNotFound:
		return trace.Validation("%s", repoErr.Message)
	default:
		return trace.Connectivity(repoErr, "user directory unavailable")
	}
}
