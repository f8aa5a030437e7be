// Package identity handles primary authentication: users proving who they
// are with credentials, and service clients proving who they are with a
// client secret. Successful authentication yields an Identity token or a
// Service Client token; tenant scoping happens later, at exchange time.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"auth9.org/internal/token"
)

var (
	ErrInvalidInput       = errors.New("identity: invalid input")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrUserDisabled       = errors.New("identity: user disabled")
	ErrNotFound           = errors.New("identity: not found")
	ErrConflict           = errors.New("identity: already exists")
)

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is a person known to the platform, independent of any tenant.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Status       string    `json:"status"`
	MFAEnabled   bool      `json:"mfa_enabled"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ServiceClient is a machine caller using the client_credentials grant.
type ServiceClient struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the persistence surface the identity service needs.
type Store interface {
	CreateUser(ctx context.Context, email, name, passwordHash, status string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetServiceClientByClientID(ctx context.Context, clientID string) (ServiceClient, error)
}

// Service authenticates users and service clients.
type Service struct {
	store Store
	codec *token.Codec
}

func NewService(store Store, codec *token.Codec) *Service {
	return &Service{store: store, codec: codec}
}

// Register creates a user with a hashed password.
func (s *Service) Register(ctx context.Context, email, name, password string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	password = strings.TrimSpace(password)
	if len(password) < 8 {
		return User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	return s.store.CreateUser(ctx, email, strings.TrimSpace(name), hash, UserStatusActive)
}

// Login verifies credentials and issues an Identity token. The token carries
// no tenant context; callers exchange it per tenant and service.
func (s *Service) Login(ctx context.Context, email, password string) (string, time.Time, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || strings.TrimSpace(password) == "" {
		return "", time.Time{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrInvalidCredentials
		}
		return "", time.Time{}, err
	}
	if !VerifyPassword(u.PasswordHash, password) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if u.Status != UserStatusActive {
		return "", time.Time{}, ErrUserDisabled
	}
	return s.codec.IssueIdentity(u.ID, u.Email, u.Name, nil)
}

// ClientCredentials verifies a service client secret and issues a Service
// Client token with the service-wide audience.
func (s *Service) ClientCredentials(ctx context.Context, clientID, clientSecret string) (string, time.Time, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" || strings.TrimSpace(clientSecret) == "" {
		return "", time.Time{}, fmt.Errorf("%w: client_id and client_secret are required", ErrInvalidInput)
	}
	sc, err := s.store.GetServiceClientByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", time.Time{}, ErrInvalidCredentials
		}
		return "", time.Time{}, err
	}
	if !VerifyPassword(sc.SecretHash, clientSecret) {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if !sc.Enabled {
		return "", time.Time{}, ErrUserDisabled
	}
	email := sc.ClientID + "@service.auth9"
	return s.codec.IssueServiceClient(sc.ID, email, sc.TenantID)
}

// HashPassword derives an argon2id hash in PHC string format.
func HashPassword(password string) (string, error) {
	const (
		memory      = 64 * 1024
		iterations  = 2
		parallelism = 1
		keyLength   = 32
		saltLength  = 16
	)

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		memory,
		iterations,
		parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks a password against a PHC-formatted argon2id hash in
// constant time.
func VerifyPassword(encoded, password string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory uint32
	var iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
