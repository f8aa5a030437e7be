// Package token implements the codec for the three token kinds used by the
// platform: Identity tokens, Tenant Access tokens and Service Client tokens.
// The codec is pure: it signs and verifies bytes with the configured key and
// never consults any data store.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// AudienceIdentity marks Identity tokens, issued after primary
	// authentication and not yet scoped to a tenant or service.
	AudienceIdentity = "auth9"
	// AudienceServiceClient marks Service Client tokens obtained via the
	// client_credentials grant.
	AudienceServiceClient = "auth9-service"

	typeIdentity     = "identity"
	typeTenantAccess = "access"
	typeService      = "service"

	defaultAccessTTL = 15 * time.Minute
	clockLeeway      = 5 * time.Second
)

var (
	// ErrInvalidToken is the umbrella failure for any verification error.
	ErrInvalidToken = errors.New("token: invalid token")
	// ErrInvalidSignature indicates the signature did not verify.
	ErrInvalidSignature = fmt.Errorf("%w: bad signature", ErrInvalidToken)
	// ErrExpired indicates the token is past its expiry.
	ErrExpired = fmt.Errorf("%w: expired", ErrInvalidToken)
	// ErrMalformedClaims indicates the payload was parseable as a JWT but does
	// not carry the shape required for the requested token kind.
	ErrMalformedClaims = fmt.Errorf("%w: malformed claims", ErrInvalidToken)
)

// Kind is the closed set of token kinds, discriminated by audience shape.
type Kind string

const (
	KindIdentity     Kind = "identity"
	KindTenantAccess Kind = "tenant_access"
	KindServiceClient Kind = "service_client"
)

// IdentityClaims is the payload of an Identity token.
type IdentityClaims struct {
	Email     string         `json:"email"`
	Name      string         `json:"name,omitempty"`
	SessionID string         `json:"sid,omitempty"`
	TokenType string         `json:"token_type"`
	Custom    map[string]any `json:"custom,omitempty"`
	jwt.RegisteredClaims
}

// TenantAccessClaims is the payload of a Tenant Access token: one tenant, one
// service, resolved roles and effective permissions.
type TenantAccessClaims struct {
	Email       string         `json:"email"`
	TenantID    string         `json:"tenant_id"`
	Roles       []string       `json:"roles"`
	Permissions []string       `json:"permissions"`
	TokenType   string         `json:"token_type"`
	Custom      map[string]any `json:"custom,omitempty"`
	jwt.RegisteredClaims
}

// ServiceClientClaims is the payload of a Service Client token. Subject is a
// service id, not a user id.
type ServiceClientClaims struct {
	Email     string `json:"email"`
	TenantID  string `json:"tenant_id,omitempty"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Codec signs and verifies the three token kinds.
type Codec struct {
	issuer    string
	accessTTL time.Duration
	now       func() time.Time

	signKey   any
	verifyKey any
	method    jwt.SigningMethod
}

// Option configures a Codec.
type Option func(*Codec) error

// WithAccessTTL overrides the default token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(c *Codec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// WithRSAKeyPair switches the codec to RS256 using PEM-encoded keys.
// Intended for deployments where verifiers hold only the public key.
func WithRSAKeyPair(privatePEM, publicPEM []byte) Option {
	return func(c *Codec) error {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM(privatePEM)
		if err != nil {
			return fmt.Errorf("token: parse private key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(publicPEM)
		if err != nil {
			return fmt.Errorf("token: parse public key: %w", err)
		}
		c.signKey = priv
		c.verifyKey = pub
		c.method = jwt.SigningMethodRS256
		return nil
	}
}

// NewCodec constructs a Codec signing with HS256 using the provided secret.
// WithRSAKeyPair switches it to RS256.
func NewCodec(issuer, secret string, opts ...Option) (*Codec, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("token: issuer is required")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token: signing secret is required")
	}
	c := &Codec{
		issuer:    issuer,
		accessTTL: defaultAccessTTL,
		now:       time.Now,
		signKey:   []byte(secret),
		verifyKey: []byte(secret),
		method:    jwt.SigningMethodHS256,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AccessTTL reports the configured token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// Issuer reports the configured issuer claim.
func (c *Codec) Issuer() string { return c.issuer }

// IssueIdentity signs an Identity token for a freshly authenticated user.
// Custom claims (from the pre-issuance hook) are carried under "custom".
func (c *Codec) IssueIdentity(userID, email, name string, custom map[string]any) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(email) == "" {
		return "", time.Time{}, errors.New("token: user id and email are required")
	}
	now := c.now().UTC()
	exp := now.Add(c.accessTTL)
	claims := IdentityClaims{
		Email:     email,
		Name:      name,
		TokenType: typeIdentity,
		Custom:    custom,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{AudienceIdentity},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := c.sign(claims)
	return signed, exp, err
}

// IssueTenantAccess signs a Tenant Access token scoped to one tenant and one
// service. Roles and permissions must already be resolved by the caller.
func (c *Codec) IssueTenantAccess(userID, email, tenantID, serviceClientID string, roles, permissions []string, custom map[string]any) (string, time.Time, error) {
	switch {
	case strings.TrimSpace(userID) == "":
		return "", time.Time{}, errors.New("token: user id is required")
	case strings.TrimSpace(tenantID) == "":
		return "", time.Time{}, errors.New("token: tenant id is required")
	case strings.TrimSpace(serviceClientID) == "":
		return "", time.Time{}, errors.New("token: service client id is required")
	}
	if roles == nil {
		roles = []string{}
	}
	if permissions == nil {
		permissions = []string{}
	}
	now := c.now().UTC()
	exp := now.Add(c.accessTTL)
	claims := TenantAccessClaims{
		Email:       email,
		TenantID:    tenantID,
		Roles:       roles,
		Permissions: permissions,
		TokenType:   typeTenantAccess,
		Custom:      custom,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{serviceClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := c.sign(claims)
	return signed, exp, err
}

// IssueServiceClient signs a Service Client token for machine-to-machine
// callers. The synthetic email keeps downstream claim handling uniform.
func (c *Codec) IssueServiceClient(serviceID, email, tenantID string) (string, time.Time, error) {
	if strings.TrimSpace(serviceID) == "" {
		return "", time.Time{}, errors.New("token: service id is required")
	}
	now := c.now().UTC()
	exp := now.Add(c.accessTTL)
	claims := ServiceClientClaims{
		Email:     email,
		TenantID:  tenantID,
		TokenType: typeService,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   serviceID,
			Audience:  jwt.ClaimStrings{AudienceServiceClient},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := c.sign(claims)
	return signed, exp, err
}

// VerifyIdentity checks signature, expiry, issuer and the Identity audience
// before returning claims.
func (c *Codec) VerifyIdentity(raw string) (*IdentityClaims, error) {
	var claims IdentityClaims
	if err := c.parse(raw, &claims, AudienceIdentity); err != nil {
		return nil, err
	}
	if claims.TokenType != typeIdentity {
		return nil, ErrMalformedClaims
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Email) == "" {
		return nil, ErrMalformedClaims
	}
	return &claims, nil
}

// VerifyTenantAccess checks a Tenant Access token. When expectedAudience is
// non-empty the audience must match exactly; otherwise the audience is left
// to the caller (introspection paths), but the tenant scoping claims must
// still be present.
func (c *Codec) VerifyTenantAccess(raw, expectedAudience string) (*TenantAccessClaims, error) {
	var claims TenantAccessClaims
	if err := c.parse(raw, &claims, expectedAudience); err != nil {
		return nil, err
	}
	if claims.TokenType != typeTenantAccess {
		return nil, ErrMalformedClaims
	}
	if strings.TrimSpace(claims.TenantID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMalformedClaims
	}
	return &claims, nil
}

// VerifyServiceClient checks a Service Client token.
func (c *Codec) VerifyServiceClient(raw string) (*ServiceClientClaims, error) {
	var claims ServiceClientClaims
	if err := c.parse(raw, &claims, AudienceServiceClient); err != nil {
		return nil, err
	}
	if claims.TokenType != typeService {
		return nil, ErrMalformedClaims
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMalformedClaims
	}
	return &claims, nil
}

// Decoded is the result of kind-agnostic decoding, used by introspection.
type Decoded struct {
	Kind         Kind
	Identity     *IdentityClaims
	TenantAccess *TenantAccessClaims
	Service      *ServiceClientClaims
}

// Decode verifies a token of unknown kind, trying Tenant Access first (the
// most common case on the introspection path), then Identity, then Service
// Client. Exactly one of the claim fields is set on success.
func (c *Codec) Decode(raw string) (*Decoded, error) {
	if ta, err := c.VerifyTenantAccess(raw, ""); err == nil {
		return &Decoded{Kind: KindTenantAccess, TenantAccess: ta}, nil
	}
	if id, err := c.VerifyIdentity(raw); err == nil {
		return &Decoded{Kind: KindIdentity, Identity: id}, nil
	}
	sc, err := c.VerifyServiceClient(raw)
	if err != nil {
		return nil, err
	}
	return &Decoded{Kind: KindServiceClient, Service: sc}, nil
}

func (c *Codec) sign(claims jwt.Claims) (string, error) {
	tok := jwt.NewWithClaims(c.method, claims)
	signed, err := tok.SignedString(c.signKey)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

func (c *Codec) parse(raw string, claims jwt.Claims, audience string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrMalformedClaims
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(c.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return c.verifyKey, nil
	}, opts...)
	if err != nil {
		return mapParseError(err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedClaims
	default:
		return ErrInvalidToken
	}
}
