package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/webrichesse/orders-api/internal/platform/httpx"
)

const accessTokenType = "access"

var (
	// ErrTokenExpired signals that the bearer token is past its exp claim.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid covers every other verification failure.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims is the access token payload.
type Claims struct {
	jwt.RegisteredClaims
	Type    string `json:"type"`
	Role    string `json:"role"`
	StoreID string `json:"store_id,omitempty"`
}

// Authenticator verifies HS256 access tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithIssuer requires the iss claim to match issuer.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) {
		a.issuer = strings.TrimSpace(issuer)
	}
}

// WithClock injects the time source used for exp/nbf validation.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAuthenticator builds an Authenticator for secret.
func NewAuthenticator(secret string, opts ...Option) *Authenticator {
	a := &Authenticator{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Verify parses and validates a raw token, returning the caller identity.
func (a *Authenticator) Verify(raw string) (*Identity, error) {
	if a == nil || len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: authenticator not configured", ErrTokenInvalid)
	}

	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := a.now()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, ErrTokenExpired
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if claims.Type != accessTokenType {
		return nil, fmt.Errorf("%w: unexpected token type %q", ErrTokenInvalid, claims.Type)
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, fmt.Errorf("%w: unexpected issuer", ErrTokenInvalid)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	role := strings.ToLower(strings.TrimSpace(claims.Role))
	switch role {
	case RoleCustomer, RoleStoreOwner, RoleAdmin:
	case "":
		role = RoleCustomer
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}

	return &Identity{
		Subject: subject,
		Role:    role,
		StoreID: strings.TrimSpace(claims.StoreID),
	}, nil
}

// Issue signs an access token for identity valid for ttl.
func (a *Authenticator) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:    accessTokenType,
		Role:    identity.Role,
		StoreID: identity.StoreID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// RequireAuth verifies the bearer token and, when roles are given, requires one of them.
func (a *Authenticator) RequireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}

			identity, err := a.Verify(raw)
			switch {
			case errors.Is(err, ErrTokenExpired):
				httpx.WriteError(ctx, w, httpx.NewError("token_expired", "access token expired", http.StatusUnauthorized))
				return
			case err != nil:
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "access token invalid", http.StatusUnauthorized))
				return
			}

			if len(roles) > 0 && !identity.HasAnyRole(roles...) {
				httpx.WriteError(ctx, w, httpx.NewError("forbidden", "insufficient role", http.StatusForbidden))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
