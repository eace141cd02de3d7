package auth

import (
	"context"
	"strings"
)

// Roles carried in the access token's role claim.
const (
	RoleCustomer   = "customer"
	RoleStoreOwner = "store_owner"
	RoleAdmin      = "admin"
)

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	Subject string
	Role    string
	// StoreID is set for store owners and names the store they manage.
	StoreID string
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return strings.EqualFold(i.Role, strings.TrimSpace(role))
}

// HasAnyRole reports whether the identity carries any of roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

// IsAdmin is shorthand for HasRole(RoleAdmin).
func (i *Identity) IsAdmin() bool {
	return i.HasRole(RoleAdmin)
}

// OwnsStore reports whether the identity is the owner of storeID.
func (i *Identity) OwnsStore(storeID string) bool {
	if i == nil || !i.HasRole(RoleStoreOwner) {
		return false
	}
	storeID = strings.TrimSpace(storeID)
	return storeID != "" && i.StoreID == storeID
}

type contextKey int

const (
	identityKey contextKey = iota
	captureKey
)

// WithIdentity stores the identity on ctx and notifies any registered capture hook.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if capture, ok := ctx.Value(captureKey).(func(*Identity)); ok && capture != nil {
		capture(identity)
	}
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// WithIdentityCapture registers fn to observe the identity once authentication
// succeeds further down the middleware chain. Outer middleware such as the
// request logger use it to report the caller without re-parsing the token.
func WithIdentityCapture(ctx context.Context, fn func(*Identity)) context.Context {
	return context.WithValue(ctx, captureKey, fn)
}
