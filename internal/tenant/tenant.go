package tenant

import (
	"context"
	"errors"
	"time"
)

// Domain errors
var (
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrScopeMissing signals that an authenticated flow reached a
	// tenant-scoped data operation without a resolved tenant. Fatal to
	// the request, never a license to operate tenant-wide.
	ErrScopeMissing = errors.New("tenant scope missing")
)

// Tenant is an isolated organizational namespace. Every scoped record
// belongs to exactly one tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository defines the interface for tenant lookups. Tenants are only
// ever created transactionally with the first credential record of a new
// organization, inside the user repository's registration transaction, so
// there is no standalone create here.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Tenant, error)
}
