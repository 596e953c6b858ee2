// Copyright 2026 The TenantGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package identity

import (
	"context"
	"errors"
	"time"

	"github.com/tenantgate/tenantgate/internal/authz"
	"github.com/tenantgate/tenantgate/internal/tenant"
)

// Domain errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password does not meet security requirements")
	ErrNothingToUpdate    = errors.New("at least one field must be provided")
)

// User is a persisted credential record. TenantID is immutable after
// creation. RefreshTokenHash stores a one-way hash of the active refresh
// token, never the raw token; nil means no refresh session is active.
type User struct {
	ID               string
	TenantID         string
	Email            string
	PasswordHash     string
	Role             authz.Role
	RefreshTokenHash *string
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// Deleted reports whether the record is soft-deleted.
func (u *User) Deleted() bool {
	return u.DeletedAt != nil
}

// Principal derives the request-scoped identity from the record.
func (u *User) Principal() *authz.Principal {
	return &authz.Principal{
		ID:       u.ID,
		Email:    u.Email,
		Role:     u.Role,
		TenantID: u.TenantID,
	}
}

// UserRepository defines the interface for credential record persistence.
// Lookups come in active-only and include-deleted variants; active-only is
// the default for request-handling code. All updates are row-level atomic.
type UserRepository interface {
	// Create inserts a credential record into an existing tenant.
	Create(ctx context.Context, user *User) error

	// CreateWithTenant transactionally creates a new tenant and its first
	// credential record. Either both exist afterwards or neither does.
	CreateWithTenant(ctx context.Context, user *User, tenantName string) (*tenant.Tenant, error)

	// GetByID retrieves an active (non-deleted) user by ID.
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByIDIncludeDeleted retrieves a user by ID regardless of soft delete.
	GetByIDIncludeDeleted(ctx context.Context, id string) (*User, error)

	// GetByEmail retrieves an active user by email.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// GetByEmailIncludeDeleted retrieves a user by email regardless of soft delete.
	GetByEmailIncludeDeleted(ctx context.Context, email string) (*User, error)

	// List retrieves active users ordered by creation time, newest first.
	List(ctx context.Context, offset, limit int) ([]*User, error)

	// Count counts active users.
	Count(ctx context.Context) (int, error)

	// Update persists mutable fields (email, role, is_active, password hash).
	Update(ctx context.Context, user *User) error

	// SoftDelete marks a user deleted without removing the row.
	SoftDelete(ctx context.Context, id string) error

	// Restore clears the soft-delete marker.
	Restore(ctx context.Context, id string) error

	// HardDelete permanently removes the row.
	HardDelete(ctx context.Context, id string) error

	// UpdateRefreshTokenHash overwrites the stored refresh token hash.
	// nil clears it, revoking the active refresh session.
	UpdateRefreshTokenHash(ctx context.Context, id string, hash *string) error

	// ClearRefreshTokenHashIfMatches atomically clears the stored hash
	// only if it still equals expected, reporting whether it did. This is
	// the compare-and-clear step that makes token rotation single-winner.
	ClearRefreshTokenHashIfMatches(ctx context.Context, id, expected string) (bool, error)

	// PurgeDeletedBefore hard-deletes records soft-deleted before cutoff.
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Page describes an offset/limit window over a listing.
type Page struct {
	Page  int
	Limit int
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// PageResult is a listing window plus totals.
type PageResult struct {
	Items      []*User `json:"items"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	TotalPages int     `json:"total_pages"`
}
