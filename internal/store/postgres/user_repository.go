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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tenantgate/tenantgate/internal/id"
	"github.com/tenantgate/tenantgate/internal/identity"
	"github.com/tenantgate/tenantgate/internal/tenant"
)

const userColumns = `id, tenant_id, email, password_hash, role, refresh_token_hash, is_active, created_at, updated_at, deleted_at`

// UserRepository implements identity.UserRepository
type UserRepository struct {
	db *DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// isUniqueViolation reports whether err is the PostgreSQL unique_violation
// error. The partial unique index on users(email) raises it when two
// active records race for the same address.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a credential record into an existing tenant.
func (r *UserRepository) Create(ctx context.Context, user *identity.User) error {
	now := time.Now()
	user.TenantID = defaultTenant(ctx, "users", user.TenantID)

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO users (id, tenant_id, email, password_hash, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		user.ID, user.TenantID, user.Email, user.PasswordHash, user.Role, user.IsActive, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrUserAlreadyExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// CreateWithTenant creates a tenant and its first user in one
// transaction. Registration runs unauthenticated, so no scope is applied
// here; the fresh tenant's ID is stamped on the user directly.
func (r *UserRepository) CreateWithTenant(ctx context.Context, user *identity.User, tenantName string) (*tenant.Tenant, error) {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	t := &tenant.Tenant{
		ID:        id.NewUUIDv7(),
		Name:      tenantName,
		CreatedAt: now,
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)
	`, t.ID, t.Name, t.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}

	user.TenantID = t.ID
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, tenant_id, email, password_hash, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		user.ID, user.TenantID, user.Email, user.PasswordHash, user.Role, user.IsActive, now, now,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, identity.ErrUserAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit registration: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return t, nil
}

// GetByID retrieves an active user by ID within the current scope.
func (r *UserRepository) GetByID(ctx context.Context, userID string) (*identity.User, error) {
	where, args := appendScope(ctx, "users", `users.id = $1 AND users.deleted_at IS NULL`, []any{userID})
	return r.getOne(ctx, where, args)
}

// GetByIDIncludeDeleted retrieves a user by ID regardless of soft delete.
func (r *UserRepository) GetByIDIncludeDeleted(ctx context.Context, userID string) (*identity.User, error) {
	where, args := appendScope(ctx, "users", `users.id = $1`, []any{userID})
	return r.getOne(ctx, where, args)
}

// GetByEmail retrieves an active user by email.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	where, args := appendScope(ctx, "users", `users.email = $1 AND users.deleted_at IS NULL`, []any{email})
	return r.getOne(ctx, where, args)
}

// GetByEmailIncludeDeleted retrieves a user by email regardless of soft delete.
func (r *UserRepository) GetByEmailIncludeDeleted(ctx context.Context, email string) (*identity.User, error) {
	where, args := appendScope(ctx, "users", `users.email = $1`, []any{email})
	return r.getOne(ctx, where, args)
}

func (r *UserRepository) getOne(ctx context.Context, where string, args []any) (*identity.User, error) {
	row := r.db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE %s`, userColumns, where), args...)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// List retrieves active users ordered by creation time, newest first.
func (r *UserRepository) List(ctx context.Context, offset, limit int) ([]*identity.User, error) {
	where, args := appendScope(ctx, "users", `users.deleted_at IS NULL`, nil)
	args = append(args, limit, offset)

	rows, err := r.db.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM users
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, userColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*identity.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// Count counts active users.
func (r *UserRepository) Count(ctx context.Context) (int, error) {
	where, args := appendScope(ctx, "users", `users.deleted_at IS NULL`, nil)

	var total int
	err := r.db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM users WHERE %s`, where), args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return total, nil
}

// Update persists mutable fields. tenant_id is never in the SET list.
func (r *UserRepository) Update(ctx context.Context, user *identity.User) error {
	where, args := appendScope(ctx, "users",
		`users.id = $1 AND users.deleted_at IS NULL`, []any{user.ID})
	set := fmt.Sprintf(`email = $%d, role = $%d, is_active = $%d, password_hash = $%d, updated_at = NOW()`,
		len(args)+1, len(args)+2, len(args)+3, len(args)+4)
	args = append(args, user.Email, user.Role, user.IsActive, user.PasswordHash)

	result, err := r.db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE users SET %s WHERE %s`, set, where), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return identity.ErrUserAlreadyExists
		}
		return fmt.Errorf("failed to update user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// SoftDelete marks a user deleted without removing the row.
func (r *UserRepository) SoftDelete(ctx context.Context, userID string) error {
	where, args := appendScope(ctx, "users",
		`users.id = $1 AND users.deleted_at IS NULL`, []any{userID})

	result, err := r.db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE users SET deleted_at = NOW(), updated_at = NOW() WHERE %s`, where), args...)
	if err != nil {
		return fmt.Errorf("failed to soft delete user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// Restore clears the soft-delete marker.
func (r *UserRepository) Restore(ctx context.Context, userID string) error {
	where, args := appendScope(ctx, "users",
		`users.id = $1 AND users.deleted_at IS NOT NULL`, []any{userID})

	result, err := r.db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE users SET deleted_at = NULL, updated_at = NOW() WHERE %s`, where), args...)
	if err != nil {
		return fmt.Errorf("failed to restore user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// HardDelete permanently removes the row, freeing its email.
func (r *UserRepository) HardDelete(ctx context.Context, userID string) error {
	where, args := appendScope(ctx, "users", `users.id = $1`, []any{userID})

	result, err := r.db.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM users WHERE %s`, where), args...)
	if err != nil {
		return fmt.Errorf("failed to hard delete user: %w", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// UpdateRefreshTokenHash overwrites the stored refresh token hash.
func (r *UserRepository) UpdateRefreshTokenHash(ctx context.Context, userID string, hash *string) error {
	where, args := appendScope(ctx, "users", `users.id = $1`, []any{userID})
	args = append(args, hash)

	result, err := r.db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE users SET refresh_token_hash = $%d, updated_at = NOW() WHERE %s`, len(args), where),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update refresh token hash: %w", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// ClearRefreshTokenHashIfMatches clears the stored hash only if it still
// equals expected. The row-level atomic UPDATE is what makes concurrent
// rotations single-winner.
func (r *UserRepository) ClearRefreshTokenHashIfMatches(ctx context.Context, userID, expected string) (bool, error) {
	where, args := appendScope(ctx, "users",
		`users.id = $1 AND users.refresh_token_hash = $2`, []any{userID, expected})

	result, err := r.db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE users SET refresh_token_hash = NULL, updated_at = NOW() WHERE %s`, where),
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to clear refresh token hash: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// PurgeDeletedBefore hard-deletes rows soft-deleted before cutoff.
// Maintenance path: runs tenant-wide from the background sweep, outside
// any request scope.
func (r *UserRepository) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.pool.Exec(ctx,
		`DELETE FROM users WHERE deleted_at IS NOT NULL AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted users: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanUser(row pgx.Row) (*identity.User, error) {
	var user identity.User
	err := row.Scan(
		&user.ID, &user.TenantID, &user.Email, &user.PasswordHash, &user.Role,
		&user.RefreshTokenHash, &user.IsActive, &user.CreatedAt, &user.UpdatedAt, &user.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}
