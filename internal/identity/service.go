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
	"fmt"
	"strings"
	"time"

	"github.com/tenantgate/tenantgate/internal/audit"
	"github.com/tenantgate/tenantgate/internal/authz"
	"github.com/tenantgate/tenantgate/internal/dispatch"
	"github.com/tenantgate/tenantgate/internal/id"
)

// Service provides credential record business logic: registration, login
// validation and user management.
type Service struct {
	repo        UserRepository
	hasher      *Hasher
	auditLogger audit.Logger
	dispatcher  dispatch.Dispatcher
}

// NewService creates a new identity service.
func NewService(repo UserRepository, hasher *Hasher, auditLogger audit.Logger, dispatcher dispatch.Dispatcher) *Service {
	return &Service{
		repo:        repo,
		hasher:      hasher,
		auditLogger: auditLogger,
		dispatcher:  dispatcher,
	}
}

// UpdateInput carries the mutable fields of a user. Nil means unchanged.
type UpdateInput struct {
	Email    *string
	Role     *authz.Role
	IsActive *bool
	Password *string
}

func (in UpdateInput) empty() bool {
	return in.Email == nil && in.Role == nil && in.IsActive == nil && in.Password == nil
}

// Register creates a brand-new tenant and its first credential record in
// one transaction. A duplicate active email conflicts; an email freed by a
// hard delete may register again.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	if !isValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	if !isStrongPassword(password) {
		return nil, ErrWeakPassword
	}

	existing, err := s.repo.GetByEmail(ctx, email)
	if err == nil && existing != nil {
		return nil, ErrUserAlreadyExists
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		ID:           id.NewUUIDv7(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         authz.RoleUser,
		IsActive:     true,
	}

	tenantName := fmt.Sprintf("%s's Organization", strings.SplitN(email, "@", 2)[0])
	t, err := s.repo.CreateWithTenant(ctx, user, tenantName)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionUserRegistered,
		ActorID:  user.ID,
		TenantID: t.ID,
		Resource: "user",
		Payload:  map[string]any{"email": user.Email},
	})
	s.dispatcher.EnqueueEmail(dispatch.EmailJob{
		To:      user.Email,
		Subject: "Welcome",
		Body:    fmt.Sprintf("Your organization %q has been created.", t.Name),
	})

	return user, nil
}

// Authenticate validates email/password credentials. Every failure mode
// collapses into ErrInvalidCredentials so responses cannot be used to
// probe which emails exist.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		s.auditLogger.Log(ctx, audit.Event{
			Action:   audit.ActionLoginFailed,
			Resource: "login",
			Payload:  map[string]any{"reason": "user_not_found"},
		})
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive {
		s.auditLogger.Log(ctx, audit.Event{
			Action:   audit.ActionLoginFailed,
			ActorID:  user.ID,
			TenantID: user.TenantID,
			Resource: "login",
			Payload:  map[string]any{"reason": "inactive"},
		})
		return nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.Verify(password, user.PasswordHash)
	if err != nil || !ok {
		s.auditLogger.Log(ctx, audit.Event{
			Action:   audit.ActionLoginFailed,
			ActorID:  user.ID,
			TenantID: user.TenantID,
			Resource: "login",
			Payload:  map[string]any{"reason": "invalid_password"},
		})
		return nil, ErrInvalidCredentials
	}

	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionLoginSuccess,
		ActorID:  user.ID,
		TenantID: user.TenantID,
		Resource: "login",
	})
	return user, nil
}

// GetUser retrieves an active user by ID.
func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// GetUserIncludeDeleted retrieves a user by ID even if soft-deleted.
func (s *Service) GetUserIncludeDeleted(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetByIDIncludeDeleted(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// GetUserByEmail retrieves an active user by email.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// ListUsers retrieves a page of active users with totals.
func (s *Service) ListUsers(ctx context.Context, page Page) (*PageResult, error) {
	if page.Page < 1 {
		page.Page = 1
	}
	if page.Limit < 1 || page.Limit > 100 {
		page.Limit = 20
	}

	users, err := s.repo.List(ctx, page.Offset(), page.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	return &PageResult{
		Items:      users,
		Total:      total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: (total + page.Limit - 1) / page.Limit,
	}, nil
}

// Update mutates a user's email, role, active flag or password. TenantID
// is immutable and deliberately not accepted here.
func (s *Service) Update(ctx context.Context, userID string, in UpdateInput) (*User, error) {
	if in.empty() {
		return nil, ErrNothingToUpdate
	}

	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, ErrUserNotFound
	}

	if in.Email != nil {
		if !isValidEmail(*in.Email) {
			return nil, ErrInvalidEmail
		}
		user.Email = *in.Email
	}
	if in.Role != nil {
		if !in.Role.Valid() {
			return nil, fmt.Errorf("unknown role %q", *in.Role)
		}
		user.Role = *in.Role
	}
	if in.IsActive != nil {
		user.IsActive = *in.IsActive
	}
	if in.Password != nil {
		if !isStrongPassword(*in.Password) {
			return nil, ErrWeakPassword
		}
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		user.PasswordHash = hash
	}

	if err := s.repo.Update(ctx, user); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionUserUpdated,
		ActorID:  user.ID,
		TenantID: user.TenantID,
		Resource: "user",
	})
	return user, nil
}

// SoftDelete marks a user deleted. The record stays restorable and its
// email stays reserved.
func (s *Service) SoftDelete(ctx context.Context, userID string) error {
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}

	if err := s.repo.SoftDelete(ctx, userID); err != nil {
		return fmt.Errorf("failed to soft delete user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionUserDeleted,
		ActorID:  userID,
		TenantID: user.TenantID,
		Resource: "user",
		Payload:  map[string]any{"mode": "soft"},
	})
	return nil
}

// Restore clears a user's soft-delete marker.
func (s *Service) Restore(ctx context.Context, userID string) error {
	user, err := s.repo.GetByIDIncludeDeleted(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}
	if !user.Deleted() {
		return ErrUserNotFound
	}

	if err := s.repo.Restore(ctx, userID); err != nil {
		return fmt.Errorf("failed to restore user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionUserRestored,
		ActorID:  userID,
		TenantID: user.TenantID,
		Resource: "user",
	})
	return nil
}

// HardDelete permanently removes a user, freeing the email for
// re-registration.
func (s *Service) HardDelete(ctx context.Context, userID string) error {
	user, err := s.repo.GetByIDIncludeDeleted(ctx, userID)
	if err != nil {
		return ErrUserNotFound
	}

	if err := s.repo.HardDelete(ctx, userID); err != nil {
		return fmt.Errorf("failed to hard delete user: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionUserDeleted,
		ActorID:  userID,
		TenantID: user.TenantID,
		Resource: "user",
		Payload:  map[string]any{"mode": "hard", "email": user.Email},
	})
	return nil
}

// PurgeDeleted hard-deletes users that were soft-deleted longer than
// retention ago. Called from the background sweep loop.
func (s *Service) PurgeDeleted(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.PurgeDeletedBefore(ctx, time.Now().Add(-retention))
}

// Helper functions
func isValidEmail(email string) bool {
	at := strings.Index(email, "@")
	return len(email) > 3 && len(email) < 255 && at > 0 && at < len(email)-1
}

func isStrongPassword(password string) bool {
	return len(password) >= 8
}
