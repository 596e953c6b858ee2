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

// Package token implements the access/refresh token lifecycle: issuing,
// verification and single-use rotation.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tenantgate/tenantgate/internal/audit"
	"github.com/tenantgate/tenantgate/internal/authz"
	"github.com/tenantgate/tenantgate/internal/identity"
)

// Domain errors
var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")

	// ErrNoActiveSession means no refresh token hash is stored for the
	// principal: nothing to rotate.
	ErrNoActiveSession = errors.New("no active refresh session")

	// ErrTokenMismatch is the refresh-token reuse/theft signal. Raising
	// it also revokes the stored session as a side effect.
	ErrTokenMismatch = errors.New("refresh token mismatch")
)

// Pair is one issued access/refresh token pair. The two tokens carry the
// same claim set but are signed with independent secrets and lifetimes,
// so neither can stand in for the other.
type Pair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Claims is the signed claim set carried by both token classes.
type Claims struct {
	Email    string `json:"email"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// CredentialStore is the slice of the user repository the token service
// needs: refresh-hash bookkeeping with row-level atomicity.
type CredentialStore interface {
	GetByID(ctx context.Context, id string) (*identity.User, error)
	UpdateRefreshTokenHash(ctx context.Context, id string, hash *string) error
	ClearRefreshTokenHashIfMatches(ctx context.Context, id, expected string) (bool, error)
}

// Service issues, verifies and rotates token pairs.
type Service struct {
	store       CredentialStore
	hasher      *identity.Hasher
	auditLogger audit.Logger

	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

// NewService creates a token service. Access and refresh secrets must
// differ; config validation enforces that before we get here.
func NewService(
	store CredentialStore,
	hasher *identity.Hasher,
	auditLogger audit.Logger,
	accessSecret, refreshSecret []byte,
	accessTTL, refreshTTL time.Duration,
) *Service {
	return &Service{
		store:         store,
		hasher:        hasher,
		auditLogger:   auditLogger,
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

// AccessTTL returns the access token lifetime (cookie expiry must match).
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Issue signs a new token pair for the principal and stores a one-way
// hash of the refresh token on the credential record, overwriting any
// previous hash. One refresh session per principal: issuing invalidates
// every earlier refresh token.
func (s *Service) Issue(ctx context.Context, p *authz.Principal) (*Pair, error) {
	now := time.Now()

	access, err := s.sign(p, s.accessSecret, now, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(p, s.refreshSecret, now, s.refreshTTL)
	if err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(refresh)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateRefreshTokenHash(ctx, p.ID, &hash); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionTokenIssued,
		ActorID:  p.ID,
		TenantID: p.TenantID,
		Resource: "token_pair",
	})

	return &Pair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccess verifies an access token: signature, expiry and secret
// class. A refresh token fails here even when unexpired, because it is
// signed with the other secret.
func (s *Service) VerifyAccess(tokenString string) (*authz.Principal, error) {
	return s.verify(tokenString, s.accessSecret)
}

// VerifyRefresh verifies a refresh token against the refresh secret.
// Verification alone does not consume the token; Rotate does.
func (s *Service) VerifyRefresh(tokenString string) (*authz.Principal, error) {
	return s.verify(tokenString, s.refreshSecret)
}

// Rotate exchanges a presented refresh token for a new pair.
//
// The stored hash is the single shared mutable state between concurrent
// rotations, guarded by compare-and-clear: the hash is cleared before the
// new pair is issued, and only if it still matches what was read. Of two
// concurrent calls presenting the same token, exactly one wins; the loser
// observes a changed hash and fails with ErrTokenMismatch.
//
// Any mismatch, including a replayed old token, clears the stored hash
// so every outstanding refresh token dies with it. One reuse poisons the
// session instead of silently succeeding.
func (s *Service) Rotate(ctx context.Context, principalID, presented string) (*Pair, error) {
	user, err := s.store.GetByID(ctx, principalID)
	if err != nil || user.RefreshTokenHash == nil {
		return nil, ErrNoActiveSession
	}
	stored := *user.RefreshTokenHash

	ok, err := s.hasher.Verify(presented, stored)
	if err != nil || !ok {
		s.revoke(ctx, user, "refresh_token_reuse")
		return nil, ErrTokenMismatch
	}

	cleared, err := s.store.ClearRefreshTokenHashIfMatches(ctx, principalID, stored)
	if err != nil {
		return nil, err
	}
	if !cleared {
		// Lost the race against a concurrent rotation. Revoke whatever
		// hash is stored now so neither party keeps a usable session.
		s.revoke(ctx, user, "concurrent_rotation")
		return nil, ErrTokenMismatch
	}

	pair, err := s.Issue(ctx, user.Principal())
	if err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionTokenRotated,
		ActorID:  user.ID,
		TenantID: user.TenantID,
		Resource: "token_pair",
	})
	return pair, nil
}

// Revoke clears the stored refresh token hash for the principal, ending
// the refresh session. Used by logout.
func (s *Service) Revoke(ctx context.Context, principalID string) error {
	user, err := s.store.GetByID(ctx, principalID)
	if err != nil {
		return err
	}
	s.revoke(ctx, user, "logout")
	return nil
}

func (s *Service) revoke(ctx context.Context, user *identity.User, reason string) {
	// Best effort: a failed clear leaves the old hash, which the next
	// rotation attempt will mismatch anyway.
	_ = s.store.UpdateRefreshTokenHash(ctx, user.ID, nil)
	s.auditLogger.Log(ctx, audit.Event{
		Action:   audit.ActionTokenRevoked,
		ActorID:  user.ID,
		TenantID: user.TenantID,
		Resource: "refresh_session",
		Payload:  map[string]any{"reason": reason},
	})
}

func (s *Service) sign(p *authz.Principal, secret []byte, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		Email:    p.Email,
		Role:     string(p.Role),
		TenantID: p.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Service) verify(tokenString string, secret []byte) (*authz.Principal, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims,
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	return &authz.Principal{
		ID:       claims.Subject,
		Email:    claims.Email,
		Role:     authz.Role(claims.Role),
		TenantID: claims.TenantID,
	}, nil
}
