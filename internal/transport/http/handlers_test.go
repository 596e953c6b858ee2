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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/internal/audit"
	"github.com/tenantgate/tenantgate/internal/authz"
	"github.com/tenantgate/tenantgate/internal/dispatch"
	"github.com/tenantgate/tenantgate/internal/id"
	"github.com/tenantgate/tenantgate/internal/identity"
	"github.com/tenantgate/tenantgate/internal/tenant"
	"github.com/tenantgate/tenantgate/internal/token"
)

// scopedUserRepo implements identity.UserRepository in memory, honoring
// the tenant scope from context the way the SQL store does: with a
// tenant attached, lookups outside it come back not found.
type scopedUserRepo struct {
	mu      sync.Mutex
	users   map[string]*identity.User
	tenants map[string]*tenant.Tenant
}

func newScopedUserRepo() *scopedUserRepo {
	return &scopedUserRepo{
		users:   make(map[string]*identity.User),
		tenants: make(map[string]*tenant.Tenant),
	}
}

func (m *scopedUserRepo) inScope(ctx context.Context, user *identity.User) bool {
	tenantID, ok := tenant.FromContext(ctx)
	return !ok || user.TenantID == tenantID
}

func (m *scopedUserRepo) Create(ctx context.Context, user *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *user
	m.users[user.ID] = &clone
	return nil
}

func (m *scopedUserRepo) CreateWithTenant(ctx context.Context, user *identity.User, tenantName string) (*tenant.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &tenant.Tenant{ID: id.NewUUIDv7(), Name: tenantName, CreatedAt: time.Now()}
	m.tenants[t.ID] = t
	user.TenantID = t.ID
	clone := *user
	m.users[user.ID] = &clone
	return t, nil
}

func (m *scopedUserRepo) GetByID(ctx context.Context, userID string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || user.Deleted() || !m.inScope(ctx, user) {
		return nil, identity.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (m *scopedUserRepo) GetByIDIncludeDeleted(ctx context.Context, userID string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || !m.inScope(ctx, user) {
		return nil, identity.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (m *scopedUserRepo) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email && !user.Deleted() && m.inScope(ctx, user) {
			clone := *user
			return &clone, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (m *scopedUserRepo) GetByEmailIncludeDeleted(ctx context.Context, email string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email && m.inScope(ctx, user) {
			clone := *user
			return &clone, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (m *scopedUserRepo) List(ctx context.Context, offset, limit int) ([]*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*identity.User
	for _, user := range m.users {
		if !user.Deleted() && m.inScope(ctx, user) {
			clone := *user
			all = append(all, &clone)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *scopedUserRepo) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, user := range m.users {
		if !user.Deleted() && m.inScope(ctx, user) {
			total++
		}
	}
	return total, nil
}

func (m *scopedUserRepo) Update(ctx context.Context, user *identity.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[user.ID]
	if !ok || existing.Deleted() || !m.inScope(ctx, existing) {
		return identity.ErrUserNotFound
	}
	existing.Email = user.Email
	existing.Role = user.Role
	existing.IsActive = user.IsActive
	existing.PasswordHash = user.PasswordHash
	return nil
}

func (m *scopedUserRepo) SoftDelete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || user.Deleted() || !m.inScope(ctx, user) {
		return identity.ErrUserNotFound
	}
	now := time.Now()
	user.DeletedAt = &now
	return nil
}

func (m *scopedUserRepo) Restore(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || !user.Deleted() || !m.inScope(ctx, user) {
		return identity.ErrUserNotFound
	}
	user.DeletedAt = nil
	return nil
}

func (m *scopedUserRepo) HardDelete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || !m.inScope(ctx, user) {
		return identity.ErrUserNotFound
	}
	delete(m.users, userID)
	return nil
}

func (m *scopedUserRepo) UpdateRefreshTokenHash(ctx context.Context, userID string, hash *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return identity.ErrUserNotFound
	}
	user.RefreshTokenHash = hash
	return nil
}

func (m *scopedUserRepo) ClearRefreshTokenHashIfMatches(ctx context.Context, userID, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok || user.RefreshTokenHash == nil || *user.RefreshTokenHash != expected {
		return false, nil
	}
	user.RefreshTokenHash = nil
	return true, nil
}

func (m *scopedUserRepo) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for userID, user := range m.users {
		if user.Deleted() && user.DeletedAt.Before(cutoff) {
			delete(m.users, userID)
			purged++
		}
	}
	return purged, nil
}

// scopedTenantRepo serves tenant lookups from the same in-memory tenants
// that registration records.
type scopedTenantRepo struct {
	repo *scopedUserRepo
}

func (m *scopedTenantRepo) GetByID(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	m.repo.mu.Lock()
	defer m.repo.mu.Unlock()
	t, ok := m.repo.tenants[tenantID]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	clone := *t
	return &clone, nil
}

type testEnv struct {
	router       http.Handler
	repo         *scopedUserRepo
	tokenService *token.Service
	adminA       *identity.User
	userA        *identity.User
	userB        *identity.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := newScopedUserRepo()
	hasher := identity.NewHasher(8*1024, 1, 1, 16, 32)
	auditLogger := audit.NewSlogLogger()

	identityService := identity.NewService(repo, hasher, auditLogger, dispatch.Noop{})
	tokenService := token.NewService(repo, hasher, auditLogger,
		[]byte("access-secret-for-tests"), []byte("refresh-secret-for-tests"),
		15*time.Minute, 7*24*time.Hour)

	handler := NewHandler(identityService, tokenService, &scopedTenantRepo{repo: repo}, nil, auditLogger, CookieConfig{Path: "/"})
	router := NewRouter(handler, NewRateLimiter(1000, 1000))

	hash, err := hasher.Hash("secret123")
	require.NoError(t, err)

	seed := func(tenantID, email string, role authz.Role) *identity.User {
		repo.tenants[tenantID] = &tenant.Tenant{ID: tenantID, Name: tenantID, CreatedAt: time.Now()}
		user := &identity.User{
			ID:           id.NewUUIDv7(),
			TenantID:     tenantID,
			Email:        email,
			PasswordHash: hash,
			Role:         role,
			IsActive:     true,
		}
		require.NoError(t, repo.Create(context.Background(), user))
		return user
	}

	return &testEnv{
		router:       router,
		repo:         repo,
		tokenService: tokenService,
		adminA:       seed("tenant-a", "admin@a.example.com", authz.RoleAdmin),
		userA:        seed("tenant-a", "user@a.example.com", authz.RoleUser),
		userB:        seed("tenant-b", "user@b.example.com", authz.RoleUser),
	}
}

func (e *testEnv) tokenFor(t *testing.T, user *identity.User) *token.Pair {
	t.Helper()
	ctx := tenant.WithID(context.Background(), user.TenantID)
	pair, err := e.tokenService.Issue(ctx, user.Principal())
	require.NoError(t, err)
	return pair
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func authedRequest(method, target string, body []byte, accessToken string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	return req
}

// TestPurpose: Validates the authentication resolver: missing, expired and malformed tokens are rejected with distinct messages, and the Authorization header outranks the cookie.
// Scope: Integration Test (HTTP stack)
// Security: Access control entry point
// Expected: 401 with "not authenticated" / "token expired" / "invalid token" respectively; a valid header wins over a garbage cookie.
// Test Case ID: TRN-01
func TestTransport_AuthResolver(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(authedRequest(http.MethodGet, "/api/v1/auth/me", nil, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "not authenticated")

	expiredService := token.NewService(env.repo,
		identity.NewHasher(8*1024, 1, 1, 16, 32), audit.NewSlogLogger(),
		[]byte("access-secret-for-tests"), []byte("refresh-secret-for-tests"),
		-time.Minute, 7*24*time.Hour)
	expired, err := expiredService.Issue(context.Background(), env.userA.Principal())
	require.NoError(t, err)

	rec = env.do(authedRequest(http.MethodGet, "/api/v1/auth/me", nil, expired.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token expired",
		"TRN-01: Expired tokens get their own signal so clients know to refresh")

	rec = env.do(authedRequest(http.MethodGet, "/api/v1/auth/me", nil, "garbage.token.here"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid token")

	// Header outranks cookie: valid header plus garbage cookie passes.
	pair := env.tokenFor(t, env.userA)
	req := authedRequest(http.MethodGet, "/api/v1/auth/me", nil, pair.AccessToken)
	req.AddCookie(&http.Cookie{Name: accessTokenCookie, Value: "garbage"})
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code,
		"TRN-01: Authorization header must take priority over the cookie")
}

// TestPurpose: Validates that an authenticated request cannot steer its tenant scope with the X-Tenant-Id header.
// Scope: Integration Test (HTTP stack)
// Security: Tenant spoofing prevention
// Expected: The response reflects the principal's tenant regardless of the header.
// Test Case ID: TRN-02
func TestTransport_TenantHeaderIgnoredWhenAuthenticated(t *testing.T) {
	env := newTestEnv(t)
	pair := env.tokenFor(t, env.userA)

	req := authedRequest(http.MethodGet, "/api/v1/auth/me", nil, pair.AccessToken)
	req.Header.Set("X-Tenant-Id", env.userB.TenantID)
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, env.userA.TenantID, got.TenantID,
		"TRN-02: Principal tenant is authoritative; the header must be ignored")
}

// TestPurpose: Validates guard ordering on admin routes: authentication is checked before role, so anonymous callers get 401 and under-privileged callers get 403.
// Scope: Integration Test (HTTP stack)
// Security: Guard chain ordering
// Expected: No token yields 401; a USER token yields 403; an ADMIN token passes.
// Test Case ID: TRN-03
func TestTransport_GuardChainOrdering(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(authedRequest(http.MethodGet, "/api/v1/users", nil, ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"TRN-03: Anonymous callers fail authentication, not authorization")

	userPair := env.tokenFor(t, env.userA)
	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users", nil, userPair.AccessToken))
	assert.Equal(t, http.StatusForbidden, rec.Code,
		"TRN-03: Authenticated but under-privileged callers get 403")

	adminPair := env.tokenFor(t, env.adminA)
	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users", nil, adminPair.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestPurpose: Validates the ownership gate on single-user routes: owners and admins pass, anyone else is denied before any data access.
// Scope: Integration Test (HTTP stack)
// Security: Horizontal privilege escalation prevention
// Expected: A user reads and updates their own record but gets 403 on another user's; an admin passes for any record in their tenant.
// Test Case ID: TRN-04
func TestTransport_OwnershipGate(t *testing.T) {
	env := newTestEnv(t)
	userPair := env.tokenFor(t, env.userA)
	adminPair := env.tokenFor(t, env.adminA)

	rec := env.do(authedRequest(http.MethodGet, "/api/v1/users/"+env.userA.ID, nil, userPair.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code, "TRN-04: Owner may read their own record")

	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users/"+env.adminA.ID, nil, userPair.AccessToken))
	assert.Equal(t, http.StatusForbidden, rec.Code,
		"TRN-04: A user must not read another user's record")

	body, _ := json.Marshal(map[string]string{"email": "user+new@a.example.com"})
	rec = env.do(authedRequest(http.MethodPut, "/api/v1/users/"+env.adminA.ID, body, userPair.AccessToken))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users/"+env.userA.ID, nil, adminPair.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code, "TRN-04: Admin bypasses the ownership gate")
}

// TestPurpose: Validates that role and activation changes are reserved to administrators even on a user's own record.
// Scope: Integration Test (HTTP stack)
// Security: Vertical privilege escalation prevention (self-promotion)
// Expected: A USER updating their own role gets 403; an admin performing the same change succeeds.
// Test Case ID: TRN-05
func TestTransport_SelfPromotionBlocked(t *testing.T) {
	env := newTestEnv(t)
	userPair := env.tokenFor(t, env.userA)
	adminPair := env.tokenFor(t, env.adminA)

	body, _ := json.Marshal(map[string]string{"role": "ADMIN"})
	rec := env.do(authedRequest(http.MethodPut, "/api/v1/users/"+env.userA.ID, body, userPair.AccessToken))
	assert.Equal(t, http.StatusForbidden, rec.Code,
		"TRN-05: A user must not change their own role")

	rec = env.do(authedRequest(http.MethodPut, "/api/v1/users/"+env.userA.ID, body, adminPair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var got UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, authz.RoleAdmin, got.Role)
}

// TestPurpose: Validates cross-tenant isolation through the full HTTP stack: an admin of tenant A cannot reach records in tenant B even by exact ID.
// Scope: Integration Test (HTTP stack)
// Security: Multi-tenancy boundary enforcement
// Expected: 404 for the foreign record, indistinguishable from a nonexistent ID; tenant A listings never include tenant B users.
// Test Case ID: TRN-06
func TestTransport_CrossTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	adminPair := env.tokenFor(t, env.adminA)

	rec := env.do(authedRequest(http.MethodGet, "/api/v1/users/"+env.userB.ID, nil, adminPair.AccessToken))
	assert.Equal(t, http.StatusNotFound, rec.Code,
		"TRN-06: Foreign-tenant records must look nonexistent")

	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users", nil, adminPair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Items []UserResponse `json:"items"`
		Total int            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, 2, listing.Total, "TRN-06: Only tenant A's two users are visible")
	for _, item := range listing.Items {
		assert.Equal(t, env.adminA.TenantID, item.TenantID)
	}
}

// TestPurpose: Validates the login endpoint: success sets both token cookies, and every failure mode returns one uniform error.
// Scope: Integration Test (HTTP stack)
// Security: Email enumeration defense at the transport boundary
// Expected: 200 with httpOnly access and refresh cookies on success; identical 401 bodies for wrong password and unknown email.
// Test Case ID: TRN-07
func TestTransport_Login(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]string{"email": "user@a.example.com", "password": "secret123"})
	rec := env.do(authedRequest(http.MethodPost, "/api/v1/auth/login", body, ""))
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	names := make(map[string]*http.Cookie, len(cookies))
	for _, c := range cookies {
		names[c.Name] = c
	}
	require.Contains(t, names, accessTokenCookie)
	require.Contains(t, names, refreshTokenCookie)
	assert.True(t, names[accessTokenCookie].HttpOnly, "TRN-07: Token cookies must be httpOnly")
	assert.True(t, names[refreshTokenCookie].HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, names[accessTokenCookie].SameSite)

	wrongPassword, _ := json.Marshal(map[string]string{"email": "user@a.example.com", "password": "wrong"})
	recWrong := env.do(authedRequest(http.MethodPost, "/api/v1/auth/login", wrongPassword, ""))
	unknownEmail, _ := json.Marshal(map[string]string{"email": "ghost@a.example.com", "password": "secret123"})
	recUnknown := env.do(authedRequest(http.MethodPost, "/api/v1/auth/login", unknownEmail, ""))

	assert.Equal(t, http.StatusUnauthorized, recWrong.Code)
	assert.Equal(t, http.StatusUnauthorized, recUnknown.Code)
	assert.Equal(t, recWrong.Body.String(), recUnknown.Body.String(),
		"TRN-07: Wrong password and unknown email must be indistinguishable")
}

// TestPurpose: Validates the refresh endpoint: a valid refresh cookie rotates the pair, and the consumed token is rejected on replay.
// Scope: Integration Test (HTTP stack)
// Security: Refresh rotation and reuse detection over HTTP
// Expected: 200 with fresh cookies on first use; 401 and cleared cookies on replay of the consumed token.
// Test Case ID: TRN-08
func TestTransport_RefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	pair := env.tokenFor(t, env.userA)

	req := authedRequest(http.MethodPost, "/api/v1/auth/refresh", nil, "")
	req.AddCookie(&http.Cookie{Name: refreshTokenCookie, Value: pair.RefreshToken})
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rotated struct {
		Tokens token.Pair `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEqual(t, pair.RefreshToken, rotated.Tokens.RefreshToken)

	// Replay the consumed token.
	req = authedRequest(http.MethodPost, "/api/v1/auth/refresh", nil, "")
	req.AddCookie(&http.Cookie{Name: refreshTokenCookie, Value: pair.RefreshToken})
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"TRN-08: A consumed refresh token must be rejected on replay")

	for _, c := range rec.Result().Cookies() {
		assert.LessOrEqual(t, c.MaxAge, 0,
			"TRN-08: Replay must clear the token cookies")
	}
}

// TestPurpose: Validates the registration flow end to end: a new tenant is minted, tokens are issued, and the principal can immediately call authenticated routes.
// Scope: Integration Test (HTTP stack)
// Expected: 201 with user and tokens; the new access token works on /auth/me; a duplicate registration conflicts.
// Test Case ID: TRN-09
func TestTransport_Register(t *testing.T) {
	env := newTestEnv(t)

	body, _ := json.Marshal(map[string]string{"email": "founder@new.example.com", "password": "secret123"})
	rec := env.do(authedRequest(http.MethodPost, "/api/v1/auth/register", body, ""))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		User   UserResponse `json:"user"`
		Tokens token.Pair   `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.User.TenantID, "TRN-09: Registration must mint a tenant")
	assert.NotEqual(t, env.userA.TenantID, created.User.TenantID)

	rec = env.do(authedRequest(http.MethodGet, "/api/v1/auth/me", nil, created.Tokens.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(authedRequest(http.MethodPost, "/api/v1/auth/register", body, ""))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestPurpose: Validates logout: the refresh session is revoked server-side and both cookies are cleared.
// Scope: Integration Test (HTTP stack)
// Expected: 200 on logout; a subsequent refresh with the pre-logout token fails.
// Test Case ID: TRN-10
func TestTransport_Logout(t *testing.T) {
	env := newTestEnv(t)
	pair := env.tokenFor(t, env.userA)

	rec := env.do(authedRequest(http.MethodPost, "/api/v1/auth/logout", nil, pair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	for _, c := range rec.Result().Cookies() {
		assert.LessOrEqual(t, c.MaxAge, 0, "TRN-10: Logout must clear the token cookies")
	}

	req := authedRequest(http.MethodPost, "/api/v1/auth/refresh", nil, "")
	req.AddCookie(&http.Cookie{Name: refreshTokenCookie, Value: pair.RefreshToken})
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code,
		"TRN-10: The refresh session must be dead after logout")
}

// TestPurpose: Validates the user lifecycle admin surface: soft delete, restore, and permanent purge.
// Scope: Integration Test (HTTP stack)
// Expected: Deleted users 404 on normal reads but appear with include_deleted; restore brings them back; purge frees the email for re-registration.
// Test Case ID: TRN-11
func TestTransport_UserLifecycle(t *testing.T) {
	env := newTestEnv(t)
	adminPair := env.tokenFor(t, env.adminA)

	rec := env.do(authedRequest(http.MethodDelete, "/api/v1/users/"+env.userA.ID, nil, adminPair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users/"+env.userA.ID, nil, adminPair.AccessToken))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users/"+env.userA.ID+"?include_deleted=true", nil, adminPair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var got UserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotNil(t, got.DeletedAt)

	rec = env.do(authedRequest(http.MethodPost, "/api/v1/users/"+env.userA.ID+"/restore", nil, adminPair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users/"+env.userA.ID, nil, adminPair.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(authedRequest(http.MethodDelete, "/api/v1/users/"+env.userA.ID+"/purge", nil, adminPair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(authedRequest(http.MethodGet, "/api/v1/users/"+env.userA.ID+"?include_deleted=true", nil, adminPair.AccessToken))
	assert.Equal(t, http.StatusNotFound, rec.Code,
		"TRN-11: Purged records are gone even for include_deleted reads")
}

// TestPurpose: Validates concurrent requests across tenants through the full stack: responses never leak another tenant's data.
// Scope: Integration Test (HTTP stack)
// Security: Cross-tenant bleed under concurrency
// Expected: Every /auth/me response matches the caller's own tenant across interleaved requests.
// Test Case ID: TRN-12
func TestTransport_ConcurrentTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	pairA := env.tokenFor(t, env.userA)
	pairB := env.tokenFor(t, env.userB)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		user, pair := env.userA, pairA
		if i%2 == 1 {
			user, pair = env.userB, pairB
		}
		wg.Add(1)
		go func(user *identity.User, accessToken string) {
			defer wg.Done()
			rec := env.do(authedRequest(http.MethodGet, "/api/v1/auth/me", nil, accessToken))
			if rec.Code != http.StatusOK {
				t.Errorf("TRN-12: unexpected status %d", rec.Code)
				return
			}
			var got UserResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Error("TRN-12:", err)
				return
			}
			if got.TenantID != user.TenantID {
				t.Errorf("TRN-12: tenant bleed: got %s, want %s", got.TenantID, user.TenantID)
			}
		}(user, pair.AccessToken)
	}
	wg.Wait()
}

// TestPurpose: Validates the rate limiter rejects a burst exceeding its budget with 429.
// Scope: Integration Test (HTTP stack)
// Security: Brute-force throttling
// Expected: Requests beyond the per-IP burst receive 429.
// Test Case ID: TRN-13
func TestTransport_RateLimit(t *testing.T) {
	handler := NewHandler(nil, nil, nil, nil, audit.NewSlogLogger(), CookieConfig{Path: "/"})
	router := NewRouter(handler, NewRateLimiter(1, 3))

	limited := 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "198.51.100.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Greater(t, limited, 0, "TRN-13: Burst past the budget must be throttled")
}

// TestPurpose: Validates GET /tenant returns the caller's own organization and nothing else.
// Scope: Integration Test (HTTP stack)
// Security: Tenant record exposure limited to the resolved scope
// Expected: Authenticated callers get their own tenant record; anonymous callers get 401.
// Test Case ID: TRN-14
func TestTransport_GetCurrentTenant(t *testing.T) {
	env := newTestEnv(t)
	pair := env.tokenFor(t, env.userA)

	rec := env.do(authedRequest(http.MethodGet, "/api/v1/tenant", nil, pair.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, "TRN-14: Caller must be able to read their own tenant")

	var got tenant.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, env.userA.TenantID, got.ID, "TRN-14: Returned tenant must match the caller's scope")

	recAnon := env.do(authedRequest(http.MethodGet, "/api/v1/tenant", nil, ""))
	assert.Equal(t, http.StatusUnauthorized, recAnon.Code, "TRN-14: Anonymous callers must not see tenant records")
}

// capturingAuditLogger records every event it is handed, for asserting on
// what the stack emits.
type capturingAuditLogger struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *capturingAuditLogger) Log(ctx context.Context, event audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *capturingAuditLogger) byAction(action string) []audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []audit.Event
	for _, event := range l.events {
		if event.Action == action {
			matched = append(matched, event)
		}
	}
	return matched
}

// TestPurpose: Validates a login attempt produces exactly one audit event, emitted by the service layer.
// Scope: Integration Test (HTTP stack)
// Security: Audit trail accuracy
// Expected: A failed login records a single login_failed event; a successful login records a single login_success event.
// Test Case ID: TRN-15
func TestTransport_LoginAuditedOnce(t *testing.T) {
	repo := newScopedUserRepo()
	hasher := identity.NewHasher(8*1024, 1, 1, 16, 32)
	auditLogger := &capturingAuditLogger{}

	identityService := identity.NewService(repo, hasher, auditLogger, dispatch.Noop{})
	tokenService := token.NewService(repo, hasher, auditLogger,
		[]byte("access-secret-for-tests"), []byte("refresh-secret-for-tests"),
		15*time.Minute, 7*24*time.Hour)

	handler := NewHandler(identityService, tokenService, &scopedTenantRepo{repo: repo}, nil, auditLogger, CookieConfig{Path: "/"})
	router := NewRouter(handler, NewRateLimiter(1000, 1000))

	hash, err := hasher.Hash("secret123")
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), &identity.User{
		ID:           id.NewUUIDv7(),
		TenantID:     "tenant-a",
		Email:        "audited@a.example.com",
		PasswordHash: hash,
		Role:         authz.RoleUser,
		IsActive:     true,
	}))

	do := func(body string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusUnauthorized,
		do(`{"email":"audited@a.example.com","password":"wrong-password"}`))
	assert.Len(t, auditLogger.byAction(audit.ActionLoginFailed), 1,
		"TRN-15: A failed login must emit exactly one login_failed event")
	assert.Empty(t, auditLogger.byAction(audit.ActionLoginSuccess),
		"TRN-15: A failed login must not emit login_success")

	require.Equal(t, http.StatusOK,
		do(`{"email":"audited@a.example.com","password":"secret123"}`))
	assert.Len(t, auditLogger.byAction(audit.ActionLoginSuccess), 1,
		"TRN-15: A successful login must emit exactly one login_success event")
}
