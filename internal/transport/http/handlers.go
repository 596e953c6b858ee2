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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tenantgate/tenantgate/internal/audit"
	"github.com/tenantgate/tenantgate/internal/authz"
	"github.com/tenantgate/tenantgate/internal/identity"
	"github.com/tenantgate/tenantgate/internal/observability/logger"
	"github.com/tenantgate/tenantgate/internal/tenant"
	"github.com/tenantgate/tenantgate/internal/token"
)

const (
	accessTokenCookie  = "access_token"
	refreshTokenCookie = "refresh_token"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	identityService *identity.Service
	tokenService    *token.Service
	tenantRepo      tenant.Repository
	auditRepo       audit.Repository
	auditLogger     audit.Logger
	cookieConfig    CookieConfig
}

// CookieConfig holds token cookie configuration
type CookieConfig struct {
	Domain string
	Path   string
	Secure bool
}

// NewHandler creates a new HTTP handler
func NewHandler(
	identityService *identity.Service,
	tokenService *token.Service,
	tenantRepo tenant.Repository,
	auditRepo audit.Repository,
	auditLogger audit.Logger,
	cookieConfig CookieConfig,
) *Handler {
	if cookieConfig.Path == "" {
		cookieConfig.Path = "/"
	}
	return &Handler{
		identityService: identityService,
		tokenService:    tokenService,
		tenantRepo:      tenantRepo,
		auditRepo:       auditRepo,
		auditLogger:     auditLogger,
		cookieConfig:    cookieConfig,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public authentication endpoints. Tenant context, when present,
		// comes from the X-Tenant-Id header; registration creates its
		// own tenant and ignores it.
		r.Group(func(r chi.Router) {
			r.Use(TenantMiddleware)

			r.Post("/auth/register", h.Register)
			r.Post("/auth/login", h.Login)
			r.Post("/auth/refresh", h.Refresh)
		})

		// Protected routes. Guard order is fixed: authentication, then
		// tenant resolution from the principal, then the fail-closed
		// scope check, then role and ability gates per route. Ownership
		// is checked last, inside the handlers.
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Use(TenantMiddleware)
			r.Use(RequireTenant)

			r.Post("/auth/logout", h.Logout)
			r.Get("/auth/me", h.GetCurrentUser)
			r.Get("/tenant", h.GetCurrentTenant)

			r.Route("/users", func(r chi.Router) {
				r.With(RequireRoles(authz.RoleAdmin)).Get("/", h.ListUsers)
				r.With(RequireRoles(authz.RoleAdmin)).Get("/by-email", h.GetUserByEmail)

				r.Route("/{userID}", func(r chi.Router) {
					r.With(RequireAbilities(authz.ActionRead)).Get("/", h.GetUser)
					r.With(RequireAbilities(authz.ActionUpdate)).Put("/", h.UpdateUser)
					r.With(RequireRoles(authz.RoleAdmin)).Delete("/", h.DeleteUser)
					r.With(RequireRoles(authz.RoleAdmin)).Post("/restore", h.RestoreUser)
					r.With(RequireRoles(authz.RoleAdmin)).Delete("/purge", h.PurgeUser)
				})
			})

			r.With(RequireRoles(authz.RoleAdmin)).Get("/audit-logs", h.ListAuditLogs)
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "tenantgate",
	})
}

// UserResponse is the transport view of a credential record. Hashes
// never leave the service boundary.
type UserResponse struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Email     string     `json:"email"`
	Role      authz.Role `json:"role"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func toUserResponse(u *identity.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		TenantID:  u.TenantID,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
		DeletedAt: u.DeletedAt,
	}
}

// RegisterRequest represents registration data
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a new organization: a fresh tenant plus its first
// credential record, then signs the new principal in.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.identityService.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserAlreadyExists):
			respondError(w, http.StatusConflict, "user already exists")
		case errors.Is(err, identity.ErrInvalidEmail):
			respondError(w, http.StatusBadRequest, "invalid email address")
		case errors.Is(err, identity.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, "password does not meet security requirements")
		default:
			slog.ErrorContext(r.Context(), "registration failed",
				logger.Error(err),
				logger.Email(req.Email),
			)
			respondError(w, http.StatusInternalServerError, "failed to create user")
		}
		return
	}

	ctx := tenant.WithID(r.Context(), user.TenantID)
	pair, err := h.tokenService.Issue(ctx, user.Principal())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to issue tokens after registration", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}

	h.setTokenCookies(w, pair)

	respondJSON(w, http.StatusCreated, map[string]any{
		"user":   toUserResponse(user),
		"tokens": pair,
	})
}

// LoginRequest represents login credentials
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login authenticates a credential record and issues a token pair. All
// failure modes share one response so the endpoint cannot be used to
// probe which emails exist.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Authenticate emits the login audit events itself, with the
	// failure reason the handler never sees.
	user, err := h.identityService.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ctx := tenant.WithID(r.Context(), user.TenantID)
	pair, err := h.tokenService.Issue(ctx, user.Principal())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to issue tokens", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}

	h.setTokenCookies(w, pair)

	respondJSON(w, http.StatusOK, map[string]any{
		"user":   toUserResponse(user),
		"tokens": pair,
	})
}

// RefreshRequest carries a refresh token for clients that cannot send
// cookies.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token: the presented token is verified
// against the stored hash, invalidated, and a new pair is issued. A
// token that was already rotated revokes the session instead.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := h.refreshTokenFrom(r)
	if raw == "" {
		respondError(w, http.StatusUnauthorized, "refresh token missing")
		return
	}

	principal, err := h.tokenService.VerifyRefresh(raw)
	if err != nil {
		h.clearTokenCookies(w)
		if errors.Is(err, token.ErrTokenExpired) {
			respondError(w, http.StatusUnauthorized, "refresh token expired")
			return
		}
		respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	ctx := tenant.WithID(r.Context(), principal.TenantID)
	pair, err := h.tokenService.Rotate(ctx, principal.ID, raw)
	if err != nil {
		h.clearTokenCookies(w)
		switch {
		case errors.Is(err, token.ErrNoActiveSession), errors.Is(err, token.ErrTokenMismatch):
			respondError(w, http.StatusUnauthorized, "refresh token no longer valid")
		default:
			slog.ErrorContext(r.Context(), "token rotation failed", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to refresh tokens")
		}
		return
	}

	h.setTokenCookies(w, pair)

	respondJSON(w, http.StatusOK, map[string]any{"tokens": pair})
}

// refreshTokenFrom extracts the raw refresh token, cookie first.
func (h *Handler) refreshTokenFrom(r *http.Request) string {
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		return req.RefreshToken
	}
	return ""
}

// Logout revokes the active refresh session and clears both cookies.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipal(r.Context())

	if err := h.tokenService.Revoke(r.Context(), p.ID); err != nil {
		slog.ErrorContext(r.Context(), "failed to revoke session on logout",
			logger.Error(err),
			logger.UserID(p.ID),
		)
	}

	h.clearTokenCookies(w)

	h.auditLogger.Log(r.Context(), audit.Event{
		Action:    audit.ActionLogout,
		TenantID:  p.TenantID,
		ActorID:   p.ID,
		Resource:  "session",
		IPAddress: getIPAddress(r),
		UserAgent: r.UserAgent(),
	})

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "logged out successfully",
	})
}

// GetCurrentUser returns the authenticated principal's own record.
func (h *Handler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipal(r.Context())

	user, err := h.identityService.GetUser(r.Context(), p.ID)
	if err != nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	respondJSON(w, http.StatusOK, toUserResponse(user))
}

// GetCurrentTenant returns the caller's organization record. The ID comes
// from the resolved scope, never from the request, so a caller can only
// ever see their own tenant.
func (h *Handler) GetCurrentTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := tenant.FromContext(r.Context())

	t, err := h.tenantRepo.GetByID(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			respondError(w, http.StatusNotFound, "tenant not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to load tenant", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load tenant")
		return
	}

	respondJSON(w, http.StatusOK, t)
}

// ListUsers returns a page of active users in the caller's tenant.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	result, err := h.identityService.ListUsers(r.Context(), identity.Page{Page: page, Limit: limit})
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list users", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	items := make([]UserResponse, 0, len(result.Items))
	for _, u := range result.Items {
		items = append(items, toUserResponse(u))
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"total":       result.Total,
		"page":        result.Page,
		"limit":       result.Limit,
		"total_pages": result.TotalPages,
	})
}

// GetUser returns a single user. Non-admin callers may only read their
// own record; admins may additionally request soft-deleted records.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipal(r.Context())
	userID := chi.URLParam(r, "userID")

	if !authz.Owns(p, userID) {
		respondError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var (
		user *identity.User
		err  error
	)
	if p.Role == authz.RoleAdmin && r.URL.Query().Get("include_deleted") == "true" {
		user, err = h.identityService.GetUserIncludeDeleted(r.Context(), userID)
	} else {
		user, err = h.identityService.GetUser(r.Context(), userID)
	}
	if err != nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	respondJSON(w, http.StatusOK, toUserResponse(user))
}

// GetUserByEmail returns an active user by email address.
func (h *Handler) GetUserByEmail(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		respondError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	user, err := h.identityService.GetUserByEmail(r.Context(), email)
	if err != nil {
		respondError(w, http.StatusNotFound, "user not found")
		return
	}

	respondJSON(w, http.StatusOK, toUserResponse(user))
}

// UpdateUserRequest carries the mutable fields of a user. Absent fields
// are left unchanged.
type UpdateUserRequest struct {
	Email    *string     `json:"email"`
	Role     *authz.Role `json:"role"`
	IsActive *bool       `json:"is_active"`
	Password *string     `json:"password"`
}

// UpdateUser updates a credential record. Non-admin callers may only
// update their own record, and may not touch role or activation state.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	p := GetPrincipal(r.Context())
	userID := chi.URLParam(r, "userID")

	if !authz.Owns(p, userID) {
		respondError(w, http.StatusForbidden, "insufficient permissions")
		return
	}

	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if p.Role != authz.RoleAdmin && (req.Role != nil || req.IsActive != nil) {
		respondError(w, http.StatusForbidden, "role and activation changes require an administrator")
		return
	}
	if req.Role != nil && !req.Role.Valid() {
		respondError(w, http.StatusBadRequest, "invalid role")
		return
	}

	user, err := h.identityService.Update(r.Context(), userID, identity.UpdateInput{
		Email:    req.Email,
		Role:     req.Role,
		IsActive: req.IsActive,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserNotFound):
			respondError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, identity.ErrUserAlreadyExists):
			respondError(w, http.StatusConflict, "email already in use")
		case errors.Is(err, identity.ErrInvalidEmail):
			respondError(w, http.StatusBadRequest, "invalid email address")
		case errors.Is(err, identity.ErrWeakPassword):
			respondError(w, http.StatusBadRequest, "password does not meet security requirements")
		case errors.Is(err, identity.ErrNothingToUpdate):
			respondError(w, http.StatusBadRequest, "no fields to update")
		default:
			slog.ErrorContext(r.Context(), "failed to update user", logger.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to update user")
		}
		return
	}

	respondJSON(w, http.StatusOK, toUserResponse(user))
}

// DeleteUser soft-deletes a user, keeping the record recoverable.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.identityService.SoftDelete(r.Context(), userID); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to delete user", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "user deleted",
	})
}

// RestoreUser reverses a soft delete.
func (h *Handler) RestoreUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.identityService.Restore(r.Context(), userID); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "user not found or not deleted")
			return
		}
		slog.ErrorContext(r.Context(), "failed to restore user", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to restore user")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "user restored",
	})
}

// PurgeUser permanently removes a user record, freeing its email for
// re-registration.
func (h *Handler) PurgeUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.identityService.HardDelete(r.Context(), userID); err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			respondError(w, http.StatusNotFound, "user not found")
			return
		}
		slog.ErrorContext(r.Context(), "failed to purge user", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to purge user")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "user permanently removed",
	})
}

// ListAuditLogs returns the newest audit records in the caller's tenant.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if h.auditRepo == nil {
		respondError(w, http.StatusNotFound, "audit log storage is not configured")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.auditRepo.ListRecent(r.Context(), limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list audit logs", logger.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list audit logs")
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}

	respondJSON(w, http.StatusOK, map[string]any{"items": records})
}

// Helper functions
func (h *Handler) setTokenCookies(w http.ResponseWriter, pair *token.Pair) {
	http.SetCookie(w, h.tokenCookie(accessTokenCookie, pair.AccessToken, h.tokenService.AccessTTL()))
	http.SetCookie(w, h.tokenCookie(refreshTokenCookie, pair.RefreshToken, h.tokenService.RefreshTTL()))
}

func (h *Handler) clearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.tokenCookie(accessTokenCookie, "", -time.Second))
	http.SetCookie(w, h.tokenCookie(refreshTokenCookie, "", -time.Second))
}

func (h *Handler) tokenCookie(name, value string, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     h.cookieConfig.Path,
		Domain:   h.cookieConfig.Domain,
		Secure:   h.cookieConfig.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(ttl / time.Second),
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
