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
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tenantgate/tenantgate/internal/authz"
	"github.com/tenantgate/tenantgate/internal/observability/logger"
	"github.com/tenantgate/tenantgate/internal/tenant"
	"github.com/tenantgate/tenantgate/internal/token"
)

// Tenant resolution principles:
// 1. An authenticated principal's tenant claim is authoritative.
// 2. The X-Tenant-Id header is honored only on unauthenticated routes.
// 3. A header that disagrees with the principal is ignored and logged,
//    never merged.
// 4. Guards fail closed: no resolved tenant means no scoped data access.

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			slog.InfoContext(r.Context(), "http_request_start",
				logger.RequestID(middleware.GetReqID(r.Context())),
				logger.Method(r.Method),
				logger.Path(r.URL.Path),
				logger.RemoteAddr(r.RemoteAddr),
			)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				slog.InfoContext(r.Context(), "http_request_end",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(ww.Status()),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// AuthMiddleware verifies the access token and attaches the principal to
// the request context. The Authorization header wins over the cookie when
// both are present. Missing, expired and malformed tokens each get their
// own message so clients can distinguish re-login from refresh.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := h.accessTokenFrom(r)
		if raw == "" {
			respondError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		principal, err := h.tokenService.VerifyAccess(raw)
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				respondError(w, http.StatusUnauthorized, "token expired")
				return
			}
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

// accessTokenFrom extracts the raw access token, header first.
func (h *Handler) accessTokenFrom(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// TenantMiddleware resolves the active tenant. Authenticated requests
// take the tenant from the verified principal claim; the X-Tenant-Id
// header only counts before authentication. A spoofed header on an
// authenticated request is logged and dropped.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("X-Tenant-Id")

		if p := GetPrincipal(r.Context()); p != nil {
			if header != "" && header != p.TenantID {
				slog.WarnContext(r.Context(), "tenant header ignored on authenticated request",
					logger.UserID(p.ID),
					logger.TenantID(p.TenantID),
				)
			}
			next.ServeHTTP(w, r.WithContext(tenant.WithID(r.Context(), p.TenantID)))
			return
		}

		if header != "" {
			next.ServeHTTP(w, r.WithContext(tenant.WithID(r.Context(), header)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireTenant enforces that a tenant was resolved. Scoped routes sit
// behind this guard so they can never run tenant-wide.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := tenant.FromContext(r.Context()); !ok {
			respondError(w, http.StatusBadRequest, "tenant could not be resolved")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRoles passes requests whose principal holds one of the accepted
// roles. Runs after AuthMiddleware; an absent principal is rejected, not
// skipped.
func RequireRoles(accepted ...authz.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil {
				respondError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !authz.HasRole(p, accepted...) {
				respondError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAbilities passes requests whose principal's role grants every
// required ability. The manage ability satisfies any requirement.
func RequireAbilities(required ...authz.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil {
				respondError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !authz.HasAbilities(p, required...) {
				respondError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
