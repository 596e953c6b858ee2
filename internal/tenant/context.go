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

package tenant

import "context"

// The tenant scope travels on the request context, never on a shared
// field. Each request carries its own value, so concurrent requests for
// different tenants cannot observe each other's scope.

type contextKey struct{}

// WithID returns a context carrying tenantID as the active tenant scope.
// The resolver sets it at most once per request.
func WithID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKey{}, tenantID)
}

// FromContext returns the active tenant scope, if one was resolved.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// MustFromContext returns the active tenant scope or ErrScopeMissing.
// Callers on authenticated paths use this so an unset scope fails the
// request instead of widening the query.
func MustFromContext(ctx context.Context) (string, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return "", ErrScopeMissing
	}
	return id, nil
}
