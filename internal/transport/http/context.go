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
	"context"

	"github.com/tenantgate/tenantgate/internal/authz"
)

type contextKey string

const principalKey contextKey = "principal"

// withPrincipal attaches the authenticated principal to the context.
func withPrincipal(ctx context.Context, p *authz.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the authenticated principal from context.
// Returns nil on unauthenticated requests.
func GetPrincipal(ctx context.Context) *authz.Principal {
	if p, ok := ctx.Value(principalKey).(*authz.Principal); ok {
		return p
	}
	return nil
}
