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
	"fmt"

	"github.com/tenantgate/tenantgate/internal/tenant"
)

// Tenant scoping choke point. Every repository method touching a scoped
// table routes its predicate through appendScope and its create-time
// tenant stamp through defaultTenant, so call sites cannot forget or
// bypass tenant isolation.

// scopedTables is the explicit allow-list of tenant-scoped tables. New
// entities require deliberate addition here; nothing is inferred.
var scopedTables = map[string]bool{
	"users":      true,
	"audit_logs": true,
}

// appendScope merges the tenant equality predicate into a WHERE clause
// for reads, updates and deletes against a scoped table. The predicate
// is ANDed unconditionally, so caller-supplied filters can never widen
// the result past the active tenant. With no tenant in ctx the clause
// passes through unchanged: the unauthenticated gap registration needs.
// Authenticated paths are guarded upstream (transport RequireTenant), so
// they never reach here scopeless.
func appendScope(ctx context.Context, table, where string, args []any) (string, []any) {
	if !scopedTables[table] {
		return where, args
	}
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return where, args
	}
	return fmt.Sprintf("%s AND %s.tenant_id = $%d", where, table, len(args)+1), append(args, tenantID)
}

// defaultTenant resolves the tenant to stamp on a newly created row:
// a caller-supplied tenant wins, otherwise the context tenant fills in.
// Unlike reads, creates are defaulted rather than overridden: an
// administrative flow may create a record under an explicit tenant other
// than its own, but can never read outside its scope.
func defaultTenant(ctx context.Context, table, supplied string) string {
	if supplied != "" || !scopedTables[table] {
		return supplied
	}
	tenantID, _ := tenant.FromContext(ctx)
	return tenantID
}
