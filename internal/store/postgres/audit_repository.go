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

	"github.com/tenantgate/tenantgate/internal/audit"
	"github.com/tenantgate/tenantgate/internal/dispatch"
	"github.com/tenantgate/tenantgate/internal/id"
)

// AuditRepository persists audit-log jobs and serves scoped reads over
// them. It is the sink behind the background dispatcher.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record inserts a single audit row. Runs on a dispatch worker; the
// job carries its own tenant since the worker context has no scope.
func (r *AuditRepository) Record(ctx context.Context, job dispatch.AuditJob) error {
	var tenantID, actorID any
	if job.TenantID != "" {
		tenantID = job.TenantID
	}
	if job.PrincipalID != "" {
		actorID = job.PrincipalID
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, tenant_id, actor_id, action, resource, payload, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		id.NewUUIDv7(), tenantID, actorID, job.Action, job.Resource, job.Payload, job.IPAddress, job.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ListRecent retrieves the newest audit records within the current scope.
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]*audit.Record, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	where, args := appendScope(ctx, "audit_logs", `TRUE`, nil)
	args = append(args, limit)

	rows, err := r.db.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, COALESCE(tenant_id::text, ''), COALESCE(actor_id::text, ''),
		       action, COALESCE(resource, ''), payload,
		       COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM audit_logs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d
	`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var records []*audit.Record
	for rows.Next() {
		var rec audit.Record
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.ActorID, &rec.Action, &rec.Resource,
			&rec.Payload, &rec.IPAddress, &rec.UserAgent, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
