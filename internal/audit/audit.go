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

package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenantgate/tenantgate/internal/dispatch"
)

// Audit actions
const (
	ActionUserRegistered = "user_registered"
	ActionUserUpdated    = "user_updated"
	ActionUserDeleted    = "user_deleted"
	ActionUserRestored   = "user_restored"
	ActionLoginSuccess   = "login_success"
	ActionLoginFailed    = "login_failed"
	ActionTokenIssued    = "token_issued"
	ActionTokenRotated   = "token_rotated"
	ActionTokenRevoked   = "token_revoked"
	ActionLogout         = "logout"
)

// Event represents an auditable action.
type Event struct {
	Action    string
	ActorID   string
	TenantID  string
	Resource  string
	Payload   map[string]any
	IPAddress string
	UserAgent string
	Timestamp time.Time
}

// Logger defines the interface for audit logging. Implementations must
// never fail the calling request.
type Logger interface {
	Log(ctx context.Context, event Event)
}

// Record is a persisted audit event.
type Record struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Repository defines the interface for reading persisted audit records.
type Repository interface {
	ListRecent(ctx context.Context, limit int) ([]*Record, error)
}

// SlogLogger writes audit events to the application log. Used when no
// persistent sink is wired, and in tests.
type SlogLogger struct{}

// NewSlogLogger creates a new slog-backed audit logger.
func NewSlogLogger() *SlogLogger {
	return &SlogLogger{}
}

// Log records an audit event.
func (l *SlogLogger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		slog.String("audit_action", event.Action),
		slog.String("tenant_id", event.TenantID),
		slog.String("actor_id", event.ActorID),
		slog.String("resource", event.Resource),
		slog.Time("timestamp", event.Timestamp),
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if len(event.Payload) > 0 {
		group := []any{}
		for k, v := range event.Payload {
			if isSecret(k) {
				v = "[REDACTED]"
			}
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("payload", group...))
	}

	slog.InfoContext(ctx, "AUDIT_EVENT", append(attrs, slog.String("component", "audit"))...)
}

// DispatchLogger hands audit events to the background dispatcher for
// persistence. The request never waits on the write.
type DispatchLogger struct {
	dispatcher dispatch.Dispatcher
}

// NewDispatchLogger creates a dispatcher-backed audit logger.
func NewDispatchLogger(d dispatch.Dispatcher) *DispatchLogger {
	return &DispatchLogger{dispatcher: d}
}

// Log enqueues the event as an audit-log job.
func (l *DispatchLogger) Log(ctx context.Context, event Event) {
	payload := make(map[string]any, len(event.Payload))
	for k, v := range event.Payload {
		if isSecret(k) {
			v = "[REDACTED]"
		}
		payload[k] = v
	}

	l.dispatcher.EnqueueAudit(dispatch.AuditJob{
		PrincipalID: event.ActorID,
		Action:      event.Action,
		Resource:    event.Resource,
		Payload:     payload,
		IPAddress:   event.IPAddress,
		UserAgent:   event.UserAgent,
		TenantID:    event.TenantID,
	})
}

// isSecret checks if a payload key likely contains a secret.
func isSecret(key string) bool {
	secrets := []string{"password", "secret", "token", "key", "authorization"}
	for _, s := range secrets {
		if key == s {
			return true
		}
	}
	return false
}
