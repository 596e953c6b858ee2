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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantgate/tenantgate/internal/dispatch"
)

type capturingDispatcher struct {
	audits []dispatch.AuditJob
	emails []dispatch.EmailJob
}

func (c *capturingDispatcher) EnqueueEmail(j dispatch.EmailJob) { c.emails = append(c.emails, j) }
func (c *capturingDispatcher) EnqueueAudit(j dispatch.AuditJob) { c.audits = append(c.audits, j) }

// TestPurpose: Validates that the dispatcher-backed audit logger forwards events as audit jobs with all identity fields intact.
// Scope: Unit Test
// Expected: One Log call yields one enqueued audit job carrying actor, tenant, action, resource and client metadata.
// Test Case ID: AUD-01
func TestAudit_DispatchLogger_ForwardsEvent(t *testing.T) {
	d := &capturingDispatcher{}
	logger := NewDispatchLogger(d)

	logger.Log(context.Background(), Event{
		Action:    ActionLoginSuccess,
		ActorID:   "user-1",
		TenantID:  "tenant-a",
		Resource:  "session",
		IPAddress: "203.0.113.7",
		UserAgent: "curl/8.0",
		Payload:   map[string]any{"attempt": 1},
	})

	require.Len(t, d.audits, 1)
	job := d.audits[0]
	assert.Equal(t, ActionLoginSuccess, job.Action)
	assert.Equal(t, "user-1", job.PrincipalID)
	assert.Equal(t, "tenant-a", job.TenantID)
	assert.Equal(t, "session", job.Resource)
	assert.Equal(t, "203.0.113.7", job.IPAddress)
	assert.Equal(t, "curl/8.0", job.UserAgent)
	assert.Equal(t, 1, job.Payload["attempt"])
}

// TestPurpose: Validates that secret-bearing payload keys are redacted before an event leaves the audit boundary.
// Scope: Unit Test
// Security: Credential leakage prevention in audit trails
// Expected: Values under keys like "password" and "token" are replaced with a redaction marker; other keys pass through.
// Test Case ID: AUD-02
func TestAudit_DispatchLogger_RedactsSecrets(t *testing.T) {
	d := &capturingDispatcher{}
	logger := NewDispatchLogger(d)

	logger.Log(context.Background(), Event{
		Action: ActionUserUpdated,
		Payload: map[string]any{
			"password": "hunter2",
			"token":    "eyJhbGciOi...",
			"email":    "user@example.com",
		},
	})

	require.Len(t, d.audits, 1)
	payload := d.audits[0].Payload
	assert.Equal(t, "[REDACTED]", payload["password"],
		"AUD-02: Password values must never be persisted")
	assert.Equal(t, "[REDACTED]", payload["token"])
	assert.Equal(t, "user@example.com", payload["email"],
		"AUD-02: Non-secret keys pass through untouched")
}

// TestPurpose: Validates that the slog-backed audit logger never panics on sparse or secret-bearing events.
// Scope: Unit Test
// Expected: Logging minimal and payload-heavy events completes without error.
// Test Case ID: AUD-03
func TestAudit_SlogLogger_HandlesSparseEvents(t *testing.T) {
	logger := NewSlogLogger()

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), Event{Action: ActionLogout})
		logger.Log(context.Background(), Event{
			Action:  ActionTokenIssued,
			Payload: map[string]any{"secret": "s3cr3t", "key": "k"},
		})
	})
}
