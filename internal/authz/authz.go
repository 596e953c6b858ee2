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

// Package authz implements the role and ability model used by the
// authorization guard chain: role gate, ability gate and ownership gate.
package authz

import "errors"

// Domain errors
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("insufficient permissions")
)

// Role is the role assigned to a credential record.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// Valid reports whether the role is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// Action is an abstract permission unit, independent of role.
type Action string

const (
	ActionManage Action = "manage"
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Principal is the authenticated identity derived from a verified token.
// It is reconstructed per request and never persisted.
type Principal struct {
	ID       string
	Email    string
	Role     Role
	TenantID string
}

// AbilitiesFor maps a role to its ability set. This is a static lookup:
// ADMIN holds the universal manage ability, USER may read and update
// (ownership of the target is checked separately by the ownership gate).
func AbilitiesFor(role Role) []Action {
	switch role {
	case RoleAdmin:
		return []Action{ActionManage}
	case RoleUser:
		return []Action{ActionRead, ActionUpdate}
	default:
		return nil
	}
}

// HasAbilities reports whether the principal's ability set covers every
// required action. The manage ability satisfies any requirement. An empty
// requirement always passes.
func HasAbilities(p *Principal, required ...Action) bool {
	if len(required) == 0 {
		return true
	}
	if p == nil {
		return false
	}

	abilities := AbilitiesFor(p.Role)
	held := make(map[Action]bool, len(abilities))
	for _, a := range abilities {
		if a == ActionManage {
			return true
		}
		held[a] = true
	}

	for _, want := range required {
		if !held[want] {
			return false
		}
	}
	return true
}

// HasRole reports whether the principal's role is in the accepted set.
// An empty set means no restriction.
func HasRole(p *Principal, accepted ...Role) bool {
	if len(accepted) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	for _, r := range accepted {
		if p.Role == r {
			return true
		}
	}
	return false
}

// Owns decides the ownership gate for a resource identified by resourceID.
// ADMIN always passes; otherwise the principal must be the resource itself.
// A missing principal is denied rather than treated as an error: this gate
// runs last and must fail closed even if earlier gates were skipped.
func Owns(p *Principal, resourceID string) bool {
	if p == nil {
		return false
	}
	if p.Role == RoleAdmin {
		return true
	}
	return p.ID == resourceID
}
