// Package authz implements the fabric's authorization decision procedure:
// role hierarchy, idle requirements, and confirmation metadata.
package authz

import (
	"fmt"
	"time"

	"github.com/clawinfra/toolfabric/internal/types"
)

// Engine decides whether an invocation is allowed to proceed. It holds no
// state and performs no I/O — every input it needs is passed in.
type Engine struct{}

// New returns an authorization Engine.
func New() *Engine {
	return &Engine{}
}

// Authorize implements SPEC_FULL.md §4.2: role check first, then idle
// check, with requires_confirmation left as non-blocking metadata for the
// dispatcher to act on separately.
func (e *Engine) Authorize(toolName string, policy types.ToolPolicy, role types.Role, signals types.Signals) types.AuthorizationDecision {
	now := time.Now().UTC()

	if role < policy.MinRole {
		return types.AuthorizationDecision{
			Allowed: false,
			Reason: fmt.Sprintf("role %q is below the required role %q for tool %q",
				role, policy.MinRole, toolName),
			DecidedAt: now,
		}
	}

	if policy.RequiresIdle {
		idle := signals.IsUserIdle
		// Unknown idle state is treated as "not idle" — fail closed.
		if idle == nil || !*idle {
			return types.AuthorizationDecision{
				Allowed:   false,
				Reason:    fmt.Sprintf("tool %q requires the user to be idle", toolName),
				DecidedAt: now,
			}
		}
	}

	return types.AuthorizationDecision{
		Allowed:   true,
		Reason:    "authorized",
		DecidedAt: now,
	}
}
