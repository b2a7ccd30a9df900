// Package gate implements the gate & invocation protocol:
// traversal taint accumulation, invoker-integrity authorization, bounded
// redirect resolution, and new-instance privilege assignment. It stops at
// producing a Resolution the worker package executes; VM acquisition and
// running the invocation to completion belong to worker.
package gate

import "errors"

var (
	// ErrUnauthorized is returned when the invoker's integrity, even folded
	// with its privilege, does not satisfy the gate's clearance.
	ErrUnauthorized = errors.New("gate: unauthorized")
	// ErrRedirectLoop is returned when redirect resolution exceeds MaxRedirectDepth.
	ErrRedirectLoop = errors.New("gate: redirect loop")
	// ErrNotAGate is returned when a resolved id does not name a Gate entity.
	ErrNotAGate = errors.New("gate: not a gate")
)

// MaxRedirectDepth bounds redirect-chain resolution.
const MaxRedirectDepth = 8
