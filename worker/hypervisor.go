// Package worker implements the VM slot pool, cache and invocation
// lifecycle: acquiring a slot for a gate's function, booting or
// resuming a VM into it, running the CloudCall dispatcher to completion, and
// deciding whether the VM goes back in the cache or is torn down.
package worker

import (
	"context"

	"github.com/faasten/faasten/monitor"
	"github.com/faasten/faasten/namespace"
)

// VM is a running guest instance: a vsock control connection plus the
// lifecycle operations a slot needs to cold-boot, warm-resume, or tear one
// down. The actual hypervisor wrapper (Firecracker, or whatever microVM
// runtime a deployment chooses) lives outside this repository;
// this interface is the seam Worker drives it through rather than shelling
// out to a VM control binary directly.
type VM interface {
	// Conn returns the vsock control channel the monitor dispatcher reads
	// CloudCalls from.
	Conn() monitor.Conn

	// Resume wakes a previously paused VM pulled from the cache, ready to
	// receive a taint/payload and resume CloudCall service.
	Resume(ctx context.Context) error

	// Shutdown gracefully stops the VM, releasing its resources.
	Shutdown(ctx context.Context) error

	// Kill force-stops the VM immediately, used on invocation timeout
	//.
	Kill() error

	// Pause suspends the VM in place so it can be re-inserted into the
	// cache without destroying its address space.
	Pause(ctx context.Context) error
}

// Hypervisor boots fresh VMs from a function's snapshot material: base
// language snapshot, optional function-diff snapshot, app filesystem, and
// a vsock control channel.
type Hypervisor interface {
	Boot(ctx context.Context, fn namespace.FunctionRef) (VM, error)
}
