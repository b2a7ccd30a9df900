package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/monitor"
	"github.com/faasten/faasten/namespace"
	"github.com/faasten/faasten/wire"
)

// DefaultInvocationTimeout bounds how long a single gate invocation may run
// before its VM is killed. GateData carries no per-gate override, so the worker
// applies one budget to every invocation.
const DefaultInvocationTimeout = 30 * time.Second

// Worker ties the VM slot pool, the warm-VM cache and a hypervisor together
// into a monitor.Invoker: acquire a slot, boot or resume a VM into it, drive
// the CloudCall dispatcher to completion, then decide whether the VM goes
// back in the cache or is torn down.
type Worker struct {
	ns    *namespace.Namespace
	blobs *blobstore.Store
	hv    Hypervisor
	pool  *Pool
	cache *Cache
	names namegenerator.Generator
	stats Stats

	timeout time.Duration
}

// Stats receives VM lifecycle events for the stat timeline. statlog.Log
// satisfies it; the zero value (nil) disables recording.
type Stats interface {
	RecordBoot(functionKey string, memoryBytes uint64, whenUnixNano int64) error
	RecordEviction(functionKey string, whenUnixNano int64) error
}

// New constructs a Worker with the given total memory budget.
func New(ns *namespace.Namespace, blobs *blobstore.Store, hv Hypervisor, memoryCapacity uint64) *Worker {
	return &Worker{
		ns:      ns,
		blobs:   blobs,
		hv:      hv,
		pool:    NewPool(memoryCapacity),
		cache:   NewCache(),
		names:   namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()),
		timeout: DefaultInvocationTimeout,
	}
}

// SetTimeout overrides the default per-invocation wall-clock budget.
func (w *Worker) SetTimeout(d time.Duration) { w.timeout = d }

// SetStats wires a stat timeline recorder for boot and eviction events.
func (w *Worker) SetStats(s Stats) { w.stats = s }

// FreeMemory reports memory not reserved by a busy or cached VM, the figure
// a schedpeer heartbeat advertises via UpdateResource.
func (w *Worker) FreeMemory() uint64 { return w.pool.FreeMemory() }

// Close drains the pool so no further invocations are admitted.
func (w *Worker) Close() { w.pool.Close() }

// Invoke implements monitor.Invoker: it is also how the worker answers its
// own schedpeer-delivered tasks, since a dent-invoke CloudCall and a
// scheduler-dispatched LabeledInvoke both bottom out here.
func (w *Worker) Invoke(ctx context.Context, req monitor.InvokeRequest) (monitor.InvokeResult, error) {
	key := KeyFor(req.Function)

	vm, lcur0, warm, err := w.acquire(ctx, key, req)
	if err != nil {
		return monitor.InvokeResult{}, err
	}

	if warm {
		if err := vm.Resume(ctx); err != nil {
			w.pool.Release(req.Function.Memory)
			return monitor.InvokeResult{}, fmt.Errorf("worker: resume vm: %w", err)
		}
	}

	if err := w.deliver(vm, req, lcur0); err != nil {
		vm.Shutdown(context.Background())
		w.pool.Release(req.Function.Memory)
		return monitor.InvokeResult{}, fmt.Errorf("worker: deliver invocation: %w", err)
	}

	state := monitor.NewState(lcur0, req.Priv, req.Declassify)
	d := monitor.New(w.ns, w.blobs, w, vm.Conn(), state)

	res, err := d.Run(ctx, time.Now().Add(w.timeout))
	if err != nil {
		if errors.Is(err, monitor.ErrTimeout) {
			vm.Kill()
			w.pool.Release(req.Function.Memory)
			return monitor.InvokeResult{}, monitor.ErrTimeout
		}
		vm.Shutdown(context.Background())
		w.pool.Release(req.Function.Memory)
		return monitor.InvokeResult{}, err
	}

	if res.Cacheable {
		if err := vm.Pause(ctx); err != nil {
			vm.Shutdown(context.Background())
			w.pool.Release(req.Function.Memory)
		} else {
			slog.Debug("worker: caching vm", "vm", vmName(vm), "label", res.FinalLabel.String())
			w.cache.Insert(key, res.FinalLabel, vm, req.Function.Memory)
		}
	} else {
		slog.Debug("worker: destroying uncacheable vm", "vm", vmName(vm), "label", res.FinalLabel.String())
		vm.Shutdown(context.Background())
		w.pool.Release(req.Function.Memory)
	}

	return monitor.InvokeResult{Payload: res.Payload, FinalLabel: res.FinalLabel}, nil
}

// acquire finds a usable warm VM in the cache or boots a cold one,
// reserving its memory against the pool. A cache hit's memory stays
// reserved from the moment it was inserted (see Invoke's Cacheable branch)
// so it is never double-counted against the pool here. On a miss, insufficient
// headroom triggers LRU eviction of cached VMs before blocking on Acquire.
func (w *Worker) acquire(ctx context.Context, key FunctionKey, req monitor.InvokeRequest) (VM, buckle.Label, bool, error) {
	if vm, stored, ok := w.cache.Lookup(key, req.StartingLabel); ok {
		slog.Info("worker: resuming cached vm", "vm", vmName(vm), "stored_label", stored.String())
		return vm, buckle.Join(stored, req.StartingLabel), true, nil
	}

	memory := req.Function.Memory
	if !w.pool.TryAcquire(memory) {
		if free := w.pool.FreeMemory(); free < memory {
			w.cache.EvictUntil(memory-free, func(fn FunctionKey, vm VM, evicted uint64) {
				slog.Info("worker: evicting cached vm", "vm", vmName(vm), "memory", evicted)
				if w.stats != nil {
					w.stats.RecordEviction(string(fn), time.Now().UnixNano())
				}
				vm.Shutdown(context.Background())
				w.pool.Release(evicted)
			})
		}
		if err := w.pool.Acquire(ctx, memory); err != nil {
			return nil, buckle.Label{}, false, fmt.Errorf("worker: acquire slot: %w", err)
		}
	}

	vm, err := w.hv.Boot(ctx, req.Function)
	if err != nil {
		w.pool.Release(memory)
		return nil, buckle.Label{}, false, fmt.Errorf("worker: boot vm: %w", err)
	}
	named := &namedVM{VM: vm, name: w.names.Generate()}
	slog.Info("worker: booted vm", "vm", named.name, "memory", memory)
	if w.stats != nil {
		w.stats.RecordBoot(string(key), memory, time.Now().UnixNano())
	}
	return named, req.StartingLabel, false, nil
}

// namedVM carries the human-readable name a VM was given at boot through
// the cache and back, so log lines about the same instance correlate.
type namedVM struct {
	VM
	name string
}

func vmName(vm VM) string {
	if n, ok := vm.(*namedVM); ok {
		return n.name
	}
	return "unnamed"
}

// deliver sends the guest its first message: the starting label it's
// floating at and the invocation payload, encoded as a scheduler-style
// LabeledInvoke request. The guest then drives
// the rest of the session with CloudCalls.
func (w *Worker) deliver(vm VM, req monitor.InvokeRequest, lcur0 buckle.Label) error {
	msg := &wire.Request{
		Kind: wire.ReqLabeledInvoke,
		Invoke: &wire.LabeledInvoke{
			Function: wire.Function{
				Memory:       req.Function.Memory,
				AppImageBlob: req.Function.AppImageBlob,
				RuntimeBlob:  req.Function.RuntimeBlob,
				KernelBlob:   req.Function.KernelBlob,
			},
			Label:         lcur0.Canon().String(),
			Payload:       req.Payload,
			Headers:       req.Parameters,
			GatePrivilege: req.Priv.String(),
			Declassify:    req.Declassify.String(),
		},
	}
	return wire.WriteFrame(vm.Conn(), msg.Marshal())
}
