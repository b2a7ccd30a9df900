package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/internal/identity"
	"github.com/faasten/faasten/internal/procvm"
	"github.com/faasten/faasten/internal/statlog"
	"github.com/faasten/faasten/internal/store"
	"github.com/faasten/faasten/monitor"
	"github.com/faasten/faasten/namespace"
	"github.com/faasten/faasten/schedpeer"
	"github.com/faasten/faasten/wire"
	"github.com/faasten/faasten/worker"
)

// RunCmd starts the worker daemon: it dials the scheduler, polls GetTask in
// a loop, and drives each task to completion through the VM pool and
// CloudCall dispatcher.
type RunCmd struct {
	GuestBinary string `placeholder:"<path>" help:"path to the local guest binary procvm launches for each boot (development hypervisor)"`
}

func (c *RunCmd) Run(cctx *Context) error {
	ctx := context.Background()
	cfg := cctx.Cfg

	kv, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("fntnd run: open store: %w", err)
	}
	defer kv.Close()

	blobs, err := blobstore.Open(cfg.BlobRoot)
	if err != nil {
		return fmt.Errorf("fntnd run: open blobstore: %w", err)
	}

	ns := namespace.New(kv, blobs)
	if err := ns.Bootstrap(ctx); err != nil {
		return fmt.Errorf("fntnd run: bootstrap root: %w", err)
	}

	stat := statlog.Open(cfg.StatPath, 64, 8)
	defer stat.Close()

	hv := procvm.New(cfg.SQLitePath+".sockets", func(fn namespace.FunctionRef) (string, []string, []string, error) {
		if c.GuestBinary == "" {
			return "", nil, nil, fmt.Errorf("no --guest-binary configured for development hypervisor")
		}
		return c.GuestBinary, nil, []string{
			"FNTND_APP_IMAGE_BLOB=" + fn.AppImageBlob,
			"FNTND_RUNTIME_BLOB=" + fn.RuntimeBlob,
			"FNTND_KERNEL_BLOB=" + fn.KernelBlob,
		}, nil
	})

	w := worker.New(ns, blobs, hv, cfg.MemoryCapacityMB<<20)
	w.SetStats(stat)
	if cfg.InvokeTimeoutSec > 0 {
		w.SetTimeout(time.Duration(cfg.InvokeTimeoutSec) * time.Second)
	}

	id, err := identity.LoadOrCreate(cfg.KeyDir)
	if err != nil {
		return fmt.Errorf("fntnd run: worker identity: %w", err)
	}

	conn, err := dialScheduler(cfg.SchedulerAddr)
	if err != nil {
		return fmt.Errorf("fntnd run: dial scheduler: %w", err)
	}
	peer := schedpeer.New(conn, id.Fingerprint())
	defer peer.Close()
	if err := peer.Hello(id); err != nil {
		return fmt.Errorf("fntnd run: hello: %w", err)
	}

	go peer.RunHeartbeat(ctx, w.FreeMemory)

	slog.Info("fntnd run: starting task loop", "scheduler", cfg.SchedulerAddr)
	for {
		task, err := peer.Next(ctx)
		if errors.Is(err, schedpeer.ErrTerminate) {
			slog.Info("fntnd run: scheduler requested termination")
			return nil
		}
		if err != nil {
			return fmt.Errorf("fntnd run: GetTask: %w", err)
		}
		if task == nil {
			continue
		}
		go handleTask(ctx, w, peer, stat, task)
	}
}

// handleTask runs one scheduler-dispatched LabeledInvoke to completion and
// reports its outcome via FinishTask. A successful invocation is recorded as
// a stat timeline completion and a failed one as a dropped request; a task
// rejected for a malformed label, privilege or declassify set is reported
// without a stat record.
func handleTask(ctx context.Context, w *worker.Worker, peer *schedpeer.Peer, stat *statlog.Log, task *schedpeer.Task) {
	requestedAt := time.Now().UnixNano()
	inv := task.Invoke

	label, err := buckle.Parse(inv.Label)
	if err != nil {
		reportFailure(ctx, peer, task.ID, wire.ReturnLaunchFailed, fmt.Sprintf("malformed label: %v", err))
		return
	}
	priv, err := buckle.ParsePrivilege(inv.GatePrivilege)
	if err != nil {
		reportFailure(ctx, peer, task.ID, wire.ReturnLaunchFailed, fmt.Sprintf("malformed privilege: %v", err))
		return
	}
	// A task that carries no declassify set gets none, matching the gate
	// default when the param is omitted at creation.
	declassify := buckle.CFalse()
	if inv.Declassify != "" {
		declassify, err = buckle.ParseComponent(inv.Declassify)
		if err != nil {
			reportFailure(ctx, peer, task.ID, wire.ReturnLaunchFailed, fmt.Sprintf("malformed declassify set: %v", err))
			return
		}
	}

	req := monitor.InvokeRequest{
		Function: namespace.FunctionRef{
			Memory:       inv.Function.Memory,
			AppImageBlob: inv.Function.AppImageBlob,
			RuntimeBlob:  inv.Function.RuntimeBlob,
			KernelBlob:   inv.Function.KernelBlob,
		},
		StartingLabel: label,
		Priv:          priv,
		Declassify:    declassify,
		Payload:       inv.Payload,
		Parameters:    inv.Headers,
	}

	res, err := w.Invoke(ctx, req)
	respondedAt := time.Now().UnixNano()
	functionKey := string(worker.KeyFor(req.Function))

	if err != nil {
		reportFailure(ctx, peer, task.ID, wire.ReturnProcessRequestFailed, err.Error())
		stat.RecordRequestDropped(respondedAt)
		return
	}

	stat.RecordCompletion(functionKey, requestedAt, respondedAt)
	if err := peer.Finish(ctx, task.ID, wire.TaskReturn{
		Code:       wire.ReturnSuccess,
		Payload:    res.Payload,
		FinalLabel: res.FinalLabel.Canon().String(),
	}); err != nil {
		slog.Error("fntnd run: FinishTask failed", "task", task.ID, "error", err)
	}
}

func reportFailure(ctx context.Context, peer *schedpeer.Peer, taskID string, code wire.ReturnCode, msg string) {
	slog.Error("fntnd run: task failed", "task", taskID, "code", code.String(), "error", msg)
	if err := peer.Finish(ctx, taskID, wire.TaskReturn{Code: code}); err != nil {
		slog.Error("fntnd run: FinishTask (failure report) failed", "task", taskID, "error", err)
	}
}

func dialScheduler(addr string) (net.Conn, error) {
	if addr == "" {
		return nil, fmt.Errorf("scheduler_addr is not set")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		// Not host:port: treat it as a unix socket path.
		return net.Dial("unix", addr)
	}
	return net.Dial("tcp", addr)
}
