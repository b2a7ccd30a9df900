package worker

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/internal/store"
	"github.com/faasten/faasten/monitor"
	"github.com/faasten/faasten/namespace"
	"github.com/faasten/faasten/wire"
)

// fakeVM is a worker.VM whose guest side is driven by a test script over a
// net.Pipe, standing in for the hypervisor wrapper the same way the
// monitor tests fake their guest.
type fakeVM struct {
	host  net.Conn
	guest net.Conn

	mu       sync.Mutex
	resumed  bool
	paused   bool
	shutdown bool
	killed   bool
}

func (v *fakeVM) Conn() monitor.Conn { return v.host }

func (v *fakeVM) Resume(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resumed = true
	v.paused = false
	return nil
}

func (v *fakeVM) Pause(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = true
	return nil
}

func (v *fakeVM) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.shutdown {
		v.shutdown = true
		v.host.Close()
		v.guest.Close()
	}
	return nil
}

func (v *fakeVM) Kill() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.killed = true
	v.host.Close()
	v.guest.Close()
	return nil
}

func (v *fakeVM) state() (resumed, paused, shutdown, killed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resumed, v.paused, v.shutdown, v.killed
}

// fakeHypervisor boots fakeVMs, running script against each guest side.
type fakeHypervisor struct {
	script func(conn net.Conn)

	mu    sync.Mutex
	boots int
	vms   []*fakeVM
}

func (h *fakeHypervisor) Boot(ctx context.Context, fn namespace.FunctionRef) (VM, error) {
	host, guest := net.Pipe()
	vm := &fakeVM{host: host, guest: guest}
	h.mu.Lock()
	h.boots++
	h.vms = append(h.vms, vm)
	h.mu.Unlock()
	if h.script != nil {
		go h.script(guest)
	}
	return vm, nil
}

func (h *fakeHypervisor) bootCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boots
}

// echoGuest answers every delivered invocation with a fixed payload, across
// as many warm-resume sessions as the worker runs against it.
func echoGuest(payload []byte) func(conn net.Conn) {
	return func(conn net.Conn) {
		for {
			raw, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			if _, err := wire.UnmarshalRequest(raw); err != nil {
				return
			}
			resp := &wire.CallRequest{Op: wire.OpResponse, Payload: payload}
			if err := wire.WriteFrame(conn, resp.Marshal()); err != nil {
				return
			}
		}
	}
}

func newTestWorker(t *testing.T, hv Hypervisor, capacity uint64) *Worker {
	t.Helper()
	kv, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ns.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	bs, err := blobstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	ns := namespace.New(kv, bs)
	if err := ns.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return New(ns, bs, hv, capacity)
}

func testFunction() namespace.FunctionRef {
	return namespace.FunctionRef{
		Memory:       64,
		AppImageBlob: "app",
		RuntimeBlob:  "rt",
		KernelBlob:   "kern",
	}
}

func TestInvokeColdThenWarm(t *testing.T) {
	hv := &fakeHypervisor{script: echoGuest([]byte("pong"))}
	w := newTestWorker(t, hv, 1024)

	req := monitor.InvokeRequest{
		Function:      testFunction(),
		StartingLabel: buckle.Public(),
		Payload:       []byte("ping"),
	}

	res, err := w.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(res.Payload) != "pong" {
		t.Fatalf("payload = %q, want %q", res.Payload, "pong")
	}
	if !res.FinalLabel.Equal(buckle.Public()) {
		t.Fatalf("final label = %v, want PUBLIC", res.FinalLabel)
	}
	if got := hv.bootCount(); got != 1 {
		t.Fatalf("boots = %d, want 1", got)
	}
	if _, paused, _, _ := hv.vms[0].state(); !paused {
		t.Fatalf("completed PUBLIC vm was not paused into the cache")
	}

	// Same function, same label: must come from the cache, not a new boot.
	if _, err := w.Invoke(context.Background(), req); err != nil {
		t.Fatalf("second Invoke: %v", err)
	}
	if got := hv.bootCount(); got != 1 {
		t.Fatalf("boots after warm invoke = %d, want 1", got)
	}
	if resumed, _, _, _ := hv.vms[0].state(); !resumed {
		t.Fatalf("cached vm was not resumed")
	}
}

// TestTaintedVMNotReusedForPublic confirms a VM that finished tainted is
// cached under its final label only: a later PUBLIC request must boot fresh
// rather than inherit the taint.
func TestTaintedVMNotReusedForPublic(t *testing.T) {
	hv := &fakeHypervisor{script: echoGuest(nil)}
	w := newTestWorker(t, hv, 1024)
	secret := mustLabel(t, "alice,T")

	if _, err := w.Invoke(context.Background(), monitor.InvokeRequest{
		Function:      testFunction(),
		StartingLabel: secret,
	}); err != nil {
		t.Fatalf("tainted Invoke: %v", err)
	}
	if got := hv.bootCount(); got != 1 {
		t.Fatalf("boots = %d, want 1", got)
	}

	if _, err := w.Invoke(context.Background(), monitor.InvokeRequest{
		Function:      testFunction(),
		StartingLabel: buckle.Public(),
	}); err != nil {
		t.Fatalf("public Invoke: %v", err)
	}
	if got := hv.bootCount(); got != 2 {
		t.Fatalf("boots after public invoke = %d, want 2 (tainted entry must not serve it)", got)
	}

	// The tainted entry is still usable for an equally-tainted request.
	if _, err := w.Invoke(context.Background(), monitor.InvokeRequest{
		Function:      testFunction(),
		StartingLabel: secret,
	}); err != nil {
		t.Fatalf("second tainted Invoke: %v", err)
	}
	if got := hv.bootCount(); got != 2 {
		t.Fatalf("boots after second tainted invoke = %d, want 2", got)
	}
}

func TestInvokeTimeoutKillsVM(t *testing.T) {
	// A guest that reads its delivery and then goes silent.
	hv := &fakeHypervisor{script: func(conn net.Conn) {
		wire.ReadFrame(conn)
		select {}
	}}
	w := newTestWorker(t, hv, 1024)
	w.SetTimeout(200 * time.Millisecond)

	_, err := w.Invoke(context.Background(), monitor.InvokeRequest{
		Function:      testFunction(),
		StartingLabel: buckle.Public(),
	})
	if !errors.Is(err, monitor.ErrTimeout) {
		t.Fatalf("Invoke err = %v, want ErrTimeout", err)
	}
	if _, _, _, killed := hv.vms[0].state(); !killed {
		t.Fatalf("timed-out vm was not killed")
	}
	if free := w.FreeMemory(); free != 1024 {
		t.Fatalf("free memory after timeout = %d, want full capacity", free)
	}
}

func mustLabel(t *testing.T, s string) buckle.Label {
	t.Helper()
	l, err := buckle.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return l
}
