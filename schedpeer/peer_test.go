package schedpeer

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/faasten/faasten/internal/identity"
	"github.com/faasten/faasten/wire"
)

// pipeConn adapts one half of a net.Pipe to io.ReadWriteCloser, which is all
// Peer needs; a real deployment dials TCP or a unix socket.
type pipeConn struct{ net.Conn }

func newPipe() (io.ReadWriteCloser, io.ReadWriteCloser) {
	a, b := net.Pipe()
	return pipeConn{a}, pipeConn{b}
}

// fakeScheduler answers exactly one request with resp, standing in for a
// real scheduler connection over an in-memory pipe.
func fakeScheduler(t *testing.T, conn io.ReadWriteCloser, resp *wire.Response) {
	t.Helper()
	go func() {
		raw, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		if _, err := wire.UnmarshalRequest(raw); err != nil {
			return
		}
		wire.WriteFrame(conn, resp.Marshal())
	}()
}

func TestPeerNextProcessTask(t *testing.T) {
	client, server := newPipe()
	defer client.Close()
	defer server.Close()

	fakeScheduler(t, server, &wire.Response{
		Kind:   wire.RespProcessTask,
		TaskID: "t1",
		Invoke: &wire.LabeledInvoke{Label: "T,T", Sync: true},
	})

	p := New(client, "slot-0")
	task, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if task.ID != "t1" || task.Invoke == nil || !task.Invoke.Sync {
		t.Fatalf("task = %+v", task)
	}
}

func TestPeerNextTerminate(t *testing.T) {
	client, server := newPipe()
	defer client.Close()
	defer server.Close()

	fakeScheduler(t, server, &wire.Response{Kind: wire.RespTerminate})

	p := New(client, "slot-0")
	if _, err := p.Next(context.Background()); err != ErrTerminate {
		t.Fatalf("Next = %v, want ErrTerminate", err)
	}
}

func TestPeerNextPong(t *testing.T) {
	client, server := newPipe()
	defer client.Close()
	defer server.Close()

	fakeScheduler(t, server, &wire.Response{Kind: wire.RespPong})

	p := New(client, "slot-0")
	task, err := p.Next(context.Background())
	if err != nil || task != nil {
		t.Fatalf("Next = %+v, %v, want nil, nil", task, err)
	}
}

func TestPeerFinish(t *testing.T) {
	client, server := newPipe()
	defer client.Close()
	defer server.Close()

	fakeScheduler(t, server, &wire.Response{Kind: wire.RespSuccess, TaskID: "t1"})

	p := New(client, "slot-0")
	err := p.Finish(context.Background(), "t1", wire.TaskReturn{Code: wire.ReturnSuccess, FinalLabel: "T,T"})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestPeerFinishRejected(t *testing.T) {
	client, server := newPipe()
	defer client.Close()
	defer server.Close()

	fakeScheduler(t, server, &wire.Response{Kind: wire.RespFail})

	p := New(client, "slot-0")
	if err := p.Finish(context.Background(), "t1", wire.TaskReturn{}); err == nil {
		t.Fatalf("Finish: expected error on RespFail")
	}
}

func TestPeerReportResource(t *testing.T) {
	client, server := newPipe()
	defer client.Close()
	defer server.Close()

	fakeScheduler(t, server, &wire.Response{Kind: wire.RespSuccess})

	p := New(client, "slot-0")
	if err := p.ReportResource(1 << 20); err != nil {
		t.Fatalf("ReportResource: %v", err)
	}
}

// TestPeerHello confirms the hello preamble carries a signature the
// scheduler side can verify against the presented key.
func TestPeerHello(t *testing.T) {
	client, server := newPipe()
	defer client.Close()
	defer server.Close()

	id, err := identity.LoadOrCreate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	verified := make(chan error, 1)
	go func() {
		raw, err := wire.ReadFrame(server)
		if err != nil {
			verified <- err
			return
		}
		req, err := wire.UnmarshalRequest(raw)
		if err != nil {
			verified <- err
			return
		}
		if req.Kind != wire.ReqHello {
			verified <- fmt.Errorf("kind = %d, want ReqHello", req.Kind)
			return
		}
		verified <- identity.Verify(req.PubKey, HelloPayload(req.ThreadID, req.PubKey), req.Sig)
		wire.WriteFrame(server, (&wire.Response{Kind: wire.RespPong}).Marshal())
	}()

	p := New(client, id.Fingerprint())
	if err := p.Hello(id); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if err := <-verified; err != nil {
		t.Fatalf("scheduler-side verification: %v", err)
	}
}
