// Package schedpeer implements the worker's scheduler-facing RPC peer: a
// pull-based GetTask/ProcessTask loop over a
// persistent length-prefixed stream, FinishTask completion reporting, and
// periodic UpdateResource heartbeats. The scheduler itself is an external
// collaborator; this package only speaks its wire protocol.
//
// The request/response shape is one call out, one decoded reply, with
// errors wrapped to tell "scheduler unreachable" apart from "scheduler
// rejected the call" — over a raw length-prefixed stream, since the
// scheduler is label-oblivious and moves opaque payloads
// rather than a JSON API.
package schedpeer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/faasten/faasten/internal/identity"
	"github.com/faasten/faasten/wire"
)

// ErrTerminate is returned by Next when the scheduler has instructed this
// worker to drain and exit.
var ErrTerminate = errors.New("schedpeer: scheduler requested termination")

// Task is a unit of work pulled from the scheduler: either a LabeledInvoke
// to run, or nothing (a Pong/idle tick).
type Task struct {
	ID     string
	Invoke *wire.LabeledInvoke
}

// Peer owns one persistent stream to the scheduler and a heartbeat loop
// advertising free memory. Request/response pairs on a given
// stream are serialized by mu — a blocking GetTask occupies the stream until
// answered, so a worker wanting N slots polling concurrently dials N Peers
// (one persistent connection per slot), with one of them also driving
// RunHeartbeat. This keeps the wire protocol a plain synchronous
// request/reply pair per connection rather than requiring scheduler-side
// request-id correlation.
type Peer struct {
	conn     io.ReadWriteCloser
	threadID string

	mu sync.Mutex

	// heartbeat state
	heartbeatEvery time.Duration
	minDelta       uint64
	lastReported   uint64
	stop           chan struct{}
	stopOnce       sync.Once
}

// New constructs a Peer over an already-dialed stream (TCP or UDS).
// threadID identifies the calling slot in GetTask requests.
func New(conn io.ReadWriteCloser, threadID string) *Peer {
	return &Peer{
		conn:           conn,
		threadID:       threadID,
		heartbeatEvery: 5 * time.Second,
		minDelta:       16 << 20, // 16 MiB, a reasonable default "changed enough to report" threshold
		stop:           make(chan struct{}),
	}
}

// Close shuts down the peer's heartbeat loop and underlying connection.
func (p *Peer) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return p.conn.Close()
}

// call sends req and decodes the matching Response, serialized against
// concurrent callers sharing the same stream.
func (p *Peer) call(req *wire.Request) (*wire.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := wire.WriteFrame(p.conn, req.Marshal()); err != nil {
		return nil, fmt.Errorf("schedpeer: write request: %w", err)
	}
	raw, err := wire.ReadFrame(p.conn)
	if err != nil {
		return nil, fmt.Errorf("schedpeer: read response: %w", err)
	}
	resp, err := wire.UnmarshalResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("schedpeer: decode response: %w", err)
	}
	return resp, nil
}

// HelloPayload is the byte string a worker signs in its hello preamble:
// the stream's thread id bound to the presented public key. Scheduler
// implementations verify the signature over exactly these bytes.
func HelloPayload(threadID string, pubKeyLine []byte) []byte {
	payload := []byte("fntnd-hello\x00" + threadID + "\x00")
	return append(payload, pubKeyLine...)
}

// Hello sends the signed stream preamble identifying this worker to the
// scheduler. Call it once, right after New, before the first GetTask. A
// RespFail reply means the scheduler rejected the key.
func (p *Peer) Hello(id *identity.Identity) error {
	pub := id.PublicKeyLine()
	resp, err := p.call(&wire.Request{
		Kind:     wire.ReqHello,
		ThreadID: p.threadID,
		PubKey:   pub,
		Sig:      id.Sign(HelloPayload(p.threadID, pub)),
	})
	if err != nil {
		return err
	}
	if resp.Kind == wire.RespFail {
		return fmt.Errorf("schedpeer: scheduler rejected worker identity %s", id.Fingerprint())
	}
	return nil
}

// Next issues one GetTask and blocks for the scheduler's reply: a task to
// run, nil (a Pong — the caller should poll again), or ErrTerminate when
// the scheduler wants this worker to drain and exit.
func (p *Peer) Next(ctx context.Context) (*Task, error) {
	resp, err := p.call(&wire.Request{Kind: wire.ReqGetTask, ThreadID: p.threadID})
	if err != nil {
		return nil, err
	}
	switch resp.Kind {
	case wire.RespProcessTask:
		return &Task{ID: resp.TaskID, Invoke: resp.Invoke}, nil
	case wire.RespTerminate:
		return nil, ErrTerminate
	case wire.RespPong:
		return nil, nil
	case wire.RespFail:
		return nil, fmt.Errorf("schedpeer: scheduler rejected GetTask")
	default:
		return nil, fmt.Errorf("schedpeer: unexpected response kind %d to GetTask", resp.Kind)
	}
}

// Finish reports a completed task.
func (p *Peer) Finish(ctx context.Context, taskID string, ret wire.TaskReturn) error {
	resp, err := p.call(&wire.Request{Kind: wire.ReqFinishTask, TaskID: taskID, Return: &ret})
	if err != nil {
		return err
	}
	if resp.Kind == wire.RespFail {
		return fmt.Errorf("schedpeer: scheduler rejected FinishTask %s", taskID)
	}
	return nil
}

// Ping sends a liveness probe and reports whether the scheduler answered.
func (p *Peer) Ping(ctx context.Context) error {
	resp, err := p.call(&wire.Request{Kind: wire.ReqPing})
	if err != nil {
		return err
	}
	if resp.Kind != wire.RespPong {
		return fmt.Errorf("schedpeer: unexpected response kind %d to Ping", resp.Kind)
	}
	return nil
}

// ReportResource sends an UpdateResource heartbeat unconditionally,
// regardless of the min-delta/interval gating RunHeartbeat applies.
func (p *Peer) ReportResource(freeMemory uint64) error {
	_, err := p.call(&wire.Request{Kind: wire.ReqUpdateResource, FreeMem: freeMemory})
	return err
}

// RunHeartbeat blocks, sending UpdateResource whenever freeMemory() has
// changed by at least minDelta bytes since the last report (sampled ten
// times per heartbeatEvery) and, regardless of change, once every
// heartbeatEvery, until ctx is done or
// Close is called. Intended to run in its own goroutine for the lifetime of
// the worker process.
func (p *Peer) RunHeartbeat(ctx context.Context, freeMemory func() uint64) {
	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()
	sample := time.NewTicker(p.heartbeatEvery / 10)
	defer sample.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-sample.C:
			p.maybeReport(freeMemory())
		case <-ticker.C:
			free := freeMemory()
			if err := p.ReportResource(free); err != nil {
				slog.Warn("schedpeer: heartbeat failed", "error", err)
				continue
			}
			p.mu.Lock()
			p.lastReported = free
			p.mu.Unlock()
		}
	}
}

func (p *Peer) maybeReport(free uint64) {
	p.mu.Lock()
	last := p.lastReported
	p.mu.Unlock()

	delta := free - last
	if free < last {
		delta = last - free
	}
	if delta < p.minDelta && last != 0 {
		return
	}
	if err := p.ReportResource(free); err != nil {
		slog.Warn("schedpeer: heartbeat failed", "error", err)
		return
	}
	p.mu.Lock()
	p.lastReported = free
	p.mu.Unlock()
}
