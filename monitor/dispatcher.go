// Package monitor implements the reference monitor / CloudCall dispatcher:
// one single-threaded event loop per active VM, serving the
// guest's system-call protocol over a length-prefixed byte stream, checking
// every flow against the invocation's floating label before touching the
// namespace or blob store.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/gate"
	"github.com/faasten/faasten/namespace"
	"github.com/faasten/faasten/wire"
)

// Conn is the vsock control channel between the dispatcher and a booted or
// resumed VM's guest. Any net.Conn satisfies it.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

// InvokeRequest is what the dispatcher asks an Invoker to run on behalf of a
// dent-invoke CloudCall, after gate resolution and taint composition have
// already happened.
type InvokeRequest struct {
	Function      namespace.FunctionRef
	StartingLabel buckle.Label
	Priv          buckle.Privilege
	Declassify    buckle.Component
	Payload       []byte
	Parameters    map[string]string
}

// InvokeResult is the outcome of running an InvokeRequest to completion.
type InvokeResult struct {
	Payload    []byte
	FinalLabel buckle.Label
}

// Invoker acquires (or recursively prepares) a VM for a resolved gate and
// runs it to completion, relaying to the scheduler if the target is remote
// or executing locally otherwise. Implemented by the
// worker package.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResult, error)
}

// RunResult is what Run returns once the guest calls response or the
// connection is closed/times out.
type RunResult struct {
	Payload    []byte
	ExitStatus uint64
	FinalLabel buckle.Label

	// Cacheable reports whether the worker may return this VM to its cache
	// under (function-id, FinalLabel) rather than destroying it: no open
	// blob-write handles, and the final label's integrity is still
	// PUBLIC's.
	Cacheable bool
}

// Dispatcher serves the CloudCall protocol for exactly one active VM.
type Dispatcher struct {
	ns      *namespace.Namespace
	blobs   *blobstore.Store
	invoker Invoker
	conn    Conn
	state   *State
}

// New constructs a Dispatcher for one VM invocation, starting from state
// (PUBLIC label/empty privilege for a cold VM, or a cache entry's saved
// state for a resumed one).
func New(ns *namespace.Namespace, blobs *blobstore.Store, invoker Invoker, conn Conn, state *State) *Dispatcher {
	return &Dispatcher{ns: ns, blobs: blobs, invoker: invoker, conn: conn, state: state}
}

// State returns the dispatcher's mutable invocation state, for callers that
// need to inspect or seed it directly (e.g. warm resume delivers an initial
// taint message before handing control here).
func (d *Dispatcher) State() *State { return d.state }

// Run reads and answers CloudCalls until the guest calls response, the
// connection errs, or deadline elapses (zero deadline means no timeout).
// The dispatcher never crashes on malformed guest input: a
// decode failure or an in-call panic is answered with ProtocolError and the
// loop continues.
func (d *Dispatcher) Run(ctx context.Context, deadline time.Time) (RunResult, error) {
	if !deadline.IsZero() {
		if err := d.conn.SetDeadline(deadline); err != nil {
			return RunResult{}, fmt.Errorf("monitor: set deadline: %w", err)
		}
	}
	for {
		raw, err := wire.ReadFrame(d.conn)
		if err != nil {
			if isDeadlineExceeded(err) {
				return RunResult{}, ErrTimeout
			}
			return RunResult{}, fmt.Errorf("monitor: read call: %w", err)
		}
		req, err := wire.UnmarshalCallRequest(raw)
		if err != nil {
			if werr := d.writeResponse(errResp(wire.StatusProtocolError)); werr != nil {
				return RunResult{}, fmt.Errorf("monitor: write response: %w", werr)
			}
			continue
		}
		if req.Op == wire.OpResponse {
			return d.finish(req), nil
		}
		resp := d.dispatch(ctx, req)
		if err := d.writeResponse(resp); err != nil {
			return RunResult{}, fmt.Errorf("monitor: write response: %w", err)
		}
	}
}

func (d *Dispatcher) writeResponse(resp *wire.CallResponse) error {
	return wire.WriteFrame(d.conn, resp.Marshal())
}

func (d *Dispatcher) finish(req *wire.CallRequest) RunResult {
	return RunResult{
		Payload:    req.Payload,
		ExitStatus: req.Length,
		FinalLabel: d.state.Lcur,
		Cacheable:  d.state.OpenWriteHandles() == 0 && d.state.Lcur.Integrity.Canon().IsTrue(),
	}
}

// dispatch answers one CloudCall. It never panics out of this function: a
// recovered panic becomes ProtocolError so one malformed or buggy call
// cannot take down the worker slot.
func (d *Dispatcher) dispatch(ctx context.Context, req *wire.CallRequest) (resp *wire.CallResponse) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitor: dispatcher recovered", "op", req.Op.String(), "panic", r)
			resp = errResp(wire.StatusProtocolError)
		}
	}()

	switch req.Op {
	case wire.OpGetCurrentLabel:
		return &wire.CallResponse{Status: wire.StatusSuccess, Label: d.state.Lcur.String()}

	case wire.OpTaint:
		l, err := buckle.Parse(req.Label)
		if err != nil {
			return errResp(wire.StatusMalformedLabel)
		}
		d.state.Lcur = buckle.Join(d.state.Lcur, l)
		return &wire.CallResponse{Status: wire.StatusSuccess, Label: d.state.Lcur.String()}

	case wire.OpDeclassify:
		return d.opDeclassify(req)

	case wire.OpSubPrivilege:
		return d.opSubPrivilege(req)

	case wire.OpRoot:
		fd := d.state.putEntity(namespace.KindDir, namespace.Root)
		return &wire.CallResponse{Status: wire.StatusSuccess, Fd: fd, Kind: string(namespace.KindDir)}

	case wire.OpDentOpen:
		return d.opDentOpen(ctx, req)

	case wire.OpDentClose:
		d.state.drop(req.Fd)
		return &wire.CallResponse{Status: wire.StatusSuccess}

	case wire.OpDentCreate:
		return d.opDentCreate(ctx, req)

	case wire.OpDentUpdate:
		return d.opDentUpdate(ctx, req)

	case wire.OpDentRead:
		return d.opDentRead(ctx, req)

	case wire.OpDentList:
		return d.opDentList(ctx, req)

	case wire.OpDentLsFaceted:
		return d.opDentLsFaceted(ctx, req)

	case wire.OpDentLsGate:
		return d.opDentLsGate(ctx, req)

	case wire.OpDentLink:
		return d.opDentLink(ctx, req)

	case wire.OpDentUnlink:
		return d.opDentUnlink(ctx, req)

	case wire.OpDentGetBlob:
		return d.opDentGetBlob(ctx, req)

	case wire.OpBlobCreate:
		return d.opBlobCreate(req)

	case wire.OpBlobWrite:
		return d.opBlobWrite(req)

	case wire.OpBlobFinalize:
		return d.opBlobFinalize(req)

	case wire.OpBlobRead:
		return d.opBlobRead(req)

	case wire.OpBlobClose:
		return d.opBlobClose(req)

	case wire.OpDentInvoke:
		return d.opDentInvoke(ctx, req)

	default:
		return errResp(wire.StatusProtocolError)
	}
}

func (d *Dispatcher) opDeclassify(req *wire.CallRequest) *wire.CallResponse {
	target, err := buckle.ParseComponent(req.TargetSecrecy)
	if err != nil {
		return errResp(wire.StatusMalformedLabel)
	}
	if !gate.CanDeclassify(d.state.Lcur, d.state.Priv, d.state.Declassify, target) {
		return errResp(wire.StatusLabelCheckFailed)
	}
	d.state.Lcur = buckle.Label{Secrecy: target, Integrity: d.state.Lcur.Integrity}
	return &wire.CallResponse{Status: wire.StatusSuccess, Label: d.state.Lcur.String()}
}

func (d *Dispatcher) opSubPrivilege(req *wire.CallRequest) *wire.CallResponse {
	toks := splitSuffix(req.Suffix)
	out := make(buckle.Privilege, 0, len(d.state.Priv))
	for _, p := range d.state.Priv {
		np, err := p.Delegate(toks...)
		if err != nil {
			return errResp(wire.StatusMalformedLabel)
		}
		out = append(out, np)
	}
	d.state.Priv = out
	return &wire.CallResponse{Status: wire.StatusSuccess, Suffix: out.String()}
}

func splitSuffix(s string) []string {
	if s == "" {
		return nil
	}
	var toks []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			toks = append(toks, s[start:i])
			start = i + 1
		}
	}
	toks = append(toks, s[start:])
	return toks
}

// resolveLinkTarget returns the actual directory to link into for parentID:
// itself if a plain directory, or the facet child keyed by lcur if
// parentID is a faceted directory.
func (d *Dispatcher) resolveLinkTarget(ctx context.Context, parentID namespace.ID) (namespace.ID, error) {
	e, err := d.ns.GetEntity(ctx, parentID)
	if err != nil {
		return namespace.ID{}, err
	}
	switch e.Kind {
	case namespace.KindDir:
		return parentID, nil
	case namespace.KindFacetedDir:
		childID, newLcur, err := d.ns.OpenFaceted(ctx, d.state.Lcur, parentID, d.state.Lcur)
		if err != nil {
			return namespace.ID{}, err
		}
		d.state.Lcur = newLcur
		return childID, nil
	default:
		return namespace.ID{}, namespace.ErrWrongKind
	}
}

func (d *Dispatcher) opDentOpen(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.ParentFd)
	if !ok || h.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}

	if req.Label != "" {
		facet, err := buckle.Parse(req.Label)
		if err != nil {
			return errResp(wire.StatusMalformedLabel)
		}
		childID, newLcur, err := d.ns.OpenFaceted(ctx, d.state.Lcur, h.entityID, facet)
		if err != nil {
			return errResp(statusFor(err))
		}
		d.state.Lcur = newLcur
		fd := d.state.putEntity(namespace.KindDir, childID)
		return &wire.CallResponse{Status: wire.StatusSuccess, Fd: fd, Kind: string(namespace.KindDir), Label: newLcur.String()}
	}

	entry, newLcur, err := d.ns.Lookup(ctx, d.state.Lcur, h.entityID, req.Name)
	if err != nil {
		d.state.Lcur = newLcur
		return errResp(statusFor(err))
	}
	d.state.Lcur = newLcur
	fd := d.state.putEntity(entry.Kind, entry.Target)
	return &wire.CallResponse{Status: wire.StatusSuccess, Fd: fd, Kind: string(entry.Kind), Label: newLcur.String()}
}

func (d *Dispatcher) opDentCreate(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.ParentFd)
	if !ok || h.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	label, err := buckle.Parse(req.Label)
	if err != nil {
		return errResp(wire.StatusMalformedLabel)
	}
	kind := namespace.Kind(req.Kind)

	dirID, err := d.resolveLinkTarget(ctx, h.entityID)
	if err != nil {
		return errResp(statusFor(err))
	}

	opts, err := buildCreateOpts(kind, req)
	if err != nil {
		return errResp(statusFor(err))
	}

	id, newLcur, err := d.ns.Create(ctx, d.state.Lcur, dirID, req.Name, kind, label, opts)
	d.state.Lcur = newLcur
	if err != nil {
		return errResp(statusFor(err))
	}
	fd := d.state.putEntity(kind, id)
	return &wire.CallResponse{Status: wire.StatusSuccess, Fd: fd, Kind: string(kind), Label: newLcur.String()}
}

func buildCreateOpts(kind namespace.Kind, req *wire.CallRequest) (namespace.CreateOpts, error) {
	switch kind {
	case namespace.KindFile:
		return namespace.CreateOpts{File: &namespace.FileData{Content: req.Value}}, nil
	case namespace.KindBlobHandle:
		return namespace.CreateOpts{BlobHandle: &namespace.BlobHandleData{BlobID: blobstore.BlobID(req.Value)}}, nil
	case namespace.KindGate:
		g, err := parseGateParams(req.Parameters)
		if err != nil {
			return namespace.CreateOpts{}, err
		}
		return namespace.CreateOpts{Gate: g}, nil
	case namespace.KindService:
		s, err := parseServiceParams(req.Parameters)
		if err != nil {
			return namespace.CreateOpts{}, err
		}
		return namespace.CreateOpts{Service: s}, nil
	case namespace.KindDir, namespace.KindFacetedDir:
		return namespace.CreateOpts{}, nil
	default:
		return namespace.CreateOpts{}, namespace.ErrWrongKind
	}
}

func parseGateParams(params map[string]string) (*namespace.GateData, error) {
	priv, err := buckle.ParsePrivilege(params["privilege"])
	if err != nil {
		return nil, err
	}
	clearance, err := buckle.ParseComponent(orDefault(params["invoker_integrity_clearance"], "T"))
	if err != nil {
		return nil, err
	}
	declassify, err := buckle.ParseComponent(orDefault(params["declassify"], "F"))
	if err != nil {
		return nil, err
	}
	g := &namespace.GateData{Privilege: priv, InvokerIntegrityClearance: clearance, Declassify: declassify}
	if target, ok := params["target_gate"]; ok && target != "" {
		id, err := uuid.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("%w: target_gate: %v", namespace.ErrWrongKind, err)
		}
		g.TargetGate = &id
		return g, nil
	}
	g.FunctionRef = &namespace.FunctionRef{
		AppImageBlob: params["app_image_blob"],
		RuntimeBlob:  params["runtime_blob"],
		KernelBlob:   params["kernel_blob"],
		Memory:       parseUint(params["memory"]),
	}
	return g, nil
}

func parseServiceParams(params map[string]string) (*namespace.ServiceData, error) {
	priv, err := buckle.ParsePrivilege(params["privilege"])
	if err != nil {
		return nil, err
	}
	clearance, err := buckle.ParseComponent(orDefault(params["invoker_integrity_clearance"], "T"))
	if err != nil {
		return nil, err
	}
	taint, err := buckle.Parse(orDefault(params["taint"], "T,T"))
	if err != nil {
		return nil, err
	}
	var headers map[string]string
	if raw, ok := params["headers_json"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return nil, fmt.Errorf("%w: headers_json: %v", namespace.ErrWrongKind, err)
		}
	}
	return &namespace.ServiceData{
		Privilege:                 priv,
		InvokerIntegrityClearance: clearance,
		Taint:                     taint,
		URL:                       params["url"],
		Verb:                      params["verb"],
		Headers:                   headers,
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func parseUint(s string) uint64 {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}

// opDentUpdate rewrites a File's content or, for a Gate, its administrative
// fields.
func (d *Dispatcher) opDentUpdate(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}

	switch h.entityKind {
	case namespace.KindGate:
		g, err := parseGateParams(req.Parameters)
		if err != nil {
			return errResp(statusFor(err))
		}
		if err := d.ns.UpdateGate(ctx, h.entityID, g); err != nil {
			return errResp(statusFor(err))
		}
		return &wire.CallResponse{Status: wire.StatusSuccess}
	case namespace.KindFile:
		newLcur, err := d.ns.Write(ctx, d.state.Lcur, h.entityID, req.Value)
		d.state.Lcur = newLcur
		if err != nil {
			return errResp(statusFor(err))
		}
		return &wire.CallResponse{Status: wire.StatusSuccess, Label: newLcur.String()}
	default:
		return errResp(wire.StatusWrongKind)
	}
}

func (d *Dispatcher) opDentRead(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	value, newLcur, err := d.ns.Read(ctx, d.state.Lcur, h.entityID)
	d.state.Lcur = newLcur
	if err != nil {
		return errResp(statusFor(err))
	}
	return &wire.CallResponse{Status: wire.StatusSuccess, Value: value, Label: newLcur.String()}
}

func (d *Dispatcher) opDentList(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	names, newLcur, err := d.ns.List(ctx, d.state.Lcur, h.entityID)
	d.state.Lcur = newLcur
	if err != nil {
		return errResp(statusFor(err))
	}
	entries := make(map[string]string, len(names))
	for name, kind := range names {
		entries[name] = string(kind)
	}
	return &wire.CallResponse{Status: wire.StatusSuccess, Entries: entries, Label: newLcur.String()}
}

func (d *Dispatcher) opDentLsFaceted(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	clearance := d.state.Lcur
	if req.Clearance != "" {
		l, err := buckle.Parse(req.Clearance)
		if err != nil {
			return errResp(wire.StatusMalformedLabel)
		}
		clearance = l
	}
	facets, newLcur, err := d.ns.ListFaceted(ctx, d.state.Lcur, h.entityID, clearance)
	d.state.Lcur = newLcur
	if err != nil {
		return errResp(statusFor(err))
	}
	entries := make(map[string]string, len(facets))
	for label, id := range facets {
		entries[label] = id.String()
	}
	return &wire.CallResponse{Status: wire.StatusSuccess, Entries: entries, Label: newLcur.String()}
}

// opDentLsGate lists only the Gate-kind children of a directory, a
// Gate-filtered variant of dent-list (a directory of administrative or
// application gates).
func (d *Dispatcher) opDentLsGate(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	names, newLcur, err := d.ns.List(ctx, d.state.Lcur, h.entityID)
	d.state.Lcur = newLcur
	if err != nil {
		return errResp(statusFor(err))
	}
	entries := make(map[string]string)
	for name, kind := range names {
		if kind == namespace.KindGate {
			entries[name] = string(kind)
		}
	}
	return &wire.CallResponse{Status: wire.StatusSuccess, Entries: entries, Label: newLcur.String()}
}

func (d *Dispatcher) opDentLink(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	dh, ok := d.state.get(req.DirFd)
	if !ok || dh.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	th, ok := d.state.get(req.TargetFd)
	if !ok || th.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	dirID, err := d.resolveLinkTarget(ctx, dh.entityID)
	if err != nil {
		return errResp(statusFor(err))
	}
	newLcur, err := d.ns.Link(ctx, d.state.Lcur, dirID, req.Name, th.entityID, th.entityKind)
	d.state.Lcur = newLcur
	if err != nil {
		return errResp(statusFor(err))
	}
	return &wire.CallResponse{Status: wire.StatusSuccess, Label: newLcur.String()}
}

func (d *Dispatcher) opDentUnlink(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	dh, ok := d.state.get(req.DirFd)
	if !ok || dh.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	newLcur, err := d.ns.Unlink(ctx, d.state.Lcur, dh.entityID, req.Name)
	d.state.Lcur = newLcur
	if err != nil {
		return errResp(statusFor(err))
	}
	return &wire.CallResponse{Status: wire.StatusSuccess, Label: newLcur.String()}
}

// opDentGetBlob resolves a blob-handle entity to its content and returns
// both its blob id and a freshly opened read fd ready for blob-read/
// blob-close; the call set has no separate "blob-open".
func (d *Dispatcher) opDentGetBlob(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hEntity {
		return errResp(wire.StatusNotFound)
	}
	blobID, newLcur, err := d.ns.GetBlob(ctx, d.state.Lcur, h.entityID)
	d.state.Lcur = newLcur
	if err != nil {
		return errResp(statusFor(err))
	}
	readHandle, err := d.blobs.Open(blobID)
	if err != nil {
		return errResp(statusFor(err))
	}
	fd := d.state.putBlobRead(readHandle, string(blobID))
	return &wire.CallResponse{Status: wire.StatusSuccess, Fd: fd, BlobID: string(blobID), Label: newLcur.String()}
}

func (d *Dispatcher) opBlobCreate(req *wire.CallRequest) *wire.CallResponse {
	writeHandle, err := d.blobs.Create(int64(req.SizeHint))
	if err != nil {
		return errResp(statusFor(err))
	}
	fd := d.state.putBlobWrite(writeHandle)
	return &wire.CallResponse{Status: wire.StatusSuccess, Fd: fd}
}

func (d *Dispatcher) opBlobWrite(req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hBlobWrite {
		return errResp(wire.StatusNotFound)
	}
	if err := d.blobs.Append(h.blobHandle, req.Value); err != nil {
		return errResp(statusFor(err))
	}
	return &wire.CallResponse{Status: wire.StatusSuccess}
}

func (d *Dispatcher) opBlobFinalize(req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hBlobWrite {
		return errResp(wire.StatusNotFound)
	}
	id, err := d.blobs.Finalize(h.blobHandle)
	d.state.drop(req.Fd)
	if err != nil {
		return errResp(statusFor(err))
	}
	return &wire.CallResponse{Status: wire.StatusSuccess, BlobID: string(id)}
}

func (d *Dispatcher) opBlobRead(req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || h.kind != hBlobRead {
		return errResp(wire.StatusNotFound)
	}
	data, err := d.blobs.Read(h.blobHandle, int64(req.Offset), int(req.Length))
	if err != nil {
		return errResp(statusFor(err))
	}
	return &wire.CallResponse{Status: wire.StatusSuccess, Value: data}
}

func (d *Dispatcher) opBlobClose(req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.Fd)
	if !ok || (h.kind != hBlobRead && h.kind != hBlobWrite) {
		return errResp(wire.StatusNotFound)
	}
	err := d.blobs.Close(h.blobHandle)
	d.state.drop(req.Fd)
	if err != nil {
		return errResp(statusFor(err))
	}
	return &wire.CallResponse{Status: wire.StatusSuccess}
}

// opDentInvoke implements the gate & invocation protocol from the invoking
// VM's side: it resolves the gate chain, composes
// taint and privilege, then hands off to the Invoker to acquire/run the
// target VM.
func (d *Dispatcher) opDentInvoke(ctx context.Context, req *wire.CallRequest) *wire.CallResponse {
	h, ok := d.state.get(req.GateFd)
	if !ok || h.kind != hEntity || h.entityKind != namespace.KindGate {
		return errResp(wire.StatusWrongKind)
	}

	res, err := gate.Resolve(ctx, d.ns, d.state.Lcur, d.state.Priv, h.entityID)
	if err != nil {
		return errResp(statusFor(err))
	}
	if res.Gate.FunctionRef == nil {
		// A gate that names neither a function nor a redirect target cannot
		// be launched as a VM.
		return errResp(wire.StatusWrongKind)
	}

	// The payload carries whatever taint the invoking instance already
	// carries: CloudCall-originated invocations have no separately
	// labeled payload channel, so L_p = Lcur of the source.
	payloadLabel := d.state.Lcur
	lNew := gate.PayloadTaint(res.Lcur, payloadLabel)
	privNew := gate.NewInstancePrivilege(res)

	invReq := InvokeRequest{
		Function:      *res.Gate.FunctionRef,
		StartingLabel: lNew,
		Priv:          privNew,
		Declassify:    res.Gate.Declassify,
		Payload:       req.Payload,
		Parameters:    req.Parameters,
	}

	if !req.Sync {
		d.state.Lcur = lNew
		go d.runAsyncInvoke(invReq, req.ToBlob)
		return &wire.CallResponse{Status: wire.StatusSuccess, Label: d.state.Lcur.String()}
	}

	result, err := d.invoker.Invoke(ctx, invReq)
	if err != nil {
		return errResp(statusFor(err))
	}
	d.state.Lcur = buckle.Join(res.Lcur, result.FinalLabel)
	resp := &wire.CallResponse{Status: wire.StatusSuccess, Label: d.state.Lcur.String()}
	if req.ToBlob {
		blobID, err := d.storePayloadAsBlob(result.Payload)
		if err != nil {
			return errResp(statusFor(err))
		}
		resp.BlobID = string(blobID)
	} else {
		resp.Payload = result.Payload
	}
	return resp
}

func (d *Dispatcher) runAsyncInvoke(req InvokeRequest, toBlob bool) {
	result, err := d.invoker.Invoke(context.Background(), req)
	if err != nil || !toBlob {
		if err != nil {
			slog.Warn("monitor: async invoke failed", "error", err)
		}
		return
	}
	if _, err := d.storePayloadAsBlob(result.Payload); err != nil {
		slog.Warn("monitor: async invoke blob forward failed", "error", err)
	}
}

func (d *Dispatcher) storePayloadAsBlob(payload []byte) (blobstore.BlobID, error) {
	wh, err := d.blobs.Create(int64(len(payload)))
	if err != nil {
		return "", err
	}
	if err := d.blobs.Append(wh, payload); err != nil {
		return "", err
	}
	return d.blobs.Finalize(wh)
}

func isDeadlineExceeded(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
