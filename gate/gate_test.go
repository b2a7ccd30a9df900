package gate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/faasten/faasten/blobstore"
	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/internal/store"
	"github.com/faasten/faasten/namespace"
)

func newTestNamespace(t *testing.T) *namespace.Namespace {
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
	return ns
}

func mustLabel(t *testing.T, s string) buckle.Label {
	t.Helper()
	l, err := buckle.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return l
}

func mustComponent(t *testing.T, s string) buckle.Component {
	t.Helper()
	c, err := buckle.ParseComponent(s)
	if err != nil {
		t.Fatalf("ParseComponent(%q): %v", s, err)
	}
	return c
}

func createGate(t *testing.T, ns *namespace.Namespace, name string, g *namespace.GateData) namespace.ID {
	t.Helper()
	pub := buckle.Public()
	id, _, err := ns.Create(context.Background(), pub, namespace.Root, name, namespace.KindGate, pub, namespace.CreateOpts{Gate: g})
	if err != nil {
		t.Fatalf("create gate %s: %v", name, err)
	}
	return id
}

func TestResolveDirectGate(t *testing.T) {
	ns := newTestNamespace(t)
	g := &namespace.GateData{
		InvokerIntegrityClearance: buckle.CTrue(),
		FunctionRef:               &namespace.FunctionRef{Memory: 128},
	}
	id := createGate(t, ns, "fn", g)

	res, err := Resolve(context.Background(), ns, buckle.Public(), buckle.Privilege{}, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.GateID != id || res.Depth != 0 {
		t.Fatalf("Resolve = %+v", res)
	}
	if res.Gate.FunctionRef == nil {
		t.Fatalf("resolved gate lost its FunctionRef")
	}
}

func TestResolveFollowsRedirect(t *testing.T) {
	ns := newTestNamespace(t)
	target := &namespace.GateData{
		InvokerIntegrityClearance: buckle.CTrue(),
		FunctionRef:               &namespace.FunctionRef{Memory: 64},
	}
	targetID := createGate(t, ns, "target", target)

	redirect := &namespace.GateData{
		InvokerIntegrityClearance: buckle.CTrue(),
		TargetGate:                &targetID,
	}
	redirectID := createGate(t, ns, "redirect", redirect)

	res, err := Resolve(context.Background(), ns, buckle.Public(), buckle.Privilege{}, redirectID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.GateID != targetID || res.Depth != 1 {
		t.Fatalf("Resolve = %+v, want terminus %v at depth 1", res, targetID)
	}
}

func TestResolveRedirectLoop(t *testing.T) {
	ns := newTestNamespace(t)
	pub := buckle.Public()

	// Create a placeholder gate, then rewrite it to redirect to itself.
	placeholder := &namespace.GateData{InvokerIntegrityClearance: buckle.CTrue(), FunctionRef: &namespace.FunctionRef{}}
	id := createGate(t, ns, "loopy", placeholder)
	self := id
	if err := ns.UpdateGate(context.Background(), id, &namespace.GateData{
		InvokerIntegrityClearance: buckle.CTrue(),
		TargetGate:                &self,
	}); err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}
	_ = pub

	_, err := Resolve(context.Background(), ns, buckle.Public(), buckle.Privilege{}, id)
	if err != ErrRedirectLoop {
		t.Fatalf("Resolve = %v, want ErrRedirectLoop", err)
	}
}

func TestResolveUnauthorized(t *testing.T) {
	ns := newTestNamespace(t)
	highClearance := mustComponent(t, "alice")
	g := &namespace.GateData{
		InvokerIntegrityClearance: highClearance,
		FunctionRef:               &namespace.FunctionRef{},
	}
	id := createGate(t, ns, "privileged", g)

	_, err := Resolve(context.Background(), ns, buckle.Public(), buckle.Privilege{}, id)
	if err != ErrUnauthorized {
		t.Fatalf("Resolve = %v, want ErrUnauthorized", err)
	}
}

func TestResolveUnauthorizedButPrivilegeCovers(t *testing.T) {
	ns := newTestNamespace(t)
	highClearance := mustComponent(t, "alice")
	g := &namespace.GateData{
		InvokerIntegrityClearance: highClearance,
		FunctionRef:               &namespace.FunctionRef{},
	}
	id := createGate(t, ns, "privileged", g)

	priv, err := buckle.ParsePrivilege("alice")
	if err != nil {
		t.Fatalf("ParsePrivilege: %v", err)
	}

	res, err := Resolve(context.Background(), ns, buckle.Public(), priv, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.GateID != id {
		t.Fatalf("Resolve = %+v", res)
	}
}

func TestPayloadTaintJoins(t *testing.T) {
	lsrc := mustLabel(t, "alice,T")
	lp := mustLabel(t, "bob,T")
	got := PayloadTaint(lsrc, lp)
	want := buckle.Join(lsrc, lp)
	if !got.Equal(want) {
		t.Fatalf("PayloadTaint = %v, want %v", got, want)
	}
}

func TestNewInstancePrivilegeUsesGatePrivilege(t *testing.T) {
	priv, err := buckle.ParsePrivilege("alice")
	if err != nil {
		t.Fatalf("ParsePrivilege: %v", err)
	}
	res := &Resolution{Gate: &namespace.GateData{Privilege: priv}}
	got := NewInstancePrivilege(res)
	if got.String() != priv.String() {
		t.Fatalf("NewInstancePrivilege = %v, want %v", got, priv)
	}
}

func TestCanDeclassify(t *testing.T) {
	priv, err := buckle.ParsePrivilege("alice")
	if err != nil {
		t.Fatalf("ParsePrivilege: %v", err)
	}
	declassify := mustComponent(t, "alice")
	l := mustLabel(t, "alice,T")

	if !CanDeclassify(l, priv, declassify, buckle.CTrue()) {
		t.Fatalf("CanDeclassify should allow declassifying alice's own secrecy to T under alice's privilege")
	}

	otherDeclassify := mustComponent(t, "mallory")
	if CanDeclassify(l, priv, otherDeclassify, buckle.CTrue()) {
		t.Fatalf("CanDeclassify should refuse a declassify set the privilege cannot prove")
	}
}
