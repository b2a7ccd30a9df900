package gate

import (
	"context"
	"fmt"

	"github.com/faasten/faasten/buckle"
	"github.com/faasten/faasten/namespace"
)

// Resolution is the outcome of walking a (possibly redirecting) gate chain
// to its direct terminus, ready for the worker to acquire a VM against.
type Resolution struct {
	GateID ID
	Gate   *namespace.GateData

	// Lcur is the invoker's label after accumulating the label of every
	// gate hop traversed.
	Lcur buckle.Label

	// Depth is the number of redirects followed to reach the terminus.
	Depth int
}

// ID is a namespace entity id, re-exported for gate package callers that
// don't otherwise need to import namespace.
type ID = namespace.ID

// Resolve walks the gate chain starting at gateID, joining Lcur by each
// traversed gate's label, checking invoker-integrity authorization at each
// hop, and following redirects up to MaxRedirectDepth.
func Resolve(ctx context.Context, ns *namespace.Namespace, lsrc buckle.Label, privSrc buckle.Privilege, gateID ID) (*Resolution, error) {
	lcur := lsrc
	id := gateID
	for depth := 0; ; depth++ {
		if depth > MaxRedirectDepth {
			return nil, ErrRedirectLoop
		}
		e, err := ns.GetEntity(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("gate: resolve %s: %w", id, err)
		}
		if e.Kind != namespace.KindGate {
			return nil, ErrNotAGate
		}
		lcur = buckle.Join(lcur, e.Label)

		g := e.Gate
		if !authorized(lcur, privSrc, g) {
			return nil, ErrUnauthorized
		}

		if !g.IsRedirect() {
			return &Resolution{GateID: id, Gate: g, Lcur: lcur, Depth: depth}, nil
		}
		id = *g.TargetGate
	}
}

// authorized reports whether integrity(lcur), folded with whatever privSrc
// can additionally prove, implies g's invoker-integrity clearance.
func authorized(lcur buckle.Label, privSrc buckle.Privilege, g *namespace.GateData) bool {
	effective := lcur.Integrity
	if len(privSrc) > 0 {
		// Meet's integrity is the conjunction of the two components.
		effective = buckle.Meet(buckle.Label{Integrity: effective}, buckle.Label{Integrity: privSrc.Component()}).Integrity
	}
	return buckle.ComponentImplies(effective, g.InvokerIntegrityClearance)
}

// PayloadTaint computes L_new = L_S ⊔ L_p.
func PayloadTaint(lsrc, payloadLabel buckle.Label) buckle.Label {
	return buckle.Join(lsrc, payloadLabel)
}

// NewInstancePrivilege returns the privilege a freshly launched instance of
// res's gate receives: the gate's own privilege, never the invoker's.
func NewInstancePrivilege(res *Resolution) buckle.Privilege {
	return res.Gate.Privilege
}

// CanDeclassify reports whether targetSecrecy can be derived from the
// secrecy component of l under priv by the gate's declassify set: priv must
// be able to prove the gate's declassify clause, and the declassified
// result must still flow from l's original secrecy (i.e. this is the same
// privilege-gated check buckle.Downgrade performs, exposed here so the
// invocation protocol can pre-check whether a gate's declassify set would
// even permit a given instance to reach targetSecrecy before launching it).
func CanDeclassify(l buckle.Label, priv buckle.Privilege, declassify buckle.Component, targetSecrecy buckle.Component) bool {
	if !buckle.ComponentImplies(priv.Component(), declassify) {
		return false
	}
	downgraded := buckle.Downgrade(l, priv)
	return buckle.ComponentImplies(targetSecrecy, downgraded.Secrecy) && buckle.ComponentImplies(downgraded.Secrecy, targetSecrecy)
}
