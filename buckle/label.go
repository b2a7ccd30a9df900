package buckle

import (
	"fmt"
	"strings"
)

// Label is a pair of boolean-formula components: (secrecy, integrity).
type Label struct {
	Secrecy   Component
	Integrity Component
}

// Public, Bottom and Top are the distinguished labels of the lattice.
func Public() Label { return Label{Secrecy: CTrue(), Integrity: CTrue()} }
func Bottom() Label { return Label{Secrecy: CTrue(), Integrity: CFalse()} }
func Top() Label    { return Label{Secrecy: CFalse(), Integrity: CTrue()} }

// Privilege is a set of principals held by an invocation; any one of them
// may be exercised to satisfy a clearance or declassification check.
type Privilege []Principal

func (p Privilege) asComponent() Component {
	if len(p) == 0 {
		return CFalse()
	}
	return Component{Clauses: canonicalizeClauses([]Clause{Clause(p)})}
}

// Component returns p rendered as the component it can prove: a single
// clause disjoining every principal p holds. Exported for callers (the gate
// package's authorization check) that need to fold privilege into a
// component-level implication outside the label lattice itself.
func (p Privilege) Component() Component { return p.asComponent() }

// String renders p as a single '|'-separated disjunction, the same text
// form a Clause uses.
func (p Privilege) String() string {
	return clauseString(reduceClause(Clause(p)))
}

// ParsePrivilege parses a '|'-separated principal list into a Privilege.
func ParsePrivilege(s string) (Privilege, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	toks := strings.Split(s, "|")
	out := make(Privilege, 0, len(toks))
	for _, t := range toks {
		p, err := ParsePrincipal(strings.TrimSpace(t))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Canon returns the canonicalized form of l. Canonicalization is
// idempotent: Canon(Canon(x)) == Canon(x).
func (l Label) Canon() Label {
	return Label{Secrecy: canonComponent(l.Secrecy), Integrity: canonComponent(l.Integrity)}
}

// Equal reports whether two labels are equal after canonicalization.
func (l Label) Equal(o Label) bool {
	lc, oc := l.Canon(), o.Canon()
	return componentEqual(lc.Secrecy, oc.Secrecy) && componentEqual(lc.Integrity, oc.Integrity)
}

// FlowsTo reports whether l can flow to o: secrecy(o) ⇒ secrecy(l) and
// integrity(l) ⇒ integrity(o).
func (l Label) FlowsTo(o Label) bool {
	return componentImplies(o.Secrecy, l.Secrecy) && componentImplies(l.Integrity, o.Integrity)
}

// Join computes l ⊔ o: AND on secrecy, OR on integrity.
func Join(l, o Label) Label {
	return Label{
		Secrecy:   andCombine(l.Secrecy, o.Secrecy),
		Integrity: orCombine(l.Integrity, o.Integrity),
	}
}

// Meet computes l ⊓ o: OR on secrecy, AND on integrity (dual of Join).
func Meet(l, o Label) Label {
	return Label{
		Secrecy:   orCombine(l.Secrecy, o.Secrecy),
		Integrity: andCombine(l.Integrity, o.Integrity),
	}
}

// Downgrade returns l with every secrecy clause that priv already proves
// removed, the primitive that Declassify is built from: a
// clause in the secrecy conjunction becomes vacuously satisfied once the
// owning privilege is assumed, so it no longer constrains what may flow.
// Plain component Meet is not this operation — ⊔/⊓ combine two labels as
// alternatives, whereas downgrading treats priv as a ground truth to
// substitute into the formula, which can eliminate a clause entirely even
// when meeting the clause with itself would not.
func Downgrade(l Label, priv Privilege) Label {
	return Label{Secrecy: reduceBySpeaksFor(l.Secrecy, priv), Integrity: l.Integrity}
}

// reduceBySpeaksFor drops every clause of c that priv's component already
// implies.
func reduceBySpeaksFor(c Component, priv Privilege) Component {
	if c.False || c.IsTrue() {
		return c
	}
	privComp := priv.asComponent()
	if privComp.IsFalse() {
		// No privilege at all: False ⇒ anything is vacuously true as an
		// implication, but an empty privilege proves nothing and must not
		// be allowed to discharge any clause.
		return c
	}
	kept := make([]Clause, 0, len(c.Clauses))
	for _, cl := range c.Clauses {
		if componentImplies(privComp, Component{Clauses: []Clause{cl}}) {
			continue
		}
		kept = append(kept, cl)
	}
	return Component{Clauses: canonicalizeClauses(kept)}
}

// String renders l in the canonical "secrecy,integrity" text form.
func (l Label) String() string {
	c := l.Canon()
	return componentString(c.Secrecy) + "," + componentString(c.Integrity)
}

// Parse parses a label from its canonical text form: "secrecy,integrity"
// where each component is "T", "F", or "clause & clause …" with
// "clause = principal | principal …".
func Parse(s string) (Label, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return Label{}, fmt.Errorf("%w: %q is not secrecy,integrity", ErrMalformedLabel, s)
	}
	secrecy, err := parseComponent(parts[0])
	if err != nil {
		return Label{}, err
	}
	integrity, err := parseComponent(parts[1])
	if err != nil {
		return Label{}, err
	}
	return Label{Secrecy: secrecy, Integrity: integrity}, nil
}

// JoinAll raises base by every label in ls, in order. Used pervasively by
// the namespace and monitor packages to "raise Lcur by label(x)".
func JoinAll(base Label, ls ...Label) Label {
	cur := base
	for _, l := range ls {
		cur = Join(cur, l)
	}
	return cur
}
