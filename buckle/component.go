package buckle

import (
	"fmt"
	"sort"
	"strings"
)

// Clause is a non-empty disjunction of principals: satisfied by any
// principal that speaks for one of its members.
type Clause []Principal

// Component is a boolean formula over principals: either the distinguished
// False value, or a (possibly empty) conjunction of Clauses. An empty
// conjunction is True.
type Component struct {
	False   bool
	Clauses []Clause
}

// CTrue is the always-satisfied component (empty conjunction).
func CTrue() Component { return Component{} }

// CFalse is the never-satisfied component.
func CFalse() Component { return Component{False: true} }

// IsTrue reports whether c is the canonical True component.
func (c Component) IsTrue() bool { return !c.False && len(c.Clauses) == 0 }

// IsFalse reports whether c is False.
func (c Component) IsFalse() bool { return c.False }

// clauseImplies reports whether a ⇒ b: every principal in a speaks for some
// principal in b. This is the atom-level entailment that canonicalization
// and flows-to checks are built from.
func clauseImplies(a, b Clause) bool {
	for _, p := range a {
		ok := false
		for _, q := range b {
			if p.SpeaksFor(q) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// reduceClause drops principals that are subsumed by a more general
// principal already present (p is redundant if some other q in the clause
// is a prefix of p, i.e. p speaks for q: keeping q alone yields the same
// satisfying set).
func reduceClause(c Clause) Clause {
	keep := make([]bool, len(c))
	for i := range keep {
		keep[i] = true
	}
	for i, p := range c {
		if !keep[i] {
			continue
		}
		for j, q := range c {
			if i == j || !keep[j] {
				continue
			}
			if p.Equal(q) {
				if j > i {
					keep[j] = false
				}
				continue
			}
			if p.SpeaksFor(q) {
				// p is a strict extension of q (or equal, handled above):
				// p is redundant, q alone covers it.
				keep[i] = false
			}
		}
	}
	out := make(Clause, 0, len(c))
	seen := map[string]bool{}
	for i, p := range c {
		if !keep[i] {
			continue
		}
		k := p.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}
	sortClause(out)
	return out
}

func sortClause(c Clause) {
	sort.Slice(c, func(i, j int) bool { return c[i].String() < c[j].String() })
}

func clauseString(c Clause) string {
	parts := make([]string, len(c))
	for i, p := range c {
		parts[i] = p.String()
	}
	return strings.Join(parts, "|")
}

// unionClause combines two clauses as a single disjunction (used by the OR
// combinator when distributing an OR-of-ANDs into an AND-of-ORs).
func unionClause(a, b Clause) Clause {
	out := make(Clause, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return reduceClause(out)
}

// canonicalizeClauses dedups, internally reduces, and subsumption-reduces a
// conjunction (AND) of clauses, then sorts for a stable canonical form.
func canonicalizeClauses(clauses []Clause) []Clause {
	reduced := make([]Clause, 0, len(clauses))
	seen := map[string]bool{}
	for _, c := range clauses {
		rc := reduceClause(c)
		if len(rc) == 0 {
			continue
		}
		k := clauseString(rc)
		if seen[k] {
			continue
		}
		seen[k] = true
		reduced = append(reduced, rc)
	}

	drop := make([]bool, len(reduced))
	for i, a := range reduced {
		if drop[i] {
			continue
		}
		for j, b := range reduced {
			if i == j || drop[j] {
				continue
			}
			// a conjunction (a AND b) where a ⇒ b makes b redundant: drop b,
			// keep the stronger clause a. Break ties on index to avoid
			// dropping both when a and b mutually imply each other.
			if clauseImplies(a, b) && !(clauseImplies(b, a) && j < i) {
				drop[j] = true
			}
		}
	}

	out := make([]Clause, 0, len(reduced))
	for i, c := range reduced {
		if !drop[i] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return clauseString(out[i]) < clauseString(out[j]) })
	return out
}

// andCombine is logical AND (conjunction) over two components.
func andCombine(a, b Component) Component {
	if a.False || b.False {
		return CFalse()
	}
	combined := make([]Clause, 0, len(a.Clauses)+len(b.Clauses))
	combined = append(combined, a.Clauses...)
	combined = append(combined, b.Clauses...)
	return Component{Clauses: canonicalizeClauses(combined)}
}

// orCombine is logical OR (disjunction) over two components, distributing
// the OR-of-ANDs into an AND-of-ORs so the result stays in canonical form.
func orCombine(a, b Component) Component {
	if a.False {
		return canonComponent(b)
	}
	if b.False {
		return canonComponent(a)
	}
	if a.IsTrue() || b.IsTrue() {
		return CTrue()
	}
	result := make([]Clause, 0, len(a.Clauses)*len(b.Clauses))
	for _, ca := range a.Clauses {
		for _, cb := range b.Clauses {
			result = append(result, unionClause(ca, cb))
		}
	}
	return Component{Clauses: canonicalizeClauses(result)}
}

func canonComponent(c Component) Component {
	if c.False {
		return CFalse()
	}
	return Component{Clauses: canonicalizeClauses(c.Clauses)}
}

// ComponentImplies reports whether x ⇒ y, exported for callers outside the
// package (the gate package's invoker-clearance check) that need raw
// component-level implication rather than a full label flows-to check.
func ComponentImplies(x, y Component) bool { return componentImplies(x, y) }

// ComponentOr returns the disjunction of a and b in canonical form, exported
// for the same reason as ComponentImplies.
func ComponentOr(a, b Component) Component { return orCombine(a, b) }

// componentImplies reports whether x ⇒ y.
func componentImplies(x, y Component) bool {
	if x.False {
		return true
	}
	if y.False {
		return false
	}
	for _, c := range y.Clauses {
		if !existsImplyingClause(x.Clauses, c) {
			return false
		}
	}
	return true
}

func existsImplyingClause(clauses []Clause, target Clause) bool {
	for _, c := range clauses {
		if clauseImplies(c, target) {
			return true
		}
	}
	return false
}

// componentEqual reports whether two canonicalized components are
// structurally identical.
func componentEqual(a, b Component) bool {
	if a.False != b.False {
		return false
	}
	if a.False {
		return true
	}
	if len(a.Clauses) != len(b.Clauses) {
		return false
	}
	for i := range a.Clauses {
		if clauseString(a.Clauses[i]) != clauseString(b.Clauses[i]) {
			return false
		}
	}
	return true
}

func componentString(c Component) string {
	if c.False {
		return "F"
	}
	if len(c.Clauses) == 0 {
		return "T"
	}
	parts := make([]string, len(c.Clauses))
	for i, cl := range c.Clauses {
		parts[i] = clauseString(cl)
	}
	return strings.Join(parts, "&")
}

// ParseComponent parses a bare component text ("T", "F", or "clause & clause
// …" with "clause = principal | principal …"), exported for wire callers
// that exchange a single component rather than a full label (declassify's
// target secrecy, a gate's invoker-integrity-clearance).
func ParseComponent(s string) (Component, error) { return parseComponent(s) }

// String renders c in its canonical text form.
func (c Component) String() string { return componentString(c.Canon()) }

// Canon returns the canonicalized form of c.
func (c Component) Canon() Component { return canonComponent(c) }

func parseComponent(s string) (Component, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "T":
		return CTrue(), nil
	case "F":
		return CFalse(), nil
	}
	clauseStrs := strings.Split(s, "&")
	clauses := make([]Clause, 0, len(clauseStrs))
	for _, cs := range clauseStrs {
		cs = strings.TrimSpace(cs)
		if cs == "" {
			return Component{}, fmt.Errorf("%w: empty clause in component %q", ErrMalformedLabel, s)
		}
		principalStrs := strings.Split(cs, "|")
		clause := make(Clause, 0, len(principalStrs))
		for _, ps := range principalStrs {
			p, err := ParsePrincipal(strings.TrimSpace(ps))
			if err != nil {
				return Component{}, err
			}
			clause = append(clause, p)
		}
		clauses = append(clauses, clause)
	}
	return Component{Clauses: canonicalizeClauses(clauses)}, nil
}
