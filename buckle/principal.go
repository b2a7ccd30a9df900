// Package buckle implements the Buckle label algebra:
// hierarchical principals, boolean-formula secrecy/integrity components, and
// the canonicalized label lattice used by every other package in this repo.
package buckle

import (
	"errors"
	"fmt"
	"strings"
)

// MaxPrincipalTokens bounds how deep a principal's token sequence may go.
const MaxPrincipalTokens = 64

// ErrPrincipalTooLong is returned when a principal exceeds MaxPrincipalTokens.
var ErrPrincipalTooLong = errors.New("buckle: principal exceeds maximum token length")

// ErrMalformedLabel is returned for any label/component/principal text that
// does not parse.
var ErrMalformedLabel = errors.New("buckle: malformed label")

// Principal is an ordered, finite sequence of tokens. The empty sequence is
// the root principal. "alice:photos" is Principal{"alice", "photos"}.
type Principal []string

// Root is the empty principal.
var Root = Principal{}

// ParsePrincipal splits a colon-delimited principal string into tokens.
func ParsePrincipal(s string) (Principal, error) {
	if s == "" {
		return Root, nil
	}
	toks := strings.Split(s, ":")
	for _, t := range toks {
		if t == "" {
			return nil, fmt.Errorf("%w: empty token in principal %q", ErrMalformedLabel, s)
		}
	}
	if len(toks) > MaxPrincipalTokens {
		return nil, fmt.Errorf("%w: %q has %d tokens", ErrPrincipalTooLong, s, len(toks))
	}
	return Principal(toks), nil
}

// String renders the principal in its canonical colon-delimited text form.
func (p Principal) String() string {
	return strings.Join([]string(p), ":")
}

// Equal reports whether p and q name the same principal.
func (p Principal) Equal(q Principal) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// SpeaksFor reports whether p speaks for q: q must be a prefix of p.
// Delegation is path extension, so every principal speaks for
// all of its own prefixes, including the root.
func (p Principal) SpeaksFor(q Principal) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Delegate extends p with suffix tokens, producing a sub-principal. The
// result always speaks for p.
func (p Principal) Delegate(suffix ...string) (Principal, error) {
	out := make(Principal, 0, len(p)+len(suffix))
	out = append(out, p...)
	out = append(out, suffix...)
	if len(out) > MaxPrincipalTokens {
		return nil, fmt.Errorf("%w: %q has %d tokens", ErrPrincipalTooLong, out.String(), len(out))
	}
	for _, t := range suffix {
		if t == "" {
			return nil, fmt.Errorf("%w: empty delegation token", ErrMalformedLabel)
		}
	}
	return out, nil
}

// clone returns a defensive copy of p.
func (p Principal) clone() Principal {
	out := make(Principal, len(p))
	copy(out, p)
	return out
}
