package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a flat, ordered multimap of protobuf wire fields: enough
// structure to encode the CloudCall and scheduler-RPC envelopes without
// generated message types. Field numbers and their
// meaning per call kind are defined in cloudcall.go and schedrpc.go.
type Message struct {
	order  []protowire.Number
	values map[protowire.Number][][]byte // each entry is the raw (already wire-typed) bytes for one occurrence
	types  map[protowire.Number]protowire.Type
}

// NewMessage returns an empty Message ready for Set* calls.
func NewMessage() *Message {
	return &Message{
		values: map[protowire.Number][][]byte{},
		types:  map[protowire.Number]protowire.Type{},
	}
}

func (m *Message) record(n protowire.Number, t protowire.Type, raw []byte) {
	// types is never cleared by a Set* replacement, so a re-set field keeps
	// its first position in order instead of being appended a second time.
	if _, ok := m.types[n]; !ok {
		m.order = append(m.order, n)
	}
	m.values[n] = append(m.values[n], raw)
	m.types[n] = t
}

// SetVarint stores a single varint-typed value at field n, replacing any
// prior value(s).
func (m *Message) SetVarint(n protowire.Number, v uint64) {
	delete(m.values, n)
	m.record(n, protowire.VarintType, protowire.AppendVarint(nil, v))
}

// SetBool is a convenience wrapper over SetVarint.
func (m *Message) SetBool(n protowire.Number, v bool) {
	var iv uint64
	if v {
		iv = 1
	}
	m.SetVarint(n, iv)
}

// SetBytes stores a single length-delimited value at field n.
func (m *Message) SetBytes(n protowire.Number, b []byte) {
	delete(m.values, n)
	m.record(n, protowire.BytesType, append([]byte(nil), b...))
}

// SetString is a convenience wrapper over SetBytes.
func (m *Message) SetString(n protowire.Number, s string) {
	m.SetBytes(n, []byte(s))
}

// AddBytes appends an additional occurrence of a repeated bytes field
// (used for packed maps: see AppendStringMap/StringMap).
func (m *Message) AddBytes(n protowire.Number, b []byte) {
	m.record(n, protowire.BytesType, append([]byte(nil), b...))
}

// SetMessage embeds a nested Message as a length-delimited field.
func (m *Message) SetMessage(n protowire.Number, nested *Message) {
	m.SetBytes(n, nested.Marshal())
}

// Varint returns the last-set varint value at field n.
func (m *Message) Varint(n protowire.Number) (uint64, bool) {
	vs, ok := m.values[n]
	if !ok || len(vs) == 0 {
		return 0, false
	}
	v, _ := protowire.ConsumeVarint(vs[len(vs)-1])
	return v, true
}

// Bool returns the last-set boolean value at field n.
func (m *Message) Bool(n protowire.Number) (bool, bool) {
	v, ok := m.Varint(n)
	return v != 0, ok
}

// Bytes returns the last-set bytes value at field n.
func (m *Message) Bytes(n protowire.Number) ([]byte, bool) {
	vs, ok := m.values[n]
	if !ok || len(vs) == 0 {
		return nil, false
	}
	return vs[len(vs)-1], true
}

// BytesAll returns every occurrence of a repeated bytes field n, in
// encounter order.
func (m *Message) BytesAll(n protowire.Number) [][]byte {
	return m.values[n]
}

// String returns the last-set string value at field n.
func (m *Message) String(n protowire.Number) (string, bool) {
	b, ok := m.Bytes(n)
	if !ok {
		return "", false
	}
	return string(b), true
}

// NestedMessage parses the last-set bytes value at field n as a Message.
func (m *Message) NestedMessage(n protowire.Number) (*Message, bool, error) {
	b, ok := m.Bytes(n)
	if !ok {
		return nil, false, nil
	}
	nested, err := Unmarshal(b)
	if err != nil {
		return nil, true, err
	}
	return nested, true, nil
}

// AppendStringMap encodes m as a packed field of (key,value) two-field
// sub-messages at field n, one occurrence per map entry.
func (m *Message) AppendStringMap(n protowire.Number, entries map[string]string) {
	for k, v := range entries {
		entry := NewMessage()
		entry.SetString(1, k)
		entry.SetString(2, v)
		m.AddBytes(n, entry.Marshal())
	}
}

// StringMap decodes a packed string map previously written by
// AppendStringMap from field n.
func (m *Message) StringMap(n protowire.Number) (map[string]string, error) {
	out := map[string]string{}
	for _, raw := range m.values[n] {
		entry, err := Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("wire: malformed map entry: %w", err)
		}
		k, _ := entry.String(1)
		v, _ := entry.String(2)
		out[k] = v
	}
	return out, nil
}

// Marshal serializes m to its wire form, fields in first-set order.
func (m *Message) Marshal() []byte {
	var buf []byte
	for _, n := range m.order {
		for _, raw := range m.values[n] {
			t := m.types[n]
			buf = protowire.AppendTag(buf, n, t)
			switch t {
			case protowire.VarintType:
				buf = append(buf, raw...)
			case protowire.BytesType:
				buf = protowire.AppendBytes(buf, raw)
			}
		}
	}
	return buf
}

// Unmarshal parses b into a Message, preserving field order and repeated
// occurrences. Unknown wire types are rejected as ProtocolError-worthy
// input; callers at the CloudCall boundary translate parse failures
// accordingly.
func Unmarshal(b []byte) (*Message, error) {
	m := NewMessage()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: malformed tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: malformed varint: %w", protowire.ParseError(n))
			}
			m.record(num, typ, protowire.AppendVarint(nil, v))
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: malformed bytes: %w", protowire.ParseError(n))
			}
			m.record(num, typ, append([]byte(nil), v...))
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: malformed field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
