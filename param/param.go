// Package param defines the typed parameter literals carried by a
// compiled tree's grammar: bool, int32, float and uint32 (the latter
// denoting a dynamic reference into caller-supplied dispatch arguments).
package param

import "math"

// Kind discriminates the four parameter alternatives. It doubles as the
// wire tag written into a parameter slot (see Payload and FromWire).
type Kind uint8

const (
	// KindBool marks a static boolean literal.
	KindBool Kind = 1
	// KindInt marks a static signed 32-bit integer literal.
	KindInt Kind = 2
	// KindFloat marks a static 32-bit float literal.
	KindFloat Kind = 4
	// KindDyn marks a dynamic reference: the payload is an index into
	// the caller-supplied dispatch arguments, not a literal value.
	KindDyn Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDyn:
		return "dyn"
	default:
		return "unknown"
	}
}

// Parameter is one literal or dynamic reference from a node's parameter
// list. Exactly one of the typed fields is meaningful, selected by Kind.
type Parameter struct {
	Kind  Kind
	Bool  bool
	Int   int32
	Float float32
	// Dyn is the positional index into the dispatch-time dynamic
	// argument tuple, valid only when Kind == KindDyn.
	Dyn uint32
}

// Bool constructs a static boolean parameter.
func Bool(v bool) Parameter { return Parameter{Kind: KindBool, Bool: v} }

// Int constructs a static signed integer parameter.
func Int(v int32) Parameter { return Parameter{Kind: KindInt, Int: v} }

// Float constructs a static float parameter.
func Float(v float32) Parameter { return Parameter{Kind: KindFloat, Float: v} }

// Dyn constructs a dynamic parameter reference to dispatch argument n.
func Dyn(n uint32) Parameter { return Parameter{Kind: KindDyn, Dyn: n} }

// IsDynamic reports whether p is a $N reference rather than a literal.
func (p Parameter) IsDynamic() bool { return p.Kind == KindDyn }

// Payload returns the 4-byte little-endian-ready payload for the
// parameter, with bool widened to int32 as required by the wire format.
func (p Parameter) Payload() uint32 {
	switch p.Kind {
	case KindBool:
		if p.Bool {
			return 1
		}
		return 0
	case KindInt:
		return uint32(p.Int)
	case KindFloat:
		return math.Float32bits(p.Float)
	case KindDyn:
		return p.Dyn
	default:
		return 0
	}
}

// FromWire reconstructs a Parameter from a wire tag and its 4-byte
// payload, as read by the byte codec from a parameter slot.
func FromWire(tag uint8, payload uint32) Parameter {
	switch Kind(tag) {
	case KindBool:
		return Bool(payload != 0)
	case KindInt:
		return Int(int32(payload))
	case KindFloat:
		return Float(math.Float32frombits(payload))
	case KindDyn:
		return Dyn(payload)
	default:
		return Parameter{}
	}
}
