// Package encoding implements the AMQP 1.0 primitive type system: the
// byte-level encoding of the scalar, variable-width and compound types that
// performative bodies are assembled from. It is deliberately reflection-free;
// callers write each field explicitly and decode to []any field lists.
package encoding

import "fmt"

// AMQP 1.0 format codes (constructor octets).
const (
	CodeNull  = 0x40
	CodeTrue  = 0x41
	CodeFalse = 0x42
	CodeBool  = 0x56

	CodeUbyte     = 0x50
	CodeUshort    = 0x60
	CodeUint      = 0x70
	CodeSmallUint = 0x52
	CodeUint0     = 0x43
	CodeUlong     = 0x80
	CodeSmallUlong = 0x53
	CodeUlong0    = 0x44

	CodeByte      = 0x51
	CodeShort     = 0x61
	CodeInt       = 0x71
	CodeSmallInt  = 0x54
	CodeLong      = 0x81
	CodeSmallLong = 0x55

	CodeVbin8  = 0xa0
	CodeVbin32 = 0xb0
	CodeStr8   = 0xa1
	CodeStr32  = 0xb1
	CodeSym8   = 0xa3
	CodeSym32  = 0xb3

	CodeList0  = 0x45
	CodeList8  = 0xc0
	CodeList32 = 0xd0
	CodeMap8   = 0xc1
	CodeMap32  = 0xd1
	CodeArray8 = 0xe0
	CodeArray32 = 0xf0

	// Described type constructor prefix.
	CodeDescribed = 0x00
)

// Symbol is an AMQP symbolic value (7-bit ASCII).
type Symbol string

// Described is a generic described value: a numeric descriptor followed by a
// value, typically a field list for composite types.
type Described struct {
	Descriptor uint64
	Value      any
}

// Uint32 coerces any decoded unsigned integer to uint32.
func Uint32(v any) uint32 {
	switch n := v.(type) {
	case uint8:
		return uint32(n)
	case uint16:
		return uint32(n)
	case uint32:
		return n
	case uint64:
		return uint32(n)
	default:
		return 0
	}
}

// Uint64 coerces any decoded unsigned integer to uint64.
func Uint64(v any) uint64 {
	switch n := v.(type) {
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint64:
		return n
	default:
		return 0
	}
}

// Bool coerces a decoded value to bool (nil decodes as false).
func Bool(v any) bool {
	b, _ := v.(bool)
	return b
}

// errUnexpectedCode builds the error for a constructor the reader does not
// accept in the current position.
func errUnexpectedCode(code byte) error {
	return fmt.Errorf("unexpected format code 0x%02x", code)
}
