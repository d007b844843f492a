package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadValue reads one complete value, returning nil, bool, uint8..uint64,
// []byte, string, Symbol, []any, map[any]any or *Described.
func ReadValue(r *bytes.Reader) (any, error) {
	code, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return readValueBody(r, code)
}

func readValueBody(r *bytes.Reader, code byte) (any, error) {
	switch code {
	case CodeNull:
		return nil, nil
	case CodeTrue:
		return true, nil
	case CodeFalse:
		return false, nil
	case CodeBool:
		b, err := r.ReadByte()
		return b != 0, err
	case CodeUbyte:
		return r.ReadByte()
	case CodeUshort:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint16(b[:]), nil
	case CodeUint0:
		return uint32(0), nil
	case CodeSmallUint:
		b, err := r.ReadByte()
		return uint32(b), err
	case CodeUint:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint32(b[:]), nil
	case CodeUlong0:
		return uint64(0), nil
	case CodeSmallUlong:
		b, err := r.ReadByte()
		return uint64(b), err
	case CodeUlong:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint64(b[:]), nil
	case CodeByte:
		b, err := r.ReadByte()
		return int8(b), err
	case CodeShort:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(b[:])), nil
	case CodeSmallInt:
		b, err := r.ReadByte()
		return int32(int8(b)), err
	case CodeInt:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(b[:])), nil
	case CodeSmallLong:
		b, err := r.ReadByte()
		return int64(int8(b)), err
	case CodeLong:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b[:])), nil
	case CodeVbin8, CodeVbin32:
		data, err := readVariable(r, code == CodeVbin8)
		return data, err
	case CodeStr8, CodeStr32:
		data, err := readVariable(r, code == CodeStr8)
		return string(data), err
	case CodeSym8, CodeSym32:
		data, err := readVariable(r, code == CodeSym8)
		return Symbol(data), err
	case CodeList0:
		return []any{}, nil
	case CodeList8, CodeList32:
		return readList(r, code == CodeList8)
	case CodeMap8, CodeMap32:
		return readMap(r, code == CodeMap8)
	case CodeArray8, CodeArray32:
		return readArray(r, code == CodeArray8)
	case CodeDescribed:
		return readDescribed(r)
	default:
		return nil, errUnexpectedCode(code)
	}
}

func readVariable(r *bytes.Reader, narrow bool) ([]byte, error) {
	var length uint32
	if narrow {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		length = uint32(b)
	} else {
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint32(b[:])
	}
	if length > uint32(r.Len()) {
		return nil, fmt.Errorf("truncated value: need %d bytes, have %d", length, r.Len())
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readCompoundHeader(r *bytes.Reader, narrow bool) (size, count uint32, err error) {
	if narrow {
		s, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		c, err := r.ReadByte()
		if err != nil {
			return 0, 0, err
		}
		return uint32(s), uint32(c), nil
	}
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	size = binary.BigEndian.Uint32(b[:])
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, 0, err
	}
	count = binary.BigEndian.Uint32(b[:])
	return size, count, nil
}

func readList(r *bytes.Reader, narrow bool) ([]any, error) {
	_, count, err := readCompoundHeader(r, narrow)
	if err != nil {
		return nil, err
	}
	if count > uint32(r.Len()) {
		return nil, fmt.Errorf("list count %d exceeds remaining bytes", count)
	}
	fields := make([]any, count)
	for i := range fields {
		if fields[i], err = ReadValue(r); err != nil {
			return nil, fmt.Errorf("list element %d: %w", i, err)
		}
	}
	return fields, nil
}

func readMap(r *bytes.Reader, narrow bool) (map[any]any, error) {
	_, count, err := readCompoundHeader(r, narrow)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, fmt.Errorf("map with odd element count %d", count)
	}
	m := make(map[any]any, count/2)
	for i := uint32(0); i < count; i += 2 {
		key, err := ReadValue(r)
		if err != nil {
			return nil, err
		}
		value, err := ReadValue(r)
		if err != nil {
			return nil, err
		}
		// binary keys (delivery tags) are not hashable; store as string
		if b, ok := key.([]byte); ok {
			key = string(b)
		}
		m[key] = value
	}
	return m, nil
}

func readArray(r *bytes.Reader, narrow bool) ([]any, error) {
	_, count, err := readCompoundHeader(r, narrow)
	if err != nil {
		return nil, err
	}
	elemCode, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if count > uint32(r.Len()) {
		return nil, fmt.Errorf("array count %d exceeds remaining bytes", count)
	}
	elements := make([]any, count)
	for i := range elements {
		if elements[i], err = readValueBody(r, elemCode); err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
	}
	return elements, nil
}

func readDescribed(r *bytes.Reader) (*Described, error) {
	descriptor, err := ReadValue(r)
	if err != nil {
		return nil, err
	}
	value, err := ReadValue(r)
	if err != nil {
		return nil, err
	}
	switch d := descriptor.(type) {
	case uint64:
		return &Described{Descriptor: d, Value: value}, nil
	case uint32:
		return &Described{Descriptor: uint64(d), Value: value}, nil
	case uint8:
		return &Described{Descriptor: uint64(d), Value: value}, nil
	default:
		return nil, fmt.Errorf("unsupported descriptor type %T", descriptor)
	}
}

// ReadListFields reads a described list (the shape of every performative)
// and returns the descriptor with the decoded field list.
func ReadListFields(r *bytes.Reader) (uint64, []any, error) {
	v, err := ReadValue(r)
	if err != nil {
		return 0, nil, err
	}
	desc, ok := v.(*Described)
	if !ok {
		return 0, nil, fmt.Errorf("expected described list, got %T", v)
	}
	fields, ok := desc.Value.([]any)
	if !ok {
		return 0, nil, fmt.Errorf("descriptor 0x%02x: body is %T, not a list", desc.Descriptor, desc.Value)
	}
	return desc.Descriptor, fields, nil
}

// SymbolMap converts a decoded map into a symbol-keyed map. Non-symbol keys
// are coerced from strings; anything else is dropped.
func SymbolMap(v any) map[Symbol]any {
	raw, ok := v.(map[any]any)
	if !ok {
		return nil
	}
	m := make(map[Symbol]any, len(raw))
	for k, val := range raw {
		switch key := k.(type) {
		case Symbol:
			m[key] = val
		case string:
			m[Symbol(key)] = val
		}
	}
	return m
}

// Symbols converts a decoded value (a symbol, or an array of symbols) into a
// symbol slice. AMQP allows single values where an array is expected.
func Symbols(v any) []Symbol {
	switch x := v.(type) {
	case Symbol:
		return []Symbol{x}
	case []any:
		out := make([]Symbol, 0, len(x))
		for _, e := range x {
			if s, ok := e.(Symbol); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
