package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// WriteNull writes the null constructor.
func WriteNull(buf *bytes.Buffer) error {
	return buf.WriteByte(CodeNull)
}

// WriteBool writes a boolean using the fixed-width true/false constructors.
func WriteBool(buf *bytes.Buffer, v bool) error {
	if v {
		return buf.WriteByte(CodeTrue)
	}
	return buf.WriteByte(CodeFalse)
}

// WriteUbyte writes an 8-bit unsigned integer.
func WriteUbyte(buf *bytes.Buffer, v uint8) error {
	buf.WriteByte(CodeUbyte)
	return buf.WriteByte(v)
}

// WriteUshort writes a 16-bit unsigned integer.
func WriteUshort(buf *bytes.Buffer, v uint16) error {
	buf.WriteByte(CodeUshort)
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := buf.Write(b[:])
	return err
}

// WriteUint writes a 32-bit unsigned integer using the smallest encoding.
func WriteUint(buf *bytes.Buffer, v uint32) error {
	switch {
	case v == 0:
		return buf.WriteByte(CodeUint0)
	case v < 256:
		buf.WriteByte(CodeSmallUint)
		return buf.WriteByte(uint8(v))
	default:
		buf.WriteByte(CodeUint)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		_, err := buf.Write(b[:])
		return err
	}
}

// WriteUlong writes a 64-bit unsigned integer using the smallest encoding.
func WriteUlong(buf *bytes.Buffer, v uint64) error {
	switch {
	case v == 0:
		return buf.WriteByte(CodeUlong0)
	case v < 256:
		buf.WriteByte(CodeSmallUlong)
		return buf.WriteByte(uint8(v))
	default:
		buf.WriteByte(CodeUlong)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		_, err := buf.Write(b[:])
		return err
	}
}

// WriteByte writes an 8-bit signed integer.
func WriteByte(buf *bytes.Buffer, v int8) error {
	buf.WriteByte(CodeByte)
	return buf.WriteByte(uint8(v))
}

// WriteShort writes a 16-bit signed integer.
func WriteShort(buf *bytes.Buffer, v int16) error {
	buf.WriteByte(CodeShort)
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	_, err := buf.Write(b[:])
	return err
}

// WriteInt writes a 32-bit signed integer using the smallest encoding.
func WriteInt(buf *bytes.Buffer, v int32) error {
	if v >= -128 && v <= 127 {
		buf.WriteByte(CodeSmallInt)
		return buf.WriteByte(uint8(int8(v)))
	}
	buf.WriteByte(CodeInt)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	_, err := buf.Write(b[:])
	return err
}

// WriteLong writes a 64-bit signed integer using the smallest encoding.
func WriteLong(buf *bytes.Buffer, v int64) error {
	if v >= -128 && v <= 127 {
		buf.WriteByte(CodeSmallLong)
		return buf.WriteByte(uint8(int8(v)))
	}
	buf.WriteByte(CodeLong)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	_, err := buf.Write(b[:])
	return err
}

// WriteBinary writes a variable-width binary value.
func WriteBinary(buf *bytes.Buffer, v []byte) error {
	return writeVariable(buf, CodeVbin8, CodeVbin32, v)
}

// WriteString writes a UTF-8 string value.
func WriteString(buf *bytes.Buffer, v string) error {
	return writeVariable(buf, CodeStr8, CodeStr32, []byte(v))
}

// WriteSymbol writes a symbolic value.
func WriteSymbol(buf *bytes.Buffer, v Symbol) error {
	return writeVariable(buf, CodeSym8, CodeSym32, []byte(v))
}

func writeVariable(buf *bytes.Buffer, code8, code32 byte, data []byte) error {
	if len(data) < 256 {
		buf.WriteByte(code8)
		buf.WriteByte(uint8(len(data)))
	} else {
		buf.WriteByte(code32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(data)))
		buf.Write(b[:])
	}
	_, err := buf.Write(data)
	return err
}

// WriteDescriptor writes the described-type prefix and a ulong descriptor.
func WriteDescriptor(buf *bytes.Buffer, descriptor uint64) error {
	buf.WriteByte(CodeDescribed)
	return WriteUlong(buf, descriptor)
}

// WriteList writes a list constructor around pre-encoded field bytes.
// count is the number of encoded elements in fields.
func WriteList(buf *bytes.Buffer, fields []byte, count int) error {
	if count == 0 {
		return buf.WriteByte(CodeList0)
	}
	// size accounts for the count octet(s)
	if len(fields)+1 < 256 && count < 256 {
		buf.WriteByte(CodeList8)
		buf.WriteByte(uint8(len(fields) + 1))
		buf.WriteByte(uint8(count))
	} else {
		buf.WriteByte(CodeList32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(fields)+4))
		buf.Write(b[:])
		binary.BigEndian.PutUint32(b[:], uint32(count))
		buf.Write(b[:])
	}
	_, err := buf.Write(fields)
	return err
}

// WriteMap writes a map constructor around pre-encoded key/value bytes.
// pairs is the number of key-value pairs encoded in body.
func WriteMap(buf *bytes.Buffer, body []byte, pairs int) error {
	count := pairs * 2
	if len(body)+1 < 256 && count < 256 {
		buf.WriteByte(CodeMap8)
		buf.WriteByte(uint8(len(body) + 1))
		buf.WriteByte(uint8(count))
	} else {
		buf.WriteByte(CodeMap32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(body)+4))
		buf.Write(b[:])
		binary.BigEndian.PutUint32(b[:], uint32(count))
		buf.Write(b[:])
	}
	_, err := buf.Write(body)
	return err
}

// WriteSymbolArray writes an array of symbols (sym8 element constructor).
func WriteSymbolArray(buf *bytes.Buffer, symbols []Symbol) error {
	var body bytes.Buffer
	for _, s := range symbols {
		if len(s) > 255 {
			return fmt.Errorf("array symbol too long: %d", len(s))
		}
		body.WriteByte(uint8(len(s)))
		body.WriteString(string(s))
	}
	// size includes count octet(s) and the element constructor
	if body.Len()+2 < 256 && len(symbols) < 256 {
		buf.WriteByte(CodeArray8)
		buf.WriteByte(uint8(body.Len() + 2))
		buf.WriteByte(uint8(len(symbols)))
	} else {
		buf.WriteByte(CodeArray32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(body.Len()+5))
		buf.Write(b[:])
		binary.BigEndian.PutUint32(b[:], uint32(len(symbols)))
		buf.Write(b[:])
	}
	buf.WriteByte(CodeSym8)
	_, err := buf.Write(body.Bytes())
	return err
}

// WriteAny writes a value of a dynamically-typed field (property maps).
func WriteAny(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		return WriteNull(buf)
	case bool:
		return WriteBool(buf, x)
	case uint8:
		return WriteUbyte(buf, x)
	case uint16:
		return WriteUshort(buf, x)
	case uint32:
		return WriteUint(buf, x)
	case uint64:
		return WriteUlong(buf, x)
	case int8:
		return WriteByte(buf, x)
	case int16:
		return WriteShort(buf, x)
	case int32:
		return WriteInt(buf, x)
	case int64:
		return WriteLong(buf, x)
	case int:
		return WriteLong(buf, int64(x))
	case []byte:
		return WriteBinary(buf, x)
	case string:
		return WriteString(buf, x)
	case Symbol:
		return WriteSymbol(buf, x)
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
}

// WriteSymbolMap writes a map keyed by symbols with dynamically-typed values,
// in sorted key order so encoding is deterministic.
func WriteSymbolMap(buf *bytes.Buffer, m map[Symbol]any) error {
	keys := make([]Symbol, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	var body bytes.Buffer
	for _, k := range keys {
		if err := WriteSymbol(&body, k); err != nil {
			return err
		}
		if err := WriteAny(&body, m[k]); err != nil {
			return err
		}
	}
	return WriteMap(buf, body.Bytes(), len(keys))
}
