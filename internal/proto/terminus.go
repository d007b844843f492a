package proto

import (
	"bytes"

	"github.com/israelio/amqp10-go/internal/encoding"
)

// Terminus durability values.
const (
	DurabilityNone          uint32 = 0
	DurabilityConfiguration uint32 = 1
	DurabilityUnsettledState uint32 = 2
)

// Source is the source terminus record on Attach.
type Source struct {
	Address      string
	Durable      uint32
	ExpiryPolicy encoding.Symbol
	Timeout      uint32
	Dynamic      bool
	Capabilities []encoding.Symbol
}

// Target is the target terminus record on Attach.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy encoding.Symbol
	Timeout      uint32
	Dynamic      bool
	Capabilities []encoding.Symbol
}

func (s *Source) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	writeOptString(&fields, s.Address)
	encoding.WriteUint(&fields, s.Durable)
	writeOptSymbol(&fields, s.ExpiryPolicy)
	encoding.WriteUint(&fields, s.Timeout)
	encoding.WriteBool(&fields, s.Dynamic)
	// dynamic-node-properties, distribution-mode, filter, default-outcome,
	// outcomes are unused; capabilities is field 10
	for i := 0; i < 5; i++ {
		encoding.WriteNull(&fields)
	}
	if err := writeOptSymbols(&fields, s.Capabilities); err != nil {
		return err
	}
	if err := encoding.WriteDescriptor(buf, DescriptorSource); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields.Bytes(), 11)
}

func (t *Target) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	writeOptString(&fields, t.Address)
	encoding.WriteUint(&fields, t.Durable)
	writeOptSymbol(&fields, t.ExpiryPolicy)
	encoding.WriteUint(&fields, t.Timeout)
	encoding.WriteBool(&fields, t.Dynamic)
	encoding.WriteNull(&fields) // dynamic-node-properties
	if err := writeOptSymbols(&fields, t.Capabilities); err != nil {
		return err
	}
	if err := encoding.WriteDescriptor(buf, DescriptorTarget); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields.Bytes(), 7)
}

// DecodeSource decodes a source terminus from its field list.
func DecodeSource(fields []any) *Source {
	s := &Source{}
	if len(fields) > 0 && fields[0] != nil {
		s.Address, _ = fields[0].(string)
	}
	if len(fields) > 1 && fields[1] != nil {
		s.Durable = encoding.Uint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		s.ExpiryPolicy, _ = fields[2].(encoding.Symbol)
	}
	if len(fields) > 3 && fields[3] != nil {
		s.Timeout = encoding.Uint32(fields[3])
	}
	if len(fields) > 4 && fields[4] != nil {
		s.Dynamic = encoding.Bool(fields[4])
	}
	if len(fields) > 10 && fields[10] != nil {
		s.Capabilities = encoding.Symbols(fields[10])
	}
	return s
}

// DecodeTarget decodes a target terminus from its field list.
func DecodeTarget(fields []any) *Target {
	t := &Target{}
	if len(fields) > 0 && fields[0] != nil {
		t.Address, _ = fields[0].(string)
	}
	if len(fields) > 1 && fields[1] != nil {
		t.Durable = encoding.Uint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		t.ExpiryPolicy, _ = fields[2].(encoding.Symbol)
	}
	if len(fields) > 3 && fields[3] != nil {
		t.Timeout = encoding.Uint32(fields[3])
	}
	if len(fields) > 4 && fields[4] != nil {
		t.Dynamic = encoding.Bool(fields[4])
	}
	if len(fields) > 6 && fields[6] != nil {
		t.Capabilities = encoding.Symbols(fields[6])
	}
	return t
}

func writeOptString(buf *bytes.Buffer, s string) {
	if s != "" {
		encoding.WriteString(buf, s)
	} else {
		encoding.WriteNull(buf)
	}
}

func writeOptSymbol(buf *bytes.Buffer, s encoding.Symbol) {
	if s != "" {
		encoding.WriteSymbol(buf, s)
	} else {
		encoding.WriteNull(buf)
	}
}

func writeOptSymbols(buf *bytes.Buffer, symbols []encoding.Symbol) error {
	if len(symbols) == 0 {
		return encoding.WriteNull(buf)
	}
	return encoding.WriteSymbolArray(buf, symbols)
}

func writeOptBinary(buf *bytes.Buffer, data []byte) error {
	if data == nil {
		return encoding.WriteNull(buf)
	}
	return encoding.WriteBinary(buf, data)
}

func writeOptUint(buf *bytes.Buffer, v *uint32) error {
	if v == nil {
		return encoding.WriteNull(buf)
	}
	return encoding.WriteUint(buf, *v)
}

func writeOptUbyte(buf *bytes.Buffer, v *uint8) error {
	if v == nil {
		return encoding.WriteNull(buf)
	}
	return encoding.WriteUbyte(buf, *v)
}

func writeOptState(buf *bytes.Buffer, state DeliveryState) error {
	if state == nil {
		return encoding.WriteNull(buf)
	}
	return state.Encode(buf)
}

func sourceFromField(v any) *Source {
	desc, ok := v.(*encoding.Described)
	if !ok || desc.Descriptor != DescriptorSource {
		return nil
	}
	fields, ok := desc.Value.([]any)
	if !ok {
		return nil
	}
	return DecodeSource(fields)
}

func targetFromField(v any) *Target {
	desc, ok := v.(*encoding.Described)
	if !ok || desc.Descriptor != DescriptorTarget {
		return nil
	}
	fields, ok := desc.Value.([]any)
	if !ok {
		return nil
	}
	return DecodeTarget(fields)
}
