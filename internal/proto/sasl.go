package proto

import (
	"bytes"
	"fmt"

	"github.com/israelio/amqp10-go/internal/encoding"
)

// SASLFrame is implemented by the five SASL frame bodies exchanged on
// channel 0 during the security layer negotiation.
type SASLFrame interface {
	Encode(buf *bytes.Buffer) error
	Name() string
}

// SASLMechanisms advertises the server's supported mechanisms (0x40).
type SASLMechanisms struct {
	Mechanisms []encoding.Symbol
}

func (*SASLMechanisms) Name() string { return "sasl-mechanisms" }

func (m *SASLMechanisms) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := writeOptSymbols(&fields, m.Mechanisms); err != nil {
		return err
	}
	return encodePerformative(buf, DescriptorSASLMechanisms, fields.Bytes(), 1)
}

// SASLInit carries the client's chosen mechanism and initial response (0x41).
type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (*SASLInit) Name() string { return "sasl-init" }

func (i *SASLInit) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteSymbol(&fields, i.Mechanism); err != nil {
		return err
	}
	if err := writeOptBinary(&fields, i.InitialResponse); err != nil {
		return err
	}
	writeOptString(&fields, i.Hostname)
	return encodePerformative(buf, DescriptorSASLInit, fields.Bytes(), 3)
}

// SASLChallenge carries server challenge data (0x42).
type SASLChallenge struct {
	Challenge []byte
}

func (*SASLChallenge) Name() string { return "sasl-challenge" }

func (c *SASLChallenge) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteBinary(&fields, c.Challenge); err != nil {
		return err
	}
	return encodePerformative(buf, DescriptorSASLChallenge, fields.Bytes(), 1)
}

// SASLResponse carries client response data (0x43).
type SASLResponse struct {
	Response []byte
}

func (*SASLResponse) Name() string { return "sasl-response" }

func (r *SASLResponse) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteBinary(&fields, r.Response); err != nil {
		return err
	}
	return encodePerformative(buf, DescriptorSASLResponse, fields.Bytes(), 1)
}

// SASLOutcome reports the final result of the exchange (0x44).
type SASLOutcome struct {
	Code           uint8
	AdditionalData []byte
}

func (*SASLOutcome) Name() string { return "sasl-outcome" }

func (o *SASLOutcome) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteUbyte(&fields, o.Code); err != nil {
		return err
	}
	if err := writeOptBinary(&fields, o.AdditionalData); err != nil {
		return err
	}
	return encodePerformative(buf, DescriptorSASLOutcome, fields.Bytes(), 2)
}

// DecodeSASLFrame decodes one SASL frame body.
func DecodeSASLFrame(body []byte) (SASLFrame, error) {
	r := bytes.NewReader(body)
	descriptor, fields, err := encoding.ReadListFields(r)
	if err != nil {
		return nil, fmt.Errorf("decode sasl frame: %w", err)
	}
	switch descriptor {
	case DescriptorSASLMechanisms:
		m := &SASLMechanisms{}
		if len(fields) > 0 && fields[0] != nil {
			m.Mechanisms = encoding.Symbols(fields[0])
		}
		return m, nil
	case DescriptorSASLInit:
		i := &SASLInit{}
		if len(fields) > 0 && fields[0] != nil {
			if s, ok := fields[0].(encoding.Symbol); ok {
				i.Mechanism = s
			}
		}
		if len(fields) > 1 && fields[1] != nil {
			i.InitialResponse = binaryField(fields[1])
		}
		if len(fields) > 2 && fields[2] != nil {
			i.Hostname, _ = fields[2].(string)
		}
		return i, nil
	case DescriptorSASLChallenge:
		c := &SASLChallenge{}
		if len(fields) > 0 && fields[0] != nil {
			c.Challenge = binaryField(fields[0])
		}
		return c, nil
	case DescriptorSASLResponse:
		resp := &SASLResponse{}
		if len(fields) > 0 && fields[0] != nil {
			resp.Response = binaryField(fields[0])
		}
		return resp, nil
	case DescriptorSASLOutcome:
		o := &SASLOutcome{}
		if len(fields) > 0 && fields[0] != nil {
			o.Code = uint8(encoding.Uint32(fields[0]))
		}
		if len(fields) > 1 && fields[1] != nil {
			o.AdditionalData = binaryField(fields[1])
		}
		return o, nil
	default:
		return nil, fmt.Errorf("unknown sasl descriptor 0x%02x", descriptor)
	}
}

func binaryField(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}
