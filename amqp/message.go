package amqp

import (
	"bytes"

	"github.com/israelio/amqp10-go/internal/encoding"
	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/pkg/errors"
)

// MessageProperties carries the immutable properties section of a message.
type MessageProperties struct {
	MessageID     string
	UserID        []byte
	To            string
	Subject       string
	ReplyTo       string
	CorrelationID string
	ContentType   string
}

// Message is an application message: an optional properties section,
// optional application properties and one or more data sections.
type Message struct {
	Properties            *MessageProperties
	ApplicationProperties map[string]any

	// Data holds the binary body sections. Adjacent data sections behave
	// as one contiguous body; multi-frame reassembly preserves this.
	Data [][]byte
}

// NewMessage creates a message with a single data section.
func NewMessage(body []byte) *Message {
	return &Message{Data: [][]byte{body}}
}

// Body returns the concatenation of all data sections.
func (m *Message) Body() []byte {
	if len(m.Data) == 1 {
		return m.Data[0]
	}
	var total int
	for _, d := range m.Data {
		total += len(d)
	}
	body := make([]byte, 0, total)
	for _, d := range m.Data {
		body = append(body, d...)
	}
	return body
}

// Marshal encodes the message into its wire payload.
func (m *Message) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	if p := m.Properties; p != nil {
		var fields bytes.Buffer
		writeOptStr := func(s string) {
			if s == "" {
				encoding.WriteNull(&fields)
			} else {
				encoding.WriteString(&fields, s)
			}
		}
		writeOptStr(p.MessageID)
		if len(p.UserID) > 0 {
			encoding.WriteBinary(&fields, p.UserID)
		} else {
			encoding.WriteNull(&fields)
		}
		writeOptStr(p.To)
		writeOptStr(p.Subject)
		writeOptStr(p.ReplyTo)
		writeOptStr(p.CorrelationID)
		if p.ContentType == "" {
			encoding.WriteNull(&fields)
		} else {
			encoding.WriteSymbol(&fields, encoding.Symbol(p.ContentType))
		}
		if err := encoding.WriteDescriptor(&buf, proto.DescriptorMessageProperties); err != nil {
			return nil, err
		}
		if err := encoding.WriteList(&buf, fields.Bytes(), 7); err != nil {
			return nil, err
		}
	}

	if len(m.ApplicationProperties) > 0 {
		if err := encoding.WriteDescriptor(&buf, proto.DescriptorApplicationProperties); err != nil {
			return nil, err
		}
		var body bytes.Buffer
		for k, v := range m.ApplicationProperties {
			if err := encoding.WriteString(&body, k); err != nil {
				return nil, err
			}
			if err := encoding.WriteAny(&body, v); err != nil {
				return nil, err
			}
		}
		if err := encoding.WriteMap(&buf, body.Bytes(), len(m.ApplicationProperties)); err != nil {
			return nil, err
		}
	}

	if len(m.Data) == 0 {
		// A message always carries at least one body section.
		if err := encoding.WriteDescriptor(&buf, proto.DescriptorData); err != nil {
			return nil, err
		}
		if err := encoding.WriteBinary(&buf, nil); err != nil {
			return nil, err
		}
	}
	for _, d := range m.Data {
		if err := encoding.WriteDescriptor(&buf, proto.DescriptorData); err != nil {
			return nil, err
		}
		if err := encoding.WriteBinary(&buf, d); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalMessage decodes a wire payload into a message. Sections the
// engine does not model (header, annotations, footer) are skipped.
func UnmarshalMessage(payload []byte) (*Message, error) {
	m := &Message{}
	r := bytes.NewReader(payload)
	for r.Len() > 0 {
		v, err := encoding.ReadValue(r)
		if err != nil {
			return nil, errors.Wrap(err, "amqp: decode message section")
		}
		desc, ok := v.(*encoding.Described)
		if !ok {
			return nil, errors.Errorf("amqp: message section is %T, not a described value", v)
		}
		switch desc.Descriptor {
		case proto.DescriptorMessageProperties:
			m.Properties = propertiesFromFields(desc.Value)
		case proto.DescriptorApplicationProperties:
			if raw, ok := desc.Value.(map[any]any); ok {
				m.ApplicationProperties = make(map[string]any, len(raw))
				for k, val := range raw {
					if key, ok := k.(string); ok {
						m.ApplicationProperties[key] = val
					}
				}
			}
		case proto.DescriptorData:
			switch data := desc.Value.(type) {
			case []byte:
				m.Data = append(m.Data, data)
			case nil:
				m.Data = append(m.Data, nil)
			default:
				return nil, errors.Errorf("amqp: data section holds %T", desc.Value)
			}
		case proto.DescriptorMessageHeader,
			proto.DescriptorDeliveryAnnotations,
			proto.DescriptorMessageAnnotations,
			proto.DescriptorAMQPSequence,
			proto.DescriptorAMQPValue,
			proto.DescriptorFooter:
			// Recognized but not modeled.
		default:
			return nil, errors.Errorf("amqp: unknown message section descriptor 0x%02x", desc.Descriptor)
		}
	}
	return m, nil
}

func propertiesFromFields(v any) *MessageProperties {
	fields, _ := v.([]any)
	p := &MessageProperties{}
	str := func(i int) string {
		if len(fields) > i && fields[i] != nil {
			if s, ok := fields[i].(string); ok {
				return s
			}
		}
		return ""
	}
	p.MessageID = str(0)
	if len(fields) > 1 && fields[1] != nil {
		if b, ok := fields[1].([]byte); ok {
			p.UserID = b
		}
	}
	p.To = str(2)
	p.Subject = str(3)
	p.ReplyTo = str(4)
	p.CorrelationID = str(5)
	if len(fields) > 6 && fields[6] != nil {
		if s, ok := fields[6].(encoding.Symbol); ok {
			p.ContentType = string(s)
		}
	}
	return p
}
