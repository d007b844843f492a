package proto

import (
	"bytes"
	"fmt"

	"github.com/israelio/amqp10-go/internal/encoding"
)

// DeliveryState is implemented by the delivery-state records carried on
// Transfer and Disposition: Received plus the four terminal outcomes, and the
// transactional states the engine recognizes but never resumes.
type DeliveryState interface {
	deliveryState()
	Encode(buf *bytes.Buffer) error
}

// Received records partial transfer progress as a section/offset pair.
// Received{0,0} means no message data has been transferred at all.
type Received struct {
	SectionNumber uint32
	SectionOffset uint64
}

// Accepted is the successful terminal outcome.
type Accepted struct{}

// Rejected is the failed terminal outcome, optionally carrying the reason.
type Rejected struct {
	Error *Error
}

// Released indicates the message was not and will not be acted upon.
type Released struct{}

// Modified is Released plus delivery-count/annotation adjustments.
type Modified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
	MessageAnnotations map[encoding.Symbol]any
}

// Declared is the transactional declare result; never a resumable state.
type Declared struct {
	TxnID []byte
}

// TransactionalState wraps an outcome inside a transaction; never resumable.
type TransactionalState struct {
	TxnID   []byte
	Outcome DeliveryState
}

func (*Received) deliveryState()           {}
func (*Accepted) deliveryState()           {}
func (*Rejected) deliveryState()           {}
func (*Released) deliveryState()           {}
func (*Modified) deliveryState()           {}
func (*Declared) deliveryState()           {}
func (*TransactionalState) deliveryState() {}

func (r *Received) String() string {
	return fmt.Sprintf("Received{section=%d, offset=%d}", r.SectionNumber, r.SectionOffset)
}
func (*Accepted) String() string { return "Accepted" }
func (r *Rejected) String() string {
	if r.Error != nil {
		return fmt.Sprintf("Rejected{%v}", r.Error)
	}
	return "Rejected"
}
func (*Released) String() string { return "Released" }
func (m *Modified) String() string {
	return fmt.Sprintf("Modified{failed=%t, undeliverable=%t}", m.DeliveryFailed, m.UndeliverableHere)
}

// IsTerminal reports whether state is one of the four terminal outcomes.
func IsTerminal(state DeliveryState) bool {
	switch state.(type) {
	case *Accepted, *Rejected, *Released, *Modified:
		return true
	default:
		return false
	}
}

// IsTransactional reports whether state belongs to the transaction extension.
func IsTransactional(state DeliveryState) bool {
	switch state.(type) {
	case *Declared, *TransactionalState:
		return true
	default:
		return false
	}
}

func (r *Received) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteUint(&fields, r.SectionNumber); err != nil {
		return err
	}
	if err := encoding.WriteUlong(&fields, r.SectionOffset); err != nil {
		return err
	}
	if err := encoding.WriteDescriptor(buf, DescriptorReceived); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields.Bytes(), 2)
}

func (*Accepted) Encode(buf *bytes.Buffer) error {
	if err := encoding.WriteDescriptor(buf, DescriptorAccepted); err != nil {
		return err
	}
	return encoding.WriteList(buf, nil, 0)
}

func (r *Rejected) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	count := 0
	if r.Error != nil {
		if err := r.Error.Encode(&fields); err != nil {
			return err
		}
		count = 1
	}
	if err := encoding.WriteDescriptor(buf, DescriptorRejected); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields.Bytes(), count)
}

func (*Released) Encode(buf *bytes.Buffer) error {
	if err := encoding.WriteDescriptor(buf, DescriptorReleased); err != nil {
		return err
	}
	return encoding.WriteList(buf, nil, 0)
}

func (m *Modified) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	encoding.WriteBool(&fields, m.DeliveryFailed)
	encoding.WriteBool(&fields, m.UndeliverableHere)
	if len(m.MessageAnnotations) > 0 {
		if err := encoding.WriteSymbolMap(&fields, m.MessageAnnotations); err != nil {
			return err
		}
	} else {
		encoding.WriteNull(&fields)
	}
	if err := encoding.WriteDescriptor(buf, DescriptorModified); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields.Bytes(), 3)
}

func (d *Declared) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteBinary(&fields, d.TxnID); err != nil {
		return err
	}
	if err := encoding.WriteDescriptor(buf, DescriptorDeclared); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields.Bytes(), 1)
}

func (t *TransactionalState) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteBinary(&fields, t.TxnID); err != nil {
		return err
	}
	count := 1
	if t.Outcome != nil {
		if err := t.Outcome.Encode(&fields); err != nil {
			return err
		}
		count = 2
	}
	if err := encoding.WriteDescriptor(buf, DescriptorTransactionalState); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields.Bytes(), count)
}

// DecodeDeliveryState decodes a delivery-state field. A nil field decodes to
// nil; unknown descriptors are an error.
func DecodeDeliveryState(v any) (DeliveryState, error) {
	if v == nil {
		return nil, nil
	}
	desc, ok := v.(*encoding.Described)
	if !ok {
		return nil, fmt.Errorf("delivery state is %T, not a described value", v)
	}
	fields, _ := desc.Value.([]any)

	switch desc.Descriptor {
	case DescriptorReceived:
		r := &Received{}
		if len(fields) > 0 && fields[0] != nil {
			r.SectionNumber = encoding.Uint32(fields[0])
		}
		if len(fields) > 1 && fields[1] != nil {
			r.SectionOffset = encoding.Uint64(fields[1])
		}
		return r, nil
	case DescriptorAccepted:
		return &Accepted{}, nil
	case DescriptorRejected:
		r := &Rejected{}
		if len(fields) > 0 && fields[0] != nil {
			r.Error = errorFromField(fields[0])
		}
		return r, nil
	case DescriptorReleased:
		return &Released{}, nil
	case DescriptorModified:
		m := &Modified{}
		if len(fields) > 0 && fields[0] != nil {
			m.DeliveryFailed = encoding.Bool(fields[0])
		}
		if len(fields) > 1 && fields[1] != nil {
			m.UndeliverableHere = encoding.Bool(fields[1])
		}
		if len(fields) > 2 && fields[2] != nil {
			m.MessageAnnotations = encoding.SymbolMap(fields[2])
		}
		return m, nil
	case DescriptorDeclared:
		d := &Declared{}
		if len(fields) > 0 && fields[0] != nil {
			d.TxnID, _ = fields[0].([]byte)
		}
		return d, nil
	case DescriptorTransactionalState:
		t := &TransactionalState{}
		if len(fields) > 0 && fields[0] != nil {
			t.TxnID, _ = fields[0].([]byte)
		}
		if len(fields) > 1 && fields[1] != nil {
			outcome, err := DecodeDeliveryState(fields[1])
			if err != nil {
				return nil, err
			}
			t.Outcome = outcome
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown delivery state descriptor 0x%02x", desc.Descriptor)
	}
}
