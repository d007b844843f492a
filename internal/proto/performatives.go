package proto

import (
	"bytes"
	"fmt"

	"github.com/israelio/amqp10-go/internal/encoding"
)

// Performative is implemented by the nine AMQP performative records.
type Performative interface {
	Encode(buf *bytes.Buffer) error
	Name() string
}

// Unsettled is the Attach unsettled map, keyed by delivery-tag bytes
// (held as string so the map is hashable). A nil value means the delivery
// state is unknown at the sending peer.
type Unsettled map[string]DeliveryState

// Open performative (0x10).
type Open struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32 // decodes to DefaultMaxFrameSize when absent
	ChannelMax          uint16 // decodes to DefaultChannelMax when absent
	IdleTimeout         uint32 // milliseconds, 0 = none
	OfferedCapabilities []encoding.Symbol
	DesiredCapabilities []encoding.Symbol
	Properties          map[encoding.Symbol]any
}

func (*Open) Name() string { return "open" }

func (o *Open) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteString(&fields, o.ContainerID); err != nil {
		return err
	}
	writeOptString(&fields, o.Hostname)
	maxFrame := o.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	encoding.WriteUint(&fields, maxFrame)
	channelMax := o.ChannelMax
	if channelMax == 0 {
		channelMax = DefaultChannelMax
	}
	encoding.WriteUshort(&fields, channelMax)
	if o.IdleTimeout > 0 {
		encoding.WriteUint(&fields, o.IdleTimeout)
	} else {
		encoding.WriteNull(&fields)
	}
	encoding.WriteNull(&fields) // outgoing-locales
	encoding.WriteNull(&fields) // incoming-locales
	if err := writeOptSymbols(&fields, o.OfferedCapabilities); err != nil {
		return err
	}
	if err := writeOptSymbols(&fields, o.DesiredCapabilities); err != nil {
		return err
	}
	if err := writeOptProperties(&fields, o.Properties); err != nil {
		return err
	}
	return encodePerformative(buf, DescriptorOpen, fields.Bytes(), 10)
}

// DecodeOpen decodes an Open from its field list, reconstituting defaults.
func DecodeOpen(fields []any) *Open {
	o := &Open{
		MaxFrameSize: DefaultMaxFrameSize,
		ChannelMax:   DefaultChannelMax,
	}
	if len(fields) > 0 && fields[0] != nil {
		o.ContainerID, _ = fields[0].(string)
	}
	if len(fields) > 1 && fields[1] != nil {
		o.Hostname, _ = fields[1].(string)
	}
	if len(fields) > 2 && fields[2] != nil {
		o.MaxFrameSize = encoding.Uint32(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		o.ChannelMax = uint16(encoding.Uint32(fields[3]))
	}
	if len(fields) > 4 && fields[4] != nil {
		o.IdleTimeout = encoding.Uint32(fields[4])
	}
	if len(fields) > 7 && fields[7] != nil {
		o.OfferedCapabilities = encoding.Symbols(fields[7])
	}
	if len(fields) > 8 && fields[8] != nil {
		o.DesiredCapabilities = encoding.Symbols(fields[8])
	}
	if len(fields) > 9 && fields[9] != nil {
		o.Properties = encoding.SymbolMap(fields[9])
	}
	return o
}

// Begin performative (0x11).
type Begin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32
	IncomingWindow      uint32
	OutgoingWindow      uint32
	HandleMax           uint32 // decodes to DefaultHandleMax when absent
	OfferedCapabilities []encoding.Symbol
	DesiredCapabilities []encoding.Symbol
	Properties          map[encoding.Symbol]any
}

func (*Begin) Name() string { return "begin" }

func (b *Begin) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if b.RemoteChannel != nil {
		encoding.WriteUshort(&fields, *b.RemoteChannel)
	} else {
		encoding.WriteNull(&fields)
	}
	encoding.WriteUint(&fields, b.NextOutgoingID)
	encoding.WriteUint(&fields, b.IncomingWindow)
	encoding.WriteUint(&fields, b.OutgoingWindow)
	handleMax := b.HandleMax
	if handleMax == 0 {
		handleMax = DefaultHandleMax
	}
	encoding.WriteUint(&fields, handleMax)
	if err := writeOptSymbols(&fields, b.OfferedCapabilities); err != nil {
		return err
	}
	if err := writeOptSymbols(&fields, b.DesiredCapabilities); err != nil {
		return err
	}
	if err := writeOptProperties(&fields, b.Properties); err != nil {
		return err
	}
	return encodePerformative(buf, DescriptorBegin, fields.Bytes(), 8)
}

// DecodeBegin decodes a Begin from its field list.
func DecodeBegin(fields []any) *Begin {
	b := &Begin{HandleMax: DefaultHandleMax}
	if len(fields) > 0 && fields[0] != nil {
		v := uint16(encoding.Uint32(fields[0]))
		b.RemoteChannel = &v
	}
	if len(fields) > 1 && fields[1] != nil {
		b.NextOutgoingID = encoding.Uint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		b.IncomingWindow = encoding.Uint32(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		b.OutgoingWindow = encoding.Uint32(fields[3])
	}
	if len(fields) > 4 && fields[4] != nil {
		b.HandleMax = encoding.Uint32(fields[4])
	}
	if len(fields) > 5 && fields[5] != nil {
		b.OfferedCapabilities = encoding.Symbols(fields[5])
	}
	if len(fields) > 6 && fields[6] != nil {
		b.DesiredCapabilities = encoding.Symbols(fields[6])
	}
	if len(fields) > 7 && fields[7] != nil {
		b.Properties = encoding.SymbolMap(fields[7])
	}
	return b
}

// Attach performative (0x12).
type Attach struct {
	Name_                string
	Handle               uint32
	Role                 bool // RoleSender / RoleReceiver
	SndSettleMode        *uint8
	RcvSettleMode        *uint8
	Source               *Source
	Target               *Target
	Unsettled            Unsettled
	IncompleteUnsettled  bool
	InitialDeliveryCount *uint32 // mandatory for sender role
	MaxMessageSize       uint64
	OfferedCapabilities  []encoding.Symbol
	DesiredCapabilities  []encoding.Symbol
	Properties           map[encoding.Symbol]any
}

func (*Attach) Name() string { return "attach" }

func (a *Attach) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteString(&fields, a.Name_); err != nil {
		return err
	}
	encoding.WriteUint(&fields, a.Handle)
	encoding.WriteBool(&fields, a.Role)
	if err := writeOptUbyte(&fields, a.SndSettleMode); err != nil {
		return err
	}
	if err := writeOptUbyte(&fields, a.RcvSettleMode); err != nil {
		return err
	}
	if a.Source != nil {
		if err := a.Source.Encode(&fields); err != nil {
			return err
		}
	} else {
		encoding.WriteNull(&fields)
	}
	if a.Target != nil {
		if err := a.Target.Encode(&fields); err != nil {
			return err
		}
	} else {
		encoding.WriteNull(&fields)
	}
	if err := encodeUnsettled(&fields, a.Unsettled); err != nil {
		return err
	}
	encoding.WriteBool(&fields, a.IncompleteUnsettled)
	if err := writeOptUint(&fields, a.InitialDeliveryCount); err != nil {
		return err
	}
	if a.MaxMessageSize > 0 {
		encoding.WriteUlong(&fields, a.MaxMessageSize)
	} else {
		encoding.WriteNull(&fields)
	}
	if err := writeOptSymbols(&fields, a.OfferedCapabilities); err != nil {
		return err
	}
	if err := writeOptSymbols(&fields, a.DesiredCapabilities); err != nil {
		return err
	}
	if err := writeOptProperties(&fields, a.Properties); err != nil {
		return err
	}
	return encodePerformative(buf, DescriptorAttach, fields.Bytes(), 14)
}

// DecodeAttach decodes an Attach from its field list.
func DecodeAttach(fields []any) (*Attach, error) {
	a := &Attach{}
	if len(fields) > 0 && fields[0] != nil {
		a.Name_, _ = fields[0].(string)
	}
	if len(fields) > 1 && fields[1] != nil {
		a.Handle = encoding.Uint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		a.Role = encoding.Bool(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		v := uint8(encoding.Uint32(fields[3]))
		a.SndSettleMode = &v
	}
	if len(fields) > 4 && fields[4] != nil {
		v := uint8(encoding.Uint32(fields[4]))
		a.RcvSettleMode = &v
	}
	if len(fields) > 5 && fields[5] != nil {
		a.Source = sourceFromField(fields[5])
	}
	if len(fields) > 6 && fields[6] != nil {
		a.Target = targetFromField(fields[6])
	}
	if len(fields) > 7 && fields[7] != nil {
		unsettled, err := decodeUnsettled(fields[7])
		if err != nil {
			return nil, err
		}
		a.Unsettled = unsettled
	}
	if len(fields) > 8 && fields[8] != nil {
		a.IncompleteUnsettled = encoding.Bool(fields[8])
	}
	if len(fields) > 9 && fields[9] != nil {
		v := encoding.Uint32(fields[9])
		a.InitialDeliveryCount = &v
	}
	if len(fields) > 10 && fields[10] != nil {
		a.MaxMessageSize = encoding.Uint64(fields[10])
	}
	if len(fields) > 11 && fields[11] != nil {
		a.OfferedCapabilities = encoding.Symbols(fields[11])
	}
	if len(fields) > 12 && fields[12] != nil {
		a.DesiredCapabilities = encoding.Symbols(fields[12])
	}
	if len(fields) > 13 && fields[13] != nil {
		a.Properties = encoding.SymbolMap(fields[13])
	}
	return a, nil
}

// Flow performative (0x13).
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
}

func (*Flow) Name() string { return "flow" }

func (f *Flow) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := writeOptUint(&fields, f.NextIncomingID); err != nil {
		return err
	}
	encoding.WriteUint(&fields, f.IncomingWindow)
	encoding.WriteUint(&fields, f.NextOutgoingID)
	encoding.WriteUint(&fields, f.OutgoingWindow)
	if err := writeOptUint(&fields, f.Handle); err != nil {
		return err
	}
	if err := writeOptUint(&fields, f.DeliveryCount); err != nil {
		return err
	}
	if err := writeOptUint(&fields, f.LinkCredit); err != nil {
		return err
	}
	if err := writeOptUint(&fields, f.Available); err != nil {
		return err
	}
	encoding.WriteBool(&fields, f.Drain)
	encoding.WriteBool(&fields, f.Echo)
	return encodePerformative(buf, DescriptorFlow, fields.Bytes(), 10)
}

// DecodeFlow decodes a Flow from its field list.
func DecodeFlow(fields []any) *Flow {
	f := &Flow{}
	optUint := func(i int) *uint32 {
		if len(fields) > i && fields[i] != nil {
			v := encoding.Uint32(fields[i])
			return &v
		}
		return nil
	}
	f.NextIncomingID = optUint(0)
	if len(fields) > 1 && fields[1] != nil {
		f.IncomingWindow = encoding.Uint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		f.NextOutgoingID = encoding.Uint32(fields[2])
	}
	if len(fields) > 3 && fields[3] != nil {
		f.OutgoingWindow = encoding.Uint32(fields[3])
	}
	f.Handle = optUint(4)
	f.DeliveryCount = optUint(5)
	f.LinkCredit = optUint(6)
	f.Available = optUint(7)
	if len(fields) > 8 && fields[8] != nil {
		f.Drain = encoding.Bool(fields[8])
	}
	if len(fields) > 9 && fields[9] != nil {
		f.Echo = encoding.Bool(fields[9])
	}
	return f
}

// Transfer performative (0x14). The message payload rides after the
// performative inside the same frame body and is not part of this record.
type Transfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	RcvSettleMode *uint8
	State         DeliveryState
	Resume        bool
	Aborted       bool
	Batchable     bool
}

func (*Transfer) Name() string { return "transfer" }

func (t *Transfer) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	encoding.WriteUint(&fields, t.Handle)
	if err := writeOptUint(&fields, t.DeliveryID); err != nil {
		return err
	}
	if err := writeOptBinary(&fields, t.DeliveryTag); err != nil {
		return err
	}
	if err := writeOptUint(&fields, t.MessageFormat); err != nil {
		return err
	}
	encoding.WriteBool(&fields, t.Settled)
	encoding.WriteBool(&fields, t.More)
	if err := writeOptUbyte(&fields, t.RcvSettleMode); err != nil {
		return err
	}
	if err := writeOptState(&fields, t.State); err != nil {
		return err
	}
	encoding.WriteBool(&fields, t.Resume)
	encoding.WriteBool(&fields, t.Aborted)
	encoding.WriteBool(&fields, t.Batchable)
	return encodePerformative(buf, DescriptorTransfer, fields.Bytes(), 11)
}

// DecodeTransfer decodes a Transfer from its field list.
func DecodeTransfer(fields []any) (*Transfer, error) {
	t := &Transfer{}
	if len(fields) > 0 && fields[0] != nil {
		t.Handle = encoding.Uint32(fields[0])
	}
	if len(fields) > 1 && fields[1] != nil {
		v := encoding.Uint32(fields[1])
		t.DeliveryID = &v
	}
	if len(fields) > 2 && fields[2] != nil {
		switch tag := fields[2].(type) {
		case []byte:
			t.DeliveryTag = tag
		case string:
			t.DeliveryTag = []byte(tag)
		}
	}
	if len(fields) > 3 && fields[3] != nil {
		v := encoding.Uint32(fields[3])
		t.MessageFormat = &v
	}
	if len(fields) > 4 && fields[4] != nil {
		t.Settled = encoding.Bool(fields[4])
	}
	if len(fields) > 5 && fields[5] != nil {
		t.More = encoding.Bool(fields[5])
	}
	if len(fields) > 6 && fields[6] != nil {
		v := uint8(encoding.Uint32(fields[6]))
		t.RcvSettleMode = &v
	}
	if len(fields) > 7 && fields[7] != nil {
		state, err := DecodeDeliveryState(fields[7])
		if err != nil {
			return nil, err
		}
		t.State = state
	}
	if len(fields) > 8 && fields[8] != nil {
		t.Resume = encoding.Bool(fields[8])
	}
	if len(fields) > 9 && fields[9] != nil {
		t.Aborted = encoding.Bool(fields[9])
	}
	if len(fields) > 10 && fields[10] != nil {
		t.Batchable = encoding.Bool(fields[10])
	}
	return t, nil
}

// Disposition performative (0x15).
type Disposition struct {
	Role      bool
	First     uint32
	Last      *uint32 // defaults to First when absent
	Settled   bool
	State     DeliveryState
	Batchable bool
}

func (*Disposition) Name() string { return "disposition" }

func (d *Disposition) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	encoding.WriteBool(&fields, d.Role)
	encoding.WriteUint(&fields, d.First)
	if err := writeOptUint(&fields, d.Last); err != nil {
		return err
	}
	encoding.WriteBool(&fields, d.Settled)
	if err := writeOptState(&fields, d.State); err != nil {
		return err
	}
	encoding.WriteBool(&fields, d.Batchable)
	return encodePerformative(buf, DescriptorDisposition, fields.Bytes(), 6)
}

// DecodeDisposition decodes a Disposition from its field list.
func DecodeDisposition(fields []any) (*Disposition, error) {
	d := &Disposition{}
	if len(fields) > 0 && fields[0] != nil {
		d.Role = encoding.Bool(fields[0])
	}
	if len(fields) > 1 && fields[1] != nil {
		d.First = encoding.Uint32(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		v := encoding.Uint32(fields[2])
		d.Last = &v
	}
	if len(fields) > 3 && fields[3] != nil {
		d.Settled = encoding.Bool(fields[3])
	}
	if len(fields) > 4 && fields[4] != nil {
		state, err := DecodeDeliveryState(fields[4])
		if err != nil {
			return nil, err
		}
		d.State = state
	}
	if len(fields) > 5 && fields[5] != nil {
		d.Batchable = encoding.Bool(fields[5])
	}
	return d, nil
}

// Detach performative (0x16).
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (*Detach) Name() string { return "detach" }

func (d *Detach) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	encoding.WriteUint(&fields, d.Handle)
	encoding.WriteBool(&fields, d.Closed)
	if d.Error != nil {
		if err := d.Error.Encode(&fields); err != nil {
			return err
		}
	} else {
		encoding.WriteNull(&fields)
	}
	return encodePerformative(buf, DescriptorDetach, fields.Bytes(), 3)
}

// DecodeDetach decodes a Detach from its field list.
func DecodeDetach(fields []any) *Detach {
	d := &Detach{}
	if len(fields) > 0 && fields[0] != nil {
		d.Handle = encoding.Uint32(fields[0])
	}
	if len(fields) > 1 && fields[1] != nil {
		d.Closed = encoding.Bool(fields[1])
	}
	if len(fields) > 2 && fields[2] != nil {
		d.Error = errorFromField(fields[2])
	}
	return d
}

// End performative (0x17).
type End struct {
	Error *Error
}

func (*End) Name() string { return "end" }

func (e *End) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	count := 0
	if e.Error != nil {
		if err := e.Error.Encode(&fields); err != nil {
			return err
		}
		count = 1
	}
	return encodePerformative(buf, DescriptorEnd, fields.Bytes(), count)
}

// DecodeEnd decodes an End from its field list.
func DecodeEnd(fields []any) *End {
	e := &End{}
	if len(fields) > 0 && fields[0] != nil {
		e.Error = errorFromField(fields[0])
	}
	return e
}

// Close performative (0x18).
type Close struct {
	Error *Error
}

func (*Close) Name() string { return "close" }

func (c *Close) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	count := 0
	if c.Error != nil {
		if err := c.Error.Encode(&fields); err != nil {
			return err
		}
		count = 1
	}
	return encodePerformative(buf, DescriptorClose, fields.Bytes(), count)
}

// DecodeClose decodes a Close from its field list.
func DecodeClose(fields []any) *Close {
	c := &Close{}
	if len(fields) > 0 && fields[0] != nil {
		c.Error = errorFromField(fields[0])
	}
	return c
}

// DecodePerformative decodes one frame body into a performative plus any
// trailing payload bytes (present only on Transfer frames).
func DecodePerformative(body []byte) (Performative, []byte, error) {
	r := bytes.NewReader(body)
	descriptor, fields, err := encoding.ReadListFields(r)
	if err != nil {
		return nil, nil, fmt.Errorf("decode performative: %w", err)
	}

	var perf Performative
	switch descriptor {
	case DescriptorOpen:
		perf = DecodeOpen(fields)
	case DescriptorBegin:
		perf = DecodeBegin(fields)
	case DescriptorAttach:
		perf, err = DecodeAttach(fields)
	case DescriptorFlow:
		perf = DecodeFlow(fields)
	case DescriptorTransfer:
		perf, err = DecodeTransfer(fields)
	case DescriptorDisposition:
		perf, err = DecodeDisposition(fields)
	case DescriptorDetach:
		perf = DecodeDetach(fields)
	case DescriptorEnd:
		perf = DecodeEnd(fields)
	case DescriptorClose:
		perf = DecodeClose(fields)
	default:
		return nil, nil, fmt.Errorf("unknown performative descriptor 0x%02x", descriptor)
	}
	if err != nil {
		return nil, nil, err
	}

	var payload []byte
	if remaining := r.Len(); remaining > 0 {
		payload = make([]byte, remaining)
		r.Read(payload)
	}
	return perf, payload, nil
}

func encodePerformative(buf *bytes.Buffer, descriptor uint64, fields []byte, count int) error {
	if err := encoding.WriteDescriptor(buf, descriptor); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields, count)
}

func encodeUnsettled(buf *bytes.Buffer, u Unsettled) error {
	if len(u) == 0 {
		return encoding.WriteNull(buf)
	}
	// deterministic order for testability
	tags := make([]string, 0, len(u))
	for tag := range u {
		tags = append(tags, tag)
	}
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && tags[j] < tags[j-1]; j-- {
			tags[j], tags[j-1] = tags[j-1], tags[j]
		}
	}
	var body bytes.Buffer
	for _, tag := range tags {
		if err := encoding.WriteBinary(&body, []byte(tag)); err != nil {
			return err
		}
		if err := writeOptState(&body, u[tag]); err != nil {
			return err
		}
	}
	return encoding.WriteMap(buf, body.Bytes(), len(tags))
}

func decodeUnsettled(v any) (Unsettled, error) {
	raw, ok := v.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("unsettled map is %T, not a map", v)
	}
	u := make(Unsettled, len(raw))
	for key, val := range raw {
		tag, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("unsettled map key is %T, not a delivery tag", key)
		}
		state, err := DecodeDeliveryState(val)
		if err != nil {
			return nil, err
		}
		u[tag] = state
	}
	return u, nil
}

func writeOptProperties(buf *bytes.Buffer, m map[encoding.Symbol]any) error {
	if len(m) == 0 {
		return encoding.WriteNull(buf)
	}
	return encoding.WriteSymbolMap(buf, m)
}
