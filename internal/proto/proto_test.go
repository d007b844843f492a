package proto

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/israelio/amqp10-go/internal/encoding"
)

func encodeBody(t *testing.T, p Performative) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		t.Fatalf("encode %s: %v", p.Name(), err)
	}
	return buf.Bytes()
}

func decodeBody(t *testing.T, body []byte) Performative {
	t.Helper()
	p, payload, err := DecodePerformative(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload) != 0 {
		t.Fatalf("unexpected trailing payload of %d bytes", len(payload))
	}
	return p
}

func TestOpenRoundTrip(t *testing.T) {
	in := &Open{
		ContainerID:  "client-1",
		Hostname:     "broker.example.com",
		MaxFrameSize: 65536,
		ChannelMax:   255,
		IdleTimeout:  30000,
		OfferedCapabilities: []encoding.Symbol{"ANONYMOUS-RELAY"},
		Properties: map[encoding.Symbol]any{
			"product": "amqp10-go",
		},
	}
	out, ok := decodeBody(t, encodeBody(t, in)).(*Open)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestOpenDefaults(t *testing.T) {
	// An open with only the mandatory container-id must come back
	// with the protocol defaults for max-frame-size and channel-max.
	var buf bytes.Buffer
	if err := encoding.WriteDescriptor(&buf, DescriptorOpen); err != nil {
		t.Fatal(err)
	}
	var fields bytes.Buffer
	if err := encoding.WriteString(&fields, "c"); err != nil {
		t.Fatal(err)
	}
	if err := encoding.WriteList(&buf, fields.Bytes(), 1); err != nil {
		t.Fatal(err)
	}

	out, ok := decodeBody(t, buf.Bytes()).(*Open)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if out.MaxFrameSize != DefaultMaxFrameSize {
		t.Errorf("max frame size = %d, want %d", out.MaxFrameSize, uint32(DefaultMaxFrameSize))
	}
	if out.ChannelMax != DefaultChannelMax {
		t.Errorf("channel max = %d, want %d", out.ChannelMax, uint16(DefaultChannelMax))
	}
	if out.IdleTimeout != 0 {
		t.Errorf("idle timeout = %d, want 0", out.IdleTimeout)
	}
}

func TestBeginDefaults(t *testing.T) {
	var buf bytes.Buffer
	if err := encoding.WriteDescriptor(&buf, DescriptorBegin); err != nil {
		t.Fatal(err)
	}
	var fields bytes.Buffer
	encoding.WriteNull(&fields)
	encoding.WriteUint(&fields, 0)
	encoding.WriteUint(&fields, 100)
	encoding.WriteUint(&fields, 100)
	if err := encoding.WriteList(&buf, fields.Bytes(), 4); err != nil {
		t.Fatal(err)
	}

	out, ok := decodeBody(t, buf.Bytes()).(*Begin)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if out.HandleMax != DefaultHandleMax {
		t.Errorf("handle max = %d, want %d", out.HandleMax, uint32(DefaultHandleMax))
	}
	if out.RemoteChannel != nil {
		t.Error("remote channel must stay unset")
	}
}

func TestAttachRoundTrip(t *testing.T) {
	initialDC := uint32(7)
	sndMode := SenderSettleUnsettled
	in := &Attach{
		Name_:                "orders-sender",
		Handle:               3,
		Role:                 RoleSender,
		SndSettleMode:        &sndMode,
		Source:               &Source{Address: "local"},
		Target:               &Target{Address: "orders", Durable: 2},
		Unsettled: Unsettled{
			"tag-1": &Received{SectionNumber: 1, SectionOffset: 64},
			"tag-2": &Accepted{},
			"tag-3": nil,
		},
		InitialDeliveryCount: &initialDC,
		MaxMessageSize:       1 << 20,
	}
	out, ok := decodeBody(t, encodeBody(t, in)).(*Attach)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestFlowRoundTrip(t *testing.T) {
	handle := uint32(0)
	dc := uint32(12)
	credit := uint32(50)
	nid := uint32(9)
	in := &Flow{
		NextIncomingID: &nid,
		IncomingWindow: 2048,
		NextOutgoingID: 1,
		OutgoingWindow: 2048,
		Handle:         &handle,
		DeliveryCount:  &dc,
		LinkCredit:     &credit,
		Drain:          true,
	}
	out, ok := decodeBody(t, encodeBody(t, in)).(*Flow)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestFlowSessionOnly(t *testing.T) {
	in := &Flow{IncomingWindow: 100, NextOutgoingID: 5, OutgoingWindow: 100}
	out, ok := decodeBody(t, encodeBody(t, in)).(*Flow)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if out.Handle != nil || out.DeliveryCount != nil || out.LinkCredit != nil {
		t.Error("link fields must stay unset on a session flow")
	}
}

func TestTransferRoundTripWithPayload(t *testing.T) {
	did := uint32(42)
	mf := uint32(0)
	in := &Transfer{
		Handle:        1,
		DeliveryID:    &did,
		DeliveryTag:   []byte{0xde, 0xad},
		MessageFormat: &mf,
		More:          true,
	}
	body := encodeBody(t, in)
	payload := []byte("chunk-one")
	body = append(body, payload...)

	perf, gotPayload, err := DecodePerformative(body)
	if err != nil {
		t.Fatal(err)
	}
	out, ok := perf.(*Transfer)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload = %q, want %q", gotPayload, payload)
	}
}

func TestDispositionRoundTrip(t *testing.T) {
	last := uint32(5)
	in := &Disposition{
		Role:    RoleReceiver,
		First:   2,
		Last:    &last,
		Settled: true,
		State:   &Modified{DeliveryFailed: true},
	}
	out, ok := decodeBody(t, encodeBody(t, in)).(*Disposition)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestDetachWithError(t *testing.T) {
	in := &Detach{
		Handle: 9,
		Closed: true,
		Error: &Error{
			Condition:   ConditionDetachForced,
			Description: "administratively closed",
		},
	}
	out, ok := decodeBody(t, encodeBody(t, in)).(*Detach)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestEndCloseRoundTrip(t *testing.T) {
	for _, p := range []Performative{
		&End{},
		&End{Error: &Error{Condition: ConditionIllegalState}},
		&Close{},
		&Close{Error: &Error{Condition: ConditionFramingError, Description: "bad doff"}},
	} {
		out := decodeBody(t, encodeBody(t, p))
		if !reflect.DeepEqual(p, out) {
			t.Errorf("%s round trip mismatch:\n in=%+v\nout=%+v", p.Name(), p, out)
		}
	}
}

func TestDeliveryStateRoundTrip(t *testing.T) {
	states := []DeliveryState{
		&Received{SectionNumber: 2, SectionOffset: 1024},
		&Accepted{},
		&Rejected{Error: &Error{Condition: ConditionInternalError}},
		&Released{},
		&Modified{DeliveryFailed: true, UndeliverableHere: true},
	}
	for _, in := range states {
		var buf bytes.Buffer
		if err := in.Encode(&buf); err != nil {
			t.Fatalf("encode %s: %v", in, err)
		}
		v, err := encoding.ReadValue(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("read %s: %v", in, err)
		}
		out, err := DecodeDeliveryState(v)
		if err != nil {
			t.Fatalf("decode %s: %v", in, err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("%s round trip mismatch:\n in=%+v\nout=%+v", in, in, out)
		}
	}
}

func TestSASLRoundTrip(t *testing.T) {
	frames := []SASLFrame{
		&SASLMechanisms{Mechanisms: []encoding.Symbol{"SCRAM-SHA-256", "PLAIN"}},
		&SASLInit{Mechanism: "SCRAM-SHA-256", InitialResponse: []byte("n,,n=u,r=abc"), Hostname: "h"},
		&SASLChallenge{Challenge: []byte("r=abcdef,s=salt,i=4096")},
		&SASLResponse{Response: []byte("c=biws,r=abcdef,p=proof")},
		&SASLOutcome{Code: SASLCodeOK},
		&SASLOutcome{Code: SASLCodeAuth, AdditionalData: []byte("denied")},
	}
	for _, in := range frames {
		var buf bytes.Buffer
		if err := in.Encode(&buf); err != nil {
			t.Fatalf("encode %s: %v", in.Name(), err)
		}
		out, err := DecodeSASLFrame(buf.Bytes())
		if err != nil {
			t.Fatalf("decode %s: %v", in.Name(), err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("%s round trip mismatch:\n in=%+v\nout=%+v", in.Name(), in, out)
		}
	}
}

func TestUnknownDescriptor(t *testing.T) {
	var buf bytes.Buffer
	if err := encoding.WriteDescriptor(&buf, 0x99); err != nil {
		t.Fatal(err)
	}
	if err := encoding.WriteList(&buf, nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := DecodePerformative(buf.Bytes()); err == nil {
		t.Fatal("expected an error for an unknown descriptor")
	}
}

func TestTerminusRoundTrip(t *testing.T) {
	in := &Attach{
		Name_:  "r",
		Handle: 0,
		Role:   RoleReceiver,
		Source: &Source{
			Address:      "queue-a",
			Durable:      1,
			ExpiryPolicy: "link-detach",
			Timeout:      60,
			Dynamic:      false,
			Capabilities: []encoding.Symbol{"queue"},
		},
		Target: &Target{Address: "client-target"},
	}
	out, ok := decodeBody(t, encodeBody(t, in)).(*Attach)
	if !ok {
		t.Fatal("decoded wrong performative type")
	}
	if !reflect.DeepEqual(in.Source, out.Source) {
		t.Fatalf("source mismatch:\n in=%+v\nout=%+v", in.Source, out.Source)
	}
	if !reflect.DeepEqual(in.Target, out.Target) {
		t.Fatalf("target mismatch:\n in=%+v\nout=%+v", in.Target, out.Target)
	}
}
