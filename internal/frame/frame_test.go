package frame

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	w := NewWriter(&wire, 65536)
	r := NewReader(&wire, 65536)

	frames := []*Frame{
		NewAMQPFrame(0, []byte{0x00, 0x53, 0x10}),
		NewAMQPFrame(42, []byte("body bytes")),
		NewSASLFrame([]byte{0x00, 0x53, 0x41}),
		NewHeartbeatFrame(),
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	for _, want := range frames {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Type != want.Type || got.Channel != want.Channel || !bytes.Equal(got.Body, want.Body) {
			t.Errorf("got %s, want %s", got, want)
		}
	}
}

func TestHeartbeatDetection(t *testing.T) {
	if !NewHeartbeatFrame().IsHeartbeat() {
		t.Error("empty frame must be a heartbeat")
	}
	if NewAMQPFrame(0, []byte{1}).IsHeartbeat() {
		t.Error("a frame with a body is not a heartbeat")
	}
	if NewSASLFrame(nil).IsHeartbeat() {
		t.Error("sasl frames are never heartbeats")
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	var wire bytes.Buffer
	w := NewWriter(&wire, 512)
	if err := w.WriteFrame(NewAMQPFrame(0, make([]byte, 600))); err == nil {
		t.Fatal("expected write of oversize frame to fail")
	}

	// An incoming frame claiming a size above the limit must also fail.
	big := NewWriter(&wire, 4096)
	if err := big.WriteFrame(NewAMQPFrame(0, make([]byte, 1024))); err != nil {
		t.Fatal(err)
	}
	r := NewReader(&wire, 512)
	if _, err := r.ReadFrame(); err == nil {
		t.Fatal("expected read of oversize frame to fail")
	}
}

func TestExtendedHeaderSkipped(t *testing.T) {
	// doff=3 means one 4-byte word of extended header before the body.
	raw := []byte{
		0x00, 0x00, 0x00, 0x0e, // size 14
		0x03, 0x00, 0x00, 0x07, // doff 3, type AMQP, channel 7
		0xde, 0xad, 0xbe, 0xef, // extended header
		0x41, 0x42, // body
	}
	r := NewReader(bytes.NewReader(raw), 65536)
	f, err := r.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Channel != 7 || !bytes.Equal(f.Body, []byte{0x41, 0x42}) {
		t.Errorf("got %s body=%x", f, f.Body)
	}
}

func TestBadDoffRejected(t *testing.T) {
	raw := []byte{
		0x00, 0x00, 0x00, 0x08,
		0x01, 0x00, 0x00, 0x00, // doff 1 is below the fixed header
	}
	r := NewReader(bytes.NewReader(raw), 65536)
	if _, err := r.ReadFrame(); err == nil {
		t.Fatal("expected invalid doff to fail")
	}
}

func TestProtocolHeaderRoundTrip(t *testing.T) {
	for _, h := range []ProtocolHeader{HeaderAMQP, HeaderTLS, HeaderSASL} {
		var wire bytes.Buffer
		w := NewWriter(&wire, 512)
		if err := w.WriteProtocolHeader(h); err != nil {
			t.Fatal(err)
		}
		r := NewReader(&wire, 512)
		got, err := r.ReadProtocolHeader()
		if err != nil {
			t.Fatalf("read %s: %v", h, err)
		}
		if got != h {
			t.Errorf("got %s, want %s", got, h)
		}
	}
}

func TestProtocolHeaderRejected(t *testing.T) {
	cases := [][]byte{
		{'H', 'T', 'T', 'P', 0, 1, 1, 0}, // wrong prefix
		{'A', 'M', 'Q', 'P', 1, 1, 0, 0}, // unknown protocol id
		{'A', 'M', 'Q', 'P', 0, 0, 9, 1}, // wrong version
		{'A', 'M', 'Q', 'P', 0, 1, 0},    // short
	}
	for _, raw := range cases {
		if _, err := ParseProtocolHeader(raw); err == nil {
			t.Errorf("expected %x to be rejected", raw)
		}
	}
}
