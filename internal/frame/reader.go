package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/israelio/amqp10-go/internal/proto"
)

// Reader reads AMQP 1.0 frames from a connection.
type Reader struct {
	r         *bufio.Reader
	maxFrame  uint32
	headerBuf [HeaderSize]byte
}

// NewReader creates a new frame reader.
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = proto.MinMaxFrameSize
	}

	return &Reader{
		r:        bufio.NewReaderSize(r, 4096),
		maxFrame: maxFrameSize,
	}
}

// ReadFrame reads a single frame from the connection.
func (fr *Reader) ReadFrame() (*Frame, error) {
	// Read frame header (8 bytes: size + doff + type + channel)
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(fr.headerBuf[0:4])
	doff := fr.headerBuf[4]
	frameType := fr.headerBuf[5]
	channel := binary.BigEndian.Uint16(fr.headerBuf[6:8])

	if size < HeaderSize {
		return nil, fmt.Errorf("frame size %d below header size", size)
	}
	if size > fr.maxFrame {
		return nil, fmt.Errorf("frame too large: %d > %d", size, fr.maxFrame)
	}
	// DOFF counts 4-byte words; the minimum of 2 covers the fixed header.
	if doff < 2 || uint32(doff)*4 > size {
		return nil, fmt.Errorf("invalid doff %d for frame of %d bytes", doff, size)
	}
	if frameType != TypeAMQP && frameType != TypeSASL {
		return nil, fmt.Errorf("invalid frame type: %d", frameType)
	}

	// Skip the extended header, then read the body.
	extended := uint32(doff)*4 - HeaderSize
	if extended > 0 {
		if _, err := fr.r.Discard(int(extended)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	bodySize := size - uint32(doff)*4
	var body []byte
	if bodySize > 0 {
		body = make([]byte, bodySize)
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
	}

	return &Frame{
		Type:    frameType,
		Channel: channel,
		Body:    body,
	}, nil
}

// ReadProtocolHeader reads and validates the 8-byte protocol header.
func (fr *Reader) ReadProtocolHeader() (ProtocolHeader, error) {
	raw := make([]byte, 8)
	if _, err := io.ReadFull(fr.r, raw); err != nil {
		return ProtocolHeader{}, fmt.Errorf("read protocol header: %w", err)
	}

	return ParseProtocolHeader(raw)
}

// SetMaxFrameSize updates the maximum accepted frame size.
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size >= proto.MinMaxFrameSize {
		fr.maxFrame = size
	}
}

// Reset discards buffered state and reads from r, used when the transport
// is replaced after a TLS upgrade.
func (fr *Reader) Reset(r io.Reader) {
	fr.r.Reset(r)
}
