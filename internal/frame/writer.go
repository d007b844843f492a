package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/israelio/amqp10-go/internal/proto"
)

// Writer writes AMQP 1.0 frames to a connection.
type Writer struct {
	w         *bufio.Writer
	mu        sync.Mutex
	maxFrame  uint32
	headerBuf [HeaderSize]byte
}

// NewWriter creates a new frame writer.
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = proto.MinMaxFrameSize
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, 4096),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame writes a single frame to the connection.
func (fw *Writer) WriteFrame(frame *Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	size := uint32(HeaderSize) + uint32(len(frame.Body))
	if size > fw.maxFrame {
		return fmt.Errorf("frame too large: %d > %d", size, fw.maxFrame)
	}

	binary.BigEndian.PutUint32(fw.headerBuf[0:4], size)
	fw.headerBuf[4] = 2 // doff, no extended header
	fw.headerBuf[5] = frame.Type
	binary.BigEndian.PutUint16(fw.headerBuf[6:8], frame.Channel)

	if _, err := fw.w.Write(fw.headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}

	if len(frame.Body) > 0 {
		if _, err := fw.w.Write(frame.Body); err != nil {
			return fmt.Errorf("write frame body: %w", err)
		}
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}

	return nil
}

// WriteProtocolHeader writes the 8-byte protocol header.
func (fw *Writer) WriteProtocolHeader(h ProtocolHeader) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(h.Bytes()); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush protocol header: %w", err)
	}

	return nil
}

// SetMaxFrameSize updates the maximum outgoing frame size.
func (fw *Writer) SetMaxFrameSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if size >= proto.MinMaxFrameSize {
		fw.maxFrame = size
	}
}

// MaxFrameSize reports the current outgoing frame size limit.
func (fw *Writer) MaxFrameSize() uint32 {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	return fw.maxFrame
}

// Reset discards buffered state and writes to w, used when the transport
// is replaced after a TLS upgrade.
func (fw *Writer) Reset(w io.Writer) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	fw.w.Reset(w)
}
