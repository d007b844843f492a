package amqp

import (
	"bytes"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/israelio/amqp10-go/internal/encoding"
	"github.com/israelio/amqp10-go/internal/frame"
	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/israelio/amqp10-go/internal/util"
	"github.com/pkg/errors"
)

// ConnState tracks a connection through its lifecycle.
type ConnState int32

const (
	ConnStateStart ConnState = iota
	ConnStateHeaderSent
	ConnStateHeaderReceived
	ConnStateHeaderExchange
	ConnStateOpenPipe
	ConnStateOpenSent
	ConnStateOpenReceived
	ConnStateOpened
	ConnStateClosePipe
	ConnStateOpenClosePipe
	ConnStateCloseSent
	ConnStateCloseReceived
	ConnStateDiscarding
	ConnStateEnd
)

func (s ConnState) String() string {
	switch s {
	case ConnStateStart:
		return "start"
	case ConnStateHeaderSent:
		return "header-sent"
	case ConnStateHeaderReceived:
		return "header-received"
	case ConnStateHeaderExchange:
		return "header-exchange"
	case ConnStateOpenPipe:
		return "open-pipe"
	case ConnStateOpenSent:
		return "open-sent"
	case ConnStateOpenReceived:
		return "open-received"
	case ConnStateOpened:
		return "opened"
	case ConnStateClosePipe:
		return "close-pipe"
	case ConnStateOpenClosePipe:
		return "open-close-pipe"
	case ConnStateCloseSent:
		return "close-sent"
	case ConnStateCloseReceived:
		return "close-received"
	case ConnStateDiscarding:
		return "discarding"
	case ConnStateEnd:
		return "end"
	default:
		return "unknown"
	}
}

const closeTimeout = 5 * time.Second

// Connection multiplexes sessions over a single transport. It owns the
// reader goroutine that routes incoming frames to sessions by channel
// number.
type Connection struct {
	factory *ConnectionFactory
	conn    net.Conn
	fr      *frame.Reader
	fw      *frame.Writer

	state atomic.Int32

	// Agreed limits, fixed once the open exchange completes.
	channelMax        uint16
	remoteMaxFrame    uint32
	remoteContainerID string
	remoteProperties  map[encoding.Symbol]any
	remoteIdleTimeout time.Duration

	mu               sync.Mutex
	sessionsByLocal  map[uint16]*Session
	sessionsByRemote map[uint16]*Session
	channels         *util.IDAllocator

	incomingSessions chan *Session

	listenerMu     sync.Mutex
	closeListeners []chan *Error

	closeOnce      sync.Once
	closeErr       *Error
	remoteDoneOnce sync.Once
	remoteDone     chan struct{} // closed when the peer's close frame arrives
	done           chan struct{}
	wg             sync.WaitGroup
}

func newConnection(cf *ConnectionFactory, netConn net.Conn) *Connection {
	return &Connection{
		factory:          cf,
		conn:             netConn,
		fr:               frame.NewReader(netConn, cf.MaxFrameSize),
		fw:               frame.NewWriter(netConn, proto.MinMaxFrameSize),
		sessionsByLocal:  make(map[uint16]*Session),
		sessionsByRemote: make(map[uint16]*Session),
		incomingSessions: make(chan *Session, 16),
		remoteDone:       make(chan struct{}),
		done:             make(chan struct{}),
	}
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// State returns the connection's lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// ContainerID returns the peer's container id once the connection is open.
func (c *Connection) ContainerID() string {
	return c.remoteContainerID
}

// RemoteProperties returns the peer's connection properties.
func (c *Connection) RemoteProperties() map[encoding.Symbol]any {
	return c.remoteProperties
}

// openExchange trades open performatives on channel 0. The client sends
// first; the listener replies after reading the peer's open.
func (c *Connection) openExchange(ctx context.Context, sendFirst bool) error {
	local := &proto.Open{
		ContainerID:  c.factory.ContainerID,
		Hostname:     c.factory.Hostname,
		MaxFrameSize: c.factory.MaxFrameSize,
		ChannelMax:   c.factory.ChannelMax,
		IdleTimeout:  uint32(c.factory.IdleTimeout / time.Millisecond),
		Properties:   connProperties(c.factory.Properties),
	}

	if sendFirst {
		if err := c.writeFrame(0, local, nil); err != nil {
			return err
		}
		c.setState(ConnStateOpenSent)
	}

	remote, err := c.readOpen(ctx)
	if err != nil {
		return err
	}
	c.setState(ConnStateOpenReceived)

	if !sendFirst {
		if err := c.writeFrame(0, local, nil); err != nil {
			return err
		}
	}

	c.remoteContainerID = remote.ContainerID
	c.remoteProperties = remote.Properties
	c.remoteMaxFrame = remote.MaxFrameSize
	c.fw.SetMaxFrameSize(remote.MaxFrameSize)
	c.channelMax = c.factory.ChannelMax
	if remote.ChannelMax < c.channelMax {
		c.channelMax = remote.ChannelMax
	}
	c.channels = util.NewIDAllocator(uint32(c.channelMax))
	if remote.IdleTimeout > 0 {
		c.remoteIdleTimeout = time.Duration(remote.IdleTimeout) * time.Millisecond
	}

	c.setState(ConnStateOpened)
	log().Info().
		Str("container", remote.ContainerID).
		Uint32("max_frame", remote.MaxFrameSize).
		Uint16("channel_max", c.channelMax).
		Msg("connection opened")
	return nil
}

// readOpen reads frames until the peer's open arrives. Heartbeats may
// legally precede it.
func (c *Connection) readOpen(ctx context.Context) (*proto.Open, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			return nil, errors.Wrap(err, "amqp: read open")
		}
		if f.IsHeartbeat() {
			continue
		}
		perf, _, err := proto.DecodePerformative(f.Body)
		if err != nil {
			return nil, errors.Wrap(err, "amqp: decode open")
		}
		open, ok := perf.(*proto.Open)
		if !ok {
			return nil, errors.Errorf("amqp: expected open, got %s", perf.Name())
		}
		if f.Channel != 0 {
			return nil, errors.Errorf("amqp: open on channel %d", f.Channel)
		}
		return open, nil
	}
}

func connProperties(props map[string]any) map[encoding.Symbol]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[encoding.Symbol]any, len(props))
	for k, v := range props {
		out[encoding.Symbol(k)] = v
	}
	return out
}

// start launches the frame dispatcher and, when the peer announced an
// idle timeout, the heartbeat sender.
func (c *Connection) start() {
	c.wg.Add(1)
	go c.frameDispatcher()
	if c.remoteIdleTimeout > 0 {
		c.wg.Add(1)
		go c.heartbeatSender(c.remoteIdleTimeout / 2)
	}
}

func (c *Connection) heartbeatSender(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.fw.WriteFrame(frame.NewHeartbeatFrame()); err != nil {
				log().Debug().Err(err).Msg("heartbeat send failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// frameDispatcher reads frames and routes them to sessions by channel.
// It is the only reader of the transport after the open exchange.
func (c *Connection) frameDispatcher() {
	defer c.wg.Done()
	for {
		if c.factory.IdleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(2 * c.factory.IdleTimeout))
		}
		f, err := c.fr.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.shutdown(NewError(ConditionConnectionForced, err.Error()))
			}
			return
		}
		if f.IsHeartbeat() {
			continue
		}
		perf, payload, err := proto.DecodePerformative(f.Body)
		if err != nil {
			c.abort(NewError(ConditionFramingError, err.Error()))
			return
		}
		if !c.route(f.Channel, perf, payload) {
			return
		}
	}
}

// route dispatches one decoded performative. It returns false when the
// dispatcher should stop.
func (c *Connection) route(channel uint16, perf proto.Performative, payload []byte) bool {
	state := c.State()
	if state == ConnStateDiscarding || state == ConnStateCloseSent {
		// After sending close, only the peer's close matters.
		if _, ok := perf.(*proto.Close); !ok {
			return true
		}
	}

	switch p := perf.(type) {
	case *proto.Open:
		c.abort(NewError(ConditionIllegalState, "open received on an opened connection"))
		return false

	case *proto.Close:
		c.handleRemoteClose(p)
		return false

	case *proto.Begin:
		if err := c.handleBegin(channel, p); err != nil {
			c.abort(NewError(ConditionIllegalState, err.Error()))
			return false
		}
		return true

	default:
		c.mu.Lock()
		s := c.sessionsByRemote[channel]
		c.mu.Unlock()
		if s == nil {
			c.abort(NewError(ConditionIllegalState, "frame on unmapped channel"))
			return false
		}
		s.deliver(perf, payload)
		return true
	}
}

// handleBegin maps a begin frame to a session. A begin carrying a
// remote-channel answers one of ours; one without announces a session
// initiated by the peer.
func (c *Connection) handleBegin(channel uint16, begin *proto.Begin) error {
	if begin.RemoteChannel != nil {
		c.mu.Lock()
		s := c.sessionsByLocal[*begin.RemoteChannel]
		if s != nil {
			c.sessionsByRemote[channel] = s
		}
		c.mu.Unlock()
		if s == nil {
			return errors.Errorf("begin for unknown channel %d", *begin.RemoteChannel)
		}
		s.handleRemoteBegin(channel, begin)
		return nil
	}

	// Peer-initiated session.
	c.mu.Lock()
	if c.channels == nil || c.channels.Count() > int(c.channelMax) {
		c.mu.Unlock()
		return errors.New("no channels available for incoming session")
	}
	local, ok := c.channels.Allocate()
	if !ok {
		c.mu.Unlock()
		return errors.New("incoming session: channel numbers exhausted")
	}
	s := newSession(c, uint16(local), SessionOptions{
		IncomingWindow: defaultWindow,
		OutgoingWindow: defaultWindow,
		HandleMax:      proto.DefaultHandleMax,
	})
	c.sessionsByLocal[uint16(local)] = s
	c.sessionsByRemote[channel] = s
	c.mu.Unlock()

	s.acceptRemoteBegin(channel, begin)
	select {
	case c.incomingSessions <- s:
	default:
		log().Warn().Uint16("channel", channel).Msg("incoming session dropped, listener not draining")
		s.endWithError(NewError(ConditionInternalError, "incoming session queue full"))
	}
	return nil
}

func (c *Connection) handleRemoteClose(remoteClose *proto.Close) {
	var remoteErr *Error
	if remoteClose.Error != nil {
		remoteErr = errorFromProto(remoteClose.Error)
	}

	if c.State() == ConnStateCloseSent || c.State() == ConnStateDiscarding {
		c.setState(ConnStateEnd)
	} else {
		c.setState(ConnStateCloseReceived)
		c.writeFrame(0, &proto.Close{}, nil)
	}
	c.remoteDoneOnce.Do(func() { close(c.remoteDone) })
	c.shutdown(remoteErr)
}

// writeFrame encodes a performative and writes it, appending any payload.
func (c *Connection) writeFrame(channel uint16, perf proto.Performative, payload []byte) error {
	var buf bytes.Buffer
	if err := perf.Encode(&buf); err != nil {
		return errors.Wrapf(err, "amqp: encode %s", perf.Name())
	}
	if len(payload) > 0 {
		buf.Write(payload)
	}
	if err := c.fw.WriteFrame(frame.NewAMQPFrame(channel, buf.Bytes())); err != nil {
		return errors.Wrapf(err, "amqp: write %s", perf.Name())
	}
	return nil
}

// maxPayload returns the largest transfer payload that fits one frame on
// this connection, given the encoded size of the transfer performative.
func (c *Connection) maxPayload(perfSize int) int {
	return int(c.remoteMaxFrame) - frame.HeaderSize - perfSize
}

// NewSession begins a session on a free channel and waits for the peer's
// reply.
func (c *Connection) NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if c.State() != ConnStateOpened {
		return nil, ErrConnectionClosed
	}
	opts.applyDefaults()

	c.mu.Lock()
	local, ok := c.channels.Allocate()
	if !ok {
		c.mu.Unlock()
		return nil, ErrChannelMaxReached
	}
	s := newSession(c, uint16(local), opts)
	c.sessionsByLocal[uint16(local)] = s
	c.mu.Unlock()

	if err := s.begin(ctx); err != nil {
		c.mu.Lock()
		delete(c.sessionsByLocal, uint16(local))
		c.channels.Free(local)
		c.mu.Unlock()
		return nil, err
	}
	c.factory.Metrics.SessionBegun()
	return s, nil
}

// IncomingSessions returns the channel on which sessions initiated by the
// peer are delivered.
func (c *Connection) IncomingSessions() <-chan *Session {
	return c.incomingSessions
}

// releaseSession unmaps an ended session and frees its channel.
func (c *Connection) releaseSession(s *Session) {
	c.mu.Lock()
	delete(c.sessionsByLocal, s.localChannel)
	if s.remoteMapped {
		delete(c.sessionsByRemote, s.remoteChannel)
	}
	if c.channels != nil {
		c.channels.Free(uint32(s.localChannel))
	}
	c.mu.Unlock()
	c.factory.Metrics.SessionEnded()
}

// NotifyClose registers a channel that receives the close reason when the
// connection terminates. A nil reason means a clean local close.
func (c *Connection) NotifyClose(ch chan *Error) chan *Error {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	select {
	case <-c.done:
		ch <- c.closeErr
	default:
		c.closeListeners = append(c.closeListeners, ch)
	}
	return ch
}

// Close performs the close handshake and tears down the transport. It
// waits up to closeTimeout for the peer's close frame.
func (c *Connection) Close() error {
	state := c.State()
	if state == ConnStateEnd {
		return nil
	}
	if state == ConnStateOpened {
		c.setState(ConnStateCloseSent)
		if err := c.writeFrame(0, &proto.Close{}, nil); err != nil {
			c.shutdown(nil)
			return err
		}
		select {
		case <-c.remoteDone:
		case <-time.After(closeTimeout):
			log().Warn().Msg("close reply timeout, dropping transport")
		}
	}
	c.shutdown(nil)
	return nil
}

// abort sends close carrying an error and discards the connection.
func (c *Connection) abort(e *Error) {
	log().Error().Str("condition", string(e.Condition)).Str("description", e.Description).Msg("connection error")
	c.setState(ConnStateDiscarding)
	c.writeFrame(0, &proto.Close{Error: e.proto()}, nil)
	c.shutdown(e)
}

// shutdown finishes the connection exactly once: it ends every session,
// closes the transport and notifies close listeners.
func (c *Connection) shutdown(e *Error) {
	c.closeOnce.Do(func() {
		c.closeErr = e
		c.setState(ConnStateEnd)
		close(c.done)

		c.mu.Lock()
		sessions := make([]*Session, 0, len(c.sessionsByLocal))
		for _, s := range c.sessionsByLocal {
			sessions = append(sessions, s)
		}
		c.mu.Unlock()
		for _, s := range sessions {
			s.connectionClosed(e)
		}

		c.conn.Close()

		c.listenerMu.Lock()
		for _, ch := range c.closeListeners {
			select {
			case ch <- e:
			default:
			}
		}
		c.listenerMu.Unlock()

		c.factory.Metrics.ConnectionClosed()
		log().Info().Msg("connection closed")
	})
}
