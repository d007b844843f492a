package amqp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/israelio/amqp10-go/internal/util"
)

// SessionState tracks a session through the begin/end handshakes.
type SessionState int32

const (
	SessionStateUnmapped SessionState = iota
	SessionStateBeginSent
	SessionStateBeginReceived
	SessionStateMapped
	SessionStateEndSent
	SessionStateEndReceived
	SessionStateDiscarding
)

func (s SessionState) String() string {
	switch s {
	case SessionStateUnmapped:
		return "unmapped"
	case SessionStateBeginSent:
		return "begin-sent"
	case SessionStateBeginReceived:
		return "begin-received"
	case SessionStateMapped:
		return "mapped"
	case SessionStateEndSent:
		return "end-sent"
	case SessionStateEndReceived:
		return "end-received"
	case SessionStateDiscarding:
		return "discarding"
	default:
		return "unknown"
	}
}

const defaultWindow = 2048

func (o *SessionOptions) applyDefaults() {
	if o.IncomingWindow == 0 {
		o.IncomingWindow = defaultWindow
	}
	if o.OutgoingWindow == 0 {
		o.OutgoingWindow = defaultWindow
	}
	if o.HandleMax == 0 {
		o.HandleMax = proto.DefaultHandleMax
	}
}

// incomingFrame is a performative routed to a session by the connection
// dispatcher.
type incomingFrame struct {
	perf    proto.Performative
	payload []byte
}

// Session multiplexes links over a channel pair. All frames for the
// session are processed by a single goroutine, so link state transitions
// driven by the peer are serialized.
type Session struct {
	conn          *Connection
	localChannel  uint16
	remoteChannel uint16
	remoteMapped  bool

	opts  SessionOptions
	state atomic.Int32

	inbound chan incomingFrame
	begun   *util.BlockingCell[*proto.Begin]
	ended   *util.BlockingCell[*Error]
	done    chan struct{}

	mu              sync.Mutex
	handles         *util.IDAllocator
	linksByOutput   map[uint32]*link
	linksByInput    map[uint32]*link
	linksByName     map[string]*link
	remoteHandleMax uint32

	incomingLinks chan *IncomingLink

	// Transfer windows and delivery-id counters. sendMu serializes
	// whole deliveries so multi-frame transfers are not interleaved
	// with delivery-id assignment by other links.
	sendMu               sync.Mutex
	flowMu               sync.Mutex
	nextOutgoingID       uint32
	nextIncomingID       uint32
	incomingWindow       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32
	windowNotify         chan struct{}
	nextDeliveryID       uint32

	deliveriesOut map[uint32]*unsettledDelivery
	deliveriesIn  map[uint32]*link
}

func newSession(conn *Connection, localChannel uint16, opts SessionOptions) *Session {
	s := &Session{
		conn:           conn,
		localChannel:   localChannel,
		opts:           opts,
		inbound:        make(chan incomingFrame, 32),
		begun:          util.NewBlockingCell[*proto.Begin](),
		ended:          util.NewBlockingCell[*Error](),
		done:           make(chan struct{}),
		handles:        util.NewIDAllocator(opts.HandleMax),
		linksByOutput:  make(map[uint32]*link),
		linksByInput:   make(map[uint32]*link),
		linksByName:    make(map[string]*link),
		incomingLinks:  make(chan *IncomingLink, 8),
		incomingWindow: opts.IncomingWindow,
		windowNotify:   make(chan struct{}),
		deliveriesOut:  make(map[uint32]*unsettledDelivery),
		deliveriesIn:   make(map[uint32]*link),
	}
	return s
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Channel returns the locally chosen channel number.
func (s *Session) Channel() uint16 {
	return s.localChannel
}

func (s *Session) localBegin() *proto.Begin {
	return &proto.Begin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.opts.IncomingWindow,
		OutgoingWindow: s.opts.OutgoingWindow,
		HandleMax:      s.opts.HandleMax,
	}
}

// begin sends our begin and waits for the peer's reply.
func (s *Session) begin(ctx context.Context) error {
	s.setState(SessionStateBeginSent)
	if err := s.conn.writeFrame(s.localChannel, s.localBegin(), nil); err != nil {
		return err
	}
	select {
	case <-s.begun.Done():
		return nil
	case <-s.conn.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleRemoteBegin completes a locally initiated begin. Runs on the
// connection dispatcher goroutine.
func (s *Session) handleRemoteBegin(remoteChannel uint16, begin *proto.Begin) {
	s.remoteChannel = remoteChannel
	s.remoteMapped = true
	s.applyRemoteBegin(begin)
	s.setState(SessionStateMapped)
	go s.frameProcessor()
	s.begun.Set(begin)
}

// acceptRemoteBegin answers a peer-initiated begin.
func (s *Session) acceptRemoteBegin(remoteChannel uint16, begin *proto.Begin) {
	s.remoteChannel = remoteChannel
	s.remoteMapped = true
	s.setState(SessionStateBeginReceived)
	s.applyRemoteBegin(begin)

	reply := s.localBegin()
	reply.RemoteChannel = &remoteChannel
	s.conn.writeFrame(s.localChannel, reply, nil)
	s.setState(SessionStateMapped)
	go s.frameProcessor()
	s.begun.Set(begin)
	s.conn.factory.Metrics.SessionBegun()
}

func (s *Session) applyRemoteBegin(begin *proto.Begin) {
	s.flowMu.Lock()
	s.nextIncomingID = begin.NextOutgoingID
	s.remoteIncomingWindow = begin.IncomingWindow
	s.remoteOutgoingWindow = begin.OutgoingWindow
	s.flowMu.Unlock()
	s.mu.Lock()
	s.remoteHandleMax = begin.HandleMax
	s.mu.Unlock()
}

// deliver hands a routed frame to the session processor. Called from the
// connection dispatcher; blocking here applies backpressure to the whole
// connection, which is what the transfer window is for.
func (s *Session) deliver(perf proto.Performative, payload []byte) {
	select {
	case s.inbound <- incomingFrame{perf: perf, payload: payload}:
	case <-s.done:
	}
}

func (s *Session) frameProcessor() {
	for {
		select {
		case f := <-s.inbound:
			if !s.process(f.perf, f.payload) {
				return
			}
		case <-s.done:
			return
		case <-s.conn.done:
			return
		}
	}
}

func (s *Session) process(perf proto.Performative, payload []byte) bool {
	switch p := perf.(type) {
	case *proto.Attach:
		s.processAttach(p)
	case *proto.Flow:
		s.processFlow(p)
	case *proto.Transfer:
		return s.processTransfer(p, payload)
	case *proto.Disposition:
		s.processDisposition(p)
	case *proto.Detach:
		s.processDetach(p)
	case *proto.End:
		s.processEnd(p)
		return false
	default:
		s.endWithError(NewError(ConditionIllegalState, "unexpected "+perf.Name()+" on session"))
		return false
	}
	return true
}

func (s *Session) processAttach(attach *proto.Attach) {
	s.mu.Lock()
	l := s.linksByName[attach.Name_]
	if l != nil {
		s.linksByInput[attach.Handle] = l
	}
	s.mu.Unlock()

	if l != nil {
		l.handleRemoteAttach(attach)
		return
	}

	// Peer-initiated link.
	il := &IncomingLink{session: s, attach: attach}
	select {
	case s.incomingLinks <- il:
	default:
		log().Warn().Str("link", attach.Name_).Msg("incoming attach dropped, listener not draining")
		s.refuseAttach(attach)
	}
}

// refuseAttach answers an attach with a null-terminus attach followed by
// a closing detach, declining the link.
func (s *Session) refuseAttach(attach *proto.Attach) {
	s.mu.Lock()
	handle, ok := s.handles.Allocate()
	s.mu.Unlock()
	if !ok {
		s.endWithError(NewError(ConditionIllegalState, "handle-max exceeded"))
		return
	}
	reply := &proto.Attach{
		Name_:  attach.Name_,
		Handle: handle,
		Role:   !attach.Role,
	}
	if reply.Role == proto.RoleSender {
		dc := uint32(0)
		reply.InitialDeliveryCount = &dc
	}
	s.conn.writeFrame(s.localChannel, reply, nil)
	s.conn.writeFrame(s.localChannel, &proto.Detach{Handle: handle, Closed: true}, nil)
	s.mu.Lock()
	s.handles.Free(handle)
	s.mu.Unlock()
}

func (s *Session) processFlow(flow *proto.Flow) {
	s.flowMu.Lock()
	// The peer's incoming window is recomputed from its snapshot of our
	// outgoing position, not decremented locally.
	if flow.NextIncomingID != nil {
		s.remoteIncomingWindow = *flow.NextIncomingID + flow.IncomingWindow - s.nextOutgoingID
	} else {
		s.remoteIncomingWindow = flow.IncomingWindow
	}
	s.remoteOutgoingWindow = flow.OutgoingWindow
	s.nextIncomingID = flow.NextOutgoingID
	s.notifyWindowLocked()
	s.flowMu.Unlock()

	if flow.Handle != nil {
		s.mu.Lock()
		l := s.linksByInput[*flow.Handle]
		s.mu.Unlock()
		if l == nil {
			s.endWithError(NewError(ConditionUnattachedHandle, "flow for unattached handle"))
			return
		}
		l.handleRemoteFlow(flow)
		return
	}

	if flow.Echo {
		s.sendFlow(nil)
	}
}

// sendFlow emits a flow frame with current session windows, optionally
// carrying link fields.
func (s *Session) sendFlow(link *proto.Flow) {
	s.flowMu.Lock()
	f := &proto.Flow{
		NextIncomingID: ptrUint32(s.nextIncomingID),
		IncomingWindow: s.incomingWindow,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.opts.OutgoingWindow,
	}
	s.flowMu.Unlock()
	if link != nil {
		f.Handle = link.Handle
		f.DeliveryCount = link.DeliveryCount
		f.LinkCredit = link.LinkCredit
		f.Available = link.Available
		f.Drain = link.Drain
		f.Echo = link.Echo
	}
	s.conn.writeFrame(s.localChannel, f, nil)
}

func (s *Session) processTransfer(transfer *proto.Transfer, payload []byte) bool {
	s.flowMu.Lock()
	if s.incomingWindow == 0 {
		s.flowMu.Unlock()
		s.endWithError(NewError(ConditionWindowViolation, "transfer exceeded incoming window"))
		return false
	}
	s.nextIncomingID++
	s.incomingWindow--
	replenish := s.incomingWindow <= s.opts.IncomingWindow/2
	if replenish {
		s.incomingWindow = s.opts.IncomingWindow
	}
	s.flowMu.Unlock()

	s.mu.Lock()
	l := s.linksByInput[transfer.Handle]
	if l != nil && transfer.DeliveryID != nil {
		s.deliveriesIn[*transfer.DeliveryID] = l
	}
	s.mu.Unlock()
	if l == nil {
		s.endWithError(NewError(ConditionUnattachedHandle, "transfer for unattached handle"))
		return false
	}
	l.handleTransfer(transfer, payload)

	if replenish {
		s.sendFlow(nil)
	}
	return true
}

func (s *Session) processDisposition(d *proto.Disposition) {
	last := d.First
	if d.Last != nil && *d.Last > d.First {
		last = *d.Last
	} else if d.Last != nil && *d.Last < d.First {
		log().Warn().Uint32("first", d.First).Uint32("last", *d.Last).Msg("disposition range reversed, treating as single delivery")
	}
	for id := d.First; ; id++ {
		if d.Role == proto.RoleReceiver {
			s.mu.Lock()
			ud := s.deliveriesOut[id]
			if ud != nil && d.Settled {
				delete(s.deliveriesOut, id)
			}
			s.mu.Unlock()
			if ud != nil {
				ud.applyDisposition(d.State, d.Settled)
				if d.Settled {
					s.conn.factory.Metrics.DeliverySettled()
				}
			}
		} else {
			s.mu.Lock()
			l := s.deliveriesIn[id]
			if l != nil && d.Settled {
				delete(s.deliveriesIn, id)
			}
			s.mu.Unlock()
			if l != nil {
				l.handleSenderDisposition(id, d.State, d.Settled)
			}
		}
		if id == last {
			break
		}
	}
}

func (s *Session) processDetach(detach *proto.Detach) {
	s.mu.Lock()
	l := s.linksByInput[detach.Handle]
	s.mu.Unlock()
	if l == nil {
		// The echo of a detach we already completed, e.g. after
		// refusing an attach. Not a session error.
		log().Debug().Uint32("handle", detach.Handle).Msg("detach for unknown handle ignored")
		return
	}
	l.handleRemoteDetach(detach)
}

func (s *Session) processEnd(end *proto.End) {
	var remoteErr *Error
	if end.Error != nil {
		remoteErr = errorFromProto(end.Error)
	}
	if s.State() == SessionStateEndSent || s.State() == SessionStateDiscarding {
		s.finish(remoteErr)
		return
	}
	s.setState(SessionStateEndReceived)
	s.conn.writeFrame(s.localChannel, &proto.End{}, nil)
	s.finish(remoteErr)
}

// finish unmaps the session exactly once, detaching every link.
func (s *Session) finish(e *Error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.setState(SessionStateUnmapped)
	close(s.done)

	s.mu.Lock()
	links := make([]*link, 0, len(s.linksByName))
	for _, l := range s.linksByName {
		links = append(links, l)
	}
	s.mu.Unlock()
	for _, l := range links {
		l.sessionEnded(e)
	}

	s.conn.releaseSession(s)
	s.ended.Set(e)
}

// endWithError ends the session carrying a protocol error.
func (s *Session) endWithError(e *Error) {
	log().Error().
		Uint16("channel", s.localChannel).
		Str("condition", string(e.Condition)).
		Str("description", e.Description).
		Msg("session error")
	s.setState(SessionStateDiscarding)
	s.conn.writeFrame(s.localChannel, &proto.End{Error: e.proto()}, nil)
	s.finish(e)
}

// connectionClosed force-unmaps the session when the connection dies.
func (s *Session) connectionClosed(e *Error) {
	if e == nil {
		e = NewError(ConditionConnectionForced, "connection closed")
	}
	s.finish(e)
}

// End performs the end handshake and unmaps the session.
func (s *Session) End(ctx context.Context) error {
	if s.State() != SessionStateMapped {
		return ErrSessionClosed
	}
	s.setState(SessionStateEndSent)
	if err := s.conn.writeFrame(s.localChannel, &proto.End{}, nil); err != nil {
		return err
	}
	select {
	case <-s.ended.Done():
		return nil
	case <-s.conn.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the session is unmapped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() *Error {
	if !s.ended.IsSet() {
		return nil
	}
	return s.ended.Get()
}

// IncomingLinks returns the channel on which attaches initiated by the
// peer are delivered.
func (s *Session) IncomingLinks() <-chan *IncomingLink {
	return s.incomingLinks
}

// bindLink registers a link under its name and a fresh output handle.
func (s *Session) bindLink(l *link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.linksByName[l.name]; exists {
		return ErrDuplicateLinkName
	}
	handle, ok := s.handles.Allocate()
	if !ok {
		return ErrHandleMaxReached
	}
	l.outputHandle = handle
	s.linksByName[l.name] = l
	s.linksByOutput[handle] = l
	return nil
}

// unbindLink removes a detached link from the session tables.
func (s *Session) unbindLink(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linksByName[l.name] == l {
		delete(s.linksByName, l.name)
	}
	delete(s.linksByOutput, l.outputHandle)
	if l.inputMapped {
		delete(s.linksByInput, l.inputHandle)
	}
	s.handles.Free(l.outputHandle)
}

func (s *Session) notifyWindowLocked() {
	close(s.windowNotify)
	s.windowNotify = make(chan struct{})
}

// sendDelivery writes every frame of one delivery in order, assigning the
// delivery-id to the first frame and gating each frame on the peer's
// incoming window. Holding sendMu for the whole delivery keeps
// delivery-ids consecutive in wire order.
func (s *Session) sendDelivery(ctx context.Context, transfers []*proto.Transfer, payloads [][]byte, ud *unsettledDelivery) (uint32, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.flowMu.Lock()
	deliveryID := s.nextDeliveryID
	s.nextDeliveryID++
	s.flowMu.Unlock()

	// Register before the first frame is written so a fast peer's
	// disposition always finds the delivery.
	if ud != nil {
		ud.deliveryID = deliveryID
		s.registerOutgoing(deliveryID, ud)
	}

	for i, t := range transfers {
		if i == 0 {
			t.DeliveryID = &deliveryID
		}
		if err := s.waitSendWindow(ctx); err != nil {
			return deliveryID, err
		}
		if err := s.conn.writeFrame(s.localChannel, t, payloads[i]); err != nil {
			return deliveryID, err
		}
		s.flowMu.Lock()
		s.nextOutgoingID++
		s.remoteIncomingWindow--
		s.flowMu.Unlock()
	}
	return deliveryID, nil
}

// registerOutgoing tracks an unsettled outgoing delivery by id.
func (s *Session) registerOutgoing(id uint32, ud *unsettledDelivery) {
	s.mu.Lock()
	s.deliveriesOut[id] = ud
	s.mu.Unlock()
}

// waitSendWindow blocks until the peer's incoming window admits a frame.
func (s *Session) waitSendWindow(ctx context.Context) error {
	for {
		s.flowMu.Lock()
		if s.remoteIncomingWindow > 0 {
			s.flowMu.Unlock()
			return nil
		}
		notify := s.windowNotify
		s.flowMu.Unlock()

		log().Debug().Uint16("channel", s.localChannel).Msg("blocked on peer incoming window")
		select {
		case <-notify:
		case <-s.done:
			return ErrSessionClosed
		case <-s.conn.done:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func ptrUint32(v uint32) *uint32 { return &v }
