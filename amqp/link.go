package amqp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/israelio/amqp10-go/internal/util"
	"github.com/pkg/errors"
)

// LinkState tracks a link through the attach/detach handshakes.
type LinkState int32

const (
	LinkStateUnattached LinkState = iota
	LinkStateAttachSent
	LinkStateAttachReceived
	LinkStateAttached
	LinkStateDetachSent
	LinkStateDetachReceived
	LinkStateDetached
)

func (s LinkState) String() string {
	switch s {
	case LinkStateUnattached:
		return "unattached"
	case LinkStateAttachSent:
		return "attach-sent"
	case LinkStateAttachReceived:
		return "attach-received"
	case LinkStateAttached:
		return "attached"
	case LinkStateDetachSent:
		return "detach-sent"
	case LinkStateDetachReceived:
		return "detach-received"
	case LinkStateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// deliveryOutcome is the terminal word on an outgoing delivery.
type deliveryOutcome struct {
	state   proto.DeliveryState
	settled bool
}

// unsettledDelivery tracks an outgoing delivery until it settles. The
// payload is retained so the delivery can be resent after resumption.
type unsettledDelivery struct {
	tag     []byte
	payload []byte

	mu         sync.Mutex
	deliveryID uint32
	state      proto.DeliveryState
	settled    bool

	done *util.BlockingCell[deliveryOutcome]
}

func newUnsettledDelivery(tag, payload []byte) *unsettledDelivery {
	return &unsettledDelivery{
		tag:     tag,
		payload: payload,
		done:    util.NewBlockingCell[deliveryOutcome](),
	}
}

// applyDisposition records the peer's view of the delivery. A terminal
// state or settlement resolves the waiter.
func (ud *unsettledDelivery) applyDisposition(state proto.DeliveryState, settled bool) {
	ud.mu.Lock()
	if state != nil {
		ud.state = state
	}
	if settled {
		ud.settled = true
	}
	resolved := settled || proto.IsTerminal(state)
	outcome := deliveryOutcome{state: ud.state, settled: ud.settled}
	ud.mu.Unlock()
	if resolved {
		ud.done.Set(outcome)
	}
}

func (ud *unsettledDelivery) lastState() proto.DeliveryState {
	ud.mu.Lock()
	defer ud.mu.Unlock()
	return ud.state
}

// attachResult is the outcome of an attach exchange.
type attachResult struct {
	attach *proto.Attach
	err    error
}

// link is the state shared by Sender and Receiver. Remote-driven
// transitions run on the session processor goroutine.
type link struct {
	session *Session
	name    string
	role    bool
	opts    LinkOptions

	outputHandle uint32
	inputHandle  uint32
	inputMapped  bool

	state atomic.Int32

	// Agreed once attached.
	sndSettleMode  uint8
	rcvSettleMode  uint8
	maxMessageSize uint64
	remoteSource   *proto.Source
	remoteTarget   *proto.Target
	remoteUnsettled proto.Unsettled

	flow *flowState

	attached *util.BlockingCell[attachResult]

	detachMu    sync.Mutex
	detachErr   *Error
	detachSent  bool
	closeSent   bool
	detachOnce  sync.Once
	detachedCh  chan struct{}
	remoteAgain *util.BlockingCell[*proto.Detach]

	// Receiver hooks, nil on sender links.
	onTransfer   func(*proto.Transfer, []byte)
	onSettlement func(deliveryID uint32, state proto.DeliveryState, settled bool)
	onDrained    func()
}

func newLink(s *Session, role bool, opts LinkOptions) *link {
	if opts.Name == "" {
		opts.Name = uuid.NewString()
	}
	var initialDC uint32
	return &link{
		session:     s,
		name:        opts.Name,
		role:        role,
		opts:        opts,
		flow:        newFlowState(initialDC),
		attached:    util.NewBlockingCell[attachResult](),
		detachedCh:  make(chan struct{}),
		remoteAgain: util.NewBlockingCell[*proto.Detach](),
	}
}

func (l *link) setState(s LinkState) {
	l.state.Store(int32(s))
}

func (l *link) linkState() LinkState {
	return LinkState(l.state.Load())
}

// localAttach builds our attach. Each party describes its own terminus
// authoritatively and the peer's terminus as a request.
func (l *link) localAttach() *proto.Attach {
	attach := &proto.Attach{
		Name_:          l.name,
		Handle:         l.outputHandle,
		Role:           l.role,
		SndSettleMode:  l.opts.SenderSettleMode,
		RcvSettleMode:  l.opts.ReceiverSettleMode,
		MaxMessageSize: l.opts.MaxMessageSize,
	}
	if l.role == proto.RoleSender {
		attach.Source = &proto.Source{Durable: uint32(l.opts.Durability)}
		attach.Target = &proto.Target{Address: l.opts.Address}
		dc, _, _, _ := l.flow.snapshot()
		attach.InitialDeliveryCount = &dc
	} else {
		attach.Source = &proto.Source{Address: l.opts.Address, Durable: uint32(l.opts.Durability)}
		attach.Target = &proto.Target{}
	}
	if len(l.opts.unsettled) > 0 {
		attach.Unsettled = make(proto.Unsettled, len(l.opts.unsettled))
		for tag, ud := range l.opts.unsettled {
			attach.Unsettled[tag] = ud.lastState()
		}
	}
	return attach
}

// attach binds the link, sends attach and waits for the peer's reply.
func (l *link) attach(ctx context.Context) error {
	if err := l.session.bindLink(l); err != nil {
		return err
	}
	l.setState(LinkStateAttachSent)
	if err := l.session.conn.writeFrame(l.session.localChannel, l.localAttach(), nil); err != nil {
		l.session.unbindLink(l)
		return err
	}

	select {
	case <-l.attached.Done():
	case <-l.detachedCh:
		return l.detachError()
	case <-l.session.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	result := l.attached.Get()
	if result.err != nil {
		l.session.unbindLink(l)
		return result.err
	}
	l.session.conn.factory.Metrics.LinkAttached()
	return nil
}

// handleRemoteAttach completes the attach exchange. Runs on the session
// processor goroutine.
func (l *link) handleRemoteAttach(attach *proto.Attach) {
	l.inputHandle = attach.Handle
	l.inputMapped = true
	l.remoteSource = attach.Source
	l.remoteTarget = attach.Target
	l.remoteUnsettled = attach.Unsettled

	// The peer's reply carries its authoritative terminus; a null
	// terminus means the link was refused and must be closed.
	refused := (l.role == proto.RoleSender && attach.Target == nil) ||
		(l.role == proto.RoleReceiver && attach.Source == nil)
	if refused {
		l.setState(LinkStateDetachSent)
		l.detachMu.Lock()
		l.detachSent = true
		l.closeSent = true
		l.detachMu.Unlock()
		l.session.conn.writeFrame(l.session.localChannel, &proto.Detach{Handle: l.outputHandle, Closed: true}, nil)
		l.attached.Set(attachResult{err: ErrLinkRefused})
		return
	}

	if err := l.negotiateSettleModes(attach); err != nil {
		l.setState(LinkStateDetachSent)
		l.detachMu.Lock()
		l.detachSent = true
		l.closeSent = true
		l.detachMu.Unlock()
		detachErr := &proto.Error{Condition: proto.ConditionNotAllowed, Description: err.Error()}
		l.session.conn.writeFrame(l.session.localChannel, &proto.Detach{Handle: l.outputHandle, Closed: true, Error: detachErr}, nil)
		l.attached.Set(attachResult{err: err})
		return
	}

	l.maxMessageSize = attach.MaxMessageSize
	if l.role == proto.RoleReceiver {
		l.flow.updateFromSender(&proto.Flow{DeliveryCount: attach.InitialDeliveryCount})
	}

	l.setState(LinkStateAttached)
	l.attached.Set(attachResult{attach: attach})
}

// negotiateSettleModes reconciles the peer's reply modes with ours,
// applying the configured fallback when the peer insists on a mode we
// did not offer.
func (l *link) negotiateSettleModes(reply *proto.Attach) error {
	snd := proto.SenderSettleMixed
	if l.opts.SenderSettleMode != nil {
		snd = *l.opts.SenderSettleMode
	}
	if reply.SndSettleMode != nil && *reply.SndSettleMode != snd {
		switch {
		case l.opts.FallbackSettleMode != nil:
			snd = *l.opts.FallbackSettleMode
		case snd == proto.SenderSettleMixed:
			snd = *reply.SndSettleMode
		default:
			return errors.Wrapf(ErrLinkDetached, "peer requires snd-settle-mode %d", *reply.SndSettleMode)
		}
	}
	l.sndSettleMode = snd

	rcv := proto.ReceiverSettleFirst
	if l.opts.ReceiverSettleMode != nil {
		rcv = *l.opts.ReceiverSettleMode
	}
	if reply.RcvSettleMode != nil && *reply.RcvSettleMode != rcv {
		if l.opts.FallbackSettleMode != nil {
			rcv = *l.opts.FallbackSettleMode
		} else {
			rcv = *reply.RcvSettleMode
		}
	}
	l.rcvSettleMode = rcv
	return nil
}

// acceptRemoteAttach answers a peer-initiated attach. Runs on the caller
// of IncomingLink.Accept*.
func (l *link) acceptRemoteAttach(attach *proto.Attach) error {
	if err := l.session.bindLink(l); err != nil {
		return err
	}
	l.inputHandle = attach.Handle
	l.inputMapped = true
	l.remoteSource = attach.Source
	l.remoteTarget = attach.Target
	l.remoteUnsettled = attach.Unsettled
	l.maxMessageSize = attach.MaxMessageSize
	l.sndSettleMode = proto.SenderSettleMixed
	if attach.SndSettleMode != nil {
		l.sndSettleMode = *attach.SndSettleMode
	}
	l.rcvSettleMode = proto.ReceiverSettleFirst
	if attach.RcvSettleMode != nil {
		l.rcvSettleMode = *attach.RcvSettleMode
	}
	if l.role == proto.RoleReceiver {
		l.flow.updateFromSender(&proto.Flow{DeliveryCount: attach.InitialDeliveryCount})
	}

	l.session.mu.Lock()
	l.session.linksByInput[attach.Handle] = l
	l.session.mu.Unlock()

	reply := l.localAttach()
	// Echo the peer's requested terminus for the side it owns and
	// confirm the side we own.
	if l.role == proto.RoleReceiver {
		reply.Source = attach.Source
		reply.Target = &proto.Target{Address: addressOf(attach.Target)}
	} else {
		reply.Source = &proto.Source{Address: addressOf(attach.Source)}
		reply.Target = attach.Target
	}
	if err := l.session.conn.writeFrame(l.session.localChannel, reply, nil); err != nil {
		l.session.unbindLink(l)
		return err
	}
	l.setState(LinkStateAttached)
	l.attached.Set(attachResult{attach: attach})
	l.session.conn.factory.Metrics.LinkAttached()
	return nil
}

func addressOf(t any) string {
	switch v := t.(type) {
	case *proto.Source:
		if v != nil {
			return v.Address
		}
	case *proto.Target:
		if v != nil {
			return v.Address
		}
	}
	return ""
}

// handleRemoteFlow applies a link-level flow. Runs on the session
// processor goroutine.
func (l *link) handleRemoteFlow(f *proto.Flow) {
	if l.role == proto.RoleSender {
		l.flow.applyRemoteFlow(f)
		if f.Drain {
			dc, _ := l.flow.drainCredit()
			zero := uint32(0)
			l.sendFlow(&proto.Flow{DeliveryCount: &dc, LinkCredit: &zero, Drain: true})
			return
		}
		if f.Echo {
			l.echoFlow()
		}
		return
	}

	// Receiver side: the sender reports its position.
	l.flow.updateFromSender(f)
	if f.Drain {
		l.flow.clearCredit()
		if l.onDrained != nil {
			l.onDrained()
		}
	}
	if f.Echo {
		l.echoFlow()
	}
}

// sendFlow emits a link flow with session windows attached.
func (l *link) sendFlow(fields *proto.Flow) {
	fields.Handle = &l.outputHandle
	l.session.sendFlow(fields)
}

// echoFlow reports current link state.
func (l *link) echoFlow() {
	dc, credit, avail, drain := l.flow.snapshot()
	l.sendFlow(&proto.Flow{DeliveryCount: &dc, LinkCredit: &credit, Available: &avail, Drain: drain})
}

func (l *link) handleTransfer(t *proto.Transfer, payload []byte) {
	if l.onTransfer != nil {
		l.onTransfer(t, payload)
	}
}

func (l *link) handleSenderDisposition(deliveryID uint32, state proto.DeliveryState, settled bool) {
	if l.onSettlement != nil {
		l.onSettlement(deliveryID, state, settled)
	}
}

// detach runs the detach handshake. closed requests link termination;
// a non-closing detach suspends the link keeping its state for
// resumption.
func (l *link) detach(ctx context.Context, closed bool, e *Error) error {
	l.detachMu.Lock()
	if l.detachSent {
		l.detachMu.Unlock()
		select {
		case <-l.detachedCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	l.detachSent = true
	l.closeSent = closed
	l.detachMu.Unlock()

	l.setState(LinkStateDetachSent)
	d := &proto.Detach{Handle: l.outputHandle, Closed: closed}
	if e != nil {
		d.Error = e.proto()
	}
	if err := l.session.conn.writeFrame(l.session.localChannel, d, nil); err != nil {
		return err
	}

	select {
	case <-l.detachedCh:
		return nil
	case <-l.session.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleRemoteDetach runs on the session processor goroutine.
func (l *link) handleRemoteDetach(d *proto.Detach) {
	var remoteErr *Error
	if d.Error != nil {
		remoteErr = errorFromProto(d.Error)
	}

	l.detachMu.Lock()
	initiated := l.detachSent
	sentClosing := l.closeSent
	l.detachMu.Unlock()

	if !initiated {
		// Peer initiated: echo the detach at the same severity.
		l.setState(LinkStateDetachReceived)
		l.session.conn.writeFrame(l.session.localChannel, &proto.Detach{Handle: l.outputHandle, Closed: d.Closed}, nil)
		l.finishDetach(d.Closed, remoteErr)
		return
	}

	if d.Closed && !sentClosing {
		// We asked to suspend but the peer closed. The link must be
		// fully closed: reattach it, then close it properly.
		log().Debug().Str("link", l.name).Msg("suspend answered by close, reattaching to close")
		l.session.conn.writeFrame(l.session.localChannel, l.localAttach(), nil)
		l.session.conn.writeFrame(l.session.localChannel, &proto.Detach{Handle: l.outputHandle, Closed: true}, nil)
	}
	l.finishDetach(d.Closed || sentClosing, remoteErr)
}

// finishDetach tears the link down exactly once.
func (l *link) finishDetach(closed bool, e *Error) {
	l.detachOnce.Do(func() {
		l.detachErr = e
		l.setState(LinkStateDetached)
		log().Debug().Str("link", l.name).Bool("closed", closed).Msg("link detached")
		// The session tables clear for suspended links too; resumption
		// state travels in the new attach's unsettled map, not here.
		l.session.unbindLink(l)
		close(l.detachedCh)
		l.session.conn.factory.Metrics.LinkDetached()
	})
}

// sessionEnded force-detaches the link when its session unmaps.
func (l *link) sessionEnded(e *Error) {
	l.detachOnce.Do(func() {
		if e == nil {
			e = NewError(ConditionDetachForced, "session ended")
		}
		l.detachErr = e
		l.setState(LinkStateDetached)
		close(l.detachedCh)
		l.session.conn.factory.Metrics.LinkDetached()
	})
}

func (l *link) detachError() error {
	if l.detachErr != nil {
		return l.detachErr
	}
	return ErrLinkDetached
}

// Detached is closed when the link leaves the attached state.
func (l *link) Detached() <-chan struct{} {
	return l.detachedCh
}

// IncomingLink is an attach initiated by the peer, awaiting a local
// decision.
type IncomingLink struct {
	session *Session
	attach  *proto.Attach
}

// Name returns the peer's link name.
func (il *IncomingLink) Name() string { return il.attach.Name_ }

// SenderInitiated reports whether the peer attached as the sender, which
// means accepting yields a Receiver.
func (il *IncomingLink) SenderInitiated() bool { return il.attach.Role == proto.RoleSender }

// Address returns the address of the terminus the peer is asking this
// side to provide.
func (il *IncomingLink) Address() string {
	if il.SenderInitiated() {
		return addressOf(il.attach.Target)
	}
	return addressOf(il.attach.Source)
}

// AcceptReceiver accepts a peer sender's attach, producing the receiving
// end of the link.
func (il *IncomingLink) AcceptReceiver(opts LinkOptions) (*Receiver, error) {
	if !il.SenderInitiated() {
		return nil, errors.New("amqp: peer attached as receiver, accept a sender instead")
	}
	opts.Name = il.attach.Name_
	if opts.Address == "" {
		opts.Address = il.Address()
	}
	r := newReceiver(il.session, opts)
	if err := r.link.acceptRemoteAttach(il.attach); err != nil {
		return nil, err
	}
	r.startFlow()
	return r, nil
}

// AcceptSender accepts a peer receiver's attach, producing the sending
// end of the link.
func (il *IncomingLink) AcceptSender(opts LinkOptions) (*Sender, error) {
	if il.SenderInitiated() {
		return nil, errors.New("amqp: peer attached as sender, accept a receiver instead")
	}
	opts.Name = il.attach.Name_
	if opts.Address == "" {
		opts.Address = il.Address()
	}
	snd := newSender(il.session, opts)
	if err := snd.link.acceptRemoteAttach(il.attach); err != nil {
		return nil, err
	}
	return snd, nil
}

// Reject declines the attach with a null terminus.
func (il *IncomingLink) Reject() {
	il.session.refuseAttach(il.attach)
}
