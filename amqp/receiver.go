package amqp

import (
	"context"
	"sync"

	"github.com/israelio/amqp10-go/internal/encoding"
	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/israelio/amqp10-go/internal/util"
	"github.com/pkg/errors"
)

// Receiver is the receiving end of a link. Deliveries arrive on Receive
// once a complete (possibly multi-frame) transfer has been reassembled.
type Receiver struct {
	link       *link
	deliveries chan *Delivery

	// partial is the delivery currently being reassembled. Continuation
	// frames carry no tag, so at most one delivery is in flight per link
	// at a time.
	partial *partialDelivery

	mu          sync.Mutex
	settleWaits map[uint32]*util.BlockingCell[struct{}]
	drainWait   chan struct{}
}

// partialDelivery accumulates a multi-frame transfer.
type partialDelivery struct {
	tag     []byte
	id      uint32
	format  uint32
	settled bool
	buf     []byte
}

func newReceiver(s *Session, opts LinkOptions) *Receiver {
	r := &Receiver{
		deliveries:  make(chan *Delivery, 64),
		settleWaits: make(map[uint32]*util.BlockingCell[struct{}]),
	}
	r.link = newLink(s, proto.RoleReceiver, opts)
	r.link.onTransfer = r.handleTransfer
	r.link.onSettlement = r.handleSettlement
	r.link.onDrained = r.handleDrained
	return r
}

// NewReceiver attaches a receiving link on the session. When opts.Credit
// is set, that much credit is issued immediately and topped back up as
// deliveries settle.
func (s *Session) NewReceiver(ctx context.Context, opts LinkOptions) (*Receiver, error) {
	r := newReceiver(s, opts)
	if err := r.link.attach(ctx); err != nil {
		return nil, err
	}
	r.startFlow()
	return r, nil
}

// Name returns the link name.
func (r *Receiver) Name() string { return r.link.name }

// State returns the link's lifecycle state.
func (r *Receiver) State() LinkState { return r.link.linkState() }

// Detached is closed when the link leaves the attached state.
func (r *Receiver) Detached() <-chan struct{} { return r.link.Detached() }

// Close terminates the link with a closing detach.
func (r *Receiver) Close(ctx context.Context) error {
	return r.link.detach(ctx, true, nil)
}

// Suspend detaches the link without closing it.
func (r *Receiver) Suspend(ctx context.Context) error {
	return r.link.detach(ctx, false, nil)
}

func (r *Receiver) startFlow() {
	if r.link.opts.Credit > 0 {
		r.link.flow.issueCredit(r.link.opts.Credit)
		r.sendLinkFlow()
	}
}

// IssueCredit grants the sender n more transfers.
func (r *Receiver) IssueCredit(n uint32) error {
	if r.link.linkState() != LinkStateAttached {
		return r.link.detachError()
	}
	r.link.flow.issueCredit(n)
	r.sendLinkFlow()
	return nil
}

// Drain asks the sender to use up all outstanding credit immediately and
// blocks until the sender confirms the credit is gone.
func (r *Receiver) Drain(ctx context.Context) error {
	if r.link.linkState() != LinkStateAttached {
		return r.link.detachError()
	}
	r.mu.Lock()
	wait := make(chan struct{})
	r.drainWait = wait
	r.mu.Unlock()

	dc, credit, _, _ := r.link.flow.snapshot()
	r.link.sendFlow(&proto.Flow{DeliveryCount: &dc, LinkCredit: &credit, Drain: true})

	select {
	case <-wait:
		return nil
	case <-r.link.detachedCh:
		return r.link.detachError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a complete delivery arrives.
func (r *Receiver) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case d := <-r.deliveries:
		return d, nil
	case <-r.link.detachedCh:
		// Drain anything reassembled before the detach.
		select {
		case d := <-r.deliveries:
			return d, nil
		default:
			return nil, r.link.detachError()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Receiver) sendLinkFlow() {
	dc, credit, _, drain := r.link.flow.snapshot()
	r.link.sendFlow(&proto.Flow{DeliveryCount: &dc, LinkCredit: &credit, Drain: drain})
}

// handleTransfer runs on the session processor goroutine.
func (r *Receiver) handleTransfer(t *proto.Transfer, payload []byte) {
	if t.Aborted {
		r.partial = nil
		r.link.flow.onTransferReceived()
		r.link.session.conn.factory.Metrics.DeliveryAborted()
		return
	}

	if r.partial == nil {
		p := &partialDelivery{tag: t.DeliveryTag, settled: t.Settled}
		if t.DeliveryID != nil {
			p.id = *t.DeliveryID
		}
		if t.MessageFormat != nil {
			p.format = *t.MessageFormat
		}
		r.partial = p
	}
	if t.Settled {
		r.partial.settled = true
	}
	r.partial.buf = append(r.partial.buf, payload...)
	if t.More {
		return
	}

	p := r.partial
	r.partial = nil
	r.link.flow.onTransferReceived()

	// A payloadless resuming transfer restates an outcome reached before
	// the link was suspended; confirm and settle it.
	if t.Resume && len(p.buf) == 0 {
		if proto.IsTerminal(t.State) && !t.Settled {
			r.link.session.conn.writeFrame(r.link.session.localChannel, &proto.Disposition{
				Role:    proto.RoleReceiver,
				First:   p.id,
				Settled: true,
				State:   t.State,
			}, nil)
			r.link.session.conn.factory.Metrics.DeliverySettled()
		}
		return
	}

	msg, err := UnmarshalMessage(p.buf)
	if err != nil {
		log().Warn().Err(err).Str("link", r.link.name).Msg("undecodable message rejected")
		r.link.session.conn.writeFrame(r.link.session.localChannel, &proto.Disposition{
			Role:    proto.RoleReceiver,
			First:   p.id,
			Settled: true,
			State:   &proto.Rejected{Error: &proto.Error{Condition: proto.ConditionDecodeError, Description: err.Error()}},
		}, nil)
		return
	}

	r.link.session.conn.factory.Metrics.TransferReceived()
	delivery := &Delivery{
		DeliveryID:    p.id,
		DeliveryTag:   p.tag,
		MessageFormat: p.format,
		Message:       msg,
		Settled:       p.settled,
		receiver:      r,
	}
	select {
	case r.deliveries <- delivery:
	default:
		// The application let deliveries pile past issued credit.
		log().Warn().Str("link", r.link.name).Msg("delivery queue full, releasing")
		r.link.session.conn.writeFrame(r.link.session.localChannel, &proto.Disposition{
			Role:    proto.RoleReceiver,
			First:   p.id,
			Settled: true,
			State:   &proto.Released{},
		}, nil)
	}
}

// handleSettlement resolves a disposition wait in second settle mode.
func (r *Receiver) handleSettlement(deliveryID uint32, state proto.DeliveryState, settled bool) {
	if !settled {
		return
	}
	r.mu.Lock()
	cell := r.settleWaits[deliveryID]
	delete(r.settleWaits, deliveryID)
	r.mu.Unlock()
	if cell != nil {
		cell.Set(struct{}{})
	}
}

func (r *Receiver) handleDrained() {
	r.mu.Lock()
	wait := r.drainWait
	r.drainWait = nil
	r.mu.Unlock()
	if wait != nil {
		close(wait)
	}
}

// dispose settles a delivery with the given outcome. In first settle
// mode the disposition itself settles; in second mode the call blocks
// until the sender's settling disposition arrives.
func (r *Receiver) dispose(ctx context.Context, d *Delivery, state DeliveryState) error {
	if d.Settled {
		return nil
	}
	if r.link.linkState() != LinkStateAttached {
		return r.link.detachError()
	}

	settled := r.link.rcvSettleMode == proto.ReceiverSettleFirst
	var wait *util.BlockingCell[struct{}]
	if !settled {
		wait = util.NewBlockingCell[struct{}]()
		r.mu.Lock()
		r.settleWaits[d.DeliveryID] = wait
		r.mu.Unlock()
	}

	err := r.link.session.conn.writeFrame(r.link.session.localChannel, &proto.Disposition{
		Role:    proto.RoleReceiver,
		First:   d.DeliveryID,
		Settled: settled,
		State:   state,
	}, nil)
	if err != nil {
		return err
	}

	if !settled {
		select {
		case <-wait.Done():
		case <-r.link.detachedCh:
			return errors.Wrap(ErrLinkDetached, "before sender settled")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.Settled = true
	r.link.session.conn.factory.Metrics.DeliverySettled()
	r.replenish()
	return nil
}

// replenish tops link credit back up to the configured target once it
// has fallen to half.
func (r *Receiver) replenish() {
	target := r.link.opts.Credit
	if target == 0 {
		return
	}
	credit := r.link.flow.credit()
	if credit > target/2 {
		return
	}
	r.link.flow.issueCredit(target - credit)
	r.sendLinkFlow()
}

// Accept settles the delivery as successfully processed.
func (d *Delivery) Accept(ctx context.Context) error {
	return d.receiver.dispose(ctx, d, &proto.Accepted{})
}

// Reject settles the delivery as failed; e travels to the sender.
func (d *Delivery) Reject(ctx context.Context, e *Error) error {
	rejected := &proto.Rejected{}
	if e != nil {
		rejected.Error = e.proto()
	}
	return d.receiver.dispose(ctx, d, rejected)
}

// Release returns the delivery to the sender undelivered.
func (d *Delivery) Release(ctx context.Context) error {
	return d.receiver.dispose(ctx, d, &proto.Released{})
}

// Modify releases the delivery with message annotations for the next
// attempt. undeliverableHere excludes this link from redelivery.
func (d *Delivery) Modify(ctx context.Context, deliveryFailed, undeliverableHere bool, annotations map[encoding.Symbol]any) error {
	return d.receiver.dispose(ctx, d, &proto.Modified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: annotations,
	})
}
