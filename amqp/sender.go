package amqp

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/israelio/amqp10-go/internal/frame"
	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/pkg/errors"
)

// Sender is the sending end of a link. Send blocks until credit is
// available and, unless the link is presettled, until the receiver
// reaches an outcome.
type Sender struct {
	link *link

	mu        sync.Mutex
	unsettled map[string]*unsettledDelivery
}

func newSender(s *Session, opts LinkOptions) *Sender {
	return &Sender{
		link:      newLink(s, proto.RoleSender, opts),
		unsettled: make(map[string]*unsettledDelivery),
	}
}

// NewSender attaches a sending link on the session. If opts carry
// unsettled state from a previous link, deliveries are reconciled with
// the peer's view and resumed.
func (s *Session) NewSender(ctx context.Context, opts LinkOptions) (*Sender, error) {
	snd := newSender(s, opts)
	if err := snd.link.attach(ctx); err != nil {
		return nil, err
	}
	if len(opts.unsettled) > 0 {
		if err := snd.resumeUnsettled(ctx); err != nil {
			return nil, err
		}
		s.conn.factory.Metrics.LinkResumed()
	}
	return snd, nil
}

// Name returns the link name.
func (snd *Sender) Name() string { return snd.link.name }

// State returns the link's lifecycle state.
func (snd *Sender) State() LinkState { return snd.link.linkState() }

// Credit returns the currently usable link credit.
func (snd *Sender) Credit() uint32 { return snd.link.flow.credit() }

// Detached is closed when the link leaves the attached state.
func (snd *Sender) Detached() <-chan struct{} { return snd.link.Detached() }

// Close terminates the link with a closing detach.
func (snd *Sender) Close(ctx context.Context) error {
	return snd.link.detach(ctx, true, nil)
}

// Suspend detaches the link without closing it, keeping unsettled
// delivery state for later resumption.
func (snd *Sender) Suspend(ctx context.Context) error {
	return snd.link.detach(ctx, false, nil)
}

// ResumeOptions returns link options primed to reattach this sender's
// link, carrying its unsettled deliveries for reconciliation.
func (snd *Sender) ResumeOptions() LinkOptions {
	opts := snd.link.opts
	opts.Name = snd.link.name
	snd.mu.Lock()
	if len(snd.unsettled) > 0 {
		opts.unsettled = make(map[string]*unsettledDelivery, len(snd.unsettled))
		for tag, ud := range snd.unsettled {
			opts.unsettled[tag] = ud
		}
	}
	snd.mu.Unlock()
	return opts
}

// Send transfers a message and reports its outcome. For presettled links
// the returned state is nil and the call completes once the transfer is
// written. Otherwise Send blocks until the receiver's terminal outcome
// arrives and, in second settle mode, settles it.
func (snd *Sender) Send(ctx context.Context, msg *Message) (DeliveryState, error) {
	l := snd.link
	if l.linkState() != LinkStateAttached {
		return nil, l.detachError()
	}

	payload, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	if l.maxMessageSize > 0 && uint64(len(payload)) > l.maxMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes exceeds %d", len(payload), l.maxMessageSize)
	}

	if err := l.flow.consumeCredit(ctx, l.detachedCh); err != nil {
		return nil, err
	}

	tagUUID := uuid.New()
	tag := tagUUID[:]
	settled := l.sndSettleMode == proto.SenderSettleSettled

	transfers, payloads, err := snd.buildTransfers(tag, payload, settled, false, nil)
	if err != nil {
		return nil, err
	}

	var ud *unsettledDelivery
	if !settled {
		ud = newUnsettledDelivery(tag, payload)
		snd.mu.Lock()
		snd.unsettled[string(tag)] = ud
		snd.mu.Unlock()
	}

	deliveryID, err := l.session.sendDelivery(ctx, transfers, payloads, ud)
	if err != nil {
		snd.forget(tag)
		return nil, err
	}
	l.session.conn.factory.Metrics.TransferSent()

	if settled {
		return nil, nil
	}
	return snd.awaitOutcome(ctx, deliveryID, ud)
}

// awaitOutcome waits for the receiver's terminal state and completes the
// settlement handshake where the link runs in second settle mode.
func (snd *Sender) awaitOutcome(ctx context.Context, deliveryID uint32, ud *unsettledDelivery) (DeliveryState, error) {
	l := snd.link
	select {
	case <-ud.done.Done():
	case <-l.detachedCh:
		return nil, l.detachError()
	case <-l.session.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	outcome := ud.done.Get()
	if !outcome.settled && l.rcvSettleMode == proto.ReceiverSettleSecond {
		l.session.conn.writeFrame(l.session.localChannel, &proto.Disposition{
			Role:    proto.RoleSender,
			First:   deliveryID,
			Settled: true,
			State:   outcome.state,
		}, nil)
		l.session.mu.Lock()
		delete(l.session.deliveriesOut, deliveryID)
		l.session.mu.Unlock()
		l.session.conn.factory.Metrics.DeliverySettled()
	}
	snd.forget(ud.tag)
	return outcome.state, nil
}

func (snd *Sender) forget(tag []byte) {
	snd.mu.Lock()
	delete(snd.unsettled, string(tag))
	snd.mu.Unlock()
}

// buildTransfers splits a payload into frames that fit the peer's max
// frame size. Only the first frame carries the tag, format and state.
func (snd *Sender) buildTransfers(tag, payload []byte, settled, resume bool, state proto.DeliveryState) ([]*proto.Transfer, [][]byte, error) {
	l := snd.link
	maxFrame := int(l.session.conn.remoteMaxFrame)

	var transfers []*proto.Transfer
	var payloads [][]byte
	remaining := payload
	first := true
	for {
		t := &proto.Transfer{
			Handle:  l.outputHandle,
			Settled: settled,
			More:    true,
		}
		if first {
			t.DeliveryTag = tag
			format := uint32(0)
			t.MessageFormat = &format
			t.Resume = resume
			t.State = state
		}

		// Size the performative with More set; clearing it later can
		// only shrink the frame.
		var sized bytes.Buffer
		if err := t.Encode(&sized); err != nil {
			return nil, nil, err
		}
		room := maxFrame - frame.HeaderSize - sized.Len()
		if room <= 0 {
			return nil, nil, errors.Wrap(ErrMessageTooLarge, "amqp: transfer does not fit negotiated frame size")
		}

		chunk := remaining
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		remaining = remaining[len(chunk):]
		if len(remaining) == 0 {
			t.More = false
		}
		transfers = append(transfers, t)
		payloads = append(payloads, chunk)
		first = false
		if len(remaining) == 0 {
			return transfers, payloads, nil
		}
	}
}

// resumeUnsettled reconciles deliveries carried over from a previous
// link incarnation against the peer's attach unsettled map.
func (snd *Sender) resumeUnsettled(ctx context.Context) error {
	l := snd.link
	for tag, ud := range l.opts.unsettled {
		remote, present := l.remoteUnsettled[tag]
		dec := reconcileDelivery(ud.lastState(), present, remote)
		log().Debug().
			Str("link", l.name).
			Str("action", dec.Action.String()).
			Msg("resuming delivery")

		switch dec.Action {
		case ResumeNone:
			if present {
				// The peer already reached an outcome; associate the
				// tag and settle it.
				if err := snd.sendBareResume(ctx, []byte(tag), true, dec.Outcome, false); err != nil {
					return err
				}
			}
			ud.applyDisposition(dec.Outcome, true)

		case ResumeResend:
			if err := snd.resend(ctx, []byte(tag), ud, ud.payload, false); err != nil {
				return err
			}

		case ResumeFromProgress:
			suffix, err := payloadSuffix(ud.payload, dec.Progress)
			if err != nil {
				return err
			}
			if err := snd.resend(ctx, []byte(tag), ud, suffix, true); err != nil {
				return err
			}

		case ResumeRestateOutcome:
			if err := snd.sendBareResume(ctx, []byte(tag), false, dec.Outcome, false); err != nil {
				return err
			}
			snd.mu.Lock()
			snd.unsettled[tag] = ud
			snd.mu.Unlock()

		case ResumeAbort:
			if err := snd.sendBareResume(ctx, []byte(tag), true, nil, true); err != nil {
				return err
			}
			ud.applyDisposition(nil, true)
			l.session.conn.factory.Metrics.DeliveryAborted()
		}
	}
	return nil
}

// resend retransmits a delivery's remaining payload under its old tag.
func (snd *Sender) resend(ctx context.Context, tag []byte, ud *unsettledDelivery, payload []byte, resume bool) error {
	l := snd.link
	if err := l.flow.consumeCredit(ctx, l.detachedCh); err != nil {
		return err
	}
	transfers, payloads, err := snd.buildTransfers(tag, payload, false, resume, ud.lastState())
	if err != nil {
		return err
	}
	snd.mu.Lock()
	snd.unsettled[string(tag)] = ud
	snd.mu.Unlock()
	if _, err := l.session.sendDelivery(ctx, transfers, payloads, ud); err != nil {
		return err
	}
	l.session.conn.factory.Metrics.TransferSent()
	return nil
}

// sendBareResume emits a payloadless resuming transfer used to restate,
// settle or abort a delivery during resumption.
func (snd *Sender) sendBareResume(ctx context.Context, tag []byte, settled bool, state proto.DeliveryState, aborted bool) error {
	l := snd.link
	format := uint32(0)
	t := &proto.Transfer{
		Handle:        l.outputHandle,
		DeliveryTag:   tag,
		MessageFormat: &format,
		Settled:       settled,
		Resume:        true,
		Aborted:       aborted,
		State:         state,
	}
	_, err := l.session.sendDelivery(ctx, []*proto.Transfer{t}, [][]byte{nil}, nil)
	return err
}
