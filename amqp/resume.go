package amqp

import (
	"bytes"

	"github.com/israelio/amqp10-go/internal/encoding"
	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/pkg/errors"
)

// ResumeAction is the reconciliation decision for one unsettled delivery
// after a link reattaches.
type ResumeAction int

const (
	// ResumeNone means the sides are already consistent; settle locally
	// with no wire action.
	ResumeNone ResumeAction = iota

	// ResumeResend means no partial progress is recorded anywhere;
	// retransmit the delivery from scratch.
	ResumeResend

	// ResumeFromProgress means partial progress is recorded; retransmit
	// only the payload suffix after the recorded section/offset.
	ResumeFromProgress

	// ResumeRestateOutcome means the sides reached different terminal
	// outcomes; the sender's outcome is authoritative and is restated on
	// the wire for the receiver to echo and settle.
	ResumeRestateOutcome

	// ResumeAbort means the delivery cannot be resumed; an aborted
	// transfer is sent (or expected).
	ResumeAbort
)

// String returns a string representation of the action.
func (a ResumeAction) String() string {
	switch a {
	case ResumeNone:
		return "none"
	case ResumeResend:
		return "resend"
	case ResumeFromProgress:
		return "resume"
	case ResumeRestateOutcome:
		return "restate-outcome"
	case ResumeAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ResumeDecision is the outcome of reconciling one delivery.
type ResumeDecision struct {
	Action ResumeAction

	// Progress is the agreed resume point for ResumeFromProgress.
	Progress *proto.Received

	// Outcome is the state to restate for ResumeRestateOutcome.
	Outcome proto.DeliveryState
}

// reconcileDelivery implements the link-resumption decision table. local is
// the sender's recorded state for the unsettled delivery (nil when none was
// recorded). remotePresent reports whether the receiver's Attach unsettled
// map contains the delivery at all; remote is its state, where nil is
// defined to mean Received{0,0}.
func reconcileDelivery(local proto.DeliveryState, remotePresent bool, remote proto.DeliveryState) ResumeDecision {
	// Transactional work cannot survive a reattach.
	if proto.IsTransactional(local) || proto.IsTransactional(remote) {
		return ResumeDecision{Action: ResumeAbort}
	}

	// A nil recorded state is identified with Received{0,0}.
	localRecv, localTerminal := normalizeState(local)
	remoteRecv, remoteTerminal := normalizeState(remote)

	if !remotePresent {
		if localTerminal != nil {
			// Receiver knows nothing and we already concluded: settle
			// locally, nothing to put on the wire.
			return ResumeDecision{Action: ResumeNone, Outcome: localTerminal}
		}
		// No progress recorded anywhere.
		return ResumeDecision{Action: ResumeResend}
	}

	switch {
	case localTerminal == nil && remoteTerminal == nil:
		// Both mid-delivery: resume from the smaller recorded progress.
		// The receiver cannot have recorded less than it acknowledged, so
		// local progress beyond remote is unrecoverable.
		if compareProgress(localRecv, remoteRecv) > 0 {
			return ResumeDecision{Action: ResumeAbort}
		}
		return ResumeDecision{Action: ResumeFromProgress, Progress: localRecv}

	case localTerminal == nil && remoteTerminal != nil:
		// Receiver already reached an outcome; adopt it and settle.
		return ResumeDecision{Action: ResumeNone, Outcome: remoteTerminal}

	case localTerminal != nil && remoteTerminal == nil:
		// We concluded but the receiver is mid-delivery; the delivery
		// cannot be meaningfully completed.
		return ResumeDecision{Action: ResumeAbort}

	default:
		if sameOutcome(localTerminal, remoteTerminal) {
			return ResumeDecision{Action: ResumeNone, Outcome: localTerminal}
		}
		// Divergent terminal outcomes: the sender's is authoritative.
		return ResumeDecision{Action: ResumeRestateOutcome, Outcome: localTerminal}
	}
}

// normalizeState splits a delivery state into its Received view (with nil
// and absent states identified with Received{0,0}) or its terminal outcome.
func normalizeState(state proto.DeliveryState) (*proto.Received, proto.DeliveryState) {
	switch s := state.(type) {
	case nil:
		return &proto.Received{}, nil
	case *proto.Received:
		return s, nil
	default:
		return nil, state
	}
}

func compareProgress(a, b *proto.Received) int {
	if a.SectionNumber != b.SectionNumber {
		if a.SectionNumber < b.SectionNumber {
			return -1
		}
		return 1
	}
	switch {
	case a.SectionOffset < b.SectionOffset:
		return -1
	case a.SectionOffset > b.SectionOffset:
		return 1
	default:
		return 0
	}
}

func sameOutcome(a, b proto.DeliveryState) bool {
	switch a.(type) {
	case *proto.Accepted:
		_, ok := b.(*proto.Accepted)
		return ok
	case *proto.Released:
		_, ok := b.(*proto.Released)
		return ok
	case *proto.Rejected:
		_, ok := b.(*proto.Rejected)
		return ok
	case *proto.Modified:
		_, ok := b.(*proto.Modified)
		return ok
	default:
		return false
	}
}

// payloadSuffix returns the remaining payload to retransmit when resuming
// from the given progress marker: everything from byte `offset` within
// section number `section`. Section boundaries are located by scanning the
// payload's described section headers.
func payloadSuffix(payload []byte, progress *proto.Received) ([]byte, error) {
	if progress.SectionNumber == 0 && progress.SectionOffset == 0 {
		return payload, nil
	}

	r := bytes.NewReader(payload)
	var section uint32
	for r.Len() > 0 {
		start := len(payload) - r.Len()
		if section == progress.SectionNumber {
			pos := uint64(start) + progress.SectionOffset
			if pos > uint64(len(payload)) {
				return nil, errors.Errorf("amqp: resume offset %d beyond section %d", progress.SectionOffset, section)
			}
			return payload[pos:], nil
		}
		if _, err := encoding.ReadValue(r); err != nil {
			return nil, errors.Wrap(err, "amqp: scan payload sections")
		}
		section++
	}
	return nil, errors.Errorf("amqp: resume section %d beyond payload", progress.SectionNumber)
}
