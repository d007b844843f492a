package amqp

import (
	"github.com/israelio/amqp10-go/internal/proto"
)

// Delivery is one received message together with the protocol identity
// needed to settle it.
type Delivery struct {
	// DeliveryID is the session-scoped sequence number of the delivery.
	DeliveryID uint32

	// DeliveryTag identifies the delivery within its link while unsettled.
	DeliveryTag []byte

	// MessageFormat as stamped by the sender.
	MessageFormat uint32

	// Message is the decoded message.
	Message *Message

	// Settled reports whether the sender pre-settled the delivery; such
	// deliveries need no disposition.
	Settled bool

	receiver *Receiver
}

// DeliveryState is the application-visible settlement outcome of a delivery.
type DeliveryState = proto.DeliveryState

// Terminal delivery outcomes.
type (
	// StateAccepted indicates successful processing.
	StateAccepted = proto.Accepted
	// StateRejected indicates processing failed; the error explains why.
	StateRejected = proto.Rejected
	// StateReleased returns the delivery for redelivery elsewhere.
	StateReleased = proto.Released
	// StateModified releases with modifications to the message.
	StateModified = proto.Modified
	// StateReceived records partial progress for resumption.
	StateReceived = proto.Received
)
