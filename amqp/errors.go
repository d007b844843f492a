// Package amqp implements the AMQP 1.0 protocol engine: connection, session
// and link state machines, SASL negotiation, credit-based flow control,
// multi-frame delivery reassembly and link resumption.
package amqp

import (
	"fmt"

	"github.com/israelio/amqp10-go/internal/encoding"
	"github.com/israelio/amqp10-go/internal/proto"
	"github.com/pkg/errors"
)

// Condition names an AMQP error condition symbol.
type Condition = encoding.Symbol

// Standard conditions surfaced by the engine.
const (
	ConditionInternalError       = Condition(proto.ConditionInternalError)
	ConditionNotFound            = Condition(proto.ConditionNotFound)
	ConditionDecodeError         = Condition(proto.ConditionDecodeError)
	ConditionNotAllowed          = Condition(proto.ConditionNotAllowed)
	ConditionIllegalState        = Condition(proto.ConditionIllegalState)
	ConditionFramingError        = Condition(proto.ConditionFramingError)
	ConditionConnectionForced    = Condition(proto.ConditionConnectionForced)
	ConditionUnattachedHandle    = Condition(proto.ConditionUnattachedHandle)
	ConditionHandleInUse         = Condition(proto.ConditionHandleInUse)
	ConditionWindowViolation     = Condition(proto.ConditionWindowViolation)
	ConditionErrantLink          = Condition(proto.ConditionErrantLink)
	ConditionTransferLimit       = Condition(proto.ConditionTransferLimit)
	ConditionMessageSizeExceeded = Condition(proto.ConditionMessageSizeExceeded)
	ConditionDetachForced        = Condition(proto.ConditionDetachForced)
	ConditionLinkRedirect        = Condition(proto.ConditionLinkRedirect)
	ConditionLinkStolen          = Condition(proto.ConditionLinkStolen)
)

// Error is an AMQP protocol error: a condition symbol plus a description.
// It is used both for errors received from the peer and for errors this
// engine raises on the wire.
type Error struct {
	Condition   Condition
	Description string

	// Remote reports whether the peer raised the error.
	Remote bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	origin := "local"
	if e.Remote {
		origin = "remote"
	}
	if e.Description == "" {
		return fmt.Sprintf("amqp error %s (%s)", e.Condition, origin)
	}
	return fmt.Sprintf("amqp error %s (%s): %s", e.Condition, origin, e.Description)
}

// NewError creates a locally raised protocol error.
func NewError(condition Condition, description string) *Error {
	return &Error{Condition: condition, Description: description}
}

func (e *Error) proto() *proto.Error {
	if e == nil {
		return nil
	}
	return &proto.Error{Condition: encoding.Symbol(e.Condition), Description: e.Description}
}

func errorFromProto(pe *proto.Error) *Error {
	if pe == nil {
		return nil
	}
	return &Error{Condition: Condition(pe.Condition), Description: pe.Description, Remote: true}
}

// Sentinel errors returned from blocking operations.
var (
	// ErrConnectionClosed is returned when an operation is attempted on,
	// or interrupted by, a closed connection.
	ErrConnectionClosed = errors.New("amqp: connection closed")

	// ErrSessionClosed is returned when the owning session has ended.
	ErrSessionClosed = errors.New("amqp: session ended")

	// ErrLinkDetached is returned when the link detaches while an
	// operation is blocked on it.
	ErrLinkDetached = errors.New("amqp: link detached")

	// ErrChannelMaxReached is returned when no session channel is free.
	ErrChannelMaxReached = errors.New("amqp: channel-max reached")

	// ErrHandleMaxReached is returned when no link handle is free.
	ErrHandleMaxReached = errors.New("amqp: handle-max reached")

	// ErrDuplicateLinkName is returned when a link name is already
	// attached on the session.
	ErrDuplicateLinkName = errors.New("amqp: duplicated link name")

	// ErrLinkRefused is returned when the peer answers an attach with a
	// null terminus, refusing the link.
	ErrLinkRefused = errors.New("amqp: link refused by peer")

	// ErrDeliveryAborted is returned when the sender aborts an in-flight
	// delivery.
	ErrDeliveryAborted = errors.New("amqp: delivery aborted")

	// ErrMessageTooLarge is returned when a message exceeds the link's
	// negotiated max-message-size.
	ErrMessageTooLarge = errors.New("amqp: message exceeds max-message-size")

	// ErrAuthFailure is returned when SASL negotiation ends with a
	// non-ok outcome.
	ErrAuthFailure = errors.New("amqp: authentication failed")
)
