package proto

import (
	"bytes"
	"fmt"

	"github.com/israelio/amqp10-go/internal/encoding"
)

// Standard AMQP error conditions.
const (
	ConditionInternalError      encoding.Symbol = "amqp:internal-error"
	ConditionNotFound           encoding.Symbol = "amqp:not-found"
	ConditionUnauthorizedAccess encoding.Symbol = "amqp:unauthorized-access"
	ConditionDecodeError        encoding.Symbol = "amqp:decode-error"
	ConditionResourceLimit      encoding.Symbol = "amqp:resource-limit-exceeded"
	ConditionNotAllowed         encoding.Symbol = "amqp:not-allowed"
	ConditionInvalidField       encoding.Symbol = "amqp:invalid-field"
	ConditionNotImplemented     encoding.Symbol = "amqp:not-implemented"
	ConditionResourceLocked     encoding.Symbol = "amqp:resource-locked"
	ConditionPreconditionFailed encoding.Symbol = "amqp:precondition-failed"
	ConditionResourceDeleted    encoding.Symbol = "amqp:resource-deleted"
	ConditionIllegalState       encoding.Symbol = "amqp:illegal-state"
	ConditionFrameSizeTooSmall  encoding.Symbol = "amqp:frame-size-too-small"

	ConditionConnectionForced   encoding.Symbol = "amqp:connection:forced"
	ConditionFramingError       encoding.Symbol = "amqp:connection:framing-error"
	ConditionWindowViolation    encoding.Symbol = "amqp:session:window-violation"
	ConditionErrantLink         encoding.Symbol = "amqp:session:errant-link"
	ConditionHandleInUse        encoding.Symbol = "amqp:session:handle-in-use"
	ConditionUnattachedHandle   encoding.Symbol = "amqp:session:unattached-handle"
	ConditionDetachForced       encoding.Symbol = "amqp:link:detach-forced"
	ConditionTransferLimit      encoding.Symbol = "amqp:link:transfer-limit-exceeded"
	ConditionMessageSizeExceeded encoding.Symbol = "amqp:link:message-size-exceeded"
	ConditionLinkRedirect       encoding.Symbol = "amqp:link:redirect"
	ConditionLinkStolen         encoding.Symbol = "amqp:link:stolen"
)

// Error is the AMQP error record carried by Close, End, Detach and Rejected.
type Error struct {
	Condition   encoding.Symbol
	Description string
	Info        map[encoding.Symbol]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return fmt.Sprintf("%s: %s", e.Condition, e.Description)
}

// Encode appends the described error record to buf.
func (e *Error) Encode(buf *bytes.Buffer) error {
	var fields bytes.Buffer
	if err := encoding.WriteSymbol(&fields, e.Condition); err != nil {
		return err
	}
	if e.Description != "" {
		if err := encoding.WriteString(&fields, e.Description); err != nil {
			return err
		}
	} else {
		encoding.WriteNull(&fields)
	}
	if len(e.Info) > 0 {
		if err := encoding.WriteSymbolMap(&fields, e.Info); err != nil {
			return err
		}
	} else {
		encoding.WriteNull(&fields)
	}
	if err := encoding.WriteDescriptor(buf, DescriptorError); err != nil {
		return err
	}
	return encoding.WriteList(buf, fields.Bytes(), 3)
}

// DecodeError decodes an error record from its field list.
func DecodeError(fields []any) *Error {
	e := &Error{}
	if len(fields) > 0 && fields[0] != nil {
		e.Condition, _ = fields[0].(encoding.Symbol)
	}
	if len(fields) > 1 && fields[1] != nil {
		e.Description, _ = fields[1].(string)
	}
	if len(fields) > 2 && fields[2] != nil {
		e.Info = encoding.SymbolMap(fields[2])
	}
	return e
}

// errorFromField extracts an optional error record from a performative field.
func errorFromField(v any) *Error {
	desc, ok := v.(*encoding.Described)
	if !ok || desc.Descriptor != DescriptorError {
		return nil
	}
	fields, ok := desc.Value.([]any)
	if !ok {
		return nil
	}
	return DecodeError(fields)
}
