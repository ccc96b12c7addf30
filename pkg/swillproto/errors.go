package swillproto

import "fmt"

// Error is the typed Go error raised by handlers and by the protocol engine
// itself, and is the in-memory counterpart of [ErrorPayload]. Handlers that
// want a specific wire error code should return an *Error; any other error
// is reported with [CodeInternalError].
type Error struct {
	Code    int
	Message string
	Data    any

	wrapped error
}

// NewError builds a protocol [Error] with the given reserved or
// application-defined code.
func NewError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func (e *Error) Error() string {
	return fmt.Sprintf("swill: %s (code %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Payload converts the error into its wire representation.
func (e *Error) Payload() ErrorPayload {
	return ErrorPayload{Code: e.Code, Message: e.Message, Data: e.Data}
}

// FromPayload converts a decoded [ErrorPayload] back into an [Error], the
// shape a client observes for an inbound ERROR response frame.
func FromPayload(p ErrorPayload) *Error {
	return &Error{Code: p.Code, Message: p.Message, Data: p.Data}
}

// Wrap attaches an underlying cause, preserved through [errors.Unwrap].
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, wrapped: cause}
}

// DecodeError is returned by a [Codec] when a transport message can't be
// decoded into an envelope. Sequence/HasSequence let the dispatcher
// attribute the failure to a request with ERROR when a sequence number
// could still be recovered, otherwise close the connection.
type DecodeError struct {
	Err         error
	Sequence    uint64
	HasSequence bool
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }
