package goerror

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by stores when a record does not exist.
var ErrNotFound = errors.New("resource not found")

// Error carries a client-facing message, a Code for the HTTP layer and, for
// backend failures, a Class for the retry policy. The wrapped cause is kept
// for logs and errors.Is but never shown to HTTP clients.
type Error struct {
	cause  error
	msg    string
	typ    Type
	code   Code
	class  Class
	fields map[string]string
}

func (e *Error) Error() string {
	switch {
	case e.cause != nil && e.typ == TypeBackend && e.msg != "":
		return e.msg + ": " + e.cause.Error()
	case e.cause != nil:
		return e.cause.Error()
	case e.msg != "":
		return e.msg
	default:
		return e.typ.String() + " error"
	}
}

// String is the verbose form used in debug logs.
func (e *Error) String() string {
	return fmt.Sprintf("type=%s code=%s class=%s msg=%q cause=%v", e.typ, e.code, e.class, e.msg, e.cause)
}

func (e *Error) Msg() string               { return e.msg }
func (e *Error) Type() Type                { return e.typ }
func (e *Error) Code() Code                { return e.code }
func (e *Error) Class() Class              { return e.class }
func (e *Error) Fields() map[string]string { return e.fields }
func (e *Error) Unwrap() error             { return e.cause }
func (e *Error) StatusCode() int           { return e.code.Status() }

func NewServer(err error) error {
	return &Error{cause: err, msg: "Internal server error", typ: TypeServer, code: CodeInternal}
}

func NewBusiness(msg string, code Code) error {
	return &Error{msg: msg, typ: TypeBusiness, code: code}
}

// NewInvalidInput wraps a validator error, or builds one from field/message
// pairs when err is nil. An odd pair count is treated as a malformed body.
func NewInvalidInput(err error, kv ...string) error {
	if err != nil {
		return &Error{cause: err, msg: "Validation error", typ: TypeValidation, code: CodeInvalidInput}
	}
	if len(kv)%2 != 0 {
		return NewInvalidFormat()
	}

	fields := make(map[string]string, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return &Error{msg: "Validation error", typ: TypeValidation, code: CodeInvalidInput, fields: fields}
}

// NewInvalidFormat reports an unreadable request. msg defaults to
// "Invalid request body".
func NewInvalidFormat(msg ...string) error {
	e := &Error{msg: "Invalid request body", typ: TypeValidation, code: CodeInvalidFormat}
	if len(msg) > 0 {
		e.msg = msg[0]
	}
	return e
}

func backend(err error, msg string, code Code, class Class) error {
	return &Error{cause: err, msg: msg, typ: TypeBackend, code: code, class: class}
}

// NewConnection wraps a connect, session or channel failure.
func NewConnection(err error, msg string) error {
	return backend(err, msg, CodeUnavailable, ClassConnection)
}

// NewSend wraps a transient failure of a single send.
func NewSend(err error, msg string) error {
	return backend(err, msg, CodeBadGateway, ClassSend)
}

// NewPermanent wraps a failure that must not be retried, such as a payload
// the backend will never accept.
func NewPermanent(err error, msg string) error {
	return backend(err, msg, CodeRejected, ClassPermanent)
}

func NewTimeout(err error, msg string) error {
	return backend(err, msg, CodeTimeout, ClassTimeout)
}

func NewPoolExhausted(err error, msg string) error {
	return backend(err, msg, CodeTooManyRequest, ClassPoolExhausted)
}

// ClassOf returns the class of the first *Error in err's chain.
func ClassOf(err error) Class {
	if e := (*Error)(nil); errors.As(err, &e) {
		return e.class
	}
	return ClassNone
}

func IsRetryable(err error) bool { return ClassOf(err).Retryable() }
