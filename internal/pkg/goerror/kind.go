package goerror

import "net/http"

// Type is the broad origin of an error.
type Type int

const (
	TypeServer Type = iota
	TypeBusiness
	TypeValidation
	// TypeBackend errors come from a messaging backend and carry a Class.
	TypeBackend
)

var typeNames = [...]string{
	TypeServer:     "server",
	TypeBusiness:   "business",
	TypeValidation: "validation",
	TypeBackend:    "backend",
}

func (t Type) String() string { return lookup(typeNames[:], int(t), "unknown") }

// Code is the stable identifier that decides the HTTP status.
type Code int

const (
	CodeInternal Code = iota
	CodeInvalidFormat
	CodeInvalidInput
	CodeNotFound
	CodeConflict
	CodeTooManyRequest
	CodeUnavailable
	CodeTimeout
	// CodeRejected means the backend refused the request for good.
	CodeRejected
	// CodeBadGateway means the backend failed a single request.
	CodeBadGateway
)

var codes = [...]struct {
	name   string
	status int
}{
	CodeInternal:       {"internal", http.StatusInternalServerError},
	CodeInvalidFormat:  {"invalid_format", http.StatusBadRequest},
	CodeInvalidInput:   {"invalid_input", http.StatusUnprocessableEntity},
	CodeNotFound:       {"not_found", http.StatusNotFound},
	CodeConflict:       {"conflict", http.StatusConflict},
	CodeTooManyRequest: {"too_many_requests", http.StatusTooManyRequests},
	CodeUnavailable:    {"unavailable", http.StatusServiceUnavailable},
	CodeTimeout:        {"timeout", http.StatusGatewayTimeout},
	CodeRejected:       {"rejected", http.StatusUnprocessableEntity},
	CodeBadGateway:     {"bad_gateway", http.StatusBadGateway},
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codes) {
		return codes[CodeInternal].name
	}
	return codes[c].name
}

// Status maps the code onto an HTTP status. Unknown codes are 500.
func (c Code) Status() int {
	if c < 0 || int(c) >= len(codes) {
		return http.StatusInternalServerError
	}
	return codes[c].status
}

// Class is the messaging failure taxonomy. It decides whether a failure is
// retried, triggers a reconnect, or surfaces to the caller.
type Class int

const (
	ClassNone Class = iota
	// ClassConnection triggers a reconnect.
	ClassConnection
	// ClassSend is retried with backoff.
	ClassSend
	// ClassPermanent never succeeds on retry.
	ClassPermanent
	// ClassTimeout is an implicit nack for deliveries.
	ClassTimeout
	// ClassPoolExhausted means a bounded resource stayed full too long.
	ClassPoolExhausted
)

var classNames = [...]string{
	ClassNone:          "none",
	ClassConnection:    "connection",
	ClassSend:          "send",
	ClassPermanent:     "permanent",
	ClassTimeout:       "timeout",
	ClassPoolExhausted: "pool_exhausted",
}

func (c Class) String() string { return lookup(classNames[:], int(c), classNames[ClassNone]) }

// Retryable reports whether the client retries this class internally.
func (c Class) Retryable() bool {
	switch c {
	case ClassConnection, ClassSend, ClassPoolExhausted, ClassTimeout:
		return true
	default:
		return false
	}
}

func lookup(names []string, i int, fallback string) string {
	if i < 0 || i >= len(names) {
		return fallback
	}
	return names[i]
}
