package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
)

var (
	// ErrBackendUnavailable is returned by Publish when no healthy connection
	// could deliver the message within the publish timeout.
	ErrBackendUnavailable = errors.New("messaging: backend unavailable")
	// ErrPermanentReject is returned by Publish when the backend refused the
	// message for good (malformed or oversized payload).
	ErrPermanentReject = errors.New("messaging: permanent reject")
	// ErrTimeout is returned when an operation ran past its deadline.
	ErrTimeout = errors.New("messaging: timeout")
	// ErrPoolExhausted is returned when a bounded pool stayed full past its wait.
	ErrPoolExhausted = errors.New("messaging: pool exhausted")

	// ErrUnknownDelivery is returned when a delivery handle has no in-flight
	// record, for example on a second ack.
	ErrUnknownDelivery = errors.New("messaging: unknown delivery")
	// ErrDuplicateDelivery is returned when a handle already has a record.
	ErrDuplicateDelivery = errors.New("messaging: delivery already in flight")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("messaging: closed")
	// ErrUnknownKind indicates an unsupported backend kind.
	ErrUnknownKind = errors.New("messaging: unknown backend kind")
	// ErrUnsupported is returned when a backend cannot perform an operation.
	ErrUnsupported = errors.New("messaging: unsupported operation")
	// ErrTopicRequired is returned when the topic is empty.
	ErrTopicRequired = errors.New("messaging: topic is required")
	// ErrHandlerRequired is returned when Subscribe is called with a nil handler.
	ErrHandlerRequired = errors.New("messaging: handler is required")
	// ErrForeignHandle is returned when an adapter receives a handle it did not issue.
	ErrForeignHandle = errors.New("messaging: delivery handle belongs to another backend")
)

// publishError maps the last internal failure of a publish attempt onto the
// three errors the producer API exposes.
func publishError(ctx context.Context, last error) error {
	switch {
	case goerror.ClassOf(last) == goerror.ClassPermanent:
		return fmt.Errorf("%w: %w", ErrPermanentReject, last)
	case last == nil && ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case goerror.ClassOf(last) == goerror.ClassConnection,
		goerror.ClassOf(last) == goerror.ClassPoolExhausted,
		errors.Is(last, ErrPoolExhausted),
		errors.Is(last, ErrClosed):
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, last)
	default:
		return fmt.Errorf("%w: %w", ErrTimeout, last)
	}
}

// connectionError classifies err as a broken connection unless it already
// carries a class.
func connectionError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if goerror.ClassOf(err) != goerror.ClassNone {
		return err
	}
	return goerror.NewConnection(err, msg)
}

// sendError classifies err as a transient send failure unless it already
// carries a class.
func sendError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if goerror.ClassOf(err) != goerror.ClassNone {
		return err
	}
	return goerror.NewSend(err, msg)
}

func isConnectionError(err error) bool {
	return goerror.ClassOf(err) == goerror.ClassConnection
}
