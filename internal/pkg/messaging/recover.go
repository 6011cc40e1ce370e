package messaging

import (
	"context"
	"log/slog"

	"github.com/shandysiswandi/unimq/internal/pkg/stacktrace"
)

// invokeHandler runs h and turns a panic into a nack with requeue.
func invokeHandler(ctx context.Context, h Handler, msg Message) (res Result) {
	defer func() {
		rvr := recover()
		if rvr == nil {
			return
		}
		slog.ErrorContext(ctx, "panic in message handler",
			"message_id", msg.ID, "topic", msg.Topic, "attempt", msg.Attempt, "panic", rvr, stacktrace.Attr())
		res = Nack(true)
	}()

	return h(ctx, msg)
}
