package inbound

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/shandysiswandi/unimq/internal/analysis/entity"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
)

type MQHandler struct {
	uc   ucWorker
	uuid uid.StringID
	ins  instrument.Instrumentation
}

func (h *MQHandler) ensureCorrelationID(ctx context.Context, msg messaging.Message) context.Context {
	if cID := msg.Header(instrument.HeaderCorrelationID); cID != "" {
		return instrument.SetCorrelationID(ctx, cID)
	}
	return instrument.SetCorrelationID(ctx, h.uuid.Generate())
}

// outcome requeues failures that may pass on redelivery and dead-letters the
// rest.
func outcome(err error) messaging.Result {
	if err == nil {
		return messaging.Ack()
	}
	return messaging.Nack(goerror.IsRetryable(err))
}

func (h *MQHandler) ProcessTask(ctx context.Context, msg messaging.Message) messaging.Result {
	ctx = h.ensureCorrelationID(ctx, msg)

	ctx, span := h.ins.Tracer("analysis.inbound.mq").Start(ctx, "ProcessTask")
	defer span.End()

	var task entity.Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		slog.ErrorContext(ctx, "failed to parse message body of analysis task", "message_id", msg.ID, "error", err)
		return messaging.Nack(false)
	}

	if err := h.uc.ProcessTask(ctx, task); err != nil {
		slog.ErrorContext(ctx, "failed to process analysis task", "task_id", task.ID, "attempt", msg.Attempt, "error", err)
		return outcome(err)
	}

	return messaging.Ack()
}

func (h *MQHandler) CollectResult(ctx context.Context, msg messaging.Message) messaging.Result {
	ctx = h.ensureCorrelationID(ctx, msg)

	ctx, span := h.ins.Tracer("analysis.inbound.mq").Start(ctx, "CollectResult")
	defer span.End()

	var result entity.Result
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		slog.ErrorContext(ctx, "failed to parse message body of analysis result", "message_id", msg.ID, "error", err)
		return messaging.Nack(false)
	}

	if err := h.uc.CollectResult(ctx, result); err != nil {
		slog.ErrorContext(ctx, "failed to collect analysis result", "task_id", result.TaskID, "error", err)
		return outcome(err)
	}

	return messaging.Ack()
}
