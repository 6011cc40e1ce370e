package inbound

import (
	"context"
	"log/slog"
	"slices"

	"github.com/shandysiswandi/unimq/internal/analysis/usecase"
	"github.com/shandysiswandi/unimq/internal/pkg/config"
	"github.com/shandysiswandi/unimq/internal/pkg/goroutine"
	"github.com/shandysiswandi/unimq/internal/pkg/instrument"
	"github.com/shandysiswandi/unimq/internal/pkg/messaging"
	"github.com/shandysiswandi/unimq/internal/pkg/uid"
)

const (
	ConsumerTaskWorker       = "analysis.task-worker"
	ConsumerResultAggregator = "analysis.result-aggregator"
)

type subscriber interface {
	Subscribe(ctx context.Context, topic string, handler messaging.Handler, opts ...messaging.SubscribeOption) (*messaging.Subscription, error)
	Unsubscribe(ctx context.Context, sub *messaging.Subscription) error
}

// RegisterMQConsumer subscribes the enabled consumers and keeps each
// subscription until ctx is done. With modules.analysis.consumer_names empty
// every consumer runs.
func RegisterMQConsumer(
	ctx context.Context,
	cfg config.Config,
	routine *goroutine.Manager,
	sub subscriber,
	uuid uid.StringID,
	uc ucWorker,
	ins instrument.Instrumentation,
) {
	mqHandler := &MQHandler{uc: uc, uuid: uuid, ins: ins}

	enableConsumerNames := cfg.GetArray("modules.analysis.consumer_names")
	capacity := cfg.GetInt("modules.analysis.parallelism")
	if capacity < 1 {
		capacity = 4
	}

	var consumers = []struct {
		name    string
		topic   string
		group   string
		handler messaging.Handler
	}{
		{
			name:    ConsumerTaskWorker,
			topic:   usecase.TopicTasks,
			group:   ConsumerTaskWorker,
			handler: mqHandler.ProcessTask,
		},
		{
			name:    ConsumerResultAggregator,
			topic:   usecase.TopicResults,
			group:   ConsumerResultAggregator,
			handler: mqHandler.CollectResult,
		},
	}

	for _, consumer := range consumers {
		if len(enableConsumerNames) > 0 && !slices.Contains(enableConsumerNames, consumer.name) {
			continue
		}

		routine.Go(ctx, func(pCtx context.Context) error {
			slog.InfoContext(ctx, "Running job for handling consumer", "consumer", consumer.name)

			s, err := sub.Subscribe(pCtx,
				consumer.topic,
				consumer.handler,
				messaging.WithGroup(consumer.group),
				messaging.WithCapacity(capacity),
			)
			if err != nil {
				slog.ErrorContext(pCtx, "failed to subscribe consumer", "consumer", consumer.name, "error", err)
				return err
			}

			<-pCtx.Done()
			return sub.Unsubscribe(context.WithoutCancel(pCtx), s)
		})
	}
}
