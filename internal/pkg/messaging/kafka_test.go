package messaging

import (
	"errors"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/shandysiswandi/unimq/internal/pkg/goerror"
	"github.com/stretchr/testify/assert"
)

func TestKafkaErrorClassifies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		cause error
		want  goerror.Class
	}{
		{name: "nil", err: nil, want: goerror.ClassNone},
		{name: "message too large", err: kafka.MessageSizeTooLarge, want: goerror.ClassPermanent},
		{name: "invalid message", err: kafka.InvalidMessage, want: goerror.ClassPermanent},
		{name: "invalid topic", err: kafka.InvalidTopic, want: goerror.ClassPermanent},
		{name: "write errors use the first failure", err: kafka.WriteErrors{nil, kafka.InvalidTopic}, cause: kafka.InvalidTopic, want: goerror.ClassPermanent},
		{name: "broken stream", err: io.ErrUnexpectedEOF, want: goerror.ClassConnection},
		{name: "broker error code", err: kafka.LeaderNotAvailable, want: goerror.ClassSend},
		{name: "unknown", err: errors.New("boom"), want: goerror.ClassSend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := kafkaError(tt.err, "kafka write")
			assert.Equal(t, tt.want, goerror.ClassOf(got))
			cause := tt.cause
			if cause == nil {
				cause = tt.err
			}
			if cause != nil {
				assert.ErrorIs(t, got, cause)
			}
		})
	}
}
