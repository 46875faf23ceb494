package receiver

import (
	"fmt"

	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/pipeflow/internal/runtime/ids"
	"github.com/drblury/pipeflow/internal/runtime/logging"
)

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
	return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
		if _, ok := msg.Metadata[MetadataCorrelationID]; !ok {
			msg.Metadata[MetadataCorrelationID] = ids.CreateULID()
		}
		return h(msg)
	}
}

// logMessagesMiddleware logs every consumed message with its metadata.
func logMessagesMiddleware(log logging.ServiceLogger) wmmessage.HandlerMiddleware {
	return func(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
		return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
			log.Debug("Consuming message", logging.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func tracerMiddleware(h wmmessage.HandlerFunc) wmmessage.HandlerFunc {
	return func(msg *wmmessage.Message) ([]*wmmessage.Message, error) {
		ctx, span := otel.Tracer("pipeflow/receiver").Start(msg.Context(), "receiver.consume")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.metadata", fmt.Sprintf("%v", msg.Metadata)),
		)
		return h(msg)
	}
}
