package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ContextWithTrace continues the trace the sender injected into the message metadata.
func ContextWithTrace(ctx context.Context, msg *Message) context.Context {
	if msg == nil || len(msg.Metadata) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
}
