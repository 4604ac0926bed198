package worker

import (
	"context"

	"github.com/embeddedsocial/pipeline/queue"
)

// Handler runs the business logic for one message. A nil error completes the
// message; any error abandons it for redelivery.
type Handler interface {
	Process(ctx context.Context, msg *queue.Message) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, msg *queue.Message) error

func (f HandlerFunc) Process(ctx context.Context, msg *queue.Message) error {
	return f(ctx, msg)
}

// Source is the peek-lock surface a worker consumes. *queue.Queue implements it.
type Source interface {
	Name() string
	Receive(ctx context.Context) (*queue.Message, error)
	Complete(ctx context.Context, msg *queue.Message) error
	Abandon(ctx context.Context, msg *queue.Message) error
}

var _ Source = (*queue.Queue)(nil)
