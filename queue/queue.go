package queue

import (
	"context"
	"fmt"
	"slices"

	"github.com/embeddedsocial/pipeline/messages"
)

// Queue is a named transport restricted to the payload kinds it carries.
type Queue struct {
	name      string
	transport *Transport
	kinds     []messages.Kind
}

// NewQueue binds a transport to the kinds it accepts. With no kinds every
// registered kind is accepted.
func NewQueue(name string, transport *Transport, kinds ...messages.Kind) *Queue {
	return &Queue{
		name:      name,
		transport: transport,
		kinds:     slices.Clone(kinds),
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Kinds() []messages.Kind {
	return slices.Clone(q.kinds)
}

// Transport exposes the underlying transport for administrative reads.
func (q *Queue) Transport() *Transport {
	return q.transport
}

// Accepts reports whether kind may be sent on this queue.
func (q *Queue) Accepts(kind messages.Kind) bool {
	return len(q.kinds) == 0 || slices.Contains(q.kinds, kind)
}

// Send enqueues payload after checking the queue carries its kind.
func (q *Queue) Send(ctx context.Context, payload messages.Payload, opts ...SendOption) error {
	if messages.IsNil(payload) {
		return &TransportError{Op: "send", Queue: q.name, Err: ErrNilMessage}
	}
	if !q.Accepts(payload.Kind()) {
		return &TransportError{
			Op:    "send",
			Queue: q.name,
			Err:   fmt.Errorf("%w: %s", ErrKindNotAccepted, payload.Kind()),
		}
	}
	return q.transport.Send(ctx, payload, opts...)
}

func (q *Queue) Receive(ctx context.Context) (*Message, error) {
	return q.transport.Receive(ctx)
}

func (q *Queue) ReceiveBatch(ctx context.Context, count int) ([]*Message, error) {
	return q.transport.ReceiveBatch(ctx, count)
}

func (q *Queue) Complete(ctx context.Context, msg *Message) error {
	return q.transport.Complete(ctx, msg)
}

func (q *Queue) Abandon(ctx context.Context, msg *Message) error {
	return q.transport.Abandon(ctx, msg)
}

func (q *Queue) Close(ctx context.Context) error {
	return q.transport.Close(ctx)
}
