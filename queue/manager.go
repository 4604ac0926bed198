package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline/messages"
)

// Manager owns the named queues of a process and routes payloads to the queue that
// carries their kind.
type Manager struct {
	opts   []Option
	queues *sync.Map
}

func NewManager(_ context.Context, opts ...Option) *Manager {
	return &Manager{
		opts:   opts,
		queues: &sync.Map{},
	}
}

// AddQueue registers queueURL under name. When no kinds are given the standard
// routing table decides what the queue carries. Adding an existing name is a no-op.
func (m *Manager) AddQueue(ctx context.Context, name string, queueURL string, kinds ...messages.Kind) error {
	if _, ok := m.queues.Load(name); ok {
		return nil
	}

	transport, err := NewTransport(name, queueURL, m.opts...)
	if err != nil {
		return err
	}

	if len(kinds) == 0 {
		kinds = messages.KindsFor(name)
	}

	q := NewQueue(name, transport, kinds...)
	if _, loaded := m.queues.LoadOrStore(name, q); loaded {
		return nil
	}

	util.Log(ctx).
		WithField("queue", name).
		WithField("url", transport.URL()).
		Debug("queue registered")
	return nil
}

func (m *Manager) GetQueue(name string) (*Queue, error) {
	v, ok := m.queues.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	q, ok := v.(*Queue)
	if !ok {
		return nil, fmt.Errorf("queue %s is not of type *Queue", name)
	}
	return q, nil
}

// DiscardQueue closes and forgets the named queue.
func (m *Manager) DiscardQueue(ctx context.Context, name string) error {
	v, ok := m.queues.LoadAndDelete(name)
	if !ok {
		return nil
	}
	q, ok := v.(*Queue)
	if !ok {
		return nil
	}
	return q.Close(ctx)
}

// Send routes payload to the queue carrying its kind.
func (m *Manager) Send(ctx context.Context, payload messages.Payload, opts ...SendOption) error {
	if messages.IsNil(payload) {
		return &TransportError{Op: "send", Err: ErrNilMessage}
	}

	name, ok := messages.QueueFor(payload.Kind())
	if !ok {
		return &TransportError{
			Op:  "send",
			Err: fmt.Errorf("%w: %s", messages.ErrUnknownKind, payload.Kind()),
		}
	}

	q, err := m.GetQueue(name)
	if err != nil {
		return &TransportError{Op: "send", Queue: name, Err: err}
	}
	return q.Send(ctx, payload, opts...)
}

// Queues returns the registered queues ordered by name.
func (m *Manager) Queues() []*Queue {
	var out []*Queue
	m.queues.Range(func(_, v any) bool {
		if q, ok := v.(*Queue); ok {
			out = append(out, q)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close closes every queue, flushing batched sends.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, q := range m.Queues() {
		if err := q.Close(ctx); err != nil {
			util.Log(ctx).WithError(err).WithField("queue", q.Name()).Error("could not close queue")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
