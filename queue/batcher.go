package queue

import (
	"context"
	"errors"
	"time"
)

var errBatcherStopped = errors.New("send batcher stopped")

type pendingSend struct {
	envelope *Envelope
	result   chan error
}

// sendBatcher groups sends arriving within one flush interval into a single broker
// call. Every caller is told the outcome of the batch its envelope travelled in.
type sendBatcher struct {
	interval time.Duration
	maxBatch int
	flush    func(ctx context.Context, envelopes []*Envelope) error

	pending chan *pendingSend
	stopCh  chan struct{}
	done    chan struct{}
}

func newSendBatcher(
	ctx context.Context,
	interval time.Duration,
	maxBatch int,
	flush func(ctx context.Context, envelopes []*Envelope) error,
) *sendBatcher {
	b := &sendBatcher{
		interval: interval,
		maxBatch: max(maxBatch, 1),
		flush:    flush,
		pending:  make(chan *pendingSend),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go b.run(context.WithoutCancel(ctx))
	return b
}

func (b *sendBatcher) submit(ctx context.Context, env *Envelope) error {
	p := &pendingSend{envelope: env, result: make(chan error, 1)}

	select {
	case b.pending <- p:
	case <-b.done:
		return errBatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop flushes whatever is pending and waits for the loop to exit. It must be
// called once, after the batcher is detached from its transport.
func (b *sendBatcher) stop() {
	close(b.stopCh)
	<-b.done
}

func (b *sendBatcher) run(ctx context.Context) {
	defer close(b.done)

	var (
		batch []*pendingSend
		timer *time.Timer
		fire  <-chan time.Time
	)

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
		if len(batch) == 0 {
			return
		}

		envelopes := make([]*Envelope, 0, len(batch))
		for _, p := range batch {
			envelopes = append(envelopes, p.envelope)
		}

		err := b.flush(ctx, envelopes)
		for _, p := range batch {
			p.result <- err
		}
		batch = nil
	}

	for {
		select {
		case p := <-b.pending:
			batch = append(batch, p)
			if len(batch) >= b.maxBatch {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(b.interval)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			flush()
		case <-b.stopCh:
			flush()
			return
		}
	}
}
