package queue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/embeddedsocial/pipeline/messages"
)

const (
	sendRetryBackoffBaseDelay    = 100 * time.Millisecond
	sendRetryBackoffMaxDelay     = 30 * time.Second
	sendRetryBackoffMaxRunNumber = 10
)

func sendRetryBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	if attempt > sendRetryBackoffMaxRunNumber {
		attempt = sendRetryBackoffMaxRunNumber
	}

	delay := sendRetryBackoffBaseDelay * time.Duration(1<<(attempt-1))
	if delay > sendRetryBackoffMaxDelay {
		return sendRetryBackoffMaxDelay
	}

	return delay
}

// Transport wraps one broker queue behind peek-lock semantics. The broker client is
// created on first use and recreated whenever it is observed closed.
type Transport struct {
	name   string
	u      *url.URL
	opener Opener
	opts   *transportOptions

	mu     sync.Mutex
	client Client

	batchMu sync.Mutex
	batcher *sendBatcher
}

// NewTransport resolves the driver for queueURL. No connection is made until the
// first operation.
func NewTransport(name string, queueURL string, opts ...Option) (*Transport, error) {
	u, opener, err := lookupDriver(queueURL)
	if err != nil {
		return nil, &TransportError{Op: "open", Queue: name, Err: err}
	}

	o := defaultTransportOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &Transport{
		name:   name,
		u:      u,
		opener: opener,
		opts:   o,
	}, nil
}

func (t *Transport) Name() string {
	return t.name
}

// URL returns the queue URL with any password redacted.
func (t *Transport) URL() string {
	return t.u.Redacted()
}

func (t *Transport) withTimeout(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	if t.opts.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.opts.requestTimeout+extra)
}

func (t *Transport) ensureClient(ctx context.Context) (Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && !t.client.IsClosed() {
		return t.client, nil
	}

	if t.client != nil {
		util.Log(ctx).WithField("queue", t.name).Info("queue client is closed, reopening")
	}

	openCtx, cancel := t.withTimeout(ctx, 0)
	defer cancel()

	u := *t.u
	client, err := t.opener(openCtx, &u)
	if err != nil {
		return nil, fmt.Errorf("open queue client: %w", err)
	}

	t.client = client
	return client, nil
}

func (t *Transport) envelope(ctx context.Context, payload messages.Payload, opts ...SendOption) (*Envelope, error) {
	so := &sendOptions{}
	for _, opt := range opts {
		opt(so)
	}

	kind, body, err := t.opts.registry.Encode(payload)
	if err != nil {
		if errors.Is(err, messages.ErrNilPayload) {
			return nil, ErrNilMessage
		}
		return nil, err
	}

	metadata := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, metadata)
	maps.Copy(metadata, so.metadata)

	id := so.messageID
	if id == "" {
		id = xid.New().String()
	}

	visibleAt := time.Now().UTC()
	if so.delay > 0 {
		visibleAt = visibleAt.Add(so.delay)
	}

	return &Envelope{
		ID:           id,
		Kind:         kind,
		Body:         body,
		Metadata:     metadata,
		PartitionKey: so.partitionKey,
		EnqueuedTime: visibleAt,
		VisibleAt:    visibleAt,
	}, nil
}

// Send enqueues payload. With WithDelay the message stays invisible until the delay
// elapses and its EnqueuedTime is the scheduled visibility time.
func (t *Transport) Send(ctx context.Context, payload messages.Payload, opts ...SendOption) error {
	env, err := t.envelope(ctx, payload, opts...)
	if err != nil {
		return t.wrapErr("send", err)
	}

	if t.opts.sendFlushInterval > 0 {
		return t.wrapErr("send", t.sendBatched(ctx, env))
	}

	return t.wrapErr("send", t.sendNow(ctx, []*Envelope{env}))
}

func (t *Transport) sendNow(ctx context.Context, envelopes []*Envelope) error {
	var lastErr error
	for attempt := 0; attempt <= t.opts.sendRetries; attempt++ {
		if attempt > 0 {
			util.Log(ctx).WithError(lastErr).
				WithField("queue", t.name).
				WithField("attempt", attempt).
				Warn("send failed, retrying")

			timer := time.NewTimer(sendRetryBackoffDelay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}

		client, err := t.ensureClient(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		reqCtx, cancel := t.withTimeout(ctx, 0)
		err = client.Send(reqCtx, envelopes)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err
		if errors.Is(err, ErrNotSupported) || ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}

func (t *Transport) sendBatched(ctx context.Context, env *Envelope) error {
	t.batchMu.Lock()
	if t.batcher == nil {
		t.batcher = newSendBatcher(ctx, t.opts.sendFlushInterval, t.opts.sendMaxBatch, t.sendNow)
	}
	b := t.batcher
	t.batchMu.Unlock()

	err := b.submit(ctx, env)
	if errors.Is(err, errBatcherStopped) {
		return t.sendNow(ctx, []*Envelope{env})
	}
	return err
}

// Receive peek-locks a single message. It returns nil without error when nothing
// arrived within the receive wait.
func (t *Transport) Receive(ctx context.Context) (*Message, error) {
	msgs, err := t.ReceiveBatch(ctx, 1)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// ReceiveBatch peek-locks up to count messages.
func (t *Transport) ReceiveBatch(ctx context.Context, count int) ([]*Message, error) {
	count = max(count, 1)

	client, err := t.ensureClient(ctx)
	if err != nil {
		return nil, t.wrapErr("receive", err)
	}

	reqCtx, cancel := t.withTimeout(ctx, t.opts.receiveWait)
	defer cancel()

	deliveries, err := client.Receive(reqCtx, count, t.opts.receiveWait)
	if err != nil {
		return nil, t.wrapErr("receive", err)
	}

	msgs := make([]*Message, 0, len(deliveries))
	for _, d := range deliveries {
		msgs = append(msgs, t.toMessage(d, true))
	}
	return msgs, nil
}

// Complete removes a received message permanently. A second call for the same
// delivery, or a call after the lock expired, fails with ErrLockLost.
func (t *Transport) Complete(ctx context.Context, msg *Message) error {
	return t.settle(ctx, "complete", msg, Client.Complete)
}

// Abandon releases the lock so the message is redelivered with its dequeue count
// incremented, or dead-lettered once the broker's delivery limit is reached.
func (t *Transport) Abandon(ctx context.Context, msg *Message) error {
	return t.settle(ctx, "abandon", msg, Client.Abandon)
}

func (t *Transport) settle(
	ctx context.Context,
	op string,
	msg *Message,
	fn func(Client, context.Context, string) error,
) error {
	if msg == nil {
		return t.wrapErr(op, ErrNilMessage)
	}

	h := msg.handle
	if h == nil || h.owner != t || h.lockToken == "" {
		return t.wrapErr(op, ErrLockLost)
	}

	client, err := t.ensureClient(ctx)
	if err != nil {
		return t.wrapErr(op, err)
	}

	reqCtx, cancel := t.withTimeout(ctx, 0)
	defer cancel()

	err = fn(client, reqCtx, h.lockToken)
	if err != nil {
		return t.wrapErr(op, err)
	}

	msg.handle = nil
	return nil
}

func (t *Transport) inspector(ctx context.Context) (Inspector, error) {
	client, err := t.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	insp, ok := client.(Inspector)
	if !ok {
		return nil, ErrNotSupported
	}
	return insp, nil
}

func (t *Transport) peek(
	ctx context.Context,
	op string,
	fn func(Inspector, context.Context) ([]*Delivery, error),
) ([]*Message, error) {
	insp, err := t.inspector(ctx)
	if err != nil {
		return nil, t.wrapErr(op, err)
	}

	reqCtx, cancel := t.withTimeout(ctx, 0)
	defer cancel()

	deliveries, err := fn(insp, reqCtx)
	if err != nil {
		return nil, t.wrapErr(op, err)
	}

	msgs := make([]*Message, 0, len(deliveries))
	for _, d := range deliveries {
		msgs = append(msgs, t.toMessage(d, false))
	}
	return msgs, nil
}

// PeekBatch returns up to count active messages with a sequence number of at least
// fromSequence without locking them or changing their dequeue count.
func (t *Transport) PeekBatch(ctx context.Context, fromSequence int64, count int) ([]*Message, error) {
	count = adminCount(count)
	return t.peek(ctx, "peek", func(insp Inspector, c context.Context) ([]*Delivery, error) {
		return insp.Peek(c, fromSequence, count)
	})
}

// PeekDeadLetterBatch is PeekBatch over the dead-letter queue.
func (t *Transport) PeekDeadLetterBatch(ctx context.Context, fromSequence int64, count int) ([]*Message, error) {
	count = adminCount(count)
	return t.peek(ctx, "peek dead-letter", func(insp Inspector, c context.Context) ([]*Delivery, error) {
		return insp.PeekDeadLetter(c, fromSequence, count)
	})
}

// ReceiveDeadLetterBatch removes and returns up to count dead-lettered messages.
func (t *Transport) ReceiveDeadLetterBatch(ctx context.Context, count int) ([]*Message, error) {
	count = adminCount(count)
	return t.peek(ctx, "receive dead-letter", func(insp Inspector, c context.Context) ([]*Delivery, error) {
		return insp.ReceiveDeadLetter(c, count)
	})
}

// DeleteDeadLetter removes the dead-lettered message with the given sequence number.
func (t *Transport) DeleteDeadLetter(ctx context.Context, sequenceNumber int64) error {
	insp, err := t.inspector(ctx)
	if err != nil {
		return t.wrapErr("delete dead-letter", err)
	}

	reqCtx, cancel := t.withTimeout(ctx, 0)
	defer cancel()

	return t.wrapErr("delete dead-letter", insp.DeleteDeadLetter(reqCtx, sequenceNumber))
}

// MessageCount returns the approximate number of active messages.
func (t *Transport) MessageCount(ctx context.Context) (int64, error) {
	return t.count(ctx, "count", Inspector.Count)
}

// DeadLetterMessageCount returns the approximate number of dead-lettered messages.
func (t *Transport) DeadLetterMessageCount(ctx context.Context) (int64, error) {
	return t.count(ctx, "count dead-letter", Inspector.DeadLetterCount)
}

func (t *Transport) count(
	ctx context.Context,
	op string,
	fn func(Inspector, context.Context) (int64, error),
) (int64, error) {
	insp, err := t.inspector(ctx)
	if err != nil {
		return 0, t.wrapErr(op, err)
	}

	reqCtx, cancel := t.withTimeout(ctx, 0)
	defer cancel()

	n, err := fn(insp, reqCtx)
	if err != nil {
		return 0, t.wrapErr(op, err)
	}
	return n, nil
}

// Close flushes pending batched sends and closes the broker client. A later
// operation reopens it.
func (t *Transport) Close(ctx context.Context) error {
	t.batchMu.Lock()
	b := t.batcher
	t.batcher = nil
	t.batchMu.Unlock()

	if b != nil {
		b.stop()
	}

	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client == nil || client.IsClosed() {
		return nil
	}

	return t.wrapErr("close", client.Close(ctx))
}

func adminCount(count int) int {
	if count < 1 {
		return defaultAdminBatch
	}
	return count
}
