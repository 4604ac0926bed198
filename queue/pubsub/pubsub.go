// Package pubsub carries queues over gocloud pub/sub topics. It registers the
// "pubsub+mem" and "pubsub+nats" schemes. Brokers of this family have no
// sequence numbers, scheduled delivery or inspection; the delivery count
// travels in the message metadata and abandoned messages are republished.
//
// Locks are enforced by the client: a message not settled within lock_duration
// is handled like an abandon. The broker's own ack deadline must be longer than
// lock_duration; the mem broker is set up that way, for NATS configure the
// consumer ack wait accordingly.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/pitabwire/natspubsub" // registers nats:// with gocloud
	"github.com/pitabwire/util"
	"github.com/rs/xid"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // registers mem:// with gocloud

	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

const (
	schemePrefix    = "pubsub+"
	paramDeadLetter = "dead_letter"

	headerKind      = "x-pipeline-kind"
	headerID        = "x-pipeline-id"
	headerEnqueued  = "x-pipeline-enqueued"
	headerDelivered = "x-pipeline-delivered"
	headerPartition = "x-pipeline-partition"
	headerReason    = "x-pipeline-dead-letter-reason"

	shutdownTimeout = 30 * time.Second
	drainWait       = 5 * time.Millisecond

	ackDeadlineFactor = 10
	minSweepInterval  = 10 * time.Millisecond
	expiryTimeout     = 10 * time.Second
)

//nolint:gochecknoinits // driver registration
func init() {
	queue.RegisterDriver(schemePrefix+"mem", Open)
	queue.RegisterDriver(schemePrefix+"nats", Open)
}

// mem topics and subscriptions are process local and shared by URL. Shutting
// one down would break every other user of the same URL, so they live for the
// life of the process.
//
//nolint:gochecknoglobals // shared in-process brokers
var (
	memMu      sync.Mutex
	memBrokers = map[string]*endpoints{}
)

type endpoints struct {
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	deadLetter   *pubsub.Topic
}

type lockedMessage struct {
	msg         *pubsub.Message
	envelope    *queue.Envelope
	count       int
	lockedUntil time.Time
}

type client struct {
	ep     *endpoints
	mem    bool
	params queue.DriverParams

	mu     sync.Mutex
	locked map[string]*lockedMessage

	closed atomic.Bool
	stopCh chan struct{}
}

// Open turns pubsub+<scheme>://... into a gocloud topic and subscription on
// <scheme>://... . The dead_letter parameter names a gocloud topic URL that
// receives messages after max_delivery_count deliveries; without it they are
// dropped with an error log.
func Open(ctx context.Context, u *url.URL) (queue.Client, error) {
	params, rest, err := queue.ParseDriverParams(u.Query())
	if err != nil {
		return nil, err
	}

	deadLetterURL := rest.Get(paramDeadLetter)
	rest.Del(paramDeadLetter)

	inner := *u
	inner.Scheme = strings.TrimPrefix(strings.ToLower(u.Scheme), schemePrefix)
	inner.RawQuery = rest.Encode()

	c := &client{
		mem:    inner.Scheme == "mem",
		params: params,
		locked: map[string]*lockedMessage{},
		stopCh: make(chan struct{}),
	}

	if c.mem {
		c.ep, err = openMem(ctx, &inner, deadLetterURL, params)
	} else {
		c.ep, err = openEndpoints(ctx, topicURL(&inner), inner.String(), deadLetterURL)
	}
	if err != nil {
		return nil, err
	}

	go c.sweepLoop(context.WithoutCancel(ctx))
	return c, nil
}

// topicURL drops consumer settings, which only apply to subscriptions.
func topicURL(u *url.URL) string {
	t := *u
	q := t.Query()
	for k := range q {
		if strings.HasPrefix(k, "consumer_") {
			q.Del(k)
		}
	}
	t.RawQuery = q.Encode()
	return t.String()
}

func openMem(ctx context.Context, u *url.URL, deadLetterURL string, params queue.DriverParams) (*endpoints, error) {
	key := u.Host + u.Path

	memMu.Lock()
	defer memMu.Unlock()

	if ep, ok := memBrokers[key]; ok {
		return ep, nil
	}

	subURL := *u
	q := subURL.Query()
	q.Set("ackdeadline", (params.LockDuration * ackDeadlineFactor).String())
	subURL.RawQuery = q.Encode()

	topic := *u
	topic.RawQuery = ""

	ep, err := openEndpoints(ctx, topic.String(), subURL.String(), deadLetterURL)
	if err != nil {
		return nil, err
	}
	memBrokers[key] = ep
	return ep, nil
}

func openEndpoints(ctx context.Context, topicURL, subscriptionURL, deadLetterURL string) (*endpoints, error) {
	topic, err := pubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		return nil, fmt.Errorf("could not open topic: %w", err)
	}

	sub, err := pubsub.OpenSubscription(ctx, subscriptionURL)
	if err != nil {
		return nil, fmt.Errorf("could not open topic subscription: %w", err)
	}

	ep := &endpoints{topic: topic, subscription: sub}
	if deadLetterURL != "" {
		ep.deadLetter, err = pubsub.OpenTopic(ctx, deadLetterURL)
		if err != nil {
			return nil, fmt.Errorf("could not open dead-letter topic: %w", err)
		}
	}
	return ep, nil
}

func (c *client) checkOpen() error {
	if c.closed.Load() {
		return queue.ErrClientClosed
	}
	return nil
}

func toMessage(env *queue.Envelope, delivered int) *pubsub.Message {
	metadata := maps.Clone(env.Metadata)
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata[headerKind] = string(env.Kind)
	metadata[headerID] = env.ID
	metadata[headerEnqueued] = env.EnqueuedTime.UTC().Format(time.RFC3339Nano)
	metadata[headerDelivered] = strconv.Itoa(delivered)
	if env.PartitionKey != "" {
		metadata[headerPartition] = env.PartitionKey
	}

	return &pubsub.Message{Body: env.Body, Metadata: metadata}
}

func fromMessage(msg *pubsub.Message) (*queue.Envelope, int) {
	metadata := map[string]string{}
	for k, v := range msg.Metadata {
		if !strings.HasPrefix(k, "x-pipeline-") {
			metadata[k] = v
		}
	}

	enqueued, _ := time.Parse(time.RFC3339Nano, msg.Metadata[headerEnqueued])
	delivered, _ := strconv.Atoi(msg.Metadata[headerDelivered])

	return &queue.Envelope{
		ID:           msg.Metadata[headerID],
		Kind:         messages.Kind(msg.Metadata[headerKind]),
		Body:         msg.Body,
		Metadata:     metadata,
		PartitionKey: msg.Metadata[headerPartition],
		EnqueuedTime: enqueued,
		VisibleAt:    enqueued,
	}, delivered
}

func (c *client) Send(ctx context.Context, envelopes []*queue.Envelope) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	now := time.Now()
	for _, env := range envelopes {
		if env != nil && env.VisibleAt.After(now) {
			return fmt.Errorf("%w: delayed delivery", queue.ErrNotSupported)
		}
	}

	for _, env := range envelopes {
		if env == nil {
			continue
		}
		if err := c.ep.topic.Send(ctx, toMessage(env, 0)); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*queue.Delivery, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	c.expire(ctx, time.Now())

	var out []*queue.Delivery
	for len(out) < maxMessages {
		timeout := wait
		if len(out) > 0 {
			timeout = drainWait
		}

		rctx, cancel := context.WithTimeout(ctx, timeout)
		msg, err := c.ep.subscription.Receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				c.release(out)
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			c.release(out)
			return nil, err
		}

		env, delivered := fromMessage(msg)
		token := xid.New().String()

		c.mu.Lock()
		c.locked[token] = &lockedMessage{
			msg:         msg,
			envelope:    env,
			count:       delivered + 1,
			lockedUntil: time.Now().Add(c.params.LockDuration),
		}
		c.mu.Unlock()

		out = append(out, &queue.Delivery{
			ID:           env.ID,
			Kind:         env.Kind,
			Body:         env.Body,
			Metadata:     env.Metadata,
			PartitionKey: env.PartitionKey,
			DequeueCount: delivered + 1,
			EnqueuedTime: env.EnqueuedTime,
			LockToken:    token,
		})
	}
	return out, nil
}

// release hands deliveries that never reached the caller back to the broker
// without counting them.
func (c *client) release(deliveries []*queue.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range deliveries {
		lm, ok := c.locked[d.LockToken]
		if !ok {
			continue
		}
		delete(c.locked, d.LockToken)
		if lm.msg.Nackable() {
			lm.msg.Nack()
		}
	}
}

// take removes the lock for settlement. An expired lock is redelivered on the
// spot and reported as lost.
func (c *client) take(ctx context.Context, lockToken string) (*lockedMessage, error) {
	c.mu.Lock()
	lm, ok := c.locked[lockToken]
	if ok {
		delete(c.locked, lockToken)
	}
	c.mu.Unlock()

	if !ok {
		return nil, queue.ErrLockLost
	}
	if !lm.lockedUntil.After(time.Now()) {
		c.expired(ctx, lm)
		return nil, queue.ErrLockLost
	}
	return lm, nil
}

// expire redelivers every message whose lock ran out before now.
func (c *client) expire(ctx context.Context, now time.Time) {
	var lapsed []*lockedMessage

	c.mu.Lock()
	for token, lm := range c.locked {
		if !lm.lockedUntil.After(now) {
			delete(c.locked, token)
			lapsed = append(lapsed, lm)
		}
	}
	c.mu.Unlock()

	for _, lm := range lapsed {
		c.expired(ctx, lm)
	}
}

func (c *client) expired(ctx context.Context, lm *lockedMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), expiryTimeout)
	defer cancel()

	log := util.Log(ctx).
		WithField("message_id", lm.envelope.ID).
		WithField("dequeue_count", lm.count)

	if err := c.redeliver(ctx, lm); err != nil {
		log.WithError(err).Error("could not redeliver message after lock expiry")
		return
	}
	log.Warn("message lock expired")
}

func (c *client) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(max(c.params.LockDuration/2, minSweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.expire(ctx, now)
		}
	}
}

func (c *client) Complete(ctx context.Context, lockToken string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	lm, err := c.take(ctx, lockToken)
	if err != nil {
		return err
	}
	lm.msg.Ack()
	return nil
}

// Abandon republishes the message with its delivery count raised, or moves it to
// the dead-letter topic once the count reaches the limit, then acks the original.
func (c *client) Abandon(ctx context.Context, lockToken string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	lm, err := c.take(ctx, lockToken)
	if err != nil {
		return err
	}
	return c.redeliver(ctx, lm)
}

// redeliver counts a failed delivery of lm: it is republished, or dead-lettered
// once the limit is reached, and the original is acked.
func (c *client) redeliver(ctx context.Context, lm *lockedMessage) error {
	var err error
	if lm.count < c.params.MaxDeliveryCount {
		if err = c.ep.topic.Send(ctx, toMessage(lm.envelope, lm.count)); err != nil {
			lm.msg.Nack()
			return err
		}
		lm.msg.Ack()
		return nil
	}

	if c.ep.deadLetter == nil {
		util.Log(ctx).
			WithField("message_id", lm.envelope.ID).
			WithField("kind", lm.envelope.Kind).
			Error("delivery limit reached and no dead-letter topic configured, dropping message")
		lm.msg.Ack()
		return nil
	}

	dead := toMessage(lm.envelope, lm.count)
	dead.Metadata[headerReason] = queue.ReasonMaxDeliveryCountExceeded
	if err = c.ep.deadLetter.Send(ctx, dead); err != nil {
		lm.msg.Nack()
		return err
	}
	lm.msg.Ack()
	return nil
}

func (c *client) IsClosed() bool {
	return c.closed.Load()
}

func (c *client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)

	c.mu.Lock()
	pending := c.locked
	c.locked = map[string]*lockedMessage{}
	c.mu.Unlock()

	for _, lm := range pending {
		if lm.msg.Nackable() {
			lm.msg.Nack()
		}
	}

	if c.mem {
		return nil
	}

	sctx := ctx
	if sctx.Err() != nil {
		sctx = context.Background()
	}
	sctx, cancel := context.WithTimeout(sctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if err := c.ep.subscription.Shutdown(sctx); err != nil {
		errs = append(errs, err)
	}
	for _, t := range []*pubsub.Topic{c.ep.topic, c.ep.deadLetter} {
		if t == nil {
			continue
		}
		if err := t.Shutdown(sctx); err != nil && !isTopicAlreadyShutdownErr(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isTopicAlreadyShutdownErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "topic has been shutdown")
}
