// Package memory provides an in-process peek-lock queue registered under the
// "mem" scheme. Queues are shared by every client in the process that opens the
// same URL, which makes the driver suitable for tests and single node runs.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

// Scheme is the URL scheme served by this driver.
const Scheme = "mem"

const (
	paramPartitions = "partitions"
	partitionShift  = 48
)

//nolint:gochecknoinits // driver registration
func init() {
	queue.RegisterDriver(Scheme, Open)
}

//nolint:gochecknoglobals // process wide brokers keyed by queue URL
var (
	brokersMu sync.Mutex
	brokers   = map[string]*broker{}
)

type entry struct {
	id           string
	kind         messages.Kind
	body         []byte
	metadata     map[string]string
	partitionKey string
	enqueuedTime time.Time
	visibleAt    time.Time
	sequence     int64
	order        uint64
	dequeueCount int
	lockToken    string
	lockedUntil  time.Time
	reason       string
}

func (e *entry) locked() bool {
	return e.lockToken != ""
}

func (e *entry) delivery(withToken bool) *queue.Delivery {
	d := &queue.Delivery{
		ID:               e.id,
		Kind:             e.kind,
		Body:             append([]byte(nil), e.body...),
		Metadata:         maps.Clone(e.metadata),
		PartitionKey:     e.partitionKey,
		DequeueCount:     e.dequeueCount,
		EnqueuedTime:     e.enqueuedTime,
		SequenceNumber:   e.sequence,
		DeadLetterReason: e.reason,
	}
	if withToken {
		d.LockToken = e.lockToken
	}
	return d
}

type broker struct {
	mu         sync.Mutex
	partitions int
	counters   []int64
	roundRobin int
	order      uint64

	active     map[int64]*entry
	deadLetter map[int64]*entry
	tokens     map[string]int64
	notify     chan struct{}
}

func newBroker(partitions int) *broker {
	return &broker{
		partitions: partitions,
		counters:   make([]int64, partitions),
		active:     map[int64]*entry{},
		deadLetter: map[int64]*entry{},
		tokens:     map[string]int64{},
		notify:     make(chan struct{}),
	}
}

func brokerFor(key string, partitions int) *broker {
	brokersMu.Lock()
	defer brokersMu.Unlock()

	b, ok := brokers[key]
	if !ok {
		b = newBroker(partitions)
		brokers[key] = b
	}
	return b
}

// wake releases every receiver waiting on the broker. Callers hold b.mu.
func (b *broker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *broker) partitionFor(key string) int {
	if b.partitions == 1 {
		return 0
	}
	if key == "" {
		p := b.roundRobin % b.partitions
		b.roundRobin++
		return p
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *broker) nextSequence(partition int) int64 {
	b.counters[partition]++
	return int64(partition)<<partitionShift | b.counters[partition]
}

func (b *broker) deadLetterEntry(e *entry, reason string) {
	delete(b.active, e.sequence)
	if e.lockToken != "" {
		delete(b.tokens, e.lockToken)
	}
	e.lockToken = ""
	e.lockedUntil = time.Time{}
	e.reason = reason
	b.deadLetter[e.sequence] = e
}

func (b *broker) release(e *entry, maxDelivery int) {
	if e.dequeueCount >= maxDelivery {
		b.deadLetterEntry(e, queue.ReasonMaxDeliveryCountExceeded)
		return
	}
	delete(b.tokens, e.lockToken)
	e.lockToken = ""
	e.lockedUntil = time.Time{}
}

func (b *broker) reclaimExpired(now time.Time, maxDelivery int) {
	for _, e := range b.active {
		if e.locked() && !e.lockedUntil.After(now) {
			b.release(e, maxDelivery)
		}
	}
}

func (b *broker) ready(now time.Time) []*entry {
	var out []*entry
	for _, e := range b.active {
		if !e.locked() && !e.visibleAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].visibleAt.Equal(out[j].visibleAt) {
			return out[i].visibleAt.Before(out[j].visibleAt)
		}
		return out[i].order < out[j].order
	})
	return out
}

// nextChange is the earliest moment an entry becomes visible or a lock expires.
func (b *broker) nextChange(now time.Time) time.Time {
	var next time.Time
	for _, e := range b.active {
		at := e.visibleAt
		if e.locked() {
			at = e.lockedUntil
		}
		if !at.After(now) {
			continue
		}
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	return next
}

func sortedBySequence(src map[int64]*entry, from int64) []*entry {
	out := make([]*entry, 0, len(src))
	for seq, e := range src {
		if seq >= from {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sequence < out[j].sequence })
	return out
}

type client struct {
	broker *broker
	params queue.DriverParams
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

// Open returns a client for mem://<name>. Besides the common driver parameters
// it understands partitions, the number of sequence number partitions.
func Open(_ context.Context, u *url.URL) (queue.Client, error) {
	params, rest, err := queue.ParseDriverParams(u.Query())
	if err != nil {
		return nil, err
	}

	partitions := 1
	if v := rest.Get(paramPartitions); v != "" {
		partitions, err = strconv.Atoi(v)
		if err != nil || partitions < 1 {
			return nil, fmt.Errorf("invalid %s %q", paramPartitions, v)
		}
	}

	name := u.Host + u.Path
	if name == "" {
		return nil, fmt.Errorf("mem queue URL %q has no queue name", u.String())
	}

	return &client{
		broker: brokerFor(name, partitions),
		params: params,
		done:   make(chan struct{}),
	}, nil
}

func (c *client) checkOpen() error {
	if c.closed.Load() {
		return queue.ErrClientClosed
	}
	return nil
}

func (c *client) Send(_ context.Context, envelopes []*queue.Envelope) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, env := range envelopes {
		if env == nil {
			continue
		}
		b.order++
		e := &entry{
			id:           env.ID,
			kind:         env.Kind,
			body:         append([]byte(nil), env.Body...),
			metadata:     maps.Clone(env.Metadata),
			partitionKey: env.PartitionKey,
			enqueuedTime: env.EnqueuedTime,
			visibleAt:    env.VisibleAt,
			sequence:     b.nextSequence(b.partitionFor(env.PartitionKey)),
			order:        b.order,
		}
		b.active[e.sequence] = e
	}
	b.wake()
	return nil
}

func (c *client) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*queue.Delivery, error) {
	deadline := time.Now().Add(wait)
	b := c.broker

	for {
		if err := c.checkOpen(); err != nil {
			return nil, err
		}

		b.mu.Lock()
		now := time.Now()
		b.reclaimExpired(now, c.params.MaxDeliveryCount)

		var out []*queue.Delivery
		for _, e := range b.ready(now) {
			if len(out) == maxMessages {
				break
			}
			e.dequeueCount++
			e.lockToken = xid.New().String()
			e.lockedUntil = now.Add(c.params.LockDuration)
			b.tokens[e.lockToken] = e.sequence
			out = append(out, e.delivery(true))
		}
		next := b.nextChange(now)
		notify := b.notify
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if !next.IsZero() {
			remaining = min(remaining, time.Until(next))
		}

		timer := time.NewTimer(max(remaining, time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.done:
			timer.Stop()
			return nil, queue.ErrClientClosed
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// lockedEntry resolves a lock token. An expired lock is released on the spot and
// reported as lost.
func (c *client) lockedEntry(token string, now time.Time) (*entry, error) {
	b := c.broker
	seq, ok := b.tokens[token]
	if !ok {
		return nil, queue.ErrLockLost
	}
	e, ok := b.active[seq]
	if !ok || e.lockToken != token {
		delete(b.tokens, token)
		return nil, queue.ErrLockLost
	}
	if !e.lockedUntil.After(now) {
		b.release(e, c.params.MaxDeliveryCount)
		b.wake()
		return nil, queue.ErrLockLost
	}
	return e, nil
}

func (c *client) Complete(_ context.Context, lockToken string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := c.lockedEntry(lockToken, time.Now())
	if err != nil {
		return err
	}
	delete(b.tokens, lockToken)
	delete(b.active, e.sequence)
	return nil
}

func (c *client) Abandon(_ context.Context, lockToken string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := c.lockedEntry(lockToken, time.Now())
	if err != nil {
		return err
	}
	b.release(e, c.params.MaxDeliveryCount)
	b.wake()
	return nil
}

func (c *client) Peek(_ context.Context, fromSequence int64, maxMessages int) ([]*queue.Delivery, error) {
	return c.peek(func(b *broker) map[int64]*entry { return b.active }, fromSequence, maxMessages)
}

func (c *client) PeekDeadLetter(_ context.Context, fromSequence int64, maxMessages int) ([]*queue.Delivery, error) {
	return c.peek(func(b *broker) map[int64]*entry { return b.deadLetter }, fromSequence, maxMessages)
}

func (c *client) peek(
	pick func(*broker) map[int64]*entry,
	fromSequence int64,
	maxMessages int,
) ([]*queue.Delivery, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*queue.Delivery
	for _, e := range sortedBySequence(pick(b), fromSequence) {
		if len(out) == maxMessages {
			break
		}
		out = append(out, e.delivery(false))
	}
	return out, nil
}

func (c *client) ReceiveDeadLetter(_ context.Context, maxMessages int) ([]*queue.Delivery, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*queue.Delivery
	for _, e := range sortedBySequence(b.deadLetter, 0) {
		if len(out) == maxMessages {
			break
		}
		delete(b.deadLetter, e.sequence)
		out = append(out, e.delivery(false))
	}
	return out, nil
}

func (c *client) DeleteDeadLetter(_ context.Context, sequenceNumber int64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.deadLetter[sequenceNumber]; !ok {
		return fmt.Errorf("%w: sequence %d", queue.ErrMessageNotFound, sequenceNumber)
	}
	delete(b.deadLetter, sequenceNumber)
	return nil
}

func (c *client) Count(_ context.Context) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.active)), nil
}

func (c *client) DeadLetterCount(_ context.Context) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.deadLetter)), nil
}

func (c *client) IsClosed() bool {
	return c.closed.Load()
}

func (c *client) Close(_ context.Context) error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}
