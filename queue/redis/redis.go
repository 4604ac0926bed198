// Package redis implements peek-lock queues on Redis or Valkey. Every state
// transition runs inside a Lua script so concurrent consumers never observe a
// half moved message.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

const (
	paramQueue  = "queue"
	paramPrefix = "prefix"

	defaultPrefix = "pipeline"
)

//nolint:gochecknoinits // driver registration
func init() {
	queue.RegisterDriver("redis", Open)
	queue.RegisterDriver("rediss", Open)
}

type keys struct {
	prefix string
	seq    string
	active string
	ready  string
	locked string
	dlq    string
}

func newKeys(prefix string, name string) keys {
	base := fmt.Sprintf("%s:{%s}", prefix, name)
	return keys{
		prefix: base,
		seq:    base + ":seq",
		active: base + ":active",
		ready:  base + ":ready",
		locked: base + ":locked",
		dlq:    base + ":dlq",
	}
}

func (k keys) message(seq string) string {
	return k.prefix + ":msg:" + seq
}

type client struct {
	rdb    *redis.Client
	keys   keys
	params queue.DriverParams
	closed atomic.Bool
	done   chan struct{}
}

// Open connects to redis://[user:pass@]host:port/db?queue=<name>. The queue
// parameter is required; prefix namespaces the keys and defaults to "pipeline".
func Open(ctx context.Context, u *url.URL) (queue.Client, error) {
	params, rest, err := queue.ParseDriverParams(u.Query())
	if err != nil {
		return nil, err
	}

	name := rest.Get(paramQueue)
	if name == "" {
		return nil, fmt.Errorf("redis queue URL requires the %q parameter", paramQueue)
	}
	prefix := rest.Get(paramPrefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	rest.Del(paramQueue)
	rest.Del(paramPrefix)

	connURL := *u
	connURL.RawQuery = rest.Encode()

	opts, err := redis.ParseURL(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err = rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &client{
		rdb:    rdb,
		keys:   newKeys(prefix, name),
		params: params,
		done:   make(chan struct{}),
	}, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (c *client) checkOpen() error {
	if c.closed.Load() {
		return queue.ErrClientClosed
	}
	return nil
}

func (c *client) Send(ctx context.Context, envelopes []*queue.Envelope) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, env := range envelopes {
			if env == nil {
				continue
			}
			meta, err := json.Marshal(env.Metadata)
			if err != nil {
				return err
			}
			sendScript.Eval(ctx, pipe,
				[]string{c.keys.seq, c.keys.active, c.keys.ready},
				c.keys.prefix, env.ID, string(env.Kind), env.Body, meta, env.PartitionKey,
				env.EnqueuedTime.UnixMilli(), env.VisibleAt.UnixMilli(),
			)
		}
		return nil
	})
	return err
}

func (c *client) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*queue.Delivery, error) {
	deadline := time.Now().Add(wait)

	for {
		if err := c.checkOpen(); err != nil {
			return nil, err
		}

		res, err := receiveScript.Run(ctx, c.rdb,
			[]string{c.keys.ready, c.keys.locked, c.keys.dlq, c.keys.active},
			c.keys.prefix, nowMillis(), c.params.LockDuration.Milliseconds(), maxMessages,
			c.params.MaxDeliveryCount, xid.New().String(), queue.ReasonMaxDeliveryCountExceeded,
		).Slice()
		if err != nil {
			return nil, err
		}

		if len(res) > 0 {
			return parseReceived(res)
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}

		timer := time.NewTimer(min(c.params.PollInterval, time.Until(deadline)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.done:
			timer.Stop()
			return nil, queue.ErrClientClosed
		case <-timer.C:
		}
	}
}

func parseReceived(res []any) ([]*queue.Delivery, error) {
	out := make([]*queue.Delivery, 0, len(res))
	for _, row := range res {
		fields, ok := row.([]any)
		if !ok || len(fields) != 9 {
			return nil, fmt.Errorf("unexpected receive reply %T", row)
		}

		str := make([]string, len(fields))
		for i, f := range fields {
			str[i], _ = f.(string)
		}

		seq, err := strconv.ParseInt(str[0], 10, 64)
		if err != nil {
			return nil, err
		}
		count, _ := strconv.Atoi(str[2])
		enq, _ := strconv.ParseInt(str[8], 10, 64)

		out = append(out, &queue.Delivery{
			ID:             str[3],
			Kind:           messages.Kind(str[4]),
			Body:           []byte(str[5]),
			Metadata:       decodeMetadata(str[6]),
			PartitionKey:   str[7],
			DequeueCount:   count,
			EnqueuedTime:   time.UnixMilli(enq).UTC(),
			SequenceNumber: seq,
			LockToken:      str[1],
		})
	}
	return out, nil
}

func decodeMetadata(raw string) map[string]string {
	meta := map[string]string{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &meta)
	}
	return meta
}

func (c *client) Complete(ctx context.Context, lockToken string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	n, err := completeScript.Run(ctx, c.rdb,
		[]string{c.keys.locked, c.keys.active},
		c.keys.prefix, lockToken, nowMillis(),
	).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrLockLost
	}
	return nil
}

func (c *client) Abandon(ctx context.Context, lockToken string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	n, err := abandonScript.Run(ctx, c.rdb,
		[]string{c.keys.locked, c.keys.ready, c.keys.dlq, c.keys.active},
		c.keys.prefix, lockToken, nowMillis(), c.params.MaxDeliveryCount, queue.ReasonMaxDeliveryCountExceeded,
	).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return queue.ErrLockLost
	}
	return nil
}

func (c *client) Peek(ctx context.Context, fromSequence int64, maxMessages int) ([]*queue.Delivery, error) {
	return c.peek(ctx, c.keys.active, fromSequence, maxMessages)
}

func (c *client) PeekDeadLetter(ctx context.Context, fromSequence int64, maxMessages int) ([]*queue.Delivery, error) {
	return c.peek(ctx, c.keys.dlq, fromSequence, maxMessages)
}

func (c *client) peek(ctx context.Context, set string, fromSequence int64, maxMessages int) ([]*queue.Delivery, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	seqs, err := c.rdb.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   strconv.FormatInt(fromSequence, 10),
		Max:   "+inf",
		Count: int64(maxMessages),
	}).Result()
	if err != nil {
		return nil, err
	}

	return c.load(ctx, seqs)
}

func (c *client) load(ctx context.Context, seqs []string) ([]*queue.Delivery, error) {
	if len(seqs) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(seqs))
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, seq := range seqs {
			cmds[i] = pipe.HGetAll(ctx, c.keys.message(seq))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*queue.Delivery, 0, len(seqs))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, fromHash(seqs[i], fields))
	}
	return out, nil
}

func fromHash(seq string, fields map[string]string) *queue.Delivery {
	sequence, _ := strconv.ParseInt(seq, 10, 64)
	count, _ := strconv.Atoi(fields["count"])
	enq, _ := strconv.ParseInt(fields["enq"], 10, 64)

	return &queue.Delivery{
		ID:               fields["id"],
		Kind:             messages.Kind(fields["kind"]),
		Body:             []byte(fields["body"]),
		Metadata:         decodeMetadata(fields["meta"]),
		PartitionKey:     fields["pkey"],
		DequeueCount:     count,
		EnqueuedTime:     time.UnixMilli(enq).UTC(),
		SequenceNumber:   sequence,
		DeadLetterReason: fields["reason"],
	}
}

func (c *client) ReceiveDeadLetter(ctx context.Context, maxMessages int) ([]*queue.Delivery, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	seqs, err := c.rdb.ZRange(ctx, c.keys.dlq, 0, int64(maxMessages-1)).Result()
	if err != nil {
		return nil, err
	}

	var out []*queue.Delivery
	for _, seq := range seqs {
		removed, remErr := c.rdb.ZRem(ctx, c.keys.dlq, seq).Result()
		if remErr != nil {
			return out, remErr
		}
		if removed == 0 {
			// another consumer drained it first
			continue
		}

		var fields *redis.MapStringStringCmd
		_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fields = pipe.HGetAll(ctx, c.keys.message(seq))
			pipe.Del(ctx, c.keys.message(seq))
			return nil
		})
		if err != nil {
			return out, err
		}
		if len(fields.Val()) > 0 {
			out = append(out, fromHash(seq, fields.Val()))
		}
	}
	return out, nil
}

func (c *client) DeleteDeadLetter(ctx context.Context, sequenceNumber int64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	seq := strconv.FormatInt(sequenceNumber, 10)
	removed, err := c.rdb.ZRem(ctx, c.keys.dlq, seq).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: sequence %d", queue.ErrMessageNotFound, sequenceNumber)
	}
	return c.rdb.Del(ctx, c.keys.message(seq)).Err()
}

func (c *client) Count(ctx context.Context) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.rdb.ZCard(ctx, c.keys.active).Result()
}

func (c *client) DeadLetterCount(ctx context.Context) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.rdb.ZCard(ctx, c.keys.dlq).Result()
}

func (c *client) IsClosed() bool {
	return c.closed.Load()
}

func (c *client) Close(_ context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)

	err := c.rdb.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
