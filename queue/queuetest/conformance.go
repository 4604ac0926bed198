// Package queuetest holds the behaviour every queue driver must share. Driver
// packages run it against their own URLs.
package queuetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
)

// Capabilities switches off checks for features a driver does not offer.
type Capabilities struct {
	Delay   bool
	Inspect bool
}

// URLFunc returns a URL for a fresh, empty queue. extra is appended to the query.
type URLFunc func(t *testing.T, extra string) string

func open(t *testing.T, rawURL string) *queue.Transport {
	t.Helper()

	tr, err := queue.NewTransport("conformance", rawURL, queue.WithReceiveWait(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func receiveOne(ctx context.Context, t *testing.T, tr *queue.Transport) *queue.Message {
	t.Helper()

	msg, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg, "expected a message")
	return msg
}

func payload(i int) *messages.Relationship {
	return &messages.Relationship{
		RelationshipOperation:  messages.RelationshipFollow,
		RelationshipHandle:     fmt.Sprintf("rel-%d", i),
		FollowerKeyUserHandle:  "follower",
		FollowingKeyUserHandle: "following",
		AppHandle:              "app",
		LastUpdatedTime:        time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run exercises the peek-lock contract against newURL.
func Run(t *testing.T, newURL URLFunc, caps Capabilities) {
	t.Run("send receive complete", func(t *testing.T) {
		ctx := t.Context()
		tr := open(t, newURL(t, ""))

		sent := payload(1)
		require.NoError(t, tr.Send(ctx, sent, queue.WithMetadata(map[string]string{"origin": "conformance"})))

		msg := receiveOne(ctx, t, tr)
		require.Equal(t, 1, msg.DequeueCount)
		require.Equal(t, "conformance", msg.Metadata["origin"])

		got, ok := msg.Payload.(*messages.Relationship)
		require.True(t, ok)
		require.Equal(t, sent.RelationshipHandle, got.RelationshipHandle)
		require.True(t, sent.LastUpdatedTime.Equal(got.LastUpdatedTime))

		require.NoError(t, tr.Complete(ctx, msg))
		require.ErrorIs(t, tr.Complete(ctx, msg), queue.ErrLockLost)

		empty, err := tr.Receive(ctx)
		require.NoError(t, err)
		require.Nil(t, empty)
	})

	t.Run("abandon redelivers with higher count", func(t *testing.T) {
		ctx := t.Context()
		tr := open(t, newURL(t, ""))
		require.NoError(t, tr.Send(ctx, payload(1)))

		first := receiveOne(ctx, t, tr)
		require.NoError(t, tr.Abandon(ctx, first))
		require.ErrorIs(t, tr.Abandon(ctx, first), queue.ErrLockLost)

		second := receiveOne(ctx, t, tr)
		require.Equal(t, 2, second.DequeueCount)
		require.Equal(t, first.ID, second.ID)
		require.NoError(t, tr.Complete(ctx, second))
	})

	t.Run("dead letters after max delivery", func(t *testing.T) {
		ctx := t.Context()
		tr := open(t, newURL(t, "max_delivery_count=2"))
		require.NoError(t, tr.Send(ctx, payload(1)))

		for range 2 {
			require.NoError(t, tr.Abandon(ctx, receiveOne(ctx, t, tr)))
		}

		if !caps.Inspect {
			return
		}

		dead, err := tr.PeekDeadLetterBatch(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, queue.ReasonMaxDeliveryCountExceeded, dead[0].DeadLetterReason)

		drained, err := tr.ReceiveDeadLetterBatch(ctx, 10)
		require.NoError(t, err)
		require.Len(t, drained, 1)

		count, err := tr.DeadLetterMessageCount(ctx)
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("expired lock counts as a delivery", func(t *testing.T) {
		ctx := t.Context()
		tr := open(t, newURL(t, "lock_duration=200ms&max_delivery_count=2"))
		require.NoError(t, tr.Send(ctx, payload(1)))

		first := receiveOne(ctx, t, tr)
		require.Equal(t, 1, first.DequeueCount)

		second := receiveOne(ctx, t, tr)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, 2, second.DequeueCount)
		require.ErrorIs(t, tr.Complete(ctx, first), queue.ErrLockLost)

		// the second lock runs out at the delivery limit
		none, err := tr.Receive(ctx)
		require.NoError(t, err)
		require.Nil(t, none)
		require.ErrorIs(t, tr.Complete(ctx, second), queue.ErrLockLost)

		if !caps.Inspect {
			return
		}

		count, err := tr.DeadLetterMessageCount(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), count)
	})

	t.Run("batch receive", func(t *testing.T) {
		ctx := t.Context()
		tr := open(t, newURL(t, ""))
		for i := range 5 {
			require.NoError(t, tr.Send(ctx, payload(i)))
		}

		seen := map[string]bool{}
		require.Eventually(t, func() bool {
			msgs, err := tr.ReceiveBatch(ctx, 5)
			if err != nil {
				return false
			}
			for _, m := range msgs {
				seen[m.ID] = true
				_ = tr.Complete(ctx, m)
			}
			return len(seen) == 5
		}, 10*time.Second, 10*time.Millisecond)
	})

	if caps.Delay {
		t.Run("delayed send", func(t *testing.T) {
			ctx := t.Context()
			tr := open(t, newURL(t, ""))
			require.NoError(t, tr.Send(ctx, payload(1), queue.WithDelay(time.Second)))

			start := time.Now()
			msg := receiveOne(ctx, t, tr)
			require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
			require.NoError(t, tr.Complete(ctx, msg))
		})
	} else {
		t.Run("delay unsupported", func(t *testing.T) {
			tr := open(t, newURL(t, ""))
			err := tr.Send(t.Context(), payload(1), queue.WithDelay(time.Second))
			require.ErrorIs(t, err, queue.ErrNotSupported)
		})
	}

	if caps.Inspect {
		t.Run("peek and counts", func(t *testing.T) {
			ctx := t.Context()
			tr := open(t, newURL(t, ""))
			for i := range 3 {
				require.NoError(t, tr.Send(ctx, payload(i)))
			}

			peeked, err := tr.PeekBatch(ctx, 0, 10)
			require.NoError(t, err)
			require.Len(t, peeked, 3)
			require.ErrorIs(t, tr.Complete(ctx, peeked[0]), queue.ErrLockLost)

			count, err := tr.MessageCount(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(3), count)

			msg := receiveOne(ctx, t, tr)
			require.Equal(t, 1, msg.DequeueCount)
		})
	} else {
		t.Run("inspection unsupported", func(t *testing.T) {
			tr := open(t, newURL(t, ""))
			_, err := tr.MessageCount(t.Context())
			require.ErrorIs(t, err, queue.ErrNotSupported)
		})
	}
}
