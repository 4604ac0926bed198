package queue

import (
	"maps"
	"time"

	"github.com/embeddedsocial/pipeline/messages"
)

// Message is a payload together with its delivery metadata. Messages returned by
// Receive carry a lock that only the transport that produced them can settle.
type Message struct {
	ID               string
	Payload          messages.Payload
	DequeueCount     int
	EnqueuedTime     time.Time
	SequenceNumber   int64
	PartitionKey     string
	Metadata         map[string]string
	DeadLetterReason string

	handle *systemHandle
}

type systemHandle struct {
	owner     *Transport
	lockToken string
}

// Kind returns the payload tag or an empty kind when there is no payload.
func (m *Message) Kind() messages.Kind {
	if m == nil || m.Payload == nil {
		return ""
	}
	return m.Payload.Kind()
}

func (t *Transport) toMessage(d *Delivery, locked bool) *Message {
	msg := &Message{
		ID:               d.ID,
		Payload:          t.opts.registry.Decode(d.Kind, d.Body),
		DequeueCount:     d.DequeueCount,
		EnqueuedTime:     d.EnqueuedTime.UTC(),
		SequenceNumber:   d.SequenceNumber,
		PartitionKey:     d.PartitionKey,
		Metadata:         maps.Clone(d.Metadata),
		DeadLetterReason: d.DeadLetterReason,
	}

	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}

	if locked && msg.DequeueCount < 1 {
		msg.DequeueCount = 1
	}

	if locked && d.LockToken != "" {
		msg.handle = &systemHandle{owner: t, lockToken: d.LockToken}
	}

	return msg
}
