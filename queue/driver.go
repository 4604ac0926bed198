package queue

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/embeddedsocial/pipeline/messages"
)

const (
	// ReasonMaxDeliveryCountExceeded is recorded on messages moved to the dead-letter queue.
	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"

	DefaultLockDuration     = 30 * time.Second
	DefaultMaxDeliveryCount = 10
	DefaultPollInterval     = 100 * time.Millisecond

	paramLockDuration     = "lock_duration"
	paramMaxDeliveryCount = "max_delivery_count"
	paramPollInterval     = "poll_interval"
)

// Envelope is an encoded message on its way to a broker.
type Envelope struct {
	ID           string
	Kind         messages.Kind
	Body         []byte
	Metadata     map[string]string
	PartitionKey string
	EnqueuedTime time.Time
	// VisibleAt is when the message becomes receivable.
	VisibleAt time.Time
}

// Delivery is an encoded message read from a broker. LockToken is empty for peeked
// and dead-letter reads.
type Delivery struct {
	ID               string
	Kind             messages.Kind
	Body             []byte
	Metadata         map[string]string
	PartitionKey     string
	DequeueCount     int
	EnqueuedTime     time.Time
	SequenceNumber   int64
	DeadLetterReason string
	LockToken        string
}

// Client is the broker connection a Transport drives. Implementations must be safe
// for concurrent use.
type Client interface {
	Send(ctx context.Context, envelopes []*Envelope) error
	// Receive peek-locks up to maxMessages messages, waiting up to wait for the first one.
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]*Delivery, error)
	Complete(ctx context.Context, lockToken string) error
	Abandon(ctx context.Context, lockToken string) error
	IsClosed() bool
	Close(ctx context.Context) error
}

// Inspector is implemented by clients that support administrative reads.
type Inspector interface {
	Peek(ctx context.Context, fromSequence int64, maxMessages int) ([]*Delivery, error)
	PeekDeadLetter(ctx context.Context, fromSequence int64, maxMessages int) ([]*Delivery, error)
	// ReceiveDeadLetter removes and returns up to maxMessages dead-lettered messages.
	ReceiveDeadLetter(ctx context.Context, maxMessages int) ([]*Delivery, error)
	DeleteDeadLetter(ctx context.Context, sequenceNumber int64) error
	Count(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

// Opener creates a client for a queue URL.
type Opener func(ctx context.Context, u *url.URL) (Client, error)

//nolint:gochecknoglobals // driver registry populated from driver package init functions
var (
	driversMu sync.RWMutex
	drivers   = map[string]Opener{}
)

// RegisterDriver makes a driver available for the given URL scheme.
func RegisterDriver(scheme string, opener Opener) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || opener == nil {
		panic("queue: invalid driver registration")
	}

	driversMu.Lock()
	defer driversMu.Unlock()

	if _, ok := drivers[scheme]; ok {
		panic(fmt.Sprintf("queue: driver for scheme %q registered twice", scheme))
	}
	drivers[scheme] = opener
}

// Schemes lists the registered driver schemes.
func Schemes() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	schemes := make([]string, 0, len(drivers))
	for s := range drivers {
		schemes = append(schemes, s)
	}
	return schemes
}

func lookupDriver(rawURL string) (*url.URL, Opener, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, nil, fmt.Errorf("queue URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid queue URL: %w", err)
	}

	driversMu.RLock()
	opener, ok := drivers[strings.ToLower(u.Scheme)]
	driversMu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}

	return u, opener, nil
}

// DriverParams are the URL parameters every driver understands.
type DriverParams struct {
	LockDuration     time.Duration
	MaxDeliveryCount int
	PollInterval     time.Duration
}

// ParseDriverParams reads the common parameters from query and returns the
// remaining values untouched.
func ParseDriverParams(query url.Values) (DriverParams, url.Values, error) {
	params := DriverParams{
		LockDuration:     DefaultLockDuration,
		MaxDeliveryCount: DefaultMaxDeliveryCount,
		PollInterval:     DefaultPollInterval,
	}

	rest := url.Values{}
	for key, values := range query {
		if len(values) == 0 {
			continue
		}
		value := values[len(values)-1]

		switch key {
		case paramLockDuration:
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return params, nil, fmt.Errorf("invalid %s %q", paramLockDuration, value)
			}
			params.LockDuration = d
		case paramMaxDeliveryCount:
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return params, nil, fmt.Errorf("invalid %s %q", paramMaxDeliveryCount, value)
			}
			params.MaxDeliveryCount = n
		case paramPollInterval:
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return params, nil, fmt.Errorf("invalid %s %q", paramPollInterval, value)
			}
			params.PollInterval = d
		default:
			rest[key] = values
		}
	}

	return params, rest, nil
}
