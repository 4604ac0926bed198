package queue

import (
	"maps"
	"time"

	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/messages"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultReceiveWait    = 5 * time.Second
	defaultSendRetries    = 3
	defaultSendMaxBatch   = 100
	defaultAdminBatch     = 10
)

type transportOptions struct {
	registry          *messages.Registry
	requestTimeout    time.Duration
	receiveWait       time.Duration
	sendRetries       int
	sendFlushInterval time.Duration
	sendMaxBatch      int
}

func defaultTransportOptions() *transportOptions {
	return &transportOptions{
		registry:       messages.DefaultRegistry(),
		requestTimeout: defaultRequestTimeout,
		receiveWait:    defaultReceiveWait,
		sendRetries:    defaultSendRetries,
		sendMaxBatch:   defaultSendMaxBatch,
	}
}

// Option configures a Transport.
type Option func(*transportOptions)

// WithRegistry sets the type registry used to encode and decode payloads.
func WithRegistry(registry *messages.Registry) Option {
	return func(o *transportOptions) {
		if registry != nil {
			o.registry = registry
		}
	}
}

// WithRequestTimeout bounds every individual broker call.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(o *transportOptions) {
		o.requestTimeout = timeout
	}
}

// WithReceiveWait sets how long a receive waits for a message before returning empty.
func WithReceiveWait(wait time.Duration) Option {
	return func(o *transportOptions) {
		o.receiveWait = wait
	}
}

// WithSendRetries sets how many times a failed send is retried with backoff.
func WithSendRetries(retries int) Option {
	return func(o *transportOptions) {
		o.sendRetries = max(retries, 0)
	}
}

// WithSendFlushInterval enables client side batching of sends. Zero sends immediately.
func WithSendFlushInterval(interval time.Duration) Option {
	return func(o *transportOptions) {
		o.sendFlushInterval = interval
	}
}

// WithSendMaxBatch caps how many sends are flushed together.
func WithSendMaxBatch(size int) Option {
	return func(o *transportOptions) {
		if size > 0 {
			o.sendMaxBatch = size
		}
	}
}

// OptionsFromConfig maps queue configuration onto transport options.
func OptionsFromConfig(cfg config.ConfigurationQueue) []Option {
	if cfg == nil {
		return nil
	}

	return []Option{
		WithRequestTimeout(cfg.GetRequestTimeout()),
		WithReceiveWait(cfg.GetReceiveWait()),
		WithSendRetries(cfg.GetSendRetries()),
		WithSendFlushInterval(cfg.GetSendFlushInterval()),
		WithSendMaxBatch(cfg.GetSendMaxBatch()),
	}
}

type sendOptions struct {
	delay        time.Duration
	partitionKey string
	messageID    string
	metadata     map[string]string
}

// SendOption configures a single send.
type SendOption func(*sendOptions)

// WithDelay keeps the message invisible to receivers until now+delay.
func WithDelay(delay time.Duration) SendOption {
	return func(o *sendOptions) {
		o.delay = delay
	}
}

// WithPartitionKey routes the message to the partition owning key.
func WithPartitionKey(key string) SendOption {
	return func(o *sendOptions) {
		o.partitionKey = key
	}
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) {
		o.messageID = id
	}
}

// WithMetadata attaches headers to the message.
func WithMetadata(metadata map[string]string) SendOption {
	return func(o *sendOptions) {
		if o.metadata == nil {
			o.metadata = map[string]string{}
		}
		maps.Copy(o.metadata, metadata)
	}
}
