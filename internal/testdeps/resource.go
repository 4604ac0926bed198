// Package testdeps starts the containerised brokers and databases used by the
// integration tests and hands out their connection strings.
package testdeps

import (
	"context"
	"time"

	"github.com/pitabwire/util"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
)

const defaultLogProductionTimeout = 10 * time.Second

// Resource is a container a suite depends on.
type Resource interface {
	Name() string
	Setup(ctx context.Context, ntwk *testcontainers.DockerNetwork) error
	// DSN is the connection string reachable from the test process.
	DSN(ctx context.Context) (string, error)
	Cleanup(ctx context.Context)
}

type containerOpts struct {
	image          string
	userName       string
	password       string
	networkAliases []string
	enableLogging  bool
}

// Option tweaks a resource before it is started.
type Option func(*containerOpts)

// WithImage overrides the container image.
func WithImage(image string) Option {
	return func(o *containerOpts) {
		o.image = image
	}
}

// WithLogging streams the container output into the test log.
func WithLogging(enable bool) Option {
	return func(o *containerOpts) {
		o.enableLogging = enable
	}
}

func (o *containerOpts) apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}

func (o *containerOpts) customizers(
	ctx context.Context,
	ntwk *testcontainers.DockerNetwork,
	extra ...testcontainers.ContainerCustomizer,
) []testcontainers.ContainerCustomizer {
	if ntwk != nil {
		extra = append(extra, network.WithNetwork(o.networkAliases, ntwk))
	}
	if o.enableLogging {
		extra = append(extra, testcontainers.WithLogConsumerConfig(&testcontainers.LogConsumerConfig{
			Opts:      []testcontainers.LogProductionOption{testcontainers.WithLogProductionTimeout(defaultLogProductionTimeout)},
			Consumers: []testcontainers.LogConsumer{&logConsumer{log: util.Log(ctx)}},
		}))
	}
	return extra
}

type logConsumer struct {
	log *util.LogEntry
}

func (c *logConsumer) Accept(l testcontainers.Log) {
	switch l.LogType {
	case testcontainers.StdoutLog:
		c.log.Info(string(l.Content))
	case testcontainers.StderrLog:
		c.log.Error(string(l.Content))
	}
}

func terminate(ctx context.Context, name string, c testcontainers.Container) {
	if c == nil {
		return
	}
	if err := c.Terminate(ctx); err != nil {
		util.Log(ctx).WithField("image", name).WithError(err).Warn("could not terminate container")
	}
}
