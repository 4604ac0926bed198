package testdeps

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	tcValKey "github.com/testcontainers/testcontainers-go/modules/valkey"
)

const ValkeyImage = "docker.io/valkey/valkey:latest"

type valkeyResource struct {
	opts      containerOpts
	container *tcValKey.ValkeyContainer
}

// NewValkey returns a redis protocol server. Its DSN uses the redis:// scheme.
func NewValkey(opts ...Option) Resource {
	o := containerOpts{
		image:          ValkeyImage,
		networkAliases: []string{"valkey", "queue-valkey"},
	}
	o.apply(opts...)
	return &valkeyResource{opts: o}
}

func (d *valkeyResource) Name() string {
	return d.opts.image
}

func (d *valkeyResource) Setup(ctx context.Context, ntwk *testcontainers.DockerNetwork) error {
	c, err := tcValKey.Run(ctx, d.opts.image, d.opts.customizers(ctx, ntwk)...)
	if err != nil {
		return fmt.Errorf("failed to start valkey container: %w", err)
	}
	d.container = c
	return nil
}

func (d *valkeyResource) DSN(ctx context.Context) (string, error) {
	if d.container == nil {
		return "", fmt.Errorf("valkey container is not running")
	}
	return d.container.ConnectionString(ctx)
}

func (d *valkeyResource) Cleanup(ctx context.Context) {
	if d.container != nil {
		terminate(ctx, d.Name(), d.container)
	}
}
