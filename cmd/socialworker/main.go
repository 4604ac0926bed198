// Command socialworker runs the background processing loops of the social
// backend against the configured queues and datastore.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/pitabwire/util"

	"github.com/embeddedsocial/pipeline"
	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/datastore"
	"github.com/embeddedsocial/pipeline/version"
	"github.com/embeddedsocial/pipeline/worker"
	"github.com/embeddedsocial/pipeline/workers"
)

const serviceName = "socialworker"

func main() {
	var opts []pipeline.Option
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		cfg, err := config.FromFile[config.ConfigurationDefault](path)
		if err != nil {
			util.Log(context.Background()).WithError(err).WithField("path", path).Fatal("could not read configuration file")
		}
		opts = append(opts, pipeline.WithConfig(&cfg))
	}
	opts = append(opts,
		pipeline.WithVersion(version.Version),
		pipeline.WithTelemetry(),
		pipeline.WithQueues(),
	)

	ctx, svc := pipeline.NewService(serviceName, opts...)
	log := svc.Log(ctx).WithField("build", version.String())

	cfg, ok := svc.Config().(*config.ConfigurationDefault)
	if !ok {
		log.Fatal("configuration object not of type : ConfigurationDefault")
	}

	store, err := datastore.NewStore(ctx, datastore.OptionsFromConfig(cfg)...)
	if err != nil {
		log.WithError(err).Fatal("could not open datastore")
	}
	svc.AddCleanupMethod(store.Close)

	svc.Init(ctx, pipeline.WithWorkers(func(ctx context.Context, svc *pipeline.Service) ([]*worker.Worker, error) {
		return workers.Build(ctx, workers.ManagersFrom(store), svc.QueueManager(), workers.PlanFromConfig(cfg))
	}))

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("service stopped with error")
	}
}
