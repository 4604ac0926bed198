package workers

import (
	"context"
	"fmt"

	"github.com/embeddedsocial/pipeline/config"
	"github.com/embeddedsocial/pipeline/messages"
	"github.com/embeddedsocial/pipeline/queue"
	"github.com/embeddedsocial/pipeline/ratelimiter"
	"github.com/embeddedsocial/pipeline/worker"
)

// Handler returns the handler serving queueName.
func Handler(queueName string, m Managers) (worker.Handler, error) {
	switch queueName {
	case messages.QueueFanoutActivities:
		return NewFanoutActivities(m.Activities), nil
	case messages.QueueFanoutTopics:
		return NewFanoutTopics(m.Topics), nil
	case messages.QueueFollowingImports:
		return NewFollowingImports(m.Relationships), nil
	case messages.QueueLikes:
		return NewLikes(m.Likes), nil
	case messages.QueueRelationships:
		return NewRelationships(m.Relationships), nil
	case messages.QueueReports:
		return NewReports(m.Reports), nil
	case messages.QueueResizeImages:
		return NewResizeImages(m.Images), nil
	case messages.QueueSearch:
		return NewSearch(m.Search, m.Topics, m.Users), nil
	case messages.QueueModeration:
		return NewModeration(m.Moderation), nil
	default:
		return nil, fmt.Errorf("no handler for queue %q", queueName)
	}
}

// Plan sizes the workers of each queue. A nil Instances gives every queue one
// worker and nil Limits leaves every queue unlimited.
type Plan struct {
	Instances func(queueName string) int
	Limits    *ratelimiter.QueueLimits
}

// PlanFromConfig reads instance counts and rates from cfg.
func PlanFromConfig(cfg config.ConfigurationWorkers) Plan {
	return Plan{
		Instances: cfg.WorkerInstancesFor,
		Limits:    ratelimiter.NewQueueLimits(cfg.WorkerRates(), cfg.GetWorkerRateBurst()),
	}
}

// Build creates plan.Instances(name) workers for every queue registered with
// qm. A count of zero leaves that queue without consumers. Workers of a rate
// limited queue share one limiter.
func Build(
	_ context.Context,
	m Managers,
	qm *queue.Manager,
	plan Plan,
	opts ...worker.Option,
) ([]*worker.Worker, error) {
	var built []*worker.Worker

	for _, q := range qm.Queues() {
		handler, err := Handler(q.Name(), m)
		if err != nil {
			return nil, err
		}

		n := 1
		if plan.Instances != nil {
			n = plan.Instances(q.Name())
		}

		queueOpts := opts
		if limiter := plan.Limits.For(q.Name()); limiter != nil {
			queueOpts = append(append([]worker.Option(nil), opts...), worker.WithRateLimiter(limiter))
		}

		for i := range n {
			built = append(built, worker.New(fmt.Sprintf("%s-%d", q.Name(), i), q, handler, queueOpts...))
		}
	}

	return built, nil
}
