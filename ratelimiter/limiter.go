// Package ratelimiter holds token buckets shared by every worker of a queue.
package ratelimiter

import (
	"sync"

	"golang.org/x/time/rate"
)

const defaultBurstSize = 1

// QueueLimits hands out one limiter per queue so that all instances of a
// queue draw from the same bucket. Queues without a positive rate are not
// limited.
type QueueLimits struct {
	mu       sync.RWMutex
	perQueue map[string]float64
	burst    int
	limiters map[string]*rate.Limiter
}

// NewQueueLimits creates limits from messages-per-second rates keyed by queue.
func NewQueueLimits(perSecond map[string]float64, burst int) *QueueLimits {
	if burst <= 0 {
		burst = defaultBurstSize
	}

	rates := make(map[string]float64, len(perSecond))
	for name, r := range perSecond {
		if r > 0 {
			rates[name] = r
		}
	}

	return &QueueLimits{
		perQueue: rates,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// For returns the shared limiter of queueName, or nil when it is unlimited.
func (q *QueueLimits) For(queueName string) *rate.Limiter {
	if q == nil {
		return nil
	}

	r, ok := q.perQueue[queueName]
	if !ok {
		return nil
	}

	q.mu.RLock()
	limiter, found := q.limiters[queueName]
	q.mu.RUnlock()
	if found {
		return limiter
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if limiter, found = q.limiters[queueName]; found {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(r), q.burst)
	q.limiters[queueName] = limiter
	return limiter
}

// Len returns the number of limited queues.
func (q *QueueLimits) Len() int {
	return len(q.perQueue)
}
