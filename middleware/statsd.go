package middleware

import (
	"context"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hatsunemiku3939/topicpoller"
)

// StatsdClient is the subset of the DogStatsD client the Statsd middleware uses.
type StatsdClient interface {
	Incr(name string, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
}

var _ StatsdClient = &statsd.NoOpClient{}

// Statsd emits "<namespace>.message" counts and "<namespace>.duration" timings,
// tagged with the queue, topic and outcome.
func Statsd(client StatsdClient, namespace string) topicpoller.Middleware {
	return func(next topicpoller.HandlerFunc) topicpoller.HandlerFunc {
		return func(ctx context.Context, st *topicpoller.DispatchState) error {
			start := time.Now()
			err := next(ctx, st)

			tags := []string{
				"queue:" + st.QueueName,
				"topic:" + topicOf(st),
				"outcome:" + outcome(err),
			}
			// Metrics are best effort.
			_ = client.Incr(namespace+".message", tags, 1)
			_ = client.Timing(namespace+".duration", time.Since(start), tags, 1)
			return err
		}
	}
}
