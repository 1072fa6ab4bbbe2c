package middleware

import (
	"context"
	"time"

	"github.com/hatsunemiku3939/topicpoller"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for dispatched messages.
type Metrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "topicpoller",
			Name:      "messages_total",
			Help:      "The total number of dispatched messages by queue, topic and outcome",
		}, []string{"queue", "topic", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "topicpoller",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent classifying, handling and deleting a message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue", "topic"}),
	}
	for _, c := range []prometheus.Collector{m.messages, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware records a count and a duration observation for every message.
func (m *Metrics) Middleware() topicpoller.Middleware {
	return func(next topicpoller.HandlerFunc) topicpoller.HandlerFunc {
		return func(ctx context.Context, st *topicpoller.DispatchState) error {
			start := time.Now()
			err := next(ctx, st)

			topic := topicOf(st)
			m.messages.WithLabelValues(st.QueueName, topic, outcome(err)).Inc()
			m.duration.WithLabelValues(st.QueueName, topic).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
