package topicpoller

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Option configures a Poller at construction time.
type Option func(*Poller)

// WithPrefix namespaces the queue and every qualified topic as "<prefix>--<name>".
func WithPrefix(prefix string) Option {
	return func(p *Poller) { p.spec.Prefix = prefix }
}

// WithTags adds tags to the queue and its dead-letter queue.
func WithTags(tags map[string]string) Option {
	return func(p *Poller) {
		if p.spec.Tags == nil {
			p.spec.Tags = make(map[string]string, len(tags))
		}
		for k, v := range tags {
			p.spec.Tags[k] = v
		}
	}
}

// WithQueueAttributes sets SQS attributes on the primary queue, e.g. VisibilityTimeout.
func WithQueueAttributes(attrs map[string]string) Option {
	return func(p *Poller) {
		if p.spec.Attributes == nil {
			p.spec.Attributes = make(map[string]string, len(attrs))
		}
		for k, v := range attrs {
			p.spec.Attributes[k] = v
		}
	}
}

// WithRedrivePolicy overrides the default redrive settings.
func WithRedrivePolicy(r RedrivePolicy) Option {
	return func(p *Poller) { p.spec.Redrive = r }
}

// WithSNS sets the client used to create and subscribe to topics.
func WithSNS(client SNSClient) Option {
	return func(p *Poller) { p.sns = client }
}

// WithS3 sets the client used to configure bucket notifications.
func WithS3(client S3Client) Option {
	return func(p *Poller) { p.s3 = client }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Poller) { p.logger = logger }
}

// WithErrorHook replaces the default error hook, which logs the failure.
func WithErrorHook(hook ErrorHook) Option {
	return func(p *Poller) { p.onError = hook }
}

// WithMiddleware appends middlewares to the dispatch chain.
func WithMiddleware(mws ...Middleware) Option {
	return func(p *Poller) { p.middlewares = append(p.middlewares, mws...) }
}

// WithReceiveBackOff sets the back-off used between failed receive calls.
func WithReceiveBackOff(b backoff.BackOff) Option {
	return func(p *Poller) { p.receiveBackOff = b }
}
