package topicpoller

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// maxMessages defines the maximum number of messages to retrieve in one SQS API call.
	maxMessages = 5
	// waitTimeSeconds is the longest long-poll SQS allows.
	waitTimeSeconds = 20
	// deleteTimeout sets a client-side timeout for the DeleteMessage API call.
	deleteTimeout = 5 * time.Second
	// maxReceiveBackOff caps the wait after repeated receive failures.
	maxReceiveBackOff = 30 * time.Second
)

// Poller provisions a queue subscribed to its handlers' topics and buckets, then
// polls it, dispatching each message to its handler.
//
// Messages in a batch are handled one at a time. Run more pollers to scale out.
type Poller struct {
	spec QueueSpec

	sqs SQSClient
	sns SNSClient
	s3  S3Client

	registry    *Registry
	classifier  *Classifier
	provisioner *Provisioner
	middlewares []Middleware
	onError     ErrorHook
	logger      zerolog.Logger

	receiveBackOff backoff.BackOff
	renewInterval  func(timeout int32) time.Duration
	wait           func(ctx context.Context, delay time.Duration)
}

// New creates a Poller for the queue named queueName (qualified by WithPrefix).
func New(queueName string, client SQSClient, opts ...Option) *Poller {
	p := &Poller{
		spec:          QueueSpec{Name: queueName},
		sqs:           client,
		logger:        zerolog.New(os.Stderr).With().Timestamp().Logger(),
		renewInterval: renewInterval,
		wait:          wait,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.receiveBackOff == nil {
		p.receiveBackOff = defaultReceiveBackOff()
	}
	p.logger = p.logger.With().Str("queue", p.QueueName()).Logger()
	if p.onError == nil {
		p.onError = LogErrors(p.logger)
	}
	p.registry = NewRegistry(p.spec.Prefix)
	p.classifier = NewClassifier(p.registry)
	p.provisioner = NewProvisioner(client, p.logger)
	return p
}

// QueueName is the fully qualified queue name.
func (p *Poller) QueueName() string {
	return p.spec.QualifiedName()
}

// Registry exposes the poller's handler registry.
func (p *Poller) Registry() *Registry {
	return p.registry
}

// Handle registers handler for one or more topics. Topic names are qualified
// with the poller's prefix unless Unqualified is given.
func (p *Poller) Handle(handler Handler, topics ...string) error {
	return p.registry.Register(handler, topics)
}

// HandleWith is Handle with registration options.
func (p *Poller) HandleWith(handler Handler, topics []string, opts ...HandleOption) error {
	return p.registry.Register(handler, topics, opts...)
}

// HandleBucket registers handler for object-created events from bucket.
func (p *Poller) HandleBucket(handler Handler, bucket string) error {
	return p.registry.RegisterBucket(handler, bucket)
}

// Use appends middlewares to the dispatch chain. The first middleware is outermost.
func (p *Poller) Use(mws ...Middleware) error {
	if p.registry.Frozen() {
		return ErrRegistryFrozen
	}
	p.middlewares = append(p.middlewares, mws...)
	return nil
}

// Start provisions the queue topology and then polls until ctx is canceled.
// Registration is closed from this point on. A provisioning error is returned
// immediately; once polling, Start only returns after ctx is done, and never in
// the middle of a batch.
func (p *Poller) Start(ctx context.Context) error {
	p.registry.Freeze()

	q, err := p.EnsureTopology(ctx)
	if err != nil {
		return err
	}

	handler := p.chain()
	p.logger.Info().
		Int32("visibility_timeout", q.VisibilityTimeout).
		Strs("topics", p.registry.Topics()).
		Strs("buckets", p.registry.Buckets()).
		Msg("starting to poll")

	p.receiveBackOff.Reset()
	for ctx.Err() == nil {
		p.poll(ctx, q, handler)
	}
	p.logger.Info().Msg("poller stopped")
	return nil
}

func (p *Poller) chain() HandlerFunc {
	h := HandlerFunc(p.dispatch)
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		h = p.middlewares[i](h)
	}
	return h
}

func (p *Poller) poll(ctx context.Context, q *ProvisionedQueue, handler HandlerFunc) {
	out, err := p.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.URL),
		MaxNumberOfMessages:         maxMessages,
		WaitTimeSeconds:             waitTimeSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameAll},
		MessageAttributeNames:       []string{"All"},
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		delay := p.receiveBackOff.NextBackOff()
		if delay == backoff.Stop {
			delay = maxReceiveBackOff
		}
		p.logger.Warn().Err(err).Dur("retry_in", delay).Msg("failed to receive messages")
		p.wait(ctx, delay)
		return
	}
	p.receiveBackOff.Reset()

	p.logger.Debug().Int("count", len(out.Messages)).Msg("received messages")
	if len(out.Messages) == 0 {
		return
	}

	// The batch runs to completion even if ctx is canceled meanwhile.
	p.handleBatch(context.WithoutCancel(ctx), q, out.Messages, handler)
}

func (p *Poller) handleBatch(ctx context.Context, q *ProvisionedQueue, messages []types.Message, handler HandlerFunc) {
	stop := startRenewer(ctx, p.sqs, q.URL, messages, q.VisibilityTimeout, p.renewInterval(q.VisibilityTimeout), p.logger)
	defer stop()

	for _, msg := range messages {
		st := &DispatchState{Raw: msg, QueueURL: q.URL, QueueName: q.Name}
		if err := handler(ctx, st); err != nil {
			p.onError(ctx, err, msg, st.Payload)
		}
	}
}

// dispatch is the innermost HandlerFunc: classify, invoke, delete.
func (p *Poller) dispatch(ctx context.Context, st *DispatchState) error {
	payload, err := p.classifier.Classify(st.Raw)
	st.Payload = payload
	if err != nil {
		return err
	}

	logger := p.logger.With().Str("topic", payload.Topic).Str("message_id", aws.ToString(st.Raw.MessageId)).Logger()
	logger.Info().Msg("handling new message")
	logger.Debug().Str("body", aws.ToString(st.Raw.Body)).Send()

	if err := invoke(ctx, payload); err != nil {
		return err
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()
	if _, err := p.sqs.DeleteMessage(deleteCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(st.QueueURL),
		ReceiptHandle: st.Raw.ReceiptHandle,
	}); err != nil {
		return fmt.Errorf("%w %s: %w", ErrDeleteFailed, aws.ToString(st.Raw.MessageId), err)
	}
	logger.Debug().Msg("message successfully deleted")
	return nil
}

func invoke(ctx context.Context, payload *Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	if err := payload.Handler(ctx, payload.Message); err != nil {
		return fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return nil
}

// LogErrors returns the default error hook: it logs the failure with the raw
// body and whatever payload was resolved, and moves on.
func LogErrors(logger zerolog.Logger) ErrorHook {
	return func(_ context.Context, err error, raw types.Message, payload *Payload) {
		ev := logger.Error().
			Err(err).
			Str("kind", KindOf(err).String()).
			Str("message_id", aws.ToString(raw.MessageId))
		if payload != nil {
			ev = ev.Str("topic", payload.Topic).Interface("payload", payload.Message.Body)
		}
		ev.Msgf("encountered an error when handling the following message:\n%s", aws.ToString(raw.Body))
	}
}

func defaultReceiveBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         maxReceiveBackOff,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func wait(ctx context.Context, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
