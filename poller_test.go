package topicpoller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/hatsunemiku3939/topicpoller/internal/awsfake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type hookCall struct {
	err     error
	raw     types.Message
	payload *Payload
}

type hookRecorder struct {
	mu    sync.Mutex
	calls []hookCall
}

func (h *hookRecorder) hook(_ context.Context, err error, raw types.Message, payload *Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hookCall{err: err, raw: raw, payload: payload})
}

func (h *hookRecorder) all() []hookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hookCall(nil), h.calls...)
}

type received struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *received) handler(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *received) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func newTestPoller(cloud *awsfake.Cloud, hooks *hookRecorder, opts ...Option) *Poller {
	opts = append([]Option{
		WithSNS(cloud),
		WithS3(cloud),
		WithLogger(zerolog.Nop()),
		WithErrorHook(hooks.hook),
	}, opts...)
	return New("jobs", cloud, opts...)
}

// runPoller starts p and returns a func that stops it and returns Start's result.
func runPoller(t *testing.T, p *Poller) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Start(ctx) }()

	var once sync.Once
	var result error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-errc:
			case <-time.After(5 * time.Second):
				t.Error("poller did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitForQueue(t *testing.T, cloud *awsfake.Cloud, name string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cloud.Calls("ReceiveMessage") > 0 && cloud.Attributes(name) != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func send(t *testing.T, cloud *awsfake.Cloud, queue, body string) {
	t.Helper()
	_, err := cloud.SendMessage(context.Background(), &sqs.SendMessageInput{
		QueueUrl:    aws.String(awsfake.QueueURL(queue)),
		MessageBody: aws.String(body),
	})
	require.NoError(t, err)
}

// --- Scenarios ---

func TestPoller_PublishedMessageIsHandledOnce(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}
	got := &received{}
	p := newTestPoller(cloud, hooks, WithPrefix("test"))
	require.NoError(t, p.Handle(got.handler, "orders"))

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "test--jobs")
	assert.Equal(t, []string{awsfake.QueueARN("test--jobs")}, cloud.Subscriptions("test--orders"))

	_, err := NewTopic(cloud, QualifiedName("test", "orders")).Publish(context.Background(), map[string]string{"bar": "baz"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return cloud.Deleted("test--jobs") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	msgs := got.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{"bar": "baz"}, msgs[0].Body)
	assert.Empty(t, hooks.all())
	assert.Empty(t, cloud.Bodies("test--jobs"))
}

func TestPoller_StorageEvent(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}
	got := &received{}
	p := newTestPoller(cloud, hooks)
	require.NoError(t, p.HandleBucket(got.handler, "bucket_foo"))

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	send(t, cloud, "jobs", awsfake.StorageEventBody("bucket_foo", "ObjectCreated:Put", map[string]any{"the": "object"}))

	require.Eventually(t, func() bool { return cloud.Deleted("jobs") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	msgs := got.all()
	require.Len(t, msgs, 1)
	var event map[string]any
	require.NoError(t, msgs[0].Decode(&event))
	assert.Equal(t, map[string]any{
		"event_name":  "ObjectCreated:Put",
		"bucket_name": "bucket_foo",
		"object":      map[string]any{"the": "object"},
	}, event)
	assert.Empty(t, hooks.all())
}

func TestPoller_TestEventIsDeleted(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}
	p := newTestPoller(cloud, hooks)

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	send(t, cloud, "jobs", awsfake.TestEventBody("bucket_foo"))

	require.Eventually(t, func() bool { return cloud.Deleted("jobs") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	assert.Empty(t, hooks.all())
}

func TestPoller_FailedMessageIsKept(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
		kind    FailureKind
	}{
		{
			name:    "handler error",
			handler: func(context.Context, Message) error { return errors.New("boom") },
			kind:    FailHandlerError,
		},
		{
			name:    "handler panic",
			handler: func(context.Context, Message) error { panic("boom") },
			kind:    FailHandlerPanic,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cloud := awsfake.New()
			hooks := &hookRecorder{}
			p := newTestPoller(cloud, hooks, WithQueueAttributes(map[string]string{"VisibilityTimeout": "60"}))
			require.NoError(t, p.Handle(tc.handler, "orders"))

			stop := runPoller(t, p)
			waitForQueue(t, cloud, "jobs")
			_, err := NewTopic(cloud, "orders").Publish(context.Background(), map[string]int{"id": 7})
			require.NoError(t, err)

			require.Eventually(t, func() bool { return len(hooks.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
			require.NoError(t, stop())

			call := hooks.all()[0]
			assert.Equal(t, tc.kind, KindOf(call.err))
			assert.Contains(t, call.err.Error(), "boom")
			require.NotNil(t, call.payload)
			assert.Equal(t, "orders", call.payload.Topic)
			assert.Equal(t, map[string]any{"id": float64(7)}, call.payload.Message.Body)
			assert.NotEmpty(t, aws.ToString(call.raw.ReceiptHandle))

			assert.Zero(t, cloud.Deleted("jobs"))
			assert.Len(t, cloud.Bodies("jobs"), 1)
		})
	}
}

func TestPoller_UnroutableAndUnparseable(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}
	p := newTestPoller(cloud, hooks, WithQueueAttributes(map[string]string{"VisibilityTimeout": "60"}))

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	send(t, cloud, "jobs", "not json")
	send(t, cloud, "jobs", awsfake.StorageEventBody("unknown", "ObjectCreated:Put", map[string]any{}))

	require.Eventually(t, func() bool { return len(hooks.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	kinds := map[FailureKind]*Payload{}
	for _, call := range hooks.all() {
		kinds[KindOf(call.err)] = call.payload
	}
	require.Contains(t, kinds, FailUnparseable)
	require.Contains(t, kinds, FailUnroutable)
	assert.Nil(t, kinds[FailUnparseable])
	assert.Equal(t, "unknown-ObjectCreated:Put", kinds[FailUnroutable].Topic)
	assert.Zero(t, cloud.Deleted("jobs"))
}

func TestPoller_DeleteFailure(t *testing.T) {
	cloud := awsfake.New()
	cloud.Fail("DeleteMessage", errors.New("service unavailable"))
	hooks := &hookRecorder{}
	got := &received{}
	p := newTestPoller(cloud, hooks, WithQueueAttributes(map[string]string{"VisibilityTimeout": "60"}))
	require.NoError(t, p.Handle(got.handler, "orders"))

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	_, err := NewTopic(cloud, "orders").PublishRaw(context.Background(), `{}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(hooks.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	assert.Len(t, got.all(), 1)
	assert.Equal(t, FailDelete, KindOf(hooks.all()[0].err))
	assert.Len(t, cloud.Bodies("jobs"), 1)
}

// --- Middleware ---

func TestPoller_MiddlewareOrder(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}

	var mu sync.Mutex
	var trace []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		trace = append(trace, s)
	}
	named := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, st *DispatchState) error {
				record(name + " before")
				err := next(ctx, st)
				record(name + " after")
				return err
			}
		}
	}

	p := newTestPoller(cloud, hooks, WithMiddleware(named("outer")))
	require.NoError(t, p.Use(named("inner")))
	require.NoError(t, p.Handle(func(context.Context, Message) error {
		record("handler")
		return nil
	}, "orders"))

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	_, err := NewTopic(cloud, "orders").PublishRaw(context.Background(), `{}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return cloud.Deleted("jobs") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer before", "inner before", "handler", "inner after", "outer after"}, trace)
}

func TestPoller_MiddlewareShortCircuit(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}
	got := &received{}
	limited := errors.New("rate limited")
	p := newTestPoller(cloud, hooks,
		WithQueueAttributes(map[string]string{"VisibilityTimeout": "60"}),
		WithMiddleware(func(HandlerFunc) HandlerFunc {
			return func(context.Context, *DispatchState) error { return limited }
		}),
	)
	require.NoError(t, p.Handle(got.handler, "orders"))

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	_, err := NewTopic(cloud, "orders").PublishRaw(context.Background(), `{}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(hooks.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	call := hooks.all()[0]
	assert.ErrorIs(t, call.err, limited)
	assert.Equal(t, FailMiddlewareError, KindOf(call.err))
	assert.Nil(t, call.payload)
	assert.Empty(t, got.all())
	assert.Zero(t, cloud.Deleted("jobs"))
}

// --- Lifecycle ---

func TestPoller_RegistrationClosedAfterStart(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}
	p := newTestPoller(cloud, hooks)

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")

	assert.ErrorIs(t, p.Handle(okHandler, "late"), ErrRegistryFrozen)
	assert.ErrorIs(t, p.HandleBucket(okHandler, "late"), ErrRegistryFrozen)
	assert.ErrorIs(t, p.Use(func(next HandlerFunc) HandlerFunc { return next }), ErrRegistryFrozen)
	require.NoError(t, stop())
}

func TestPoller_StartProvisioningError(t *testing.T) {
	cloud := awsfake.New()
	cloud.Fail("CreateQueue", errors.New("access denied"))
	p := newTestPoller(cloud, &hookRecorder{})

	err := p.Start(context.Background())
	require.ErrorIs(t, err, ErrProvisioning)
	assert.Zero(t, cloud.Calls("ReceiveMessage"))
	assert.True(t, p.Registry().Frozen())
}

func TestPoller_TopicsWithoutSNSClient(t *testing.T) {
	cloud := awsfake.New()
	p := New("jobs", cloud, WithLogger(zerolog.Nop()))
	require.NoError(t, p.Handle(okHandler, "orders"))

	err := p.Start(context.Background())
	require.ErrorIs(t, err, ErrProvisioning)
	assert.Contains(t, err.Error(), "no SNS client")
}

func TestPoller_ReceiveErrorsBackOff(t *testing.T) {
	cloud := awsfake.New()
	cloud.Fail("ReceiveMessage", errors.New("throttled"))
	cloud.Fail("ReceiveMessage", errors.New("throttled"))
	hooks := &hookRecorder{}
	got := &received{}
	p := newTestPoller(cloud, hooks)
	require.NoError(t, p.Handle(got.handler, "orders"))

	var mu sync.Mutex
	var delays []time.Duration
	p.wait = func(_ context.Context, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
	}

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	_, err := NewTopic(cloud, "orders").PublishRaw(context.Background(), `{}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 2)
	for _, d := range delays {
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, maxReceiveBackOff)
	}
	assert.Empty(t, hooks.all(), "receive errors are not message failures")
}

func TestPoller_RenewsLongRunningHandler(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}
	release := make(chan struct{})
	p := newTestPoller(cloud, hooks)
	p.renewInterval = func(int32) time.Duration { return 5 * time.Millisecond }
	require.NoError(t, p.Handle(func(ctx context.Context, _ Message) error {
		<-release
		return nil
	}, "orders"))

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	_, err := NewTopic(cloud, "orders").PublishRaw(context.Background(), `{}`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cloud.Calls("ChangeMessageVisibilityBatch") >= 2
	}, 2*time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return cloud.Deleted("jobs") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, stop())
	renewals := cloud.Calls("ChangeMessageVisibilityBatch")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, renewals, cloud.Calls("ChangeMessageVisibilityBatch"))
}

func TestPoller_CancelFinishesBatch(t *testing.T) {
	cloud := awsfake.New()
	hooks := &hookRecorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	p := newTestPoller(cloud, hooks)
	require.NoError(t, p.Handle(func(ctx context.Context, _ Message) error {
		close(entered)
		<-release
		return ctx.Err()
	}, "orders"))

	stop := runPoller(t, p)
	waitForQueue(t, cloud, "jobs")
	_, err := NewTopic(cloud, "orders").PublishRaw(context.Background(), `{}`)
	require.NoError(t, err)
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-stopped)
	assert.Equal(t, 1, cloud.Deleted("jobs"), "the in-flight message completes and is deleted")
	assert.Empty(t, hooks.all())
}

func TestPoller_QueueName(t *testing.T) {
	cloud := awsfake.New()
	assert.Equal(t, "jobs", New("jobs", cloud).QueueName())
	assert.Equal(t, "test--jobs", New("jobs", cloud, WithPrefix("test")).QueueName())
}
