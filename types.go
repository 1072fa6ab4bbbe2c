package topicpoller

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSClient defines the SQS operations needed to provision and poll a queue.
// *sqs.Client satisfies it; tests substitute a fake.
type SQSClient interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
	ListQueueTags(ctx context.Context, params *sqs.ListQueueTagsInput, optFns ...func(*sqs.Options)) (*sqs.ListQueueTagsOutput, error)
	TagQueue(ctx context.Context, params *sqs.TagQueueInput, optFns ...func(*sqs.Options)) (*sqs.TagQueueOutput, error)
	UntagQueue(ctx context.Context, params *sqs.UntagQueueInput, optFns ...func(*sqs.Options)) (*sqs.UntagQueueOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SNSClient defines the SNS operations needed to subscribe the queue to its topics.
type SNSClient interface {
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Subscribe(ctx context.Context, params *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
}

// S3Client defines the S3 operation needed to route bucket events into the queue.
type S3Client interface {
	PutBucketNotificationConfiguration(ctx context.Context, params *s3.PutBucketNotificationConfigurationInput, optFns ...func(*s3.Options)) (*s3.PutBucketNotificationConfigurationOutput, error)
}

// Handler processes one decoded message. A returned error leaves the message on
// the queue for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Message is what a Handler receives.
type Message struct {
	// Body is the decoded message: the JSON value for topic messages, the raw
	// string when the handler was registered with RawMessage, or a StorageEvent
	// for bucket notifications.
	Body any
	// Raw is the undecoded message text.
	Raw string
	// Meta is nil unless the handler was registered WithMetadata.
	Meta *Metadata
}

// Decode unmarshals the raw message text into v.
func (m Message) Decode(v any) error {
	if m.Raw == "" {
		return errors.New("empty message")
	}
	return json.Unmarshal([]byte(m.Raw), v)
}

// Metadata carries the notification envelope for handlers that asked for it.
type Metadata struct {
	// Envelope holds every envelope field except the message itself.
	Envelope map[string]any
	// Topic is the topic name without the poller's prefix.
	Topic string
}

// StorageEvent is the message delivered to bucket handlers.
type StorageEvent struct {
	EventName  string          `json:"event_name"`
	BucketName string          `json:"bucket_name"`
	Object     json.RawMessage `json:"object"`
}

// Payload is the classified form of a received message.
type Payload struct {
	Topic      string
	Handler    Handler
	Message    Message
	Attributes map[string]string
}

// DispatchState carries per-message context through the middleware chain.
// Payload is nil until the message has been classified.
type DispatchState struct {
	Raw       types.Message
	Payload   *Payload
	QueueURL  string
	QueueName string
}

// HandlerFunc is the function signature wrapped by middlewares.
type HandlerFunc func(ctx context.Context, st *DispatchState) error

// Middleware composes cross-cutting concerns around classify, handle and delete.
// Typical use cases: logging, tracing, metrics.
type Middleware func(next HandlerFunc) HandlerFunc

// ErrorHook is called for every message that was not handled successfully.
// payload holds whatever was classified before the failure and may be nil.
type ErrorHook func(ctx context.Context, err error, raw types.Message, payload *Payload)
