// Package awsfake is an in-memory stand-in for the slice of SQS, SNS and S3 that
// the poller uses. It models visibility timeouts, receive counts, redrive to a
// dead-letter queue, SNS fan-out to subscribed queues and bucket notification
// configuration, which is enough to drive the poller end to end in tests.
package awsfake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

const (
	Region  = "us-east-1"
	Account = "123456789012"

	defaultVisibilityTimeout = "30"
	defaultRetentionPeriod   = "345600"
)

type message struct {
	id           string
	body         string
	receipts     map[string]struct{}
	visibleAt    time.Time
	receiveCount int
	sentAt       time.Time
}

type queue struct {
	name     string
	url      string
	arn      string
	attrs    map[string]string
	tags     map[string]string
	messages []*message
}

type subscription struct {
	arn      string
	protocol string
	endpoint string
}

type topic struct {
	name string
	arn  string
	subs []subscription
}

// Cloud implements the SQS, SNS and S3 client interfaces the poller needs.
// It is safe for concurrent use.
type Cloud struct {
	// MaxWait caps ReceiveMessage long polls so tests need not wait 20 seconds.
	MaxWait time.Duration

	mu      sync.Mutex
	queues  map[string]*queue
	topics  map[string]*topic
	buckets map[string]*s3types.NotificationConfiguration
	calls   map[string]int
	faults  map[string][]error
	deleted map[string]int
}

// New returns an empty Cloud.
func New() *Cloud {
	return &Cloud{
		MaxWait: 50 * time.Millisecond,
		queues:  make(map[string]*queue),
		topics:  make(map[string]*topic),
		buckets: make(map[string]*s3types.NotificationConfiguration),
		calls:   make(map[string]int),
		faults:  make(map[string][]error),
		deleted: make(map[string]int),
	}
}

// QueueURL returns the URL a queue named name has or would have.
func QueueURL(name string) string {
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", Region, Account, name)
}

// QueueARN returns the ARN a queue named name has or would have.
func QueueARN(name string) string {
	return fmt.Sprintf("arn:aws:sqs:%s:%s:%s", Region, Account, name)
}

// TopicARN returns the ARN a topic named name has or would have.
func TopicARN(name string) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:%s", Region, Account, name)
}

// Fail makes the next call to op return err. Calls queue up in order.
func (c *Cloud) Fail(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[op] = append(c.faults[op], err)
}

// Calls returns how many times op has been called.
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Deleted returns how many messages were deleted from the named queue.
func (c *Cloud) Deleted(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleted[name]
}

// Bodies returns the bodies of every message still in the named queue, visible or not.
func (c *Cloud) Bodies(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[name]
	if !ok {
		return nil
	}
	bodies := make([]string, 0, len(q.messages))
	for _, m := range q.messages {
		bodies = append(bodies, m.body)
	}
	return bodies
}

// Tags returns a copy of the named queue's tags.
func (c *Cloud) Tags(name string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[name]
	if !ok {
		return nil
	}
	return copyMap(q.tags)
}

// Attributes returns a copy of the named queue's attributes.
func (c *Cloud) Attributes(name string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[name]
	if !ok {
		return nil
	}
	return copyMap(q.attrs)
}

// Subscriptions returns the endpoints subscribed to the named topic.
func (c *Cloud) Subscriptions(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[TopicARN(name)]
	if !ok {
		return nil
	}
	endpoints := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		endpoints = append(endpoints, s.endpoint)
	}
	return endpoints
}

// begin records a call to op and returns an injected fault, if any. c.mu must be held.
func (c *Cloud) begin(op string) error {
	c.calls[op]++
	if errs := c.faults[op]; len(errs) > 0 {
		c.faults[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (c *Cloud) queueByURL(url *string) (*queue, error) {
	for _, q := range c.queues {
		if q.url == aws.ToString(url) {
			return q, nil
		}
	}
	return nil, &types.QueueDoesNotExist{Message: aws.String("queue does not exist: " + aws.ToString(url))}
}

func (c *Cloud) queueByARN(arn string) *queue {
	for _, q := range c.queues {
		if q.arn == arn {
			return q
		}
	}
	return nil
}

// --- SQS ---

// CreateQueue creates a queue, or returns the existing one when every given
// attribute matches. A mismatch fails with QueueNameExists, as SQS does. Tags are
// only applied on creation.
func (c *Cloud) CreateQueue(_ context.Context, in *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("CreateQueue"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.QueueName)
	if q, ok := c.queues[name]; ok {
		for k, v := range in.Attributes {
			if q.attrs[k] != v {
				return nil, &types.QueueNameExists{Message: aws.String(fmt.Sprintf("queue %s exists with a different %s", name, k))}
			}
		}
		return &sqs.CreateQueueOutput{QueueUrl: aws.String(q.url)}, nil
	}

	q := &queue{
		name: name,
		url:  QueueURL(name),
		arn:  QueueARN(name),
		attrs: map[string]string{
			"VisibilityTimeout":      defaultVisibilityTimeout,
			"MessageRetentionPeriod": defaultRetentionPeriod,
		},
		tags: copyMap(in.Tags),
	}
	for k, v := range in.Attributes {
		q.attrs[k] = v
	}
	c.queues[name] = q
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(q.url)}, nil
}

func (c *Cloud) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("GetQueueUrl"); err != nil {
		return nil, err
	}
	q, ok := c.queues[aws.ToString(in.QueueName)]
	if !ok {
		return nil, &types.QueueDoesNotExist{Message: in.QueueName}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(q.url)}, nil
}

func (c *Cloud) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("GetQueueAttributes"); err != nil {
		return nil, err
	}
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	attrs := copyMap(q.attrs)
	attrs["QueueArn"] = q.arn
	now := time.Now()
	visible, hidden := 0, 0
	for _, m := range q.messages {
		if m.visibleAt.After(now) {
			hidden++
		} else {
			visible++
		}
	}
	attrs["ApproximateNumberOfMessages"] = strconv.Itoa(visible)
	attrs["ApproximateNumberOfMessagesNotVisible"] = strconv.Itoa(hidden)
	return &sqs.GetQueueAttributesOutput{Attributes: attrs}, nil
}

func (c *Cloud) SetQueueAttributes(_ context.Context, in *sqs.SetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("SetQueueAttributes"); err != nil {
		return nil, err
	}
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	for k, v := range in.Attributes {
		q.attrs[k] = v
	}
	return &sqs.SetQueueAttributesOutput{}, nil
}

func (c *Cloud) ListQueueTags(_ context.Context, in *sqs.ListQueueTagsInput, _ ...func(*sqs.Options)) (*sqs.ListQueueTagsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("ListQueueTags"); err != nil {
		return nil, err
	}
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	return &sqs.ListQueueTagsOutput{Tags: copyMap(q.tags)}, nil
}

func (c *Cloud) TagQueue(_ context.Context, in *sqs.TagQueueInput, _ ...func(*sqs.Options)) (*sqs.TagQueueOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("TagQueue"); err != nil {
		return nil, err
	}
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	for k, v := range in.Tags {
		q.tags[k] = v
	}
	return &sqs.TagQueueOutput{}, nil
}

func (c *Cloud) UntagQueue(_ context.Context, in *sqs.UntagQueueInput, _ ...func(*sqs.Options)) (*sqs.UntagQueueOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("UntagQueue"); err != nil {
		return nil, err
	}
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	for _, k := range in.TagKeys {
		delete(q.tags, k)
	}
	return &sqs.UntagQueueOutput{}, nil
}

// SendMessage enqueues a message.
func (c *Cloud) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("SendMessage"); err != nil {
		return nil, err
	}
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	m := enqueue(q, aws.ToString(in.MessageBody))
	m.visibleAt = m.sentAt.Add(time.Duration(in.DelaySeconds) * time.Second)
	return &sqs.SendMessageOutput{MessageId: aws.String(m.id)}, nil
}

func enqueue(q *queue, body string) *message {
	m := &message{
		id:       uuid.NewString(),
		body:     body,
		receipts: make(map[string]struct{}),
		sentAt:   time.Now(),
	}
	q.messages = append(q.messages, m)
	return m
}

// ReceiveMessage long-polls for visible messages, waiting at most MaxWait.
// Messages received more often than the queue's redrive maxReceiveCount move to
// the dead-letter queue instead of being returned.
func (c *Cloud) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	c.mu.Lock()
	if err := c.begin("ReceiveMessage"); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	wait := time.Duration(in.WaitTimeSeconds) * time.Second
	if wait > c.MaxWait {
		wait = c.MaxWait
	}
	deadline := time.Now().Add(wait)
	for {
		msgs, err := c.receive(in)
		if err != nil || len(msgs) > 0 {
			return &sqs.ReceiveMessageOutput{Messages: msgs}, err
		}
		if !time.Now().Before(deadline) {
			return &sqs.ReceiveMessageOutput{}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (c *Cloud) receive(in *sqs.ReceiveMessageInput) ([]types.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	limit := int(in.MaxNumberOfMessages)
	if limit <= 0 {
		limit = 1
	}
	timeout := in.VisibilityTimeout
	if timeout <= 0 {
		t, _ := strconv.Atoi(q.attrs["VisibilityTimeout"])
		timeout = int32(t)
	}
	maxReceives, dlq := c.redrive(q)

	now := time.Now()
	var out []types.Message
	kept := q.messages[:0]
	for _, m := range q.messages {
		if len(out) >= limit || m.visibleAt.After(now) {
			kept = append(kept, m)
			continue
		}
		if dlq != nil && m.receiveCount >= maxReceives {
			moved := enqueue(dlq, m.body)
			moved.id = m.id
			continue
		}
		m.receiveCount++
		m.visibleAt = now.Add(time.Duration(timeout) * time.Second)
		receipt := uuid.NewString()
		m.receipts[receipt] = struct{}{}
		out = append(out, types.Message{
			MessageId:     aws.String(m.id),
			ReceiptHandle: aws.String(receipt),
			Body:          aws.String(m.body),
			Attributes: map[string]string{
				"ApproximateReceiveCount": strconv.Itoa(m.receiveCount),
				"SentTimestamp":           strconv.FormatInt(m.sentAt.UnixMilli(), 10),
			},
		})
		kept = append(kept, m)
	}
	q.messages = kept
	return out, nil
}

// redrive resolves q's dead-letter queue from its RedrivePolicy attribute.
func (c *Cloud) redrive(q *queue) (int, *queue) {
	raw, ok := q.attrs["RedrivePolicy"]
	if !ok {
		return 0, nil
	}
	var policy struct {
		MaxReceiveCount     json.Number `json:"maxReceiveCount"`
		DeadLetterTargetArn string      `json:"deadLetterTargetArn"`
	}
	if err := json.Unmarshal([]byte(raw), &policy); err != nil {
		return 0, nil
	}
	n, err := policy.MaxReceiveCount.Int64()
	if err != nil || n <= 0 {
		return 0, nil
	}
	return int(n), c.queueByARN(policy.DeadLetterTargetArn)
}

// DeleteMessage removes the message a receipt handle was issued for. Deleting an
// already-deleted message succeeds.
func (c *Cloud) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("DeleteMessage"); err != nil {
		return nil, err
	}
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	receipt := aws.ToString(in.ReceiptHandle)
	for i, m := range q.messages {
		if _, ok := m.receipts[receipt]; ok {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			c.deleted[q.name]++
			break
		}
	}
	return &sqs.DeleteMessageOutput{}, nil
}

// ChangeMessageVisibilityBatch resets the visibility of each entry's message.
// Entries whose message no longer exists are reported as failed, not as an error.
func (c *Cloud) ChangeMessageVisibilityBatch(_ context.Context, in *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("ChangeMessageVisibilityBatch"); err != nil {
		return nil, err
	}
	q, err := c.queueByURL(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	out := &sqs.ChangeMessageVisibilityBatchOutput{}
	now := time.Now()
	for _, entry := range in.Entries {
		found := false
		for _, m := range q.messages {
			if _, ok := m.receipts[aws.ToString(entry.ReceiptHandle)]; ok {
				m.visibleAt = now.Add(time.Duration(entry.VisibilityTimeout) * time.Second)
				found = true
				break
			}
		}
		if found {
			out.Successful = append(out.Successful, types.ChangeMessageVisibilityBatchResultEntry{Id: entry.Id})
		} else {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{
				Id:          entry.Id,
				Code:        aws.String("ReceiptHandleIsInvalid"),
				Message:     aws.String("message does not exist or is not available for visibility timeout change"),
				SenderFault: true,
			})
		}
	}
	return out, nil
}

// --- SNS ---

func (c *Cloud) CreateTopic(_ context.Context, in *sns.CreateTopicInput, _ ...func(*sns.Options)) (*sns.CreateTopicOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("CreateTopic"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.Name)
	arn := TopicARN(name)
	if _, ok := c.topics[arn]; !ok {
		c.topics[arn] = &topic{name: name, arn: arn}
	}
	return &sns.CreateTopicOutput{TopicArn: aws.String(arn)}, nil
}

// Subscribe adds a subscription. Subscribing the same endpoint twice returns the
// existing subscription.
func (c *Cloud) Subscribe(_ context.Context, in *sns.SubscribeInput, _ ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("Subscribe"); err != nil {
		return nil, err
	}
	t, ok := c.topics[aws.ToString(in.TopicArn)]
	if !ok {
		return nil, &snstypes.NotFoundException{Message: aws.String("topic does not exist")}
	}
	protocol, endpoint := aws.ToString(in.Protocol), aws.ToString(in.Endpoint)
	for _, s := range t.subs {
		if s.protocol == protocol && s.endpoint == endpoint {
			return &sns.SubscribeOutput{SubscriptionArn: aws.String(s.arn)}, nil
		}
	}
	s := subscription{arn: t.arn + ":" + uuid.NewString(), protocol: protocol, endpoint: endpoint}
	t.subs = append(t.subs, s)
	return &sns.SubscribeOutput{SubscriptionArn: aws.String(s.arn)}, nil
}

// Publish delivers a notification envelope to every queue subscribed to the topic.
func (c *Cloud) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("Publish"); err != nil {
		return nil, err
	}
	arn := aws.ToString(in.TopicArn)
	if arn == "" {
		arn = aws.ToString(in.TargetArn)
	}
	t, ok := c.topics[arn]
	if !ok {
		return nil, &snstypes.NotFoundException{Message: aws.String("topic does not exist")}
	}

	id := uuid.NewString()
	envelope := map[string]string{
		"Type":             "Notification",
		"MessageId":        id,
		"TopicArn":         arn,
		"Message":          aws.ToString(in.Message),
		"Timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
		"SignatureVersion": "1",
	}
	if in.Subject != nil {
		envelope["Subject"] = *in.Subject
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	for _, s := range t.subs {
		if s.protocol != "sqs" {
			continue
		}
		if q := c.queueByARN(s.endpoint); q != nil {
			enqueue(q, string(body))
		}
	}
	return &sns.PublishOutput{MessageId: aws.String(id)}, nil
}

// --- S3 ---

func (c *Cloud) PutBucketNotificationConfiguration(_ context.Context, in *s3.PutBucketNotificationConfigurationInput, _ ...func(*s3.Options)) (*s3.PutBucketNotificationConfigurationOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("PutBucketNotificationConfiguration"); err != nil {
		return nil, err
	}
	cfg := *in.NotificationConfiguration
	c.buckets[aws.ToString(in.Bucket)] = &cfg
	return &s3.PutBucketNotificationConfigurationOutput{}, nil
}

func (c *Cloud) GetBucketNotificationConfiguration(_ context.Context, in *s3.GetBucketNotificationConfigurationInput, _ ...func(*s3.Options)) (*s3.GetBucketNotificationConfigurationOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("GetBucketNotificationConfiguration"); err != nil {
		return nil, err
	}
	out := &s3.GetBucketNotificationConfigurationOutput{}
	if cfg, ok := c.buckets[aws.ToString(in.Bucket)]; ok {
		out.QueueConfigurations = cfg.QueueConfigurations
		out.TopicConfigurations = cfg.TopicConfigurations
		out.LambdaFunctionConfigurations = cfg.LambdaFunctionConfigurations
	}
	return out, nil
}

// --- helpers ---

// StorageEventBody builds an S3 event notification body for one object.
func StorageEventBody(bucket, eventName string, object map[string]any) string {
	body, _ := json.Marshal(map[string]any{
		"Records": []map[string]any{{
			"eventVersion": "2.1",
			"eventSource":  "aws:s3",
			"awsRegion":    Region,
			"eventName":    eventName,
			"s3": map[string]any{
				"bucket": map[string]any{"name": bucket, "arn": "arn:aws:s3:::" + bucket},
				"object": object,
			},
		}},
	})
	return string(body)
}

// TestEventBody builds the test event S3 sends when notifications are configured.
func TestEventBody(bucket string) string {
	body, _ := json.Marshal(map[string]any{
		"Service":   "Amazon S3",
		"Event":     "s3:TestEvent",
		"Time":      time.Now().UTC().Format(time.RFC3339),
		"Bucket":    bucket,
		"RequestId": strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16]),
	})
	return string(body)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// QueueNames lists every queue in the fake, sorted.
func (c *Cloud) QueueNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.queues))
	for name := range c.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
