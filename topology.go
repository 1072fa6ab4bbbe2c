package topicpoller

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const (
	// NotificationID identifies the bucket notification that targets the queue.
	NotificationID = "topicpoller-subscription"

	objectCreatedEvents s3types.Event = "s3:ObjectCreated:*"
)

// EnsureTopology provisions the queue and its dead-letter queue, subscribes the
// queue to every registered topic, grants those topics and buckets permission to
// deliver into it, and points each bucket's notifications at it. It is safe to
// run repeatedly.
func (p *Poller) EnsureTopology(ctx context.Context) (*ProvisionedQueue, error) {
	q, err := p.provisioner.EnsureQueue(ctx, p.spec)
	if err != nil {
		return nil, err
	}

	topicARNs, err := p.subscribeTopics(ctx, q.ARN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}

	buckets := p.registry.Buckets()
	bucketARNs := make([]string, 0, len(buckets))
	for _, bucket := range buckets {
		bucketARNs = append(bucketARNs, bucketARN(bucket))
	}

	doc, ok, err := buildAccessPolicy(q.ARN, topicARNs, bucketARNs)
	if err != nil {
		return nil, fmt.Errorf("%w: encode access policy: %w", ErrProvisioning, err)
	}
	if ok {
		if _, err := p.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
			QueueUrl:   aws.String(q.URL),
			Attributes: map[string]string{attrPolicy: doc},
		}); err != nil {
			return nil, fmt.Errorf("%w: set access policy: %w", ErrProvisioning, err)
		}
	}

	if err := p.notifyBuckets(ctx, buckets, q.ARN); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	return q, nil
}

func (p *Poller) subscribeTopics(ctx context.Context, queueARN string) ([]string, error) {
	topics := p.registry.Topics()
	if len(topics) == 0 {
		return nil, nil
	}
	if p.sns == nil {
		return nil, errors.New("topic handlers registered but no SNS client configured")
	}

	arns := make([]string, 0, len(topics))
	for _, topic := range topics {
		created, err := p.sns.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(topic)})
		if err != nil {
			return nil, fmt.Errorf("create topic %s: %w", topic, err)
		}
		if _, err := p.sns.Subscribe(ctx, &sns.SubscribeInput{
			TopicArn:              created.TopicArn,
			Protocol:              aws.String("sqs"),
			Endpoint:              aws.String(queueARN),
			ReturnSubscriptionArn: true,
		}); err != nil {
			return nil, fmt.Errorf("subscribe to topic %s: %w", topic, err)
		}
		p.logger.Debug().Str("topic", topic).Msg("subscribed to topic")
		arns = append(arns, aws.ToString(created.TopicArn))
	}
	return arns, nil
}

func (p *Poller) notifyBuckets(ctx context.Context, buckets []string, queueARN string) error {
	if len(buckets) == 0 {
		return nil
	}
	if p.s3 == nil {
		return errors.New("bucket handlers registered but no S3 client configured")
	}
	for _, bucket := range buckets {
		if _, err := p.s3.PutBucketNotificationConfiguration(ctx, &s3.PutBucketNotificationConfigurationInput{
			Bucket: aws.String(bucket),
			NotificationConfiguration: &s3types.NotificationConfiguration{
				QueueConfigurations: []s3types.QueueConfiguration{{
					Id:       aws.String(NotificationID),
					QueueArn: aws.String(queueARN),
					Events:   []s3types.Event{objectCreatedEvents},
				}},
			},
		}); err != nil {
			return fmt.Errorf("configure notifications for bucket %s: %w", bucket, err)
		}
		p.logger.Debug().Str("bucket", bucket).Msg("bucket notifications configured")
	}
	return nil
}
