package topicpoller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// Publisher defines the SNS operations a Topic needs.
type Publisher interface {
	CreateTopic(ctx context.Context, params *sns.CreateTopicInput, optFns ...func(*sns.Options)) (*sns.CreateTopicOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Topic publishes messages to an SNS topic, creating it on first use.
type Topic struct {
	name   string
	client Publisher

	mu  sync.Mutex
	arn string
}

// NewTopic returns a Topic for name. Use QualifiedName to address a prefixed topic.
func NewTopic(client Publisher, name string) *Topic {
	return &Topic{name: name, client: client}
}

// Name is the topic name.
func (t *Topic) Name() string { return t.name }

// ARN creates the topic if needed and returns its ARN.
func (t *Topic) ARN(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.arn != "" {
		return t.arn, nil
	}
	out, err := t.client.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(t.name)})
	if err != nil {
		return "", fmt.Errorf("create topic %s: %w", t.name, err)
	}
	t.arn = aws.ToString(out.TopicArn)
	return t.arn, nil
}

// Publish JSON-encodes v and publishes it. It returns the SNS message id.
func (t *Topic) Publish(ctx context.Context, v any, optFns ...func(*sns.PublishInput)) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode message for topic %s: %w", t.name, err)
	}
	return t.PublishRaw(ctx, string(b), optFns...)
}

// PublishRaw publishes message as is.
func (t *Topic) PublishRaw(ctx context.Context, message string, optFns ...func(*sns.PublishInput)) (string, error) {
	arn, err := t.ARN(ctx)
	if err != nil {
		return "", err
	}
	in := &sns.PublishInput{
		TopicArn: aws.String(arn),
		Message:  aws.String(message),
	}
	for _, fn := range optFns {
		fn(in)
	}
	out, err := t.client.Publish(ctx, in)
	if err != nil {
		return "", fmt.Errorf("publish to topic %s: %w", t.name, err)
	}
	return aws.ToString(out.MessageId), nil
}
