package topicpoller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

const (
	deadLetterSuffix = "-dead-letter"
	// maxRetentionPeriod is the longest retention SQS supports: 14 days.
	maxRetentionPeriod     = "1209600"
	defaultMaxReceiveCount = 5
	// defaultVisibilityTimeout is the SQS default, used if the attribute is missing.
	defaultVisibilityTimeout = 30

	systemTag = "topicpoller"
	dlqTag    = "dlq"
	prefixTag = "prefix"

	attrRedrivePolicy     = "RedrivePolicy"
	attrRetentionPeriod   = "MessageRetentionPeriod"
	attrQueueArn          = "QueueArn"
	attrVisibilityTimeout = "VisibilityTimeout"
	attrPolicy            = "Policy"
)

// RedrivePolicy configures how many receives a message gets before it moves to the
// dead-letter queue. The dead-letter target is always the provisioned DLQ.
type RedrivePolicy struct {
	// MaxReceiveCount defaults to 5 when zero.
	MaxReceiveCount int
	// Extra holds any other redrive fields. A deadLetterTargetArn here is ignored.
	Extra map[string]any
}

func (r RedrivePolicy) document(deadLetterARN string) (string, error) {
	doc := map[string]any{"maxReceiveCount": defaultMaxReceiveCount}
	for k, v := range r.Extra {
		doc[k] = v
	}
	if r.MaxReceiveCount > 0 {
		doc["maxReceiveCount"] = r.MaxReceiveCount
	}
	doc["deadLetterTargetArn"] = deadLetterARN
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode redrive policy: %w", err)
	}
	return string(b), nil
}

// QueueSpec describes a queue and, implicitly, its dead-letter queue.
type QueueSpec struct {
	Name       string
	Prefix     string
	Attributes map[string]string
	Tags       map[string]string
	Redrive    RedrivePolicy
}

// QualifiedName is the queue name with the prefix applied.
func (s QueueSpec) QualifiedName() string {
	return QualifiedName(s.Prefix, s.Name)
}

// tags returns the caller's tags plus the system markers, which take precedence.
func (s QueueSpec) tags(dlq bool) map[string]string {
	tags := make(map[string]string, len(s.Tags)+3)
	for k, v := range s.Tags {
		tags[k] = v
	}
	tags[systemTag] = "true"
	if s.Prefix != "" {
		tags[prefixTag] = s.Prefix
	}
	tags[dlqTag] = strconv.FormatBool(dlq)
	return tags
}

// ProvisionedQueue is the resolved state of a queue after provisioning.
type ProvisionedQueue struct {
	Name              string
	URL               string
	ARN               string
	DeadLetterARN     string
	VisibilityTimeout int32
	Attributes        map[string]string
}

// Provisioner creates or updates queues so that repeated runs converge on the same state.
type Provisioner struct {
	client SQSClient
	logger zerolog.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(client SQSClient, logger zerolog.Logger) *Provisioner {
	return &Provisioner{client: client, logger: logger}
}

// EnsureQueue provisions the dead-letter queue, then the primary queue with a
// redrive policy pointing at it. Errors are wrapped in ErrProvisioning and are
// not retried.
func (p *Provisioner) EnsureQueue(ctx context.Context, spec QueueSpec) (*ProvisionedQueue, error) {
	name := spec.QualifiedName()

	dlq, err := p.upsert(ctx, name+deadLetterSuffix,
		map[string]string{attrRetentionPeriod: maxRetentionPeriod},
		spec.tags(true),
	)
	if err != nil {
		return nil, err
	}

	redrive, err := spec.Redrive.document(dlq.ARN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	attrs := make(map[string]string, len(spec.Attributes)+1)
	for k, v := range spec.Attributes {
		attrs[k] = v
	}
	attrs[attrRedrivePolicy] = redrive

	q, err := p.upsert(ctx, name, attrs, spec.tags(false))
	if err != nil {
		return nil, err
	}
	q.DeadLetterARN = dlq.ARN
	return q, nil
}

func (p *Provisioner) upsert(ctx context.Context, name string, attrs, tags map[string]string) (*ProvisionedQueue, error) {
	p.logger.Debug().Str("queue", name).Msg("creating queue")
	url, err := p.create(ctx, name, attrs, tags)
	if isQueueExists(err) {
		p.logger.Debug().Str("queue", name).Msg("queue exists, updating")
		url, err = p.update(ctx, name, attrs, tags)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: queue %s: %w", ErrProvisioning, name, err)
	}
	if err := p.convergeTags(ctx, url, tags); err != nil {
		return nil, fmt.Errorf("%w: tag queue %s: %w", ErrProvisioning, name, err)
	}
	q, err := p.describe(ctx, name, url)
	if err != nil {
		return nil, fmt.Errorf("%w: describe queue %s: %w", ErrProvisioning, name, err)
	}
	return q, nil
}

func (p *Provisioner) create(ctx context.Context, name string, attrs, tags map[string]string) (string, error) {
	out, err := p.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
		Tags:       tags,
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.QueueUrl), nil
}

// update brings an existing queue's attributes in line, then re-issues the create
// call to confirm the queue now matches.
func (p *Provisioner) update(ctx context.Context, name string, attrs, tags map[string]string) (string, error) {
	out, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get queue url: %w", err)
	}
	if len(attrs) > 0 {
		if _, err := p.client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
			QueueUrl:   out.QueueUrl,
			Attributes: attrs,
		}); err != nil {
			return "", fmt.Errorf("set queue attributes: %w", err)
		}
	}
	return p.create(ctx, name, attrs, tags)
}

// convergeTags removes tags that are not desired and sets every desired tag.
func (p *Provisioner) convergeTags(ctx context.Context, url string, desired map[string]string) error {
	out, err := p.client.ListQueueTags(ctx, &sqs.ListQueueTagsInput{QueueUrl: aws.String(url)})
	if err != nil {
		return err
	}
	var stale []string
	for k := range out.Tags {
		if _, ok := desired[k]; !ok {
			stale = append(stale, k)
		}
	}
	if _, err := p.client.TagQueue(ctx, &sqs.TagQueueInput{QueueUrl: aws.String(url), Tags: desired}); err != nil {
		return err
	}
	if len(stale) > 0 {
		if _, err := p.client.UntagQueue(ctx, &sqs.UntagQueueInput{QueueUrl: aws.String(url), TagKeys: stale}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) describe(ctx context.Context, name, url string) (*ProvisionedQueue, error) {
	out, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameAll},
	})
	if err != nil {
		return nil, err
	}
	arn := out.Attributes[attrQueueArn]
	if arn == "" {
		return nil, errors.New("queue has no ARN attribute")
	}
	timeout := int64(defaultVisibilityTimeout)
	if v, ok := out.Attributes[attrVisibilityTimeout]; ok {
		timeout, err = strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", attrVisibilityTimeout, err)
		}
	}
	return &ProvisionedQueue{
		Name:              name,
		URL:               url,
		ARN:               arn,
		VisibilityTimeout: int32(timeout),
		Attributes:        out.Attributes,
	}, nil
}

// isQueueExists reports whether err is the SQS name-collision error. Older
// endpoints use the query protocol code QueueAlreadyExists.
func isQueueExists(err error) bool {
	if err == nil {
		return false
	}
	var exists *types.QueueNameExists
	if errors.As(err, &exists) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "QueueAlreadyExists", "QueueNameExists":
			return true
		}
	}
	return false
}
