package topicpoller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	// TestEventTopic is the reserved topic for the test event S3 sends when a
	// bucket notification is first configured.
	TestEventTopic = "s3-test-event"

	s3EventSource = "aws:s3"
	s3TestEvent   = "s3:TestEvent"

	envelopeTopicArn = "TopicArn"
	envelopeMessage  = "Message"
)

func noop(context.Context, Message) error { return nil }

// s3Record is the subset of an S3 event notification record the classifier reads.
type s3Record struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object json.RawMessage `json:"object"`
	} `json:"s3"`
}

// matcher reports whether it recognizes the envelope. A recognized envelope may
// still fail, in which case the partial payload is returned with the error.
type matcher func(envelope map[string]json.RawMessage) (payload *Payload, recognized bool, err error)

// Classifier resolves raw queue messages to a topic and handler.
type Classifier struct {
	registry *Registry
	matchers []matcher
}

// NewClassifier creates a Classifier that routes through registry.
func NewClassifier(registry *Registry) *Classifier {
	c := &Classifier{registry: registry}
	c.matchers = []matcher{c.matchTopic, c.matchStorageEvent}
	return c
}

// Classify decodes a raw message into a Payload. On failure the returned payload
// holds whatever was resolved before the error and may be nil.
func (c *Classifier) Classify(raw types.Message) (*Payload, error) {
	if raw.Body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrUnparseableMessage)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(*raw.Body), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnparseableMessage, err)
	}

	for _, match := range c.matchers {
		payload, ok, err := match(envelope)
		if !ok {
			continue
		}
		if payload != nil {
			payload.Attributes = raw.Attributes
		}
		return payload, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnparseableMessage, aws.ToString(raw.Body))
}

func (c *Classifier) matchTopic(envelope map[string]json.RawMessage) (*Payload, bool, error) {
	rawArn, ok := envelope[envelopeTopicArn]
	if !ok {
		return nil, false, nil
	}
	var arn string
	if err := json.Unmarshal(rawArn, &arn); err != nil {
		return nil, true, fmt.Errorf("%w: TopicArn: %w", ErrUnparseableMessage, err)
	}
	topic := arn[strings.LastIndex(arn, ":")+1:]
	payload := &Payload{Topic: topic}

	reg, ok := c.registry.topic(topic)
	if !ok {
		return payload, true, fmt.Errorf("%w for topic %s", ErrUnroutableMessage, topic)
	}
	payload.Handler = reg.handler

	rawText, ok := envelope[envelopeMessage]
	if !ok {
		return payload, true, fmt.Errorf("%w: envelope has no Message", ErrUnparseableMessage)
	}
	var text string
	if err := json.Unmarshal(rawText, &text); err != nil {
		return payload, true, fmt.Errorf("%w: Message is not a string: %w", ErrUnparseableMessage, err)
	}
	msg := Message{Raw: text, Body: text}

	if reg.parseJSON {
		var body any
		if err := json.Unmarshal([]byte(text), &body); err != nil {
			return payload, true, fmt.Errorf("%w: %w", ErrInvalidMessagePayload, err)
		}
		msg.Body = body
	}
	if reg.schema != nil {
		if err := reg.schema.ValidateBytes([]byte(text)); err != nil {
			return payload, true, fmt.Errorf("%w: %w", ErrInvalidMessagePayload, err)
		}
	}

	if reg.includeMetadata {
		meta := &Metadata{
			Envelope: make(map[string]any, len(envelope)),
			Topic:    strings.TrimPrefix(topic, c.registry.prefix),
		}
		for k, v := range envelope {
			if k == envelopeMessage {
				continue
			}
			var field any
			if err := json.Unmarshal(v, &field); err != nil {
				return payload, true, fmt.Errorf("%w: envelope field %s: %w", ErrUnparseableMessage, k, err)
			}
			meta.Envelope[k] = field
		}
		msg.Meta = meta
	}

	payload.Message = msg
	return payload, true, nil
}

func (c *Classifier) matchStorageEvent(envelope map[string]json.RawMessage) (*Payload, bool, error) {
	if rawEvent, ok := envelope["Event"]; ok {
		var event string
		if json.Unmarshal(rawEvent, &event) == nil && event == s3TestEvent {
			return &Payload{Topic: TestEventTopic, Handler: noop}, true, nil
		}
	}

	rawRecords, ok := envelope["Records"]
	if !ok {
		return nil, false, nil
	}
	var records []s3Record
	if err := json.Unmarshal(rawRecords, &records); err != nil {
		return nil, false, nil
	}
	if len(records) != 1 || records[0].EventSource != s3EventSource {
		return nil, false, nil
	}

	record := records[0]
	bucket := record.S3.Bucket.Name
	payload := &Payload{Topic: c.registry.prefix + bucket + "-" + record.EventName}

	reg, ok := c.registry.bucket(bucket)
	if !ok {
		return payload, true, fmt.Errorf("%w for bucket %s", ErrUnroutableMessage, bucket)
	}

	event := StorageEvent{
		EventName:  record.EventName,
		BucketName: bucket,
		Object:     record.S3.Object,
	}
	text, err := json.Marshal(event)
	if err != nil {
		return payload, true, fmt.Errorf("%w: %w", ErrInvalidMessagePayload, err)
	}
	payload.Handler = reg.handler
	payload.Message = Message{Body: event, Raw: string(text)}
	return payload, true, nil
}
