package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/hatsunemiku3939/topicpoller"
	"github.com/rs/zerolog"
)

const (
	TopicE2ETest = "e2e-test"
)

// E2ETestMessage defines the structure for the "e2e-test" message payload.
type E2ETestMessage struct {
	TestID  string `json:"testId"`
	Payload string `json:"payload"`
}

var testSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["testId", "payload"],
	"properties": {
		"testId": { "type": "string" },
		"payload": { "type": "string" }
	},
	"additionalProperties": false
}`

// E2ETestHandler logs a marker line the test script greps for.
func E2ETestHandler(logger zerolog.Logger) topicpoller.Handler {
	return func(_ context.Context, m topicpoller.Message) error {
		var msg E2ETestMessage
		if err := m.Decode(&msg); err != nil {
			return err
		}
		logger.Info().Str("test_id", msg.TestID).Str("payload", msg.Payload).Msg("E2E_TEST_SUCCESS")
		// If enabled, force a handler error so the message is redriven to the dead-letter queue.
		if os.Getenv("E2E_HANDLER_FORCE_ERR") == "1" {
			return errors.New("e2e handler forced error")
		}
		return nil
	}
}

// E2EBucketHandler logs storage events.
func E2EBucketHandler(logger zerolog.Logger) topicpoller.Handler {
	return func(_ context.Context, m topicpoller.Message) error {
		ev, ok := m.Body.(topicpoller.StorageEvent)
		if !ok {
			return errors.New("unexpected storage event body")
		}
		logger.Info().Str("bucket", ev.BucketName).Str("event", ev.EventName).RawJSON("object", ev.Object).Msg("E2E_BUCKET_SUCCESS")
		return nil
	}
}

// E2EMiddleware logs before and after every dispatch and can force a failure.
func E2EMiddleware(logger zerolog.Logger) topicpoller.Middleware {
	return func(next topicpoller.HandlerFunc) topicpoller.HandlerFunc {
		return func(ctx context.Context, st *topicpoller.DispatchState) error {
			logger.Info().Str("message_id", aws.ToString(st.Raw.MessageId)).Msg("E2E_MW_BEFORE")

			if os.Getenv("E2E_MW_FAIL") == "1" {
				err := errors.New("e2e middleware forced failure")
				logger.Info().Err(err).Msg("E2E_MW_AFTER_ERR")
				return err
			}

			err := next(ctx, st)
			topic := "?"
			if st.Payload != nil {
				topic = st.Payload.Topic
			}
			if err != nil {
				logger.Info().Err(err).Str("kind", topicpoller.KindOf(err).String()).Str("topic", topic).Msg("E2E_MW_AFTER_ERR")
			} else {
				logger.Info().Str("topic", topic).Msg("E2E_MW_AFTER_OK")
			}
			return err
		}
	}
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	endpoint := os.Getenv("AWS_ENDPOINT_URL")
	if endpoint == "" {
		logger.Fatal().Msg("AWS_ENDPOINT_URL environment variable is not set.")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load AWS config")
	}

	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) { o.BaseEndpoint = aws.String(endpoint) })
	snsClient := sns.NewFromConfig(cfg, func(o *sns.Options) { o.BaseEndpoint = aws.String(endpoint) })
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	poller := topicpoller.New("e2e", sqsClient,
		topicpoller.WithPrefix(os.Getenv("E2E_PREFIX")),
		topicpoller.WithSNS(snsClient),
		topicpoller.WithS3(s3Client),
		topicpoller.WithLogger(logger),
		topicpoller.WithQueueAttributes(map[string]string{"VisibilityTimeout": "10"}),
		topicpoller.WithRedrivePolicy(topicpoller.RedrivePolicy{MaxReceiveCount: 2}),
		topicpoller.WithMiddleware(E2EMiddleware(logger)),
	)

	if err := poller.HandleWith(E2ETestHandler(logger), []string{TopicE2ETest}, topicpoller.WithSchema(testSchema)); err != nil {
		logger.Fatal().Err(err).Msg("could not register handler")
	}
	if buckets := os.Getenv("E2E_BUCKETS"); buckets != "" {
		for _, bucket := range strings.Split(buckets, ",") {
			if err := poller.HandleBucket(E2EBucketHandler(logger), bucket); err != nil {
				logger.Fatal().Err(err).Msg("could not register bucket handler")
			}
		}
	}

	if err := poller.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("poller failed")
	}
	logger.Info().Msg("Application has shut down.")
}
