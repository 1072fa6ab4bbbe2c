package topicpoller

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"
)

// renewalMargin is how long before the visibility timeout expires the lease is renewed.
const renewalMargin = 5 * time.Second

type visibilityChanger interface {
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// renewInterval derives the renewal cadence from the queue's visibility timeout.
func renewInterval(timeout int32) time.Duration {
	d := time.Duration(timeout)*time.Second - renewalMargin
	if d < time.Second {
		return time.Second
	}
	return d
}

// startRenewer re-extends the visibility timeout of every message in the batch
// each interval until the returned stop func is called. stop interrupts a pending
// wait or request and returns once the renewal goroutine has exited; it is safe
// to call more than once.
//
// The batch may contain messages that were already deleted. SQS reports those as
// failed entries, which are expected and only logged.
func startRenewer(ctx context.Context, client visibilityChanger, queueURL string, messages []types.Message, timeout int32, interval time.Duration, logger zerolog.Logger) (stop func()) {
	if len(messages) == 0 || timeout <= 0 {
		return func() {}
	}

	entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, types.ChangeMessageVisibilityBatchRequestEntry{
			Id:                msg.MessageId,
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: timeout,
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				extendVisibility(ctx, client, queueURL, entries, logger)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}

func extendVisibility(ctx context.Context, client visibilityChanger, queueURL string, entries []types.ChangeMessageVisibilityBatchRequestEntry, logger zerolog.Logger) {
	logger.Debug().Int("count", len(entries)).Msg("increasing message visibility")
	out, err := client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
		QueueUrl: aws.String(queueURL),
		Entries:  entries,
	})
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Msg("failed to extend message visibility")
		}
		return
	}
	for _, failed := range out.Failed {
		logger.Debug().
			Str("message_id", aws.ToString(failed.Id)).
			Str("code", aws.ToString(failed.Code)).
			Msg("visibility not extended, message probably already deleted")
	}
}
