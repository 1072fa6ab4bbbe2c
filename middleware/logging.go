package middleware

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/hatsunemiku3939/topicpoller"
	"github.com/rs/zerolog"
)

// Logging logs every dispatched message with its topic, outcome and duration.
// Failures are logged at warn; the poller's error hook reports them in full.
func Logging(logger zerolog.Logger) topicpoller.Middleware {
	return func(next topicpoller.HandlerFunc) topicpoller.HandlerFunc {
		return func(ctx context.Context, st *topicpoller.DispatchState) error {
			start := time.Now()
			err := next(ctx, st)

			ev := logger.Info()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev.Str("queue", st.QueueName).
				Str("message_id", aws.ToString(st.Raw.MessageId)).
				Str("topic", topicOf(st)).
				Str("outcome", outcome(err)).
				Dur("duration", time.Since(start)).
				Msg("message dispatched")
			return err
		}
	}
}
