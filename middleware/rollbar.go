package middleware

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/hatsunemiku3939/topicpoller"
	"github.com/rollbar/rollbar-go"
)

// ErrorReporter is the subset of the Rollbar client used by ReportErrors.
type ErrorReporter interface {
	ErrorWithExtras(level string, err error, extras map[string]interface{})
}

var _ ErrorReporter = (*rollbar.Client)(nil)

// ReportErrors returns an error hook that sends every failure to reporter and then
// calls next, if set. Unroutable and unparseable messages are reported as warnings
// and handler panics as critical.
func ReportErrors(reporter ErrorReporter, next topicpoller.ErrorHook) topicpoller.ErrorHook {
	return func(ctx context.Context, err error, raw types.Message, payload *topicpoller.Payload) {
		kind := topicpoller.KindOf(err)
		level := rollbar.ERR
		switch kind {
		case topicpoller.FailUnparseable, topicpoller.FailUnroutable:
			level = rollbar.WARN
		case topicpoller.FailHandlerPanic:
			level = rollbar.CRIT
		}

		extras := map[string]interface{}{
			"kind":       kind.String(),
			"message_id": aws.ToString(raw.MessageId),
			"body":       aws.ToString(raw.Body),
		}
		if payload != nil {
			extras["topic"] = payload.Topic
		}
		reporter.ErrorWithExtras(level, err, extras)

		if next != nil {
			next(ctx, err, raw, payload)
		}
	}
}
