package middleware

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/hatsunemiku3939/topicpoller"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanName is the name of the span started for each message.
const SpanName = "topicpoller.dispatch"

// Tracing starts a consumer span around each message. The span carries the queue,
// message id, receive count and, once classified, the topic.
func Tracing(tracer trace.Tracer) topicpoller.Middleware {
	return func(next topicpoller.HandlerFunc) topicpoller.HandlerFunc {
		return func(ctx context.Context, st *topicpoller.DispatchState) error {
			ctx, span := tracer.Start(ctx, SpanName,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "aws_sqs"),
					attribute.String("messaging.destination.name", st.QueueName),
					attribute.String("messaging.message.id", aws.ToString(st.Raw.MessageId)),
				),
			)
			defer span.End()
			if count, ok := st.Raw.Attributes["ApproximateReceiveCount"]; ok {
				span.SetAttributes(attribute.String("topicpoller.receive_count", count))
			}

			err := next(ctx, st)
			span.SetAttributes(
				attribute.String("topicpoller.topic", topicOf(st)),
				attribute.String("topicpoller.outcome", outcome(err)),
			)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, topicpoller.KindOf(err).String())
			}
			return err
		}
	}
}
