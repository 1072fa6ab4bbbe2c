package topicpoller

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/hatsunemiku3939/topicpoller/internal/awsfake"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingChanger blocks every call until its context is canceled.
type blockingChanger struct {
	started chan struct{}
}

func (b *blockingChanger) ChangeMessageVisibilityBatch(ctx context.Context, _ *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func receiveAll(t *testing.T, cloud *awsfake.Cloud, url string) []types.Message {
	t.Helper()
	out, err := cloud.ReceiveMessage(context.Background(), &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: 10,
	})
	require.NoError(t, err)
	return out.Messages
}

func TestRenewInterval(t *testing.T) {
	assert.Equal(t, 25*time.Second, renewInterval(30))
	assert.Equal(t, time.Second, renewInterval(5))
	assert.Equal(t, time.Second, renewInterval(1))
}

func TestRenewer_ExtendsVisibility(t *testing.T) {
	cloud := awsfake.New()
	created, err := cloud.CreateQueue(context.Background(), &sqs.CreateQueueInput{QueueName: aws.String("q")})
	require.NoError(t, err)
	url := aws.ToString(created.QueueUrl)
	_, err = cloud.SendMessage(context.Background(), &sqs.SendMessageInput{QueueUrl: created.QueueUrl, MessageBody: aws.String("a")})
	require.NoError(t, err)
	msgs := receiveAll(t, cloud, url)
	require.Len(t, msgs, 1)

	stop := startRenewer(context.Background(), cloud, url, msgs, 30, 5*time.Millisecond, zerolog.Nop())
	require.Eventually(t, func() bool {
		return cloud.Calls("ChangeMessageVisibilityBatch") >= 2
	}, time.Second, 5*time.Millisecond)
	stop()
	stop()

	calls := cloud.Calls("ChangeMessageVisibilityBatch")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, cloud.Calls("ChangeMessageVisibilityBatch"), "no renewals after stop")
}

func TestRenewer_ToleratesDeletedMessages(t *testing.T) {
	cloud := awsfake.New()
	created, err := cloud.CreateQueue(context.Background(), &sqs.CreateQueueInput{QueueName: aws.String("q")})
	require.NoError(t, err)
	url := aws.ToString(created.QueueUrl)
	for _, body := range []string{"a", "b"} {
		_, err = cloud.SendMessage(context.Background(), &sqs.SendMessageInput{QueueUrl: created.QueueUrl, MessageBody: aws.String(body)})
		require.NoError(t, err)
	}
	msgs := receiveAll(t, cloud, url)
	require.Len(t, msgs, 2)
	_, err = cloud.DeleteMessage(context.Background(), &sqs.DeleteMessageInput{QueueUrl: created.QueueUrl, ReceiptHandle: msgs[0].ReceiptHandle})
	require.NoError(t, err)

	stop := startRenewer(context.Background(), cloud, url, msgs, 30, 5*time.Millisecond, zerolog.Nop())
	require.Eventually(t, func() bool {
		return cloud.Calls("ChangeMessageVisibilityBatch") >= 1
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, []string{"b"}, cloud.Bodies("q"))
}

func TestRenewer_StopInterruptsPendingRequest(t *testing.T) {
	client := &blockingChanger{started: make(chan struct{}, 1)}
	msgs := []types.Message{{MessageId: aws.String("m-1"), ReceiptHandle: aws.String("r-1")}}

	stop := startRenewer(context.Background(), client, "url", msgs, 30, time.Millisecond, zerolog.Nop())
	select {
	case <-client.started:
	case <-time.After(time.Second):
		t.Fatal("renewal request was never sent")
	}

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not interrupt the pending renewal")
	}
}

func TestRenewer_Noop(t *testing.T) {
	client := &blockingChanger{started: make(chan struct{}, 1)}
	msgs := []types.Message{{MessageId: aws.String("m-1"), ReceiptHandle: aws.String("r-1")}}

	startRenewer(context.Background(), client, "url", nil, 30, time.Millisecond, zerolog.Nop())()
	startRenewer(context.Background(), client, "url", msgs, 0, time.Millisecond, zerolog.Nop())()
	assert.Empty(t, client.started)
}
