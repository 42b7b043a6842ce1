package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu         sync.Mutex
	sent       []string
	inbox      []types.Message
	receives   []*sqs.ReceiveMessageInput
	deleted    []string
	visibility map[string]int32
	invalid    map[string]bool
	attrs      map[string]string
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{visibility: map[string]int32{}, invalid: map[string]bool{}}
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/123/" + aws.ToString(in.QueueName))}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives = append(f.receives, in)
	if len(f.inbox) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	m := f.inbox[0]
	f.inbox = f.inbox[1:]
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{m}}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalid[aws.ToString(in.ReceiptHandle)] {
		return nil, &types.ReceiptHandleIsInvalid{Message: aws.String("stale")}
	}
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invalid[aws.ToString(in.ReceiptHandle)] {
		return nil, &types.MessageNotInflight{Message: aws.String("gone")}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{Attributes: f.attrs}, nil
}

func TestSQSBroker_ResolvesQueueURL(t *testing.T) {
	ctx := context.Background()
	b, err := NewSQSBroker(ctx, newFakeSQS(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.local/123/jobs", b.URL())

	b, err = NewSQSBroker(ctx, newFakeSQS(), "https://sqs.us-east-1.amazonaws.com/1/results")
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/1/results", b.URL())
}

func TestSQSBroker_ReceiveMapsMessage(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSQS()
	fake.inbox = []types.Message{{
		MessageId:     aws.String("m1"),
		Body:          aws.String(`{"job_id":"cat-1"}`),
		ReceiptHandle: aws.String("r1"),
		Attributes: map[string]string{
			"ApproximateReceiveCount": "3",
			"SentTimestamp":           "1700000000000",
		},
	}}
	b, err := NewSQSBroker(ctx, fake, "jobs")
	require.NoError(t, err)

	msg, err := b.Receive(ctx, 5*time.Second, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "r1", msg.Receipt)
	assert.Equal(t, 3, msg.ReceiveCount)
	assert.Equal(t, time.UnixMilli(1700000000000), msg.EnqueuedAt)

	require.Len(t, fake.receives, 1)
	assert.Equal(t, int32(5), fake.receives[0].WaitTimeSeconds)
	assert.Equal(t, int32(30), fake.receives[0].VisibilityTimeout)
	assert.Equal(t, int32(1), fake.receives[0].MaxNumberOfMessages)
}

func TestSQSBroker_ReceiveEmpty(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSQS()
	b, err := NewSQSBroker(ctx, fake, "jobs")
	require.NoError(t, err)

	_, err = b.Receive(ctx, 0, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)
	assert.Equal(t, int32(0), fake.receives[0].WaitTimeSeconds)
}

func TestSQSBroker_ReceiveCapsWaitAt20Seconds(t *testing.T) {
	fake := newFakeSQS()
	fake.inbox = []types.Message{{MessageId: aws.String("m"), Body: aws.String("x"), ReceiptHandle: aws.String("r")}}
	b, err := NewSQSBroker(context.Background(), fake, "jobs")
	require.NoError(t, err)

	_, err = b.Receive(context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int32(20), fake.receives[0].WaitTimeSeconds)
}

func TestSQSBroker_DeleteReleaseAndStaleReceipts(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSQS()
	fake.invalid["old"] = true
	b, err := NewSQSBroker(ctx, fake, "jobs")
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "r1"))
	assert.Equal(t, []string{"r1"}, fake.deleted)

	require.NoError(t, b.Release(ctx, "r2", 5*time.Second))
	assert.Equal(t, int32(5), fake.visibility["r2"])

	assert.ErrorIs(t, b.Delete(ctx, "old"), ErrLeaseLost)
	assert.ErrorIs(t, b.Release(ctx, "old", 0), ErrLeaseLost)
}

func TestSQSBroker_Stats(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSQS()
	fake.attrs = map[string]string{
		"ApproximateNumberOfMessages":           "7",
		"ApproximateNumberOfMessagesNotVisible": "2",
		"ApproximateNumberOfMessagesDelayed":    "1",
	}
	b, err := NewSQSBroker(ctx, fake, "jobs")
	require.NoError(t, err)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Visible: 7, InFlight: 3}, stats)
}

func TestSQSBroker_Send(t *testing.T) {
	ctx := context.Background()
	fake := newFakeSQS()
	b, err := NewSQSBroker(ctx, fake, "jobs")
	require.NoError(t, err)
	require.NoError(t, b.Send(ctx, []byte("hello")))
	assert.Equal(t, []string{"hello"}, fake.sent)
}
