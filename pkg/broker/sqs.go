package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client used here
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// maxSQSWait is the longest long-poll SQS accepts per call
const maxSQSWait = 20 * time.Second

// SQSBroker maps the Broker contract onto an Amazon SQS standard queue
type SQSBroker struct {
	client SQSAPI
	url    string
}

// NewSQSBroker resolves queue (a name or a full queue URL) and binds to it
func NewSQSBroker(ctx context.Context, client SQSAPI, queue string) (*SQSBroker, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return &SQSBroker{client: client, url: queue}, nil
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue %s: %w", queue, err)
	}
	return &SQSBroker{client: client, url: aws.ToString(out.QueueUrl)}, nil
}

// URL returns the bound queue URL
func (b *SQSBroker) URL() string { return b.url }

// Send enqueues body
func (b *SQSBroker) Send(ctx context.Context, body []byte) error {
	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Receive long-polls in chunks of at most 20 seconds until wait elapses
func (b *SQSBroker) Receive(ctx context.Context, wait, visibility time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		chunk := time.Until(deadline)
		if chunk < 0 {
			chunk = 0
		}
		if chunk > maxSQSWait {
			chunk = maxSQSWait
		}

		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(b.url),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     int32(chunk / time.Second),
			VisibilityTimeout:   int32(visibility / time.Second),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
				types.MessageSystemAttributeNameSentTimestamp,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to receive message: %w", err)
		}
		if len(out.Messages) > 0 {
			return fromSQS(out.Messages[0], visibility), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Until(deadline) <= 0 {
			return nil, ErrNoMessage
		}
	}
}

func fromSQS(m types.Message, visibility time.Duration) *Message {
	msg := &Message{
		ID:        aws.ToString(m.MessageId),
		Body:      []byte(aws.ToString(m.Body)),
		Receipt:   aws.ToString(m.ReceiptHandle),
		VisibleAt: time.Now().Add(visibility),
	}
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(v)
	}
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			msg.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	return msg
}

// leaseError maps receipt rejections to ErrLeaseLost
func leaseError(op string, err error) error {
	var invalid *types.ReceiptHandleIsInvalid
	var notInflight *types.MessageNotInflight
	if errors.As(err, &invalid) || errors.As(err, &notInflight) {
		return ErrLeaseLost
	}
	return fmt.Errorf("failed to %s message: %w", op, err)
}

// Delete acknowledges the message held under receipt
func (b *SQSBroker) Delete(ctx context.Context, receipt string) error {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.url),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return leaseError("delete", err)
	}
	return nil
}

// Release shortens the visibility timeout to delay
func (b *SQSBroker) Release(ctx context.Context, receipt string, delay time.Duration) error {
	_, err := b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.url),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: int32(delay / time.Second),
	})
	if err != nil {
		return leaseError("release", err)
	}
	return nil
}

// Stats reads the approximate counters SQS maintains
func (b *SQSBroker) Stats(ctx context.Context) (Stats, error) {
	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(b.url),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue attributes: %w", err)
	}

	attr := func(name types.QueueAttributeName) int {
		n, _ := strconv.Atoi(out.Attributes[string(name)])
		return n
	}
	return Stats{
		Visible: attr(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight: attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible) +
			attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

// Close is a no-op; the SQS client holds no per-queue resources
func (b *SQSBroker) Close() error { return nil }
