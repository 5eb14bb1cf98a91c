package messaging

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// longPollSeconds matches the ~20s long-poll the reconcile loop's
// messaging receive function is specified to use.
const longPollSeconds = 20

// SQSQueue implements Queue against a single AWS SQS queue URL. One
// instance is created per scheduler region queue and per service
// queue; they share no state.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

// NewSQSQueue wraps an AWS SQS SDK client bound to queueURL.
func NewSQSQueue(client *sqs.Client, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Publish(ctx context.Context, msgType Type, payload any) error {
	body, err := Encode(msgType, payload)
	if err != nil {
		return err
	}

	bodyStr := string(body)
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &q.queueURL,
		MessageBody: &bodyStr,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.queueURL,
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     longPollSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		if raw.Body == nil || raw.ReceiptHandle == nil {
			continue
		}
		msgType, payload, err := Decode([]byte(*raw.Body))
		if err != nil {
			// Malformed message: surface it with an empty type so the
			// caller deletes it without dispatching.
			messages = append(messages, Message{ReceiptHandle: *raw.ReceiptHandle})
			continue
		}
		messages = append(messages, Message{
			ReceiptHandle: *raw.ReceiptHandle,
			Type:          msgType,
			Payload:       payload,
		})
	}
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.queueURL,
		ReceiptHandle: &receiptHandle,
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
