package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/flotilla/pkg/metrics"
)

// Type discriminates the JSON body of a queued message.
type Type string

const (
	// TypeReschedule asks the scheduler to run an immediate out-of-band
	// scheduling pass for one service.
	TypeReschedule Type = "reschedule"

	// TypeServiceFailure reports that an instance failed to deploy a
	// revision; the Doctor is invoked to diagnose it.
	TypeServiceFailure Type = "service_failure"

	// TypeDeployLockReleased notifies waiting agents that the
	// per-service deploy lock is free again.
	TypeDeployLockReleased Type = "deploy_lock_released"
)

// Reschedule is published by an agent on its first health-loop tick so
// a newly-joined instance is scheduled immediately rather than waiting
// for the next periodic pass.
type Reschedule struct {
	Service string `json:"service"`
}

// ServiceFailure is published by an agent when it fails to register a
// revision with the load balancer after converging units.
type ServiceFailure struct {
	Service    string `json:"service"`
	Revision   string `json:"revision"`
	InstanceID string `json:"instance_id"`
}

// DeployLockReleased is published by the agent that just released a
// service's deploy lock, so sibling agents that skipped a tick because
// the lock was held elsewhere retry without waiting for their own
// next periodic tick.
type DeployLockReleased struct {
	Service string `json:"service"`
}

// envelope is the wire format: a type discriminator plus the raw
// payload, so a handler can route before decoding.
type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is a received, not-yet-deleted queue entry. ReceiptHandle
// identifies it to the backing queue for deletion; Dispatch always
// deletes the message after the handler returns, regardless of
// outcome, since correctness comes from idempotent handlers rather
// than queue redelivery semantics.
type Message struct {
	ReceiptHandle string
	Type          Type
	Payload       json.RawMessage
}

// Queue is a best-effort, at-least-once message queue: one per
// scheduler region, one per service. Implementations need not
// guarantee ordering or exactly-once delivery.
type Queue interface {
	// Publish encodes msg (one of Reschedule, ServiceFailure,
	// DeployLockReleased) with its Type discriminator and enqueues it.
	Publish(ctx context.Context, msgType Type, payload any) error

	// Receive long-polls for available messages, up to max.
	Receive(ctx context.Context, max int) ([]Message, error)

	// Delete removes a message so it is not redelivered.
	Delete(ctx context.Context, receiptHandle string) error
}

// Handler processes one received message's typed payload.
type Handler func(ctx context.Context, msgType Type, payload json.RawMessage) error

// Encode wraps payload in the envelope format Publish implementations
// write to the wire.
func Encode(msgType Type, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(envelope{Type: msgType, Payload: body})
}

// Decode unwraps a raw message body into its type and payload.
// Malformed bodies return an error; the caller deletes the message
// either way.
func Decode(body []byte) (Type, json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Type, env.Payload, nil
}

// Dispatch receives up to max messages from q and routes each to
// handler by its type discriminator. queueName labels the metrics
// this call emits. Every received message is deleted, regardless of
// outcome. A message with an empty type (a malformed body, as Receive
// surfaces it) is counted as discarded and deleted without invoking
// handler; any other type, including one handler does not recognise,
// is passed to handler before deletion.
func Dispatch(ctx context.Context, queueName string, q Queue, max int, handler Handler) error {
	messages, err := q.Receive(ctx, max)
	if err != nil {
		return err
	}

	for _, m := range messages {
		metrics.MessagesReceivedTotal.WithLabelValues(queueName, string(m.Type)).Inc()
		if m.Type == "" {
			metrics.MessagesDiscardedTotal.WithLabelValues(queueName).Inc()
		} else if err := handler(ctx, m.Type, m.Payload); err != nil {
			metrics.MessagesDiscardedTotal.WithLabelValues(queueName).Inc()
		}
		if err := q.Delete(ctx, m.ReceiptHandle); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	}
	return nil
}
