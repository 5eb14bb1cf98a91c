package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	pending []Message
	deleted []string
}

func (f *fakeQueue) Publish(_ context.Context, msgType Type, payload any) error {
	body, err := Encode(msgType, payload)
	if err != nil {
		return err
	}
	gotType, gotPayload, err := Decode(body)
	if err != nil {
		return err
	}
	f.pending = append(f.pending, Message{ReceiptHandle: "rh", Type: gotType, Payload: gotPayload})
	return nil
}

func (f *fakeQueue) Receive(_ context.Context, max int) ([]Message, error) {
	if len(f.pending) < max {
		max = len(f.pending)
	}
	out := f.pending[:max]
	f.pending = f.pending[max:]
	return out, nil
}

func (f *fakeQueue) Delete(_ context.Context, receiptHandle string) error {
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body, err := Encode(TypeReschedule, Reschedule{Service: "web"})
	require.NoError(t, err)

	msgType, payload, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, TypeReschedule, msgType)

	var reschedule Reschedule
	require.NoError(t, json.Unmarshal(payload, &reschedule))
	assert.Equal(t, "web", reschedule.Service)
}

func TestDecodeRejectsMalformedBody(t *testing.T) {
	_, _, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

func TestDispatchDeletesEveryMessageRegardlessOfHandlerOutcome(t *testing.T) {
	q := &fakeQueue{}
	require.NoError(t, q.Publish(context.Background(), TypeReschedule, Reschedule{Service: "web"}))
	require.NoError(t, q.Publish(context.Background(), TypeServiceFailure, ServiceFailure{Service: "web", Revision: "r1", InstanceID: "i1"}))

	var handled []Type
	err := Dispatch(context.Background(), "web", q, 10, func(_ context.Context, msgType Type, _ json.RawMessage) error {
		handled = append(handled, msgType)
		if msgType == TypeServiceFailure {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []Type{TypeReschedule, TypeServiceFailure}, handled)
	assert.Len(t, q.deleted, 2, "every received message is deleted regardless of handler outcome")
}
