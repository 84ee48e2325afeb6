package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/felipepmaragno/ai-router/internal/events"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSNSNotifier_Send(t *testing.T) {
	client := &fakeSNS{}
	n := NewSNSNotifierWithClient(client, "arn:aws:sns:us-east-1:123:keys")

	e := events.Event{Type: events.KeyRotated, Provider: "openai", KeyID: "k1", Message: "rotated"}
	if err := n.Send(context.Background(), e); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.inputs))
	}
	in := client.inputs[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123:keys" {
		t.Errorf("TopicArn = %q", aws.ToString(in.TopicArn))
	}
	if aws.ToString(in.MessageAttributes["Type"].StringValue) != "key_rotated" {
		t.Errorf("Type attribute = %q", aws.ToString(in.MessageAttributes["Type"].StringValue))
	}
	if aws.ToString(in.MessageAttributes["Provider"].StringValue) != "openai" {
		t.Error("Provider attribute missing")
	}

	var body events.Event
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &body); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if body.KeyID != "k1" {
		t.Errorf("message KeyID = %q, want k1", body.KeyID)
	}
}

func TestSNSNotifier_SendError(t *testing.T) {
	n := NewSNSNotifierWithClient(&fakeSNS{err: errors.New("throttled")}, "arn")
	if err := n.Send(context.Background(), events.Event{Type: events.KeyAdded}); err == nil {
		t.Error("expected publish error")
	}
}

func TestForward_FiltersTypes(t *testing.T) {
	n := NewInMemoryNotifier()
	h := Forward(n, events.KeyLimitExceeded, events.KeyRotationDue)

	ctx := context.Background()
	h(ctx, events.Event{Type: events.KeyAdded})
	h(ctx, events.Event{Type: events.KeyLimitExceeded, KeyID: "k1"})
	h(ctx, events.Event{Type: events.KeyRotationDue, KeyID: "k2"})

	got := n.Events()
	if len(got) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(got))
	}
	if got[0].KeyID != "k1" || got[1].KeyID != "k2" {
		t.Errorf("unexpected events forwarded: %+v", got)
	}
}

func TestForward_AllTypesAndErrorsSwallowed(t *testing.T) {
	h := Forward(NewSNSNotifierWithClient(&fakeSNS{err: errors.New("down")}, "arn"))
	// must not panic or block
	h(context.Background(), events.Event{Type: events.DecisionDegraded})

	n := NewInMemoryNotifier()
	all := Forward(n)
	all(context.Background(), events.Event{Type: events.KeyDeleted})
	if len(n.Events()) != 1 {
		t.Error("Forward without types should pass every event")
	}
}
