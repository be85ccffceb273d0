// Package sns publishes coreproj management notifications (checkpoint
// completion, faults, restarts) to an AWS SNS topic, so an operator can
// wire alerting without polling GetStats.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// Client defines the subset of the SNS API used by the publisher.
type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// EventKind identifies the type of management notification.
type EventKind string

const (
	EventCheckpointCompleted EventKind = "checkpoint_completed"
	EventRestartRequested    EventKind = "restart_requested"
	EventFaulted             EventKind = "faulted"
)

// Notification is the payload published to the topic.
type Notification struct {
	Projection string    `json:"projection"`
	Kind       EventKind `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
}

// Publisher publishes coreproj notifications to a single SNS topic.
type Publisher struct {
	client         Client
	topicARN       string
	messageGroupID string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClient sets the SNS client.
func WithClient(client Client) Option {
	return func(p *Publisher) { p.client = client }
}

// WithMessageGroupID sets the message group ID for FIFO topics.
func WithMessageGroupID(groupID string) Option {
	return func(p *Publisher) { p.messageGroupID = groupID }
}

// New creates a Publisher that publishes to topicARN.
func New(topicARN string, opts ...Option) *Publisher {
	p := &Publisher{topicARN: topicARN}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish sends a single notification to the configured topic.
func (p *Publisher) Publish(ctx context.Context, n Notification) error {
	if p.client == nil {
		return fmt.Errorf("coreproj/sns: client not configured")
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("coreproj/sns: marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: &p.topicARN,
		Message:  stringPtr(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    stringPtr("String"),
				StringValue: stringPtr(string(n.Kind)),
			},
			"projection": {
				DataType:    stringPtr("String"),
				StringValue: stringPtr(n.Projection),
			},
		},
	}
	if p.messageGroupID != "" {
		input.MessageGroupId = &p.messageGroupID
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("coreproj/sns: publish to %s: %w", p.topicARN, err)
	}
	return nil
}

// CheckpointCompleted publishes an EventCheckpointCompleted notification.
func (p *Publisher) CheckpointCompleted(ctx context.Context, projection, tagString string) error {
	return p.Publish(ctx, Notification{Projection: projection, Kind: EventCheckpointCompleted, Detail: tagString})
}

// RestartRequested publishes an EventRestartRequested notification.
func (p *Publisher) RestartRequested(ctx context.Context, projection, reason string) error {
	return p.Publish(ctx, Notification{Projection: projection, Kind: EventRestartRequested, Detail: reason})
}

// Faulted publishes an EventFaulted notification.
func (p *Publisher) Faulted(ctx context.Context, projection, reason string) error {
	return p.Publish(ctx, Notification{Projection: projection, Kind: EventFaulted, Detail: reason})
}

func stringPtr(s string) *string {
	return &s
}
