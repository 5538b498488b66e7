package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/seoharvest/webminer/internal/events"
)

// TopicPublisher is the slice of the Pub/Sub topic API the sink needs; the
// indirection keeps tests free of a live client.
type TopicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubSink forwards completion events to a Pub/Sub topic so downstream
// consumers (dashboard, billing) can react without polling. Only terminal
// events are published; heartbeat-style events stay local.
type PubSubSink struct {
	topic TopicPublisher
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic TopicPublisher) *PubSubSink {
	return &PubSubSink{topic: topic}
}

// NewPubSubTopic dials Pub/Sub and returns the topic handle for the sink.
func NewPubSubTopic(ctx context.Context, projectID, topicID string) (*pubsub.Topic, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return client.Topic(topicID), nil
}

type eventMessage struct {
	Type       string    `json:"type"`
	TS         time.Time `json:"ts"`
	NodeID     string    `json:"node_id,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Note       string    `json:"note,omitempty"`
}

// Consume publishes terminal events from the batch. The first publish error
// aborts the batch; the hub logs and moves on.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if !terminal(evt.Type) {
			continue
		}
		data, err := json.Marshal(eventMessage{
			Type:       string(evt.Type),
			TS:         evt.TS,
			NodeID:     evt.NodeID,
			TargetID:   evt.TargetID,
			JobID:      evt.JobID,
			URL:        evt.URL,
			Bytes:      evt.Bytes,
			DurationMs: evt.Dur.Milliseconds(),
			Note:       evt.Note,
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		result := s.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"type": string(evt.Type)},
		})
		if _, err := result.Get(ctx); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}
	return nil
}

// Close stops the topic's publish goroutines, flushing pending messages.
func (s *PubSubSink) Close(context.Context) error {
	if s.topic != nil {
		s.topic.Stop()
	}
	return nil
}

func terminal(t events.Type) bool {
	switch t {
	case events.TypeMiningCompleted, events.TypeMiningFailed,
		events.TypeJobCompleted, events.TypeJobFailed,
		events.TypeOptCompleted, events.TypeOptFailed,
		events.TypeProofSubmitted:
		return true
	default:
		return false
	}
}
