package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSub publishes updates to a Pub/Sub topic, ordered per session.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSub connects to the topic, creating it when missing.
func NewPubSub(ctx context.Context, projectID, topicName string, opts ...option.ClientOption) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}

	topic := client.Topic(topicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check topic existence: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicName)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create topic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	return &PubSub{client: client, topic: topic}, nil
}

// Report publishes u with the session id as ordering key. Publish results
// are checked asynchronously.
func (p *PubSub) Report(u Update) {
	data, err := json.Marshal(u)
	if err != nil {
		log.Printf("Failed to encode progress update: %v", err)
		return
	}
	msg := &pubsub.Message{
		Data:        data,
		OrderingKey: u.SessionID,
		Attributes: map[string]string{
			"session_id": u.SessionID,
			"phase":      u.Phase,
			"percent":    strconv.Itoa(u.Percent),
		},
	}
	ctx := context.Background()
	result := p.topic.Publish(ctx, msg)
	go func() {
		if _, err := result.Get(ctx); err != nil {
			log.Printf("Failed to publish progress for session %s: %v", u.SessionID, err)
			p.topic.ResumePublish(u.SessionID)
		}
	}()
}

// Close flushes pending messages and closes the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
