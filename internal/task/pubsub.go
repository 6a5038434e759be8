package task

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubQueue carries tasks over a Google Cloud Pub/Sub topic.
type PubSubQueue struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// NewPubSubQueue binds to an existing topic and subscription. subID may be
// empty for a publish-only queue (the API process publishes but never
// consumes).
func NewPubSubQueue(ctx context.Context, client *pubsub.Client, topicID, subID string, logger *zap.Logger) (*PubSubQueue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	topic := client.Topic(topicID)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", topicID, err)
	}
	if !ok {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}

	q := &PubSubQueue{topic: topic, logger: logger}
	if subID != "" {
		sub := client.Subscription(subID)
		ok, err := sub.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("check subscription %q: %w", subID, err)
		}
		if !ok {
			return nil, fmt.Errorf("pubsub subscription %q does not exist", subID)
		}
		q.sub = sub
	}
	return q, nil
}

// Publish sends a task and waits for the broker's ack. Workers re-publish
// the follow-up step before acking the current one, so a silently dropped
// publish would stall the whole crawl.
func (q *PubSubQueue) Publish(ctx context.Context, t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	res := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish task for %s: %w", t.Store, err)
	}
	return nil
}

// Receive pulls tasks until ctx is cancelled. Undecodable messages are acked
// and dropped; handler errors nack for redelivery.
func (q *PubSubQueue) Receive(ctx context.Context, h Handler) error {
	if q.sub == nil {
		return fmt.Errorf("queue is publish-only: no subscription configured")
	}
	return q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var t Task
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			q.logger.Error("dropping undecodable task", zap.Error(err))
			msg.Ack()
			return
		}
		if err := h(ctx, t); err != nil {
			q.logger.Warn("task handler failed, nacking",
				zap.String("store", t.Store),
				zap.Error(err))
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Close stops the publisher. The client is owned by the caller.
func (q *PubSubQueue) Close() error {
	q.topic.Stop()
	return nil
}
