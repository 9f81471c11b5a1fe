package report

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubChannel publishes each report as one message on a topic.
type PubSubChannel struct {
	topic   *pubsub.Topic
	timeout time.Duration
	publish func(ctx context.Context, msg *pubsub.Message) error
}

func NewPubSubChannel(topic *pubsub.Topic, timeout time.Duration) *PubSubChannel {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &PubSubChannel{topic: topic, timeout: timeout}
	c.publish = func(ctx context.Context, msg *pubsub.Message) error {
		if c.topic == nil {
			return nil
		}
		_, err := c.topic.Publish(ctx, msg).Get(ctx)
		return err
	}
	return c
}

func (p *PubSubChannel) Name() string { return "pubsub" }

func (p *PubSubChannel) Send(ctx context.Context, report *InspectionReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"report_id": report.ID,
			"digest":    report.Digest,
			"systems":   strconv.Itoa(len(report.Systems)),
		},
	})
}
