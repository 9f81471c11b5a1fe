package report

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/ipsix/fleetaudit/internal/config"
	"github.com/ipsix/fleetaudit/internal/logging"
)

// BuildChannels creates the enabled channels and returns a func releasing any
// clients they hold. With nothing enabled it falls back to the log channel.
func BuildChannels(ctx context.Context, cfg config.PublishConfig, logger *logging.Logger) ([]Channel, func() error, error) {
	channels := []Channel{}
	var clients []*pubsub.Client
	closeAll := func() error {
		var errs []error
		for _, c := range clients {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}

	for _, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "log":
			channels = append(channels, NewLogChannel(logger))
		case "webhook":
			if ch.URL == "" {
				_ = closeAll()
				return nil, nil, fmt.Errorf("webhook url required")
			}
			channels = append(channels, NewWebhookChannel(ch.URL, ch.TimeoutDuration()))
		case "pubsub":
			client, err := pubsub.NewClient(ctx, ch.ProjectID)
			if err != nil {
				_ = closeAll()
				return nil, nil, fmt.Errorf("pubsub client: %w", err)
			}
			clients = append(clients, client)
			channels = append(channels, NewPubSubChannel(client.Topic(ch.TopicID), ch.TimeoutDuration()))
		default:
			_ = closeAll()
			return nil, nil, fmt.Errorf("unknown publish channel type: %s", ch.Type)
		}
	}
	if len(channels) == 0 {
		channels = append(channels, NewLogChannel(logger))
	}
	return channels, closeAll, nil
}
