package broker

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// ActivityMessage is one pipeline progress event relayed over the
// broker's pub/sub channel. Run-mode processes broadcast these and the
// serve-mode gateway forwards them to websocket clients, which keeps
// the two halves decoupled across processes.
type ActivityMessage struct {
	Title string      `json:"title"`
	Kind  string      `json:"kind"`
	Body  interface{} `json:"body,omitempty"`
}

type ActivityRelay struct {
	client  *redis.Client
	channel string
}

func NewActivityRelay(client *redis.Client, config Config) *ActivityRelay {
	return &ActivityRelay{client: client, channel: config.ActivityChannel}
}

// Broadcast publishes an activity message. Failures are returned for
// logging but never fail the job that triggered them.
func (relay *ActivityRelay) Broadcast(ctx context.Context, message ActivityMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	return relay.client.Publish(ctx, relay.channel, payload).Err()
}

// Subscribe starts listening for activity messages, returning a channel
// of decoded messages and a cancel function that tears the subscription
// down. The channel closes once the subscription ends.
func (relay *ActivityRelay) Subscribe(ctx context.Context) (<-chan ActivityMessage, func()) {
	pubsub := relay.client.Subscribe(ctx, relay.channel)
	out := make(chan ActivityMessage, 16)

	go func() {
		defer close(out)
		for raw := range pubsub.Channel() {
			var message ActivityMessage
			if err := json.Unmarshal([]byte(raw.Payload), &message); err != nil {
				log.Warnf("Discarding malformed activity payload: %v\n", err)
				continue
			}

			select {
			case out <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { pubsub.Close() }
}
