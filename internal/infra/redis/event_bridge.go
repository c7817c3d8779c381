package redis

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/mrtangpham/ap-quiz/internal/bus"
)

const eventChannelPrefix = "apq:events:"

// EventBridge fans bus events out over Redis pub/sub so that admin, player
// and board views connected to different instances all observe the same room
// change streams. Delivery stays at-least-once: the local broker publishes
// directly, the bridge republishes for everyone else, and consumers dedupe
// by snapshot equality.
type EventBridge struct {
	client *redis.Client
	broker *bus.Broker
}

func NewEventBridge(client *redis.Client, broker *bus.Broker) *EventBridge {
	return &EventBridge{client: client, broker: broker}
}

// Publish sends the event to the room's Redis channel. Best-effort; local
// subscribers were already served by the in-process broker.
func (b *EventBridge) Publish(event bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := b.client.Publish(context.Background(), channelFor(event.RoomCode), data).Err(); err != nil {
		log.Printf("event bridge publish room %s: %v", event.RoomCode, err)
	}
}

// Run subscribes to every room channel and feeds remote events into the
// local broker until ctx is canceled. Events this instance published come
// back too; the broker's snapshot semantics make redelivery harmless.
func (b *EventBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, eventChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event bus.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("event bridge decode %s: %v", msg.Channel, err)
				continue
			}
			if event.RoomCode == "" {
				event.RoomCode = roomFromChannel(msg.Channel)
			}
			b.broker.Publish(event)
		}
	}
}

func channelFor(roomCode string) string {
	return eventChannelPrefix + roomCode
}

func roomFromChannel(channel string) string {
	return strings.TrimPrefix(channel, eventChannelPrefix)
}
