package fanout

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/streamrelay/streamrelay/internal/model/stream"
)

const channelPrefix = "relay:session:"

// RedisBus carries fan-out over Redis Pub/Sub so subscribers on any replica
// see tokens published by any worker.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, sessionID string, event stream.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelPrefix+sessionID, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelPrefix+sessionID)
	// Wait for the subscription to be confirmed so events published after
	// Subscribe returns are guaranteed to arrive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSub{
		pubsub: pubsub,
		events: make(chan stream.Event, subscriberBuffer),
	}
	go sub.pump()
	return sub, nil
}

func (b *RedisBus) Close() error {
	return nil
}

type redisSub struct {
	pubsub *redis.PubSub
	events chan stream.Event
}

func (s *redisSub) pump() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var event stream.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Printf("[fanout] dropping undecodable event: %v", err)
			continue
		}
		select {
		case s.events <- event:
		default:
		}
	}
}

func (s *redisSub) Events() <-chan stream.Event { return s.events }

func (s *redisSub) Close() error {
	return s.pubsub.Close()
}
