// Package bridge relays room frames between relay instances over Redis pub/sub,
// one channel per canvas.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultPrefix is prepended to the canvas id to form the channel name.
const DefaultPrefix = "canvas:"

// envelope is what travels over the channel. Origin lets an instance skip the
// frames it published itself.
type envelope struct {
	Origin  string          `json:"origin"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// Redis implements collab.Bridge.
type Redis struct {
	client *redis.Client
	prefix string
	origin string
	log    logrus.FieldLogger
}

func NewRedis(client *redis.Client, prefix string, log logrus.FieldLogger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		origin: uuid.NewString(),
		log:    log,
	}
}

// Origin is the id this instance stamps on its publishes.
func (b *Redis) Origin() string { return b.origin }

func (b *Redis) channel(roomID string) string { return b.prefix + roomID }

func (b *Redis) Publish(ctx context.Context, roomID string, frame []byte, exclude string) error {
	payload, err := json.Marshal(envelope{Origin: b.origin, Exclude: exclude, Frame: frame})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(roomID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel(roomID), err)
	}
	return nil
}

// Subscribe listens on the room channel and hands frames from other instances
// to deliver. It returns once the subscription is confirmed.
func (b *Redis) Subscribe(ctx context.Context, roomID string, deliver func(frame []byte, exclude string)) (func(), error) {
	ch := b.channel(roomID)
	pubsub := b.client.Subscribe(ctx, ch)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ch, err)
	}

	log := b.log.WithField("channel", ch)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.WithError(err).Warn("dropping undecodable envelope")
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			deliver(env.Frame, env.Exclude)
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			log.WithError(err).Debug("unsubscribe")
		}
		<-done
	}, nil
}
