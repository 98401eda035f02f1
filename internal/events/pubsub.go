package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/matrix/internal/domain"
)

// envelopeVersion marks the wire shape of a bridged event so a future
// change to the envelope can be rolled out without breaking subscribers
// still running the old decoder mid-deployment.
const envelopeVersion = 1

// envelope wraps a domain.Event for cross-process delivery. Unlike a
// bare marshaled event, the version tag lets Subscribe tell a genuinely
// malformed payload apart from one written by a newer or older
// publisher, and log the two cases differently.
type envelope struct {
	Version int          `json:"version"`
	Event   domain.Event `json:"event"`
}

// PubSub is a Redis-backed bridge for domain events, used by Bus to fan
// published events out to subscribers living in another process (a
// dashboard, a second matrixd instance sharing one session store).
// Grounded on the teacher's internal/store/redis/pubsub.go
// connection-lifecycle shape, adapted from raw byte-slice fan-out to a
// typed, versioned domain.Event channel so callers on both ends never
// hand-roll (de)serialization.
type PubSub struct {
	client *redis.Client
}

// NewPubSub connects to Redis and verifies reachability.
func NewPubSub(ctx context.Context, addr, password string, db int) (*PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("events.NewPubSub: ping: %w", err)
	}

	return &PubSub{client: client}, nil
}

// Close releases the underlying Redis connection.
func (ps *PubSub) Close() error {
	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("events.PubSub.Close: %w", err)
	}
	return nil
}

// Publish encodes evt in the current envelope and sends it on channel.
func (ps *PubSub) Publish(ctx context.Context, channel string, evt domain.Event) error {
	raw, err := json.Marshal(envelope{Version: envelopeVersion, Event: evt})
	if err != nil {
		return fmt.Errorf("events.PubSub.Publish: encode: %w", err)
	}

	if err := ps.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("events.PubSub.Publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of decoded domain.Event values delivered
// on channel, and a cleanup func to stop the subscription. A payload
// that fails to decode, or carries an envelope version this build does
// not understand, is logged and dropped rather than delivered — a
// malformed or foreign-version message on the wire must not crash or
// desynchronize a subscriber's event stream.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan domain.Event, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("events.PubSub.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan domain.Event, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				evt, ok := decodeEnvelope(channel, msg.Payload)
				if !ok {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cleanup := func() {
		_ = sub.Close()
	}

	return out, cleanup, nil
}

func decodeEnvelope(channel, payload string) (domain.Event, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("events.PubSub.Subscribe: malformed payload, dropping")
		return domain.Event{}, false
	}
	if env.Version != envelopeVersion {
		log.Warn().Int("got_version", env.Version).Int("want_version", envelopeVersion).
			Str("channel", channel).Msg("events.PubSub.Subscribe: envelope version mismatch, dropping")
		return domain.Event{}, false
	}
	return env.Event, true
}

// SessionChannel returns the Redis channel name used to bridge one
// session's events to out-of-process subscribers.
func SessionChannel(sessionID string) string {
	return "matrix:session:" + sessionID
}
