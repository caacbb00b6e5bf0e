// Package bus connects the multiplexer to the Redis instance that doubles as
// pub/sub channel and shared store for the session table.
//
// Cross-replica coordination is deliberately thin: every registry mutation
// broadcasts the full serialized table on the "sessions" channel and mirrors
// it to the "sessions" key. Peers replace their table wholesale on every
// message (last writer wins); a replica starting later reconciles from the
// key. There is no locking across replicas — monotonic status transitions
// plus unique random session ids make the races benign.
//
// Failure policy: an unreachable bus at startup is fatal (the process cannot
// join the fleet); a bus dropping mid-life is absorbed — the watcher keeps
// retrying, local state keeps serving, and the next real transition
// republishes the full table.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webconsole/appservice/internal/logger"
	"github.com/webconsole/appservice/internal/registry"
)

const (
	// Key is the shared-store key holding the serialized session table.
	Key = "sessions"

	// Channel is the pub/sub channel table broadcasts go out on.
	Channel = "sessions"

	// connectAttempts bounds startup connection retries.
	connectAttempts = 10

	// receiveTimeout bounds each blocking read in the watcher so the loop
	// stays responsive to shutdown.
	receiveTimeout = time.Second
)

// Bus wraps the process-wide Redis connection.
type Bus struct {
	client *redis.Client
	pubsub *redis.PubSub
}

// Connect dials Redis, retrying up to 10 times with quadratic backoff
// (attempt n waits n^2 * 100ms). It returns an error only after the final
// attempt fails; the caller treats that as fatal.
func Connect(ctx context.Context, addr string) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logger.Bus().Info().Str("addr", addr).Int("attempt", attempt).Msg("connected to bus")
			return &Bus{client: client}, nil
		}

		wait := time.Duration(attempt*attempt) * 100 * time.Millisecond
		logger.Bus().Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("bus connection failed")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		}
	}

	client.Close()
	return nil, fmt.Errorf("bus unreachable after %d attempts: %w", connectAttempts, lastErr)
}

// Close tears down the subscription and the connection.
func (b *Bus) Close() {
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	if b.client != nil {
		b.client.Close()
	}
}

// PublishTable broadcasts the serialized table on the sessions channel.
func (b *Bus) PublishTable(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, Channel, payload).Err()
}

// StoreTable mirrors the serialized table to the shared store key.
func (b *Bus) StoreTable(ctx context.Context, payload []byte) error {
	return b.client.Set(ctx, Key, payload, 0).Err()
}

// LoadTable reads the current table from the store. An absent key or a
// malformed payload yields an empty table, never an error: a replica must be
// able to boot against a store someone else corrupted.
func (b *Bus) LoadTable(ctx context.Context) registry.Table {
	payload, err := b.client.Get(ctx, Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return registry.Table{}
	}
	if err != nil {
		logger.Bus().Warn().Err(err).Msg("reading session table from store failed, starting empty")
		return registry.Table{}
	}

	table, err := registry.UnmarshalTable(payload)
	if err != nil {
		logger.Bus().Warn().Err(err).Msg("stored session table is malformed, starting empty")
		return registry.Table{}
	}
	return table
}

// Subscribe opens the sessions channel subscription. Call before LoadTable
// so no broadcast is lost between reconcile and watch.
func (b *Bus) Subscribe(ctx context.Context) error {
	b.pubsub = b.client.Subscribe(ctx, Channel)
	// Force the SUBSCRIBE round-trip so failures surface here, at startup.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", Channel, err)
	}
	logger.Bus().Info().Str("channel", Channel).Msg("subscribed")
	return nil
}

// Watch consumes table broadcasts until the context is canceled, replacing
// the registry's table wholesale on each one. Every failure is absorbed:
// the loop never exits early and never takes a request down with it.
func (b *Bus) Watch(ctx context.Context, reg *registry.Registry) {
	log := logger.Bus()
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := b.pubsub.ReceiveTimeout(ctx, receiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Timeouts are the idle heartbeat of this loop; anything else
			// is logged and retried.
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Warn().Err(err).Msg("bus receive failed, retrying")
			time.Sleep(receiveTimeout)
			continue
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}

		table, err := registry.UnmarshalTable([]byte(m.Payload))
		if err != nil {
			log.Warn().Err(err).Msg("ignoring malformed table broadcast")
			continue
		}

		log.Debug().Int("sessions", len(table)).Msg("table broadcast received")
		reg.ReplaceTable(table)
	}
}
