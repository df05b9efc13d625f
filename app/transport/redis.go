package transport

import (
	"context"
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"
	"github.com/redis/go-redis/v9"

	"github.com/umputun/taskwatch/app/event"
)

// RedisSubscriber receives batch frames published to a redis channel and delivers them to the Hub
type RedisSubscriber struct {
	Client   *redis.Client
	Channel  string
	Hub      *Hub
	Repeater Repeater // subscription retries, single attempt if nil
}

// Run subscribes to the channel and blocks until ctx is done.
// Reconnects after a subscription is confirmed are handled by the redis client.
func (r *RedisSubscriber) Run(ctx context.Context) error {
	pubsub := r.Client.Subscribe(ctx, r.Channel)
	defer pubsub.Close()

	confirm := func() error {
		_, err := pubsub.Receive(ctx)
		return err
	}
	var err error
	if r.Repeater == nil {
		err = confirm()
	} else {
		err = r.Repeater.Do(ctx, confirm)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("can't subscribe to %s: %w", r.Channel, err)
	}
	log.Printf("[INFO] subscribed to redis channel %s", r.Channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] redis subscriber for %s stopped", r.Channel)
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			if err := r.Hub.DeliverFrame([]byte(msg.Payload)); err != nil {
				log.Printf("[WARN] %v", err)
			}
		}
	}
}

// RedisPublisher sends batches to a redis channel as single frames
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
}

// Publish sends msgs as one batch frame
func (p *RedisPublisher) Publish(ctx context.Context, msgs ...[]byte) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.Client.Publish(ctx, p.Channel, event.JoinBatch(msgs...)).Err(); err != nil {
		return fmt.Errorf("can't publish %d messages to %s: %w", len(msgs), p.Channel, err)
	}
	return nil
}

// Relay returns a Hub subscriber republishing every delivered batch to the channel.
// Publish errors are logged, the batch is not retried.
func (p *RedisPublisher) Relay(ctx context.Context) func(batch [][]byte) {
	return func(batch [][]byte) {
		if err := p.Publish(ctx, batch...); err != nil {
			log.Printf("[WARN] relay failed, %v", err)
		}
	}
}
