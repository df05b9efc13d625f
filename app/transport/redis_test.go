package transport

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/taskwatch/app/event"
)

// redisClient returns a client for REDIS_TEST_URL or skips the test
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedis_PublishSubscribe(t *testing.T) {
	client := redisClient(t)
	channel := fmt.Sprintf("taskwatch-test-%d", time.Now().UnixNano())

	hub := &Hub{}
	batches := make(chan [][]byte, 10)
	hub.Subscribe(func(batch [][]byte) { batches <- batch })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := &RedisSubscriber{Client: client, Channel: channel, Hub: hub}
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx) }()

	m1 := event.Encode(event.Event{Ref: 3, Payload: &event.ProgressUpdate{Progress: 0.5, Description: "half"}})
	m2 := event.Encode(event.Event{Ref: 3, Payload: &event.Result{Success: true}})
	pub := &RedisPublisher{Client: client, Channel: channel}

	// subscription is asynchronous, publish until the first batch arrives
	var got [][]byte
	require.Eventually(t, func() bool {
		require.NoError(t, pub.Publish(ctx, m1, m2))
		select {
		case got = <-batches:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{m1, m2}, got)

	// relay republishes hub batches
	relay := pub.Relay(ctx)
	relay([][]byte{m2})
	require.Eventually(t, func() bool {
		for {
			select {
			case b := <-batches:
				if len(b) == 1 {
					return assert.Equal(t, [][]byte{m2}, b)
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber not stopped")
	}
}

func TestRedisPublisher_PublishNothing(t *testing.T) {
	pub := &RedisPublisher{Client: redis.NewClient(&redis.Options{Addr: "localhost:1"}), Channel: "c"}
	defer pub.Client.Close()
	assert.NoError(t, pub.Publish(context.Background()), "empty batch is not sent")
}
