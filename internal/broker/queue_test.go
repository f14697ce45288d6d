package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

const drainWindow = time.Millisecond * 50

func testConfig(addr string) broker.Config {
	return broker.Config{
		Address:             addr,
		Stream:              "iris:jobs",
		Group:               "iris",
		Consumer:            "test-consumer",
		PollWindowSeconds:   1,
		BatchMax:            8,
		ClaimMinIdleSeconds: 30,
		LeaseKey:            "iris:run-lease",
		LeaseTTLMinutes:     1,
		ActivityChannel:     "iris:activity",
	}
}

func testBroker(t *testing.T) (*miniredis.Miniredis, *redis.Client, broker.Config) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	return srv, client, testConfig(srv.Addr())
}

func Test_Drain_ReturnsPublishedMessages(t *testing.T) {
	_, client, config := testBroker(t)
	ctx := context.Background()

	queue, err := broker.NewQueue(ctx, client, config)
	assert.Nil(t, err)

	payloads := []string{
		`{"LNG": "Hindi", "ACT": "A", "RES": "1080", "MP4URL": "https://a/v1"}`,
		`{"LNG": "Tamil", "ACT": "B", "RES": "720", "MP4URL": "https://a/v2"}`,
		`{"LNG": "English", "ACT": "C", "RES": "2160", "MP4URL": "https://a/v3"}`,
	}
	for _, payload := range payloads {
		assert.Nil(t, queue.Publish(ctx, payload))
	}

	messages, err := queue.Drain(ctx, drainWindow, config.BatchMax)
	assert.Nil(t, err)
	assert.Len(t, messages, len(payloads))
	for i, message := range messages {
		assert.Equal(t, payloads[i], message.Payload)
		assert.NotEmpty(t, message.ID)
	}

	for _, message := range messages {
		assert.Nil(t, queue.Ack(ctx, message.ID))
	}

	messages, err = queue.Drain(ctx, drainWindow, config.BatchMax)
	assert.Nil(t, err)
	assert.Empty(t, messages)
}

func Test_Drain_RedeliversUnacknowledgedMessages(t *testing.T) {
	_, client, config := testBroker(t)
	ctx := context.Background()

	queue, err := broker.NewQueue(ctx, client, config)
	assert.Nil(t, err)

	assert.Nil(t, queue.Publish(ctx, "payload-one"))
	assert.Nil(t, queue.Publish(ctx, "payload-two"))

	first, err := queue.Drain(ctx, drainWindow, config.BatchMax)
	assert.Nil(t, err)
	assert.Len(t, first, 2)

	// A fresh queue for the same consumer simulates the next scheduled
	// run after a crash; nothing was acknowledged so both messages
	// must be delivered again.
	requeue, err := broker.NewQueue(ctx, client, config)
	assert.Nil(t, err)

	second, err := requeue.Drain(ctx, drainWindow, config.BatchMax)
	assert.Nil(t, err)
	assert.Len(t, second, 2)
	assert.Equal(t, first[0].Payload, second[0].Payload)
	assert.Equal(t, first[1].Payload, second[1].Payload)

	for _, message := range second {
		assert.Nil(t, requeue.Ack(ctx, message.ID))
	}

	third, err := requeue.Drain(ctx, drainWindow, config.BatchMax)
	assert.Nil(t, err)
	assert.Empty(t, third)
}

func Test_Drain_RespectsBatchMax(t *testing.T) {
	_, client, config := testBroker(t)
	ctx := context.Background()

	queue, err := broker.NewQueue(ctx, client, config)
	assert.Nil(t, err)

	for i := 0; i < 5; i++ {
		assert.Nil(t, queue.Publish(ctx, "payload"))
	}

	first, err := queue.Drain(ctx, drainWindow, 3)
	assert.Nil(t, err)
	assert.Len(t, first, 3)
	for _, message := range first {
		assert.Nil(t, queue.Ack(ctx, message.ID))
	}

	second, err := queue.Drain(ctx, drainWindow, 3)
	assert.Nil(t, err)
	assert.Len(t, second, 2)
}

func Test_Drain_ReclaimsStalePendingEntries(t *testing.T) {
	srv, client, config := testBroker(t)
	ctx := context.Background()

	// Deliver two messages to a consumer that never acknowledges them,
	// standing in for a run on a host that no longer exists.
	crashedConfig := config
	crashedConfig.Consumer = "crashed-host"
	crashed, err := broker.NewQueue(ctx, client, crashedConfig)
	assert.Nil(t, err)
	assert.Nil(t, crashed.Publish(ctx, "stranded-one"))
	assert.Nil(t, crashed.Publish(ctx, "stranded-two"))

	stranded, err := crashed.Drain(ctx, drainWindow, config.BatchMax)
	assert.Nil(t, err)
	assert.Len(t, stranded, 2)

	srv.FastForward(time.Duration(config.ClaimMinIdleSeconds+1) * time.Second)

	queue, err := broker.NewQueue(ctx, client, config)
	assert.Nil(t, err)

	reclaimed, err := queue.Drain(ctx, drainWindow, config.BatchMax)
	assert.Nil(t, err)
	assert.Len(t, reclaimed, 2)
	assert.Equal(t, "stranded-one", reclaimed[0].Payload)
	assert.Equal(t, "stranded-two", reclaimed[1].Payload)
}

func Test_NewQueue_ToleratesExistingGroup(t *testing.T) {
	_, client, config := testBroker(t)
	ctx := context.Background()

	first, err := broker.NewQueue(ctx, client, config)
	assert.Nil(t, err)
	assert.NotNil(t, first)

	second, err := broker.NewQueue(ctx, client, config)
	assert.Nil(t, err)
	assert.NotNil(t, second)
}

func Test_Connect_ReportsUnavailableBroker(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := broker.Connect(context.Background(), testConfig(addr))
	assert.Error(t, err)

	var unavailable *broker.UnavailableError
	assert.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "connect", unavailable.Op)
}

func Test_ActivityRelay_RoundTrip(t *testing.T) {
	_, client, config := testBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := broker.NewActivityRelay(client, config)
	received, stop := relay.Subscribe(ctx)
	defer stop()

	// Subscription set up is asynchronous inside go-redis; give it a
	// moment before broadcasting.
	time.Sleep(time.Millisecond * 50)

	sent := broker.ActivityMessage{Title: "THE GREAT ESCAPE", Kind: "job:complete"}
	assert.Nil(t, relay.Broadcast(ctx, sent))

	select {
	case message := <-received:
		assert.Equal(t, sent.Title, message.Title)
		assert.Equal(t, sent.Kind, message.Kind)
	case <-time.After(time.Second * 2):
		t.Fatal("timed out waiting for activity message")
	}
}
