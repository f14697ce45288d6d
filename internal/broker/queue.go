package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one queued job payload. ID is the stream entry ID used to
// acknowledge the message once its job has finished (or dead-lettered).
type Message struct {
	ID      string
	Payload string
}

// Queue consumes and publishes job messages on the broker stream. All
// reads go through the consumer group so unacknowledged messages are
// redelivered to later runs.
type Queue struct {
	client *redis.Client
	config Config
}

// NewQueue ensures the stream and consumer group exist. Group creation
// starts from the beginning of the stream so messages published before
// the very first run are still consumed.
func NewQueue(ctx context.Context, client *redis.Client, config Config) (*Queue, error) {
	err := client.XGroupCreateMkStream(ctx, config.Stream, config.Group, "0").Err()
	if err != nil {
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, &UnavailableError{Op: "group create", cause: err}
		}

		log.Debugf("Consumer group %s already exists on stream %s\n", config.Group, config.Stream)
	}

	return &Queue{client: client, config: config}, nil
}

// Drain collects the messages for one poll cycle. It redelivers this
// consumer's own pending entries first, reclaims entries left idle by
// dead consumers, then waits up to 'window' for fresh messages before
// sweeping the remaining backlog without blocking. At most 'max'
// messages are returned; anything beyond that stays queued for the
// next cycle.
func (queue *Queue) Drain(ctx context.Context, window time.Duration, max int) ([]Message, error) {
	collected := make([]Message, 0, max)

	pending, err := queue.readGroup(ctx, "0", max, -1)
	if err != nil {
		return nil, err
	} else if len(pending) > 0 {
		log.Infof("Redelivering %d unacknowledged message(s) from a previous run\n", len(pending))
		collected = append(collected, pending...)
	}

	if len(collected) < max {
		claimed, err := queue.reclaimStale(ctx, max-len(collected))
		if err != nil {
			return nil, err
		}

		collected = append(collected, claimed...)
	}

	if len(collected) < max {
		fresh, err := queue.readGroup(ctx, ">", max-len(collected), window)
		if err != nil {
			return nil, err
		}

		collected = append(collected, fresh...)
	}

	for len(collected) < max {
		batch, err := queue.readGroup(ctx, ">", max-len(collected), -1)
		if err != nil {
			return nil, err
		} else if len(batch) == 0 {
			break
		}

		collected = append(collected, batch...)
	}

	return collected, nil
}

// Publish appends a payload to the job stream. Used by the retry
// manager to requeue failed jobs with a bumped retry count.
func (queue *Queue) Publish(ctx context.Context, payload string) error {
	err := queue.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue.config.Stream,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		return &UnavailableError{Op: "publish", cause: err}
	}

	return nil
}

// Ack marks a message as fully handled so the group never redelivers
// it. Only called once a job has completed, been requeued as a fresh
// message, or been written to the dead letter store.
func (queue *Queue) Ack(ctx context.Context, messageID string) error {
	if err := queue.client.XAck(ctx, queue.config.Stream, queue.config.Group, messageID).Err(); err != nil {
		return &UnavailableError{Op: "ack", cause: err}
	}

	return nil
}

// readGroup performs one XREADGROUP call. A negative block duration
// makes the read non-blocking; redis.Nil and an empty reply both mean
// no messages were available.
func (queue *Queue) readGroup(ctx context.Context, id string, count int, block time.Duration) ([]Message, error) {
	streams, err := queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.config.Group,
		Consumer: queue.config.Consumer,
		Streams:  []string{queue.config.Stream, id},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, &UnavailableError{Op: "read", cause: err}
	}

	collected := make([]Message, 0, count)
	for _, stream := range streams {
		for _, message := range stream.Messages {
			payload, ok := message.Values["payload"].(string)
			if !ok {
				log.Warnf("Message %s has no string 'payload' field, treating the payload as empty\n", message.ID)
				payload = ""
			}

			collected = append(collected, Message{ID: message.ID, Payload: payload})
		}
	}

	return collected, nil
}

// reclaimStale takes over pending entries whose consumer has not touched
// them for the configured idle period, which recovers messages stranded
// by runs on hosts that no longer exist.
func (queue *Queue) reclaimStale(ctx context.Context, max int) ([]Message, error) {
	collected := make([]Message, 0)
	start := "0-0"
	for len(collected) < max {
		claimed, next, err := queue.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   queue.config.Stream,
			Group:    queue.config.Group,
			Consumer: queue.config.Consumer,
			MinIdle:  queue.config.ClaimMinIdle(),
			Start:    start,
			Count:    int64(max - len(collected)),
		}).Result()
		if err != nil {
			return nil, &UnavailableError{Op: "claim", cause: err}
		}

		for _, message := range claimed {
			payload, _ := message.Values["payload"].(string)
			collected = append(collected, Message{ID: message.ID, Payload: payload})
		}

		if next == "0-0" || len(claimed) == 0 {
			break
		}
		start = next
	}

	if len(collected) > 0 {
		log.Infof("Reclaimed %d stale pending message(s) from dead consumers\n", len(collected))
	}

	return collected, nil
}
