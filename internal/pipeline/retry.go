package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/deadletter"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/pkg/logger"
)

// routeFailure decides what happens to a message whose processing raised
// an error: abort the cycle (broker unreachable), republish it with an
// incremented retry counter, or move it to the dead-letter store. The
// original message is only acknowledged once its replacement is durably
// queued or dead-lettered; a dead-letter write failure leaves it un-acked
// so the broker redelivers it next cycle.
func (service *pipelineService) routeFailure(ctx context.Context, message broker.Message, item *job.Job, started time.Time, cause error) (BatchOutcome, error) {
	trouble := asTrouble(cause)
	if trouble.AbortsCycle() {
		return BatchOutcome{}, cause
	}
	log.Emit(logger.ERROR, "Processing of message %s raised trouble %s: %v\n", message.ID, trouble.Type(), cause)

	// A payload that could not even be decoded has no retry counter to
	// honour and no prospect of succeeding later.
	if item == nil {
		return service.deadLetter(ctx, message, nil, started, trouble, 0)
	}

	if item.RetryCount < service.config.MaxRetries {
		return service.requeue(ctx, message, item, started, trouble)
	}

	return service.deadLetter(ctx, message, item, started, trouble, item.RetryCount)
}

func (service *pipelineService) requeue(ctx context.Context, message broker.Message, item *job.Job, started time.Time, trouble Trouble) (BatchOutcome, error) {
	item.RetryCount++
	payload, err := item.EncodeMessage()
	if err != nil {
		// Encoding the canonical shape only fails on unmarshallable
		// values, which the validated job cannot contain. Treat it as
		// terminal rather than looping the message forever.
		log.Errorf("Failed to encode requeue payload for %s: %v\n", item, err)
		item.RetryCount--
		return service.deadLetter(ctx, message, item, started, trouble, item.RetryCount)
	}

	if err := service.queue.Publish(ctx, string(payload)); err != nil {
		return BatchOutcome{}, err
	}
	if err := service.queue.Ack(ctx, message.ID); err != nil {
		return BatchOutcome{}, err
	}

	service.transition(item, job.Requeued)
	log.Infof("Requeued %s for attempt %d/%d\n", item, item.RetryCount, service.config.MaxRetries)

	outcome := newOutcome(item, message.ID)
	outcome.State = Requeued
	outcome.Elapsed = time.Since(started)
	outcome.Detail = fmt.Sprintf("%s (%v); requeued for attempt %d/%d", trouble.Type(), trouble.error, item.RetryCount, service.config.MaxRetries)
	return outcome, nil
}

func (service *pipelineService) deadLetter(ctx context.Context, message broker.Message, item *job.Job, started time.Time, trouble Trouble, retries int) (BatchOutcome, error) {
	record := deadletter.Record{
		QueuedAt:   time.Now().UTC(),
		MessageID:  message.ID,
		Payload:    message.Payload,
		Reason:     fmt.Sprintf("%s: %v", trouble.Type(), trouble.error),
		RetryCount: retries,
	}

	outcome := newOutcome(item, message.ID)
	outcome.State = DeadLettered
	outcome.Elapsed = time.Since(started)

	if err := service.deadLetters.Append(record); err != nil {
		// Leave the message un-acked: redelivery on the next cycle is
		// preferable to dropping it with no durable record.
		log.Errorf("Failed to dead letter message %s, leaving it queued for redelivery: %v\n", message.ID, err)
		outcome.Detail = fmt.Sprintf("%s; dead-letter write failed (%v), message left queued", record.Reason, err)
		return outcome, nil
	}

	if err := service.queue.Ack(ctx, message.ID); err != nil {
		return BatchOutcome{}, err
	}

	if item != nil {
		service.transition(item, job.DeadLettered)
	}

	outcome.Detail = fmt.Sprintf("%s; dead-lettered after %d attempt(s)", record.Reason, retries)
	return outcome, nil
}

// asTrouble classifies an error in to the pipeline's trouble taxonomy,
// passing through errors that already carry one.
func asTrouble(err error) Trouble {
	var trouble Trouble
	if errors.As(err, &trouble) {
		return trouble
	}

	return newTrouble(err)
}
