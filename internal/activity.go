package internal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/api"
	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/event"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/internal/pipeline"
	"github.com/hbomb79/Iris/pkg/logger"
)

const relayDrainTimeout = time.Second * 5

type (
	activityPublisher interface {
		Broadcast(ctx context.Context, message broker.ActivityMessage) error
	}

	activityConsumer interface {
		Subscribe(ctx context.Context) (<-chan broker.ActivityMessage, func())
	}

	jobActivity struct {
		Id         uuid.UUID `json:"id"`
		State      string    `json:"state"`
		SourceUrl  string    `json:"source_url"`
		Actor      string    `json:"actor"`
		Title      string    `json:"title,omitempty"`
		RetryCount int       `json:"retry_count"`
	}

	outcomeActivity struct {
		JobId       uuid.UUID `json:"job_id"`
		MessageId   string    `json:"message_id"`
		State       string    `json:"state"`
		Title       string    `json:"title,omitempty"`
		Destination string    `json:"destination,omitempty"`
		SizeBytes   int64     `json:"size_bytes,omitempty"`
		Detail      string    `json:"detail,omitempty"`
	}

	batchActivity struct {
		RunId        uuid.UUID `json:"run_id"`
		Received     int       `json:"received"`
		Placed       int       `json:"placed"`
		Skipped      int       `json:"skipped"`
		Requeued     int       `json:"requeued"`
		DeadLettered int       `json:"dead_lettered"`
		Report       string    `json:"report"`
	}

	// activityRelay forwards pipeline events on to the broker's pub/sub
	// channel. Batches run in a short-lived process of their own, so the
	// relay is the only bridge between a running batch and any serve-mode
	// process with websocket clients attached.
	activityRelay struct {
		publisher activityPublisher
		pipeline  PipelineService
		eventBus  event.EventHandler
	}

	// activityPump is the serve-mode counterpart, draining relayed
	// messages into the rest gateway's websocket hub.
	activityPump struct {
		consumer activityConsumer
		gateway  Gateway
	}
)

func newActivityRelay(publisher activityPublisher, pipelineService PipelineService, eventBus event.EventHandler) *activityRelay {
	return &activityRelay{
		publisher: publisher,
		pipeline:  pipelineService,
		eventBus:  eventBus,
	}
}

func (relay *activityRelay) Run(ctx context.Context) error {
	messageChan := make(event.HandlerChannel, 100)
	relay.eventBus.RegisterHandlerChannel(messageChan,
		event.JOB_UPDATE, event.JOB_COMPLETE, event.BATCH_COMPLETE)

	log.Emit(logger.NEW, "Activity relay started\n")
	for {
		select {
		case ev := <-messageChan:
			if err := relay.handleEvent(ctx, ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev, err)
			}
		case <-ctx.Done():
			relay.drain(messageChan)
			log.Emit(logger.STOP, "Activity relay closed\n")
			return nil
		}
	}
}

// drain flushes events dispatched in the window between the batch
// finishing and the relay being stopped, so the closing BATCH_COMPLETE
// still reaches subscribers.
func (relay *activityRelay) drain(messageChan event.HandlerChannel) {
	drainCtx, cancel := context.WithTimeout(context.Background(), relayDrainTimeout)
	defer cancel()

	for {
		select {
		case ev := <-messageChan:
			if err := relay.handleEvent(drainCtx, ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev, err)
			}
		default:
			return
		}
	}
}

func (relay *activityRelay) handleEvent(ctx context.Context, ev event.HandlerEvent) error {
	id, ok := ev.Payload.(uuid.UUID)
	if !ok {
		return errors.New("illegal payload (expected UUID)")
	}

	switch ev.Event {
	case event.JOB_UPDATE:
		item := relay.pipeline.GetJob(id)
		if item == nil {
			return nil
		}

		return relay.publisher.Broadcast(ctx, broker.ActivityMessage{
			Title: api.TITLE_JOB_UPDATE,
			Kind:  "job",
			Body:  newJobActivity(item),
		})
	case event.JOB_COMPLETE:
		outcome := relay.pipeline.OutcomeForJob(id)
		if outcome == nil {
			return nil
		}

		return relay.publisher.Broadcast(ctx, broker.ActivityMessage{
			Title: api.TITLE_JOB_COMPLETE,
			Kind:  "outcome",
			Body:  newOutcomeActivity(outcome),
		})
	case event.BATCH_COMPLETE:
		report := relay.pipeline.LatestReport()
		if report == nil {
			return nil
		}

		return relay.publisher.Broadcast(ctx, broker.ActivityMessage{
			Title: api.TITLE_BATCH_COMPLETE,
			Kind:  "batch",
			Body:  newBatchActivity(report),
		})
	default:
		return errors.New("unknown event type")
	}
}

func newActivityPump(consumer activityConsumer, gateway Gateway) *activityPump {
	return &activityPump{consumer: consumer, gateway: gateway}
}

func (pump *activityPump) Run(ctx context.Context) error {
	messages, stop := pump.consumer.Subscribe(ctx)
	defer stop()

	log.Emit(logger.NEW, "Activity pump started\n")
	for {
		select {
		case message, ok := <-messages:
			if !ok {
				log.Emit(logger.STOP, "Activity pump closed (subscription ended)\n")
				return nil
			}

			pump.gateway.BroadcastActivity(message)
		case <-ctx.Done():
			log.Emit(logger.STOP, "Activity pump closed\n")
			return nil
		}
	}
}

func newJobActivity(item *job.Job) jobActivity {
	return jobActivity{
		Id:         item.ID,
		State:      item.State.String(),
		SourceUrl:  item.SourceURL,
		Actor:      item.Actor,
		Title:      item.Title,
		RetryCount: item.RetryCount,
	}
}

func newOutcomeActivity(outcome *pipeline.BatchOutcome) outcomeActivity {
	return outcomeActivity{
		JobId:       outcome.JobID,
		MessageId:   outcome.MessageID,
		State:       outcome.State.String(),
		Title:       outcome.Title,
		Destination: outcome.Destination,
		SizeBytes:   outcome.SizeBytes,
		Detail:      outcome.Detail,
	}
}

func newBatchActivity(report *pipeline.BatchReport) batchActivity {
	placed, skipped, requeued, deadLettered := report.Counts()
	return batchActivity{
		RunId:        report.RunID,
		Received:     report.Received,
		Placed:       placed,
		Skipped:      skipped,
		Requeued:     requeued,
		DeadLettered: deadLettered,
		Report:       report.Render(),
	}
}
