// The acquisition pipeline: drains queued media requests from the broker
// and walks each one through validation, format resolution, download,
// probing and placement, strictly one job at a time. Failed jobs are
// requeued with a bumped retry counter until the retry budget runs out,
// at which point they are dead-lettered.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/database"
	"github.com/hbomb79/Iris/internal/deadletter"
	"github.com/hbomb79/Iris/internal/event"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/internal/ledger"
	"github.com/hbomb79/Iris/internal/ytdlp"
	"github.com/hbomb79/Iris/pkg/logger"
)

var log = logger.Get("Pipeline")

type (
	queue interface {
		Drain(ctx context.Context, window time.Duration, max int) ([]broker.Message, error)
		Publish(ctx context.Context, payload string) error
		Ack(ctx context.Context, messageID string) error
	}

	runLease interface {
		Acquire(ctx context.Context) (bool, error)
		Release(ctx context.Context) error
	}

	downloader interface {
		ListFormats(ctx context.Context, sourceURL string) (ytdlp.Listing, error)
		Download(ctx context.Context, opts ytdlp.DownloadOptions) (ytdlp.DownloadResult, error)
	}

	heightProber interface {
		ProbeHeight(path string) (int, error)
	}

	placer interface {
		DestinationFor(item *job.Job, height int) string
		Move(sourcePath string, destDir string) (string, error)
	}

	deadLetterStore interface {
		Append(record deadletter.Record) error
	}

	notifier interface {
		Enabled() bool
		Push(ctx context.Context, text string) error
	}

	// placementLedger is the optional persistence behind idempotency
	// checks and batch history. A nil ledger disables both without
	// changing how jobs are processed.
	placementLedger interface {
		RecordPlacement(placement ledger.Placement) error
		FindPlacement(identityKey string) (*ledger.Placement, error)
		RecordBatch(batch ledger.Batch) error
	}

	Config struct {
		// PollWindow bounds how long a cycle waits for its first
		// message; BatchMax caps the messages drained per cycle.
		PollWindow time.Duration
		BatchMax   int

		// MaxRetries is the delivery budget per message before it is
		// dead-lettered.
		MaxRetries int

		// SkipAlreadyPlaced consults the placement ledger before
		// downloading and skips jobs whose identity is already placed.
		SkipAlreadyPlaced bool

		// WorkDir roots the per-job download directories (jobs/<key>,
		// stable across retries so transfers resume) and per-run
		// downloader logs (logs/iris-<run>.log).
		WorkDir string

		// LastResortVideoIDs overrides the per-tier video format used by
		// the hard-coded fallback pairing, keyed by tier ("720p" etc);
		// LastResortAudioID overrides its audio format.
		LastResortVideoIDs map[string]string
		LastResortAudioID  string
	}

	pipelineService struct {
		*sync.Mutex

		config        Config
		queue         queue
		lease         runLease
		parser        *job.Parser
		downloader    downloader
		prober        heightProber
		library       placer
		ledgerStore   placementLedger
		deadLetters   deadLetterStore
		notifications notifier
		eventBus      event.EventCoordinator

		jobs     map[uuid.UUID]*job.Job
		outcomes map[uuid.UUID]*BatchOutcome
		report   *BatchReport
	}
)

func (config Config) withDefaults() Config {
	if config.PollWindow <= 0 {
		config.PollWindow = time.Second * 5
	}
	if config.BatchMax <= 0 {
		config.BatchMax = 8
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}

	return config
}

// New creates the pipeline service. The configs WorkDir is validated to
// be an existing directory, and created if missing.
func New(
	config Config,
	queue queue,
	lease runLease,
	parser *job.Parser,
	downloader downloader,
	prober heightProber,
	library placer,
	ledgerStore placementLedger,
	deadLetters deadLetterStore,
	notifications notifier,
	eventBus event.EventCoordinator,
) (*pipelineService, error) {
	config = config.withDefaults()
	if info, err := os.Stat(config.WorkDir); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("work path '%s' is not a directory", config.WorkDir)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("work path '%s' could not be created: %s", config.WorkDir, err.Error())
		}
	} else {
		return nil, fmt.Errorf("work path '%s' could not be accessed: %s", config.WorkDir, err.Error())
	}

	return &pipelineService{
		Mutex:         &sync.Mutex{},
		config:        config,
		queue:         queue,
		lease:         lease,
		parser:        parser,
		downloader:    downloader,
		prober:        prober,
		library:       library,
		ledgerStore:   ledgerStore,
		deadLetters:   deadLetters,
		notifications: notifications,
		eventBus:      eventBus,
		jobs:          make(map[uuid.UUID]*job.Job),
		outcomes:      make(map[uuid.UUID]*BatchOutcome),
	}, nil
}

// Run executes one acquisition cycle: acquire the run lease, drain the
// queue, process every message in delivery order, then finalise the
// batch report. Returns nil when the lease is held elsewhere (another
// run owns this window). A broker failure aborts the cycle and is
// returned so the caller can exit with the dedicated status.
func (service *pipelineService) Run(ctx context.Context) error {
	runID := uuid.New()
	log.Emit(logger.NEW, "Starting acquisition cycle %s\n", runID)

	acquired, err := service.lease.Acquire(ctx)
	if err != nil {
		return err
	} else if !acquired {
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := service.lease.Release(releaseCtx); err != nil {
			log.Warnf("Failed to release run lease: %v\n", err)
		}
	}()

	messages, err := service.queue.Drain(ctx, service.config.PollWindow, service.config.BatchMax)
	if err != nil {
		return err
	}

	report := &BatchReport{RunID: runID, StartedAt: time.Now(), Received: len(messages)}
	if len(messages) == 0 {
		log.Infof("No messages arrived within the poll window, cycle %s complete\n", shortID(runID))
		report.FinishedAt = time.Now()
		service.finalizeBatch(ctx, report, false)
		return nil
	}

	log.Infof("Drained %d message(s), processing sequentially\n", len(messages))
	runLog := service.openRunLog(runID)
	if runLog != nil {
		defer runLog.Close()
	}

	for _, message := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome, err := service.processMessage(ctx, message, runLogWriter(runLog))
		if err != nil {
			report.FinishedAt = time.Now()
			service.finalizeBatch(ctx, report, true)
			return err
		}

		service.storeOutcome(outcome)
		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.JobID != uuid.Nil {
			service.eventBus.Dispatch(event.JOB_COMPLETE, outcome.JobID)
		}
	}

	report.FinishedAt = time.Now()
	service.finalizeBatch(ctx, report, false)
	return nil
}

// GetJob returns the in-memory job for the ID given, or nil when this
// run never saw it.
func (service *pipelineService) GetJob(id uuid.UUID) *job.Job {
	service.Lock()
	defer service.Unlock()

	return service.jobs[id]
}

// OutcomeForJob returns the recorded outcome for a completed job, or
// nil when the job is unknown or still in flight.
func (service *pipelineService) OutcomeForJob(id uuid.UUID) *BatchOutcome {
	service.Lock()
	defer service.Unlock()

	return service.outcomes[id]
}

// LatestReport returns the most recently finalised batch report.
func (service *pipelineService) LatestReport() *BatchReport {
	service.Lock()
	defer service.Unlock()

	return service.report
}

func (service *pipelineService) trackJob(item *job.Job) {
	service.Lock()
	defer service.Unlock()

	service.jobs[item.ID] = item
}

func (service *pipelineService) storeOutcome(outcome BatchOutcome) {
	service.Lock()
	defer service.Unlock()

	if outcome.JobID != uuid.Nil {
		service.outcomes[outcome.JobID] = &outcome
	}
}

// finalizeBatch renders and logs the report, persists the batch row,
// pushes the webhook summary and announces completion on the event
// bus. Every step besides logging is best effort.
func (service *pipelineService) finalizeBatch(ctx context.Context, report *BatchReport, aborted bool) {
	service.Lock()
	service.report = report
	service.Unlock()

	text := report.Render()
	if aborted {
		text += "\n  cycle aborted early: broker unavailable, unprocessed messages remain queued"
	}
	log.Infof("%s\n", text)

	if service.ledgerStore != nil {
		placed, skipped, requeued, deadLettered := report.Counts()
		records := make([]ledger.OutcomeRecord, 0, len(report.Outcomes))
		for _, outcome := range report.Outcomes {
			records = append(records, ledger.OutcomeRecord{
				SourceURL:   outcome.SourceURL,
				Actor:       outcome.Actor,
				State:       outcome.State.String(),
				Destination: outcome.Destination,
				Detail:      outcome.Detail,
				ElapsedMS:   outcome.Elapsed.Milliseconds(),
			})
		}

		err := service.ledgerStore.RecordBatch(ledger.Batch{
			ID:           report.RunID,
			StartedAt:    report.StartedAt,
			FinishedAt:   report.FinishedAt,
			Received:     report.Received,
			Placed:       placed,
			Skipped:      skipped,
			Requeued:     requeued,
			DeadLettered: deadLettered,
			Report:       text,
			Outcomes:     database.NewJsonColumn(records),
		})
		if err != nil {
			log.Warnf("Failed to record batch in ledger: %v\n", err)
		}
	}

	if service.notifications.Enabled() && report.Received > 0 {
		if err := service.notifications.Push(ctx, text); err != nil {
			trouble := newTrouble(err)
			log.Errorf("Batch notification failed with trouble %s: %v\n", trouble.Type(), err)
		}
	}

	service.eventBus.Dispatch(event.BATCH_COMPLETE, report.RunID)
}

// openRunLog creates the per-run downloader log file. Failure to open
// it degrades to discarding subprocess output rather than failing the
// cycle.
func (service *pipelineService) openRunLog(runID uuid.UUID) *os.File {
	logDir := filepath.Join(service.config.WorkDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		log.Warnf("Cannot create run log directory %s: %v\n", logDir, err)
		return nil
	}

	path := filepath.Join(logDir, fmt.Sprintf("iris-%s.log", runID))
	handle, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warnf("Cannot open run log %s: %v\n", path, err)
		return nil
	}

	return handle
}

func runLogWriter(handle *os.File) io.Writer {
	if handle == nil {
		return nil
	}

	return handle
}
