package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/event"
	"github.com/hbomb79/Iris/internal/format"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/internal/ledger"
	"github.com/hbomb79/Iris/internal/library"
	"github.com/hbomb79/Iris/internal/ytdlp"
	"github.com/hbomb79/Iris/pkg/logger"
)

// processMessage walks one queued message through the full acquisition:
// decode and validate, skip-if-placed, resolve formats, download, probe,
// classify and move, record, acknowledge. Per-job failures are routed to
// the retry manager and reported in the outcome; the returned error is
// non-nil only when the broker became unreachable, which aborts the
// whole cycle.
func (service *pipelineService) processMessage(ctx context.Context, message broker.Message, runLog io.Writer) (BatchOutcome, error) {
	started := time.Now()

	item, err := service.parser.Parse(message.ID, []byte(message.Payload))
	if err != nil {
		return service.routeFailure(ctx, message, item, started, err)
	}
	service.trackJob(item)
	log.Emit(logger.NEW, "Processing %s\n", item)

	service.transition(item, job.Resolving)

	if skip, existing := service.alreadyPlaced(item); skip {
		if err := service.queue.Ack(ctx, message.ID); err != nil {
			return BatchOutcome{}, err
		}

		service.transition(item, job.Succeeded)
		outcome := newOutcome(item, message.ID)
		outcome.State = Skipped
		outcome.Destination = existing.FinalPath
		outcome.Elapsed = time.Since(started)
		outcome.Detail = fmt.Sprintf("duplicate of placement from %s", existing.PlacedAt.Format(time.RFC3339))
		log.Infof("Skipping %s: already placed at %s\n", item, existing.FinalPath)
		return outcome, nil
	}

	selection, title := service.resolveFormats(ctx, item)

	service.transition(item, job.Downloading)
	workDir := filepath.Join(service.config.WorkDir, "jobs", item.IdentityKey())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return service.routeFailure(ctx, message, item, started, fmt.Errorf("failed to create work directory %s: %w", workDir, err))
	}

	result, err := service.downloader.Download(ctx, ytdlp.DownloadOptions{
		SourceURL:  item.SourceURL,
		FormatSpec: selection.FormatSpec(),
		WorkDir:    workDir,
		Title:      title,
		LogWriter:  runLog,
	})
	if err != nil {
		return service.routeFailure(ctx, message, item, started, err)
	}
	log.Debugf("Downloaded %s (%d bytes) for %s\n", result.Path, result.SizeBytes, item)

	service.transition(item, job.Placing)
	height := service.probeHeight(item, result.Path)

	destDir := service.library.DestinationFor(item, height)
	finalPath, err := service.library.Move(result.Path, destDir)
	if err != nil {
		return service.routeFailure(ctx, message, item, started, Trouble{error: err, tType: PlacementFailure})
	}

	service.recordPlacement(item, height, finalPath)

	if err := service.queue.Ack(ctx, message.ID); err != nil {
		return BatchOutcome{}, err
	}

	if err := os.RemoveAll(workDir); err != nil {
		log.Warnf("Failed to clean up work directory %s: %v\n", workDir, err)
	}

	service.transition(item, job.Succeeded)
	outcome := newOutcome(item, message.ID)
	outcome.State = Placed
	outcome.Destination = finalPath
	outcome.SizeBytes = result.SizeBytes
	outcome.Elapsed = time.Since(started)
	log.Emit(logger.SUCCESS, "Placed %s at %s\n", item, finalPath)
	return outcome, nil
}

// resolveFormats scrapes the source's stream inventory and resolves the
// requested tier against it. Any failure falls back to the hard-coded
// last-resort pairing at warning level; the download itself is the final
// arbiter of whether those ids exist.
func (service *pipelineService) resolveFormats(ctx context.Context, item *job.Job) (format.Selection, string) {
	listing, err := service.downloader.ListFormats(ctx, item.SourceURL)
	if err != nil {
		log.Warnf("Format listing failed for %s (%v), falling back to last-resort format ids\n", item, err)
		return format.LastResortSelection(item.Resolution, service.config.LastResortVideoIDs, service.config.LastResortAudioID), item.Title
	}

	title := item.Title
	if title == "" {
		title = listing.Title
	}

	selection, err := format.Resolve(item.Resolution, listing.Candidates)
	if err != nil {
		log.Warnf("Format resolution failed for %s (%v), falling back to last-resort format ids\n", item, err)
		return format.LastResortSelection(item.Resolution, service.config.LastResortVideoIDs, service.config.LastResortAudioID), title
	}

	return selection, title
}

// alreadyPlaced consults the ledger for a previous placement of this
// job's identity. Ledger errors degrade to processing the job normally.
func (service *pipelineService) alreadyPlaced(item *job.Job) (bool, *ledger.Placement) {
	if service.ledgerStore == nil || !service.config.SkipAlreadyPlaced {
		return false, nil
	}

	existing, err := service.ledgerStore.FindPlacement(item.IdentityKey())
	if err != nil {
		if !errors.Is(err, ledger.ErrPlacementNotFound) {
			log.Warnf("Ledger idempotency check failed for %s, processing anyway: %v\n", item, err)
		}

		return false, nil
	}

	return true, existing
}

// probeHeight inspects the downloaded artifact's streams. Probe failures
// are tolerated: classification falls back to the tier the producer
// requested.
func (service *pipelineService) probeHeight(item *job.Job, path string) int {
	height, err := service.prober.ProbeHeight(path)
	if err != nil {
		log.Warnf("Probe failed for %s (%v), classifying by requested tier %s\n", item, err, item.Resolution)
		return item.Resolution.Height()
	}

	log.Debugf("Probed %s at height %d\n", path, height)
	return height
}

func (service *pipelineService) recordPlacement(item *job.Job, height int, finalPath string) {
	if service.ledgerStore == nil {
		return
	}

	var title *string
	if item.Title != "" {
		title = &item.Title
	}

	err := service.ledgerStore.RecordPlacement(ledger.Placement{
		IdentityKey:     item.IdentityKey(),
		Title:           title,
		Language:        item.Language,
		Actor:           item.Actor,
		ContentType:     item.Type.String(),
		RequestedHeight: item.Resolution.Height(),
		ProbedHeight:    &height,
		Bucket:          library.BucketForHeight(height),
		SourceURL:       item.SourceURL,
		FinalPath:       finalPath,
	})
	if err != nil {
		log.Warnf("Failed to record placement for %s: %v\n", item, err)
	}
}

func (service *pipelineService) transition(item *job.Job, state job.JobState) {
	item.State = state
	log.Verbosef("Job %s transitioned to %s\n", item.ID, state)
	service.eventBus.Dispatch(event.JOB_UPDATE, item.ID)
}
