package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/api"
	"github.com/hbomb79/Iris/internal/broker"
	"github.com/hbomb79/Iris/internal/database"
	"github.com/hbomb79/Iris/internal/deadletter"
	"github.com/hbomb79/Iris/internal/event"
	"github.com/hbomb79/Iris/internal/ffmpeg"
	"github.com/hbomb79/Iris/internal/job"
	"github.com/hbomb79/Iris/internal/ledger"
	"github.com/hbomb79/Iris/internal/library"
	"github.com/hbomb79/Iris/internal/notify"
	"github.com/hbomb79/Iris/internal/pipeline"
	"github.com/hbomb79/Iris/internal/ytdlp"
	"github.com/hbomb79/Iris/pkg/docker"
	"github.com/hbomb79/Iris/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// PlacementLedger is the pipeline's view of the optional persistence
	// layer. A nil value disables idempotency checks and batch history
	// without changing how jobs are processed.
	PlacementLedger interface {
		RecordPlacement(placement ledger.Placement) error
		FindPlacement(identityKey string) (*ledger.Placement, error)
		RecordBatch(batch ledger.Batch) error
	}

	PipelineService interface {
		RunnableService
		GetJob(id uuid.UUID) *job.Job
		OutcomeForJob(id uuid.UUID) *pipeline.BatchOutcome
		LatestReport() *pipeline.BatchReport
	}

	Gateway interface {
		RunnableService
		BroadcastActivity(message broker.ActivityMessage)
		BroadcastCatalogUpdate(revision uuid.UUID) error
	}
)

// Iris represents the top-level object for the binary, and is responsible
// for initialising embedded support services, stores, event
// handling, et cetera...
//
// The two entry points map to the two binary modes: RunPipeline performs
// a single poll-drain-process cycle and returns, RunGateway serves the
// HTTP/websocket surface until cancelled.
type irisImpl struct {
	eventBus      event.EventCoordinator
	config        IrisConfig
	dockerManager docker.DockerManager

	db   database.Manager
	data *dataOrchestrator
}

func New(config IrisConfig) *irisImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Iris services using config: %#v\n", config)

	db := database.New()
	data, err := NewDataOrchestrator(db)
	if err != nil {
		panic(fmt.Sprintf("failed to construct data orchestrator due to error: %s", err.Error()))
	}

	return &irisImpl{
		eventBus: event.New(),
		config:   config,
		db:       db,
		data:     data,
	}
}

// RunPipeline brings up the supporting services and then processes one
// batch from the request stream. The error returned wraps broker
// unavailability distinctly so the caller can exit with the right code
// for the scheduler.
func (iris *irisImpl) RunPipeline(parent context.Context) error {
	iris.dockerManager = docker.NewDockerManager()
	defer iris.dockerManager.Shutdown(time.Second * 10)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	if err := iris.initialiseDockerServices(ctx, iris.config, crashHandler); err != nil {
		return err
	}

	if err := iris.connectDatabase(); err != nil {
		return err
	}

	log.Emit(logger.NEW, "Connecting to broker at %s...\n", iris.config.Broker.Address)
	client, err := broker.Connect(ctx, iris.config.Broker)
	if err != nil {
		return err
	}
	defer client.Close()

	queue, err := broker.NewQueue(ctx, client, iris.config.Broker)
	if err != nil {
		return err
	}

	pipelineService, err := iris.buildPipeline(queue, broker.NewLease(client, iris.config.Broker))
	if err != nil {
		return err
	}

	// The relay outlives the pipeline run slightly so events dispatched
	// during batch finalisation still make it to the broker.
	relayCtx, stopRelay := context.WithCancel(ctx)
	relay := newActivityRelay(broker.NewActivityRelay(client, iris.config.Broker), pipelineService, iris.eventBus)

	wg := &sync.WaitGroup{}
	iris.spawnAsyncService(relayCtx, wg, relay, "activity-relay", crashHandler)

	runErr := pipelineService.Run(ctx)
	stopRelay()
	wg.Wait()

	return runErr
}

// RunGateway brings up the serve-mode services: the library catalog and
// its filesystem watcher, the REST/websocket gateway, and the pump that
// relays pipeline activity from the broker to connected clients.
//
// This function will not return until the gateway is stopped. To stop
// it, the provided context must be cancelled. Errors from which the
// gateway cannot recover will also cause it to stop.
func (iris *irisImpl) RunGateway(parent context.Context) error {
	iris.dockerManager = docker.NewDockerManager()
	defer iris.dockerManager.Shutdown(time.Second * 10)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	if err := iris.initialiseDockerServices(ctx, iris.config, crashHandler); err != nil {
		return err
	}

	if err := iris.connectDatabase(); err != nil {
		return err
	}

	log.Emit(logger.NEW, "Connecting to broker at %s...\n", iris.config.Broker.Address)
	client, err := broker.Connect(ctx, iris.config.Broker)
	if err != nil {
		return err
	}
	defer client.Close()

	libraryConfig := library.Config{
		SongDir:          iris.config.Library.SongDir,
		MovieDir:         iris.config.Library.MovieDir,
		WalkParallelism:  iris.config.Library.WalkParallelism,
		ForceSyncSeconds: iris.config.Library.ForceSyncSeconds,
		DebounceSeconds:  iris.config.Library.DebounceSeconds,
	}
	catalog := library.NewCatalog(libraryConfig, iris.eventBus)
	watcher := library.NewWatcher(libraryConfig, catalog)

	gateway := api.NewRestGateway(
		&iris.config.API,
		catalog,
		iris.data,
		deadletter.New(deadletter.Config{Path: iris.config.DeadLetter.Path}),
	)

	iris.eventBus.RegisterAsyncHandlerFunction(event.CATALOG_UPDATE, func(_ event.Event, payload event.Payload) {
		revision, ok := payload.(uuid.UUID)
		if !ok {
			return
		}

		if err := gateway.BroadcastCatalogUpdate(revision); err != nil {
			log.Emit(logger.WARNING, "Failed to broadcast catalog update %s: %v\n", revision, err)
		}
	})

	wg := &sync.WaitGroup{}
	iris.spawnAsyncService(ctx, wg, watcher, "catalog-watcher", crashHandler)
	iris.spawnAsyncService(ctx, wg, gateway, "rest-gateway", crashHandler)
	iris.spawnAsyncService(ctx, wg, newActivityPump(broker.NewActivityRelay(client, iris.config.Broker), gateway), "activity-pump", crashHandler)
	log.Emit(logger.SUCCESS, "Iris services spawned!\n")

	wg.Wait()
	return nil
}

func (iris *irisImpl) buildPipeline(queue *broker.Queue, lease *broker.Lease) (PipelineService, error) {
	parser := job.NewParser(validator.New(), job.ParseResolution(iris.config.Format.DefaultResolution))
	downloadClient := ytdlp.New(ytdlp.Config{
		BinaryPath:          iris.config.Downloader.Binary,
		CookiesPath:         iris.config.Downloader.Cookies,
		OutputTemplate:      iris.config.Downloader.OutputTemplate,
		ConcurrentFragments: iris.config.Downloader.ConcurrentFragments,
	})
	prober := ffmpeg.NewProber(ffmpeg.Config{
		FfmpegBinaryPath:  iris.config.Ffmpeg.FfmpegBinary,
		FfprobeBinaryPath: iris.config.Ffmpeg.FfprobeBinary,
	})
	placer := library.New(library.Config{
		SongDir:  iris.config.Library.SongDir,
		MovieDir: iris.config.Library.MovieDir,
	})

	var ledgerStore PlacementLedger
	if iris.db.GetSqlxDb() != nil {
		ledgerStore = iris.data
	}

	return pipeline.New(
		pipeline.Config{
			PollWindow:         iris.config.Broker.PollWindow(),
			BatchMax:           iris.config.Broker.BatchMax,
			MaxRetries:         iris.config.Pipeline.MaxRetries,
			SkipAlreadyPlaced:  iris.config.Pipeline.SkipAlreadyPlaced,
			WorkDir:            iris.config.Downloader.WorkDir,
			LastResortVideoIDs: iris.config.Format.LastResortVideo,
			LastResortAudioID:  iris.config.Format.LastResortAudio,
		},
		queue,
		lease,
		parser,
		downloadClient,
		prober,
		placer,
		ledgerStore,
		deadletter.New(deadletter.Config{Path: iris.config.DeadLetter.Path}),
		notify.New(notify.Config{WebhookURL: iris.config.Notify.WebhookURL, TimeoutSeconds: iris.config.Notify.TimeoutSeconds}),
		iris.eventBus,
	)
}

// connectDatabase connects the placement ledger when enabled. A failure
// is only fatal when the configuration marks the ledger as required;
// otherwise Iris degrades to running without placement history.
func (iris *irisImpl) connectDatabase() error {
	if !iris.config.Database.Enabled {
		log.Emit(logger.INFO, "Placement ledger disabled, skipping database connection\n")
		return nil
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := iris.db.Connect(iris.config.Database); err != nil {
		if iris.config.Database.Required {
			return fmt.Errorf("placement ledger is required but unavailable: %w", err)
		}

		log.Emit(logger.WARNING, "Database connection failed (%s), continuing without the placement ledger\n", err.Error())
	}

	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Iris service waitgroup is updated correctly
func (iris *irisImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}

// initialiseDockerServices will initialise all supporting services
// for Iris (Redis, Postgres)
func (iris *irisImpl) initialiseDockerServices(ctx context.Context, config IrisConfig, crashHandler func(string, error)) error {
	if !config.Services.EnableRedis && !config.Services.EnablePostgres {
		return nil
	}

	log.Emit(logger.NEW, "Initialising Docker services...\n")
	crashChannel := make(chan error, 2)
	go func() {
		select {
		case err := <-crashChannel:
			crashHandler("docker-service", err)
		case <-ctx.Done():
		}
	}()

	if config.Services.EnableRedis {
		log.Emit(logger.INFO, "Initialising embedded Redis broker...\n")
		if _, err := broker.InitialiseDockerBroker(iris.dockerManager, config.Broker, crashChannel); err != nil {
			return err
		}
	}

	if config.Services.EnablePostgres {
		log.Emit(logger.INFO, "Initialising embedded database...\n")
		if _, err := database.InitialiseDockerDatabase(iris.dockerManager, config.Database, crashChannel); err != nil {
			return err
		}
	}

	return nil
}
