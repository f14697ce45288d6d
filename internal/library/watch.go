package library

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hbomb79/Iris/pkg/worker"
	"github.com/rjeczalik/notify"
)

// Watcher keeps the catalog in step with the filesystem while the gateway
// is running. Change events are debounced before waking the rebuild
// worker, and a forced interval sync guards against missed events.
type Watcher struct {
	*sync.Mutex

	config  Config
	catalog *Catalog
	pool    *worker.WorkerPool
	dirty   bool
}

func NewWatcher(config Config, catalog *Catalog) *Watcher {
	watcher := &Watcher{
		Mutex:   &sync.Mutex{},
		config:  config.withDefaults(),
		catalog: catalog,
		pool:    worker.NewWorkerPool(),
	}
	watcher.pool.PushWorker(worker.NewWorker("catalog_refresh", watcher))

	return watcher
}

// Execute is the rebuild worker loop. Each wakeup drains the dirty flag
// and rebuilds the catalog before sleeping again.
func (watcher *Watcher) Execute(w worker.Worker) error {
	for {
		if watcher.consumeDirty() {
			watcher.catalog.Rebuild()
		}

		if !w.Sleep() {
			return nil
		}
	}
}

// Run blocks until the context is cancelled, watching both library roots
// recursively. The first rebuild happens synchronously so callers have a
// catalog as soon as Run has started.
func (watcher *Watcher) Run(ctx context.Context) error {
	fsChannel := make(chan notify.EventInfo, 16)
	for _, root := range []string{watcher.config.SongDir, watcher.config.MovieDir} {
		if root == "" {
			continue
		}
		if err := notify.Watch(filepath.Join(root, "..."), fsChannel, notify.Create, notify.Remove, notify.Rename, notify.Write); err != nil {
			return fmt.Errorf("failed to watch library root %s: %w", root, err)
		}
	}
	defer notify.Stop(fsChannel)

	if err := watcher.pool.Start(); err != nil {
		return err
	}
	defer watcher.pool.Close()

	watcher.catalog.Rebuild()

	forceSync := time.NewTicker(time.Second * time.Duration(watcher.config.ForceSyncSeconds))
	defer forceSync.Stop()

	var debounce *time.Timer
	var debounceChannel <-chan time.Time
	for {
		select {
		case <-fsChannel:
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(time.Second * time.Duration(watcher.config.DebounceSeconds))
			debounceChannel = debounce.C
		case <-debounceChannel:
			debounceChannel = nil
			watcher.markDirty()
		case <-forceSync.C:
			watcher.markDirty()
		case <-ctx.Done():
			return nil
		}
	}
}

func (watcher *Watcher) markDirty() {
	watcher.Lock()
	watcher.dirty = true
	watcher.Unlock()

	watcher.pool.WakeupWorkers()
}

func (watcher *Watcher) consumeDirty() bool {
	watcher.Lock()
	defer watcher.Unlock()

	wasDirty := watcher.dirty
	watcher.dirty = false
	return wasDirty
}
