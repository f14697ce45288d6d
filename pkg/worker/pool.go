package worker

import (
	"errors"
	"sync"
)

// WorkerPool owns a set of workers and the goroutines they run on.
// Workers are registered before Start; Close tears the pool down and
// waits for every worker to finish.
type WorkerPool struct {
	workers []Worker
	wg      sync.WaitGroup
	started bool
}

func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// PushWorker registers the workers provided. Registration is only legal
// before the pool has started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// Start launches a goroutine per registered worker. Start does not
// block; Close waits for the workers to finish.
func (pool *WorkerPool) Start() error {
	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, w := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start()
		}(w)
	}

	return nil
}

// WakeupWorkers signals every sleeping worker in the pool. Workers
// already awake are left alone, and a worker that is between states
// simply misses this round.
func (pool *WorkerPool) WakeupWorkers() error {
	if !pool.started {
		return errors.New("cannot wakeup workers on worker pool that is not started")
	}

	for _, w := range pool.workers {
		if w.Status() != Sleeping {
			continue
		}

		select {
		case w.WakeupChan() <- 1:
		default:
		}
	}

	return nil
}

// Close closes every worker's wakeup channel and blocks until their
// goroutines have exited.
func (pool *WorkerPool) Close() {
	if !pool.started {
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.wg.Wait()
	pool.started = false
}
