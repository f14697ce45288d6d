// Package worker provides the sleep/wakeup worker pool used for
// background maintenance loops. A worker runs its task until the task
// observes a closed wakeup channel, at which point the loop is expected
// to return.
package worker

import (
	"sync/atomic"

	"github.com/hbomb79/Iris/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type WorkerStatus int32

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

func (status WorkerStatus) String() string {
	switch status {
	case Sleeping:
		return "SLEEPING"
	case Working:
		return "WORKING"
	default:
		return "FINISHED"
	}
}

// WorkerTaskMeta is the work loop a worker executes. Implementations
// process whatever is outstanding, then call Sleep on the worker they
// were handed and loop until Sleep reports the pool has closed.
type WorkerTaskMeta interface {
	Execute(Worker) error
}

type Worker interface {
	Start()
	Status() WorkerStatus
	WakeupChan() chan int
	Label() string
	Sleep() bool
	Close()
}

type taskWorker struct {
	label      string
	task       WorkerTaskMeta
	wakeupChan chan int

	// status is read by the pool's wakeup scan while the worker's own
	// goroutine transitions it, so access goes through atomics.
	status atomic.Int32
}

func NewWorker(label string, task WorkerTaskMeta) *taskWorker {
	worker := &taskWorker{
		label:      label,
		task:       task,
		wakeupChan: make(chan int),
	}
	worker.setStatus(Sleeping)

	return worker
}

// Start runs this worker's task to completion on the calling goroutine,
// recording any error the task returns.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker with label %v\n", worker.label)
	worker.setStatus(Working)
	if err := worker.task.Execute(worker); err != nil {
		workerLogger.Emit(logger.ERROR, "Worker with label %v has reported an error(%T): %v\n", worker.label, err, err.Error())
	}

	worker.setStatus(Finished)
	workerLogger.Emit(logger.STOP, "Worker with label %v has stopped\n", worker.label)
}

// Sleep blocks until another goroutine signals the wakeup channel.
// The return is false once the channel has been closed, which tells the
// task loop to exit.
func (worker *taskWorker) Sleep() (isAlive bool) {
	worker.setStatus(Sleeping)

	if _, isAlive = <-worker.wakeupChan; isAlive {
		worker.setStatus(Working)
	} else {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
		worker.setStatus(Finished)
	}

	return isAlive
}

// Close closes the wakeup channel. The task loop exits the next time it
// sleeps; a task mid-execution is not interrupted.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.status.Load())
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.status.Store(int32(status))
}

func (worker *taskWorker) WakeupChan() chan int {
	return worker.wakeupChan
}

func (worker *taskWorker) Label() string {
	return worker.label
}
