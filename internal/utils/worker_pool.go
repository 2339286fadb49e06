package utils

import (
	"sync"
)

// Job represents a task to be executed by a worker.
type Job struct {
	Task func()
}

// WorkerPool manages a pool of workers to execute jobs. A job is counted as
// busy from the moment it is accepted until its task returns, so the pool never
// holds more jobs than it has workers.
type WorkerPool struct {
	workers   int
	jobQueue  chan Job
	waitGroup sync.WaitGroup

	mu     sync.Mutex
	busy   int
	closed bool
}

// NewWorkerPool creates a new WorkerPool with the specified number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	pool := &WorkerPool{
		workers:  workers,
		jobQueue: make(chan Job, workers),
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	return pool
}

// worker processes jobs from the jobQueue.
func (wp *WorkerPool) worker() {
	defer wp.waitGroup.Done()
	for job := range wp.jobQueue {
		job.Task()

		wp.mu.Lock()
		wp.busy--
		wp.mu.Unlock()
	}
}

// TrySubmit hands task to an idle worker. It returns false when every worker
// is busy or the pool is shut down.
func (wp *WorkerPool) TrySubmit(task func()) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed || wp.busy >= wp.workers {
		return false
	}
	wp.busy++
	// Queued jobs never exceed busy, so the buffered send cannot block.
	wp.jobQueue <- Job{Task: task}
	return true
}

// Shutdown waits for all workers to finish and then closes the worker pool.
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobQueue)
	wp.mu.Unlock()

	wp.waitGroup.Wait()
}
