// Package worker runs compute-heavy frame jobs on a fixed number of goroutines
// so that slow inference never blocks connection I/O.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"SafetyMonServer/logger"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed  = errors.New("worker pool closed")
	ErrJobPanicked = errors.New("job panicked")
)

// panicBackoff pauses a worker after a recovered panic.
const panicBackoff = 100 * time.Millisecond

// JobPackage is one unit of work queued to the pool.
type JobPackage struct {
	task func()
	done chan struct{}
	err  error
}

type Pool struct {
	jobQueue chan *JobPackage
	closing  chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	size     int
}

// NewPool starts workerNum workers. The queue holds one pending job per worker.
func NewPool(workerNum int) *Pool {
	if workerNum < 1 {
		workerNum = 1
	}
	p := &Pool{
		jobQueue: make(chan *JobPackage, workerNum),
		closing:  make(chan struct{}),
		size:     workerNum,
	}
	for i := 0; i < workerNum; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p
}

func (p *Pool) Size() int {
	return p.size
}

// Do runs task on a worker and waits for it. If ctx ends first Do returns
// ctx.Err() and the task, once started, still runs to completion; its
// side effects are the caller's to ignore.
func (p *Pool) Do(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job := &JobPackage{task: task, done: make(chan struct{})}
	select {
	case <-p.closing:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.jobQueue <- job:
	}
	select {
	case <-job.done:
		return job.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for running ones to finish.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.closing)
	})
	p.wg.Wait()
}

func (p *Pool) runWorker(workerID int) {
	defer p.wg.Done()
	log := logger.Log().With(zap.Int("worker", workerID))
	log.Debug("worker created")
	for {
		select {
		case <-p.closing:
			return
		case job := <-p.jobQueue:
			p.execute(log, job)
		}
	}
}

func (p *Pool) execute(log *zap.Logger, job *JobPackage) {
	defer close(job.done)
	defer func() {
		if r := recover(); r != nil {
			job.err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
			log.Error("job panic recovered", zap.Any("panic", r))
			time.Sleep(panicBackoff)
		}
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	job.task()
}
