// Package workers provides a bounded pool for background side effects such
// as alert delivery and event fan-out.
package workers

import (
	"sync"
)

// Pool runs submitted jobs on a fixed set of goroutines. Submission never
// blocks: when the queue is full the job is dropped and Submit reports it.
type Pool struct {
	jobs chan func()
	wg       sync.WaitGroup
	stop     sync.Once
}

// NewPool starts workerCount goroutines draining a queue of queueSize.
func NewPool(workerCount, queueSize int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		jobs: make(chan func(), queueSize),
	}
	for i := 0; i < workerCount; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	for job := range p.jobs {
		job()
		p.wg.Done()
	}
}

// Submit enqueues a job. Returns false if the queue is full.
func (p *Pool) Submit(job func()) bool {
	p.wg.Add(1)
	select {
	case p.jobs <- job:
		return true
	default:
		p.wg.Done()
		return false
	}
}

// Wait blocks until all accepted jobs have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop stops accepting jobs and waits for in-flight ones. Safe to call more
// than once.
func (p *Pool) Stop() {
	p.stop.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}
