package pipeline

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// workerPool is a fixed-size goroutine pool with a bounded input queue.
// Once the pool stops (context cancelled or Drain called) it refuses new
// submissions, but everything already accepted is still processed.
type workerPool[T any] struct {
	queue      chan T
	process    func(T)
	wg         sync.WaitGroup
	stop       chan struct{}
	stopOnce   sync.Once
	stopped    atomic.Bool
	submitting atomic.Int64
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
func newWorkerPool[T any](ctx context.Context, n, cap int, fn func(T)) *workerPool[T] {
	p := &workerPool[T]{
		queue:   make(chan T, cap),
		process: fn,
		stop:    make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-p.stop:
		}
		p.shutdown()
	}()
	return p
}

func (p *workerPool[T]) shutdown() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stop)
	})
}

func (p *workerPool[T]) run() {
	for {
		select {
		case t := <-p.queue:
			p.process(t)
		case <-p.stop:
			p.drain()
			return
		}
	}
}

// drain empties the queue after shutdown. A SubmitWait that won the race
// against shutdown still gets its item processed: the queue is not abandoned
// until no submission is in flight and nothing is buffered.
func (p *workerPool[T]) drain() {
	for {
		select {
		case t := <-p.queue:
			p.process(t)
		default:
			if p.submitting.Load() > 0 {
				runtime.Gosched()
				continue
			}
			// stopped is set, so no new send can start; whatever was sent
			// is already buffered.
			for {
				select {
				case t := <-p.queue:
					p.process(t)
				default:
					return
				}
			}
		}
	}
}

// SubmitWait enqueues an item, blocking until there is room or ctx expires.
// Returns false if ctx expired first or the pool has stopped.
func (p *workerPool[T]) SubmitWait(ctx context.Context, t T) bool {
	p.submitting.Add(1)
	defer p.submitting.Add(-1)

	if p.stopped.Load() {
		return false
	}
	select {
	case p.queue <- t:
		return true
	case <-ctx.Done():
		return false
	case <-p.stop:
		return false
	}
}

// Drain stops the pool and waits for all accepted work to finish.
func (p *workerPool[T]) Drain() {
	p.shutdown()
	p.wg.Wait()
}

// QueueLen returns how many items are currently queued.
func (p *workerPool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *workerPool[T]) QueueCap() int {
	return cap(p.queue)
}
