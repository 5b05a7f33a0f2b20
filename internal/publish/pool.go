package publish

import (
	"context"
	"sync"
)

// workerPool runs handle on a fixed number of goroutines fed by a bounded
// queue. Submit never blocks.
type workerPool[T any] struct {
	queue  chan T
	handle func(ctx context.Context, t T)
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// newWorkerPool starts n workers with queue capacity depth.
func newWorkerPool[T any](ctx context.Context, n, depth int, handle func(context.Context, T)) *workerPool[T] {
	if n < 1 {
		n = 1
	}
	if depth < 1 {
		depth = 1
	}
	p := &workerPool[T]{
		queue:  make(chan T, depth),
		handle: handle,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T]) run(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.handle(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues t, returning false if the queue is full or the pool drained.
func (p *workerPool[T]) Submit(t T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Drain stops accepting work, lets the workers finish what is queued and
// waits for them.
func (p *workerPool[T]) Drain() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Utilization returns queued / capacity (0–1).
func (p *workerPool[T]) Utilization() float64 {
	return float64(len(p.queue)) / float64(cap(p.queue))
}
