package descriptor

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"
)

// Result represents the result of one descriptor computation
type Result struct {
	Vector  []float32
	Elapsed time.Duration
	Error   error
}

// work represents a unit of descriptor work
type work struct {
	img    image.Image
	result chan<- Result
}

// Pool computes descriptors on a fixed set of worker goroutines so a single
// ingestion can fan frames out across CPUs.
type Pool struct {
	numWorkers int
	workQueue  chan work
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool with the specified number of workers
func NewPool(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 4
	}

	p := &Pool{
		numWorkers: numWorkers,
		workQueue:  make(chan work, numWorkers*4),
	}
	p.startWorkers()

	return p
}

func (p *Pool) startWorkers() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for w := range p.workQueue {
				start := time.Now()
				vec, err := Compute(w.img)
				w.result <- Result{
					Vector:  vec,
					Elapsed: time.Since(start),
					Error:   err,
				}
			}
		}()
	}
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.numWorkers
}

// Submit queues img and returns a channel that receives exactly one Result.
// It blocks while the queue is full and gives up when ctx is done.
func (p *Pool) Submit(ctx context.Context, img image.Image) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("descriptor pool is closed")
	}

	resultChan := make(chan Result, 1)
	select {
	case p.workQueue <- work{img: img, result: resultChan}:
		return resultChan, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the pool and waits for queued work to finish
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.workQueue)
	p.mu.Unlock()

	p.wg.Wait()
}
