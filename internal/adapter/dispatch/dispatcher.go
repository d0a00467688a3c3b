// Package dispatch runs tasks on a fixed set of workers. Tasks sharing a
// key always land on the same worker and therefore run in submission order.
package dispatch

import (
	"context"
	"hash/fnv"
	"sync"
)

// Task is a unit of work.
type Task func(ctx context.Context)

type ctxTask struct {
	ctx  context.Context
	task Task
}

// Dispatcher routes tasks to worker goroutines keeping per-key order.
type Dispatcher struct {
	workers int
	chans   []chan ctxTask
	wg      sync.WaitGroup
	once    sync.Once
}

// New creates a dispatcher with the given worker count and per-worker queue
// size.
func New(workers, queue int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	d := &Dispatcher{workers: workers, chans: make([]chan ctxTask, workers)}
	for i := 0; i < workers; i++ {
		d.chans[i] = make(chan ctxTask, queue)
		d.wg.Add(1)
		go d.worker(d.chans[i])
	}
	return d
}

// Dispatch queues task on the worker owning key. It blocks while that
// worker's queue is full and gives up when ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, key string, task Task) error {
	return d.DispatchTo(ctx, d.index(key), task)
}

// DispatchTo queues task on worker i modulo the worker count.
func (d *Dispatcher) DispatchTo(ctx context.Context, i int, task Task) error {
	i %= d.workers
	if i < 0 {
		i += d.workers
	}
	select {
	case d.chans[i] <- ctxTask{ctx: ctx, task: task}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
// Dispatch must not be called after Close.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		for _, ch := range d.chans {
			close(ch)
		}
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker(in <-chan ctxTask) {
	defer d.wg.Done()
	for item := range in {
		item.task(item.ctx)
	}
}

func (d *Dispatcher) index(key string) int {
	if key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(d.workers))
}
