package sqlite

import (
	"context"
	"fmt"
	"log"
)

// Queue serializes durable mutations into a single FIFO worker so at most one
// write transaction runs against the store at a time, no matter how many
// goroutines produce them. A failing task reports its error to the enqueuer
// and never blocks the tasks behind it.
type Queue struct {
	tasks chan queueTask
	done  chan struct{}

	// OnDepth, when set, is called with the queue depth after every
	// enqueue/dequeue. Used for the metrics gauge.
	OnDepth func(depth int)
}

type queueTask struct {
	name   string
	fn     func() error
	result chan error
}

// NewQueue creates a write queue with the given buffer and starts its worker.
func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	q := &Queue{
		tasks: make(chan queueTask, buffer),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for t := range q.tasks {
		t.result <- q.exec(t)
		q.reportDepth()
	}
}

// exec runs one task, converting a panic into an error so a bad task cannot
// kill the worker.
func (q *Queue) exec(t queueTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write task %s panicked: %v", t.name, r)
			log.Printf("[writequeue] %v", err)
		}
	}()
	return t.fn()
}

// Do enqueues fn and blocks until it has run, returning its error. Returns
// the context's error if ctx is cancelled before the task is accepted or
// completes; an accepted task still runs to completion on the worker.
func (q *Queue) Do(ctx context.Context, name string, fn func() error) error {
	t := queueTask{name: name, fn: fn, result: make(chan error, 1)}
	select {
	case q.tasks <- t:
		q.reportDepth()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to drain.
func (q *Queue) Close() {
	close(q.tasks)
	<-q.done
}

func (q *Queue) reportDepth() {
	if q.OnDepth != nil {
		q.OnDepth(len(q.tasks))
	}
}
