package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := NewQueue(16)
	defer q.Close()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		// Enqueue sequentially so FIFO order is well-defined; wait concurrently.
		done := make(chan struct{})
		go func() {
			defer wg.Done()
			q.Do(context.Background(), "task", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			close(done)
		}()
		<-done
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("task %d ran out of order: %v", i, order)
		}
	}
}

func TestQueue_FailureIsolation(t *testing.T) {
	q := NewQueue(4)
	defer q.Close()

	wantErr := errors.New("disk on fire")
	if err := q.Do(context.Background(), "failing", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected task error back, got %v", err)
	}

	ran := false
	if err := q.Do(context.Background(), "next", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("task after failure errored: %v", err)
	}
	if !ran {
		t.Fatal("task after a failing task did not run")
	}
}

func TestQueue_PanicDoesNotKillWorker(t *testing.T) {
	q := NewQueue(4)
	defer q.Close()

	if err := q.Do(context.Background(), "panicking", func() error { panic("boom") }); err == nil {
		t.Fatal("expected error from panicking task")
	}
	if err := q.Do(context.Background(), "after", func() error { return nil }); err != nil {
		t.Fatalf("worker dead after panic: %v", err)
	}
}

func TestQueue_SingleWriterAtATime(t *testing.T) {
	q := NewQueue(16)
	defer q.Close()

	var inFlight, maxInFlight int32
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Do(context.Background(), "write", func() error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("expected at most 1 task in flight, saw %d", maxInFlight)
	}
}

func TestQueue_ContextCancelledBeforeAccept(t *testing.T) {
	q := NewQueue(1)
	defer q.Close()

	// Occupy the worker and fill the buffer.
	block := make(chan struct{})
	go q.Do(context.Background(), "blocker", func() error { <-block; return nil })
	time.Sleep(10 * time.Millisecond)
	go q.Do(context.Background(), "buffered", func() error { return nil })
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Do(ctx, "cancelled", func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(block)
}
