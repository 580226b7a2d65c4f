package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-test/deep"
	logging "github.com/sirupsen/logrus"
)

func testQueue(t *testing.T, config Config) *Queue {
	return NewQueue("printer.local.", config, logging.WithField("test", t.Name()))
}

func waitForOutstanding(t *testing.T, q *Queue, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for q.Outstanding() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d outstanding requests, got %d", n, q.Outstanding())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	for _, tt := range []struct {
		name     string
		config   Config
		expected Config
	}{
		{
			name:     "empty",
			config:   Config{},
			expected: Config{Capacity: 1000, Timeout: 5 * time.Second, MaxInFlight: 1000},
		},
		{
			name:     "in-flight defaults to capacity",
			config:   Config{Capacity: 10},
			expected: Config{Capacity: 10, Timeout: 5 * time.Second, MaxInFlight: 10},
		},
		{
			name:     "in-flight bounded by capacity",
			config:   Config{Capacity: 10, MaxInFlight: 20},
			expected: Config{Capacity: 10, Timeout: 5 * time.Second, MaxInFlight: 10},
		},
		{
			name:     "explicit",
			config:   Config{Capacity: 50, Timeout: time.Second, MaxInFlight: 5},
			expected: Config{Capacity: 50, Timeout: time.Second, MaxInFlight: 5},
		},
	} {
		tt := tt // pin
		t.Run(tt.name, func(t *testing.T) {
			if diff := deep.Equal(tt.config.WithDefaults(), tt.expected); diff != nil {
				t.Fatalf("%v", diff)
			}
		})
	}
}

func TestQueueFailsFastAfterTimeout(t *testing.T) {
	q := testQueue(t, Config{Capacity: 4, MaxInFlight: 2, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx); err != nil {
			t.Fatalf("Unexpected error admitting request %d: %s", i, err)
		}
	}

	start := time.Now()
	_, err := q.Enqueue(ctx)
	var failFast FailFastError
	if !errors.As(err, &failFast) {
		t.Fatalf("Expected FailFastError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Expected to wait for the timeout, returned after %s", elapsed)
	}
	if q.Outstanding() != 2 {
		t.Fatalf("Expected the timed out request to give up its slot, %d outstanding", q.Outstanding())
	}
}

func TestQueueOverloaded(t *testing.T) {
	q := testQueue(t, Config{Capacity: 2, MaxInFlight: 1, Timeout: 5 * time.Second})
	ctx := context.Background()

	first, err := q.Enqueue(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	admitted := make(chan *Ticket)
	go func() {
		ticket, err := q.Enqueue(ctx)
		if err != nil {
			t.Errorf("Unexpected error for waiting request: %s", err)
		}
		admitted <- ticket
	}()
	waitForOutstanding(t, q, 2)

	start := time.Now()
	if _, err := q.Enqueue(ctx); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Expected ErrOverloaded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Expected an overloaded queue to fail immediately, took %s", elapsed)
	}

	first.Release()
	second := <-admitted
	if second == nil {
		t.Fatal("Expected the waiting request to be admitted")
	}
	second.Release()
	if q.Outstanding() != 0 {
		t.Fatalf("Expected an empty queue, %d outstanding", q.Outstanding())
	}
}

func TestQueueDefaultsAdmitUpToCapacity(t *testing.T) {
	q := testQueue(t, Config{})
	ctx := context.Background()

	tickets := make([]*Ticket, 0, DefaultCapacity)
	for i := 0; i < DefaultCapacity; i++ {
		ticket, err := q.Enqueue(ctx)
		if err != nil {
			t.Fatalf("Expected request %d to be admitted, got %s", i, err)
		}
		tickets = append(tickets, ticket)
	}
	if _, err := q.Enqueue(ctx); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Expected ErrOverloaded beyond capacity, got %v", err)
	}

	for _, ticket := range tickets {
		ticket.Release()
	}
	if q.Outstanding() != 0 {
		t.Fatalf("Expected an empty queue, %d outstanding", q.Outstanding())
	}
}

func TestTicketReleaseIsIdempotent(t *testing.T) {
	q := testQueue(t, Config{Capacity: 2, MaxInFlight: 1})
	ticket, err := q.Enqueue(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	ticket.Release()
	ticket.Release()
	if q.Outstanding() != 0 {
		t.Fatalf("Expected 0 outstanding, got %d", q.Outstanding())
	}
}

func TestQueueAdmitsInArrivalOrder(t *testing.T) {
	q := testQueue(t, Config{Capacity: 10, MaxInFlight: 1, Timeout: 5 * time.Second})
	ctx := context.Background()

	holder, err := q.Enqueue(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			ticket, err := q.Enqueue(ctx)
			if err != nil {
				t.Errorf("Unexpected error for waiter %d: %s", i, err)
				return
			}
			order <- i
			ticket.Release()
		}()
		waitForOutstanding(t, q, int64(i+2))
		// Give the waiter time to block on the semaphore.
		time.Sleep(20 * time.Millisecond)
	}

	holder.Release()
	for expected := 0; expected < 3; expected++ {
		if actual := <-order; actual != expected {
			t.Fatalf("Expected waiter %d to be admitted next, got %d", expected, actual)
		}
	}
}

func TestQueueCallerCanceled(t *testing.T) {
	q := testQueue(t, Config{Capacity: 2, MaxInFlight: 1, Timeout: 5 * time.Second})
	if _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Enqueue(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if errors.As(err, &FailFastError{}) {
		t.Fatal("Expected a canceled caller not to be reported as fail-fast")
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	qs := NewQueues(Config{Capacity: 1, MaxInFlight: 1, Timeout: 10 * time.Millisecond}, logging.WithField("test", t.Name()))
	ctx := context.Background()

	if _, err := qs.Enqueue(ctx, "printer.local."); err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if _, err := qs.Enqueue(ctx, "printer.local."); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Expected printer to be overloaded, got %v", err)
	}
	ticket, err := qs.Enqueue(ctx, "nas.local.")
	if err != nil {
		t.Fatalf("Expected nas to be unaffected by printer, got %s", err)
	}
	ticket.Release()

	if qs.Queue("printer.local.") != qs.Queue("printer.local.") {
		t.Fatal("Expected one queue per backend")
	}
}
