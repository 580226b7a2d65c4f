package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkerd/multipass/proxy/route"
	logging "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultCapacity = 1000
	DefaultTimeout  = 5 * time.Second
)

// ErrOverloaded is returned when a backend's queue is full.
var ErrOverloaded = errors.New("service overloaded")

type (
	// Config bounds each backend's queue. Capacity limits the requests that
	// are waiting or in flight; MaxInFlight limits those being dispatched
	// and defaults to Capacity, so by default nothing waits.
	Config struct {
		Capacity    int
		Timeout     time.Duration
		MaxInFlight int
	}

	// FailFastError is returned when a request waited longer than the
	// queue timeout without being admitted.
	FailFastError struct {
		Name    route.Name
		Timeout time.Duration
	}

	// Queue admits requests for a single backend.
	Queue struct {
		name        route.Name
		capacity    int64
		timeout     time.Duration
		outstanding atomic.Int64
		inFlight    *semaphore.Weighted

		metrics queueMetrics
		log     *logging.Entry
	}

	// Ticket is an admitted request's slot. Release must be called exactly
	// once the request completes or fails; further calls are no-ops.
	Ticket struct {
		queue *Queue
		once  sync.Once
	}

	// Queues holds one Queue per backend, created on first use.
	Queues struct {
		config Config

		mu     sync.Mutex
		queues map[route.Name]*Queue

		log *logging.Entry
	}
)

func (e FailFastError) Error() string {
	return fmt.Sprintf("service %s did not admit the request within %s", e.Name, e.Timeout)
}

// WithDefaults fills in unset fields.
func (c Config) WithDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxInFlight <= 0 || c.MaxInFlight > c.Capacity {
		c.MaxInFlight = c.Capacity
	}
	return c
}

// NewQueue creates a queue for name.
func NewQueue(name route.Name, config Config, log *logging.Entry) *Queue {
	config = config.WithDefaults()
	return &Queue{
		name:     name,
		capacity: int64(config.Capacity),
		timeout:  config.Timeout,
		inFlight: semaphore.NewWeighted(int64(config.MaxInFlight)),
		metrics:  queueVecs.newQueueMetrics(name.String()),
		log:      log.WithFields(logging.Fields{"component": "admission", "backend": name}),
	}
}

// Enqueue waits for an in-flight slot. It fails immediately with
// ErrOverloaded when the queue is at capacity, and with FailFastError when
// no slot frees up within the timeout. Waiters are admitted in arrival
// order.
func (q *Queue) Enqueue(ctx context.Context) (*Ticket, error) {
	for {
		n := q.outstanding.Load()
		if n >= q.capacity {
			q.metrics.overloaded.Inc()
			q.log.Debugf("rejecting request: %d outstanding", n)
			return nil, ErrOverloaded
		}
		if q.outstanding.CompareAndSwap(n, n+1) {
			q.metrics.outstanding.Inc()
			break
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	start := time.Now()
	if err := q.inFlight.Acquire(waitCtx, 1); err != nil {
		q.outstanding.Add(-1)
		q.metrics.outstanding.Dec()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.metrics.failFast.Inc()
		q.log.Debugf("request not admitted after %s", time.Since(start))
		return nil, FailFastError{Name: q.name, Timeout: q.timeout}
	}

	q.metrics.inFlight.Inc()
	q.metrics.wait.Observe(time.Since(start).Seconds())
	return &Ticket{queue: q}, nil
}

// Outstanding returns the number of requests waiting or in flight.
func (q *Queue) Outstanding() int64 {
	return q.outstanding.Load()
}

// Release frees the ticket's slot.
func (t *Ticket) Release() {
	t.once.Do(func() {
		q := t.queue
		q.inFlight.Release(1)
		q.outstanding.Add(-1)
		q.metrics.inFlight.Dec()
		q.metrics.outstanding.Dec()
	})
}

// NewQueues creates an empty set of queues sharing one config.
func NewQueues(config Config, log *logging.Entry) *Queues {
	return &Queues{
		config: config.WithDefaults(),
		queues: make(map[route.Name]*Queue),
		log:    log,
	}
}

// Enqueue admits a request to name's queue.
func (qs *Queues) Enqueue(ctx context.Context, name route.Name) (*Ticket, error) {
	return qs.Queue(name).Enqueue(ctx)
}

// Queue returns name's queue, creating it if needed. Queues never share
// state, so a full backend does not affect any other.
func (qs *Queues) Queue(name route.Name) *Queue {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q, ok := qs.queues[name]
	if !ok {
		q = NewQueue(name, qs.config, qs.log)
		qs.queues[name] = q
	}
	return q
}

// Config returns the effective queue configuration.
func (qs *Queues) Config() Config {
	return qs.config
}
