package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

/*
	A bounded single-writer, single-reader queue.
	Once the queue is full the policy decides whether the oldest
	queued item or the incoming one is discarded, or whether the
	writer waits for the reader to make room.
	Readers block waiting for writes.

	After Close, readers drain what is left and then get io.EOF.
*/

type DropPolicy int

const (
	// DropOldest evicts the head of the queue to make room. Keeps latency low.
	DropOldest DropPolicy = iota
	// DropNewest discards the incoming item. Keeps the queued history intact.
	DropNewest
	// Block makes the writer wait for room. Nothing is discarded.
	Block
)

func (p DropPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop-newest"
	case Block:
		return "block"
	}
	return "drop-oldest"
}

func ParseDropPolicy(s string) (DropPolicy, error) {
	switch s {
	case "", "drop-oldest", "oldest":
		return DropOldest, nil
	case "drop-newest", "newest":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return DropOldest, fmt.Errorf("unknown drop policy %q", s)
}

type QueueConfig[T any] struct {
	// Maximum number of queued items
	Capacity int

	Policy DropPolicy

	// Called with every item discarded by the drop policy, outside the lock.
	OnDrop func(T)
}

type Queue[T any] struct {

	// the items, used as a ring
	items []T

	// position of the oldest item
	head int

	// number of queued items
	n int

	// items discarded by the drop policy
	dropped uint64

	// whether the queue is accepting writes
	closed bool

	policy DropPolicy
	onDrop func(T)

	// all accesses must be protected
	mu   *sync.Mutex
	cond *sync.Cond
}

func NewQueue[T any](config *QueueConfig[T]) (*Queue[T], error) {
	if config.Capacity <= 0 {
		return nil, errors.New("queue: Capacity must be more than zero")
	}
	mu := &sync.Mutex{}
	return &Queue[T]{
		items:  make([]T, config.Capacity),
		policy: config.Policy,
		onDrop: config.OnDrop,
		mu:     mu,
		cond:   sync.NewCond(mu),
	}, nil
}

// Push enqueues item. It reports whether an item was discarded to honor the
// capacity. With the Block policy it waits for room instead, until ctx ends.
// On a closed queue, or when ctx ends first, item stays with the caller.
func (q *Queue[T]) Push(ctx context.Context, item T) (bool, error) {
	if q.policy == Block {
		stop := context.AfterFunc(ctx, func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			q.cond.Broadcast()
		})
		defer stop()
	}

	q.mu.Lock()
	for q.policy == Block && q.n == len(q.items) && !q.closed {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return false, err
		}
		q.cond.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return false, io.EOF
	}
	var (
		victim  T
		dropped bool
	)
	if q.n == len(q.items) {
		dropped = true
		q.dropped++
		if q.policy == DropNewest {
			victim = item
		} else {
			victim = q.items[q.head]
			q.items[q.head] = item
			q.head = (q.head + 1) % len(q.items)
		}
	} else {
		q.items[(q.head+q.n)%len(q.items)] = item
		q.n++
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop(victim)
	}
	return dropped, nil
}

// Pop dequeues the oldest item, waiting for one if necessary.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	// wake the reader if ctx ends while waiting
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.n == 0 {
		if q.closed {
			return zero, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.cond.Wait()
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.n--
	// room for a waiting writer
	q.cond.Broadcast()
	return item, nil
}

// Close stops accepting writes. Queued items stay readable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Drain removes and returns every queued item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	out := make([]T, 0, q.n)
	for q.n > 0 {
		out = append(out, q.items[q.head])
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.n--
	}
	q.cond.Broadcast()
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *Queue[T]) Cap() int {
	return len(q.items)
}

func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
