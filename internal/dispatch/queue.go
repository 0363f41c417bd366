// Package dispatch drives campaign runs: a shared per-run work queue, a
// pool of delivery workers and a throttle controller that grows the pool
// on sustained success and backs off on provider rate limiting.
package dispatch

import (
	"sync"

	"github.com/lbeckman/mailrun/internal/model"
)

// Queue is the FIFO of delivery records still to be attempted for one
// run. Workers share a single queue; an empty queue is the pool's exit
// condition, so nothing blocks on Pop.
type Queue struct {
	mu    sync.Mutex
	items []model.DeliveryRecord
}

func NewQueue(items []model.DeliveryRecord) *Queue {
	q := &Queue{items: make([]model.DeliveryRecord, len(items))}
	copy(q.items, items)
	return q
}

func (q *Queue) Pop() (*model.DeliveryRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return &item, true
}

// Requeue puts an item back at the tail after a transient failure.
func (q *Queue) Requeue(item model.DeliveryRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Clear drops all remaining work and reports how much was dropped. Used
// by the error-budget circuit breaker to abort a failing run.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
