package scheduler

import "sync"

// workItem is a PENDING byte range awaiting assignment to a worker.
type workItem struct {
	offset   int64
	length   int64
	attempts int
}

// queue is the shared work queue of PENDING chunks. A popped item counts
// as "in flight" until finish is called, whether that's because the chunk
// landed, failed fatally, or was pushed back onto the queue for a retry —
// this keeps popBlocking from declaring the fetch done while a retry is
// still in transit between release and re-push.
type queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []workItem
	inFlight int
}

func newQueue(initial workItem) *queue {
	q := &queue{items: []workItem{initial}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// pushFront re-enqueues item at the head of the queue, e.g. after a
// retryable failure, so it is the next thing picked up.
func (q *queue) pushFront(item workItem) {
	q.mu.Lock()
	q.items = append([]workItem{item}, q.items...)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// len returns the count of PENDING (not in-flight) items.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// popBlocking waits for a PENDING item to become available and returns it
// with inFlight incremented, or returns ok=false once the queue is
// permanently empty (no items and nothing in flight that could re-enqueue).
func (q *queue) popBlocking() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.inFlight == 0 {
			return workItem{}, false
		}
		q.cond.Wait()
	}
	item := q.items[0]
	q.items = q.items[1:]
	q.inFlight++
	return item, true
}

// finish marks one in-flight item as resolved, whether by landing,
// fatal failure, or re-enqueue.
func (q *queue) finish() {
	q.mu.Lock()
	q.inFlight--
	q.cond.Broadcast()
	q.mu.Unlock()
}

// wake forces every blocked popBlocking call to re-check its condition;
// used on cancellation so they observe ctx.Done() instead of hanging.
func (q *queue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}
