package queue

import "sync"

// fifo is an unbounded-by-default FIFO whose waiting jobs can be removed.
type fifo struct {
	mu     sync.Mutex
	items  []*Job
	max    int
	closed bool
	notify chan struct{}
}

func newFIFO(max int) *fifo {
	return &fifo{max: max, notify: make(chan struct{}, 1)}
}

func (q *fifo) push(j *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.max > 0 && len(q.items) >= q.max {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, j)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *fifo) pop() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	j := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return j, true
}

func (q *fifo) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.items {
		if j.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fifo) has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.items {
		if j.ID == id {
			return true
		}
	}
	return false
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close rejects further pushes and returns the jobs that never ran.
func (q *fifo) close() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	left := q.items
	q.items = nil
	return left
}
