package harvester

import (
	"container/heap"
	"strings"
	"sync"
	"time"
)

type task struct {
	priority int
	enqueued time.Time
	keyword  string
}

// taskHeap is a min-heap: lowest priority number first, then FIFO.
type taskHeap []task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].enqueued.Before(h[j].enqueued)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// Queue is the harvest task queue. Each keyword is accepted once per
// process; manual seeds use priority 1, probe discoveries priority 5.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  taskHeap
	seen   map[string]struct{}
	closed bool
}

func NewQueue() *Queue {
	q := &Queue{seen: map[string]struct{}{}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a keyword unless it is empty, already seen this process,
// or the queue is closed. Returns whether the task was accepted.
func (q *Queue) Enqueue(keyword string, priority int) bool {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, dup := q.seen[keyword]; dup {
		return false
	}

	q.seen[keyword] = struct{}{}
	heap.Push(&q.tasks, task{priority: priority, enqueued: time.Now(), keyword: keyword})
	q.cond.Signal()
	return true
}

// Next blocks until a task is available or the queue is closed and
// drained. The second return is false only on shutdown.
func (q *Queue) Next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tasks) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.tasks) == 0 {
		return "", false
	}

	t := heap.Pop(&q.tasks).(task)
	return t.keyword, true
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close wakes every waiter; pending tasks drain before Next reports done.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
