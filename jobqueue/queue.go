package jobqueue

import (
	"container/heap"
	"time"
)

// fifoQueue is the immediate queue for one priority. Best-effort FIFO:
// promoted delayed jobs join the back, the same as fresh enqueues.
type fifoQueue struct {
	jobs []*Job
}

func (q *fifoQueue) push(job *Job) {
	q.jobs = append(q.jobs, job)
}

// pop removes and returns the oldest job, or nil when empty.
func (q *fifoQueue) pop() *Job {
	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs[0] = nil // release reference
	q.jobs = q.jobs[1:]
	return job
}

func (q *fifoQueue) len() int { return len(q.jobs) }

// delayedQueue is a min-heap of jobs keyed by ScheduledAt, one per priority.
type delayedQueue struct {
	heap delayedHeap
}

func newDelayedQueue() *delayedQueue {
	dq := &delayedQueue{}
	heap.Init(&dq.heap)
	return dq
}

func (q *delayedQueue) push(job *Job) {
	heap.Push(&q.heap, job)
}

// popDue removes and returns every job whose ScheduledAt is at or before now.
func (q *delayedQueue) popDue(now time.Time) []*Job {
	var due []*Job
	for q.heap.Len() > 0 && !q.heap[0].ScheduledAt.After(now) {
		due = append(due, heap.Pop(&q.heap).(*Job))
	}
	return due
}

func (q *delayedQueue) len() int { return q.heap.Len() }

func (q *delayedQueue) jobs() []*Job {
	out := make([]*Job, len(q.heap))
	copy(out, q.heap)
	return out
}

// delayedHeap implements heap.Interface ordered by ScheduledAt ascending.
type delayedHeap []*Job

func (h delayedHeap) Len() int            { return len(h) }
func (h delayedHeap) Less(i, j int) bool  { return h[i].ScheduledAt.Before(h[j].ScheduledAt) }
func (h delayedHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }

func (h *delayedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}
