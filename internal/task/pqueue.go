// ABOUTME: Priority queue ordering ready tasks by numeric priority, FIFO among equals.
// ABOUTME: DequeueNext returns nil on empty; it never panics.

package task

import "container/heap"

// PriorityQueue orders tasks strictly by NumericPriority descending, with
// ties broken by insertion order so assignment is deterministic.
type PriorityQueue struct {
	items *taskHeap
	seq   uint64
}

// NewPriorityQueue creates an empty queue.
func NewPriorityQueue() *PriorityQueue {
	h := &taskHeap{}
	heap.Init(h)
	return &PriorityQueue{items: h}
}

// Enqueue inserts a task.
func (q *PriorityQueue) Enqueue(t *Task) {
	q.seq++
	heap.Push(q.items, &queued{task: t, seq: q.seq})
}

// DequeueNext removes and returns the highest-priority task, or nil when the
// queue is empty.
func (q *PriorityQueue) DequeueNext() *Task {
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(q.items).(*queued).task
}

// Peek returns the highest-priority task without removing it, or nil.
func (q *PriorityQueue) Peek() *Task {
	if q.items.Len() == 0 {
		return nil
	}
	return (*q.items)[0].task
}

// Remove deletes the task with the given id. Returns true if it was present.
func (q *PriorityQueue) Remove(id string) bool {
	for i, item := range *q.items {
		if item.task.ID == id {
			heap.Remove(q.items, i)
			return true
		}
	}
	return false
}

// Size returns the number of queued tasks.
func (q *PriorityQueue) Size() int { return q.items.Len() }

// IsEmpty reports whether the queue holds no tasks.
func (q *PriorityQueue) IsEmpty() bool { return q.items.Len() == 0 }

// Drain removes and returns all tasks in priority order.
func (q *PriorityQueue) Drain() []*Task {
	out := make([]*Task, 0, q.Size())
	for {
		t := q.DequeueNext()
		if t == nil {
			return out
		}
		out = append(out, t)
	}
}

type queued struct {
	task *Task
	seq  uint64
}

type taskHeap []*queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.NumericPriority != h[j].task.NumericPriority {
		return h[i].task.NumericPriority > h[j].task.NumericPriority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
