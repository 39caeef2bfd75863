// Package memory provides in-process queues shared by the scheduler, the
// workers and the notification dispatcher.
package memory

import (
	"sync"

	"github.com/JakeFAU/changewatch/internal/watch"
)

// WorkQueue is an unbounded FIFO of watch IDs. An ID stays a member from Push
// until Done, so a dequeued item that has not been claimed yet is still
// reported by Contains and cannot be pushed twice.
type WorkQueue struct {
	mu      sync.Mutex
	items   []string
	members map[string]struct{}
}

var _ watch.WorkQueue = (*WorkQueue)(nil)

// NewWorkQueue constructs an empty work queue.
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{members: make(map[string]struct{})}
}

// Push appends id unless it is already a member. It reports whether id was added.
func (q *WorkQueue) Push(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.members[id]; ok {
		return false
	}
	q.members[id] = struct{}{}
	q.items = append(q.items, id)
	return true
}

// TryDequeue pops the oldest ID without blocking.
func (q *WorkQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return id, true
}

// Contains reports whether id is waiting or dequeued but not yet done.
func (q *WorkQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.members[id]
	return ok
}

// Done releases membership for id so it can be queued again.
func (q *WorkQueue) Done(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.members, id)
}

// Len returns the number of IDs waiting to be dequeued.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NotificationQueue is an unbounded FIFO of notification jobs.
type NotificationQueue struct {
	mu   sync.Mutex
	jobs []watch.NotificationJob
}

var _ watch.NotificationQueue = (*NotificationQueue)(nil)

// NewNotificationQueue constructs an empty notification queue.
func NewNotificationQueue() *NotificationQueue {
	return &NotificationQueue{}
}

// Push appends job.
func (q *NotificationQueue) Push(job watch.NotificationJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
}

// TryPop removes the oldest job without blocking.
func (q *NotificationQueue) TryPop() (watch.NotificationJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return watch.NotificationJob{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = watch.NotificationJob{}
	q.jobs = q.jobs[1:]
	return job, true
}

// Len returns the number of pending jobs.
func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
