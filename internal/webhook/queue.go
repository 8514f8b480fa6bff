package webhook

import (
	"errors"
	"sync"
)

var ErrQueueFull = errors.New("notification queue is full")

// Queue is a bounded buffer of accepted notifications waiting to be
// applied. It also remembers the most recent accepted notifications for
// display.
type Queue struct {
	items chan Notification

	mu        sync.Mutex
	recent    []Notification
	recentCap int
}

func NewQueue(capacity, recentCap int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if recentCap <= 0 {
		recentCap = 50
	}
	return &Queue{items: make(chan Notification, capacity), recentCap: recentCap}
}

func (q *Queue) Enqueue(n Notification) error {
	select {
	case q.items <- n:
	default:
		return ErrQueueFull
	}
	q.mu.Lock()
	q.recent = append(q.recent, n)
	if over := len(q.recent) - q.recentCap; over > 0 {
		q.recent = append(q.recent[:0:0], q.recent[over:]...)
	}
	q.mu.Unlock()
	return nil
}

// DrainAll removes and returns everything currently queued, oldest first.
func (q *Queue) DrainAll() []Notification {
	var out []Notification
	for {
		select {
		case n := <-q.items:
			out = append(out, n)
		default:
			return out
		}
	}
}

func (q *Queue) Len() int {
	return len(q.items)
}

// Recent returns up to limit of the latest accepted notifications, newest
// first.
func (q *Queue) Recent(limit int) []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.recent) {
		limit = len(q.recent)
	}
	out := make([]Notification, 0, limit)
	for i := len(q.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.recent[i])
	}
	return out
}
