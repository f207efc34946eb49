// Package taskqueue implements C5: a per-client_id FIFO of received but
// undelivered tasks, each with its own pending-deadline timer (§4.5).
package taskqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/lineageos/carservice-remotetaskd/internal/types"
)

// ExpireFunc is called (on the caller's event loop, via post) when a
// task's pending deadline elapses before it was drained.
type ExpireFunc func(clientID types.ClientId, taskID types.TaskId)

// Queue is C5. All of a client's pushes preserve arrival order; Drain
// returns them in that order and cancels their timers.
type Queue struct {
	mu      sync.Mutex
	byClnt  map[types.ClientId]*list.List // of *entry
	post    func(func())
	onExpire ExpireFunc
}

type entry struct {
	task  types.Task
	timer *time.Timer
}

// New builds a Queue. post is the event-loop's posting function (§5):
// timers fire on their own goroutine and must re-enter the loop before
// touching queue state, matching the single-threaded ownership model.
func New(post func(func()), onExpire ExpireFunc) *Queue {
	return &Queue{
		byClnt:   make(map[types.ClientId]*list.List),
		post:     post,
		onExpire: onExpire,
	}
}

// Push enqueues task and arms its pending-deadline timer (§4.5).
func (q *Queue) Push(task types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.byClnt[task.ClientID]
	if !ok {
		l = list.New()
		q.byClnt[task.ClientID] = l
	}

	e := &entry{task: task}
	el := l.PushBack(e)

	wait := time.Until(task.PendingDeadline)
	if wait < 0 {
		wait = 0
	}
	e.timer = time.AfterFunc(wait, func() {
		q.post(func() { q.expire(task.ClientID, el) })
	})
}

// expire silently drops the task at el if it is still present (§4.10
// "Pending-task expiry: silently drop"). Must run on the event loop.
func (q *Queue) expire(clientID types.ClientId, el *list.Element) {
	q.mu.Lock()
	l, ok := q.byClnt[clientID]
	if !ok {
		q.mu.Unlock()
		return
	}
	e := el.Value.(*entry)
	l.Remove(el)
	if l.Len() == 0 {
		delete(q.byClnt, clientID)
	}
	q.mu.Unlock()

	if q.onExpire != nil {
		q.onExpire(clientID, e.task.TaskID)
	}
}

// Drain returns all pending tasks for clientID in arrival order and
// cancels their timers, emptying the queue for that client (§4.5).
func (q *Queue) Drain(clientID types.ClientId) []types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.byClnt[clientID]
	if !ok {
		return nil
	}
	delete(q.byClnt, clientID)

	out := make([]types.Task, 0, l.Len())
	for el := l.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		e.timer.Stop()
		out = append(out, e.task)
	}
	return out
}

// DropAll discards every pending task for clientID without delivering or
// acknowledging them (used when a client is unknown or the task max
// duration is not positive, §4.8 step 1-2).
func (q *Queue) DropAll(clientID types.ClientId) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.byClnt[clientID]
	if !ok {
		return
	}
	delete(q.byClnt, clientID)
	for el := l.Front(); el != nil; el = el.Next() {
		el.Value.(*entry).timer.Stop()
	}
}

// Len returns the number of pending tasks for clientID (test/debug use).
func (q *Queue) Len(clientID types.ClientId) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.byClnt[clientID]; ok {
		return l.Len()
	}
	return 0
}
