// Package lockqueue implements the per-key FIFO waiting-list engine that
// backs the coordination service: one queue per key, a replaceable one-shot
// notifier for edge-triggered wakeups, and TTL-based eviction of stuck
// holders.
package lockqueue

import "time"

// entry is a single queued session.
type entry struct {
	session    string
	enqueuedAt time.Time
}

// fileQueue holds the FIFO waiting list for a single key. The head of
// waiters is the current holder. Callers must hold the owning Store's
// per-key exclusion (keyState.mu in store.go) for every method below.
type fileQueue struct {
	waiters  []entry
	notifier chan struct{}
}

func newFileQueue() *fileQueue {
	return &fileQueue{notifier: make(chan struct{})}
}

// position returns the 1-indexed position of session, or 0 if absent.
func (q *fileQueue) position(session string) int {
	for i, e := range q.waiters {
		if e.session == session {
			return i + 1
		}
	}
	return 0
}

// enqueue appends session to the tail. Callers must ensure it is not
// already present.
func (q *fileQueue) enqueue(session string, now time.Time) {
	q.waiters = append(q.waiters, entry{session: session, enqueuedAt: now})
}

// dequeue removes the head. If a new head exists its enqueuedAt is
// rewritten to now, marking the instant it became holder.
func (q *fileQueue) dequeue(now time.Time) {
	if len(q.waiters) == 0 {
		return
	}
	q.waiters = q.waiters[1:]
	if len(q.waiters) > 0 {
		q.waiters[0].enqueuedAt = now
	}
}

// removeWaiter drops a non-head entry matching session. The head is never
// removed by this path; callers wanting to release the head use dequeue.
func (q *fileQueue) removeWaiter(session string) bool {
	for i := 1; i < len(q.waiters); i++ {
		if q.waiters[i].session == session {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *fileQueue) count() int {
	return len(q.waiters)
}

func (q *fileQueue) holder() (string, bool) {
	if len(q.waiters) == 0 {
		return "", false
	}
	return q.waiters[0].session, true
}

func (q *fileQueue) acquiredAt() (time.Time, bool) {
	if len(q.waiters) == 0 {
		return time.Time{}, false
	}
	return q.waiters[0].enqueuedAt, true
}

// waiterSessions returns the sessions after the head, in FIFO order.
func (q *fileQueue) waiterSessions() []string {
	if len(q.waiters) <= 1 {
		return nil
	}
	out := make([]string, 0, len(q.waiters)-1)
	for _, e := range q.waiters[1:] {
		out = append(out, e.session)
	}
	return out
}

// notifyAll replaces the current notifier with a fresh one and closes the
// old one, waking every goroutine that captured it.
func (q *fileQueue) notifyAll() {
	old := q.notifier
	q.notifier = make(chan struct{})
	close(old)
}

// getNotifier returns the channel that will be closed on the next
// notifyAll. Must be captured under the same exclusion as the position read
// it follows.
func (q *fileQueue) getNotifier() <-chan struct{} {
	return q.notifier
}
