package lockqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/lockcoord/internal/clock"
)

// liveness bounds the internal backstop tick used by WaitForTurn to guard
// against a missed notification. It is not observable by callers.
const liveness = 5 * time.Second

// AcquireResult is returned by EnqueueOrAcquire.
type AcquireResult struct {
	Position    int
	QueueLength int
	Acquired    bool
}

// LockInfo describes a held key, as returned by GetHolder-adjacent views.
type LockInfo struct {
	Session    string
	File       string
	AcquiredAt time.Time
}

// QueueInfo describes the full state of a key's queue.
type QueueInfo struct {
	File        string
	Holder      string
	HasHolder   bool
	AcquiredAt  time.Time
	QueueLength int
	Waiters     []string
}

// keyState pairs a fileQueue with its own mutex so that operations on
// different keys never contend with one another.
type keyState struct {
	mu    sync.Mutex
	queue *fileQueue
}

// Store is the process-wide registry of per-key FIFO queues. It owns
// admission, release, session-wide release, introspection and TTL sweeping.
// The zero value is not usable; construct with NewStore.
type Store struct {
	clock         clock.Clock
	ttl           time.Duration
	sweepInterval time.Duration

	mu   sync.Mutex
	keys map[string]*keyState

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	acquireTotal  atomic.Int64
	releaseTotal  atomic.Int64
	evictionTotal atomic.Int64
}

// Stats snapshots the Store's cumulative event counters, for metrics
// exporters.
type Stats struct {
	AcquireTotal  int64
	ReleaseTotal  int64
	EvictionTotal int64
}

// Stats returns a snapshot of cumulative event counters.
func (s *Store) Stats() Stats {
	return Stats{
		AcquireTotal:  s.acquireTotal.Load(),
		ReleaseTotal:  s.releaseTotal.Load(),
		EvictionTotal: s.evictionTotal.Load(),
	}
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithClock overrides the Store's time source. Defaults to clock.Real{}.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithSweepInterval overrides the periodic TTL sweep interval. Defaults to
// the configured TTL.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// NewStore constructs a Store with the given TTL and starts its background
// sweeper. Callers must call Close to stop the sweeper.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		clock:  clock.Real{},
		ttl:    ttl,
		keys:   make(map[string]*keyState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = ttl
	}
	go s.runSweeper()
	return s
}

// Close stops the background sweeper. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

func (s *Store) runSweeper() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.clock.After(s.sweepInterval):
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	now := s.clock.Now()
	for _, key := range keys {
		s.evictIfExpired(key, now)
	}
}

// evictIfExpired removes an expired head from key's queue, if any, and
// drops the key entirely if that leaves it empty.
func (s *Store) evictIfExpired(key string, now time.Time) {
	s.mu.Lock()
	ks, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	ks.mu.Lock()
	if acquiredAt, held := ks.queue.acquiredAt(); held && now.Sub(acquiredAt) > s.ttl {
		ks.queue.dequeue(now)
		ks.queue.notifyAll()
		s.evictionTotal.Add(1)
	}
	empty := ks.queue.count() == 0
	ks.mu.Unlock()

	if empty {
		s.removeIfEmpty(key, ks)
	}
}

// getOrCreate returns the keyState for key, creating one if absent.
func (s *Store) getOrCreate(key string) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		ks = &keyState{queue: newFileQueue()}
		s.keys[key] = ks
	}
	return ks
}

// removeIfEmpty drops key from the map if its queue is still empty. Takes
// the queue lock itself to re-check under the map lock's protection.
func (s *Store) removeIfEmpty(key string, ks *keyState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.keys[key]
	if !ok || current != ks {
		return
	}
	ks.mu.Lock()
	empty := ks.queue.count() == 0
	ks.mu.Unlock()
	if empty {
		delete(s.keys, key)
	}
}

// EnqueueOrAcquire admits session into key's queue. If session already
// holds or is queued, it returns its current position unchanged. Otherwise
// it evicts an expired holder (if any) and enqueues session, granting
// immediate acquisition if the queue was empty.
func (s *Store) EnqueueOrAcquire(key, session string) AcquireResult {
	ks := s.getOrCreate(key)
	now := s.clock.Now()

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if pos := ks.queue.position(session); pos > 0 {
		return AcquireResult{Position: pos, QueueLength: ks.queue.count(), Acquired: pos == 1}
	}

	if acquiredAt, held := ks.queue.acquiredAt(); held && now.Sub(acquiredAt) > s.ttl {
		ks.queue.dequeue(now)
		ks.queue.notifyAll()
		s.evictionTotal.Add(1)
	}

	ks.queue.enqueue(session, now)
	pos := ks.queue.position(session)
	if pos == 1 {
		s.acquireTotal.Add(1)
	}
	return AcquireResult{Position: pos, QueueLength: ks.queue.count(), Acquired: pos == 1}
}

// TryRelease releases key if session currently holds it. Returns false if
// key is unknown or session is not the holder.
func (s *Store) TryRelease(key, session string) bool {
	s.mu.Lock()
	ks, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return false
	}

	ks.mu.Lock()
	holder, held := ks.queue.holder()
	if !held || holder != session {
		ks.mu.Unlock()
		return false
	}
	ks.queue.dequeue(s.clock.Now())
	ks.queue.notifyAll()
	s.releaseTotal.Add(1)
	empty := ks.queue.count() == 0
	ks.mu.Unlock()

	if empty {
		s.removeIfEmpty(key, ks)
	}
	return true
}

// ReleaseAll releases every key held by session and removes session from
// every queue it is merely waiting in. Returns the count of keys released
// (held, not merely dequeued from a wait position).
func (s *Store) ReleaseAll(session string) int {
	s.mu.Lock()
	keys := make(map[string]*keyState, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}
	s.mu.Unlock()

	now := s.clock.Now()
	released := 0
	for key, ks := range keys {
		ks.mu.Lock()
		holder, held := ks.queue.holder()
		switch {
		case held && holder == session:
			ks.queue.dequeue(now)
			ks.queue.notifyAll()
			s.releaseTotal.Add(1)
			released++
		default:
			ks.queue.removeWaiter(session)
		}
		empty := ks.queue.count() == 0
		ks.mu.Unlock()

		if empty {
			s.removeIfEmpty(key, ks)
		}
	}
	return released
}

// GetHolder returns the current holder of key, if any.
func (s *Store) GetHolder(key string) (string, bool) {
	s.mu.Lock()
	ks, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.queue.holder()
}

// GetQueueInfo snapshots the full state of key's queue.
func (s *Store) GetQueueInfo(key string) (QueueInfo, bool) {
	s.mu.Lock()
	ks, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return QueueInfo{}, false
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	holder, held := ks.queue.holder()
	acquiredAt, _ := ks.queue.acquiredAt()
	return QueueInfo{
		File:        key,
		Holder:      holder,
		HasHolder:   held,
		AcquiredAt:  acquiredAt,
		QueueLength: ks.queue.count(),
		Waiters:     ks.queue.waiterSessions(),
	}, true
}

// GetAllLocks returns one LockInfo per currently-held key.
func (s *Store) GetAllLocks() []LockInfo {
	s.mu.Lock()
	keys := make(map[string]*keyState, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}
	s.mu.Unlock()

	out := make([]LockInfo, 0, len(keys))
	for key, ks := range keys {
		ks.mu.Lock()
		holder, held := ks.queue.holder()
		acquiredAt, _ := ks.queue.acquiredAt()
		ks.mu.Unlock()
		if held {
			out = append(out, LockInfo{Session: holder, File: key, AcquiredAt: acquiredAt})
		}
	}
	return out
}

// GetAllQueues returns the full state of every currently tracked key.
func (s *Store) GetAllQueues() []QueueInfo {
	s.mu.Lock()
	keys := make(map[string]*keyState, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}
	s.mu.Unlock()

	out := make([]QueueInfo, 0, len(keys))
	for key, ks := range keys {
		ks.mu.Lock()
		holder, held := ks.queue.holder()
		acquiredAt, _ := ks.queue.acquiredAt()
		info := QueueInfo{
			File:        key,
			Holder:      holder,
			HasHolder:   held,
			AcquiredAt:  acquiredAt,
			QueueLength: ks.queue.count(),
			Waiters:     ks.queue.waiterSessions(),
		}
		ks.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// WaitForTurn blocks until session becomes the holder of key (true), or is
// no longer queued (false), or cancel fires (false).
func (s *Store) WaitForTurn(key, session string, cancel <-chan struct{}) bool {
	for {
		s.mu.Lock()
		ks, ok := s.keys[key]
		s.mu.Unlock()
		if !ok {
			return false
		}

		ks.mu.Lock()
		pos := ks.queue.position(session)
		if pos == 0 {
			ks.mu.Unlock()
			return false
		}
		if pos == 1 {
			ks.mu.Unlock()
			return true
		}
		notifier := ks.queue.getNotifier()
		ks.mu.Unlock()

		select {
		case <-cancel:
			return false
		case <-notifier:
		case <-s.clock.After(liveness):
		}
	}
}
