package engine

import (
	"sync"
	"time"

	"github.com/cabewaldrop/neisandb/internal/storage"
)

// stateGuard holds every piece of spec.md 3's "Collection state" table
// except cache (guarded separately by cacheGuard, since cache mutation
// happens from reader code that only needs a brief, independent critical
// section) behind one RWMutex.
//
// EDUCATIONAL NOTE:
// -----------------
// spec.md's cooperative-scheduling model lets it assume "only one
// cooperative task runs at a time" as an argument for safety. Go
// goroutines are real, preemptible, and can run on separate cores, so the
// same guarantee here comes from an explicit RWMutex: writers (already
// serialized one-at-a-time by Coordinator's writer lock) take a write
// lock for the brief moment they mutate currentPage or the counters;
// concurrent readers take a read lock for the duration of their walk over
// currentPage, since PageTree's internal slice is not itself safe for
// concurrent read-during-append.
type stateGuard struct {
	mu sync.RWMutex

	currentPage    *storage.PageTree
	maxID          uint32
	hasID          bool
	maxLSN         int64
	lastFlushedLSN int64
	fileSize       int64
}

func (s *stateGuard) init(tree *storage.PageTree, maxLSN, lastFlushedLSN, fileSize int64) {
	s.currentPage = tree
	s.maxLSN = maxLSN
	s.lastFlushedLSN = lastFlushedLSN
	s.fileSize = fileSize
}

func (s *stateGuard) initRecovered(tree *storage.PageTree, maxID uint32, hasID bool, maxLSN, lastFlushedLSN, fileSize int64) {
	s.currentPage = tree
	s.maxID = maxID
	s.hasID = hasID
	s.maxLSN = maxLSN
	s.lastFlushedLSN = lastFlushedLSN
	s.fileSize = fileSize
}

// readCurrent runs fn with the current page and a max-LSN snapshot held
// under a read lock, implementing the "snapshot L = max_lsn at entry"
// rule every read operation in spec.md 4.6 follows.
func (s *stateGuard) readCurrent(fn func(tree *storage.PageTree, maxLSN int64)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.currentPage, s.maxLSN)
}

func (s *stateGuard) snapshotMaxLSN() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxLSN
}

func (s *stateGuard) snapshotMaxID() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxID, s.hasID
}

func (s *stateGuard) snapshotFlush() (maxLSN, lastFlushedLSN, fileSize int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxLSN, s.lastFlushedLSN, s.fileSize
}

func (s *stateGuard) currentSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentPage.Size()
}

// allocateInsert allocates a new LSN and a new ID, stores value under the
// resulting key in the current page, and returns both.
func (s *stateGuard) allocateInsert(value storage.Value) (id uint32, lsn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxLSN++
	lsn = uint64(s.maxLSN)
	if s.hasID {
		s.maxID++
	}
	s.hasID = true
	id = s.maxID

	s.currentPage.Set(storage.Key{ID: id, LSN: lsn}, value)
	return id, lsn
}

// allocateVersion allocates a new LSN for an existing id (update or
// delete) and stores value under the resulting key.
func (s *stateGuard) allocateVersion(id uint32, value storage.Value) (lsn uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxLSN++
	lsn = uint64(s.maxLSN)
	s.currentPage.Set(storage.Key{ID: id, LSN: lsn}, value)
	return lsn
}

// rotate swaps in a fresh current page (bounded at treeSize) and returns
// the outgoing page for the caller to flush and/or cache.
func (s *stateGuard) rotate(treeSize int) *storage.PageTree {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.currentPage
	s.currentPage = storage.NewPageTree(treeSize)
	return old
}

// markFlushed records that everything up to lsn is now durable and that
// the file is at least newFileSize bytes long.
func (s *stateGuard) markFlushed(lsn, newFileSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lsn > s.lastFlushedLSN {
		s.lastFlushedLSN = lsn
	}
	if newFileSize > s.fileSize {
		s.fileSize = newFileSize
	}
}

// cacheGuard wraps storage.PageCache with a dedicated mutex so concurrent
// readers admitted by Coordinator's semaphore can safely share it.
type cacheGuard struct {
	mu    sync.Mutex
	cache *storage.PageCache
}

func newCacheGuard(capacity int) *cacheGuard {
	return &cacheGuard{cache: storage.NewPageCache(capacity)}
}

func (g *cacheGuard) get(position int64) (*storage.PageTree, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Get(position)
}

func (g *cacheGuard) put(position int64, tree *storage.PageTree) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Put(position, tree)
}

func (g *cacheGuard) positions() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Positions()
}

// timerGuard manages the single debounced auto-flush timer a collection
// keeps armed. spec.md 4.5 requires re-arming to replace, not stack, the
// pending timer, and rotation/explicit flush to cancel it outright.
type timerGuard struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (t *timerGuard) rearm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, fn)
}

func (t *timerGuard) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
