package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultReaderPermits is the default number of readers admitted to a
// collection concurrently (spec.md 4.4/5).
const DefaultReaderPermits = 10

// Coordinator implements the three concurrency primitives spec.md 4.4
// requires of every collection: an exclusive writer lock, a bounded
// reader semaphore, and an exclusive flusher lock that readers and the
// writer can wait on without acquiring.
//
// EDUCATIONAL NOTE:
// -----------------
// spec.md's scheduling model is single-threaded cooperative multitasking:
// exactly one logical task runs at a time and only suspends at explicit
// await points. Go's runtime schedules real, preemptible goroutines across
// OS threads, so the same guarantees have to be won with real
// synchronization instead of assumed from the scheduler. Coordinator's
// writerMu and readerSem map directly onto spec.md's locks; golang.org/x/
// sync/semaphore.Weighted is the natural fit for "bounded reader
// admission" since the stdlib has no counting semaphore.
type Coordinator struct {
	writerMu  sync.Mutex
	readerSem *semaphore.Weighted
	flusherMu sync.Mutex
}

// NewCoordinator returns a Coordinator admitting at most readerPermits
// concurrent readers.
func NewCoordinator(readerPermits int64) *Coordinator {
	if readerPermits <= 0 {
		readerPermits = DefaultReaderPermits
	}
	return &Coordinator{readerSem: semaphore.NewWeighted(readerPermits)}
}

// LockWriter acquires the exclusive writer lock. Held for the entirety of
// Insert, FindOneAndUpdate, FindOneAndDelete, FindAndUpdate, and
// FindAndDelete.
func (c *Coordinator) LockWriter() {
	c.writerMu.Lock()
}

// UnlockWriter releases the writer lock.
func (c *Coordinator) UnlockWriter() {
	c.writerMu.Unlock()
}

// AcquireReader blocks until a reader permit is available or ctx is done.
func (c *Coordinator) AcquireReader(ctx context.Context) error {
	return c.readerSem.Acquire(ctx, 1)
}

// ReleaseReader returns a reader permit.
func (c *Coordinator) ReleaseReader() {
	c.readerSem.Release(1)
}

// LockFlusher acquires the exclusive flusher lock. Held only inside Flush.
func (c *Coordinator) LockFlusher() {
	c.flusherMu.Lock()
}

// UnlockFlusher releases the flusher lock.
func (c *Coordinator) UnlockFlusher() {
	c.flusherMu.Unlock()
}

// AwaitFlusherUnlocked blocks until no flush is in progress, then returns
// without holding the flusher lock. Every read path calls this before
// touching the file, so that a page is never observed mid-write.
func (c *Coordinator) AwaitFlusherUnlocked() {
	c.flusherMu.Lock()
	c.flusherMu.Unlock()
}
