package engine

import (
	"time"

	"github.com/cabewaldrop/neisandb/internal/logging"
)

// internalFlush implements spec.md 4.7: no-op if last_flushed_lsn already
// covers lsn; otherwise take the flusher lock, ensure the file exists,
// write the current page to its LSN-derived slot, and advance the
// watermark and known file size.
//
// The current page is read and encoded while holding stateGuard's read
// lock for the whole operation (not just to snapshot the pointer): the
// debounced auto-flush timer calls this without holding the writer lock,
// so a mutation could otherwise be appending to the very same PageTree
// while it is being encoded for disk.
func (c *Collection) internalFlush(lsn int64) error {
	if lsn < 0 {
		return nil
	}
	_, lastFlushed, _ := c.state.snapshotFlush()
	if lastFlushed >= lsn {
		return nil
	}

	start := time.Now()
	c.coord.LockFlusher()
	defer c.coord.UnlockFlusher()

	if err := c.file.EnsureExists(); err != nil {
		return err
	}

	position := c.pagePosition(uint64(lsn))
	c.state.mu.RLock()
	writeErr := c.file.WritePage(position, c.state.currentPage)
	c.state.mu.RUnlock()
	if writeErr != nil {
		return writeErr
	}

	newSize := position + int64(c.pageSize)
	c.state.markFlushed(lsn, newSize)
	if c.logger != nil {
		c.logger.Flush(logging.OperationID(), c.name, newSize, time.Since(start))
	}
	return nil
}

// Flush cancels any pending debounced flush and durably writes the
// current page up through max_lsn, matching spec.md 4.7's Flush().
func (c *Collection) Flush() error {
	c.timer.cancel()
	maxLSN := c.state.snapshotMaxLSN()
	return c.internalFlush(maxLSN)
}

// armDebounce (re)arms the 30-second (or configured) debounced auto-flush
// timer. Called after every mutation whose page did not just rotate.
func (c *Collection) armDebounce() {
	c.timer.rearm(c.debounce, func() {
		maxLSN := c.state.snapshotMaxLSN()
		_ = c.internalFlush(maxLSN)
	})
}
