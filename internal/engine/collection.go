// Package engine implements the WriteCoordinator, MutationEngine,
// QueryEngine, and Flusher components of spec.md: everything a Collection
// needs above the leaf PageTree/PageFile/PageCache primitives in package
// storage.
package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cabewaldrop/neisandb/internal/codec"
	"github.com/cabewaldrop/neisandb/internal/logging"
	"github.com/cabewaldrop/neisandb/internal/offsetindex"
	"github.com/cabewaldrop/neisandb/internal/schema"
	"github.com/cabewaldrop/neisandb/internal/storage"
)

// noLSN is the sentinel invariant 1 of spec.md 3 describes: "-1 means
// never allocated/flushed". Go's LSNs are otherwise uint64, so the
// sentinel is tracked as a signed int64 wherever it might be -1.
const noLSN int64 = -1

// Options configures a Collection.
type Options struct {
	Name      string
	Directory string
	Schema    *schema.Schema

	// IDStart is the configured base (0 or 1) an LSN range starts from
	// when computing which page it belongs to.
	IDStart uint64

	TreeSize      int
	PageSize      int
	CacheCapacity int
	ReaderPermits int64
	FlushDebounce time.Duration

	Codec storage.Codec

	// Limiter is the database-wide concurrency limiter spec.md 5 requires
	// FindAndUpdate/FindAndMap's per-element work to be bounded by. A nil
	// Limiter runs each collection's fan-out unbounded within a single
	// collection (still serialized against other collections' work is the
	// caller's job when sharing one Limiter instance).
	Limiter *semaphore.Weighted

	// Logger, if set, receives rotation and flush lines.
	// A nil Logger disables logging entirely.
	Logger *logging.Logger
}

// DefaultOptions returns Options with every spec.md default filled in.
func DefaultOptions(name, directory string, sch *schema.Schema) Options {
	return Options{
		Name:          name,
		Directory:     directory,
		Schema:        sch,
		IDStart:       0,
		TreeSize:      storage.DefaultTreeSize,
		PageSize:      storage.DataPageSize,
		CacheCapacity: storage.DefaultCacheCapacity,
		ReaderPermits: DefaultReaderPermits,
		FlushDebounce: 30 * time.Second,
		Codec:         codec.New(),
	}
}

// Collection owns one .nsdb file and every piece of engine state that
// guards it (spec.md 3's "Collection state" table).
type Collection struct {
	name     string
	file     *storage.PageFile
	schema   *schema.Schema
	treeSize int
	pageSize int
	idStart  uint64
	debounce time.Duration

	coord   *Coordinator
	limiter *semaphore.Weighted

	state stateGuard

	cache *cacheGuard

	timer timerGuard

	codec storage.Codec

	// offsetIdx is the optional secondary index built by BuildOffsetIndex.
	// A nil offsetIdx means point lookups always fall back to the full
	// backward scan of on-disk pages.
	offsetIdx *offsetindex.Index

	logger *logging.Logger
}

// Name returns the collection's configured name.
func (c *Collection) Name() string {
	return c.name
}

// FilePath returns the on-disk path backing the collection.
func (c *Collection) FilePath() string {
	return c.file.Path()
}

// Open opens (creating if necessary) the collection file described by
// opts, replaying the last page on disk to seed engine state per spec.md
// 3's Lifecycle section.
func Open(opts Options) (*Collection, error) {
	if opts.TreeSize <= 0 {
		opts.TreeSize = storage.DefaultTreeSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = storage.DataPageSize
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = storage.DefaultCacheCapacity
	}
	if opts.ReaderPermits <= 0 {
		opts.ReaderPermits = DefaultReaderPermits
	}
	if opts.FlushDebounce <= 0 {
		opts.FlushDebounce = 30 * time.Second
	}
	if opts.Codec == nil {
		opts.Codec = codec.New()
	}
	if opts.Schema == nil {
		opts.Schema = schema.New(nil)
	}

	path := filepath.Join(opts.Directory, "data", opts.Name+".nsdb")
	file := storage.NewPageFile(path, opts.PageSize, opts.TreeSize, opts.Codec)

	c := &Collection{
		name:     opts.Name,
		file:     file,
		schema:   opts.Schema,
		treeSize: opts.TreeSize,
		pageSize: opts.PageSize,
		idStart:  opts.IDStart,
		debounce: opts.FlushDebounce,
		coord:    NewCoordinator(opts.ReaderPermits),
		cache:    newCacheGuard(opts.CacheCapacity),
		limiter:  opts.Limiter,
		codec:    opts.Codec,
		logger:   opts.Logger,
	}

	if err := c.recover(); err != nil {
		return nil, err
	}
	return c, nil
}

// recover implements spec.md 3's Lifecycle: read the last page (if any),
// seed max_id/max_lsn/last_flushed_lsn from it, and decide whether that
// page becomes the mutable current page or is left behind for a fresh one.
func (c *Collection) recover() error {
	size, err := c.file.Size()
	if err != nil {
		return err
	}

	if size == 0 {
		c.state.init(storage.NewPageTree(c.treeSize), noLSN, noLSN, 0)
		return nil
	}

	pageCount := size / int64(c.pageSize)
	if pageCount == 0 {
		return fmt.Errorf("engine: %s: file size %d is smaller than one page (%d)", c.name, size, c.pageSize)
	}
	lastPos := (pageCount - 1) * int64(c.pageSize)

	tree, found, err := c.file.ReadPage(lastPos)
	if err != nil {
		return fmt.Errorf("engine: recover %s: %w", c.name, err)
	}
	if !found {
		c.state.init(storage.NewPageTree(c.treeSize), noLSN, noLSN, size)
		return nil
	}

	var maxID uint32
	var hasID bool
	var maxLSN int64 = noLSN
	tree.All(func(k storage.Key, _ storage.Value) {
		if !hasID || k.ID > maxID {
			maxID = k.ID
			hasID = true
		}
		if int64(k.LSN) > maxLSN {
			maxLSN = int64(k.LSN)
		}
	})

	current := tree
	if tree.Size() >= c.treeSize {
		current = storage.NewPageTree(c.treeSize)
	}

	c.state.initRecovered(current, maxID, hasID, maxLSN, maxLSN, size)
	return nil
}

// Close performs the final flush spec.md 3 requires when a collection is
// destroyed.
func (c *Collection) Close() error {
	return c.Flush()
}

// Stats is a point-in-time snapshot of operational metadata about a
// collection, exposed for the admin server's read-only surface.
type Stats struct {
	Name           string
	MaxLSN         int64
	LastFlushedLSN int64
	FileSizeBytes  int64
}

// Stats returns a snapshot of the collection's current durability state.
func (c *Collection) Stats() Stats {
	maxLSN, lastFlushed, fileSize := c.state.snapshotFlush()
	return Stats{
		Name:           c.name,
		MaxLSN:         maxLSN,
		LastFlushedLSN: lastFlushed,
		FileSizeBytes:  fileSize,
	}
}

// pagePosition returns the byte offset of the page holding lsn.
func (c *Collection) pagePosition(lsn uint64) int64 {
	return storage.PagePosition(lsn, c.idStart, c.treeSize, c.pageSize)
}

// applyRotationProtocol implements spec.md 4.5's page rotation protocol,
// run after every mutation.
func (c *Collection) applyRotationProtocol() error {
	if c.state.currentSize() < c.treeSize {
		c.armDebounce()
		return nil
	}

	c.timer.cancel()
	maxLSN := c.state.snapshotMaxLSN()
	if err := c.internalFlush(maxLSN); err != nil {
		return err
	}
	position := c.pagePosition(uint64(maxLSN))
	old := c.state.rotate(c.treeSize)
	c.cache.put(position, old)
	if c.logger != nil {
		c.logger.Rotation(logging.OperationID(), c.name, old.Size())
	}
	return nil
}
