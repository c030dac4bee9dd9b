package engine

import (
	"context"
	"sync"

	"github.com/cabewaldrop/neisandb/internal/model"
	"github.com/cabewaldrop/neisandb/internal/storage"
)

// FindOne implements spec.md 4.6.1: an id-based search uses the O(1)-ish
// floor-lookup path; a predicate search walks current page, then cache
// (most-recently-used first), then file pages newest to oldest.
func (c *Collection) FindOne(ctx context.Context, search Search) (model.Instance, bool, error) {
	if err := c.coord.AcquireReader(ctx); err != nil {
		return model.Instance{}, false, err
	}
	defer c.coord.ReleaseReader()

	return c.resolveOne(search)
}

// resolveOne is FindOne's algorithm without the reader-semaphore
// admission control, reused by the mutation engine (which already holds
// the writer lock and must not also contend for reader permits).
func (c *Collection) resolveOne(search Search) (model.Instance, bool, error) {
	snapshotLSN := c.state.snapshotMaxLSN()

	if id, ok := search.IsByID(); ok {
		return c.findByID(id, snapshotLSN)
	}

	var (
		result  model.Instance
		found   bool
		walkErr error
	)
	walkErr = c.walkLive(snapshotLSN, func(inst model.Instance) bool {
		if search.matches(inst.Payload) {
			result, found = inst, true
			return false
		}
		return true
	})
	return result, found, walkErr
}

func (c *Collection) findByID(id uint32, snapshotLSN int64) (model.Instance, bool, error) {
	maxID, hasID := c.state.snapshotMaxID()
	if !hasID || id > maxID {
		return model.Instance{}, false, nil
	}
	probe := storage.Key{ID: id, LSN: uint64(snapshotLSN)}

	var (
		key   storage.Key
		val   storage.Value
		found bool
	)
	c.state.readCurrent(func(tree *storage.PageTree, _ int64) {
		k, v, ok := tree.Floor(probe)
		if ok && k.ID == id {
			key, val, found = k, v, true
		}
	})
	if found {
		return instanceFromFloor(id, key, val)
	}

	for _, pos := range c.cache.positions() {
		tree, ok := c.cache.get(pos)
		if !ok {
			continue
		}
		k, v, ok2 := tree.Floor(probe)
		if ok2 && k.ID == id {
			return instanceFromFloor(id, k, v)
		}
	}

	c.coord.AwaitFlusherUnlocked()

	if c.offsetIdx != nil {
		if pageIndex, found, err := c.offsetIdx.Lookup(id, uint64(snapshotLSN)); err == nil && found {
			pos := pageIndex * int64(c.pageSize)
			tree, ok, err := c.file.ReadPage(pos)
			if err == nil && ok {
				c.cache.put(pos, tree)
				if k, v, ok2 := tree.Floor(probe); ok2 && k.ID == id {
					return instanceFromFloor(id, k, v)
				}
			}
		}
		// Index miss or read failure: fall through to the full scan below.
		// The index only narrows the search space, it never changes results.
	}

	position := c.pagePosition(uint64(snapshotLSN))
	for pos := position; pos >= 0; pos -= int64(c.pageSize) {
		tree, ok, err := c.file.ReadPage(pos)
		if err != nil {
			return model.Instance{}, false, err
		}
		if !ok {
			continue
		}
		c.cache.put(pos, tree)
		if k, v, ok2 := tree.Floor(probe); ok2 && k.ID == id {
			return instanceFromFloor(id, k, v)
		}
	}
	return model.Instance{}, false, nil
}

func instanceFromFloor(id uint32, key storage.Key, value storage.Value) (model.Instance, bool, error) {
	if value.IsDeleted() {
		return model.Instance{}, false, nil
	}
	return model.Instance{ID: id, LSN: key.LSN, Payload: value.Payload}, true, nil
}

// walkLive traverses current page, then cache (MRU-first), then file
// pages newest to oldest, calling visit for every unvisited live record
// whose LSN is within the snapshot, in descending-key order within each
// page. visit returning false stops the walk early.
func (c *Collection) walkLive(snapshotLSN int64, visit func(model.Instance) bool) error {
	visited := make(map[uint32]bool)

	walkTree := func(tree *storage.PageTree) (stopped bool) {
		keepGoing := true
		tree.Descending(func(k storage.Key, v storage.Value) bool {
			if k.LSN > uint64(snapshotLSN) {
				return true
			}
			if visited[k.ID] {
				return true
			}
			visited[k.ID] = true
			if v.IsDeleted() {
				return true
			}
			if !visit(model.Instance{ID: k.ID, LSN: k.LSN, Payload: v.Payload}) {
				keepGoing = false
				return false
			}
			return true
		})
		return !keepGoing
	}

	var stopped bool
	c.state.readCurrent(func(tree *storage.PageTree, _ int64) {
		stopped = walkTree(tree)
	})
	if stopped {
		return nil
	}

	for _, pos := range c.cache.positions() {
		tree, ok := c.cache.get(pos)
		if !ok {
			continue
		}
		if walkTree(tree) {
			return nil
		}
	}

	c.coord.AwaitFlusherUnlocked()
	_, _, fileSize := c.state.snapshotFlush()
	for pos := fileSize - int64(c.pageSize); pos >= 0; pos -= int64(c.pageSize) {
		tree, found, err := c.file.ReadPage(pos)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		c.cache.put(pos, tree)
		if walkTree(tree) {
			return nil
		}
	}
	return nil
}

// FindOptions configures Find's pagination.
type FindOptions struct {
	Offset int
	Limit  int // 0 means unlimited
}

// Find implements spec.md 4.6.2: gather every unvisited live record
// matching search, then slice(offset, offset+limit). Returns (nil, nil)
// when nothing matches, matching the source's Option<array> shape.
func (c *Collection) Find(ctx context.Context, search Search, opts FindOptions) ([]model.Instance, error) {
	if err := c.coord.AcquireReader(ctx); err != nil {
		return nil, err
	}
	defer c.coord.ReleaseReader()

	snapshotLSN := c.state.snapshotMaxLSN()
	var all []model.Instance
	err := c.walkLive(snapshotLSN, func(inst model.Instance) bool {
		if search.matches(inst.Payload) {
			all = append(all, inst)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	offset := opts.Offset
	if offset > len(all) {
		offset = len(all)
	}
	all = all[offset:]
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// Count implements spec.md 4.6.3: the same traversal as Find, tallying
// matches without building instances.
func (c *Collection) Count(ctx context.Context, search Search) (int, error) {
	if err := c.coord.AcquireReader(ctx); err != nil {
		return 0, err
	}
	defer c.coord.ReleaseReader()

	snapshotLSN := c.state.snapshotMaxLSN()
	count := 0
	err := c.walkLive(snapshotLSN, func(inst model.Instance) bool {
		if search.matches(inst.Payload) {
			count++
		}
		return true
	})
	return count, err
}

// Exists implements spec.md 4.6.4 by delegating to FindOne.
func (c *Collection) Exists(ctx context.Context, search Search) (bool, error) {
	_, found, err := c.FindOne(ctx, search)
	return found, err
}

// FindAndMap implements spec.md 4.6.5: fetch matches with Find, then map
// them through mapper concurrently, bounded by the database-wide
// concurrency limiter, discarding individual mapper errors.
func (c *Collection) FindAndMap(ctx context.Context, search Search, opts FindOptions, mapper func(model.Instance) (any, error)) ([]any, error) {
	matches, err := c.Find(ctx, search, opts)
	if err != nil {
		return nil, err
	}

	mapped := make([]any, len(matches))
	ok := make([]bool, len(matches))
	var wg sync.WaitGroup
	for i, inst := range matches {
		if err := c.acquireLimit(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, inst model.Instance) {
			defer wg.Done()
			defer c.releaseLimit()
			v, err := mapper(inst)
			if err != nil {
				return
			}
			mapped[i], ok[i] = v, true
		}(i, inst)
	}
	wg.Wait()

	results := make([]any, 0, len(matches))
	for i, kept := range ok {
		if kept {
			results = append(results, mapped[i])
		}
	}
	return results, nil
}

func (c *Collection) acquireLimit(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx, 1)
}

func (c *Collection) releaseLimit() {
	if c.limiter == nil {
		return
	}
	c.limiter.Release(1)
}
