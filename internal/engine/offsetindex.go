package engine

import (
	"fmt"
	"path/filepath"

	"github.com/cabewaldrop/neisandb/internal/offsetindex"
	"github.com/cabewaldrop/neisandb/internal/storage"
)

// BuildOffsetIndex builds (or rebuilds) the collection's secondary offset
// index by walking every persisted page and recording, for each (id, lsn)
// version it finds, which page holds it. Subsequent FindOne(ByID(...))
// lookups consult it in findByID's on-disk fallback, after the current
// page and the cache and before a full backward scan of the file; the
// uniqueness scan and predicate searches do not use it.
//
// BuildOffsetIndex does not cover the in-memory current page, since
// findByID always checks that first regardless of whether an offset
// index is present.
func (c *Collection) BuildOffsetIndex() error {
	c.coord.LockWriter()
	defer c.coord.UnlockWriter()
	c.coord.AwaitFlusherUnlocked()

	_, _, fileSize := c.state.snapshotFlush()

	var entries []offsetindex.Entry
	for pos := int64(0); pos < fileSize; pos += int64(c.pageSize) {
		tree, found, err := c.file.ReadPage(pos)
		if err != nil {
			return fmt.Errorf("engine: build offset index for %s: %w", c.name, err)
		}
		if !found {
			continue
		}
		pageIndex := pos / int64(c.pageSize)
		tree.All(func(k storage.Key, _ storage.Value) {
			entries = append(entries, offsetindex.Entry{ID: k.ID, LSN: k.LSN, PageIndex: pageIndex})
		})
	}

	path := filepath.Join(filepath.Dir(c.file.Path()), c.name+".offsets.nsdb")
	idx := offsetindex.New(path, c.codec, offsetindex.DefaultShardCount)
	if err := idx.Build(entries); err != nil {
		return fmt.Errorf("engine: build offset index for %s: %w", c.name, err)
	}
	c.offsetIdx = idx
	return nil
}
