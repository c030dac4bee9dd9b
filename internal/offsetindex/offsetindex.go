// Package offsetindex implements the secondary offset index spec.md 1 and
// 9 describe but leave external: "a parallel secondary tree, structurally
// identical to the data engine" that turns an id-based point lookup into
// a single page read instead of a backward walk over every page in a
// collection.
//
// The index shards ids across a fixed number of page-file slots using
// xxh3, so that any one id's history lives in exactly one page
// regardless of how large the source collection grows. Each shard is
// itself a storage.PageTree keyed the same way the data engine keys its
// own pages: (id, lsn), value being the page index of the data page that
// entry's version was written to.
package offsetindex

import (
	"fmt"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/cabewaldrop/neisandb/internal/storage"
)

// DefaultShardCount is the number of page-file slots ids are hashed
// across. Each shard is one storage page, so a bigger count trades disk
// space for fewer id collisions per shard.
const DefaultShardCount = 16

// Entry associates one (id, lsn) version with the index of the data page
// it was written to.
type Entry struct {
	ID        uint32
	LSN       uint64
	PageIndex int64
}

// Index is a compacted, read-mostly accelerator for point lookups. It is
// built in one pass (Build) from a collection's full history and
// consulted afterwards (Lookup); it is never updated incrementally,
// matching spec.md 9's framing of an offset index as something built
// over "compacted logs".
type Index struct {
	file          *storage.PageFile
	shardCount    int
	pageSize      int
	shardTreeSize int
}

// New returns an Index backed by a page file at path, sharding ids
// across shardCount page-file slots. codec is the same binary
// serialization contract the data engine's PageFile uses.
func New(path string, codec storage.Codec, shardCount int) *Index {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	pageSize := storage.OffsetIndexPageSize
	shardTreeSize := storage.DefaultTreeSize
	return &Index{
		file:          storage.NewPageFile(path, pageSize, shardTreeSize, codec),
		shardCount:    shardCount,
		pageSize:      pageSize,
		shardTreeSize: shardTreeSize,
	}
}

// Path returns the on-disk location of the index file.
func (x *Index) Path() string {
	return x.file.Path()
}

// shardFor deterministically maps id to one of shardCount page-file
// slots via xxh3.
func (x *Index) shardFor(id uint32) int64 {
	sum := xxh3.HashString(strconv.FormatUint(uint64(id), 10))
	return int64(sum % uint64(x.shardCount))
}

// Build writes entries into their shards, overwriting any previously
// built index. Entries for the same id are expected across multiple
// calls' worth of history; Build groups them into per-shard PageTrees
// keyed the same way the data engine keys its own pages, so a later
// Lookup can reuse PageTree.Floor for "newest version at or before a
// snapshot LSN" semantics.
func (x *Index) Build(entries []Entry) error {
	shards := make([]*storage.PageTree, x.shardCount)
	for i := range shards {
		shards[i] = storage.NewPageTree(x.shardTreeSize)
	}

	for _, e := range entries {
		shard := x.shardFor(e.ID)
		shards[shard].Set(storage.Key{ID: e.ID, LSN: e.LSN}, storage.Live(map[string]any{
			"page_index": e.PageIndex,
		}))
	}

	if err := x.file.EnsureExists(); err != nil {
		return fmt.Errorf("offsetindex: %w", err)
	}
	for i, tree := range shards {
		position := int64(i) * int64(x.pageSize)
		if err := x.file.WritePage(position, tree); err != nil {
			return fmt.Errorf("offsetindex: write shard %d: %w", i, err)
		}
	}
	return nil
}

// Lookup returns the data page index holding the newest version of id at
// or before snapshotLSN, per the same floor-lookup rule the data engine
// applies to its own pages. found is false when the index has never seen
// id, in which case the caller should fall back to the full backward
// scan spec.md 4.6.1 describes - Lookup only ever narrows the search
// space, it never changes what a point lookup returns.
func (x *Index) Lookup(id uint32, snapshotLSN uint64) (pageIndex int64, found bool, err error) {
	shard := x.shardFor(id)
	tree, ok, err := x.file.ReadPage(shard * int64(x.pageSize))
	if err != nil {
		return 0, false, fmt.Errorf("offsetindex: read shard %d: %w", shard, err)
	}
	if !ok {
		return 0, false, nil
	}

	k, v, ok := tree.Floor(storage.Key{ID: id, LSN: snapshotLSN})
	if !ok || k.ID != id {
		return 0, false, nil
	}

	// The JSON codec round-trips numbers as float64; page_index started
	// life as an int64 written by Build.
	raw, present := v.Payload["page_index"]
	if !present {
		return 0, false, nil
	}
	switch n := raw.(type) {
	case float64:
		return int64(n), true, nil
	case int64:
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("offsetindex: unexpected page_index type %T", raw)
	}
}
