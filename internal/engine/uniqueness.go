package engine

import (
	"reflect"

	"github.com/cabewaldrop/neisandb/internal/storage"
)

// checkUnique implements spec.md 4.5.4's uniqueness scan: walk current_page
// descending, then every persisted page newest to oldest (taking a page
// from the cache when it is cached, reading it from disk otherwise),
// sharing one `visited` set of ids throughout so a newer version correctly
// shadows every older version of the same id.
//
// excludeID, when non-nil, is the id being updated: a record is only a
// conflict if some *other* id shares the candidate's value for a unique
// field. Insert has no excludeID, matching spec.md 9's discussion of the
// "infinity" sentinel used by the source implementation.
func (c *Collection) checkUnique(candidate map[string]any, excludeID *uint32) (conflictField string, hasConflict bool) {
	if len(c.schema.Uniques) == 0 {
		return "", false
	}

	visited := make(map[uint32]bool)

	var currentConflict string
	var currentFound bool
	c.state.readCurrent(func(tree *storage.PageTree, _ int64) {
		currentConflict, currentFound = scanTreeForConflict(tree, candidate, excludeID, c.schema.Uniques, visited)
	})
	if currentFound {
		return currentConflict, true
	}

	c.coord.AwaitFlusherUnlocked()
	_, _, fileSize := c.state.snapshotFlush()
	for pos := fileSize - int64(c.pageSize); pos >= 0; pos -= int64(c.pageSize) {
		tree, found := c.cache.get(pos)
		if !found {
			var err error
			tree, found, err = c.file.ReadPage(pos)
			if err != nil || !found {
				continue
			}
		}
		if field, ok := scanTreeForConflict(tree, candidate, excludeID, c.schema.Uniques, visited); ok {
			return field, true
		}
	}

	return "", false
}

func scanTreeForConflict(tree *storage.PageTree, candidate map[string]any, excludeID *uint32, uniques map[string]bool, visited map[uint32]bool) (string, bool) {
	if tree == nil {
		return "", false
	}
	var field string
	var found bool
	tree.Descending(func(k storage.Key, v storage.Value) bool {
		if visited[k.ID] {
			return true
		}
		visited[k.ID] = true
		if v.IsDeleted() {
			return true
		}
		if excludeID != nil && *excludeID == k.ID {
			return true
		}
		for name := range uniques {
			candidateValue, ok := candidate[name]
			if !ok {
				continue
			}
			storedValue, ok := v.Payload[name]
			if !ok {
				continue
			}
			if reflect.DeepEqual(candidateValue, storedValue) {
				field, found = name, true
				return false
			}
		}
		return true
	})
	return field, found
}
