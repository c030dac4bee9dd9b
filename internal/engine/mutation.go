package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cabewaldrop/neisandb/internal/model"
	"github.com/cabewaldrop/neisandb/internal/storage"
)

// Insert implements spec.md 4.5.1: validate, scan for uniqueness with no
// excluded id, allocate an id and lsn, and apply the rotation protocol.
func (c *Collection) Insert(payload map[string]any) Result[model.Instance] {
	c.coord.LockWriter()
	defer c.coord.UnlockWriter()
	c.coord.AwaitFlusherUnlocked()

	parsed, errs := c.schema.Validate(payload)
	if errs != nil {
		return validationResult[model.Instance](errs)
	}

	if field, conflict := c.checkUnique(parsed, nil); conflict {
		return uniquenessResult[model.Instance](field)
	}

	id, lsn := c.state.allocateInsert(storage.Value{Payload: parsed})

	if err := c.applyRotationProtocol(); err != nil {
		return failGeneral[model.Instance](err.Error())
	}

	return ok(model.Instance{ID: id, LSN: lsn, Payload: parsed})
}

// FindOneAndUpdate implements spec.md 4.5.2: resolve search under the
// writer lock (reusing resolveOne to avoid contending for a reader
// permit already implied by writer exclusivity), run updater, re-validate,
// re-check uniqueness excluding the instance's own id, and version it.
func (c *Collection) FindOneAndUpdate(search Search, updater func(model.Instance) (model.Instance, error)) Result[model.Instance] {
	c.coord.LockWriter()
	defer c.coord.UnlockWriter()

	inst, found, err := c.resolveOne(search)
	if err != nil {
		return failGeneral[model.Instance](err.Error())
	}
	if !found {
		return noMatchResult[model.Instance]()
	}

	updated, updateErr := c.runUpdater(inst, updater)
	if updateErr != nil {
		return failGeneral[model.Instance](updateErr.Error())
	}

	parsed, errs := c.schema.Validate(updated.Payload)
	if errs != nil {
		return validationResult[model.Instance](errs)
	}

	if field, conflict := c.checkUnique(parsed, &inst.ID); conflict {
		return uniquenessResult[model.Instance](field)
	}

	lsn := c.state.allocateVersion(inst.ID, storage.Value{Payload: parsed})

	if err := c.applyRotationProtocol(); err != nil {
		return failGeneral[model.Instance](err.Error())
	}

	return ok(model.Instance{ID: inst.ID, LSN: lsn, Payload: parsed})
}

// runUpdater invokes updater, converting a panic into an UpdaterError per
// spec.md 7's "Updater exception" kind, since Go callbacks signal failure
// either by returning an error or by panicking (e.g. a slice index panic
// inside caller code).
func (c *Collection) runUpdater(inst model.Instance, updater func(model.Instance) (model.Instance, error)) (out model.Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &UpdaterError{Message: fmt.Sprintf("%v", r)}
		}
	}()
	out, err = updater(inst)
	if err != nil {
		err = &UpdaterError{Message: err.Error()}
	}
	return out, err
}

// FindOneAndDelete implements spec.md 4.5.3: resolve, tombstone at a new
// lsn, apply rotation, and return the pre-deletion instance.
func (c *Collection) FindOneAndDelete(search Search) Result[model.Instance] {
	c.coord.LockWriter()
	defer c.coord.UnlockWriter()

	inst, found, err := c.resolveOne(search)
	if err != nil {
		return failGeneral[model.Instance](err.Error())
	}
	if !found {
		return noMatchResult[model.Instance]()
	}

	c.state.allocateVersion(inst.ID, storage.Deleted)

	if err := c.applyRotationProtocol(); err != nil {
		return failGeneral[model.Instance](err.Error())
	}

	return ok(inst)
}

// FindAndUpdate implements spec.md 4.5.5: under the writer lock, resolve
// every match via the reader-free walkLive traversal, cancel the debounce
// timer, run each match's updater concurrently (bounded by the
// database-wide limiter) without re-acquiring the writer lock, abort on
// the first failure per the recommended resolution of spec.md 9's open
// question, then re-arm the debounce timer.
//
// Only the updater callback itself (arbitrary caller code, potentially
// slow) runs concurrently. Committing a match's new version - uniqueness
// check, LSN allocation, and page rotation - is serialized behind
// commitMu, so spec.md 4.5's "rotation applied after every mutation" holds
// for every element of the batch, not just once at the end. Once any match
// fails, no further match is committed; versions committed before the
// failure are kept.
func (c *Collection) FindAndUpdate(ctx context.Context, search Search, updater func(model.Instance) (model.Instance, error)) Result[[]model.Instance] {
	c.coord.LockWriter()
	defer c.coord.UnlockWriter()

	snapshotLSN := c.state.snapshotMaxLSN()
	var matches []model.Instance
	if err := c.walkLive(snapshotLSN, func(inst model.Instance) bool {
		if search.matches(inst.Payload) {
			matches = append(matches, inst)
		}
		return true
	}); err != nil {
		return failGeneral[[]model.Instance](err.Error())
	}

	c.timer.cancel()

	results := make([]model.Instance, len(matches))
	var firstErr error
	var firstFail map[string]string
	var commitMu sync.Mutex
	var aborted atomic.Bool

	type outcome struct {
		index   int
		inst    model.Instance
		errs    map[string]string
		err     error
		skipped bool
	}
	out := make(chan outcome, len(matches))

	for i, inst := range matches {
		if err := c.acquireLimit(ctx); err != nil {
			aborted.Store(true)
			out <- outcome{index: i, err: err}
			continue
		}
		go func(i int, inst model.Instance) {
			defer c.releaseLimit()

			updated, updateErr := c.runUpdater(inst, updater)
			if updateErr != nil {
				aborted.Store(true)
				out <- outcome{index: i, err: updateErr}
				return
			}
			parsed, errs := c.schema.Validate(updated.Payload)
			if errs != nil {
				aborted.Store(true)
				out <- outcome{index: i, errs: map[string]string(errs)}
				return
			}

			commitMu.Lock()
			if aborted.Load() {
				commitMu.Unlock()
				out <- outcome{index: i, skipped: true}
				return
			}
			field, conflict := c.checkUnique(parsed, &inst.ID)
			if conflict {
				aborted.Store(true)
				commitMu.Unlock()
				out <- outcome{index: i, errs: map[string]string{field: "Conflict as unique key"}}
				return
			}
			lsn := c.state.allocateVersion(inst.ID, storage.Value{Payload: parsed})
			rotErr := c.applyRotationProtocol()
			commitMu.Unlock()
			if rotErr != nil {
				aborted.Store(true)
				out <- outcome{index: i, err: rotErr}
				return
			}
			out <- outcome{index: i, inst: model.Instance{ID: inst.ID, LSN: lsn, Payload: parsed}}
		}(i, inst)
	}

	for range matches {
		o := <-out
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
		if o.errs != nil && firstFail == nil {
			firstFail = o.errs
		}
		if o.err == nil && o.errs == nil && !o.skipped {
			results[o.index] = o.inst
		}
	}

	c.armDebounce()

	if firstErr != nil {
		return failGeneral[[]model.Instance](firstErr.Error())
	}
	if firstFail != nil {
		return fail[[]model.Instance](firstFail)
	}
	return ok(results)
}

// FindAndDelete implements spec.md 4.5.6. A predicate is mandatory - this
// is, per spec.md, "the sole deliberate guard against accidentally
// deleting every record" - so FindAndDelete takes one directly rather
// than a Search, and rejects a nil predicate outright instead of trusting
// callers to remember Where(...). Tombstones every match at a new lsn,
// applying page rotation after each one.
func (c *Collection) FindAndDelete(predicate func(map[string]any) bool) Result[[]model.Instance] {
	if predicate == nil {
		return failGeneral[[]model.Instance]("FindAndDelete requires a predicate")
	}

	c.coord.LockWriter()
	defer c.coord.UnlockWriter()

	snapshotLSN := c.state.snapshotMaxLSN()
	var matches []model.Instance
	if err := c.walkLive(snapshotLSN, func(inst model.Instance) bool {
		if predicate(inst.Payload) {
			matches = append(matches, inst)
		}
		return true
	}); err != nil {
		return failGeneral[[]model.Instance](err.Error())
	}

	for _, inst := range matches {
		c.state.allocateVersion(inst.ID, storage.Deleted)
		if err := c.applyRotationProtocol(); err != nil {
			return failGeneral[[]model.Instance](err.Error())
		}
	}
	c.armDebounce()

	return ok(matches)
}
