// Package database implements the §6 "Database options" container:
// spec.md describes it as "merely a directory, a codec, and a
// concurrency limiter" plus, in practice, a live registry of open
// collections. Database is wired with go.uber.org/dig the way
// catalinm00/KVDB's bootstrap package wires its service graph, rather
// than being hand-assembled with a constructor chain.
package database

import (
	"fmt"
	"sync"

	"go.uber.org/dig"
	"golang.org/x/sync/semaphore"

	"github.com/cabewaldrop/neisandb/internal/codec"
	"github.com/cabewaldrop/neisandb/internal/engine"
	"github.com/cabewaldrop/neisandb/internal/logging"
	"github.com/cabewaldrop/neisandb/internal/schema"
	"github.com/cabewaldrop/neisandb/internal/storage"
)

// Database owns a directory of .nsdb files, a shared codec, a
// database-wide concurrency limiter, a logger every collection it opens
// logs through, and every collection opened through it so far.
type Database struct {
	directory string
	codec     storage.Codec
	limiter   *semaphore.Weighted
	logger    *logging.Logger

	mu          sync.Mutex
	collections map[string]*engine.Collection
}

func newCodec() storage.Codec {
	return codec.New()
}

func newLimiter(cfg Config) *semaphore.Weighted {
	return semaphore.NewWeighted(int64(cfg.clamped().Concurrency))
}

func newLogger() *logging.Logger {
	return logging.Default("database")
}

func newDatabase(cfg Config, c storage.Codec, limiter *semaphore.Weighted, logger *logging.Logger) *Database {
	cfg = cfg.clamped()
	return &Database{
		directory:   cfg.Directory,
		codec:       c,
		limiter:     limiter,
		logger:      logger,
		collections: make(map[string]*engine.Collection),
	}
}

// Open builds a Database from cfg, wiring its codec, concurrency limiter,
// and logger through a dig container the same way bootstrap.Run wires
// KVDB's constructors.
func Open(cfg Config) (*Database, error) {
	cfg = cfg.clamped()

	container := dig.New()
	providers := []any{
		func() Config { return cfg },
		newCodec,
		newLimiter,
		newLogger,
		newDatabase,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return nil, fmt.Errorf("database: wire %T: %w", p, err)
		}
	}

	var db *Database
	if err := container.Invoke(func(d *Database) { db = d }); err != nil {
		return nil, fmt.Errorf("database: wire database: %w", err)
	}
	return db, nil
}

// Directory returns the root directory this database opens collections
// under.
func (d *Database) Directory() string {
	return d.directory
}

// Collection returns the already-open collection named name, opening it
// (applying sch and uniques) on first use. Uniques declared here augment
// whatever sch.Uniques already carries.
func (d *Database) Collection(name string, sch *schema.Schema, uniques ...string) (*engine.Collection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.collections[name]; ok {
		return c, nil
	}

	if sch == nil {
		sch = schema.New(nil)
	}
	for _, u := range uniques {
		sch.Uniques[u] = true
	}

	opts := engine.DefaultOptions(name, d.directory, sch)
	opts.Codec = d.codec
	opts.Limiter = d.limiter
	opts.Logger = d.logger

	c, err := engine.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("database: open collection %s: %w", name, err)
	}
	d.collections[name] = c
	return c, nil
}

// Collections returns every collection opened through this database so
// far, in no particular order.
func (d *Database) Collections() []*engine.Collection {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*engine.Collection, 0, len(d.collections))
	for _, c := range d.collections {
		out = append(out, c)
	}
	return out
}

// Lookup returns the collection named name without opening it, and
// whether it has already been opened through this database.
func (d *Database) Lookup(name string) (*engine.Collection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[name]
	return c, ok
}

// Close flushes and releases every collection opened through this
// database, returning the first error encountered (if any) after
// attempting to close them all.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for name, c := range d.collections {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("database: close collection %s: %w", name, err)
		}
	}
	return firstErr
}
