// Package main implements the neisandb CLI: a set of document-store verbs
// (open, insert, get, find, delete, flush, serve) over a directory of
// collections, in the spirit of cabewaldrop/claude-db's cmd/claude-db but
// replacing its SQL REPL with direct engine operations parsed by
// alecthomas/kong instead of a bespoke lexer/parser/REPL loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/cabewaldrop/neisandb/internal/adminserver"
	"github.com/cabewaldrop/neisandb/internal/database"
	"github.com/cabewaldrop/neisandb/internal/engine"
	"github.com/cabewaldrop/neisandb/internal/model"
	"github.com/cabewaldrop/neisandb/internal/schema"
)

// document is the CLI's on-the-wire shape for a fetched instance: the raw
// payload plus the identity/version metadata the storage engine tracks for
// it. newDocument is a model.Constructor, letting the CLI project an
// engine-returned model.Instance into whatever shape it actually prints.
type document struct {
	ID      uint32         `json:"id"`
	LSN     uint64         `json:"lsn"`
	Payload map[string]any `json:"payload"`
}

func newDocument(payload map[string]any, id uint32, lsn uint64) (document, error) {
	return document{ID: id, LSN: lsn, Payload: payload}, nil
}

const (
	version = "0.1.0"
	banner  = `
  _   _      _              ____  ____
 | \ | | ___(_)___  __ _ _ _|  _ \| __ )
 |  \| |/ _ \ / __|/ _' | '_ \ | | |  _ \
 | |\  |  __/ \__ \ (_| | | | |_| | |_) |
 |_| \_|\___|_|___/\__,_|_| |_|____/|____/

  An Embedded Document Store - Version %s
`
)

// CLI is the top-level kong command tree. Directory/Concurrency default to
// "${defaultDirectory}"/"${defaultConcurrency}", vars bound at parse time
// to database.LoadConfig's result - so an explicit flag wins, an
// NEISANDB_DIRECTORY/NEISANDB_CONCURRENCY env var (or .env entry) comes
// next, and the hardcoded database.Default* constants are the last resort,
// matching spec.md 6's layering.
var CLI struct {
	Directory   string `name:"directory" short:"d" default:"${defaultDirectory}" help:"Root directory for collection data files."`
	Concurrency int    `name:"concurrency" default:"${defaultConcurrency}" help:"Database-wide concurrency limit (1-100)."`
	Version     bool   `name:"version" help:"Show version and exit."`

	Open    OpenCmd    `cmd:"" help:"Open (creating if necessary) a collection."`
	Insert  InsertCmd  `cmd:"" help:"Insert a JSON document into a collection."`
	Get     GetCmd     `cmd:"" help:"Fetch a document by id."`
	Find    FindCmd    `cmd:"" help:"Find documents matching a field equality."`
	Delete  DeleteCmd  `cmd:"" help:"Delete a document by id."`
	Flush   FlushCmd   `cmd:"" help:"Force a durable flush of a collection."`
	Serve   ServeCmd   `cmd:"" help:"Run the read-only admin HTTP server."`
}

// OpenCmd opens (or creates) a collection and reports its durability
// state, useful for verifying a directory of .nsdb files is readable.
type OpenCmd struct {
	Collection string `arg:"" help:"Collection name."`
}

func (c *OpenCmd) Run(db *database.Database) error {
	col, err := db.Collection(c.Collection, schema.New(nil))
	if err != nil {
		return err
	}
	stats := col.Stats()
	fmt.Printf("opened %s: max_lsn=%d last_flushed_lsn=%d file_size=%d\n",
		col.Name(), stats.MaxLSN, stats.LastFlushedLSN, stats.FileSizeBytes)
	return nil
}

// InsertCmd inserts a single JSON document.
type InsertCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Document   string `arg:"" help:"JSON document to insert."`
}

func (c *InsertCmd) Run(db *database.Database) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(c.Document), &payload); err != nil {
		return fmt.Errorf("invalid JSON document: %w", err)
	}

	col, err := db.Collection(c.Collection, schema.New(nil))
	if err != nil {
		return err
	}

	result := col.Insert(payload)
	return printResult(result.OK, result.Value, result.Errors)
}

// GetCmd fetches a single document by id.
type GetCmd struct {
	Collection string `arg:"" help:"Collection name."`
	ID         uint32 `arg:"" help:"Document id."`
}

func (c *GetCmd) Run(db *database.Database) error {
	col, err := db.Collection(c.Collection, schema.New(nil))
	if err != nil {
		return err
	}

	inst, found, err := col.FindOne(context.Background(), engine.ByID(c.ID))
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("not found")
		return nil
	}
	doc, err := model.Build(model.Constructor[document](newDocument), inst)
	if err != nil {
		return err
	}
	return printJSON(doc)
}

// FindCmd finds every live document whose field equals a given value.
type FindCmd struct {
	Collection string `arg:"" help:"Collection name."`
	Field      string `arg:"" help:"Field name to match."`
	Value      string `arg:"" help:"Value to match (compared as a string)."`
	Offset     int    `help:"Pagination offset." default:"0"`
	Limit      int    `help:"Pagination limit (0 = unlimited)." default:"0"`
}

func (c *FindCmd) Run(db *database.Database) error {
	col, err := db.Collection(c.Collection, schema.New(nil))
	if err != nil {
		return err
	}

	search := engine.Where(func(payload map[string]any) bool {
		v, ok := payload[c.Field]
		if !ok {
			return false
		}
		return fmt.Sprintf("%v", v) == c.Value
	})

	matches, err := col.Find(context.Background(), search, engine.FindOptions{Offset: c.Offset, Limit: c.Limit})
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, inst := range matches {
		doc, err := model.Build(model.Constructor[document](newDocument), inst)
		if err != nil {
			return err
		}
		if err := printJSON(doc); err != nil {
			return err
		}
	}
	return nil
}

// DeleteCmd tombstones a document by id.
type DeleteCmd struct {
	Collection string `arg:"" help:"Collection name."`
	ID         uint32 `arg:"" help:"Document id."`
}

func (c *DeleteCmd) Run(db *database.Database) error {
	col, err := db.Collection(c.Collection, schema.New(nil))
	if err != nil {
		return err
	}

	result := col.FindOneAndDelete(engine.ByID(c.ID))
	return printResult(result.OK, result.Value, result.Errors)
}

// FlushCmd forces a durable flush of a collection's current page.
type FlushCmd struct {
	Collection string `arg:"" help:"Collection name."`
}

func (c *FlushCmd) Run(db *database.Database) error {
	col, err := db.Collection(c.Collection, schema.New(nil))
	if err != nil {
		return err
	}
	if err := col.Flush(); err != nil {
		return err
	}
	fmt.Println("flushed")
	return nil
}

// ServeCmd runs the read-only admin HTTP server.
type ServeCmd struct {
	Port int `help:"Admin server port." default:"8080"`
}

func (c *ServeCmd) Run(db *database.Database) error {
	return adminserver.NewServer(c.Port, db).Run()
}

func printResult(ok bool, value any, errs map[string]string) error {
	if !ok {
		return printJSON(map[string]any{"ok": false, "errors": errs})
	}
	return printJSON(map[string]any{"ok": true, "value": value})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	defaults := database.LoadConfig()

	parser := kong.Must(&CLI,
		kong.Name("neisandb"),
		kong.Description("An embedded, file-backed document store for CLI tools and small services."),
		kong.UsageOnError(),
		kong.Vars{
			"defaultDirectory":   defaults.Directory,
			"defaultConcurrency": fmt.Sprint(defaults.Concurrency),
		},
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if CLI.Version {
		fmt.Printf("neisandb version %s\n", version)
		return
	}

	fmt.Printf(banner, version)

	db, err := database.Open(database.Config{Directory: CLI.Directory, Concurrency: CLI.Concurrency})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	kctx.Bind(db)
	err = kctx.Run()
	kctx.FatalIfErrorf(err)
}
