// Package logging wraps the standard library's log.Logger the way
// catalinm00/KVDB logs (plain stdlib log package) and cabewaldrop/claude-db
// reports errors (fmt.Fprintf(os.Stderr, ...)): no repo in the retrieval
// pack imports a structured logging library, so neisandb does not either.
// Each line is tagged with a short correlation id (google/uuid, the same
// library KVDB's domain layer uses for entity ids) and byte counts /
// durations are rendered with dustin/go-humanize, as
// FocuswithJustin/JuniperBible does for its own log output.
package logging

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Logger is a thin, structured-ish wrapper over *log.Logger.
type Logger struct {
	std *log.Logger
}

// New returns a Logger writing to w, prefixed with the given component
// name.
func New(w io.Writer, component string) *Logger {
	return &Logger{std: log.New(w, "["+component+"] ", log.LstdFlags)}
}

// Default returns a Logger writing to os.Stderr for component.
func Default(component string) *Logger {
	return New(os.Stderr, component)
}

// OperationID returns a short correlation id suitable for tagging a batch
// of related log lines (e.g. one FindAndUpdate/FindAndDelete call).
func OperationID() string {
	return uuid.NewString()[:8]
}

// Info logs a plain informational line.
func (l *Logger) Info(msg string, args ...any) {
	l.std.Printf(msg, args...)
}

// Flush logs a completed flush: bytes written so far and how long the
// flush took, both human-readable.
func (l *Logger) Flush(opID string, collection string, fileSizeBytes int64, elapsed time.Duration) {
	l.std.Printf("op=%s flush collection=%s size=%s elapsed=%s",
		opID, collection, humanize.Bytes(uint64(fileSizeBytes)), elapsed.Round(time.Millisecond))
}

// Rotation logs a page rotation event.
func (l *Logger) Rotation(opID string, collection string, treeSize int) {
	l.std.Printf("op=%s rotate collection=%s entries=%d", opID, collection, treeSize)
}

// Error logs a failed operation.
func (l *Logger) Error(opID string, msg string, err error) {
	l.std.Printf("op=%s error %s: %v", opID, msg, err)
}
