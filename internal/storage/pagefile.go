package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PageSize values for the two page-file flavors the spec describes: data
// collections get a generous 256 KiB page, the (implied) offset index gets
// a smaller 128 KiB page since it stores fixed-width buckets rather than
// full documents.
const (
	DataPageSize        = 256 * 1024
	OffsetIndexPageSize = 128 * 1024

	// pageHeaderSize is the 4-byte length prefix plus 4 bytes of reserved
	// padding that precede the encoded body on every page.
	pageHeaderSize = 8
)

// ErrPageOverflow is returned (and should be treated as fatal by callers)
// when an encoded PageTree does not fit in a page.
var ErrPageOverflow = errors.New("storage: encoded page exceeds page size")

// ErrCorruptPage is returned when a page's decoded contents are not usable.
var ErrCorruptPage = errors.New("storage: corrupt page")

// Codec is the opaque binary serialization contract PageFile depends on.
// A concrete implementation lives in package codec; PageFile only needs
// the interface so that internal/storage never imports internal/codec.
type Codec interface {
	Encode(tree *PageTree) ([]byte, error)
	Decode(data []byte, maxTreeSize int) (*PageTree, error)
}

// PageFile is a thin, page-aligned wrapper over one OS file.
//
// EDUCATIONAL NOTE:
// -----------------
// PageFile never keeps a file handle open across calls: every operation
// opens the file, does its I/O, and closes it again. This trades a little
// syscall overhead for a much simpler story about suspension points - in
// the target scheduling model (single-threaded cooperative multitasking,
// see spec.md 5), a file descriptor's lifetime should never straddle an
// await, and closing per-call is the cheapest way to guarantee that.
type PageFile struct {
	path     string
	pageSize int
	codec    Codec
	treeSize int
}

// NewPageFile returns a PageFile rooted at path with the given page size,
// tree size bound (used when decoding pages back into PageTrees), and
// codec implementation.
func NewPageFile(path string, pageSize, treeSize int, codec Codec) *PageFile {
	return &PageFile{path: path, pageSize: pageSize, codec: codec, treeSize: treeSize}
}

// Path returns the underlying file path.
func (f *PageFile) Path() string {
	return f.path
}

// EnsureExists creates the file (and any missing parent directories) if it
// does not already exist. It never truncates an existing file.
func (f *PageFile) EnsureExists() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("storage: create directory for %s: %w", f.path, err)
	}
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", f.path, err)
	}
	return file.Close()
}

// Size returns the current size of the file in bytes. The file is created
// first if it does not exist.
func (f *PageFile) Size() (int64, error) {
	if err := f.EnsureExists(); err != nil {
		return 0, err
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return 0, fmt.Errorf("storage: stat %s: %w", f.path, err)
	}
	return info.Size(), nil
}

// ReadPage reads the page at byte offset position and decodes it. The
// second return is false (with a nil error) when the file does not exist
// or no bytes at all can be read at position - the conventional "no page
// here" case used both for reads past end-of-file and for the empty-file
// case at collection open. A page that is only partly present (fewer than
// pageSize bytes readable at position) is reported as ErrCorruptPage.
func (f *PageFile) ReadPage(position int64) (*PageTree, bool, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: open %s: %w", f.path, err)
	}
	defer file.Close()

	buf := make([]byte, f.pageSize)
	n, err := file.ReadAt(buf, position)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, false, fmt.Errorf("storage: read %s at %d: %w", f.path, position, err)
		}
		// Zero bytes read at or past end of file: no page here.
		return nil, false, nil
	}
	if n < f.pageSize {
		return nil, false, fmt.Errorf("%w: short read at %d: got %d of %d bytes", ErrCorruptPage, position, n, f.pageSize)
	}

	length := binary.LittleEndian.Uint32(buf[0:4])
	if int(length) > f.pageSize-pageHeaderSize {
		return nil, false, fmt.Errorf("%w: length prefix %d exceeds page capacity", ErrCorruptPage, length)
	}
	body := buf[pageHeaderSize : pageHeaderSize+int(length)]

	tree, err := f.codec.Decode(body, f.treeSize)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	return tree, true, nil
}

// WritePage encodes tree and writes it as one full, page-aligned,
// PageSize-byte buffer at byte offset position. Per spec.md 3 invariant 5,
// the write is always of a complete page: there is no such thing as a
// partial page write in this design.
func (f *PageFile) WritePage(position int64, tree *PageTree) error {
	encoded, err := f.codec.Encode(tree)
	if err != nil {
		return fmt.Errorf("storage: encode page: %w", err)
	}
	if len(encoded) > f.pageSize-pageHeaderSize {
		return fmt.Errorf("%w: encoded length %d exceeds capacity %d", ErrPageOverflow, len(encoded), f.pageSize-pageHeaderSize)
	}

	if err := f.EnsureExists(); err != nil {
		return err
	}

	buf := make([]byte, f.pageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(encoded)))
	copy(buf[pageHeaderSize:], encoded)

	file, err := os.OpenFile(f.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", f.path, err)
	}
	defer file.Close()

	n, err := file.WriteAt(buf, position)
	if err != nil {
		return fmt.Errorf("storage: write page at %d: %w", position, err)
	}
	if n != f.pageSize {
		return fmt.Errorf("storage: short write at %d: wrote %d of %d bytes", position, n, f.pageSize)
	}
	return file.Sync()
}

// PagePosition computes the byte offset of the page holding lsn, given the
// configured page size, tree size, and id_start base.
func PagePosition(lsn uint64, start uint64, treeSize, pageSize int) int64 {
	index := PageIndex(lsn, start, treeSize)
	return index * int64(pageSize)
}

// PageIndex computes floor((lsn - start) / treeSize), the page a given LSN
// belongs to.
func PageIndex(lsn uint64, start uint64, treeSize int) int64 {
	if lsn < start {
		return 0
	}
	return int64((lsn - start) / uint64(treeSize))
}
