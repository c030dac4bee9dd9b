// Package codec implements the binary serialization contract PageFile
// depends on: encode(tree) -> bytes and decode(bytes) -> tree, round
// tripping a PageTree exactly, including the Deleted marker.
//
// spec.md treats this codec as an opaque external collaborator. neisandb
// gives it a concrete, real implementation: goccy/go-json for the wire
// format (a drop-in, faster encoding/json) and klauspost/compress's flate
// for optional space savings, since a page's encoded body must fit inside
// PAGE_SIZE-8 bytes and documents commonly compress well.
package codec

import (
	"bytes"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/flate"

	"github.com/cabewaldrop/neisandb/internal/storage"
)

// wireEntry is the on-the-wire shape of one PageTree entry. Tombstone is
// carried explicitly rather than relying on Payload being nil/absent, so
// that a live record with an empty payload can never be confused with a
// deleted one.
type wireEntry struct {
	ID        uint32         `json:"id"`
	LSN       uint64         `json:"lsn"`
	Tombstone bool           `json:"tombstone,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const (
	flagRaw byte = iota
	flagFlate
)

// JSONCodec implements storage.Codec using JSON plus optional flate
// compression.
type JSONCodec struct {
	// CompressionLevel is passed to flate.NewWriter. Zero uses
	// flate.DefaultCompression.
	CompressionLevel int
}

// New returns a JSONCodec with default compression settings.
func New() *JSONCodec {
	return &JSONCodec{CompressionLevel: flate.DefaultCompression}
}

var _ storage.Codec = (*JSONCodec)(nil)

// Encode serializes tree into bytes suitable for PageFile.WritePage. The
// first byte of the returned slice is a format flag; the codec falls back
// to storing the raw JSON when compressing does not make the payload
// smaller, since PAGE_SIZE-8 is a hard ceiling and highly-random payloads
// occasionally do not compress at all.
func (c *JSONCodec) Encode(tree *storage.PageTree) ([]byte, error) {
	entries := make([]wireEntry, 0, tree.Size())
	tree.All(func(k storage.Key, v storage.Value) {
		entries = append(entries, wireEntry{
			ID:        k.ID,
			LSN:       k.LSN,
			Tombstone: v.IsDeleted(),
			Payload:   v.Payload,
		})
	})

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal page: %w", err)
	}

	compressed, err := deflate(raw, c.compressionLevel())
	if err != nil {
		return nil, fmt.Errorf("codec: compress page: %w", err)
	}

	if len(compressed) < len(raw) {
		return append([]byte{flagFlate}, compressed...), nil
	}
	return append([]byte{flagRaw}, raw...), nil
}

// Decode reverses Encode, reconstructing a PageTree bounded at
// maxTreeSize.
func (c *JSONCodec) Decode(data []byte, maxTreeSize int) (*storage.PageTree, error) {
	if len(data) == 0 {
		return storage.NewPageTree(maxTreeSize), nil
	}

	flag, body := data[0], data[1:]
	var raw []byte
	switch flag {
	case flagRaw:
		raw = body
	case flagFlate:
		inflated, err := inflate(body)
		if err != nil {
			return nil, fmt.Errorf("codec: decompress page: %w", err)
		}
		raw = inflated
	default:
		return nil, fmt.Errorf("codec: unknown page format flag %d", flag)
	}

	var entries []wireEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("codec: unmarshal page: %w", err)
	}

	tree := storage.NewPageTree(maxTreeSize)
	for _, e := range entries {
		key := storage.Key{ID: e.ID, LSN: e.LSN}
		if e.Tombstone {
			tree.Set(key, storage.Deleted)
		} else {
			tree.Set(key, storage.Live(e.Payload))
		}
	}
	return tree, nil
}

func (c *JSONCodec) compressionLevel() int {
	if c.CompressionLevel == 0 {
		return flate.DefaultCompression
	}
	return c.CompressionLevel
}

func deflate(raw []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}
