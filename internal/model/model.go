// Package model implements the "user-facing model/class layer" spec.md
// treats abstractly (section 9): a constructor that turns a raw payload
// plus an id into the instance a caller actually receives.
//
// spec.md's original describes virtual properties with getters/setters
// backed by per-field validators; section 9 explicitly recommends a typed
// builder pattern for statically typed target languages instead of
// replicating property descriptors. Instance is that builder.
package model

// Instance is a document plus the identity and version metadata the
// storage engine tracks for it.
type Instance struct {
	ID      uint32
	LSN     uint64
	Payload map[string]any
	Deleted bool
}

// Constructor builds a typed value of T from a raw payload and id. Callers
// that don't need a typed wrapper can use Default, which returns Instance
// itself.
type Constructor[T any] func(payload map[string]any, id uint32, lsn uint64) (T, error)

// Default is the identity constructor: it wraps payload/id/lsn in an
// Instance without further conversion.
func Default(payload map[string]any, id uint32, lsn uint64) (Instance, error) {
	return Instance{ID: id, LSN: lsn, Payload: payload}, nil
}

// Build runs ctor against inst's raw fields, letting a caller project an
// Instance into whatever typed shape it actually wants back (a DTO, a
// generated struct, or Default for the Instance itself).
func Build[T any](ctor Constructor[T], inst Instance) (T, error) {
	return ctor(inst.Payload, inst.ID, inst.LSN)
}

// Get returns the value stored at field, and whether it was present.
func (i Instance) Get(field string) (any, bool) {
	v, ok := i.Payload[field]
	return v, ok
}
