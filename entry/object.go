package entry

// CacheObject is an opaque value wrapper. It may carry a pre-serialized
// form alongside (or instead of) the live Go value, plus a type tag used
// by callers that need to distinguish value shapes without deserializing
// (e.g. the row store, which never looks inside a value). Serialization
// itself is a caller concern (spec.md §1 Out of scope); CacheObject only
// remembers whether one has already been produced so it is never redone.
type CacheObject struct {
	value      any
	serialized []byte
	typeTag    string
}

// NewCacheObject wraps a live value with no pre-serialized form.
func NewCacheObject(value any) *CacheObject {
	return &CacheObject{value: value}
}

// NewSerializedCacheObject wraps a value alongside its already-serialized
// bytes and type tag, so a caller that only needs the bytes (e.g. DR
// replication) never triggers a redundant marshal.
func NewSerializedCacheObject(value any, serialized []byte, typeTag string) *CacheObject {
	return &CacheObject{value: value, serialized: serialized, typeTag: typeTag}
}

// Value returns the live Go value, which may be nil for a tombstone.
func (c *CacheObject) Value() any {
	if c == nil {
		return nil
	}
	return c.value
}

// Serialized returns the pre-serialized bytes and whether they are
// present. It never serializes on demand — that's the caller's job.
func (c *CacheObject) Serialized() ([]byte, bool) {
	if c == nil || c.serialized == nil {
		return nil, false
	}
	return c.serialized, true
}

// TypeTag returns the opaque type tag, empty string if unset.
func (c *CacheObject) TypeTag() string {
	if c == nil {
		return ""
	}
	return c.typeTag
}

// IsNil reports whether the wrapper itself, or the value it carries, is
// absent. A tombstone entry has a nil *CacheObject.
func (c *CacheObject) IsNil() bool {
	return c == nil || c.value == nil
}
