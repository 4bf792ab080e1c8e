package registry

import (
	"cmp"
	"slices"
)

// Table is an immutable name to value table.
type Table[K cmp.Ordered, V any] struct {
	entries map[K]V
}

// NewTable creates a table holding a copy of entries.
func NewTable[K cmp.Ordered, V any](entries map[K]V) *Table[K, V] {
	t := &Table[K, V]{entries: make(map[K]V, len(entries))}
	for k, v := range entries {
		t.entries[k] = v
	}
	return t
}

// Get returns the value for a key and whether it exists.
func (t *Table[K, V]) Get(key K) (V, bool) {
	if t == nil {
		var zero V
		return zero, false
	}
	v, ok := t.entries[key]
	return v, ok
}

// Has returns true if the key exists in the table.
func (t *Table[K, V]) Has(key K) bool {
	_, ok := t.Get(key)
	return ok
}

// Keys returns all keys in sorted order.
func (t *Table[K, V]) Keys() []K {
	if t == nil {
		return nil
	}
	keys := make([]K, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Builder accumulates entries for a Table. It is not safe for concurrent
// use.
type Builder[K cmp.Ordered, V any] struct {
	entries map[K]V
}

// NewBuilder creates an empty builder.
func NewBuilder[K cmp.Ordered, V any]() *Builder[K, V] {
	return &Builder[K, V]{entries: make(map[K]V)}
}

// Register adds or replaces one entry.
func (b *Builder[K, V]) Register(key K, value V) *Builder[K, V] {
	b.entries[key] = value
	return b
}

// RegisterMany adds multiple entries.
func (b *Builder[K, V]) RegisterMany(entries map[K]V) *Builder[K, V] {
	for k, v := range entries {
		b.entries[k] = v
	}
	return b
}

// Build returns a table holding the current entries. The builder may keep
// being used; later changes do not affect the returned table.
func (b *Builder[K, V]) Build() *Table[K, V] {
	return NewTable(b.entries)
}
