// Package ordered provides an insertion-ordered multimap.
package ordered

import "iter"

// Multimap maps keys to ordered lists of values. Keys iterate in the order
// they were first added and values in the order they were appended.
// The zero value is not usable; call NewMultimap.
// A Multimap is not safe for concurrent use.
type Multimap[K comparable, V any] struct {
	keys   []K
	values map[K][]V
}

// NewMultimap creates an empty multimap.
func NewMultimap[K comparable, V any]() *Multimap[K, V] {
	return &Multimap[K, V]{values: make(map[K][]V)}
}

// Append adds value to the end of key's list, registering key on first use.
func (m *Multimap[K, V]) Append(key K, value V) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = append(m.values[key], value)
}

// Len returns the number of distinct keys.
func (m *Multimap[K, V]) Len() int {
	return len(m.keys)
}

// All yields each key with its values in first-seen key order.
func (m *Multimap[K, V]) All() iter.Seq2[K, []V] {
	return func(yield func(K, []V) bool) {
		for _, k := range m.keys {
			if !yield(k, m.values[k]) {
				return
			}
		}
	}
}
