package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentMap is a HashMap backed by a sharded concurrent map.
type ConcurrentMap[K comparable, V any] struct {
	backend cmap.ConcurrentMap[K, V]
}

// NewConcurrentMap creates a string-keyed ConcurrentMap with the given
// number of shards.
func NewConcurrentMap[V any](shards int) *ConcurrentMap[string, V] {
	cmap.SHARD_COUNT = shards
	return &ConcurrentMap[string, V]{
		backend: cmap.New[V](),
	}
}

// NewConcurrentMapStringer creates a ConcurrentMap keyed by any type that
// implements cmap.Stringer.
func NewConcurrentMapStringer[K cmap.Stringer, V any](shards int) *ConcurrentMap[K, V] {
	cmap.SHARD_COUNT = shards
	return &ConcurrentMap[K, V]{
		backend: cmap.NewStringer[K, V](),
	}
}

func (m *ConcurrentMap[K, V]) Delete(key K) {
	m.backend.Remove(key)
}

func (m *ConcurrentMap[K, V]) Load(key K) (ret V, ok bool) {
	return m.backend.Get(key)
}

func (m *ConcurrentMap[K, V]) LoadAndDelete(key K) (retVal V, retExists bool) {
	m.backend.RemoveCb(key, func(key K, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return true
	})
	return
}

func (m *ConcurrentMap[K, V]) LoadOrStore(key K, value V) (V, bool) {
	if m.backend.SetIfAbsent(key, value) {
		return value, false
	}
	return m.Load(key)
}

func (m *ConcurrentMap[K, V]) Range(cb func(K, V) bool) {
	contd := true
	for item := range m.backend.IterBuffered() {
		if contd {
			contd = cb(item.Key, item.Val)
		}
		// keep draining the channel after the callback stops iteration
	}
}

func (m *ConcurrentMap[K, V]) Store(key K, val V) {
	m.backend.Set(key, val)
}

func (m *ConcurrentMap[K, V]) Len() int {
	return m.backend.Count()
}
