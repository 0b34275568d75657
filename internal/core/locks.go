package core

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 128

// keyedMutex serializes writers per order id with a fixed set of striped
// locks. A stripe is held only across decide-and-append, never across a
// network call.
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (m *keyedMutex) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &m.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu
}
