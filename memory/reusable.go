package memory

import (
	"sync"

	"golang.org/x/exp/slices"
)

// ReusableList holds retired command buffers and heaps so that new command lists can pick them up
// instead of allocating. An allocation can only be detached once the GPU is done with it.
type ReusableList struct {
	mutex       sync.Mutex
	allocations []*GraphicsAllocation
}

// Push returns an allocation to the list
func (l *ReusableList) Push(alloc *GraphicsAllocation) {
	if alloc == nil {
		return
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.allocations = append(l.allocations, alloc)
}

// Detach removes and returns the first allocation of allocType that is at least minSize bytes and
// that isIdle accepts. It returns nil when none qualifies.
func (l *ReusableList) Detach(minSize int, allocType AllocationType, isIdle func(*GraphicsAllocation) bool) *GraphicsAllocation {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for i, alloc := range l.allocations {
		if alloc.allocType != allocType || alloc.size < minSize {
			continue
		}
		if isIdle != nil && !isIdle(alloc) {
			continue
		}

		l.allocations = slices.Delete(l.allocations, i, i+1)
		return alloc
	}

	return nil
}

// Len returns the number of allocations waiting for reuse
func (l *ReusableList) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return len(l.allocations)
}

// FreeAll releases every allocation in the list through manager
func (l *ReusableList) FreeAll(manager Manager) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for _, alloc := range l.allocations {
		manager.FreeGraphicsMemory(alloc)
	}
	l.allocations = nil
}
