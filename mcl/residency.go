package mcl

import (
	"cmp"

	"github.com/dolthub/swiss"
	"github.com/zekit/zecore/memory"
	"golang.org/x/exp/slices"
)

type residencyRef struct {
	alloc *memory.GraphicsAllocation
	refs  int
}

// mutableResidency counts how many mutable commands reference each allocation. An allocation
// leaves the set only when its last reference is released.
type mutableResidency struct {
	refs *swiss.Map[memory.AllocationID, *residencyRef]
}

func newMutableResidency() mutableResidency {
	return mutableResidency{refs: swiss.NewMap[memory.AllocationID, *residencyRef](16)}
}

func (r *mutableResidency) acquire(allocs ...*memory.GraphicsAllocation) {
	for _, alloc := range allocs {
		if alloc == nil {
			continue
		}
		ref, ok := r.refs.Get(alloc.ID())
		if !ok {
			ref = &residencyRef{alloc: alloc}
			r.refs.Put(alloc.ID(), ref)
		}
		ref.refs++
	}
}

func (r *mutableResidency) release(allocs ...*memory.GraphicsAllocation) {
	for _, alloc := range allocs {
		if alloc == nil {
			continue
		}
		ref, ok := r.refs.Get(alloc.ID())
		if !ok {
			panic("releasing an allocation the mutable residency does not hold")
		}
		ref.refs--
		if ref.refs == 0 {
			r.refs.Delete(alloc.ID())
		}
	}
}

func (r *mutableResidency) refCount(alloc *memory.GraphicsAllocation) int {
	ref, ok := r.refs.Get(alloc.ID())
	if !ok {
		return 0
	}
	return ref.refs
}

// allocations returns the referenced allocations ordered by ID
func (r *mutableResidency) allocations() []*memory.GraphicsAllocation {
	allocs := make([]*memory.GraphicsAllocation, 0, r.refs.Count())
	r.refs.Iter(func(_ memory.AllocationID, ref *residencyRef) bool {
		allocs = append(allocs, ref.alloc)
		return false
	})
	slices.SortFunc(allocs, func(a, b *memory.GraphicsAllocation) int {
		return cmp.Compare(a.ID(), b.ID())
	})
	return allocs
}

func (r *mutableResidency) clear() {
	r.refs.Clear()
}
