package memory

import (
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// ResidencyContainer is the ordered set of allocations a submission declares as needed.
// Duplicates are rejected at insert time, so the container never holds an allocation twice.
type ResidencyContainer struct {
	allocations []*GraphicsAllocation
	index       *swiss.Map[AllocationID, int]
}

func NewResidencyContainer() *ResidencyContainer {
	return &ResidencyContainer{
		index: swiss.NewMap[AllocationID, int](42),
	}
}

// Add appends every allocation not already present. Nil allocations are ignored.
func (c *ResidencyContainer) Add(allocs ...*GraphicsAllocation) {
	for _, alloc := range allocs {
		if alloc == nil || c.index.Has(alloc.id) {
			continue
		}

		c.index.Put(alloc.id, len(c.allocations))
		c.allocations = append(c.allocations, alloc)
	}
}

// AddAll appends every allocation of other not already present
func (c *ResidencyContainer) AddAll(other *ResidencyContainer) {
	c.Add(other.allocations...)
}

func (c *ResidencyContainer) Contains(alloc *GraphicsAllocation) bool {
	return alloc != nil && c.index.Has(alloc.id)
}

// Remove drops alloc, preserving the order of the remaining entries
func (c *ResidencyContainer) Remove(alloc *GraphicsAllocation) bool {
	if alloc == nil {
		return false
	}

	position, ok := c.index.Get(alloc.id)
	if !ok {
		return false
	}

	c.allocations = slices.Delete(c.allocations, position, position+1)
	c.index.Delete(alloc.id)
	for i := position; i < len(c.allocations); i++ {
		c.index.Put(c.allocations[i].id, i)
	}
	return true
}

// Truncate drops every entry from position n onward
func (c *ResidencyContainer) Truncate(n int) {
	if n >= len(c.allocations) {
		return
	}

	for _, alloc := range c.allocations[n:] {
		c.index.Delete(alloc.id)
	}
	c.allocations = c.allocations[:n]
}

func (c *ResidencyContainer) Len() int { return len(c.allocations) }

// Allocations returns the entries in insertion order. The slice must not be modified.
func (c *ResidencyContainer) Allocations() []*GraphicsAllocation { return c.allocations }

func (c *ResidencyContainer) Clear() {
	c.allocations = c.allocations[:0]
	c.index.Clear()
}
