package container

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/stream"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// HeapSpace is a reservation inside an indirect heap
type HeapSpace struct {
	// Offset is relative to the heap's programmed base, which is what commands encode
	Offset uint64
	// GpuAddress is the absolute address of the reservation
	GpuAddress memory.GpuAddress
	Data       []byte
	Site       PatchSite
}

func heapAllocationType(heapType stream.HeapType) memory.AllocationType {
	if heapType == stream.HeapIndirectObject {
		return memory.AllocationTypeInternalHeap
	}
	return memory.AllocationTypeLinearStream
}

// heapCanBe4GB reports whether a heap is addressed from its segment base. The indirect object heap
// always is, so growing it never changes the programmed state.
func heapCanBe4GB(heapType stream.HeapType) bool {
	return heapType == stream.HeapIndirectObject
}

func (c *CommandContainer) heapSize(heapType stream.HeapType, required int) int {
	if heapType == stream.HeapSurfaceState && c.sbaTracking && required <= c.family.Caps.SBAHeapSize {
		return c.family.Caps.SBAHeapSize
	}

	size := c.defaultHeapSize
	if required > size {
		size = required
	}
	return memutils.AlignUp(size, memutils.PageSize)
}

func (c *CommandContainer) createHeap(heapType stream.HeapType, size int) (*stream.IndirectHeap, error) {
	allocType := heapAllocationType(heapType)

	var alloc *memory.GraphicsAllocation
	if c.reusable != nil && c.settings.UseCommandBufferReuse {
		alloc = c.reusable.Detach(size, allocType, c.idle)
	}
	if alloc == nil {
		var err error
		alloc, err = c.manager.AllocateGraphicsMemory(memory.AllocationProperties{
			RootDeviceIndex: c.rootDeviceIndex,
			Size:            size,
			Type:            allocType,
			Pool:            memory.MemoryPoolLocal,
		})
		if err != nil {
			return nil, ze.Errorf(ze.ErrorOutOfDeviceMemory, "allocating %s: %v", heapType, err)
		}
	}

	c.allocations.Put(alloc.ID(), alloc)
	c.AddToResidencyContainer(alloc)
	return stream.NewIndirectHeap(alloc, heapType, heapCanBe4GB(heapType)), nil
}

// GetIndirectHeap returns the container's current heap of heapType, or nil if the container has
// none
func (c *CommandContainer) GetIndirectHeap(heapType stream.HeapType) *stream.IndirectHeap {
	if c.shared != nil {
		return c.shared.Heap(heapType)
	}
	return c.heaps[heapType]
}

// GetHeapWithRequiredSizeAndAlignment returns a heap of heapType with at least size bytes left
// after aligning to alignment. When the current heap is too small it is retired, keeping its
// contents and residency, and a new heap is created and marked dirty.
func (c *CommandContainer) GetHeapWithRequiredSizeAndAlignment(heapType stream.HeapType, size int, alignment int) (*stream.IndirectHeap, error) {
	if c.shared != nil {
		return nil, errors.Newf("%s is shared and cannot be grown by one container", heapType)
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "%v", err)
	}

	heap := c.heaps[heapType]
	if heap != nil && heap.AvailableWithAlignment(alignment) >= size {
		return heap, nil
	}

	replacement, err := c.createHeap(heapType, c.heapSize(heapType, size+alignment))
	if err != nil {
		return nil, err
	}

	if heap != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandContainer::GetHeapWithRequiredSizeAndAlignment grew heap",
			slog.String("type", heapType.String()),
			slog.Int("oldSize", heap.Allocation().Size()),
			slog.Int("newSize", replacement.Allocation().Size()))
		c.retiredHeaps = append(c.retiredHeaps, heap.Allocation())
	}

	c.heaps[heapType] = replacement
	c.SetHeapDirty(heapType)
	return replacement, nil
}

// AllocateHeapSpace reserves size bytes at alignment in the heap of heapType, growing owned heaps
// or borrowing from shared ones as needed. Shared heaps must be locked by the caller.
func (c *CommandContainer) AllocateHeapSpace(heapType stream.HeapType, size int, alignment int) (HeapSpace, error) {
	if c.shared != nil {
		return c.shared.Reserve(heapType, size, alignment)
	}

	heap, err := c.GetHeapWithRequiredSizeAndAlignment(heapType, size, alignment)
	if err != nil {
		return HeapSpace{}, err
	}

	offset, data, err := heap.AllocateAligned(size, alignment)
	if err != nil {
		return HeapSpace{}, err
	}

	local := int(offset - heap.HeapGpuStartOffset())
	return HeapSpace{
		Offset:     offset,
		GpuAddress: heap.Allocation().GpuAddress() + memory.GpuAddress(local),
		Data:       data,
		Site:       PatchSite{Allocation: heap.Allocation().ID(), Offset: local},
	}, nil
}

func (c *CommandContainer) IsHeapDirty(heapType stream.HeapType) bool {
	return c.dirtyHeaps&(1<<heapType) != 0
}

func (c *CommandContainer) IsAnyHeapDirty() bool {
	return c.dirtyHeaps != 0
}

func (c *CommandContainer) SetHeapDirty(heapType stream.HeapType) {
	c.dirtyHeaps |= 1 << heapType
}

// SetDirtyStateForAllHeaps marks every heap dirty or clean at once. Lists clear the dirty state
// after they program state base address.
func (c *CommandContainer) SetDirtyStateForAllHeaps(dirty bool) {
	if dirty {
		c.dirtyHeaps = 1<<stream.NumHeapTypes - 1
		return
	}
	c.dirtyHeaps = 0
}

// HeapState fills the fields of state derived from the container's current heaps
func (c *CommandContainer) HeapState(state *sba.State) {
	if heap := c.GetIndirectHeap(stream.HeapSurfaceState); heap != nil && c.heapModel == sba.PrivateHeaps {
		state.SurfaceStateBase = heap.HeapGpuBase()
		state.SurfaceStateHeapSize = heap.HeapSizeInPages()
	}
	if heap := c.GetIndirectHeap(stream.HeapDynamicState); heap != nil && !c.family.Caps.HeaplessMode {
		state.DynamicStateBase = heap.HeapGpuBase()
		state.DynamicStateHeapSize = heap.HeapSizeInPages()
	}
	if heap := c.GetIndirectHeap(stream.HeapIndirectObject); heap != nil {
		state.IndirectObjectBase = heap.HeapGpuBase()
	}
}
