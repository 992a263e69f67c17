package container

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/stream"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// InitOptions configures CommandContainer.Initialize
type InitOptions struct {
	Logger          *slog.Logger
	Manager         memory.Manager
	Family          *encoder.Family
	Settings        config.Settings
	RootDeviceIndex uint32

	// ReusableList supplies retired command buffers and heaps and receives them back on Reset.
	// When nil, retired allocations are freed.
	ReusableList *memory.ReusableList
	// IsAllocationIdle decides whether a retired allocation may be reused. When nil, every retired
	// allocation is considered idle.
	IsAllocationIdle func(alloc *memory.GraphicsAllocation) bool

	// DefaultHeapSize is the size of new indirect heaps. Zero selects the settings override or the
	// family default.
	DefaultHeapSize int
	// RequireHeaps creates the indirect heaps at initialization
	RequireHeaps bool
	// UseSecondaryBuffer places command buffers in system memory
	UseSecondaryBuffer bool
	// ImmediateCmdList retains the primary command buffer across Reset
	ImmediateCmdList bool
	// SBATracking means the queue owns state base address programming; the surface state heap is
	// then sized to exactly the family's SBA heap size
	SBATracking bool
	HeapModel   sba.HeapAddressModel
	// SharedHeaps, when set, replaces the container's own heaps with slices of heaps shared by every
	// immediate list of one engine context
	SharedHeaps *SharedHeaps
}

// CommandContainer owns the command buffers and indirect heaps of one command list, along with the
// residency container listing every allocation those buffers and heaps reference. It is not safe
// for concurrent use.
type CommandContainer struct {
	logger          *slog.Logger
	manager         memory.Manager
	family          *encoder.Family
	settings        config.Settings
	rootDeviceIndex uint32
	reusable        *memory.ReusableList
	isIdle          func(alloc *memory.GraphicsAllocation) bool

	commandBufferSize int
	defaultHeapSize   int
	secondaryBuffer   bool
	immediate         bool
	sbaTracking       bool
	heapModel         sba.HeapAddressModel

	commandStream *stream.LinearStream
	cmdBuffers    []*memory.GraphicsAllocation

	heaps        [stream.NumHeapTypes]*stream.IndirectHeap
	retiredHeaps []*memory.GraphicsAllocation
	dirtyHeaps   uint32
	shared       *SharedHeaps

	residency    *memory.ResidencyContainer
	deallocation []*memory.GraphicsAllocation
	// allocations indexes every command buffer and heap this container has handed out sites in
	allocations *swiss.Map[memory.AllocationID, *memory.GraphicsAllocation]
}

var _ stream.Chainer = &CommandContainer{}

func (c *CommandContainer) Initialize(options InitOptions) error {
	if options.Manager == nil || options.Family == nil {
		return ze.Errorf(ze.ErrorInvalidNullHandle, "a command container needs a memory manager and an encoder family")
	}

	c.logger = options.Logger
	if c.logger == nil {
		c.logger = memory.DiscardLogger()
	}
	c.logger.Debug("CommandContainer::Initialize")

	c.manager = options.Manager
	c.family = options.Family
	c.settings = options.Settings
	c.rootDeviceIndex = options.RootDeviceIndex
	c.reusable = options.ReusableList
	c.isIdle = options.IsAllocationIdle
	c.secondaryBuffer = options.UseSecondaryBuffer
	c.immediate = options.ImmediateCmdList
	c.sbaTracking = options.SBATracking
	c.heapModel = options.HeapModel
	c.shared = options.SharedHeaps

	c.commandBufferSize = c.family.Caps.CommandBufferSize
	if c.settings.DefaultCommandBufferSize > 0 {
		c.commandBufferSize = memutils.AlignUp(c.settings.DefaultCommandBufferSize, memutils.PageSize)
	}
	if c.family.UsableCommandBufferSize(c.commandBufferSize) <= 0 {
		return ze.Errorf(ze.ErrorInvalidSize, "command buffer size %d leaves no usable space", c.commandBufferSize)
	}

	c.defaultHeapSize = c.family.Caps.DefaultHeapSize
	if c.settings.DefaultHeapSize > 0 {
		c.defaultHeapSize = c.settings.DefaultHeapSize
	}
	if options.DefaultHeapSize > 0 {
		c.defaultHeapSize = options.DefaultHeapSize
	}

	c.residency = memory.NewResidencyContainer()
	c.allocations = swiss.NewMap[memory.AllocationID, *memory.GraphicsAllocation](8)

	buffer, err := c.obtainCommandBuffer()
	if err != nil {
		return err
	}
	c.commandStream = &stream.LinearStream{}
	c.commandStream.SetChainer(c)
	c.attachCommandBuffer(buffer)

	if options.RequireHeaps {
		if c.shared != nil {
			for heapType := stream.HeapType(0); heapType < stream.NumHeapTypes; heapType++ {
				c.AddToResidencyContainer(c.shared.Heap(heapType).Allocation())
			}
		} else {
			for heapType := stream.HeapType(0); heapType < stream.NumHeapTypes; heapType++ {
				if c.skipHeap(heapType) {
					continue
				}

				heap, err := c.createHeap(heapType, c.heapSize(heapType, 0))
				if err != nil {
					c.Destroy()
					return err
				}
				c.heaps[heapType] = heap
			}
		}
	}
	c.SetDirtyStateForAllHeaps(true)

	return nil
}

// skipHeap reports whether the heap address model makes a heap type unnecessary
func (c *CommandContainer) skipHeap(heapType stream.HeapType) bool {
	switch heapType {
	case stream.HeapSurfaceState:
		return c.heapModel != sba.PrivateHeaps
	case stream.HeapDynamicState:
		return c.family.Caps.HeaplessMode
	}
	return false
}

func (c *CommandContainer) commandBufferPool() memory.MemoryPool {
	if c.secondaryBuffer {
		return memory.MemoryPoolSystem
	}
	return memory.MemoryPoolLocal
}

func (c *CommandContainer) idle(alloc *memory.GraphicsAllocation) bool {
	if c.isIdle == nil {
		return true
	}
	return c.isIdle(alloc)
}

func (c *CommandContainer) obtainCommandBuffer() (*memory.GraphicsAllocation, error) {
	if c.reusable != nil && c.settings.UseCommandBufferReuse {
		alloc := c.reusable.Detach(c.commandBufferSize, memory.AllocationTypeCommandBuffer, c.idle)
		if alloc != nil {
			c.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandContainer::obtainCommandBuffer reused",
				slog.Uint64("id", uint64(alloc.ID())))
			return alloc, nil
		}
	}

	alloc, err := c.manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: c.rootDeviceIndex,
		Size:            c.commandBufferSize,
		Type:            memory.AllocationTypeCommandBuffer,
		Pool:            c.commandBufferPool(),
	})
	if err != nil {
		return nil, ze.Errorf(ze.ErrorOutOfDeviceMemory, "allocating command buffer: %v", err)
	}
	return alloc, nil
}

func (c *CommandContainer) attachCommandBuffer(alloc *memory.GraphicsAllocation) {
	usable := c.family.UsableCommandBufferSize(c.commandBufferSize)
	c.commandStream.Replace(alloc, usable, encoder.BatchBufferStartSize)
	c.cmdBuffers = append(c.cmdBuffers, alloc)
	c.allocations.Put(alloc.ID(), alloc)
	c.AddToResidencyContainer(alloc)
}

func (c *CommandContainer) retire(alloc *memory.GraphicsAllocation) {
	c.allocations.Delete(alloc.ID())
	if c.reusable != nil && c.settings.UseCommandBufferReuse {
		c.reusable.Push(alloc)
		return
	}
	c.manager.FreeGraphicsMemory(alloc)
}

// CommandStream returns the stream receiving new commands
func (c *CommandContainer) CommandStream() *stream.LinearStream { return c.commandStream }

// CommandBuffers returns every command buffer of the chain in order. The first is where execution
// of the list starts.
func (c *CommandContainer) CommandBuffers() []*memory.GraphicsAllocation { return c.cmdBuffers }

func (c *CommandContainer) Family() *encoder.Family               { return c.family }
func (c *CommandContainer) HeapModel() sba.HeapAddressModel       { return c.heapModel }
func (c *CommandContainer) IsImmediate() bool                     { return c.immediate }
func (c *CommandContainer) SharedHeaps() *SharedHeaps             { return c.shared }
func (c *CommandContainer) Residency() *memory.ResidencyContainer { return c.residency }

// AllocateNextCommandBuffer switches the stream to a fresh command buffer. The caller is
// responsible for linking the previous buffer to it.
func (c *CommandContainer) AllocateNextCommandBuffer() error {
	alloc, err := c.obtainCommandBuffer()
	if err != nil {
		return err
	}

	c.attachCommandBuffer(alloc)
	return nil
}

// CloseAndAllocateNextCommandBuffer terminates the current buffer with a jump into a fresh one
func (c *CommandContainer) CloseAndAllocateNextCommandBuffer() error {
	alloc, err := c.obtainCommandBuffer()
	if err != nil {
		return err
	}

	jump, err := c.commandStream.GetReservedSpace(encoder.BatchBufferStartSize)
	if err != nil {
		c.retire(alloc)
		return errors.Wrap(err, "no room left for the chaining jump")
	}
	encoder.BatchBufferStart{Address: alloc.GpuAddress()}.Encode(jump)

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandContainer::CloseAndAllocateNextCommandBuffer",
		slog.Int("buffers", len(c.cmdBuffers)+1))

	c.attachCommandBuffer(alloc)
	return nil
}

// ChainNextBuffer is called by the command stream when a request does not fit
func (c *CommandContainer) ChainNextBuffer(requiredSize int) error {
	return c.CloseAndAllocateNextCommandBuffer()
}

// AddToResidencyContainer records allocations referenced by this container's commands. Duplicates
// are dropped at insert time.
func (c *CommandContainer) AddToResidencyContainer(allocs ...*memory.GraphicsAllocation) {
	c.residency.Add(allocs...)
}

// AddToDeallocationContainer hands an allocation to the container, which frees it on Reset or
// Destroy
func (c *CommandContainer) AddToDeallocationContainer(alloc *memory.GraphicsAllocation) {
	c.deallocation = append(c.deallocation, alloc)
}

// Reset empties the container for reuse. Command buffers and retired heaps go back to the reusable
// list; an immediate list keeps its primary buffer.
func (c *CommandContainer) Reset() error {
	c.logger.Debug("CommandContainer::Reset")

	keep := 0
	if c.immediate {
		keep = 1
	}
	for _, alloc := range c.cmdBuffers[keep:] {
		c.retire(alloc)
	}
	c.cmdBuffers = c.cmdBuffers[:keep]

	for _, alloc := range c.retiredHeaps {
		c.retire(alloc)
	}
	c.retiredHeaps = nil

	for _, alloc := range c.deallocation {
		c.manager.FreeGraphicsMemory(alloc)
	}
	c.deallocation = nil

	c.residency.Clear()

	if keep == 0 {
		alloc, err := c.obtainCommandBuffer()
		if err != nil {
			return err
		}
		c.attachCommandBuffer(alloc)
	} else {
		primary := c.cmdBuffers[0]
		c.cmdBuffers = c.cmdBuffers[:0]
		c.attachCommandBuffer(primary)
	}

	for _, heap := range c.heaps {
		if heap == nil {
			continue
		}
		heap.Rewind(0)
		c.AddToResidencyContainer(heap.Allocation())
	}
	if c.shared != nil {
		for heapType := stream.HeapType(0); heapType < stream.NumHeapTypes; heapType++ {
			c.AddToResidencyContainer(c.shared.Heap(heapType).Allocation())
		}
	}
	c.SetDirtyStateForAllHeaps(true)

	return nil
}

// Destroy returns every allocation the container owns
func (c *CommandContainer) Destroy() {
	c.logger.Debug("CommandContainer::Destroy")

	for _, alloc := range c.cmdBuffers {
		c.retire(alloc)
	}
	c.cmdBuffers = nil

	for i, heap := range c.heaps {
		if heap == nil {
			continue
		}
		c.retire(heap.Allocation())
		c.heaps[i] = nil
	}
	for _, alloc := range c.retiredHeaps {
		c.retire(alloc)
	}
	c.retiredHeaps = nil

	for _, alloc := range c.deallocation {
		c.manager.FreeGraphicsMemory(alloc)
	}
	c.deallocation = nil

	if c.residency != nil {
		c.residency.Clear()
	}
}
