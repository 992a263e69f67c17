package memory

import "fmt"

// GpuAddress is a virtual address in the GPU address space
type GpuAddress uint64

func (a GpuAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// AllocationID identifies a GraphicsAllocation for the lifetime of its memory manager
type AllocationID uint64

// AllocationType describes what a graphics allocation is used for. The memory manager uses it to
// pick the address segment and memory pool.
type AllocationType uint32

const (
	AllocationTypeUnknown AllocationType = iota
	AllocationTypeCommandBuffer
	AllocationTypeLinearStream
	AllocationTypeInternalHeap
	AllocationTypeKernelIsa
	AllocationTypeScratchSurface
	AllocationTypeTagBuffer
	AllocationTypeTimestampPacketTagBuffer
	AllocationTypeGpuTimestampDeviceBuffer
	AllocationTypeBuffer
	AllocationTypeBufferHostMemory
	AllocationTypeSvmGpu
	AllocationTypePreemption
	AllocationTypeGlobalFence
	AllocationTypePrintfSurface
	AllocationTypeAssertBuffer
	AllocationTypeGlobalSurfaceStateHeap
	AllocationTypeDeferredTasksList
)

var allocationTypeMapping = map[AllocationType]string{
	AllocationTypeUnknown:                  "AllocationTypeUnknown",
	AllocationTypeCommandBuffer:            "AllocationTypeCommandBuffer",
	AllocationTypeLinearStream:             "AllocationTypeLinearStream",
	AllocationTypeInternalHeap:             "AllocationTypeInternalHeap",
	AllocationTypeKernelIsa:                "AllocationTypeKernelIsa",
	AllocationTypeScratchSurface:           "AllocationTypeScratchSurface",
	AllocationTypeTagBuffer:                "AllocationTypeTagBuffer",
	AllocationTypeTimestampPacketTagBuffer: "AllocationTypeTimestampPacketTagBuffer",
	AllocationTypeGpuTimestampDeviceBuffer: "AllocationTypeGpuTimestampDeviceBuffer",
	AllocationTypeBuffer:                   "AllocationTypeBuffer",
	AllocationTypeBufferHostMemory:         "AllocationTypeBufferHostMemory",
	AllocationTypeSvmGpu:                   "AllocationTypeSvmGpu",
	AllocationTypePreemption:               "AllocationTypePreemption",
	AllocationTypeGlobalFence:              "AllocationTypeGlobalFence",
	AllocationTypePrintfSurface:            "AllocationTypePrintfSurface",
	AllocationTypeAssertBuffer:             "AllocationTypeAssertBuffer",
	AllocationTypeGlobalSurfaceStateHeap:   "AllocationTypeGlobalSurfaceStateHeap",
	AllocationTypeDeferredTasksList:        "AllocationTypeDeferredTasksList",
}

func (t AllocationType) String() string {
	str, ok := allocationTypeMapping[t]
	if !ok {
		return fmt.Sprintf("AllocationType(%d)", uint32(t))
	}
	return str
}

// Segment identifies the address range an allocation type is placed in
type Segment uint8

const (
	// SegmentStandard is the full-range segment for user and driver buffers
	SegmentStandard Segment = iota
	// SegmentInternal is the 4GB window addressed relative to the instruction and indirect
	// object base addresses
	SegmentInternal
	// SegmentExternal is the 4GB window addressed relative to the surface and dynamic state base
	// addresses
	SegmentExternal

	segmentCount
)

var segmentMapping = map[Segment]string{
	SegmentStandard: "SegmentStandard",
	SegmentInternal: "SegmentInternal",
	SegmentExternal: "SegmentExternal",
}

func (s Segment) String() string {
	return segmentMapping[s]
}

// SegmentForType returns the address segment allocations of type t must live in
func SegmentForType(t AllocationType) Segment {
	switch t {
	case AllocationTypeInternalHeap, AllocationTypeKernelIsa, AllocationTypeScratchSurface:
		return SegmentInternal
	case AllocationTypeLinearStream, AllocationTypeGlobalSurfaceStateHeap:
		return SegmentExternal
	default:
		return SegmentStandard
	}
}

// MemoryPool is the physical placement of an allocation
type MemoryPool uint8

const (
	MemoryPoolSystem MemoryPool = iota
	MemoryPoolLocal
)

var memoryPoolMapping = map[MemoryPool]string{
	MemoryPoolSystem: "MemoryPoolSystem",
	MemoryPoolLocal:  "MemoryPoolLocal",
}

func (p MemoryPool) String() string {
	return memoryPoolMapping[p]
}

// AllocationProperties describes a requested graphics allocation
type AllocationProperties struct {
	RootDeviceIndex uint32
	Size            int
	Type            AllocationType
	// Alignment must be a power of two; zero means page alignment
	Alignment int
	// Pool selects local or system memory
	Pool MemoryPool
}
