package memory

// Manager owns physical and virtual GPU memory. It is the boundary to the platform memory manager;
// HostManager is the software implementation used when no hardware backend is attached.
type Manager interface {
	// AllocateGraphicsMemory returns an allocation of at least props.Size bytes. Failure to find
	// memory is reported with a ze.ErrorOutOfDeviceMemory (or ze.ErrorOutOfHostMemory) result.
	AllocateGraphicsMemory(props AllocationProperties) (*GraphicsAllocation, error)
	// FreeGraphicsMemory releases an allocation. Freeing nil is a no-op.
	FreeGraphicsMemory(alloc *GraphicsAllocation)
	// HeapBase returns the base address of segment. Heaps addressed in 4GB-flat mode resolve
	// against it.
	HeapBase(rootDeviceIndex uint32, segment Segment) GpuAddress
	// FindAllocation returns the live allocation that contains addr and addr's offset within it
	FindAllocation(addr GpuAddress) (*GraphicsAllocation, int, bool)
}
