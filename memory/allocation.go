package memory

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dolthub/swiss"
)

// ObjectNotUsed is the task count of an allocation that was never used by a context
const ObjectNotUsed = ^uint64(0)

// GraphicsAllocation is one block of GPU-addressable memory with a host view. The memory manager
// owns its lifetime; everything else refers to it by pointer or AllocationID.
type GraphicsAllocation struct {
	id              AllocationID
	allocType       AllocationType
	pool            MemoryPool
	segment         Segment
	rootDeviceIndex uint32
	size            int

	gpuAddress     GpuAddress
	gpuBaseAddress GpuAddress

	storage []uint64
	cpu     []byte

	mutex sync.Mutex
	// residency maps a context id to the task count at which the allocation was last made resident
	residency *swiss.Map[uint32, uint64]
	// usage maps a context id to the last task count that referenced the allocation
	usage *swiss.Map[uint32, uint64]
}

func newGraphicsAllocation(id AllocationID, props AllocationProperties, segment Segment, size int, gpuAddress, gpuBase GpuAddress) *GraphicsAllocation {
	storage := make([]uint64, (size+7)/8)
	return &GraphicsAllocation{
		id:              id,
		allocType:       props.Type,
		pool:            props.Pool,
		segment:         segment,
		rootDeviceIndex: props.RootDeviceIndex,
		size:            size,
		gpuAddress:      gpuAddress,
		gpuBaseAddress:  gpuBase,
		storage:         storage,
		cpu:             unsafe.Slice((*byte)(unsafe.Pointer(&storage[0])), len(storage)*8)[:size],
		residency:       swiss.NewMap[uint32, uint64](4),
		usage:           swiss.NewMap[uint32, uint64](4),
	}
}

func (a *GraphicsAllocation) ID() AllocationID           { return a.id }
func (a *GraphicsAllocation) Type() AllocationType       { return a.allocType }
func (a *GraphicsAllocation) MemoryPool() MemoryPool     { return a.pool }
func (a *GraphicsAllocation) Segment() Segment           { return a.segment }
func (a *GraphicsAllocation) RootDeviceIndex() uint32    { return a.rootDeviceIndex }
func (a *GraphicsAllocation) Size() int                  { return a.size }
func (a *GraphicsAllocation) GpuAddress() GpuAddress     { return a.gpuAddress }
func (a *GraphicsAllocation) GpuBaseAddress() GpuAddress { return a.gpuBaseAddress }

// GpuAddressToPatch is the address relative to the base of the segment the allocation lives in
func (a *GraphicsAllocation) GpuAddressToPatch() GpuAddress {
	return a.gpuAddress - a.gpuBaseAddress
}

// Contains reports whether addr falls inside the allocation
func (a *GraphicsAllocation) Contains(addr GpuAddress) bool {
	return addr >= a.gpuAddress && addr < a.gpuAddress+GpuAddress(a.size)
}

// Bytes returns the host view of the allocation. Writes through it are not synchronized; memory
// that the GPU and the host touch concurrently must go through the atomic accessors.
func (a *GraphicsAllocation) Bytes() []byte { return a.cpu }

func (a *GraphicsAllocation) String() string {
	return fmt.Sprintf("%s#%d@%s+%d", a.allocType, a.id, a.gpuAddress, a.size)
}

func (a *GraphicsAllocation) checkAtomic(offset, width int) {
	if offset < 0 || offset+width > len(a.storage)*8 || offset%width != 0 {
		panic(fmt.Sprintf("unaligned or out of range %d-byte atomic access at offset %d of %s", width, offset, a))
	}
}

// Load32 atomically reads the dword at offset
func (a *GraphicsAllocation) Load32(offset int) uint32 {
	a.checkAtomic(offset, 4)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.cpu[offset])))
}

// Store32 atomically writes the dword at offset
func (a *GraphicsAllocation) Store32(offset int, value uint32) {
	a.checkAtomic(offset, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&a.cpu[offset])), value)
}

// Load64 atomically reads the qword at offset
func (a *GraphicsAllocation) Load64(offset int) uint64 {
	a.checkAtomic(offset, 8)
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&a.cpu[offset])))
}

// Store64 atomically writes the qword at offset
func (a *GraphicsAllocation) Store64(offset int, value uint64) {
	a.checkAtomic(offset, 8)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&a.cpu[offset])), value)
}

// Add64 atomically adds delta to the qword at offset and returns the new value
func (a *GraphicsAllocation) Add64(offset int, delta uint64) uint64 {
	a.checkAtomic(offset, 8)
	return atomic.AddUint64((*uint64)(unsafe.Pointer(&a.cpu[offset])), delta)
}

// PutUint64 writes a little-endian qword without synchronization
func (a *GraphicsAllocation) PutUint64(offset int, value uint64) {
	binary.LittleEndian.PutUint64(a.cpu[offset:], value)
}

// IsResident reports whether the allocation was made resident for contextID
func (a *GraphicsAllocation) IsResident(contextID uint32) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.residency.Has(contextID)
}

// UpdateResidencyTaskCount records that the allocation is resident for contextID until at least
// taskCount completes
func (a *GraphicsAllocation) UpdateResidencyTaskCount(contextID uint32, taskCount uint64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.residency.Put(contextID, taskCount)
}

// ResidencyTaskCount returns the task count up to which the allocation is resident for contextID
func (a *GraphicsAllocation) ResidencyTaskCount(contextID uint32) (uint64, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.residency.Get(contextID)
}

// ReleaseResidency drops residency for contextID
func (a *GraphicsAllocation) ReleaseResidency(contextID uint32) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.residency.Delete(contextID)
}

// UpdateTaskCount records that taskCount on contextID referenced the allocation
func (a *GraphicsAllocation) UpdateTaskCount(contextID uint32, taskCount uint64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.usage.Put(contextID, taskCount)
}

// TaskCount returns the last task count on contextID that referenced the allocation, or
// ObjectNotUsed
func (a *GraphicsAllocation) TaskCount(contextID uint32) uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	taskCount, ok := a.usage.Get(contextID)
	if !ok {
		return ObjectNotUsed
	}
	return taskCount
}

// IsUsed reports whether any context has referenced the allocation
func (a *GraphicsAllocation) IsUsed() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.usage.Count() > 0
}

// VisitUsage calls visit for each context that referenced the allocation
func (a *GraphicsAllocation) VisitUsage(visit func(contextID uint32, taskCount uint64)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.usage.Iter(func(contextID uint32, taskCount uint64) bool {
		visit(contextID, taskCount)
		return false
	})
}
