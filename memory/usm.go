package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// UsmType is the kind of a unified shared memory allocation
type UsmType uint8

const (
	UsmTypeHost UsmType = 1 << iota
	UsmTypeDevice
	UsmTypeShared

	UsmTypeAll = UsmTypeHost | UsmTypeDevice | UsmTypeShared
)

var usmTypeMapping = map[UsmType]string{
	UsmTypeHost:   "UsmTypeHost",
	UsmTypeDevice: "UsmTypeDevice",
	UsmTypeShared: "UsmTypeShared",
}

func (t UsmType) String() string {
	return usmTypeMapping[t]
}

type usmAllocation struct {
	alloc   *GraphicsAllocation
	usmType UsmType
	// location is the root device a shared allocation currently lives on
	location uint32
}

// UnifiedMemoryManager tracks unified shared memory pointers handed out to the application, so
// that a raw pointer passed as a kernel argument can be resolved back to its allocation and so
// that kernels allowed to access memory indirectly can have every allocation made resident.
type UnifiedMemoryManager struct {
	manager Manager
	logger  *slog.Logger

	mutex sync.RWMutex
	// allocations is sorted by GPU address
	allocations []usmAllocation
	migrations  int
}

func NewUnifiedMemoryManager(manager Manager, logger *slog.Logger) *UnifiedMemoryManager {
	if logger == nil {
		logger = DiscardLogger()
	}
	return &UnifiedMemoryManager{manager: manager, logger: logger}
}

func compareUsmAddress(entry usmAllocation, target GpuAddress) int {
	return compareAllocationAddress(entry.alloc, target)
}

func (m *UnifiedMemoryManager) allocate(rootDeviceIndex uint32, size int, alignment int, usmType UsmType) (GpuAddress, error) {
	props := AllocationProperties{
		RootDeviceIndex: rootDeviceIndex,
		Size:            size,
		Alignment:       alignment,
		Type:            AllocationTypeBuffer,
		Pool:            MemoryPoolLocal,
	}
	switch usmType {
	case UsmTypeHost:
		props.Type = AllocationTypeBufferHostMemory
		props.Pool = MemoryPoolSystem
	case UsmTypeShared:
		props.Type = AllocationTypeSvmGpu
		props.Pool = MemoryPoolSystem
	}

	alloc, err := m.manager.AllocateGraphicsMemory(props)
	if err != nil {
		return 0, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	index, _ := slices.BinarySearchFunc(m.allocations, alloc.GpuAddress(), compareUsmAddress)
	m.allocations = slices.Insert(m.allocations, index, usmAllocation{alloc: alloc, usmType: usmType, location: rootDeviceIndex})
	return alloc.GpuAddress(), nil
}

// AllocateDeviceMemory returns a pointer to device-local memory
func (m *UnifiedMemoryManager) AllocateDeviceMemory(rootDeviceIndex uint32, size int, alignment int) (GpuAddress, error) {
	return m.allocate(rootDeviceIndex, size, alignment, UsmTypeDevice)
}

// AllocateHostMemory returns a pointer to host memory accessible by the device
func (m *UnifiedMemoryManager) AllocateHostMemory(rootDeviceIndex uint32, size int, alignment int) (GpuAddress, error) {
	return m.allocate(rootDeviceIndex, size, alignment, UsmTypeHost)
}

// AllocateSharedMemory returns a pointer to memory that migrates between host and device
func (m *UnifiedMemoryManager) AllocateSharedMemory(rootDeviceIndex uint32, size int, alignment int) (GpuAddress, error) {
	return m.allocate(rootDeviceIndex, size, alignment, UsmTypeShared)
}

// Free releases the allocation that starts at ptr
func (m *UnifiedMemoryManager) Free(ptr GpuAddress) error {
	m.mutex.Lock()
	index, found := slices.BinarySearchFunc(m.allocations, ptr, compareUsmAddress)
	if !found {
		m.mutex.Unlock()
		return ze.Errorf(ze.ErrorInvalidArgument, "%s is not the start of a unified memory allocation", ptr)
	}
	entry := m.allocations[index]
	m.allocations = slices.Delete(m.allocations, index, index+1)
	m.mutex.Unlock()

	m.manager.FreeGraphicsMemory(entry.alloc)
	return nil
}

// FindAllocation returns the allocation containing ptr
func (m *UnifiedMemoryManager) FindAllocation(ptr GpuAddress) (*GraphicsAllocation, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	index, found := slices.BinarySearchFunc(m.allocations, ptr, compareUsmAddress)
	if !found {
		if index == 0 {
			return nil, false
		}
		index--
	}

	entry := m.allocations[index]
	if !entry.alloc.Contains(ptr) {
		return nil, false
	}
	return entry.alloc, true
}

// AddInternalAllocationsToResidencyContainer adds every allocation of the requested types owned
// by rootDeviceIndex. Kernels that access memory indirectly need all of them resident.
func (m *UnifiedMemoryManager) AddInternalAllocationsToResidencyContainer(rootDeviceIndex uint32, residency *ResidencyContainer, typeMask UsmType) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, entry := range m.allocations {
		if entry.usmType&typeMask == 0 || entry.alloc.RootDeviceIndex() != rootDeviceIndex {
			continue
		}
		residency.Add(entry.alloc)
	}
}

// MigrateSharedAllocations moves every shared allocation that currently lives elsewhere to
// rootDeviceIndex and returns how many moved
func (m *UnifiedMemoryManager) MigrateSharedAllocations(rootDeviceIndex uint32) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	moved := 0
	for i := range m.allocations {
		entry := &m.allocations[i]
		if entry.usmType != UsmTypeShared || entry.location == rootDeviceIndex {
			continue
		}

		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "UnifiedMemoryManager::MigrateSharedAllocations",
			slog.String("gpuAddress", entry.alloc.GpuAddress().String()),
			slog.Uint64("from", uint64(entry.location)),
			slog.Uint64("to", uint64(rootDeviceIndex)))
		entry.location = rootDeviceIndex
		moved++
	}
	m.migrations += moved
	return moved
}

// SetLocation records that the shared allocation at ptr currently lives on rootDeviceIndex
func (m *UnifiedMemoryManager) SetLocation(ptr GpuAddress, rootDeviceIndex uint32) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	index, found := slices.BinarySearchFunc(m.allocations, ptr, compareUsmAddress)
	if !found || m.allocations[index].usmType != UsmTypeShared {
		return errors.Newf("%s is not the start of a shared allocation", ptr)
	}
	m.allocations[index].location = rootDeviceIndex
	return nil
}

// Location returns the root device the allocation at ptr lives on
func (m *UnifiedMemoryManager) Location(ptr GpuAddress) (uint32, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	index, found := slices.BinarySearchFunc(m.allocations, ptr, compareUsmAddress)
	if !found {
		return 0, false
	}
	return m.allocations[index].location, true
}
