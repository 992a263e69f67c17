package memory

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/memutils/metadata"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const (
	standardSegmentBase GpuAddress = 0x0000_0100_0000_0000
	standardSegmentSize            = 256 * memutils.GB
	internalSegmentBase GpuAddress = 0x0000_7000_0000_0000
	externalSegmentBase GpuAddress = 0x0000_7001_0000_0000
	heapSegmentSize                = 4 * memutils.GB
)

// HostManagerOptions configures a HostManager
type HostManagerOptions struct {
	Logger *slog.Logger
	// LocalMemoryBudget caps the bytes allocated from MemoryPoolLocal. Zero means unlimited.
	LocalMemoryBudget int
	// SystemMemoryBudget caps the bytes allocated from MemoryPoolSystem. Zero means unlimited.
	SystemMemoryBudget int
}

type hostAllocation struct {
	alloc  *GraphicsAllocation
	handle metadata.BlockAllocationHandle
}

// HostManager is a Manager backed by host memory. Virtual addresses are carved out of three
// segments, each managed by a TLSF range allocator, and every allocation gets its own host
// backing store.
type HostManager struct {
	logger *slog.Logger

	mutex    sync.RWMutex
	segments [segmentCount]*addressSegment
	nextID   AllocationID
	byID     *swiss.Map[AllocationID, hostAllocation]
	// byAddress is sorted by GPU address
	byAddress []*GraphicsAllocation

	budget [2]int
	usage  [2]int
}

var _ Manager = &HostManager{}

func NewHostManager(options HostManagerOptions) *HostManager {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	m := &HostManager{
		logger: logger,
		byID:   swiss.NewMap[AllocationID, hostAllocation](42),
	}
	m.budget[MemoryPoolLocal] = options.LocalMemoryBudget
	m.budget[MemoryPoolSystem] = options.SystemMemoryBudget
	m.segments[SegmentStandard] = newAddressSegment(SegmentStandard, standardSegmentBase, standardSegmentSize)
	m.segments[SegmentInternal] = newAddressSegment(SegmentInternal, internalSegmentBase, heapSegmentSize)
	m.segments[SegmentExternal] = newAddressSegment(SegmentExternal, externalSegmentBase, heapSegmentSize)

	return m
}

func (m *HostManager) HeapBase(rootDeviceIndex uint32, segment Segment) GpuAddress {
	return m.segments[segment].base
}

func (m *HostManager) AllocateGraphicsMemory(props AllocationProperties) (*GraphicsAllocation, error) {
	if props.Size <= 0 {
		return nil, ze.Errorf(ze.ErrorInvalidSize, "invalid allocation size %d", props.Size)
	}

	alignment := props.Alignment
	if alignment == 0 {
		alignment = memutils.PageSize
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "%v", err)
	}

	size := memutils.AlignUp(props.Size, memutils.PageSize)
	segment := SegmentForType(props.Type)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if budget := m.budget[props.Pool]; budget > 0 && m.usage[props.Pool]+size > budget {
		m.logger.LogAttrs(context.Background(), slog.LevelWarn, "HostManager::AllocateGraphicsMemory budget exceeded",
			slog.String("type", props.Type.String()),
			slog.Int("size", size),
			slog.Int("usage", m.usage[props.Pool]),
			slog.Int("budget", budget))
		return nil, outOfMemory(props.Pool, size)
	}

	gpuAddress, handle, err := m.segments[segment].reserve(size, alignment)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(outOfMemory(props.Pool, size), "%v", err), ErrOutOfAddressSpace)
	}

	m.nextID++
	gpuBase := GpuAddress(0)
	if segment != SegmentStandard {
		gpuBase = m.segments[segment].base
	}
	alloc := newGraphicsAllocation(m.nextID, props, segment, size, gpuAddress, gpuBase)

	m.byID.Put(alloc.id, hostAllocation{alloc: alloc, handle: handle})
	index, _ := slices.BinarySearchFunc(m.byAddress, gpuAddress, compareAllocationAddress)
	m.byAddress = slices.Insert(m.byAddress, index, alloc)
	m.usage[props.Pool] += size

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "HostManager::AllocateGraphicsMemory",
		slog.String("type", props.Type.String()),
		slog.Uint64("id", uint64(alloc.id)),
		slog.String("gpuAddress", gpuAddress.String()),
		slog.Int("size", size))

	return alloc, nil
}

func outOfMemory(pool MemoryPool, size int) error {
	if pool == MemoryPoolSystem {
		return ze.Errorf(ze.ErrorOutOfHostMemory, "could not allocate %d bytes of system memory", size)
	}
	return ze.Errorf(ze.ErrorOutOfDeviceMemory, "could not allocate %d bytes of local memory", size)
}

// ErrOutOfAddressSpace marks allocation failures caused by an exhausted address segment rather
// than by the memory budget
var ErrOutOfAddressSpace = errors.New("address segment exhausted")

func compareAllocationAddress(alloc *GraphicsAllocation, target GpuAddress) int {
	switch {
	case alloc.gpuAddress < target:
		return -1
	case alloc.gpuAddress > target:
		return 1
	}
	return 0
}

func (m *HostManager) FreeGraphicsMemory(alloc *GraphicsAllocation) {
	if alloc == nil {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry, ok := m.byID.Get(alloc.id)
	if !ok {
		panic("attempted to free a graphics allocation that is not owned by this memory manager")
	}

	if err := m.segments[alloc.segment].release(entry.handle); err != nil {
		panic(errors.Wrapf(err, "releasing address range of %s", alloc))
	}

	m.byID.Delete(alloc.id)
	index, found := slices.BinarySearchFunc(m.byAddress, alloc.gpuAddress, compareAllocationAddress)
	if found {
		m.byAddress = slices.Delete(m.byAddress, index, index+1)
	}
	m.usage[alloc.pool] -= alloc.size

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "HostManager::FreeGraphicsMemory",
		slog.Uint64("id", uint64(alloc.id)),
		slog.String("gpuAddress", alloc.gpuAddress.String()))
}

func (m *HostManager) FindAllocation(addr GpuAddress) (*GraphicsAllocation, int, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	index, found := slices.BinarySearchFunc(m.byAddress, addr, compareAllocationAddress)
	if !found {
		if index == 0 {
			return nil, 0, false
		}
		index--
	}

	alloc := m.byAddress[index]
	if !alloc.Contains(addr) {
		return nil, 0, false
	}

	return alloc, int(addr - alloc.gpuAddress), true
}

// AllocationCount returns the number of live allocations
func (m *HostManager) AllocationCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.byAddress)
}

// Usage returns the bytes currently allocated from pool
func (m *HostManager) Usage(pool MemoryPool) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.usage[pool]
}

// CalculateStatistics sums the address segment statistics
func (m *HostManager) CalculateStatistics(stats *memutils.Statistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats.Clear()
	for _, segment := range m.segments {
		segment.metadata.AddStatistics(stats)
	}
}

// BuildStatsString writes a JSON description of every segment and live allocation
func (m *HostManager) BuildStatsString(detailedMap bool) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	var total memutils.Statistics
	total.Clear()
	for _, segment := range m.segments {
		segment.metadata.AddStatistics(&total)
	}
	totalObj := obj.Name("Total").Object()
	total.WriteJSON(&totalObj)
	totalObj.End()

	segments := obj.Name("Segments").Array()
	for _, segment := range m.segments {
		segment.writeJSON(&writer)
	}
	segments.End()

	if detailedMap {
		allocations := obj.Name("Allocations").Array()
		for _, alloc := range m.byAddress {
			allocObj := writer.Object()
			allocObj.Name("Id").Int(int(alloc.id))
			allocObj.Name("Type").String(alloc.allocType.String())
			allocObj.Name("GpuAddress").String(alloc.gpuAddress.String())
			allocObj.Name("Size").Int(alloc.size)
			allocObj.Name("Pool").String(alloc.pool.String())
			allocObj.End()
		}
		allocations.End()
	}

	obj.End()
	return string(writer.Bytes())
}

// Destroy logs every allocation that is still live
func (m *HostManager) Destroy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, alloc := range m.byAddress {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] graphics allocation was not freed",
			slog.String("type", alloc.allocType.String()),
			slog.String("gpuAddress", alloc.gpuAddress.String()),
			slog.Int("size", alloc.size))
	}
	m.byAddress = nil
	m.byID.Clear()
}
