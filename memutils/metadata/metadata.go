package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/zekit/zecore/memutils"
)

// RangeMetadata manages suballocations inside one contiguous range of address space. The range
// itself is owned by the consumer: a virtual address segment, a global surface state heap or a
// heap shared between command lists.
type RangeMetadata interface {
	// Init must be called before the metadata is used and sizes the managed range in bytes
	Init(size int)
	// Size retrieves the size in bytes that the range was initialized with
	Size() int

	// Validate performs internal consistency checks. It is expensive and intended for
	// memutils.DebugValidate and tests.
	Validate() error
	// AllocationCount returns the number of live suballocations
	AllocationCount() int
	// SumFreeSize returns the number of free bytes in the range
	SumFreeSize() int
	// IsEmpty returns true if the range has no live suballocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocation and free region
	VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error
	// AllocationOffset returns the offset of a live suballocation
	AllocationOffset(allocHandle BlockAllocationHandle) (int, error)
	// AllocationUserData returns the userData value a live suballocation was committed with
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)

	// AddStatistics sums this range's numbers into stats
	AddStatistics(stats *memutils.Statistics)
	// WriteJSON populates a json object with information about this range
	WriteJSON(json *jwriter.ObjectState)

	// CreateAllocationRequest finds a place for a suballocation of allocSize bytes aligned to
	// allocAlignment. It returns false without an error when the range cannot fit the request.
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest. It fails if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error)
	// Free releases a live suballocation
	Free(allocHandle BlockAllocationHandle) error
	// Clear instantly frees all suballocations
	Clear()
}

type rangeMetadataBase struct {
	size int
}

func (m *rangeMetadataBase) Init(size int) {
	m.size = size
}

func (m *rangeMetadataBase) Size() int { return m.size }

func (m *rangeMetadataBase) writeJSON(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
