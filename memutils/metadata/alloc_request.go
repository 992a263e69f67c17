package metadata

import "math"

// BlockAllocationHandle identifies a single suballocation within a RangeMetadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// AllocationRequestType identifies the RangeMetadata implementation and placement that produced
// an AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestTLSF indicates that the request was sourced from TLSFMetadata
	AllocationRequestTLSF AllocationRequestType = iota
	// AllocationRequestRingTail indicates that the request was sourced from RingMetadata and
	// places the allocation after the newest live allocation
	AllocationRequestRingTail
	// AllocationRequestRingWrap indicates that the request was sourced from RingMetadata and
	// places the allocation in the wrapped-around region at the start of the range
	AllocationRequestRingWrap
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestTLSF:     "TLSF",
	AllocationRequestRingTail: "RingTail",
	AllocationRequestRingWrap: "RingWrap",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from RangeMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place a new suballocation. It is committed with RangeMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free region the request was carved from
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the aligned offset the suballocation will start at
	Offset int
	// Size is the size in bytes of the suballocation
	Size int
	// Type identifies the sort of placement this request represents
	Type AllocationRequestType
}
