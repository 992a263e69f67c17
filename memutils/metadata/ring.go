package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/zekit/zecore/memutils"
	"golang.org/x/exp/slices"
)

type ringSuballocation struct {
	offset   int
	size     int
	userData any
	free     bool
}

// RingMetadata is a ring buffer suballocator. New allocations are always placed after the newest
// live allocation, wrapping to the start of the range once the tail is exhausted. Frees may happen
// in any order, but space is only reclaimed once the oldest allocations are freed.
//
// Handles are the allocation offset plus one, so that offset 0 never maps to NoAllocation's
// zero-like neighbours.
type RingMetadata struct {
	rangeMetadataBase

	// first holds allocations in address order from the oldest live allocation onward
	first []ringSuballocation
	// second holds wrapped allocations, all of which sit below the oldest entry in first
	second []ringSuballocation

	firstNullItems  int
	secondNullItems int
	sumFreeSize     int
}

var _ RangeMetadata = &RingMetadata{}

func NewRingMetadata() *RingMetadata {
	return &RingMetadata{}
}

func (m *RingMetadata) Init(size int) {
	m.rangeMetadataBase.Init(size)
	m.sumFreeSize = size
}

func (m *RingMetadata) AllocationCount() int {
	return len(m.first) - m.firstNullItems + len(m.second) - m.secondNullItems
}

func (m *RingMetadata) SumFreeSize() int { return m.sumFreeSize }

func (m *RingMetadata) IsEmpty() bool { return m.AllocationCount() == 0 }

func (m *RingMetadata) Validate() error {
	if len(m.second) > 0 && len(m.first) == 0 {
		return errors.New("wrapped allocations exist without any live tail allocations")
	}

	usedBytes := 0
	nullItems := 0
	offset := 0
	for i, sub := range m.second {
		if sub.offset < offset {
			return errors.Errorf("wrapped allocation %d at offset %d overlaps its predecessor", i, sub.offset)
		}
		offset = sub.offset + sub.size
		if sub.free {
			nullItems++
		} else {
			usedBytes += sub.size
		}
	}
	if nullItems != m.secondNullItems {
		return errors.Errorf("wrapped null item count is %d but %d wrapped items are free", m.secondNullItems, nullItems)
	}

	if len(m.first) > 0 && len(m.second) > 0 && offset > m.first[0].offset {
		return errors.New("wrapped allocations overlap the oldest tail allocation")
	}

	nullItems = 0
	offset = 0
	for i, sub := range m.first {
		if sub.offset < offset {
			return errors.Errorf("allocation %d at offset %d overlaps its predecessor", i, sub.offset)
		}
		offset = sub.offset + sub.size
		if sub.free {
			nullItems++
		} else {
			usedBytes += sub.size
		}
	}
	if nullItems != m.firstNullItems {
		return errors.Errorf("null item count is %d but %d items are free", m.firstNullItems, nullItems)
	}
	if offset > m.Size() {
		return errors.Errorf("allocations extend to %d, past the end of the range", offset)
	}
	if len(m.first) > 0 && m.first[0].free {
		return errors.New("the oldest allocation is free but was not reclaimed")
	}

	if m.Size()-usedBytes != m.sumFreeSize {
		return errors.Errorf("free size is %d, but the allocations leave %d free", m.sumFreeSize, m.Size()-usedBytes)
	}

	return nil
}

func (m *RingMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

func (m *RingMetadata) WriteJSON(json *jwriter.ObjectState) {
	unusedRanges := 0
	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			unusedRanges++
		}
		return nil
	})
	m.writeJSON(json, m.sumFreeSize, m.AllocationCount(), unusedRanges)
}

func (m *RingMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	var request AllocationRequest

	if allocSize < 1 {
		return false, request, errors.Errorf("invalid allocation size: %d", allocSize)
	}

	memutils.DebugValidate(m)

	if allocSize > m.sumFreeSize {
		return false, request, nil
	}

	alignment := int(allocAlignment)

	if len(m.second) == 0 {
		tail := 0
		if len(m.first) > 0 {
			last := m.first[len(m.first)-1]
			tail = last.offset + last.size
		}

		offset := memutils.AlignUp(tail, alignment)
		if offset+allocSize <= m.Size() {
			request.Type = AllocationRequestRingTail
			request.Offset = offset
			request.Size = allocSize
			request.BlockAllocationHandle = BlockAllocationHandle(offset + 1)
			return true, request, nil
		}

		if len(m.first) == 0 {
			return false, request, nil
		}
	}

	// Wrap around below the oldest live allocation
	wrapTail := 0
	if len(m.second) > 0 {
		last := m.second[len(m.second)-1]
		wrapTail = last.offset + last.size
	}

	offset := memutils.AlignUp(wrapTail, alignment)
	if offset+allocSize > m.first[0].offset {
		return false, request, nil
	}

	request.Type = AllocationRequestRingWrap
	request.Offset = offset
	request.Size = allocSize
	request.BlockAllocationHandle = BlockAllocationHandle(offset + 1)
	return true, request, nil
}

func (m *RingMetadata) Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error) {
	sub := ringSuballocation{offset: request.Offset, size: request.Size, userData: userData}

	switch request.Type {
	case AllocationRequestRingTail:
		if len(m.second) > 0 {
			return NoAllocation, errors.New("cannot append to the tail while wrapped allocations are live")
		}
		if len(m.first) > 0 {
			last := m.first[len(m.first)-1]
			if last.offset+last.size > request.Offset {
				return NoAllocation, errors.New("allocation request overlaps the newest allocation")
			}
		}
		if request.Offset+request.Size > m.Size() {
			return NoAllocation, errors.New("allocation request extends past the end of the range")
		}
		m.first = append(m.first, sub)
	case AllocationRequestRingWrap:
		if len(m.first) == 0 || request.Offset+request.Size > m.first[0].offset {
			return NoAllocation, errors.New("allocation request overlaps the oldest allocation")
		}
		if len(m.second) > 0 {
			last := m.second[len(m.second)-1]
			if last.offset+last.size > request.Offset {
				return NoAllocation, errors.New("allocation request overlaps the newest wrapped allocation")
			}
		}
		m.second = append(m.second, sub)
	default:
		return NoAllocation, errors.New("allocation request was produced by an incompatible metadata")
	}

	m.sumFreeSize -= request.Size
	return BlockAllocationHandle(request.Offset + 1), nil
}

func findRingSuballocation(items []ringSuballocation, offset int) (int, bool) {
	return slices.BinarySearchFunc(items, offset, func(sub ringSuballocation, target int) int {
		return sub.offset - target
	})
}

func (m *RingMetadata) Free(allocHandle BlockAllocationHandle) error {
	if allocHandle == NoAllocation || allocHandle == 0 {
		return errors.New("invalid allocation handle")
	}
	offset := int(allocHandle - 1)

	if index, found := findRingSuballocation(m.first, offset); found && !m.first[index].free {
		m.sumFreeSize += m.first[index].size
		m.first[index] = ringSuballocation{offset: offset, size: m.first[index].size, free: true}
		m.firstNullItems++
		m.cleanup()
		return nil
	}

	if index, found := findRingSuballocation(m.second, offset); found && !m.second[index].free {
		m.sumFreeSize += m.second[index].size
		m.second[index] = ringSuballocation{offset: offset, size: m.second[index].size, free: true}
		m.secondNullItems++
		m.cleanup()
		return nil
	}

	return errors.Errorf("no live allocation at offset %d", offset)
}

// cleanup reclaims freed allocations from the head of the ring and swaps the wrapped vector in
// once the tail vector drains
func (m *RingMetadata) cleanup() {
	for {
		trimmed := 0
		for trimmed < len(m.first) && m.first[trimmed].free {
			trimmed++
		}
		if trimmed > 0 {
			m.first = slices.Delete(m.first, 0, trimmed)
			m.firstNullItems -= trimmed
		}

		for len(m.second) > 0 && m.second[len(m.second)-1].free {
			m.second = m.second[:len(m.second)-1]
			m.secondNullItems--
		}

		for len(m.second) == 0 && len(m.first) > 0 && m.first[len(m.first)-1].free {
			m.first = m.first[:len(m.first)-1]
			m.firstNullItems--
		}

		if len(m.first) > 0 || len(m.second) == 0 {
			return
		}

		m.first, m.second = m.second, m.first[:0]
		m.firstNullItems, m.secondNullItems = m.secondNullItems, 0
	}
}

func (m *RingMetadata) VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	offset := 0
	visit := func(items []ringSuballocation) error {
		for _, sub := range items {
			if sub.offset > offset {
				if err := handleRegion(NoAllocation, offset, sub.offset-offset, nil, true); err != nil {
					return err
				}
			}
			if err := handleRegion(BlockAllocationHandle(sub.offset+1), sub.offset, sub.size, sub.userData, sub.free); err != nil {
				return err
			}
			offset = sub.offset + sub.size
		}
		return nil
	}

	if err := visit(m.second); err != nil {
		return err
	}
	if err := visit(m.first); err != nil {
		return err
	}

	if offset < m.Size() {
		return handleRegion(NoAllocation, offset, m.Size()-offset, nil, true)
	}
	return nil
}

func (m *RingMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	if _, err := m.AllocationUserData(allocHandle); err != nil {
		return 0, err
	}
	return int(allocHandle - 1), nil
}

func (m *RingMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	offset := int(allocHandle - 1)
	if index, found := findRingSuballocation(m.first, offset); found && !m.first[index].free {
		return m.first[index].userData, nil
	}
	if index, found := findRingSuballocation(m.second, offset); found && !m.second[index].free {
		return m.second[index].userData, nil
	}
	return nil, errors.Errorf("no live allocation at offset %d", offset)
}

func (m *RingMetadata) Clear() {
	m.first = m.first[:0]
	m.second = m.second[:0]
	m.firstNullItems = 0
	m.secondNullItems = 0
	m.sumFreeSize = m.Size()
}
