package metadata

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/zekit/zecore/memutils"
)

const (
	smallRangeSize         = 256
	secondLevelIndex uint8 = 5
	memoryClassShift       = 7
	maxMemoryClasses       = 65 - memoryClassShift
)

var regionPool = sync.Pool{
	New: func() any {
		return &tlsfRegion{}
	},
}

// tlsfRegion is one physical region of the managed range, free or taken. Physical neighbours are
// linked in address order; free regions are additionally linked into a segregated free list.
type tlsfRegion struct {
	offset       int
	size         int
	prevPhysical *tlsfRegion
	nextPhysical *tlsfRegion

	prevFree *tlsfRegion
	nextFree *tlsfRegion

	userData any
	handle   BlockAllocationHandle
}

func (r *tlsfRegion) markFree() {
	r.prevFree = nil
}

func (r *tlsfRegion) markTaken() {
	r.prevFree = r
}

func (r *tlsfRegion) isFree() bool {
	return r.prevFree != r
}

// TLSFMetadata is a two-level segregated fit suballocator. Allocation and free are O(1) apart from
// the worst-case full search when the preferred buckets only hold misaligned regions.
type TLSFMetadata struct {
	rangeMetadataBase

	allocCount        int
	freeRegionCount   int
	freeRegionBytes   int
	isFreeBitmap      uint32
	innerIsFreeBitmap [maxMemoryClasses]uint32

	nextHandle BlockAllocationHandle
	handles    *swiss.Map[BlockAllocationHandle, *tlsfRegion]
	freeList   []*tlsfRegion
	// nullRegion is the untouched tail of the range. It is free but never part of freeList.
	nullRegion *tlsfRegion
	headRegion *tlsfRegion
}

var _ RangeMetadata = &TLSFMetadata{}

func NewTLSFMetadata() *TLSFMetadata {
	return &TLSFMetadata{}
}

func (m *TLSFMetadata) newRegion() *tlsfRegion {
	r := regionPool.Get().(*tlsfRegion)
	*r = tlsfRegion{}
	m.nextHandle++
	r.handle = m.nextHandle
	m.handles.Put(r.handle, r)
	return r
}

func (m *TLSFMetadata) releaseRegion(r *tlsfRegion) {
	m.handles.Delete(r.handle)
	regionPool.Put(r)
}

func (m *TLSFMetadata) region(handle BlockAllocationHandle) (*tlsfRegion, error) {
	r, ok := m.handles.Get(handle)
	if !ok {
		return nil, errors.Errorf("handle %d does not belong to this metadata", handle)
	}
	return r, nil
}

func (m *TLSFMetadata) Init(size int) {
	m.rangeMetadataBase.Init(size)
	m.handles = swiss.NewMap[BlockAllocationHandle, *tlsfRegion](42)

	m.nullRegion = m.newRegion()
	m.nullRegion.size = size
	m.nullRegion.markFree()
	m.headRegion = m.nullRegion

	m.freeList = make([]*tlsfRegion, m.listIndexFromSize(size)+1)
}

func sizeToMemoryClass(size int) uint8 {
	if size > smallRangeSize {
		return uint8(63-bits.LeadingZeros64(uint64(size))) - memoryClassShift
	}
	return 0
}

func sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass == 0 {
		return uint16((size - 1) / 64)
	}
	mask := uint(1) << secondLevelIndex
	return uint16((uint(size) >> (memoryClass + memoryClassShift - secondLevelIndex)) ^ mask)
}

func listIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}
	return int(memoryClass-1)*int(uint(1)<<secondLevelIndex) + int(secondIndex) + 4
}

func (m *TLSFMetadata) listIndexFromSize(size int) int {
	memoryClass := sizeToMemoryClass(size)
	return listIndex(memoryClass, sizeToSecondIndex(size, memoryClass))
}

func (m *TLSFMetadata) AllocationCount() int { return m.allocCount }

func (m *TLSFMetadata) SumFreeSize() int { return m.freeRegionBytes + m.nullRegion.size }

func (m *TLSFMetadata) IsEmpty() bool { return m.nullRegion.offset == 0 }

func (m *TLSFMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	freeListCount := 0
	for index, r := range m.freeList {
		if r == nil {
			continue
		}
		if r.prevFree != nil {
			return errors.Errorf("region at offset %d heads free list %d but has a previous region", r.offset, index)
		}

		for ; r != nil; r = r.nextFree {
			if !r.isFree() {
				return errors.Errorf("region at offset %d is in the free list but is not free", r.offset)
			}
			if r.nextFree != nil && r.nextFree.prevFree != r {
				return errors.Errorf("region at offset %d has a broken free list link", r.offset)
			}
			freeListCount++
		}
	}

	if m.nullRegion.nextPhysical != nil {
		return errors.New("null region must be the tail of the physical chain")
	}

	calculatedSize := m.nullRegion.size
	calculatedFree := m.nullRegion.size
	nextOffset := m.nullRegion.offset
	allocCount, freeCount := 0, 0

	for r := m.nullRegion.prevPhysical; r != nil; r = r.prevPhysical {
		if r.offset+r.size != nextOffset {
			return errors.Errorf("region at offset %d does not end at the next region's start", r.offset)
		}
		if r.nextPhysical.prevPhysical != r {
			return errors.Errorf("region at offset %d has a broken physical link", r.offset)
		}

		nextOffset = r.offset
		calculatedSize += r.size

		if r.isFree() {
			freeCount++
			calculatedFree += r.size
		} else {
			allocCount++
		}
	}

	switch {
	case nextOffset != 0:
		return errors.Errorf("the first region starts at offset %d", nextOffset)
	case calculatedSize != m.Size():
		return errors.Errorf("the metadata size is %d, but the regions add up to %d", m.Size(), calculatedSize)
	case calculatedFree != m.SumFreeSize():
		return errors.Errorf("the free size is %d, but the free regions add up to %d", m.SumFreeSize(), calculatedFree)
	case allocCount != m.allocCount:
		return errors.Errorf("the allocation count is %d, but %d regions are taken", m.allocCount, allocCount)
	case freeCount != m.freeRegionCount || freeCount != freeListCount:
		return errors.Errorf("free region count mismatch: counter %d, physical %d, free lists %d", m.freeRegionCount, freeCount, freeListCount)
	}

	return nil
}

func (m *TLSFMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	if m.nullRegion.size > 0 {
		stats.AddUnusedRange(m.nullRegion.size)
	}

	for r := m.nullRegion.prevPhysical; r != nil; r = r.prevPhysical {
		if r.isFree() {
			stats.AddUnusedRange(r.size)
		} else {
			stats.AddAllocation(r.size)
		}
	}
}

func (m *TLSFMetadata) WriteJSON(json *jwriter.ObjectState) {
	unusedRanges := m.freeRegionCount
	if m.nullRegion.size > 0 {
		unusedRanges++
	}
	m.writeJSON(json, m.SumFreeSize(), m.allocCount, unusedRanges)
}

func (m *TLSFMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	var request AllocationRequest

	if allocSize < 1 {
		return false, request, errors.Errorf("invalid allocation size: %d", allocSize)
	}

	memutils.DebugValidate(m)

	if allocSize > m.SumFreeSize() {
		return false, request, nil
	}

	if m.freeRegionCount == 0 {
		return m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &request), request, nil
	}

	// Bucket whose every region is guaranteed to fit before alignment
	sizeForNextList := allocSize
	if allocSize > smallRangeSize {
		msb := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += 1 << (msb - int(secondLevelIndex))
	} else if allocSize > smallRangeSize-smallRangeSize/4 {
		sizeForNextList = smallRangeSize + 1
	} else {
		sizeForNextList += smallRangeSize / 4
	}

	if strategy&AllocationStrategyMinTime != 0 {
		if m.searchList(sizeForNextList, allocSize, allocAlignment, &request) {
			return true, request, nil
		}
		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &request) {
			return true, request, nil
		}
	} else {
		if m.searchList(allocSize, allocSize, allocAlignment, &request) {
			return true, request, nil
		}
		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &request) {
			return true, request, nil
		}
	}

	// Full search across every bucket that could hold the request
	for index := m.listIndexFromSize(allocSize); index < len(m.freeList); index++ {
		for r := m.freeList[index]; r != nil; r = r.nextFree {
			if m.checkRegion(r, index, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}
	}

	return m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &request), request, nil
}

func (m *TLSFMetadata) searchList(bucketSize, allocSize int, allocAlignment uint, request *AllocationRequest) bool {
	r, index := m.findFreeRegion(bucketSize)
	for ; r != nil; r = r.nextFree {
		if m.checkRegion(r, index, allocSize, allocAlignment, request) {
			return true
		}
	}
	return false
}

func (m *TLSFMetadata) checkRegion(r *tlsfRegion, index int, allocSize int, allocAlignment uint, request *AllocationRequest) bool {
	if !r.isFree() {
		panic(fmt.Sprintf("region at offset %d is already taken", r.offset))
	}

	alignedOffset := memutils.AlignUp(r.offset, int(allocAlignment))
	if r.size < allocSize+alignedOffset-r.offset {
		return false
	}

	request.Type = AllocationRequestTLSF
	request.BlockAllocationHandle = r.handle
	request.Size = allocSize
	request.Offset = alignedOffset

	// Move the region to the head of its list so the next lookup finds it immediately
	if index != len(m.freeList) && r.prevFree != nil {
		r.prevFree.nextFree = r.nextFree
		if r.nextFree != nil {
			r.nextFree.prevFree = r.prevFree
		}

		r.prevFree = nil
		r.nextFree = m.freeList[index]
		m.freeList[index] = r
		if r.nextFree != nil {
			r.nextFree.prevFree = r
		}
	}

	return true
}

func (m *TLSFMetadata) findFreeRegion(size int) (*tlsfRegion, int) {
	memoryClass := sizeToMemoryClass(size)
	if int(memoryClass) >= maxMemoryClasses {
		return nil, 0
	}
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (math.MaxUint32 << sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		freeMap := m.isFreeBitmap & (math.MaxUint32 << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		memoryClass = uint8(bits.TrailingZeros32(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	index := listIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[index] == nil {
		panic(fmt.Sprintf("free list %d is flagged as populated but is empty", index))
	}

	return m.freeList[index], index
}

func (m *TLSFMetadata) Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error) {
	if request.Type != AllocationRequestTLSF {
		return NoAllocation, errors.New("allocation request was produced by an incompatible metadata")
	}

	current, err := m.region(request.BlockAllocationHandle)
	if err != nil {
		return NoAllocation, err
	}
	if !current.isFree() {
		return NoAllocation, errors.New("allocation request targets a region that is no longer free")
	}
	if current.offset > request.Offset || current.offset+current.size < request.Offset+request.Size {
		return NoAllocation, errors.New("allocation request no longer fits its region")
	}

	if current != m.nullRegion {
		m.removeFreeRegion(current)
	}

	missingAlignment := request.Offset - current.offset
	if missingAlignment != 0 {
		prev := current.prevPhysical
		if prev == nil {
			return NoAllocation, errors.New("alignment padding requested at offset 0")
		}

		if prev.isFree() {
			m.removeFreeRegion(prev)
			prev.size += missingAlignment
			m.insertFreeRegion(prev)
		} else {
			padding := m.newRegion()
			padding.offset = current.offset
			padding.size = missingAlignment
			padding.prevPhysical = prev
			padding.nextPhysical = current
			prev.nextPhysical = padding
			current.prevPhysical = padding
			padding.markTaken()
			m.insertFreeRegion(padding)
		}

		current.offset += missingAlignment
		current.size -= missingAlignment
	}

	switch {
	case current.size == request.Size:
		if current == m.nullRegion {
			m.nullRegion = m.newRegion()
			m.nullRegion.offset = current.offset + request.Size
			m.nullRegion.prevPhysical = current
			m.nullRegion.markFree()
			current.nextPhysical = m.nullRegion
		}
		current.markTaken()
	default:
		remainder := m.newRegion()
		remainder.offset = current.offset + request.Size
		remainder.size = current.size - request.Size
		remainder.prevPhysical = current
		remainder.nextPhysical = current.nextPhysical
		current.nextPhysical = remainder
		current.size = request.Size

		if current == m.nullRegion {
			m.nullRegion = remainder
			remainder.markFree()
		} else {
			remainder.nextPhysical.prevPhysical = remainder
			remainder.markTaken()
			m.insertFreeRegion(remainder)
		}
		current.markTaken()
	}

	current.userData = userData
	m.allocCount++

	return current.handle, nil
}

func (m *TLSFMetadata) Free(allocHandle BlockAllocationHandle) error {
	r, err := m.region(allocHandle)
	if err != nil {
		return err
	}
	if r.isFree() {
		return errors.New("region is already free")
	}

	m.allocCount--
	r.userData = nil

	if prev := r.prevPhysical; prev != nil && prev.isFree() {
		m.removeFreeRegion(prev)
		m.mergeRegion(r, prev)
	}

	next := r.nextPhysical
	switch {
	case next == m.nullRegion:
		m.mergeRegion(m.nullRegion, r)
	case !next.isFree():
		m.insertFreeRegion(r)
	default:
		m.removeFreeRegion(next)
		m.mergeRegion(next, r)
		m.insertFreeRegion(next)
	}

	return nil
}

// removeFreeRegion unlinks a free region from its list and leaves it marked taken
func (m *TLSFMetadata) removeFreeRegion(r *tlsfRegion) {
	if r == m.nullRegion {
		panic("cannot remove the null region")
	}
	if !r.isFree() {
		panic("provided region is not free")
	}

	if r.nextFree != nil {
		r.nextFree.prevFree = r.prevFree
	}
	if r.prevFree != nil {
		r.prevFree.nextFree = r.nextFree
	} else {
		memoryClass := sizeToMemoryClass(r.size)
		secondIndex := sizeToSecondIndex(r.size, memoryClass)
		index := listIndex(memoryClass, secondIndex)

		if m.freeList[index] != r {
			panic("region was not in the free list at the expected location")
		}
		m.freeList[index] = r.nextFree
		if r.nextFree == nil {
			m.innerIsFreeBitmap[memoryClass] &^= 1 << secondIndex
			if m.innerIsFreeBitmap[memoryClass] == 0 {
				m.isFreeBitmap &^= 1 << memoryClass
			}
		}
	}

	r.nextFree = nil
	r.markTaken()
	m.freeRegionCount--
	m.freeRegionBytes -= r.size
}

// insertFreeRegion links a region that is currently marked taken into its free list
func (m *TLSFMetadata) insertFreeRegion(r *tlsfRegion) {
	if r == m.nullRegion {
		panic("cannot insert the null region")
	}
	if r.isFree() {
		panic("region is already free")
	}

	memoryClass := sizeToMemoryClass(r.size)
	secondIndex := sizeToSecondIndex(r.size, memoryClass)
	index := listIndex(memoryClass, secondIndex)
	if index >= len(m.freeList) {
		panic("invalid free list index found for region")
	}

	r.prevFree = nil
	r.nextFree = m.freeList[index]
	m.freeList[index] = r
	if r.nextFree != nil {
		r.nextFree.prevFree = r
	} else {
		m.innerIsFreeBitmap[memoryClass] |= 1 << secondIndex
		m.isFreeBitmap |= 1 << memoryClass
	}
	m.freeRegionCount++
	m.freeRegionBytes += r.size
}

// mergeRegion absorbs prev, which must be the physical predecessor of r and not in a free list
func (m *TLSFMetadata) mergeRegion(r *tlsfRegion, prev *tlsfRegion) {
	if r.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}

	r.offset = prev.offset
	r.size += prev.size
	r.prevPhysical = prev.prevPhysical
	if r.prevPhysical != nil {
		r.prevPhysical.nextPhysical = r
	} else {
		m.headRegion = r
	}

	m.releaseRegion(prev)
}

func (m *TLSFMetadata) VisitAllRegions(handleRegion func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for r := m.headRegion; r != nil; r = r.nextPhysical {
		err := handleRegion(r.handle, r.offset, r.size, r.userData, r.isFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	r, err := m.region(allocHandle)
	if err != nil {
		return 0, err
	}

	return r.offset, nil
}

func (m *TLSFMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	r, err := m.region(allocHandle)
	if err != nil {
		return nil, err
	}
	if r.isFree() {
		return nil, errors.New("user data cannot be retrieved for a free region")
	}

	return r.userData, nil
}

func (m *TLSFMetadata) Clear() {
	for r := m.nullRegion.prevPhysical; r != nil; {
		prev := r.prevPhysical
		m.releaseRegion(r)
		r = prev
	}

	m.allocCount = 0
	m.freeRegionCount = 0
	m.freeRegionBytes = 0
	m.isFreeBitmap = 0
	m.innerIsFreeBitmap = [maxMemoryClasses]uint32{}
	m.nullRegion.offset = 0
	m.nullRegion.size = m.Size()
	m.nullRegion.prevPhysical = nil
	m.headRegion = m.nullRegion

	for i := range m.freeList {
		m.freeList[i] = nil
	}
}
