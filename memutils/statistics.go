package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics accumulates usage numbers for a range of address space or a set of heaps
type Statistics struct {
	BlockCount      int
	BlockBytes      int
	AllocationCount int
	AllocationBytes int

	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMax int
}

func (s *Statistics) Clear() {
	*s = Statistics{AllocationSizeMin: math.MaxInt}
}

func (s *Statistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}
	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *Statistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

// Add folds other into s
func (s *Statistics) Add(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.BlockBytes += other.BlockBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}
	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}
}

// WriteJSON populates obj with the statistics' fields
func (s *Statistics) WriteJSON(obj *jwriter.ObjectState) {
	obj.Name("BlockCount").Int(s.BlockCount)
	obj.Name("BlockBytes").Int(s.BlockBytes)
	obj.Name("AllocationCount").Int(s.AllocationCount)
	obj.Name("AllocationBytes").Int(s.AllocationBytes)
	obj.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 0 {
		obj.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		obj.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}
	if s.UnusedRangeCount > 0 {
		obj.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
