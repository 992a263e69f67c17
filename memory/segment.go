package memory

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/memutils/metadata"
)

// addressSegment hands out virtual address ranges from one segment of the GPU address space
type addressSegment struct {
	segment  Segment
	base     GpuAddress
	metadata metadata.RangeMetadata
}

func newAddressSegment(segment Segment, base GpuAddress, size int) *addressSegment {
	s := &addressSegment{
		segment:  segment,
		base:     base,
		metadata: metadata.NewTLSFMetadata(),
	}
	s.metadata.Init(size)
	return s
}

func (s *addressSegment) reserve(size int, alignment int) (GpuAddress, metadata.BlockAllocationHandle, error) {
	success, request, err := s.metadata.CreateAllocationRequest(size, uint(alignment), metadata.AllocationStrategyMinMemory)
	if err != nil {
		return 0, metadata.NoAllocation, err
	}
	if !success {
		return 0, metadata.NoAllocation, errors.Newf("%s has no free range of %d bytes", s.segment, size)
	}

	handle, err := s.metadata.Alloc(request, nil)
	if err != nil {
		return 0, metadata.NoAllocation, err
	}
	memutils.DebugValidate(s.metadata)

	return s.base + GpuAddress(request.Offset), handle, nil
}

func (s *addressSegment) release(handle metadata.BlockAllocationHandle) error {
	return s.metadata.Free(handle)
}

func (s *addressSegment) writeJSON(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Segment").String(s.segment.String())
	obj.Name("Base").String(s.base.String())
	s.metadata.WriteJSON(&obj)
}
