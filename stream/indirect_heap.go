package stream

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
)

type HeapType uint8

const (
	HeapDynamicState HeapType = iota
	HeapIndirectObject
	HeapSurfaceState

	NumHeapTypes
)

var heapTypeMapping = map[HeapType]string{
	HeapDynamicState:   "HeapDynamicState",
	HeapIndirectObject: "HeapIndirectObject",
	HeapSurfaceState:   "HeapSurfaceState",
}

func (t HeapType) String() string {
	str, ok := heapTypeMapping[t]
	if !ok {
		return fmt.Sprintf("HeapType(%d)", uint8(t))
	}
	return str
}

// FourGBHeapPages is the heap size programmed for heaps addressed from the flat 4GB segment base
const FourGBHeapPages = uint32(4 * memutils.GB / memutils.PageSize)

// IndirectHeap is a LinearStream holding binding tables, samplers or dispatch payloads. Commands
// refer to its contents relative to HeapGpuBase.
type IndirectHeap struct {
	LinearStream

	heapType HeapType
	canBe4GB bool
}

func NewIndirectHeap(alloc *memory.GraphicsAllocation, heapType HeapType, canBe4GB bool) *IndirectHeap {
	heap := &IndirectHeap{heapType: heapType, canBe4GB: canBe4GB}
	heap.Replace(alloc, alloc.Size(), 0)
	return heap
}

func (h *IndirectHeap) Type() HeapType { return h.heapType }

// CanBe4GB reports whether the heap is addressed from its segment's flat base rather than its own
// start
func (h *IndirectHeap) CanBe4GB() bool { return h.canBe4GB }

// ReplaceHeap points the heap at a new allocation
func (h *IndirectHeap) ReplaceHeap(alloc *memory.GraphicsAllocation) {
	h.Replace(alloc, alloc.Size(), 0)
}

// HeapGpuBase is the base address state base address programming uses for this heap
func (h *IndirectHeap) HeapGpuBase() memory.GpuAddress {
	if h.canBe4GB {
		return h.alloc.GpuBaseAddress()
	}
	return h.alloc.GpuAddress()
}

// HeapGpuStartOffset is the offset of the heap's first byte from HeapGpuBase
func (h *IndirectHeap) HeapGpuStartOffset() uint64 {
	if h.canBe4GB {
		return uint64(h.alloc.GpuAddressToPatch())
	}
	return 0
}

// HeapSizeInPages is the heap size state base address programming uses for this heap
func (h *IndirectHeap) HeapSizeInPages() uint32 {
	if h.canBe4GB {
		return FourGBHeapPages
	}
	return uint32(h.alloc.Size() / memutils.PageSize)
}

// AvailableWithAlignment returns how many bytes remain after aligning the current offset
func (h *IndirectHeap) AvailableWithAlignment(alignment int) int {
	return h.maxAvailable - memutils.AlignUp(h.used, alignment)
}

// Align pads the heap so that the next reservation starts at alignment
func (h *IndirectHeap) Align(alignment int) error {
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return err
	}

	aligned := memutils.AlignUp(h.used, alignment)
	if aligned > h.maxAvailable {
		return errors.Wrapf(ErrOutOfSpace, "aligning to %d overruns the heap", alignment)
	}

	padding := h.alloc.Bytes()[h.used:aligned]
	for i := range padding {
		padding[i] = 0
	}
	h.used = aligned
	return nil
}

// AllocateAligned reserves size bytes at alignment and returns the heap-relative offset commands
// should encode along with the host view of the reservation
func (h *IndirectHeap) AllocateAligned(size int, alignment int) (uint64, []byte, error) {
	if err := h.Align(alignment); err != nil {
		return 0, nil, err
	}

	offset := h.used
	data, err := h.GetSpace(size)
	if err != nil {
		return 0, nil, err
	}
	return h.HeapGpuStartOffset() + uint64(offset), data, nil
}
