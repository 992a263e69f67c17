package container

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/memutils/metadata"
	"github.com/zekit/zecore/stream"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// SharedHeapsOptions configures the heaps one engine context shares between its immediate lists
type SharedHeapsOptions struct {
	Logger          *slog.Logger
	Manager         memory.Manager
	RootDeviceIndex uint32
	HeapSize        int
	// CompletedTaskCount reads the engine's completed task count
	CompletedTaskCount func() uint64
	// WaitForTaskCount blocks until the engine completes taskCount
	WaitForTaskCount func(taskCount uint64) error
}

type sharedReservation struct {
	handle    metadata.BlockAllocationHandle
	taskCount uint64
}

type sharedHeap struct {
	heap *stream.IndirectHeap
	ring *metadata.RingMetadata
	// open reservations have not been submitted yet
	open []metadata.BlockAllocationHandle
	// inFlight reservations are freed once their task count completes, oldest first
	inFlight []sharedReservation
}

// SharedHeaps are indirect heaps owned by one engine context and borrowed slice by slice by every
// immediate list flushing to it. Slices are handed out ring-fashion and reclaimed once the task
// count they were submitted with completes. Reservations require holding the lock; a nested
// immediate flush carrying the holder's token skips re-acquiring it.
type SharedHeaps struct {
	logger  *slog.Logger
	manager memory.Manager
	lock    utils.OwnedMutex

	heaps [stream.NumHeapTypes]*sharedHeap

	completedTaskCount func() uint64
	waitForTaskCount   func(taskCount uint64) error
}

func NewSharedHeaps(options SharedHeapsOptions) (*SharedHeaps, error) {
	logger := options.Logger
	if logger == nil {
		logger = memory.DiscardLogger()
	}
	if options.HeapSize <= 0 || options.CompletedTaskCount == nil || options.WaitForTaskCount == nil {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "shared heaps need a size and task count callbacks")
	}

	s := &SharedHeaps{
		logger:             logger,
		manager:            options.Manager,
		completedTaskCount: options.CompletedTaskCount,
		waitForTaskCount:   options.WaitForTaskCount,
	}

	size := memutils.AlignUp(options.HeapSize, memutils.PageSize)
	for heapType := stream.HeapType(0); heapType < stream.NumHeapTypes; heapType++ {
		alloc, err := options.Manager.AllocateGraphicsMemory(memory.AllocationProperties{
			RootDeviceIndex: options.RootDeviceIndex,
			Size:            size,
			Type:            heapAllocationType(heapType),
			Pool:            memory.MemoryPoolLocal,
		})
		if err != nil {
			s.Destroy()
			return nil, ze.Errorf(ze.ErrorOutOfDeviceMemory, "allocating shared %s: %v", heapType, err)
		}

		ring := metadata.NewRingMetadata()
		ring.Init(alloc.Size())
		s.heaps[heapType] = &sharedHeap{
			heap: stream.NewIndirectHeap(alloc, heapType, heapCanBe4GB(heapType)),
			ring: ring,
		}
	}

	return s, nil
}

// Lock acquires the heaps for token. It returns false, without blocking, when token already holds
// them; Unlock must only follow a Lock that returned true.
func (s *SharedHeaps) Lock(token utils.LockToken) bool {
	return s.lock.LockAs(token)
}

func (s *SharedHeaps) Unlock() {
	s.lock.Unlock()
}

// Heap returns the shared heap of heapType
func (s *SharedHeaps) Heap(heapType stream.HeapType) *stream.IndirectHeap {
	return s.heaps[heapType].heap
}

func (s *SharedHeaps) allocation(id memory.AllocationID) (*memory.GraphicsAllocation, bool) {
	for _, heap := range s.heaps {
		if heap != nil && heap.heap.Allocation().ID() == id {
			return heap.heap.Allocation(), true
		}
	}
	return nil, false
}

func (h *sharedHeap) reclaim(completed uint64) error {
	reclaimed := 0
	for _, reservation := range h.inFlight {
		if reservation.taskCount > completed {
			break
		}
		if err := h.ring.Free(reservation.handle); err != nil {
			return err
		}
		reclaimed++
	}
	h.inFlight = h.inFlight[reclaimed:]
	return nil
}

func (h *sharedHeap) tryReserve(size int, alignment int) (metadata.AllocationRequest, bool, error) {
	success, request, err := h.ring.CreateAllocationRequest(size, uint(alignment), metadata.AllocationStrategyMinTime)
	if err != nil || !success {
		return request, false, err
	}
	return request, true, nil
}

// Reserve borrows size bytes of the heap of heapType. When the ring is full, completed
// reservations are reclaimed first and the oldest in-flight reservation is waited on second.
func (s *SharedHeaps) Reserve(heapType stream.HeapType, size int, alignment int) (HeapSpace, error) {
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return HeapSpace{}, ze.Errorf(ze.ErrorInvalidArgument, "%v", err)
	}

	h := s.heaps[heapType]
	request, ok, err := h.tryReserve(size, alignment)
	if err != nil {
		return HeapSpace{}, ze.Errorf(ze.ErrorInvalidSize, "%v", err)
	}

	for !ok && len(h.inFlight) > 0 {
		completed := s.completedTaskCount()
		if completed < h.inFlight[0].taskCount {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "SharedHeaps::Reserve waiting for heap space",
				slog.String("type", heapType.String()),
				slog.Uint64("taskCount", h.inFlight[0].taskCount))

			if err := s.waitForTaskCount(h.inFlight[0].taskCount); err != nil {
				return HeapSpace{}, err
			}
			completed = h.inFlight[0].taskCount
		}

		if err := h.reclaim(completed); err != nil {
			return HeapSpace{}, errors.Wrap(err, "reclaiming shared heap space")
		}

		request, ok, err = h.tryReserve(size, alignment)
		if err != nil {
			return HeapSpace{}, ze.Errorf(ze.ErrorInvalidSize, "%v", err)
		}
	}
	if !ok {
		return HeapSpace{}, ze.Errorf(ze.ErrorOutOfDeviceMemory, "shared %s cannot fit %d bytes", heapType, size)
	}

	handle, err := h.ring.Alloc(request, nil)
	if err != nil {
		return HeapSpace{}, errors.Wrap(err, "committing shared heap reservation")
	}
	memutils.DebugValidate(h.ring)
	h.open = append(h.open, handle)

	alloc := h.heap.Allocation()
	return HeapSpace{
		Offset:     h.heap.HeapGpuStartOffset() + uint64(request.Offset),
		GpuAddress: alloc.GpuAddress() + memory.GpuAddress(request.Offset),
		Data:       alloc.Bytes()[request.Offset : request.Offset+size],
		Site:       PatchSite{Allocation: alloc.ID(), Offset: request.Offset},
	}, nil
}

// Retire stamps every open reservation with the task count of the submission that uses it
func (s *SharedHeaps) Retire(taskCount uint64) {
	for _, h := range s.heaps {
		for _, handle := range h.open {
			h.inFlight = append(h.inFlight, sharedReservation{handle: handle, taskCount: taskCount})
		}
		h.open = h.open[:0]
	}
}

// Destroy frees the heaps. Reservations still in flight are reported.
func (s *SharedHeaps) Destroy() {
	for i, h := range s.heaps {
		if h == nil {
			continue
		}
		if count := h.ring.AllocationCount(); count > 0 {
			s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED SHARED HEAP RESERVATIONS]",
				slog.String("type", stream.HeapType(i).String()),
				slog.Int("count", count))
		}
		s.manager.FreeGraphicsMemory(h.heap.Allocation())
		s.heaps[i] = nil
	}
}
