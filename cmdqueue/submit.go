package cmdqueue

import (
	"context"

	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/csr"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// reserveStream makes sure the queue stream has size contiguous bytes, so that one batch never
// straddles two command buffers. The stream starts over once the engine went idle.
func (q *CommandQueue) reserveStream(size int) error {
	cs := q.container.CommandStream()
	if cs.AvailableSpace() >= size {
		return nil
	}
	if size > cs.MaxAvailableSpace() {
		return ze.Errorf(ze.ErrorInvalidSize, "a batch of %d bytes does not fit a %d byte command buffer", size, cs.MaxAvailableSpace())
	}

	if q.receiver.CompletedTaskCount() >= q.receiver.TaskCount() {
		if err := q.container.Reset(); err != nil {
			return err
		}
		q.addContextAllocations()
		return nil
	}
	return q.container.AllocateNextCommandBuffer()
}

// requiredState is the state base address list expects when the queue jumps into it, and the
// state it leaves behind
func (q *CommandQueue) requiredState(list *cmdlist.CommandList, residency *memory.ResidencyContainer) (*sba.State, *sba.State, error) {
	model := list.HeapModel()
	if !model.IsGlobal() {
		usage := list.StateUsage()
		return usage.Required, usage.Final, nil
	}

	heap, err := q.receiver.GlobalStatelessHeap()
	if err != nil {
		return nil, nil, err
	}
	residency.Add(heap)

	internal := q.device.Manager().HeapBase(q.device.RootDeviceIndex(), memory.SegmentInternal)
	state := sba.State{
		GeneralStateBase:   heap.GpuAddress(),
		InstructionBase:    internal,
		IndirectObjectBase: internal,
	}
	q.device.GlobalHeaps().Contribute(model, &state)
	if model.UsesGlobalSurfaceHeap() {
		residency.Add(q.device.GlobalHeaps().Allocation())
	}
	return &state, &state, nil
}

func (q *CommandQueue) programState(list *cmdlist.CommandList, tracker *sba.Tracker, residency *memory.ResidencyContainer) error {
	required, final, err := q.requiredState(list, residency)
	if err != nil {
		return err
	}

	if required != nil && tracker.Program(*required) {
		q.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandQueue::programState",
			slog.String("model", list.HeapModel().String()),
			slog.String("surfaceStateBase", required.SurfaceStateBase.String()))

		data, err := q.container.CommandStream().GetSpace(encoder.StateBaseAddressSize)
		if err != nil {
			return err
		}
		required.Encode(data)
	}
	if final != nil {
		tracker.Update(*final)
	}
	return nil
}

// emitJump enters list from the queue stream. Lists dispatched as primary batch buffers jump back
// to the command after the jump when they finish.
func (q *CommandQueue) emitJump(list *cmdlist.CommandList) error {
	cs := q.container.CommandStream()
	data, err := cs.GetSpace(encoder.BatchBufferStartSize)
	if err != nil {
		return err
	}

	if !list.IsPrimary() {
		encoder.BatchBufferStart{Address: list.StartAddress(), SecondLevel: true}.Encode(data)
		return nil
	}

	encoder.BatchBufferStart{Address: list.StartAddress()}.Encode(data)
	return list.PatchReturnAddress(cs.CurrentGpuAddress())
}

// bindScratch points the scratch walkers of list at scratch when they address another surface
func (q *CommandQueue) bindScratch(ctx context.Context, list *cmdlist.CommandList, scratch *memory.GraphicsAllocation) error {
	var base memory.GpuAddress
	if !list.HeapModel().IsGlobal() {
		base = q.device.Manager().HeapBase(q.device.RootDeviceIndex(), memory.SegmentForType(memory.AllocationTypeScratchSurface))
	}
	address := scratch.GpuAddress() - base

	bound, boundBase, ok := list.ScratchBinding()
	if ok && bound == address && boundBase == base {
		return nil
	}
	if err := q.waitForList(ctx, list); err != nil {
		return err
	}
	return list.PatchScratch(address, base)
}

func (q *CommandQueue) addIndirectAllocations(residency *memory.ResidencyContainer) {
	usm := q.device.USM()
	if q.desc.PerformMigration {
		usm.MigrateSharedAllocations(q.device.RootDeviceIndex())
	}
	usm.AddInternalAllocationsToResidencyContainer(q.device.RootDeviceIndex(), residency, memory.UsmTypeAll)
}

// submit writes one batch that runs lists in order and hands it to the engine. The caller holds
// q.mutex and has validated and prepared the lists.
func (q *CommandQueue) submit(ctx context.Context, lists []*cmdlist.CommandList) (uint64, error) {
	q.engine.LockSubmission()
	defer q.engine.UnlockSubmission()

	q.scratch.reclaim(q.receiver.CompletedTaskCount())

	var scratchSize uint32
	for _, list := range lists {
		if size := list.ScratchSize(); size > scratchSize {
			scratchSize = size
		}
	}
	scratch, err := q.scratch.ensure(scratchSize, q.receiver.TaskCount())
	if err != nil {
		return 0, err
	}

	size := len(lists)*(encoder.StateBaseAddressSize+encoder.BatchBufferStartSize) + encoder.BatchBufferEndSize
	if err := q.reserveStream(size); err != nil {
		return 0, err
	}

	cs := q.container.CommandStream()
	buffer := cs.Allocation()
	start := cs.Used()
	tracker := q.receiver.SBATracker()

	fail := func(err error) (uint64, error) {
		cs.Rewind(start)
		tracker.Invalidate()
		return 0, err
	}

	residency := memory.NewResidencyContainer()
	residency.AddAll(q.container.Residency())
	if scratch != nil {
		residency.Add(scratch)
	}

	indirect := false
	for _, list := range lists {
		if scratch != nil && list.ActiveScratchPatchCount() > 0 {
			if err := q.bindScratch(ctx, list, scratch); err != nil {
				return fail(err)
			}
		}
		if !list.IsCopyOnly() {
			if err := q.programState(list, tracker, residency); err != nil {
				return fail(err)
			}
		}
		if err := q.emitJump(list); err != nil {
			return fail(err)
		}

		residency.AddAll(list.Residency())
		indirect = indirect || list.UsesIndirectAllocations()
	}
	if indirect {
		q.addIndirectAllocations(residency)
	}

	end, err := cs.GetSpace(encoder.BatchBufferEndSize)
	if err != nil {
		return fail(err)
	}
	encoder.EncodeBatchBufferEnd(end)

	for _, alloc := range residency.Allocations() {
		q.receiver.MakeResident(alloc)
	}

	taskCount, status := q.receiver.Submit(ctx, csr.BatchBuffer{
		CommandBuffer: buffer,
		StartOffset:   start,
		Used:          cs.Used(),
		Residency:     residency,
	})
	if status != csr.SubmissionSuccess {
		q.logger.LogAttrs(context.Background(), slog.LevelError, "CommandQueue::submit failed",
			slog.Int("engine", q.desc.EngineOrdinal),
			slog.String("status", status.String()))
		return fail(ze.Errorf(status.Result(), "submitting to engine %d: %s", q.desc.EngineOrdinal, status))
	}

	q.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandQueue::submit",
		slog.Int("lists", len(lists)),
		slog.Int("residency", residency.Len()),
		slog.Uint64("taskCount", taskCount))

	q.taskCount.Store(taskCount)
	q.recordSubmitted(lists, taskCount)
	return taskCount, nil
}

func (q *CommandQueue) recordSubmitted(lists []*cmdlist.CommandList, taskCount uint64) {
	q.pendingMutex.Lock()
	defer q.pendingMutex.Unlock()

	for _, list := range lists {
		list.MarkSubmitted(taskCount)
		if list.ContainsAssert() {
			q.assertExecuted = true
		}
		for _, handle := range list.PrintfKernels() {
			q.addPendingPrintf(handle, taskCount)
		}
	}
}

func (q *CommandQueue) addPendingPrintf(handle kernel.KernelHandle, taskCount uint64) {
	for i := range q.printf {
		if q.printf[i].handle == handle {
			q.printf[i].taskCount = taskCount
			return
		}
	}
	q.printf = append(q.printf, pendingPrintf{handle: handle, taskCount: taskCount})
}
