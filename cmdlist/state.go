package cmdlist

import (
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/ze"
)

// StateUsage is the state base address a list expects when execution enters it and the state it
// leaves programmed. Required is nil unless the queue must program state before the list runs;
// Final is nil when the list never depends on state base address.
type StateUsage struct {
	Required *sba.State
	Final    *sba.State
}

func (cl *CommandList) currentState() sba.State {
	var state sba.State
	cl.container.HeapState(&state)
	state.InstructionBase = cl.device.Manager().HeapBase(cl.device.RootDeviceIndex(), memory.SegmentInternal)
	return state
}

// programState makes the heaps a kernel is about to use the programmed ones. With tracking the
// first kernel only records what it needs and the queue programs it; afterwards, and always without
// tracking, the list programs state inline whenever a heap changed.
func (cl *CommandList) programState() error {
	if cl.heapModel != sba.PrivateHeaps {
		return nil
	}

	if cl.sbaTracking && cl.stateUsage.Required == nil {
		required := cl.currentState()
		final := required
		cl.stateUsage.Required = &required
		cl.stateUsage.Final = &final
		cl.container.SetDirtyStateForAllHeaps(false)
		return nil
	}

	if cl.stateUsage.Final != nil && !cl.container.IsAnyHeapDirty() {
		return nil
	}

	state := cl.currentState()
	data, err := cl.container.CommandStream().GetSpace(encoder.StateBaseAddressSize)
	if err != nil {
		return err
	}
	state.Encode(data)

	cl.stateUsage.Final = &state
	cl.container.SetDirtyStateForAllHeaps(false)
	return nil
}

// trackKernel records what a dispatch of k needs from the queue after submission
func (cl *CommandList) trackKernel(k *kernel.Kernel) {
	desc := k.Descriptor()
	if desc.HasAssert {
		cl.containsAssert = true
		cl.container.AddToResidencyContainer(cl.device.AssertAllocation())
	}
	if desc.HasIndirectAccess {
		cl.usesIndirect = true
	}
	if desc.UsesPrintf {
		handle := k.Handle()
		for _, known := range cl.printfKernels {
			if known == handle {
				return
			}
		}
		cl.printfKernels = append(cl.printfKernels, handle)
	}
}

// TrackKernel records k as dispatched by the list
func (cl *CommandList) TrackKernel(k *kernel.Kernel) { cl.trackKernel(k) }

// ScratchSize is the largest scratch requirement of the list's walkers
func (cl *CommandList) ScratchSize() uint32 {
	var size uint32
	for i := range cl.patches {
		p := &cl.patches[i]
		if p.IsScratchDefined() && p.Size > size {
			size = p.Size
		}
	}
	return size
}

// ActiveScratchPatchCount is the number of walkers currently carrying a scratch pointer
func (cl *CommandList) ActiveScratchPatchCount() int {
	count := 0
	for i := range cl.patches {
		if cl.patches[i].IsScratchDefined() {
			count++
		}
	}
	return count
}

// ScratchBinding returns the scratch surface last patched into the list
func (cl *CommandList) ScratchBinding() (memory.GpuAddress, memory.GpuAddress, bool) {
	return cl.scratch.address, cl.scratch.base, cl.scratch.bound
}

// PatchScratch writes address+base into every walker that needs scratch. base is the heap base
// the walkers address scratch from, zero under the global heap models.
func (cl *CommandList) PatchScratch(address memory.GpuAddress, base memory.GpuAddress) error {
	cl.scratch = scratchBinding{address: address, base: base, bound: true}

	for i := range cl.patches {
		p := &cl.patches[i]
		if !p.IsScratchDefined() {
			continue
		}
		p.Value = uint64(address + base)
		if err := cl.applyPatch(p); err != nil {
			return err
		}
	}
	return nil
}

// PrepareSubmission readies a closed regular list for one more execution. An in-order list that
// has run before continues its counter where the previous successful execution left it. Waits on
// counter based events are re-resolved against the event's latest signaling list.
func (cl *CommandList) PrepareSubmission() error {
	if !cl.closed {
		return ze.Errorf(ze.ErrorInvalidArgument, "command list is not closed")
	}

	if cl.inOrder != nil && cl.submitted {
		cl.inOrder.SetSubmissionBase(cl.nextSubmissionBase)
	}

	for i := range cl.patches {
		p := &cl.patches[i]
		switch p.Kind {
		case CbWaitEventSemaphoreWait, CbWaitEventLoadRegisterImm, InOrderCounterWalkerPostSync, InOrderCounterPipeControl:
			if err := cl.applyPatch(p); err != nil {
				return err
			}
		}
	}

	if cl.inOrder != nil {
		for _, signal := range cl.counterSignals {
			signal.event.AssignInOrder(cl.inOrder, cl.inOrder.Base()+signal.relative)
		}
	}
	return nil
}

// MarkSubmitted records the task count of the submission that executed the list. The next
// submission of an in-order list starts after the values this one writes.
func (cl *CommandList) MarkSubmitted(taskCount uint64) {
	cl.submitted = true
	cl.lastTaskCount = taskCount
	if cl.inOrder != nil {
		cl.nextSubmissionBase = cl.inOrder.Base() + cl.inOrder.RelativeValue()
	}
}
