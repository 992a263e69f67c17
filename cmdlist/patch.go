package cmdlist

import (
	"fmt"

	"github.com/zekit/zecore/container"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
)

// PatchKind identifies what an entry of the patch table encodes
type PatchKind uint8

const (
	// SignalEventPostSyncPipeControl is a PIPE_CONTROL whose post-sync writes an event packet
	SignalEventPostSyncPipeControl PatchKind = iota
	// SignalEventWalkerPostSync is a walker whose post-sync writes an event packet
	SignalEventWalkerPostSync
	// SignalEventStoreDataImm marks an event packet that signal-all-packets fills explicitly
	SignalEventStoreDataImm
	// SignalEventAtomicAdd increments an aggregated event
	SignalEventAtomicAdd
	// TimestampEventPostSyncStoreRegMem stores one timestamp field of an event packet
	TimestampEventPostSyncStoreRegMem
	// WaitEventSemaphoreWait waits on one event packet, or on an aggregated event
	WaitEventSemaphoreWait
	// CbWaitEventSemaphoreWait waits on one partition slot of an in-order counter
	CbWaitEventSemaphoreWait
	// CbWaitEventLoadRegisterImm loads half of a counter wait value into the semaphore register
	CbWaitEventLoadRegisterImm
	// InOrderCounterWalkerPostSync is a walker whose post-sync stores the list's counter
	InOrderCounterWalkerPostSync
	// InOrderCounterPipeControl is a PIPE_CONTROL whose post-sync stores the list's counter
	InOrderCounterPipeControl
	// PatchComputeWalkerInlineDataScratch is the scratch pointer in a walker's inline data
	PatchComputeWalkerInlineDataScratch
	// PrefetchKernelMemory prefetches the instructions of the following walker
	PrefetchKernelMemory
)

var patchKindMapping = map[PatchKind]string{
	SignalEventPostSyncPipeControl:      "SignalEventPostSyncPipeControl",
	SignalEventWalkerPostSync:           "SignalEventWalkerPostSync",
	SignalEventStoreDataImm:             "SignalEventStoreDataImm",
	SignalEventAtomicAdd:                "SignalEventAtomicAdd",
	TimestampEventPostSyncStoreRegMem:   "TimestampEventPostSyncStoreRegMem",
	WaitEventSemaphoreWait:              "WaitEventSemaphoreWait",
	CbWaitEventSemaphoreWait:            "CbWaitEventSemaphoreWait",
	CbWaitEventLoadRegisterImm:          "CbWaitEventLoadRegisterImm",
	InOrderCounterWalkerPostSync:        "InOrderCounterWalkerPostSync",
	InOrderCounterPipeControl:           "InOrderCounterPipeControl",
	PatchComputeWalkerInlineDataScratch: "PatchComputeWalkerInlineDataScratch",
	PrefetchKernelMemory:                "PrefetchKernelMemory",
}

func (k PatchKind) String() string {
	str, ok := patchKindMapping[k]
	if !ok {
		return fmt.Sprintf("PatchKind(%d)", uint8(k))
	}
	return str
}

// CommandToPatch is one patchable command in the list's buffers. The command's bytes are
// recomputed from these fields every time the entry is applied, so changing a field and applying
// the entry is all a patch takes.
type CommandToPatch struct {
	Kind PatchKind
	// Site is where the command starts
	Site container.PatchSite
	// Offset is the packet field of a timestamp store, or the inline data offset of a scratch
	// pointer. kernel.Undefined marks a scratch entry whose kernel needs no scratch.
	Offset uint32
	// Size is the scratch size of a scratch entry and the prefetch length of a prefetch entry
	Size uint32
	// Value is the counter value above the submission base for in-order entries, the pointer a
	// scratch entry writes and the address a prefetch entry reads
	Value uint64
	// Event is the signaled or awaited event. Counter entries with no event use the list's own
	// counter.
	Event *event.Event
	// Packet is the event packet signaled or awaited; -1 marks a padding wait slot
	Packet    int
	Partition int
	// High selects the upper dword of a counter wait value
	High bool
}

// IsScratchDefined reports whether a scratch entry currently carries a pointer
func (p *CommandToPatch) IsScratchDefined() bool {
	return p.Kind == PatchComputeWalkerInlineDataScratch && p.Offset != kernel.Undefined
}

func (p *CommandToPatch) commandSize(family *encoder.Family) int {
	switch p.Kind {
	case SignalEventPostSyncPipeControl, InOrderCounterPipeControl:
		return encoder.PipeControlSize
	case SignalEventWalkerPostSync, InOrderCounterWalkerPostSync, PatchComputeWalkerInlineDataScratch:
		return family.WalkerSize()
	case SignalEventStoreDataImm:
		return encoder.StoreDataImmSize
	case SignalEventAtomicAdd:
		return encoder.AtomicAddSize
	case TimestampEventPostSyncStoreRegMem:
		return encoder.StoreRegisterMemSize
	case WaitEventSemaphoreWait, CbWaitEventSemaphoreWait:
		return encoder.SemaphoreWaitSize
	case CbWaitEventLoadRegisterImm:
		return encoder.LoadRegisterImmSize
	case PrefetchKernelMemory:
		return encoder.StatePrefetchSize
	}
	panic(fmt.Sprintf("unknown patch kind %s", p.Kind))
}

func signalAddress(e *event.Event, packet int, op encoder.PostSyncOp) memory.GpuAddress {
	if op == encoder.PostSyncWriteTimestamp {
		return e.PacketAddress(packet)
	}
	return e.CompletionAddress(packet)
}

func waitSemaphore(e *event.Event, packet int) encoder.SemaphoreWait {
	switch {
	case e.IsAggregated():
		_, completion := e.AggregatedValues()
		return encoder.SemaphoreWait{
			Compare: encoder.CompareGreaterOrEqual,
			Qword:   true,
			Value:   completion,
			Address: e.GpuAddress(),
		}
	case packet < 0:
		return encoder.SemaphoreWait{
			Compare: encoder.CompareGreaterOrEqual,
			Value:   0,
			Address: e.CompletionAddress(0),
		}
	}
	return encoder.SemaphoreWait{
		Compare: encoder.CompareNotEqual,
		Value:   uint64(event.StateCleared),
		Address: e.CompletionAddress(packet),
	}
}

// counterTarget returns the counter a counter entry refers to and the absolute value it waits for
// or stores
func (cl *CommandList) counterTarget(p *CommandToPatch) (*event.InOrderExecInfo, uint64, bool) {
	if p.Event == nil {
		if cl.inOrder == nil {
			return nil, 0, false
		}
		return cl.inOrder, cl.inOrder.Base() + p.Value, true
	}

	info, target := p.Event.InOrder()
	return info, target, info != nil
}

func (cl *CommandList) applyPatch(p *CommandToPatch) error {
	cmd, err := cl.container.Resolve(p.Site, p.commandSize(cl.family))
	if err != nil {
		return err
	}

	switch p.Kind {
	case SignalEventPostSyncPipeControl:
		pc := encoder.DecodePipeControl(cmd)
		pc.Address = signalAddress(p.Event, p.Packet, pc.PostSync)
		pc.Encode(cmd)
	case SignalEventWalkerPostSync:
		walker := encoder.DecodeWalker(cmd)
		walker.PostSync.Address = signalAddress(p.Event, p.Packet, walker.PostSync.Op)
		cl.family.EncodeWalker(cmd, &walker)
	case SignalEventStoreDataImm:
		store := encoder.DecodeStoreDataImm(cmd)
		store.Address = p.Event.CompletionAddress(p.Packet)
		store.Encode(cmd)
	case SignalEventAtomicAdd:
		increment, _ := p.Event.AggregatedValues()
		encoder.AtomicAdd{Address: p.Event.GpuAddress(), Operand: increment}.Encode(cmd)
	case TimestampEventPostSyncStoreRegMem:
		store := encoder.DecodeStoreRegisterMem(cmd)
		store.Address = p.Event.PacketAddress(p.Packet) + memory.GpuAddress(p.Offset)
		store.Encode(cmd)
	case WaitEventSemaphoreWait:
		waitSemaphore(p.Event, p.Packet).Encode(cmd)
	case CbWaitEventSemaphoreWait:
		info, target, ok := cl.counterTarget(p)
		if !ok {
			return nil
		}
		wait := encoder.DecodeSemaphoreWait(cmd)
		wait.Address = info.CounterAddress() + memory.GpuAddress(p.Partition*info.PartitionStride())
		if !wait.RegisterValue {
			wait.Value = target
		}
		wait.Encode(cmd)
	case CbWaitEventLoadRegisterImm:
		_, target, ok := cl.counterTarget(p)
		if !ok {
			return nil
		}
		load := encoder.DecodeLoadRegisterImm(cmd)
		load.Value = uint32(target)
		if p.High {
			load.Value = uint32(target >> 32)
		}
		load.Encode(cmd)
	case InOrderCounterWalkerPostSync:
		walker := encoder.DecodeWalker(cmd)
		walker.PostSync.Address = cl.inOrder.CounterAddress()
		walker.PostSync.Data = cl.inOrder.Base() + p.Value
		cl.family.EncodeWalker(cmd, &walker)
	case InOrderCounterPipeControl:
		pc := encoder.DecodePipeControl(cmd)
		pc.Address = cl.inOrder.CounterAddress()
		pc.ImmediateData = cl.inOrder.Base() + p.Value
		pc.Encode(cmd)
	case PatchComputeWalkerInlineDataScratch:
		if p.Offset == kernel.Undefined {
			return nil
		}
		encoder.PatchUint64(cmd, encoder.WalkerInlineDataOffset+int(p.Offset), p.Value)
	case PrefetchKernelMemory:
		encoder.StatePrefetch{Address: memory.GpuAddress(p.Value), Size: p.Size}.Encode(cmd)
	default:
		return ze.Errorf(ze.ErrorInvalidEnumeration, "unknown patch kind %s", p.Kind)
	}

	return nil
}

func (cl *CommandList) addPatch(p CommandToPatch) int {
	cl.patches = append(cl.patches, p)
	return len(cl.patches) - 1
}

// Patch returns entry i of the patch table. Entries stay at their index for the life of the
// recording.
func (cl *CommandList) Patch(i int) *CommandToPatch { return &cl.patches[i] }

// PatchCount is the number of entries in the patch table
func (cl *CommandList) PatchCount() int { return len(cl.patches) }

// ApplyPatch rewrites the command of entry i from its current fields
func (cl *CommandList) ApplyPatch(i int) error {
	if i < 0 || i >= len(cl.patches) {
		return ze.Errorf(ze.ErrorInvalidArgument, "patch table has no entry %d", i)
	}
	return cl.applyPatch(&cl.patches[i])
}

// ReadCommand returns the host view of the command behind entry i
func (cl *CommandList) ReadCommand(i int) ([]byte, error) {
	if i < 0 || i >= len(cl.patches) {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "patch table has no entry %d", i)
	}
	p := &cl.patches[i]
	return cl.container.Resolve(p.Site, p.commandSize(cl.family))
}
