package cmdlist

import (
	"context"

	"github.com/zekit/zecore/container"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
)

// timestampResetValue clears two dwords of a timestamp packet with one store
const timestampResetValue = uint64(event.StateCleared)<<32 | uint64(event.StateCleared)

func (cl *CommandList) emit(size int, encode func(dst []byte)) (container.PatchSite, error) {
	data, site, err := cl.container.GetCommandSpace(size)
	if err != nil {
		return container.PatchSite{}, err
	}
	encode(data)
	return site, nil
}

func (cl *CommandList) validateSignal(e *event.Event, kind event.OperationKind) error {
	if e == nil {
		return nil
	}
	if e.IsDestroyed() {
		return ze.Errorf(ze.ErrorInvalidNullHandle, "signal event was destroyed")
	}
	if e.IsAggregated() {
		return nil
	}
	if e.IsCounterBased() {
		if cl.inOrder == nil {
			return ze.Errorf(ze.ErrorInvalidArgument, "counter based events can only be signaled by in-order lists")
		}
		return nil
	}

	partitions := 1
	if kind == event.OperationKernel {
		partitions = cl.partitionCount
	}
	if required := cl.policy.RequiredPackets(e, kind, partitions); required > e.MaxPackets() {
		return ze.Errorf(ze.ErrorInvalidArgument, "signal needs %d packets, event has %d", required, e.MaxPackets())
	}
	return nil
}

func validateWaits(waits []*event.Event) error {
	for i, e := range waits {
		if e == nil {
			return ze.Errorf(ze.ErrorInvalidNullHandle, "wait event %d is nil", i)
		}
		if e.IsDestroyed() {
			return ze.Errorf(ze.ErrorInvalidNullHandle, "wait event %d was destroyed", i)
		}
		if e.IsCounterBased() && !e.IsAggregated() {
			if info, _ := e.InOrder(); info == nil {
				return ze.Errorf(ze.ErrorInvalidArgument, "counter based wait event %d was never signaled by an in-order list", i)
			}
		}
	}
	return nil
}

// emitCounterWait waits until every partition slot of info reaches the target. A nil event means
// the list's own counter, relative giving the target above the submission base.
func (cl *CommandList) emitCounterWait(info *event.InOrderExecInfo, e *event.Event, relative uint64) ([]int, error) {
	target := info.Base() + relative
	if e != nil {
		_, target = e.InOrder()
	}
	useRegister := cl.family.Caps.InOrderWaitUsesRegister

	var patches []int
	if useRegister {
		for _, high := range []bool{false, true} {
			load := encoder.LoadRegisterImm{Register: encoder.RegisterSemaphoreData, Value: uint32(target)}
			if high {
				load.Register += 4
				load.Value = uint32(target >> 32)
			}

			site, err := cl.emit(encoder.LoadRegisterImmSize, load.Encode)
			if err != nil {
				return nil, err
			}
			patches = append(patches, cl.addPatch(CommandToPatch{
				Kind:  CbWaitEventLoadRegisterImm,
				Site:  site,
				Value: relative,
				Event: e,
				High:  high,
			}))
		}
	}

	for partition := 0; partition < info.PartitionCount(); partition++ {
		wait := encoder.SemaphoreWait{
			Compare:       encoder.CompareGreaterOrEqual,
			Qword:         true,
			RegisterValue: useRegister,
			Address:       info.CounterAddress() + memory.GpuAddress(partition*info.PartitionStride()),
		}
		if !useRegister {
			wait.Value = target
		}

		site, err := cl.emit(encoder.SemaphoreWaitSize, wait.Encode)
		if err != nil {
			return nil, err
		}
		patches = append(patches, cl.addPatch(CommandToPatch{
			Kind:      CbWaitEventSemaphoreWait,
			Site:      site,
			Value:     relative,
			Event:     e,
			Partition: partition,
		}))
	}

	cl.container.AddToResidencyContainer(info.Allocation())
	return patches, nil
}

// emitInOrderWait makes the next operation wait for the previous one of an in-order list
func (cl *CommandList) emitInOrderWait() error {
	if cl.inOrder == nil || cl.inOrder.RelativeValue() == 0 {
		return nil
	}
	_, err := cl.emitCounterWait(cl.inOrder, nil, cl.inOrder.RelativeValue())
	return err
}

// emitWaits waits for every event of waits. With mutable set, packet events get a wait slot for
// each packet they could ever use so that another event can be bound later. The returned groups
// hold the patch entries of each event.
func (cl *CommandList) emitWaits(waits []*event.Event, mutable bool) ([][]int, error) {
	groups := make([][]int, 0, len(waits))
	for _, e := range waits {
		cl.container.AddToResidencyContainer(e.Allocation())

		var group []int
		switch {
		case e.IsAggregated():
			site, err := cl.emit(encoder.SemaphoreWaitSize, waitSemaphore(e, 0).Encode)
			if err != nil {
				return nil, err
			}
			group = append(group, cl.addPatch(CommandToPatch{Kind: WaitEventSemaphoreWait, Site: site, Event: e}))
		case e.IsCounterBased():
			info, _ := e.InOrder()
			var err error
			group, err = cl.emitCounterWait(info, e, 0)
			if err != nil {
				return nil, err
			}
		default:
			slots := e.PacketsInUse()
			if mutable {
				slots = e.MaxPackets()
			}
			for slot := 0; slot < slots; slot++ {
				packet := slot
				if slot >= e.PacketsInUse() {
					packet = -1
				}

				site, err := cl.emit(encoder.SemaphoreWaitSize, waitSemaphore(e, packet).Encode)
				if err != nil {
					return nil, err
				}
				group = append(group, cl.addPatch(CommandToPatch{Kind: WaitEventSemaphoreWait, Site: site, Event: e, Packet: packet}))
			}
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// timestampStore copies a timestamp register into one field of packet 0
type timestampStore struct {
	register uint32
	offset   uint32
}

func (cl *CommandList) emitTimestampStores(e *event.Event, stores [2]timestampStore) ([]int, error) {
	var patches []int
	for _, store := range stores {
		cmd := encoder.StoreRegisterMem{
			Register: store.register,
			Address:  e.PacketAddress(0) + memory.GpuAddress(store.offset),
		}
		site, err := cl.emit(encoder.StoreRegisterMemSize, cmd.Encode)
		if err != nil {
			return nil, err
		}
		patches = append(patches, cl.addPatch(CommandToPatch{
			Kind:   TimestampEventPostSyncStoreRegMem,
			Site:   site,
			Offset: store.offset,
			Event:  e,
		}))
	}
	return patches, nil
}

// beginCommandSignal records the start timestamps of a timestamp event a command signals
func (cl *CommandList) beginCommandSignal(e *event.Event) ([]int, error) {
	if e == nil || e.IsCounterBased() || !e.IsTimestamp() {
		return nil, nil
	}
	return cl.emitTimestampStores(e, [2]timestampStore{
		{encoder.RegisterContextTimestamp, event.ContextStartOffset},
		{encoder.RegisterGlobalTimestamp, event.GlobalStartOffset},
	})
}

// emitFill signals the packets signal-all-packets adds beyond those the operation writes
func (cl *CommandList) emitFill(e *event.Event, plan event.SignalPlan) ([]int, error) {
	if plan.FillFrom < 0 {
		return nil, nil
	}

	var patches []int
	for packet := plan.FillFrom; packet < plan.PacketsInUse; packet++ {
		store := encoder.StoreDataImm{Address: e.CompletionAddress(packet), Value: uint64(event.StateSignaled)}
		site, err := cl.emit(encoder.StoreDataImmSize, store.Encode)
		if err != nil {
			return nil, err
		}
		patches = append(patches, cl.addPatch(CommandToPatch{Kind: SignalEventStoreDataImm, Site: site, Event: e, Packet: packet}))
	}
	return patches, nil
}

func (cl *CommandList) emitAggregatedSignal(e *event.Event) ([]int, error) {
	increment, _ := e.AggregatedValues()
	pc := encoder.PipeControl{Flags: encoder.PipeControlCommandStreamerStall}
	if cl.policy.DcFlushRequired {
		pc.Flags |= encoder.PipeControlDcFlush
	}
	add := encoder.AtomicAdd{Address: e.GpuAddress(), Operand: increment}

	// the atomic must not pass the work it signals; both land in one chunk
	data, site, err := cl.container.GetCommandSpace(encoder.PipeControlSize + encoder.AtomicAddSize)
	if err != nil {
		return nil, err
	}
	pc.Encode(data)
	add.Encode(data[encoder.PipeControlSize:])
	site.Offset += encoder.PipeControlSize
	return []int{cl.addPatch(CommandToPatch{Kind: SignalEventAtomicAdd, Site: site, Event: e})}, nil
}

// endCommandSignal signals e after a command. Counter based events are signaled by the counter
// update that follows.
func (cl *CommandList) endCommandSignal(e *event.Event) ([]int, error) {
	if e == nil {
		return nil, nil
	}
	cl.container.AddToResidencyContainer(e.Allocation())

	if e.IsAggregated() {
		return cl.emitAggregatedSignal(e)
	}
	if e.IsCounterBased() {
		return nil, nil
	}

	plan := cl.policy.PlanSignal(e, event.OperationCommand, 1)

	var patches []int
	if e.IsTimestamp() {
		stores, err := cl.emitTimestampStores(e, [2]timestampStore{
			{encoder.RegisterGlobalTimestamp, event.GlobalEndOffset},
			{encoder.RegisterContextTimestamp, event.ContextEndOffset},
		})
		if err != nil {
			return nil, err
		}
		patches = append(patches, stores...)
	} else {
		pc := encoder.PipeControl{
			Flags:         encoder.PipeControlCommandStreamerStall,
			PostSync:      encoder.PostSyncWriteImmediate,
			Address:       e.CompletionAddress(0),
			ImmediateData: uint64(event.StateSignaled),
		}
		if cl.policy.DcFlushRequired && e.IsHostVisible() {
			pc.Flags |= encoder.PipeControlDcFlush
		}

		site, err := cl.emit(encoder.PipeControlSize, pc.Encode)
		if err != nil {
			return nil, err
		}
		patches = append(patches, cl.addPatch(CommandToPatch{Kind: SignalEventPostSyncPipeControl, Site: site, Event: e}))
	}

	fill, err := cl.emitFill(e, plan)
	if err != nil {
		return nil, err
	}
	patches = append(patches, fill...)

	e.ApplySignal(plan)
	return patches, nil
}

// emitCounterPipeControl advances an in-order list's counter with a PIPE_CONTROL after an
// operation
func (cl *CommandList) emitCounterPipeControl() error {
	relative := cl.inOrder.RelativeValue() + 1
	pc := encoder.PipeControl{
		Flags:         encoder.PipeControlCommandStreamerStall,
		PostSync:      encoder.PostSyncWriteImmediate,
		Address:       cl.inOrder.CounterAddress(),
		ImmediateData: cl.inOrder.Base() + relative,
	}
	if cl.policy.DcFlushRequired {
		pc.Flags |= encoder.PipeControlDcFlush
	}
	if partitions := cl.inOrder.PartitionCount(); partitions > 1 {
		pc.Flags |= encoder.PipeControlWorkloadPartitionWrite
		pc.PartitionCount = uint32(partitions)
	}

	site, err := cl.emit(encoder.PipeControlSize, pc.Encode)
	if err != nil {
		return err
	}
	cl.addPatch(CommandToPatch{Kind: InOrderCounterPipeControl, Site: site, Value: relative})
	cl.inOrder.Advance()
	return nil
}

// assignCounterSignal binds a counter based event to the value the list's counter just reached
func (cl *CommandList) assignCounterSignal(e *event.Event) {
	if e == nil || !e.IsCounterBased() || e.IsAggregated() {
		return
	}

	e.AssignInOrder(cl.inOrder, cl.inOrder.CounterValue())
	if cl.inOrder.IsRegular() {
		cl.counterSignals = append(cl.counterSignals, counterSignal{event: e, relative: cl.inOrder.RelativeValue()})
	}
}

// commandOp is one non-kernel operation with its synchronization
type commandOp struct {
	signal *event.Event
	waits  []*event.Event
	body   func() error
	// counted operations advance the counter of an in-order list
	counted bool
}

func (cl *CommandList) appendCommand(ctx context.Context, op commandOp) (ze.Result, error) {
	if err := cl.checkRecordable(); err != nil {
		return ze.Fail(err)
	}
	if err := cl.validateSignal(op.signal, event.OperationCommand); err != nil {
		return ze.Fail(err)
	}
	if err := validateWaits(op.waits); err != nil {
		return ze.Fail(err)
	}

	return cl.record(ctx, func() error {
		if _, err := cl.emitWaits(op.waits, false); err != nil {
			return err
		}
		if err := cl.emitInOrderWait(); err != nil {
			return err
		}
		if _, err := cl.beginCommandSignal(op.signal); err != nil {
			return err
		}
		if op.body != nil {
			if err := op.body(); err != nil {
				return err
			}
		}
		if _, err := cl.endCommandSignal(op.signal); err != nil {
			return err
		}

		if cl.inOrder != nil && (op.counted || op.signal != nil) {
			if err := cl.emitCounterPipeControl(); err != nil {
				return err
			}
			cl.assignCounterSignal(op.signal)
		}
		return nil
	})
}

// AppendBarrier orders every later command after every earlier one and optionally signals an event
func (cl *CommandList) AppendBarrier(ctx context.Context, signal *event.Event, waits []*event.Event) (ze.Result, error) {
	cl.logger.Debug("CommandList::AppendBarrier")

	return cl.appendCommand(ctx, commandOp{
		signal:  signal,
		waits:   waits,
		counted: true,
		body: func() error {
			pc := encoder.PipeControl{Flags: encoder.PipeControlCommandStreamerStall}
			if cl.policy.DcFlushRequired {
				pc.Flags |= encoder.PipeControlDcFlush
			}
			_, err := cl.emit(encoder.PipeControlSize, pc.Encode)
			return err
		},
	})
}

// AppendSignalEvent signals e once every earlier command has completed
func (cl *CommandList) AppendSignalEvent(ctx context.Context, e *event.Event) (ze.Result, error) {
	cl.logger.Debug("CommandList::AppendSignalEvent")

	if e == nil {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "signal event is nil"))
	}
	return cl.appendCommand(ctx, commandOp{signal: e})
}

// AppendWaitOnEvents stalls the list until every event of waits is signaled
func (cl *CommandList) AppendWaitOnEvents(ctx context.Context, waits []*event.Event) (ze.Result, error) {
	cl.logger.Debug("CommandList::AppendWaitOnEvents")

	if len(waits) == 0 {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidSize, "no events to wait on"))
	}
	return cl.appendCommand(ctx, commandOp{waits: waits})
}

// AppendEventReset clears e from the device. Counter based events track their counter and need no
// reset.
func (cl *CommandList) AppendEventReset(ctx context.Context, e *event.Event) (ze.Result, error) {
	cl.logger.Debug("CommandList::AppendEventReset")

	if e == nil {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "event is nil"))
	}
	if e.IsDestroyed() {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "event was destroyed"))
	}
	if e.IsCounterBased() && !e.IsAggregated() {
		if err := cl.checkRecordable(); err != nil {
			return ze.Fail(err)
		}
		return ze.Success, nil
	}

	return cl.appendCommand(ctx, commandOp{
		counted: true,
		body: func() error {
			cl.container.AddToResidencyContainer(e.Allocation())

			var stores []encoder.StoreDataImm
			switch {
			case e.IsAggregated():
				stores = append(stores, encoder.StoreDataImm{Address: e.GpuAddress(), Qword: true})
			case e.IsTimestamp():
				for packet := 0; packet < e.MaxPackets(); packet++ {
					stores = append(stores,
						encoder.StoreDataImm{Address: e.PacketAddress(packet), Value: timestampResetValue, Qword: true},
						encoder.StoreDataImm{Address: e.PacketAddress(packet) + event.ContextEndOffset, Value: timestampResetValue, Qword: true})
				}
			default:
				for packet := 0; packet < e.MaxPackets(); packet++ {
					stores = append(stores, encoder.StoreDataImm{Address: e.CompletionAddress(packet), Value: uint64(event.StateCleared)})
				}
			}

			for _, store := range stores {
				if _, err := cl.emit(encoder.StoreDataImmSize, store.Encode); err != nil {
					return err
				}
			}
			if !e.IsAggregated() {
				e.SetPacketsInUse(1)
			}
			return nil
		},
	})
}
