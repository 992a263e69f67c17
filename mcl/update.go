package mcl

import (
	"context"
	"encoding/binary"

	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// MutableKernelArgument sets argument ArgIndex of the kernel command CommandID currently runs.
// Value and Size follow kernel.Kernel.SetArgumentValue.
type MutableKernelArgument struct {
	CommandID uint64
	ArgIndex  int
	Size      int
	Value     []byte
}

type MutableGroupCount struct {
	CommandID  uint64
	GroupCount [3]uint32
}

type MutableGroupSize struct {
	CommandID uint64
	GroupSize [3]uint32
}

type MutableGlobalOffset struct {
	CommandID uint64
	Offset    [3]uint32
}

// MutableCommandsDesc collects the updates of one UpdateMutableCommandsExp call
type MutableCommandsDesc struct {
	Arguments     []MutableKernelArgument
	GroupCounts   []MutableGroupCount
	GroupSizes    []MutableGroupSize
	GlobalOffsets []MutableGlobalOffset
}

func (m *CommandList) validateArgument(cmd *mutableCommand, arg *MutableKernelArgument) error {
	k := cmd.launch.Kernel
	args := k.Descriptor().Args
	if arg.ArgIndex < 0 || arg.ArgIndex >= len(args) {
		return ze.Errorf(ze.ErrorInvalidArgument, "kernel %s of command %d has no argument %d", k.Name(), cmd.id, arg.ArgIndex)
	}

	desc := args[arg.ArgIndex]
	switch desc.Kind {
	case kernel.ArgBuffer:
		if arg.Value == nil {
			return nil
		}
		if arg.Size != 8 || len(arg.Value) != 8 {
			return ze.Errorf(ze.ErrorInvalidSize, "buffer argument %d takes an 8-byte pointer, not %d bytes", arg.ArgIndex, arg.Size)
		}
		ptr := memory.GpuAddress(binary.LittleEndian.Uint64(arg.Value))
		if _, ok := m.Device().USM().FindAllocation(ptr); ok {
			return nil
		}
		if _, _, ok := m.Device().Manager().FindAllocation(ptr); !ok {
			return ze.Errorf(ze.ErrorInvalidArgument, "%s is not a device accessible pointer", ptr)
		}
	case kernel.ArgValue:
		if arg.Value == nil || arg.Size != int(desc.Size) || len(arg.Value) != arg.Size {
			return ze.Errorf(ze.ErrorInvalidSize, "value argument %d takes %d bytes, not %d", arg.ArgIndex, desc.Size, arg.Size)
		}
	case kernel.ArgSlmBuffer:
		if arg.Value != nil || arg.Size <= 0 {
			return ze.Errorf(ze.ErrorInvalidArgument, "shared local memory argument %d takes a size and no value", arg.ArgIndex)
		}
	}
	return nil
}

func validateGroupSize(size [3]uint32) error {
	if size[0] == 0 || size[1] == 0 || size[2] == 0 {
		return ze.Errorf(ze.ErrorInvalidGroupSize, "group size %v has an empty dimension", size)
	}
	if uint64(size[0])*uint64(size[1])*uint64(size[2]) > kernel.MaxGroupSize {
		return ze.Errorf(ze.ErrorInvalidGroupSize, "group size %v exceeds %d work items", size, kernel.MaxGroupSize)
	}
	return nil
}

// UpdateMutableCommandsExp applies every update of desc, or none of them when any is invalid
func (m *CommandList) UpdateMutableCommandsExp(ctx context.Context, desc MutableCommandsDesc) (ze.Result, error) {
	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "MutableCommandList::UpdateMutableCommandsExp",
		slog.Int("arguments", len(desc.Arguments)),
		slog.Int("groupCounts", len(desc.GroupCounts)),
		slog.Int("groupSizes", len(desc.GroupSizes)),
		slog.Int("globalOffsets", len(desc.GlobalOffsets)))

	if err := m.checkMutable(); err != nil {
		return ze.Fail(err)
	}

	// Every update is validated before the first one is applied
	var touched []*mutableCommand
	touch := func(cmd *mutableCommand) {
		for _, known := range touched {
			if known == cmd {
				return
			}
		}
		touched = append(touched, cmd)
	}

	for i := range desc.Arguments {
		arg := &desc.Arguments[i]
		cmd, err := m.command(arg.CommandID, FlagKernelArguments)
		if err != nil {
			return ze.Fail(err)
		}
		if err := m.validateArgument(cmd, arg); err != nil {
			return ze.Fail(err)
		}
		touch(cmd)
	}
	for _, count := range desc.GroupCounts {
		cmd, err := m.command(count.CommandID, FlagGroupCount)
		if err != nil {
			return ze.Fail(err)
		}
		if count.GroupCount[0] == 0 || count.GroupCount[1] == 0 || count.GroupCount[2] == 0 {
			return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "group count %v of command %d has an empty dimension", count.GroupCount, count.CommandID))
		}
		touch(cmd)
	}
	for _, size := range desc.GroupSizes {
		cmd, err := m.command(size.CommandID, FlagGroupSize)
		if err != nil {
			return ze.Fail(err)
		}
		if err := validateGroupSize(size.GroupSize); err != nil {
			return ze.Fail(err)
		}
		touch(cmd)
	}
	for _, offset := range desc.GlobalOffsets {
		cmd, err := m.command(offset.CommandID, FlagGlobalOffset)
		if err != nil {
			return ze.Fail(err)
		}
		touch(cmd)
	}

	for i := range desc.Arguments {
		arg := &desc.Arguments[i]
		cmd, _ := m.commands.Get(arg.CommandID)
		if err := cmd.launch.Kernel.SetArgumentValue(arg.ArgIndex, arg.Size, arg.Value); err != nil {
			return ze.Fail(err)
		}
	}
	for _, count := range desc.GroupCounts {
		cmd, _ := m.commands.Get(count.CommandID)
		cmd.launch.GroupCount = count.GroupCount
	}
	for _, size := range desc.GroupSizes {
		cmd, _ := m.commands.Get(size.CommandID)
		if err := cmd.launch.Kernel.SetGroupSize(size.GroupSize[0], size.GroupSize[1], size.GroupSize[2]); err != nil {
			return ze.Fail(err)
		}
	}
	for _, offset := range desc.GlobalOffsets {
		cmd, _ := m.commands.Get(offset.CommandID)
		cmd.launch.Kernel.SetGlobalOffset(offset.Offset[0], offset.Offset[1], offset.Offset[2])
	}

	for _, cmd := range touched {
		if err := m.rewrite(cmd, cmd.launch.Kernel); err != nil {
			return ze.Fail(err)
		}
	}
	m.syncResidency()
	m.printPatches()
	return ze.Success, nil
}

// rewrite re-encodes the dispatch of cmd for k and moves the command's residency references to k
func (m *CommandList) rewrite(cmd *mutableCommand, k *kernel.Kernel) error {
	if err := m.RewriteLaunch(cmd.launch, k); err != nil {
		return err
	}

	allocations := kernelAllocations(k)
	m.residency.acquire(allocations...)
	m.residency.release(cmd.kernelAllocations...)
	cmd.kernelAllocations = allocations
	return nil
}

// UpdateMutableCommandKernelsExp switches command ids[i] to kernels[i]. Every kernel must belong to
// its command's group and fit its command's dispatch; otherwise no command changes.
func (m *CommandList) UpdateMutableCommandKernelsExp(ctx context.Context, ids []uint64, kernels []*kernel.Kernel) (ze.Result, error) {
	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "MutableCommandList::UpdateMutableCommandKernelsExp",
		slog.Int("count", len(ids)))

	if err := m.checkMutable(); err != nil {
		return ze.Fail(err)
	}
	if len(ids) != len(kernels) {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidSize, "%d command ids for %d kernels", len(ids), len(kernels)))
	}

	commands := make([]*mutableCommand, len(ids))
	for i, id := range ids {
		cmd, err := m.command(id, FlagKernelInstruction)
		if err != nil {
			return ze.Fail(err)
		}
		k := kernels[i]
		if k == nil {
			return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "kernel %d is nil", i))
		}
		if !cmd.group.Contains(k) {
			return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "kernel %s is not a member of command %d's group", k.Name(), id))
		}
		if err := m.ValidateRewrite(cmd.launch, k); err != nil {
			return ze.Fail(err)
		}
		commands[i] = cmd
	}

	for i, cmd := range commands {
		if cmd.launch.Kernel == kernels[i] {
			continue
		}
		if err := m.rewrite(cmd, kernels[i]); err != nil {
			return ze.Fail(err)
		}
	}
	m.syncResidency()
	m.printPatches()
	return ze.Success, nil
}

func (m *CommandList) retainEvents(cmd *mutableCommand, events []*event.Event) {
	var allocations []*memory.GraphicsAllocation
	for _, e := range events {
		if e != nil {
			allocations = append(allocations, e.Allocation())
		}
	}
	m.residency.acquire(allocations...)
	m.residency.release(cmd.eventAllocations...)
	cmd.eventAllocations = allocations
}

// commandEvents lists the events cmd currently signals and waits on
func commandEvents(cmd *mutableCommand) []*event.Event {
	return append([]*event.Event{cmd.launch.Signal}, cmd.launch.Waits...)
}

// UpdateMutableCommandSignalEventExp makes command id signal e instead of its current event. The
// command must have been recorded with a signal event of the same kind.
func (m *CommandList) UpdateMutableCommandSignalEventExp(ctx context.Context, id uint64, e *event.Event) (ze.Result, error) {
	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "MutableCommandList::UpdateMutableCommandSignalEventExp",
		slog.Uint64("id", id))

	if err := m.checkMutable(); err != nil {
		return ze.Fail(err)
	}
	cmd, err := m.command(id, FlagSignalEvent)
	if err != nil {
		return ze.Fail(err)
	}
	if e == nil || e.IsDestroyed() {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "signal event is not a live event"))
	}

	launch := cmd.launch
	current := launch.Signal
	if current == nil {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "command %d was recorded without a signal event", id))
	}
	if current == e {
		return ze.Success, nil
	}

	policy := m.Device().SignalPolicy()
	var plan event.SignalPlan
	switch {
	case current.IsAggregated() || e.IsAggregated():
		if current.IsAggregated() != e.IsAggregated() {
			return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "aggregated and packet events cannot replace each other"))
		}
	case current.IsCounterBased() || e.IsCounterBased():
		return ze.Fail(ze.Errorf(ze.ErrorUnsupportedFeature, "counter based signal events cannot be rebound"))
	default:
		if current.IsTimestamp() != e.IsTimestamp() {
			return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "timestamp and plain events cannot replace each other"))
		}
		if policy.RequiredPackets(e, event.OperationKernel, launch.Partitions) > e.MaxPackets() {
			return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "event has %d packets, the command writes more", e.MaxPackets()))
		}
		plan = policy.PlanSignal(e, event.OperationKernel, launch.Partitions)
		if plan != policy.PlanSignal(current, event.OperationKernel, launch.Partitions) {
			return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "event packet layout differs from the one command %d was recorded for", id))
		}
	}

	for _, index := range launch.SignalPatches {
		m.Patch(index).Event = e
		if err := m.ApplyPatch(index); err != nil {
			return ze.Fail(err)
		}
	}
	if !e.IsCounterBased() {
		e.ApplySignal(plan)
	}
	launch.Signal = e

	m.retainEvents(cmd, commandEvents(cmd))
	m.syncResidency()
	m.printPatches()
	return ze.Success, nil
}

// rebindWait points the wait patches of one awaited event at e
func (m *CommandList) rebindWait(slots []int, current *event.Event, e *event.Event) error {
	switch {
	case current.IsAggregated() || e.IsAggregated():
		if current.IsAggregated() != e.IsAggregated() {
			return ze.Errorf(ze.ErrorInvalidArgument, "aggregated and packet events cannot replace each other")
		}
	case current.IsCounterBased() || e.IsCounterBased():
		if current.IsCounterBased() != e.IsCounterBased() {
			return ze.Errorf(ze.ErrorInvalidArgument, "counter based and packet events cannot replace each other")
		}
		info, _ := e.InOrder()
		if info == nil {
			return ze.Errorf(ze.ErrorInvalidArgument, "counter based event has not been signaled by any list")
		}
		if waits := countKind(m, slots, true); waits != info.PartitionCount() {
			return ze.Errorf(ze.ErrorInvalidArgument, "event counter spans %d partitions, the command waits on %d", info.PartitionCount(), waits)
		}
	default:
		if e.PacketsInUse() > len(slots) {
			return ze.Errorf(ze.ErrorInvalidArgument, "event uses %d packets, the command has %d wait slots", e.PacketsInUse(), len(slots))
		}
	}
	return nil
}

// countKind counts the semaphore waits among slots, which for counter waits excludes the register
// loads
func countKind(m *CommandList, slots []int, semaphores bool) int {
	count := 0
	for _, index := range slots {
		isLoad := m.Patch(index).Kind == cmdlist.CbWaitEventLoadRegisterImm
		if isLoad != semaphores {
			count++
		}
	}
	return count
}

// UpdateMutableCommandWaitEventsExp replaces the events command id waits on. events must have as
// many entries as the command was recorded with, and each must be of the same kind as the event it
// replaces.
func (m *CommandList) UpdateMutableCommandWaitEventsExp(ctx context.Context, id uint64, events []*event.Event) (ze.Result, error) {
	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "MutableCommandList::UpdateMutableCommandWaitEventsExp",
		slog.Uint64("id", id),
		slog.Int("count", len(events)))

	if err := m.checkMutable(); err != nil {
		return ze.Fail(err)
	}
	cmd, err := m.command(id, FlagWaitEvents)
	if err != nil {
		return ze.Fail(err)
	}

	launch := cmd.launch
	if len(events) != len(launch.Waits) {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidSize, "command %d waits on %d events, not %d", id, len(launch.Waits), len(events)))
	}
	for i, e := range events {
		if e == nil || e.IsDestroyed() {
			return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "wait event %d is not a live event", i))
		}
		if err := m.rebindWait(launch.WaitPatches[i], launch.Waits[i], e); err != nil {
			return ze.Fail(err)
		}
	}

	for i, e := range events {
		packetWait := !e.IsCounterBased()
		for slot, index := range launch.WaitPatches[i] {
			p := m.Patch(index)
			p.Event = e
			if packetWait && !e.IsAggregated() {
				p.Packet = slot
				if slot >= e.PacketsInUse() {
					p.Packet = -1
				}
			}
			if err := m.ApplyPatch(index); err != nil {
				return ze.Fail(err)
			}
		}
		launch.Waits[i] = e
	}

	m.retainEvents(cmd, commandEvents(cmd))
	m.syncResidency()
	m.printPatches()
	return ze.Success, nil
}
