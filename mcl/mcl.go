package mcl

import (
	"context"

	"github.com/dolthub/swiss"
	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/device"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// CommandFlags select which aspects of a mutable command may be updated
type CommandFlags uint32

const (
	FlagKernelArguments CommandFlags = 1 << iota
	FlagGroupCount
	FlagGroupSize
	FlagGlobalOffset
	FlagSignalEvent
	FlagWaitEvents
	FlagKernelInstruction

	allCommandFlags = FlagKernelArguments | FlagGroupCount | FlagGroupSize | FlagGlobalOffset |
		FlagSignalEvent | FlagWaitEvents | FlagKernelInstruction
)

type mutableCommand struct {
	id     uint64
	flags  CommandFlags
	group  *KernelGroup
	launch *cmdlist.Launch

	// kernelAllocations and eventAllocations are the references this command holds in the
	// mutable residency
	kernelAllocations []*memory.GraphicsAllocation
	eventAllocations  []*memory.GraphicsAllocation
}

type pendingCommand struct {
	id    uint64
	flags CommandFlags
	group *KernelGroup
}

// CommandList is a regular command list whose kernel launches can be rewritten after Close
type CommandList struct {
	*cmdlist.CommandList

	logger *slog.Logger

	nextID   uint64
	pending  *pendingCommand
	commands *swiss.Map[uint64, *mutableCommand]
	// order lists command ids in append order
	order []uint64

	residency mutableResidency
	// immutableLen is the length of the list's residency before mutable allocations, or -1 while
	// recording
	immutableLen int
}

func New(dev *device.Device, desc cmdlist.Desc) (*CommandList, error) {
	if desc.Executor != nil {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "mutable command lists cannot be immediate")
	}

	list, err := cmdlist.New(dev, desc)
	if err != nil {
		return nil, err
	}

	return &CommandList{
		CommandList:  list,
		logger:       dev.Logger(),
		nextID:       1,
		commands:     swiss.NewMap[uint64, *mutableCommand](8),
		residency:    newMutableResidency(),
		immutableLen: -1,
	}, nil
}

// GetNextCommandIDExp reserves the id of the next kernel launch and makes that launch mutable in
// the aspects named by flags. group lists the kernels the command may later switch to; nil means
// only the launched kernel.
func (m *CommandList) GetNextCommandIDExp(flags CommandFlags, group *KernelGroup) (uint64, error) {
	if m.IsDestroyed() {
		return 0, ze.Errorf(ze.ErrorInvalidNullHandle, "command list was destroyed")
	}
	if m.IsClosed() {
		return 0, ze.Errorf(ze.ErrorInvalidArgument, "command list is closed")
	}
	if flags == 0 || flags&^allCommandFlags != 0 {
		return 0, ze.Errorf(ze.ErrorInvalidEnumeration, "mutable command flags %#x", uint32(flags))
	}
	if m.pending != nil {
		return 0, ze.Errorf(ze.ErrorInvalidArgument, "command id %d has not been used by a kernel launch yet", m.pending.id)
	}

	id := m.nextID
	m.nextID++
	m.pending = &pendingCommand{id: id, flags: flags, group: group}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "MutableCommandList::GetNextCommandIDExp",
		slog.Uint64("id", id),
		slog.Uint64("flags", uint64(flags)))
	return id, nil
}

func kernelAllocations(k *kernel.Kernel) []*memory.GraphicsAllocation {
	residency := memory.NewResidencyContainer()
	k.AddToResidency(residency)
	return append([]*memory.GraphicsAllocation(nil), residency.Allocations()...)
}

// AppendLaunchKernel dispatches k. When a command id is pending the dispatch becomes that mutable
// command.
func (m *CommandList) AppendLaunchKernel(ctx context.Context, k *kernel.Kernel, groupCount [3]uint32, signal *event.Event, waits []*event.Event) (ze.Result, error) {
	if m.pending == nil {
		return m.CommandList.AppendLaunchKernel(ctx, k, groupCount, signal, waits)
	}

	if k == nil {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "kernel is nil"))
	}
	pending := m.pending
	group := pending.group
	if group == nil {
		var err error
		group, err = NewKernelGroup(k)
		if err != nil {
			return ze.Fail(err)
		}
	}
	if !group.Contains(k) {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "kernel %s is not a member of command %d's group", k.Name(), pending.id))
	}

	launch, result, err := m.Launch(ctx, k, groupCount, cmdlist.LaunchOptions{
		Signal:              signal,
		Waits:               waits,
		PayloadSize:         group.maxPayloadSize,
		IsaSize:             group.maxIsaSize,
		SurfaceCount:        group.maxSurfaceCount,
		MutableWaits:        pending.flags&FlagWaitEvents != 0,
		SkipKernelResidency: true,
		ScratchEntry:        group.usesScratch,
	})
	if err != nil {
		return result, err
	}

	cmd := &mutableCommand{
		id:                pending.id,
		flags:             pending.flags,
		group:             group,
		launch:            launch,
		kernelAllocations: kernelAllocations(k),
	}
	m.residency.acquire(cmd.kernelAllocations...)
	m.commands.Put(cmd.id, cmd)
	m.order = append(m.order, cmd.id)
	m.pending = nil
	return result, nil
}

// Close terminates the recording and completes the residency with the allocations of the mutable
// commands
func (m *CommandList) Close() (ze.Result, error) {
	result, err := m.CommandList.Close()
	if err != nil {
		return result, err
	}
	if m.immutableLen < 0 {
		m.immutableLen = m.Residency().Len()
	}
	m.syncResidency()
	return result, nil
}

// syncResidency rebuilds the list's residency as the immutable prefix followed by every mutable
// allocation not already in it
func (m *CommandList) syncResidency() {
	if m.immutableLen < 0 {
		return
	}
	residency := m.Residency()
	residency.Truncate(m.immutableLen)
	residency.Add(m.residency.allocations()...)
}

// Reset empties the list and forgets every mutable command
func (m *CommandList) Reset() (ze.Result, error) {
	result, err := m.CommandList.Reset()
	if err != nil {
		return result, err
	}

	m.pending = nil
	m.commands.Clear()
	m.order = m.order[:0]
	m.residency.clear()
	m.immutableLen = -1
	return result, nil
}

// MutableCommandCount is the number of mutable commands recorded
func (m *CommandList) MutableCommandCount() int { return len(m.order) }

// MutableResidencyRefCount returns how many mutable commands reference alloc
func (m *CommandList) MutableResidencyRefCount(alloc *memory.GraphicsAllocation) int {
	return m.residency.refCount(alloc)
}

// CommandLaunch returns the recorded dispatch of command id
func (m *CommandList) CommandLaunch(id uint64) (*cmdlist.Launch, bool) {
	cmd, ok := m.commands.Get(id)
	if !ok {
		return nil, false
	}
	return cmd.launch, true
}

func (m *CommandList) command(id uint64, flag CommandFlags) (*mutableCommand, error) {
	cmd, ok := m.commands.Get(id)
	if !ok {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "command id %d is unknown", id)
	}
	if cmd.flags&flag == 0 {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "command %d was not created mutable for flag %#x", id, uint32(flag))
	}
	return cmd, nil
}

func (m *CommandList) checkMutable() error {
	if m.IsDestroyed() {
		return ze.Errorf(ze.ErrorInvalidNullHandle, "command list was destroyed")
	}
	if !m.IsClosed() {
		return ze.Errorf(ze.ErrorInvalidArgument, "mutable commands are updated on closed lists only")
	}
	return nil
}
