package mcl_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/mcl"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
)

func TestGetNextCommandIDValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)

	_, err := list.GetNextCommandIDExp(0, nil)
	require.Equal(t, ze.ErrorInvalidEnumeration, ze.ResultFromError(err))
	_, err = list.GetNextCommandIDExp(1<<20, nil)
	require.Equal(t, ze.ErrorInvalidEnumeration, ze.ResultFromError(err))

	first, err := list.GetNextCommandIDExp(mcl.FlagKernelArguments, nil)
	require.NoError(t, err)
	_, err = list.GetNextCommandIDExp(mcl.FlagKernelArguments, nil)
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))

	dst := f.buffer(t)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 1), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	second, err := list.GetNextCommandIDExp(mcl.FlagGroupCount, nil)
	require.NoError(t, err)
	require.Equal(t, first+1, second)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 2), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, list.MutableCommandCount())

	// The launch must run a kernel of the command's group
	group, err := mcl.NewKernelGroup(f.kernel(t, "store", dst, 1))
	require.NoError(t, err)
	_, err = list.GetNextCommandIDExp(mcl.FlagKernelInstruction, group)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "twice", dst, 1), [3]uint32{1, 1, 1}, nil, nil)
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))

	_, err = list.Close()
	require.NoError(t, err)
	_, err = list.GetNextCommandIDExp(mcl.FlagGroupCount, nil)
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))
}

func TestImmediateListsCannotBeMutable(t *testing.T) {
	f := newFixture(t, nil)
	_, err := mcl.New(f.device, cmdlist.Desc{Executor: f.queue})
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))
}

func TestUpdateArgumentsAndGroupCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	first, second := f.buffer(t), f.buffer(t)

	id, err := list.GetNextCommandIDExp(mcl.FlagKernelArguments|mcl.FlagGroupCount, nil)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", first, 3), [3]uint32{2, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	f.execute(t, list)
	require.Equal(t, uint32(3), f.read32(t, first))
	require.Equal(t, uint32(2), f.read32(t, first+4))

	_, err = list.UpdateMutableCommandsExp(ctx, mcl.MutableCommandsDesc{
		Arguments: []mcl.MutableKernelArgument{
			{CommandID: id, ArgIndex: 0, Size: 8, Value: qword(uint64(second))},
			{CommandID: id, ArgIndex: 1, Size: 4, Value: dword(11)},
		},
		GroupCounts: []mcl.MutableGroupCount{{CommandID: id, GroupCount: [3]uint32{5, 1, 1}}},
	})
	require.NoError(t, err)

	f.execute(t, list)
	require.Equal(t, uint32(11), f.read32(t, second))
	require.Equal(t, uint32(5), f.read32(t, second+4))
	require.Equal(t, uint32(3), f.read32(t, first))

	launch, ok := list.CommandLaunch(id)
	require.True(t, ok)
	require.Equal(t, [3]uint32{5, 1, 1}, launch.GroupCount)
}

func TestUpdateGroupSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	dst := f.buffer(t)

	id, err := list.GetNextCommandIDExp(mcl.FlagGroupSize, nil)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 1), [3]uint32{3, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	_, err = list.UpdateMutableCommandsExp(ctx, mcl.MutableCommandsDesc{
		GroupSizes: []mcl.MutableGroupSize{{CommandID: id, GroupSize: [3]uint32{8, 1, 1}}},
	})
	require.NoError(t, err)

	f.execute(t, list)
	require.Equal(t, uint32(24), f.read32(t, dst+4))
}

func TestInvalidUpdateChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	dst := f.buffer(t)

	id, err := list.GetNextCommandIDExp(mcl.FlagKernelArguments|mcl.FlagGroupSize, nil)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 7), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)

	_, err = list.UpdateMutableCommandsExp(ctx, mcl.MutableCommandsDesc{})
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err), "lists are updated once closed")
	_, err = list.Close()
	require.NoError(t, err)

	valueUpdate := mcl.MutableKernelArgument{CommandID: id, ArgIndex: 1, Size: 4, Value: dword(9)}
	tests := map[string]struct {
		desc   mcl.MutableCommandsDesc
		result ze.Result
	}{
		"UnknownCommand": {
			desc:   mcl.MutableCommandsDesc{Arguments: []mcl.MutableKernelArgument{{CommandID: id + 1, ArgIndex: 1, Size: 4, Value: dword(9)}}},
			result: ze.ErrorInvalidArgument,
		},
		"NotMutableForGroupCount": {
			desc: mcl.MutableCommandsDesc{
				Arguments:   []mcl.MutableKernelArgument{valueUpdate},
				GroupCounts: []mcl.MutableGroupCount{{CommandID: id, GroupCount: [3]uint32{2, 1, 1}}},
			},
			result: ze.ErrorInvalidArgument,
		},
		"ArgumentIndex": {
			desc:   mcl.MutableCommandsDesc{Arguments: []mcl.MutableKernelArgument{{CommandID: id, ArgIndex: 2, Size: 4, Value: dword(9)}}},
			result: ze.ErrorInvalidArgument,
		},
		"ValueSize": {
			desc:   mcl.MutableCommandsDesc{Arguments: []mcl.MutableKernelArgument{{CommandID: id, ArgIndex: 1, Size: 8, Value: qword(9)}}},
			result: ze.ErrorInvalidSize,
		},
		"UnknownPointer": {
			desc: mcl.MutableCommandsDesc{Arguments: []mcl.MutableKernelArgument{
				valueUpdate,
				{CommandID: id, ArgIndex: 0, Size: 8, Value: qword(0x10)},
			}},
			result: ze.ErrorInvalidArgument,
		},
		"EmptyGroupSize": {
			desc: mcl.MutableCommandsDesc{
				Arguments:  []mcl.MutableKernelArgument{valueUpdate},
				GroupSizes: []mcl.MutableGroupSize{{CommandID: id, GroupSize: [3]uint32{0, 1, 1}}},
			},
			result: ze.ErrorInvalidGroupSize,
		},
		"OversizedGroup": {
			desc: mcl.MutableCommandsDesc{
				GroupSizes: []mcl.MutableGroupSize{{CommandID: id, GroupSize: [3]uint32{kernel.MaxGroupSize, 2, 1}}},
			},
			result: ze.ErrorInvalidGroupSize,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			result, err := list.UpdateMutableCommandsExp(ctx, test.desc)
			require.Error(t, err)
			require.Equal(t, test.result, result)
		})
	}

	f.execute(t, list)
	require.Equal(t, uint32(7), f.read32(t, dst))
}

func TestFailedKernelSwitchChangesNoCommand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	dst := f.buffer(t)

	store := f.kernel(t, "store", dst, 5)
	twice := f.kernel(t, "twice", dst, 5)
	misplaced := f.kernel(t, "misplaced", dst, 5)
	group, err := mcl.NewKernelGroup(store, twice, misplaced)
	require.NoError(t, err)

	ids := make([]uint64, 2)
	for i := range ids {
		ids[i], err = list.GetNextCommandIDExp(mcl.FlagKernelInstruction, group)
		require.NoError(t, err)
		_, err = list.AppendLaunchKernel(ctx, store, [3]uint32{1, 1, 1}, nil, nil)
		require.NoError(t, err)
	}
	_, err = list.Close()
	require.NoError(t, err)

	launch, ok := list.CommandLaunch(ids[0])
	require.True(t, ok)
	walker, err := list.ReadCommand(launch.ScratchPatch)
	require.NoError(t, err)
	original := append([]byte(nil), walker...)

	// The second switch cannot be encoded, so the first one is not applied either
	_, err = list.UpdateMutableCommandKernelsExp(ctx, ids, []*kernel.Kernel{twice, misplaced})
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))
	require.Same(t, store, launch.Kernel)
	walker, err = list.ReadCommand(launch.ScratchPatch)
	require.NoError(t, err)
	require.Equal(t, original, walker)

	f.execute(t, list)
	require.Equal(t, uint32(5), f.read32(t, dst))
}

func TestKernelSwitchRoundTripRestoresCommands(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	dst := f.buffer(t)

	store := f.kernel(t, "store", dst, 4)
	twice := f.kernel(t, "twice", dst, 4)
	group, err := mcl.NewKernelGroup(store, twice)
	require.NoError(t, err)

	id, err := list.GetNextCommandIDExp(mcl.FlagKernelInstruction, group)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, store, [3]uint32{1, 1, 1}, f.events(t, 1)[0], nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	launch, ok := list.CommandLaunch(id)
	require.True(t, ok)
	require.NotEmpty(t, launch.SignalPatches)
	walkerPatch := launch.SignalPatches[0]
	require.Equal(t, cmdlist.SignalEventWalkerPostSync, list.Patch(walkerPatch).Kind)

	snapshot := func() []byte {
		cmd, err := list.ReadCommand(walkerPatch)
		require.NoError(t, err)
		return append([]byte(nil), cmd...)
	}
	original := snapshot()

	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, []*kernel.Kernel{twice})
	require.NoError(t, err)
	require.NotEqual(t, original, snapshot())
	f.execute(t, list)
	require.Equal(t, uint32(8), f.read32(t, dst))

	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, []*kernel.Kernel{store})
	require.NoError(t, err)
	require.Equal(t, original, snapshot())
	f.execute(t, list)
	require.Equal(t, uint32(4), f.read32(t, dst))

	// Switching to the running kernel is a no-op
	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, []*kernel.Kernel{store})
	require.NoError(t, err)
	require.Equal(t, original, snapshot())

	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, nil)
	require.Equal(t, ze.ErrorInvalidSize, ze.ResultFromError(err))
	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, []*kernel.Kernel{f.kernel(t, "scratch", dst, 0)})
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))
}

func TestScratchKernelInGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	dst := f.buffer(t)

	store := f.kernel(t, "store", dst, 5)
	scratch := f.kernel(t, "scratch", dst, 0)
	group, err := mcl.NewKernelGroup(store, scratch)
	require.NoError(t, err)

	id, err := list.GetNextCommandIDExp(mcl.FlagKernelInstruction, group)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, store, [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	// The group reserves a scratch entry that stays undefined while store runs
	launch, ok := list.CommandLaunch(id)
	require.True(t, ok)
	require.GreaterOrEqual(t, launch.ScratchPatch, 0)
	entry := list.Patch(launch.ScratchPatch)
	require.Equal(t, cmdlist.PatchComputeWalkerInlineDataScratch, entry.Kind)
	require.Equal(t, kernel.Undefined, entry.Offset)
	require.Equal(t, 0, list.ActiveScratchPatchCount())
	require.Equal(t, uint32(0), list.ScratchSize())

	f.execute(t, list)
	require.Equal(t, uint32(5), f.read32(t, dst))
	require.Equal(t, 0, f.queue.ScratchAllocationSize())

	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, []*kernel.Kernel{scratch})
	require.NoError(t, err)
	require.Equal(t, 1, list.ActiveScratchPatchCount())
	require.Equal(t, uint32(0x1000), list.ScratchSize())

	f.execute(t, list)
	pointer := memory.GpuAddress(f.read64(t, dst))
	surface, _, ok := f.device.Manager().FindAllocation(pointer)
	require.True(t, ok)
	require.Equal(t, memory.AllocationTypeScratchSurface, surface.Type())

	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, []*kernel.Kernel{store})
	require.NoError(t, err)
	require.Equal(t, kernel.Undefined, list.Patch(launch.ScratchPatch).Offset)
	require.Equal(t, 0, list.ActiveScratchPatchCount())
}

func TestScratchEntryIsRestored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	dst := f.buffer(t)

	scratch := f.kernel(t, "scratch", dst, 0)
	store := f.kernel(t, "store", dst, 5)
	group, err := mcl.NewKernelGroup(scratch, store)
	require.NoError(t, err)

	id, err := list.GetNextCommandIDExp(mcl.FlagKernelInstruction, group)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, scratch, [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	launch, ok := list.CommandLaunch(id)
	require.True(t, ok)
	entry := list.Patch(launch.ScratchPatch)
	require.Equal(t, uint32(24), entry.Offset)
	require.Equal(t, uint32(0x1000), entry.Size)

	f.execute(t, list)
	first := f.read64(t, dst)

	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, []*kernel.Kernel{store})
	require.NoError(t, err)
	require.Equal(t, kernel.Undefined, list.Patch(launch.ScratchPatch).Offset)
	require.Equal(t, 0, list.ActiveScratchPatchCount())
	f.execute(t, list)
	require.Equal(t, uint32(5), f.read32(t, dst))

	_, err = list.UpdateMutableCommandKernelsExp(ctx, []uint64{id}, []*kernel.Kernel{scratch})
	require.NoError(t, err)
	entry = list.Patch(launch.ScratchPatch)
	require.Equal(t, uint32(24), entry.Offset)
	require.Equal(t, uint32(0x1000), entry.Size)
	require.Equal(t, 1, list.ActiveScratchPatchCount())

	// The walker carries the bound scratch pointer again before the next execution
	address, base, bound := list.ScratchBinding()
	require.True(t, bound)
	walker, err := list.ReadCommand(launch.ScratchPatch)
	require.NoError(t, err)
	require.Equal(t, uint64(address+base), binary.LittleEndian.Uint64(walker[encoder.WalkerInlineDataOffset+24:]))

	f.execute(t, list)
	require.Equal(t, first, f.read64(t, dst))
}

func TestResidencyFollowsArguments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	first, second := f.buffer(t), f.buffer(t)
	firstAlloc, secondAlloc := f.allocation(t, first), f.allocation(t, second)

	var ids []uint64
	for i := 0; i < 2; i++ {
		id, err := list.GetNextCommandIDExp(mcl.FlagKernelArguments, nil)
		require.NoError(t, err)
		_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", first, uint32(i)), [3]uint32{1, 1, 1}, nil, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := list.Close()
	require.NoError(t, err)
	require.Equal(t, 2, list.MutableCommandCount())
	require.Equal(t, 2, list.MutableResidencyRefCount(firstAlloc))
	require.True(t, list.Residency().Contains(firstAlloc))
	require.False(t, list.Residency().Contains(secondAlloc))

	move := func(id uint64) {
		_, err := list.UpdateMutableCommandsExp(ctx, mcl.MutableCommandsDesc{
			Arguments: []mcl.MutableKernelArgument{{CommandID: id, ArgIndex: 0, Size: 8, Value: qword(uint64(second))}},
		})
		require.NoError(t, err)
	}

	move(ids[0])
	require.Equal(t, 1, list.MutableResidencyRefCount(firstAlloc))
	require.Equal(t, 1, list.MutableResidencyRefCount(secondAlloc))
	require.True(t, list.Residency().Contains(firstAlloc))
	require.True(t, list.Residency().Contains(secondAlloc))

	move(ids[1])
	require.Equal(t, 0, list.MutableResidencyRefCount(firstAlloc))
	require.Equal(t, 2, list.MutableResidencyRefCount(secondAlloc))
	require.False(t, list.Residency().Contains(firstAlloc))

	// Updating twice with the same pointer keeps the residency unchanged
	length := list.Residency().Len()
	move(ids[1])
	require.Equal(t, length, list.Residency().Len())
	require.Equal(t, 2, list.MutableResidencyRefCount(secondAlloc))

	f.execute(t, list)
	require.Equal(t, uint32(1), f.read32(t, second))

	_, err = list.Reset()
	require.NoError(t, err)
	require.Equal(t, 0, list.MutableCommandCount())
	require.Equal(t, 0, list.MutableResidencyRefCount(secondAlloc))
}

func TestUpdateSignalEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	dst := f.buffer(t)
	events := f.events(t, 2)

	id, err := list.GetNextCommandIDExp(mcl.FlagSignalEvent, nil)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 1), [3]uint32{1, 1, 1}, events[0], nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	_, err = list.UpdateMutableCommandSignalEventExp(ctx, id, nil)
	require.Equal(t, ze.ErrorInvalidNullHandle, ze.ResultFromError(err))
	_, err = list.UpdateMutableCommandSignalEventExp(ctx, id, events[1])
	require.NoError(t, err)

	f.execute(t, list)
	result, err := events[1].HostSynchronize(time.Second)
	require.NoError(t, err)
	require.Equal(t, ze.Success, result)
	result, err = events[0].QueryStatus()
	require.NoError(t, err)
	require.Equal(t, ze.NotReady, result)

	launch, _ := list.CommandLaunch(id)
	for _, index := range launch.SignalPatches {
		require.Same(t, events[1], list.Patch(index).Event)
	}
}

func TestUpdateWaitEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	list := f.list(t)
	dst := f.buffer(t)
	events := f.events(t, 2)

	waits := []*event.Event{events[0]}
	id, err := list.GetNextCommandIDExp(mcl.FlagWaitEvents, nil)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 6), [3]uint32{1, 1, 1}, nil, waits)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	_, err = list.UpdateMutableCommandWaitEventsExp(ctx, id, events)
	require.Equal(t, ze.ErrorInvalidSize, ze.ResultFromError(err))

	_, err = list.UpdateMutableCommandWaitEventsExp(ctx, id, events[1:])
	require.NoError(t, err)
	require.Same(t, events[0], waits[0])

	_, err = events[1].HostSignal()
	require.NoError(t, err)
	f.execute(t, list)
	require.Equal(t, uint32(6), f.read32(t, dst))

	// Commands created without the signal flag reject signal updates
	_, err = list.UpdateMutableCommandSignalEventExp(ctx, id, events[0])
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))
}

func TestPrintPatchTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(settings *config.Settings) {
		settings.PrintMutableCommandListPatches = true
	})
	list := f.list(t)
	dst := f.buffer(t)

	id, err := list.GetNextCommandIDExp(mcl.FlagSignalEvent|mcl.FlagGroupCount, nil)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 1), [3]uint32{2, 1, 1}, f.events(t, 1)[0], nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)
	_, err = list.UpdateMutableCommandsExp(ctx, mcl.MutableCommandsDesc{
		GroupCounts: []mcl.MutableGroupCount{{CommandID: id, GroupCount: [3]uint32{3, 1, 1}}},
	})
	require.NoError(t, err)

	var table []struct {
		ID         uint64
		Kernel     string
		GroupCount []uint32
		Patches    []struct {
			Kind string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(list.PrintPatchTable()), &table))
	require.Len(t, table, 1)
	require.Equal(t, id, table[0].ID)
	require.Equal(t, "store", table[0].Kernel)
	require.Equal(t, []uint32{3, 1, 1}, table[0].GroupCount)
	require.NotEmpty(t, table[0].Patches)
	require.Equal(t, cmdlist.SignalEventWalkerPostSync.String(), table[0].Patches[0].Kind)
}
