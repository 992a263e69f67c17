package sba_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/ze"
)

func TestSelectModel(t *testing.T) {
	xeHpc, err := encoder.LookupFamily(encoder.ProductXeHpc)
	require.NoError(t, err)
	xe2, err := encoder.LookupFamily(encoder.ProductXe2Hpg)
	require.NoError(t, err)

	model, err := sba.SelectModel(xeHpc, -1)
	require.NoError(t, err)
	require.Equal(t, sba.PrivateHeaps, model)

	model, err = sba.SelectModel(xe2, -1)
	require.NoError(t, err)
	require.Equal(t, sba.GlobalStateless, model)

	model, err = sba.SelectModel(xeHpc, int(sba.GlobalBindful))
	require.NoError(t, err)
	require.Equal(t, sba.GlobalBindful, model)
	require.True(t, model.UsesGlobalSurfaceHeap())

	_, err = sba.SelectModel(xeHpc, 9)
	require.Equal(t, ze.ErrorInvalidEnumeration, ze.ResultFromError(err))
}

func TestTrackerEmitsOnlyOnChange(t *testing.T) {
	var tracker sba.Tracker
	listA := sba.State{SurfaceStateBase: 0x1000, DynamicStateBase: 0x2000}
	listB := sba.State{SurfaceStateBase: 0x3000, DynamicStateBase: 0x2000}

	require.True(t, tracker.Program(listA))
	require.False(t, tracker.Program(listA))
	require.True(t, tracker.NeedsProgramming(listB))
	require.True(t, tracker.Program(listB))
	require.Equal(t, 2, tracker.EmitCount())

	// a list that reprogrammed internally leaves its final state behind
	require.True(t, tracker.Update(listA))
	require.False(t, tracker.NeedsProgramming(listA))

	tracker.Invalidate()
	require.True(t, tracker.Program(listA))

	// identical bases but a new generation still reprogram
	regenerated := listA
	regenerated.Generation++
	require.True(t, tracker.Program(regenerated))
}

func TestStateEncodes(t *testing.T) {
	state := sba.State{
		SurfaceStateBase:     0x7001_0000_0000,
		IndirectObjectBase:   0x7000_0000_0000,
		SurfaceStateHeapSize: 16,
		Generation:           3,
	}

	buf := make([]byte, encoder.StateBaseAddressSize)
	state.Encode(buf)

	op, size := encoder.DecodeHeader(buf)
	require.Equal(t, encoder.OpStateBaseAddress, op)
	require.Equal(t, encoder.StateBaseAddressSize, size)
	require.Equal(t, state.Command(), encoder.DecodeStateBaseAddress(buf))
}

func newGlobalHeaps(t *testing.T, slots int) (*memory.HostManager, *sba.GlobalHeaps) {
	manager := memory.NewHostManager(memory.HostManagerOptions{})
	heaps, err := sba.NewGlobalHeaps(sba.GlobalHeapsOptions{
		Manager:           manager,
		HeapSize:          64 * memutils.KB,
		BindingTableSlots: slots,
		SurfaceStateSize:  64,
	})
	require.NoError(t, err)
	return manager, heaps
}

func TestGlobalHeapsBindless(t *testing.T) {
	manager, heaps := newGlobalHeaps(t, 2)

	first, err := heaps.AllocateSurfaceStates(2)
	require.NoError(t, err)
	require.Len(t, first.Data, 128)

	second, err := heaps.AllocateSurfaceStates(1)
	require.NoError(t, err)
	require.NotEqual(t, first.Offset, second.Offset)

	// offsets are relative to the flat base and land past the binding table region
	heapStart := uint64(heaps.Allocation().GpuAddressToPatch())
	require.GreaterOrEqual(t, first.Offset, heapStart+memutils.PageSize)
	require.Zero(t, first.Offset%64)

	_, err = heaps.AllocateSurfaceStates(1024)
	require.Equal(t, ze.ErrorOutOfDeviceMemory, ze.ResultFromError(err))

	heaps.FreeSurfaceStates(first)
	heaps.FreeSurfaceStates(second)

	var state sba.State
	heaps.Contribute(sba.GlobalBindless, &state)
	require.Equal(t, heaps.SurfaceStateBase(), state.SurfaceStateBase)
	require.Equal(t, heaps.SurfaceStateBase(), state.BindlessSurfaceBase)

	heaps.Destroy()
	require.Equal(t, 0, manager.AllocationCount())
}

func TestGlobalHeapsBindfulRecycling(t *testing.T) {
	_, heaps := newGlobalHeaps(t, 2)

	first, data, err := heaps.AllocateBindingTable()
	require.NoError(t, err)
	require.Len(t, data, sba.BindingTableSize)
	second, _, err := heaps.AllocateBindingTable()
	require.NoError(t, err)
	require.Equal(t, first+sba.BindingTableSize, second)

	_, _, err = heaps.AllocateBindingTable()
	require.Equal(t, ze.ErrorOutOfDeviceMemory, ze.ResultFromError(err))
	require.Equal(t, uint64(0), heaps.Generation())

	var before sba.State
	heaps.Contribute(sba.GlobalBindful, &before)

	heaps.FreeBindingTable(first)
	reused, _, err := heaps.AllocateBindingTable()
	require.NoError(t, err)
	require.Equal(t, first, reused)
	require.Equal(t, uint64(1), heaps.Generation())

	var after sba.State
	heaps.Contribute(sba.GlobalBindful, &after)
	require.NotEqual(t, before, after)

	require.Panics(t, func() { heaps.FreeBindingTable(first + 1) })
}
