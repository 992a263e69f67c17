package memory_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/ze"
)

func TestHostManagerAllocateAndFind(t *testing.T) {
	manager := memory.NewHostManager(memory.HostManagerOptions{})

	cmdBuffer, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{
		Size: 5000,
		Type: memory.AllocationTypeCommandBuffer,
	})
	require.NoError(t, err)
	require.Equal(t, 2*memutils.PageSize, cmdBuffer.Size())
	require.Len(t, cmdBuffer.Bytes(), cmdBuffer.Size())
	require.Equal(t, memory.SegmentStandard, cmdBuffer.Segment())
	require.Equal(t, cmdBuffer.GpuAddress(), cmdBuffer.GpuAddressToPatch())

	heap, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{
		Size: memutils.PageSize64K,
		Type: memory.AllocationTypeInternalHeap,
	})
	require.NoError(t, err)
	require.Equal(t, memory.SegmentInternal, heap.Segment())
	require.Equal(t, manager.HeapBase(0, memory.SegmentInternal), heap.GpuBaseAddress())
	require.Equal(t, heap.GpuAddress()-heap.GpuBaseAddress(), heap.GpuAddressToPatch())

	found, offset, ok := manager.FindAllocation(cmdBuffer.GpuAddress() + 100)
	require.True(t, ok)
	require.Same(t, cmdBuffer, found)
	require.Equal(t, 100, offset)

	_, _, ok = manager.FindAllocation(cmdBuffer.GpuAddress() + memory.GpuAddress(cmdBuffer.Size()))
	require.False(t, ok)

	manager.FreeGraphicsMemory(cmdBuffer)
	_, _, ok = manager.FindAllocation(cmdBuffer.GpuAddress())
	require.False(t, ok)
	require.Equal(t, 1, manager.AllocationCount())

	manager.FreeGraphicsMemory(heap)
	require.Equal(t, 0, manager.AllocationCount())
	require.Equal(t, 0, manager.Usage(memory.MemoryPoolSystem))
}

func TestHostManagerBudget(t *testing.T) {
	manager := memory.NewHostManager(memory.HostManagerOptions{
		LocalMemoryBudget: 64 * memutils.KB,
	})

	first, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{
		Size: 48 * memutils.KB,
		Type: memory.AllocationTypeBuffer,
		Pool: memory.MemoryPoolLocal,
	})
	require.NoError(t, err)

	_, err = manager.AllocateGraphicsMemory(memory.AllocationProperties{
		Size: 32 * memutils.KB,
		Type: memory.AllocationTypeBuffer,
		Pool: memory.MemoryPoolLocal,
	})
	require.Error(t, err)
	require.Equal(t, ze.ErrorOutOfDeviceMemory, ze.ResultFromError(err))
	require.False(t, errors.Is(err, memory.ErrOutOfAddressSpace))

	manager.FreeGraphicsMemory(first)
	second, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{
		Size: 32 * memutils.KB,
		Type: memory.AllocationTypeBuffer,
		Pool: memory.MemoryPoolLocal,
	})
	require.NoError(t, err)
	manager.FreeGraphicsMemory(second)
}

func TestHostManagerAtomicAccess(t *testing.T) {
	manager := memory.NewHostManager(memory.HostManagerOptions{})
	alloc, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{
		Size: memutils.PageSize,
		Type: memory.AllocationTypeTagBuffer,
	})
	require.NoError(t, err)

	alloc.Store64(8, 41)
	require.Equal(t, uint64(42), alloc.Add64(8, 1))
	alloc.Store32(16, 7)
	require.Equal(t, uint32(7), alloc.Load32(16))

	require.Panics(t, func() { alloc.Load64(4) })

	stats := manager.BuildStatsString(true)
	require.Contains(t, stats, `"Type":"AllocationTypeTagBuffer"`)
	manager.FreeGraphicsMemory(alloc)
}

func TestHostManagerInvalidRequests(t *testing.T) {
	manager := memory.NewHostManager(memory.HostManagerOptions{})

	_, err := manager.AllocateGraphicsMemory(memory.AllocationProperties{Size: 0})
	require.Equal(t, ze.ErrorInvalidSize, ze.ResultFromError(err))

	_, err = manager.AllocateGraphicsMemory(memory.AllocationProperties{Size: 64, Alignment: 96})
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))
}
