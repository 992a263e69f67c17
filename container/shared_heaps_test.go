package container_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/container"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/stream"
	"github.com/zekit/zecore/ze"
)

type fakeEngine struct {
	completed atomic.Uint64
	waits     []uint64
}

func (e *fakeEngine) wait(taskCount uint64) error {
	e.waits = append(e.waits, taskCount)
	e.completed.Store(taskCount)
	return nil
}

func newSharedHeaps(t *testing.T, manager memory.Manager, engine *fakeEngine) *container.SharedHeaps {
	shared, err := container.NewSharedHeaps(container.SharedHeapsOptions{
		Manager:            manager,
		HeapSize:           memutils.PageSize,
		CompletedTaskCount: engine.completed.Load,
		WaitForTaskCount:   engine.wait,
	})
	require.NoError(t, err)
	return shared
}

func TestSharedHeapsReclaimInTaskCountOrder(t *testing.T) {
	manager := memory.NewHostManager(memory.HostManagerOptions{})
	engine := &fakeEngine{}
	shared := newSharedHeaps(t, manager, engine)

	token := utils.NewLockToken()
	require.True(t, shared.Lock(token))
	defer shared.Unlock()

	first, err := shared.Reserve(stream.HeapIndirectObject, 2048, 64)
	require.NoError(t, err)
	shared.Retire(1)

	second, err := shared.Reserve(stream.HeapIndirectObject, 1024, 64)
	require.NoError(t, err)
	require.Equal(t, first.Offset+2048, second.Offset)
	shared.Retire(2)

	// task 1 completed: its slice is reclaimed without waiting
	engine.completed.Store(1)
	third, err := shared.Reserve(stream.HeapIndirectObject, 2048, 64)
	require.NoError(t, err)
	require.Equal(t, first.Offset, third.Offset)
	require.Empty(t, engine.waits)
	shared.Retire(3)

	// nothing is free until task 2 completes, which the heaps wait for
	_, err = shared.Reserve(stream.HeapIndirectObject, 1024, 64)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, engine.waits)

	_, err = shared.Reserve(stream.HeapIndirectObject, 2*memutils.PageSize, 64)
	require.Equal(t, ze.ErrorOutOfDeviceMemory, ze.ResultFromError(err))
}

func TestSharedHeapsNestedLockIsSkipped(t *testing.T) {
	manager := memory.NewHostManager(memory.HostManagerOptions{})
	shared := newSharedHeaps(t, manager, &fakeEngine{})

	token := utils.NewLockToken()
	require.True(t, shared.Lock(token))
	require.False(t, shared.Lock(token))
	shared.Unlock()

	shared.Destroy()
	require.Equal(t, 0, manager.AllocationCount())
}

func TestContainerBorrowsSharedHeaps(t *testing.T) {
	manager := memory.NewHostManager(memory.HostManagerOptions{})
	shared := newSharedHeaps(t, manager, &fakeEngine{})

	var c container.CommandContainer
	require.NoError(t, c.Initialize(container.InitOptions{
		Manager:          manager,
		Family:           family(t),
		Settings:         config.Defaults(),
		RequireHeaps:     true,
		ImmediateCmdList: true,
		SharedHeaps:      shared,
	}))

	heap := c.GetIndirectHeap(stream.HeapIndirectObject)
	require.Equal(t, shared.Heap(stream.HeapIndirectObject), heap)
	require.True(t, c.Residency().Contains(heap.Allocation()))

	space, err := c.AllocateHeapSpace(stream.HeapIndirectObject, 128, 64)
	require.NoError(t, err)
	data, err := c.Resolve(space.Site, 128)
	require.NoError(t, err)
	require.Len(t, data, 128)

	_, err = c.GetHeapWithRequiredSizeAndAlignment(stream.HeapIndirectObject, 128, 64)
	require.Error(t, err)

	// destroying the container leaves the borrowed heaps alone
	c.Destroy()
	require.Equal(t, 3, manager.AllocationCount())
}
