package cmdqueue_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/cmdqueue"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/ze"
	"golang.org/x/sync/errgroup"
)

func newQueue(t *testing.T, f *fixture, desc cmdqueue.Desc) *cmdqueue.CommandQueue {
	q, err := cmdqueue.New(f.device, desc)
	require.NoError(t, err)
	t.Cleanup(q.Destroy)
	return q
}

func TestExecuteKernelReportsWorkDimension(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{})

	dst := f.buffer(t)
	k := f.kernel(t, "store", dst, 42)
	require.NoError(t, k.SetGroupSize(1, 2, 3))
	signal := f.events(t, 0, 1)[0]

	list := f.list(t, cmdlist.Desc{})
	_, err := list.AppendLaunchKernel(ctx, k, [3]uint32{4, 3, 1}, signal, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	fence, err := q.CreateFence()
	require.NoError(t, err)
	result, err := fence.QueryStatus()
	require.NoError(t, err)
	require.Equal(t, ze.NotReady, result)

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, fence)
	require.NoError(t, err)
	result, err = fence.HostSynchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, ze.Success, result)

	require.Equal(t, uint32(42), f.read32(t, dst))
	require.Equal(t, uint32(3), f.read32(t, dst+4))
	require.Equal(t, uint32(4), f.read32(t, dst+8))
	require.Equal(t, uint32(6), f.read32(t, dst+12))
	require.Equal(t, uint32(3), f.read32(t, dst+16))

	result, err = signal.QueryStatus()
	require.NoError(t, err)
	require.Equal(t, ze.Success, result)
	require.Equal(t, uint64(1), q.TaskCount())
	require.Equal(t, uint64(1), list.LastTaskCount())

	fence.Reset()
	result, err = fence.QueryStatus()
	require.NoError(t, err)
	require.Equal(t, ze.NotReady, result)
}

func TestCopyFillWaitsForUnsignaledEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{CopyOnly: true})

	dst := f.buffer(t)
	wait := f.events(t, event.PoolFlagHostVisible, 1)[0]

	list := f.list(t, cmdlist.Desc{CopyOnly: true})
	_, err := list.AppendMemoryFill(ctx, dst, []byte{0xef, 0xbe, 0xad, 0xde}, 256, nil, []*event.Event{wait})
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.NoError(t, err)

	result, err := q.Synchronize(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ze.NotReady, result)
	require.Equal(t, uint32(0), f.read32(t, dst))

	_, err = wait.HostSignal()
	require.NoError(t, err)
	result, err = q.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, ze.Success, result)
	require.Equal(t, uint32(0xdeadbeef), f.read32(t, dst))
	require.Equal(t, uint32(0xdeadbeef), f.read32(t, dst+252))
	require.Equal(t, uint32(0), f.read32(t, dst+256))
}

func TestInOrderListChainsExecutions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXe2Hpg, nil)
	q := newQueue(t, f, cmdqueue.Desc{})

	first := f.buffer(t)
	second := f.buffer(t)
	list := f.list(t, cmdlist.Desc{InOrder: true})
	_, err := list.AppendLaunchKernel(ctx, f.kernel(t, "store", first, 1), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", second, 2), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	// The second dispatch waits on the counter value the first one writes
	var waits int
	for i := 0; i < list.PatchCount(); i++ {
		if list.Patch(i).Kind == cmdlist.CbWaitEventSemaphoreWait {
			waits++
			require.Equal(t, uint64(1), list.Patch(i).Value)
		}
	}
	require.Equal(t, 1, waits)

	info := list.InOrder()
	for execution := uint64(1); execution <= 3; execution++ {
		_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
		require.NoError(t, err)
		result, err := q.Synchronize(ctx, utils.InfiniteTimeout)
		require.NoError(t, err)
		require.Equal(t, ze.Success, result)

		require.Equal(t, 2*execution, info.DeviceValue())
		require.Equal(t, 2*(execution-1), info.Base())
	}
	require.Equal(t, uint32(1), f.read32(t, first))
	require.Equal(t, uint32(2), f.read32(t, second))
}

func TestCounterWaitFollowsLatestSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{})

	first := f.buffer(t)
	second := f.buffer(t)
	e := f.events(t, event.PoolFlagCounterBased, 1)[0]

	signaler := f.list(t, cmdlist.Desc{InOrder: true})
	_, err := signaler.AppendLaunchKernel(ctx, f.kernel(t, "store", first, 1), [3]uint32{1, 1, 1}, e, nil)
	require.NoError(t, err)
	_, err = signaler.Close()
	require.NoError(t, err)

	waiter := f.list(t, cmdlist.Desc{})
	_, err = waiter.AppendLaunchKernel(ctx, f.kernel(t, "store", second, 2), [3]uint32{1, 1, 1}, nil, []*event.Event{e})
	require.NoError(t, err)
	_, err = waiter.Close()
	require.NoError(t, err)

	waitValue := func() uint64 {
		for i := 0; i < waiter.PatchCount(); i++ {
			if waiter.Patch(i).Kind != cmdlist.CbWaitEventSemaphoreWait {
				continue
			}
			cmd, err := waiter.ReadCommand(i)
			require.NoError(t, err)
			return encoder.DecodeSemaphoreWait(cmd).Value
		}
		require.FailNow(t, "the waiter recorded no counter wait")
		return 0
	}

	// Every execution of the signaler moves the event to a later counter value; the waiter picks
	// it up on its next execution
	for execution := uint64(1); execution <= 3; execution++ {
		for _, list := range []*cmdlist.CommandList{signaler, waiter} {
			_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
			require.NoError(t, err)
		}
		result, err := q.Synchronize(ctx, utils.InfiniteTimeout)
		require.NoError(t, err)
		require.Equal(t, ze.Success, result)

		_, target := e.InOrder()
		require.Equal(t, execution, target)
		require.Equal(t, execution, waitValue())
		require.Equal(t, execution, signaler.InOrder().DeviceValue())
	}
	require.Equal(t, uint32(2), f.read32(t, second))
}

func TestExecuteCommandListsValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{})
	other := newQueue(t, f, cmdqueue.Desc{EngineOrdinal: 1})

	closed := func(desc cmdlist.Desc) *cmdlist.CommandList {
		list := f.list(t, desc)
		_, err := list.Close()
		require.NoError(t, err)
		return list
	}

	execute := func(lists ...*cmdlist.CommandList) ze.Result {
		_, err := q.ExecuteCommandLists(ctx, lists, nil)
		return ze.ResultFromError(err)
	}

	require.Equal(t, ze.ErrorInvalidSize, execute())
	require.Equal(t, ze.ErrorInvalidNullHandle, execute(nil))
	require.Equal(t, ze.ErrorInvalidArgument, execute(f.list(t, cmdlist.Desc{})))
	require.Equal(t, ze.ErrorInvalidArgument, execute(closed(cmdlist.Desc{EngineOrdinal: 1})))
	require.Equal(t, ze.ErrorInvalidArgument, execute(closed(cmdlist.Desc{CopyOnly: true})))

	inOrder := closed(cmdlist.Desc{InOrder: true})
	require.Equal(t, ze.ErrorInvalidArgument, execute(inOrder, inOrder))

	destroyed := closed(cmdlist.Desc{})
	destroyed.Destroy()
	require.Equal(t, ze.ErrorInvalidNullHandle, execute(destroyed))

	fence, err := other.CreateFence()
	require.NoError(t, err)
	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{closed(cmdlist.Desc{})}, fence)
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))
	require.Equal(t, uint64(0), q.TaskCount())

	regular := closed(cmdlist.Desc{})
	require.Equal(t, ze.Success, execute(regular, regular))
	result, err := q.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, ze.Success, result)

	q.Destroy()
	require.Equal(t, ze.ErrorInvalidNullHandle, execute(regular))
	_, err = q.CreateFence()
	require.Equal(t, ze.ErrorInvalidNullHandle, ze.ResultFromError(err))
}

func TestPrimaryListIsDispatchedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, func(settings *config.Settings) {
		settings.DispatchCmdListBatchBufferAsPrimary = 1
	})
	q := newQueue(t, f, cmdqueue.Desc{})

	dst := f.buffer(t)
	list := f.list(t, cmdlist.Desc{})
	require.True(t, list.IsPrimary())
	_, err := list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 5), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list, list}, nil)
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))

	for i := 0; i < 2; i++ {
		_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
		require.NoError(t, err)
	}
	result, err := q.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, ze.Success, result)
	require.Equal(t, uint32(5), f.read32(t, dst))
	require.Equal(t, uint64(2), list.LastTaskCount())
}

func TestSynchronousQueueWaitsForCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{Mode: cmdqueue.ModeSynchronous})
	require.True(t, q.IsSynchronous())

	dst := f.buffer(t)
	list := f.list(t, cmdlist.Desc{})
	_, err := list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, 9), [3]uint32{2, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	result, err := q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.NoError(t, err)
	require.Equal(t, ze.Success, result)
	require.Equal(t, uint32(9), f.read32(t, dst))
	require.Equal(t, uint32(1), f.read32(t, dst+4))
	require.Equal(t, q.TaskCount(), q.Receiver().CompletedTaskCount())
}

func TestSynchronizeReportsDeviceLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{})

	list := f.list(t, cmdlist.Desc{})
	_, err := list.AppendLaunchKernel(ctx, f.kernel(t, "fault", f.buffer(t), 0), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	fence, err := q.CreateFence()
	require.NoError(t, err)
	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, fence)
	require.NoError(t, err)

	_, err = q.Synchronize(ctx, utils.InfiniteTimeout)
	require.Equal(t, ze.ErrorDeviceLost, ze.ResultFromError(err))
	_, err = fence.QueryStatus()
	require.Equal(t, ze.ErrorDeviceLost, ze.ResultFromError(err))

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.Equal(t, ze.ErrorDeviceLost, ze.ResultFromError(err))
}

func TestPrintfIsFlushedOnSynchronize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	var output bytes.Buffer
	q := newQueue(t, f, cmdqueue.Desc{PrintfOutput: &output})

	list := f.list(t, cmdlist.Desc{})
	k := f.kernel(t, "printf", f.buffer(t), 1)
	_, err := list.AppendLaunchKernel(ctx, k, [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.AppendLaunchKernel(ctx, k, [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)
	require.Len(t, list.PrintfKernels(), 1)

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.NoError(t, err)
	_, err = q.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, "hello from the device\nhello from the device\n", output.String())

	output.Reset()
	_, err = q.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Empty(t, output.String())
}

func TestCheckAndClearAssert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{Mode: cmdqueue.ModeSynchronous})

	hit, _ := q.CheckAndClearAssert()
	require.False(t, hit)

	list := f.list(t, cmdlist.Desc{})
	_, err := list.AppendLaunchKernel(ctx, f.kernel(t, "assert", f.buffer(t), 1), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)
	require.True(t, list.ContainsAssert())

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.NoError(t, err)

	hit, message := q.CheckAndClearAssert()
	require.True(t, hit)
	require.Equal(t, "index out of range", message)

	hit, _ = q.CheckAndClearAssert()
	require.False(t, hit)
}

func TestScratchIsAllocatedAndPatched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{})
	require.Equal(t, 0, q.ScratchAllocationSize())

	dst := f.buffer(t)
	list := f.list(t, cmdlist.Desc{})
	_, err := list.AppendLaunchKernel(ctx, f.kernel(t, "scratch", dst, 0), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)
	require.Equal(t, uint32(0x2000), list.ScratchSize())
	require.Equal(t, 1, list.ActiveScratchPatchCount())

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.NoError(t, err)
	_, err = q.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, 0x2000, q.ScratchAllocationSize())

	pointer := memory.GpuAddress(f.read64(t, dst))
	scratch, offset, ok := f.device.Manager().FindAllocation(pointer)
	require.True(t, ok)
	require.Equal(t, 0, offset)
	require.Equal(t, memory.AllocationTypeScratchSurface, scratch.Type())

	address, base, bound := list.ScratchBinding()
	require.True(t, bound)
	require.Equal(t, pointer, address+base)
}

func TestImmediateListSubmitsEveryAppend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, func(settings *config.Settings) {
		settings.EnableImmediateCmdListHeapSharing = true
	})

	list, err := cmdqueue.NewImmediate(f.device, cmdqueue.ImmediateDesc{InOrder: true})
	require.NoError(t, err)
	t.Cleanup(list.Destroy)
	require.True(t, list.IsImmediate())
	require.NotNil(t, list.Container().SharedHeaps())

	dst := f.buffer(t)
	for value := uint32(1); value <= 3; value++ {
		_, err = list.AppendLaunchKernel(ctx, f.kernel(t, "store", dst, value), [3]uint32{1, 1, 1}, nil, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(value), list.Queue().TaskCount())
	}

	result, err := list.HostSynchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, ze.Success, result)
	require.Equal(t, uint32(3), f.read32(t, dst))
	require.Equal(t, uint64(3), list.InOrder().DeviceValue())

	_, err = list.Queue().ExecuteCommandLists(ctx, []*cmdlist.CommandList{list.CommandList}, nil)
	require.Equal(t, ze.ErrorInvalidArgument, ze.ResultFromError(err))
}

func TestConcurrentQueuesShareEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, func(settings *config.Settings) {
		settings.EnableStateBaseAddressTracking = 1
	})

	const queues = 4
	const executions = 8
	buffers := make([]memory.GpuAddress, queues)
	lists := make([]*cmdlist.CommandList, queues)
	cmdQueues := make([]*cmdqueue.CommandQueue, queues)
	for i := range lists {
		buffers[i] = f.buffer(t)
		lists[i] = f.list(t, cmdlist.Desc{})
		_, err := lists[i].AppendLaunchKernel(ctx, f.kernel(t, "store", buffers[i], uint32(100+i)), [3]uint32{1, 1, 1}, nil, nil)
		require.NoError(t, err)
		_, err = lists[i].Close()
		require.NoError(t, err)
		cmdQueues[i] = newQueue(t, f, cmdqueue.Desc{})
	}

	var group errgroup.Group
	for i := range cmdQueues {
		q, list := cmdQueues[i], lists[i]
		group.Go(func() error {
			for n := 0; n < executions; n++ {
				if _, err := q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil); err != nil {
					return err
				}
			}
			_, err := q.Synchronize(ctx, utils.InfiniteTimeout)
			return err
		})
	}
	require.NoError(t, group.Wait())

	engine, err := f.device.Engine(0)
	require.NoError(t, err)
	require.Equal(t, uint64(queues*executions), engine.Receiver().CompletedTaskCount())
	require.False(t, engine.Receiver().IsHangDetected())
	for i, dst := range buffers {
		require.Equal(t, uint32(100+i), f.read32(t, dst))
	}
}
