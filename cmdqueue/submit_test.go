package cmdqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/cmdqueue"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/csr"
	mock_csr "github.com/zekit/zecore/csr/mocks"
	"github.com/zekit/zecore/device"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/ze"
	"go.uber.org/mock/gomock"
)

func mockDevice(t *testing.T, receiver csr.Receiver) *device.Device {
	settings := config.Defaults()
	dev, err := device.New(device.CreateOptions{
		Product:   encoder.ProductXeHpc,
		Settings:  &settings,
		Receivers: []csr.Receiver{receiver},
	})
	require.NoError(t, err)
	t.Cleanup(dev.Destroy)
	return dev
}

func TestSubmissionFailureLeavesQueueUnchanged(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	receiver := mock_csr.NewMockReceiver(ctrl)

	var tracker sba.Tracker
	receiver.EXPECT().CreatePreemptionAllocation().Return(nil)
	receiver.EXPECT().PreemptionAllocation().Return(nil).AnyTimes()
	receiver.EXPECT().CompletedTaskCount().Return(uint64(0)).AnyTimes()
	receiver.EXPECT().TaskCount().Return(uint64(0)).AnyTimes()
	receiver.EXPECT().SBATracker().Return(&tracker).AnyTimes()
	receiver.EXPECT().MakeResident(gomock.Any()).AnyTimes()

	dev := mockDevice(t, receiver)
	q, err := cmdqueue.New(dev, cmdqueue.Desc{CopyOnly: true})
	require.NoError(t, err)

	ptr, err := dev.USM().AllocateDeviceMemory(0, memutils.PageSize, 64)
	require.NoError(t, err)
	list, err := cmdlist.New(dev, cmdlist.Desc{CopyOnly: true})
	require.NoError(t, err)
	_, err = list.AppendMemoryFill(ctx, ptr, []byte{1}, 64, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	var failed, submitted csr.BatchBuffer
	gomock.InOrder(
		receiver.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, batch csr.BatchBuffer) (uint64, csr.SubmissionStatus) {
				failed = batch
				return 0, csr.SubmissionOutOfMemory
			}),
		receiver.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, batch csr.BatchBuffer) (uint64, csr.SubmissionStatus) {
				submitted = batch
				return 1, csr.SubmissionSuccess
			}),
	)

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.Equal(t, ze.ErrorOutOfDeviceMemory, ze.ResultFromError(err))
	require.Equal(t, uint64(0), q.TaskCount())
	require.Equal(t, uint64(0), list.LastTaskCount())

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), q.TaskCount())
	require.Equal(t, uint64(1), list.LastTaskCount())

	// The failed batch was rewound, so the retry starts where the first attempt did
	require.Equal(t, failed.StartOffset, submitted.StartOffset)
	require.Equal(t, encoder.BatchBufferStartSize+encoder.BatchBufferEndSize, submitted.Used-submitted.StartOffset)
	for _, alloc := range list.Residency().Allocations() {
		require.True(t, submitted.Residency.Contains(alloc))
	}

	receiver.EXPECT().WaitForTaskCount(gomock.Any(), uint64(1), 10*time.Millisecond, false).Return(csr.WaitNotReady)
	result, err := q.Synchronize(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, ze.NotReady, result)

	receiver.EXPECT().WaitForTaskCount(gomock.Any(), uint64(1), gomock.Any(), false).Return(csr.WaitGpuHang).Times(2)
	_, err = q.Synchronize(ctx, time.Second)
	require.Equal(t, ze.ErrorDeviceLost, ze.ResultFromError(err))

	list.Destroy()
	q.Destroy()
	require.NoError(t, dev.USM().Free(ptr))
}

func TestFailedSubmissionKeepsInOrderCounter(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	receiver := mock_csr.NewMockReceiver(ctrl)

	var tracker sba.Tracker
	taskCount := uint64(0)
	receiver.EXPECT().CreatePreemptionAllocation().Return(nil)
	receiver.EXPECT().PreemptionAllocation().Return(nil).AnyTimes()
	receiver.EXPECT().CompletedTaskCount().DoAndReturn(func() uint64 { return taskCount }).AnyTimes()
	receiver.EXPECT().TaskCount().DoAndReturn(func() uint64 { return taskCount }).AnyTimes()
	receiver.EXPECT().SBATracker().Return(&tracker).AnyTimes()
	receiver.EXPECT().MakeResident(gomock.Any()).AnyTimes()

	dev := mockDevice(t, receiver)
	q, err := cmdqueue.New(dev, cmdqueue.Desc{CopyOnly: true})
	require.NoError(t, err)

	list, err := cmdlist.New(dev, cmdlist.Desc{CopyOnly: true, InOrder: true})
	require.NoError(t, err)
	_, err = list.AppendBarrier(ctx, nil, nil)
	require.NoError(t, err)
	_, err = list.Close()
	require.NoError(t, err)

	counterValue := func() uint64 {
		for i := 0; i < list.PatchCount(); i++ {
			if list.Patch(i).Kind != cmdlist.InOrderCounterPipeControl {
				continue
			}
			cmd, err := list.ReadCommand(i)
			require.NoError(t, err)
			return encoder.DecodePipeControl(cmd).ImmediateData
		}
		require.FailNow(t, "the list recorded no counter store")
		return 0
	}

	succeed := func(_ context.Context, _ csr.BatchBuffer) (uint64, csr.SubmissionStatus) {
		taskCount++
		return taskCount, csr.SubmissionSuccess
	}
	gomock.InOrder(
		receiver.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(succeed),
		receiver.EXPECT().Submit(gomock.Any(), gomock.Any()).Return(uint64(0), csr.SubmissionOutOfMemory),
		receiver.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(succeed),
	)

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), counterValue())

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.Equal(t, ze.ErrorOutOfDeviceMemory, ze.ResultFromError(err))

	// The retry continues from the last execution that reached the engine
	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), list.InOrder().Base())
	require.Equal(t, uint64(2), counterValue())
	require.Equal(t, uint64(2), list.LastTaskCount())

	receiver.EXPECT().WaitForTaskCount(gomock.Any(), uint64(2), gomock.Any(), false).Return(csr.WaitReady)
	list.Destroy()
	q.Destroy()
}

func TestStateIsProgrammedOncePerHeapChange(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	receiver := mock_csr.NewMockReceiver(ctrl)

	var tracker sba.Tracker
	taskCount := uint64(0)
	receiver.EXPECT().CreatePreemptionAllocation().Return(nil)
	receiver.EXPECT().PreemptionAllocation().Return(nil).AnyTimes()
	receiver.EXPECT().CompletedTaskCount().DoAndReturn(func() uint64 { return taskCount }).AnyTimes()
	receiver.EXPECT().TaskCount().DoAndReturn(func() uint64 { return taskCount }).AnyTimes()
	receiver.EXPECT().SBATracker().Return(&tracker).AnyTimes()
	receiver.EXPECT().MakeResident(gomock.Any()).AnyTimes()

	var batches []csr.BatchBuffer
	receiver.EXPECT().Submit(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, batch csr.BatchBuffer) (uint64, csr.SubmissionStatus) {
			batches = append(batches, batch)
			taskCount++
			return taskCount, csr.SubmissionSuccess
		}).Times(3)

	dev := mockDevice(t, receiver)
	settings := dev.Settings()
	require.False(t, config.Override(settings.EnableStateBaseAddressTracking, false))

	// Immediate lists track state; the queue programs it before their first kernel
	immediate, err := cmdqueue.NewImmediate(dev, cmdqueue.ImmediateDesc{})
	require.NoError(t, err)

	module, err := dev.CreateModule(ctx, kernel.ModuleOptions{Binary: testBinary()})
	require.NoError(t, err)
	k, err := module.CreateKernel("store")
	require.NoError(t, err)
	ptr, err := dev.USM().AllocateDeviceMemory(0, memutils.PageSize, 64)
	require.NoError(t, err)
	require.NoError(t, k.SetArgumentBuffer(0, ptr))
	require.NoError(t, k.SetArgumentValue(1, 4, []byte{1, 0, 0, 0}))

	for i := 0; i < 3; i++ {
		_, err = immediate.AppendLaunchKernel(ctx, k, [3]uint32{1, 1, 1}, nil, nil)
		require.NoError(t, err)
	}
	require.Len(t, batches, 3)

	// Only the first batch carries state base address: SBA, BB_START, BB_END
	require.Equal(t, encoder.StateBaseAddressSize+encoder.BatchBufferStartSize+encoder.BatchBufferEndSize, batches[0].Used-batches[0].StartOffset)
	for _, batch := range batches[1:] {
		require.Equal(t, encoder.BatchBufferStartSize+encoder.BatchBufferEndSize, batch.Used-batch.StartOffset)
	}
	require.Equal(t, 1, tracker.EmitCount())

	receiver.EXPECT().WaitForTaskCount(gomock.Any(), uint64(3), gomock.Any(), false).Return(csr.WaitReady)
	immediate.Destroy()
	k.Destroy()
	module.Destroy()
	require.NoError(t, dev.USM().Free(ptr))
}

func TestScratchBindingIsReused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, encoder.ProductXeHpc, nil)
	q := newQueue(t, f, cmdqueue.Desc{})
	manager := f.device.Manager()

	dst := f.buffer(t)
	small := f.list(t, cmdlist.Desc{})
	_, err := small.AppendLaunchKernel(ctx, f.kernel(t, "scratch", dst, 0), [3]uint32{1, 1, 1}, nil, nil)
	require.NoError(t, err)
	_, err = small.Close()
	require.NoError(t, err)

	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{small}, nil)
	require.NoError(t, err)
	_, err = q.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	first := memory.GpuAddress(f.read64(t, dst))

	// Re-executing with the same surface leaves the list's binding untouched
	_, err = q.ExecuteCommandLists(ctx, []*cmdlist.CommandList{small}, nil)
	require.NoError(t, err)
	_, err = q.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
	require.Equal(t, first, memory.GpuAddress(f.read64(t, dst)))
	scratch, _, ok := manager.FindAllocation(first)
	require.True(t, ok)
	require.Equal(t, memory.AllocationTypeScratchSurface, scratch.Type())
}
