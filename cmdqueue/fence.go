package cmdqueue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zekit/zecore/csr"
	"github.com/zekit/zecore/ze"
)

// Fence signals once the batch of the ExecuteCommandLists call it was passed to completes
type Fence struct {
	queue *CommandQueue
	// taskCount is the batch the fence waits for, zero while unsubmitted
	taskCount atomic.Uint64
}

func (q *CommandQueue) CreateFence() (*Fence, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.destroyed {
		return nil, ze.Errorf(ze.ErrorInvalidNullHandle, "command queue was destroyed")
	}
	return &Fence{queue: q}, nil
}

// QueryStatus returns ze.Success once the fence signalled and ze.NotReady before
func (f *Fence) QueryStatus() (ze.Result, error) {
	taskCount := f.taskCount.Load()
	if taskCount == 0 {
		return ze.NotReady, nil
	}

	receiver := f.queue.receiver
	if receiver.CompletedTaskCount() >= taskCount {
		return ze.Success, nil
	}
	if receiver.IsHangDetected() {
		return ze.Fail(ze.Errorf(ze.ErrorDeviceLost, "engine hung before the fence signalled"))
	}
	return ze.NotReady, nil
}

// HostSynchronize waits up to timeout for the fence. An unsubmitted fence is NotReady.
func (f *Fence) HostSynchronize(ctx context.Context, timeout time.Duration) (ze.Result, error) {
	taskCount := f.taskCount.Load()
	if taskCount == 0 {
		return ze.NotReady, nil
	}

	q := f.queue
	status := q.receiver.WaitForTaskCount(ctx, taskCount, timeout, q.settings.UseKmdWaitFunction)
	switch status {
	case csr.WaitReady:
		if err := q.flushPrintf(taskCount); err != nil {
			return ze.Fail(err)
		}
		return ze.Success, nil
	case csr.WaitNotReady:
		return ze.NotReady, nil
	}
	return ze.Fail(ze.Errorf(ze.ErrorDeviceLost, "engine hung before the fence signalled"))
}

// Reset returns the fence to the unsignalled state
func (f *Fence) Reset() {
	f.taskCount.Store(0)
}
