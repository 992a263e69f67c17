package cmdqueue

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/container"
	"github.com/zekit/zecore/csr"
	"github.com/zekit/zecore/device"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// Mode decides whether ExecuteCommandLists returns before the lists complete
type Mode uint8

const (
	ModeDefault Mode = iota
	ModeAsynchronous
	ModeSynchronous
)

// Desc configures New. The zero value is an asynchronous compute queue on engine 0.
type Desc struct {
	EngineOrdinal int
	CopyOnly      bool
	Mode          Mode
	// PerformMigration moves shared allocations to the device before lists that access memory
	// indirectly run
	PerformMigration bool
	// PrintfOutput receives the printf output of completed kernels. Nil selects os.Stdout.
	PrintfOutput io.Writer
}

type pendingPrintf struct {
	handle    kernel.KernelHandle
	taskCount uint64
}

// CommandQueue submits command lists to one engine context. It is safe for concurrent use.
type CommandQueue struct {
	logger   *slog.Logger
	device   *device.Device
	engine   *device.Engine
	receiver csr.Receiver
	settings config.Settings
	desc     Desc

	mutex     sync.Mutex
	destroyed bool
	// container holds the queue's own stream: state programming and the jumps into each list
	container container.CommandContainer
	scratch   scratchController
	taskCount atomic.Uint64

	pendingMutex   sync.Mutex
	assertExecuted bool
	printf         []pendingPrintf
}

var _ cmdlist.Executor = &CommandQueue{}

func New(dev *device.Device, desc Desc) (*CommandQueue, error) {
	logger := dev.Logger()
	logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandQueue::New",
		slog.Int("engine", desc.EngineOrdinal),
		slog.Bool("copyOnly", desc.CopyOnly))

	engine, err := dev.Engine(desc.EngineOrdinal)
	if err != nil {
		return nil, err
	}
	if desc.PrintfOutput == nil {
		desc.PrintfOutput = os.Stdout
	}

	q := &CommandQueue{
		logger:   logger,
		device:   dev,
		engine:   engine,
		receiver: engine.Receiver(),
		settings: dev.Settings(),
		desc:     desc,
		scratch: scratchController{
			logger:          logger,
			manager:         dev.Manager(),
			rootDeviceIndex: dev.RootDeviceIndex(),
		},
	}

	err = q.container.Initialize(container.InitOptions{
		Logger:           logger,
		Manager:          dev.Manager(),
		Family:           dev.Family(),
		Settings:         q.settings,
		RootDeviceIndex:  dev.RootDeviceIndex(),
		ReusableList:     dev.ReusableList(),
		IsAllocationIdle: dev.IsAllocationIdle,
	})
	if err != nil {
		return nil, err
	}

	if err := q.receiver.CreatePreemptionAllocation(); err != nil {
		q.container.Destroy()
		return nil, err
	}
	q.addContextAllocations()

	return q, nil
}

func (q *CommandQueue) addContextAllocations() {
	if preemption := q.receiver.PreemptionAllocation(); preemption != nil {
		q.container.AddToResidencyContainer(preemption)
	}
}

func (q *CommandQueue) Device() *device.Device { return q.device }
func (q *CommandQueue) EngineOrdinal() int     { return q.desc.EngineOrdinal }
func (q *CommandQueue) IsCopyOnly() bool       { return q.desc.CopyOnly }
func (q *CommandQueue) Receiver() csr.Receiver { return q.receiver }
func (q *CommandQueue) TaskCount() uint64      { return q.taskCount.Load() }
func (q *CommandQueue) IsSynchronous() bool    { return q.desc.Mode == ModeSynchronous }

func (q *CommandQueue) ScratchAllocationSize() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.scratch.alloc == nil {
		return 0
	}
	return q.scratch.alloc.Size()
}

func (q *CommandQueue) validateLists(lists []*cmdlist.CommandList) error {
	seen := make(map[*cmdlist.CommandList]struct{}, len(lists))
	for i, list := range lists {
		if list == nil || list.IsDestroyed() {
			return ze.Errorf(ze.ErrorInvalidNullHandle, "command list %d is not a live list", i)
		}
		if list.IsImmediate() {
			return ze.Errorf(ze.ErrorInvalidArgument, "command list %d is immediate", i)
		}
		if !list.IsClosed() {
			return ze.Errorf(ze.ErrorInvalidArgument, "command list %d is not closed", i)
		}
		if list.Device() != q.device {
			return ze.Errorf(ze.ErrorInvalidArgument, "command list %d belongs to another device", i)
		}
		if list.EngineOrdinal() != q.desc.EngineOrdinal {
			return ze.Errorf(ze.ErrorInvalidArgument, "command list %d targets engine %d, the queue engine %d", i, list.EngineOrdinal(), q.desc.EngineOrdinal)
		}
		if list.IsCopyOnly() != q.desc.CopyOnly {
			return ze.Errorf(ze.ErrorInvalidArgument, "command list %d copy-only %t does not match the queue", i, list.IsCopyOnly())
		}

		if _, dup := seen[list]; dup {
			if list.InOrder() != nil {
				return ze.Errorf(ze.ErrorInvalidArgument, "in-order command list %d appears more than once", i)
			}
			if list.IsPrimary() {
				return ze.Errorf(ze.ErrorInvalidArgument, "command list %d is dispatched as a primary batch buffer more than once", i)
			}
		}
		seen[list] = struct{}{}
	}
	return nil
}

// waitForList blocks until the previous execution of list completed, so that its commands can be
// patched
func (q *CommandQueue) waitForList(ctx context.Context, list *cmdlist.CommandList) error {
	last := list.LastTaskCount()
	if last == 0 || q.receiver.CompletedTaskCount() >= last {
		return nil
	}

	q.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandQueue::waitForList",
		slog.Uint64("taskCount", last))
	status := q.receiver.WaitForTaskCount(ctx, last, utils.InfiniteTimeout, q.settings.UseKmdWaitFunction)
	if status != csr.WaitReady {
		return ze.Errorf(status.Result(), "waiting for the previous execution of a command list: %s", status)
	}
	return nil
}

// ExecuteCommandLists submits lists as one batch. When fence is not nil it signals once the batch
// completes.
func (q *CommandQueue) ExecuteCommandLists(ctx context.Context, lists []*cmdlist.CommandList, fence *Fence) (ze.Result, error) {
	q.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandQueue::ExecuteCommandLists",
		slog.Int("count", len(lists)))

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.destroyed {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "command queue was destroyed"))
	}
	if len(lists) == 0 {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidSize, "no command lists to execute"))
	}
	if fence != nil && fence.queue != q {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "fence belongs to another queue"))
	}
	if err := q.validateLists(lists); err != nil {
		return ze.Fail(err)
	}

	for _, list := range lists {
		if list.InOrder() != nil || list.IsPrimary() {
			if err := q.waitForList(ctx, list); err != nil {
				return ze.Fail(err)
			}
		}
		if err := list.PrepareSubmission(); err != nil {
			return ze.Fail(err)
		}
	}

	taskCount, err := q.submit(ctx, lists)
	if err != nil {
		return ze.Fail(err)
	}
	if fence != nil {
		fence.taskCount.Store(taskCount)
	}

	if q.desc.Mode == ModeSynchronous {
		return q.synchronizeTo(ctx, taskCount, utils.InfiniteTimeout)
	}
	return ze.Success, nil
}

// ExecuteImmediate submits the commands an immediate list recorded since its previous submission
func (q *CommandQueue) ExecuteImmediate(ctx context.Context, list *cmdlist.CommandList) (ze.Result, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.destroyed {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "command queue was destroyed"))
	}
	if list.EngineOrdinal() != q.desc.EngineOrdinal || list.IsCopyOnly() != q.desc.CopyOnly {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidArgument, "immediate list does not match the queue's engine"))
	}

	taskCount, err := q.submit(ctx, []*cmdlist.CommandList{list})
	if err != nil {
		return ze.Fail(err)
	}
	if shared := list.Container().SharedHeaps(); shared != nil {
		shared.Retire(taskCount)
	}

	if len(list.CommandBuffers()) > 1 {
		status := q.receiver.WaitForTaskCount(ctx, taskCount, utils.InfiniteTimeout, q.settings.UseKmdWaitFunction)
		if status != csr.WaitReady {
			return ze.Fail(ze.Errorf(status.Result(), "waiting to recycle immediate command buffers: %s", status))
		}
		if err := list.RecycleImmediate(); err != nil {
			return ze.Fail(err)
		}
	}

	if q.desc.Mode == ModeSynchronous {
		return q.synchronizeTo(ctx, taskCount, utils.InfiniteTimeout)
	}
	return ze.Success, nil
}

// Synchronize waits up to timeout for every submission made so far. It returns ze.NotReady when
// the timeout elapses first.
func (q *CommandQueue) Synchronize(ctx context.Context, timeout time.Duration) (ze.Result, error) {
	return q.synchronizeTo(ctx, q.taskCount.Load(), timeout)
}

func (q *CommandQueue) synchronizeTo(ctx context.Context, taskCount uint64, timeout time.Duration) (ze.Result, error) {
	if taskCount == 0 {
		return ze.Success, nil
	}

	status := q.receiver.WaitForTaskCount(ctx, taskCount, timeout, q.settings.UseKmdWaitFunction)
	switch status {
	case csr.WaitReady:
	case csr.WaitNotReady:
		return ze.NotReady, nil
	default:
		q.logger.LogAttrs(context.Background(), slog.LevelError, "CommandQueue::Synchronize engine hang",
			slog.Int("engine", q.desc.EngineOrdinal),
			slog.Uint64("taskCount", taskCount))
		return ze.Fail(ze.Errorf(ze.ErrorDeviceLost, "engine %d hung before task count %d", q.desc.EngineOrdinal, taskCount))
	}

	if err := q.flushPrintf(taskCount); err != nil {
		return ze.Fail(err)
	}
	return ze.Success, nil
}

// flushPrintf writes the printf output of kernels whose submission completed by taskCount
func (q *CommandQueue) flushPrintf(taskCount uint64) error {
	q.pendingMutex.Lock()
	defer q.pendingMutex.Unlock()

	remaining := q.printf[:0]
	var firstErr error
	for _, pending := range q.printf {
		if pending.taskCount > taskCount {
			remaining = append(remaining, pending)
			continue
		}
		k, ok := pending.handle.Get()
		if !ok {
			continue
		}
		if err := k.FlushPrintf(q.desc.PrintfOutput); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.printf = remaining
	return firstErr
}

// CheckAndClearAssert reports whether a kernel submitted through the queue raised a device assert,
// along with its message
func (q *CommandQueue) CheckAndClearAssert() (bool, string) {
	q.pendingMutex.Lock()
	executed := q.assertExecuted
	q.assertExecuted = false
	q.pendingMutex.Unlock()

	if !executed {
		return false, ""
	}
	return q.device.CheckAndClearAssert()
}

// Destroy waits for outstanding submissions and releases the queue's buffers and scratch
func (q *CommandQueue) Destroy() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.destroyed {
		return
	}
	q.logger.Debug("CommandQueue::Destroy")
	q.destroyed = true

	if taskCount := q.taskCount.Load(); taskCount > 0 {
		status := q.receiver.WaitForTaskCount(context.Background(), taskCount, utils.InfiniteTimeout, q.settings.UseKmdWaitFunction)
		if status != csr.WaitReady {
			q.logger.LogAttrs(context.Background(), slog.LevelError, "[UNFINISHED SUBMISSIONS]",
				slog.Uint64("taskCount", taskCount),
				slog.String("status", status.String()))
		}
	}

	q.scratch.destroy()
	q.container.Destroy()
}
