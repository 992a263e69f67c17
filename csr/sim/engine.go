package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/zekit/zecore/csr"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueDepth   = 64
	preemptionSize      = 16 * memutils.KB
	alwaysResident      = ^uint64(0)
	globalTimestampBase = 1000
)

// ErrFault is wrapped by every error that stops the engine: access to memory that is not
// resident, an unknown command or kernel, a failing kernel function, or a stalled semaphore
var ErrFault = errors.New("engine fault")

func faultf(format string, args ...any) error {
	return errors.Wrapf(ErrFault, format, args...)
}

// Options configures NewEngine
type Options struct {
	Logger          *slog.Logger
	Manager         memory.Manager
	Family          *encoder.Family
	ContextID       uint32
	RootDeviceIndex uint32
	// Kernels resolves walkers to host functions. When nil, an empty registry is created.
	Kernels *KernelRegistry
	// PollInterval is the sleep between two checks of a semaphore or of the tag
	PollInterval time.Duration
	// HangTimeout is how long a semaphore may stall before the engine reports a hang. Zero stalls
	// until the engine is destroyed.
	HangTimeout time.Duration
	// QueueDepth is the number of submissions that may wait for the engine before Submit blocks
	QueueDepth int
}

type submission struct {
	batch     csr.BatchBuffer
	taskCount uint64
}

// Engine is a csr.Receiver that executes batch buffers in software. A goroutine interprets the
// encoded commands in submission order: walkers call registered kernel functions, post-syncs and
// stores write graphics memory, and semaphore waits stall the engine until their condition holds.
type Engine struct {
	logger          *slog.Logger
	manager         memory.Manager
	family          *encoder.Family
	contextID       uint32
	rootDeviceIndex uint32
	kernels         *KernelRegistry
	pollInterval    time.Duration
	hangTimeout     time.Duration

	tag        *memory.GraphicsAllocation
	preemption *memory.GraphicsAllocation
	globalHeap *memory.GraphicsAllocation
	heapMutex  sync.Mutex
	sbaTracker sba.Tracker
	memory     Memory

	submitMutex sync.Mutex
	submissions chan submission
	taskCount   atomic.Uint64
	hang        atomic.Bool
	destroyed   bool

	progressMutex sync.Mutex
	progress      chan struct{}

	ticks atomic.Uint64

	// Owned by the engine goroutine
	executing uint64
	registers map[uint32]uint32
	state     encoder.StateBaseAddress

	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ csr.Receiver = &Engine{}

func NewEngine(options Options) (*Engine, error) {
	if options.Manager == nil || options.Family == nil {
		return nil, ze.Errorf(ze.ErrorInvalidNullHandle, "an engine needs a memory manager and an encoder family")
	}

	logger := options.Logger
	if logger == nil {
		logger = memory.DiscardLogger()
	}
	kernels := options.Kernels
	if kernels == nil {
		kernels = NewKernelRegistry()
	}
	depth := options.QueueDepth
	if depth <= 0 {
		depth = defaultQueueDepth
	}

	tag, err := options.Manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: options.RootDeviceIndex,
		Size:            memutils.PageSize,
		Type:            memory.AllocationTypeTagBuffer,
		Pool:            memory.MemoryPoolSystem,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:          logger,
		manager:         options.Manager,
		family:          options.Family,
		contextID:       options.ContextID,
		rootDeviceIndex: options.RootDeviceIndex,
		kernels:         kernels,
		pollInterval:    options.PollInterval,
		hangTimeout:     options.HangTimeout,
		tag:             tag,
		submissions:     make(chan submission, depth),
		progress:        make(chan struct{}),
		registers:       make(map[uint32]uint32),
	}
	e.memory.engine = e
	e.ticks.Store(100)
	tag.UpdateResidencyTaskCount(e.contextID, alwaysResident)

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.group, ctx = errgroup.WithContext(ctx)
	e.group.Go(func() error {
		return e.run(ctx)
	})

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Engine::NewEngine",
		slog.Int("contextID", int(e.contextID)),
		slog.String("family", e.family.Name))
	return e, nil
}

func (e *Engine) ContextID() uint32                         { return e.contextID }
func (e *Engine) TagAllocation() *memory.GraphicsAllocation { return e.tag }
func (e *Engine) TaskCount() uint64                         { return e.taskCount.Load() }
func (e *Engine) CompletedTaskCount() uint64                { return e.tag.Load64(0) }
func (e *Engine) SBATracker() *sba.Tracker                  { return &e.sbaTracker }
func (e *Engine) IsHangDetected() bool                      { return e.hang.Load() }
func (e *Engine) Kernels() *KernelRegistry                  { return e.kernels }

func (e *Engine) PreemptionAllocation() *memory.GraphicsAllocation {
	e.heapMutex.Lock()
	defer e.heapMutex.Unlock()

	return e.preemption
}

// MakeResident keeps alloc resident for the context until the next submission completes
func (e *Engine) MakeResident(alloc *memory.GraphicsAllocation) {
	if alloc == nil {
		return
	}
	current, ok := alloc.ResidencyTaskCount(e.contextID)
	next := e.taskCount.Load() + 1
	if ok && current >= next {
		return
	}
	alloc.UpdateResidencyTaskCount(e.contextID, next)
}

func (e *Engine) IsMadeResident(alloc *memory.GraphicsAllocation) bool {
	taskCount, ok := alloc.ResidencyTaskCount(e.contextID)
	return ok && taskCount > e.CompletedTaskCount()
}

func (e *Engine) CreatePreemptionAllocation() error {
	e.heapMutex.Lock()
	defer e.heapMutex.Unlock()

	if e.preemption != nil {
		return nil
	}

	alloc, err := e.manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: e.rootDeviceIndex,
		Size:            preemptionSize,
		Type:            memory.AllocationTypePreemption,
		Pool:            memory.MemoryPoolLocal,
	})
	if err != nil {
		return err
	}
	alloc.UpdateResidencyTaskCount(e.contextID, alwaysResident)
	e.preemption = alloc
	return nil
}

func (e *Engine) GlobalStatelessHeap() (*memory.GraphicsAllocation, error) {
	e.heapMutex.Lock()
	defer e.heapMutex.Unlock()

	if e.globalHeap != nil {
		return e.globalHeap, nil
	}

	alloc, err := e.manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: e.rootDeviceIndex,
		Size:            e.family.Caps.DefaultHeapSize,
		Type:            memory.AllocationTypeLinearStream,
		Pool:            memory.MemoryPoolLocal,
	})
	if err != nil {
		return nil, err
	}
	alloc.UpdateResidencyTaskCount(e.contextID, alwaysResident)
	e.globalHeap = alloc
	return alloc, nil
}

// Submit queues batch behind every earlier submission. It blocks while the queue is full.
func (e *Engine) Submit(ctx context.Context, batch csr.BatchBuffer) (uint64, csr.SubmissionStatus) {
	e.logger.Debug("Engine::Submit")

	if batch.CommandBuffer == nil || batch.StartOffset < 0 || batch.StartOffset >= batch.CommandBuffer.Size() {
		return 0, csr.SubmissionFailed
	}

	e.submitMutex.Lock()
	defer e.submitMutex.Unlock()

	if e.destroyed || e.hang.Load() {
		return 0, csr.SubmissionFailed
	}

	taskCount := e.taskCount.Load() + 1
	batch.CommandBuffer.UpdateResidencyTaskCount(e.contextID, taskCount)
	batch.CommandBuffer.UpdateTaskCount(e.contextID, taskCount)
	if batch.Residency != nil {
		for _, alloc := range batch.Residency.Allocations() {
			current, ok := alloc.ResidencyTaskCount(e.contextID)
			if !ok || current < taskCount {
				alloc.UpdateResidencyTaskCount(e.contextID, taskCount)
			}
			alloc.UpdateTaskCount(e.contextID, taskCount)
		}
	}

	select {
	case e.submissions <- submission{batch: batch, taskCount: taskCount}:
	case <-ctx.Done():
		return 0, csr.SubmissionFailed
	}

	e.taskCount.Store(taskCount)
	return taskCount, csr.SubmissionSuccess
}

func (e *Engine) progressed() <-chan struct{} {
	e.progressMutex.Lock()
	defer e.progressMutex.Unlock()

	return e.progress
}

func (e *Engine) notifyProgress() {
	e.progressMutex.Lock()
	defer e.progressMutex.Unlock()

	close(e.progress)
	e.progress = make(chan struct{})
}

func (e *Engine) waitStatus(taskCount uint64) csr.WaitStatus {
	if e.CompletedTaskCount() >= taskCount {
		return csr.WaitReady
	}
	if e.hang.Load() {
		return csr.WaitGpuHang
	}
	return csr.WaitNotReady
}

// WaitForTaskCount waits for taskCount to complete. The kernel driver wait blocks on completion
// notifications; otherwise the tag is polled.
func (e *Engine) WaitForTaskCount(ctx context.Context, taskCount uint64, timeout time.Duration, useKmdWait bool) csr.WaitStatus {
	done := func() bool {
		return e.waitStatus(taskCount) != csr.WaitNotReady || ctx.Err() != nil
	}

	if !useKmdWait {
		utils.PollUntil(timeout, e.pollInterval, done)
		return e.waitStatus(taskCount)
	}

	var deadline <-chan time.Time
	if timeout != utils.InfiniteTimeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		progress := e.progressed()
		if done() {
			return e.waitStatus(taskCount)
		}

		select {
		case <-progress:
		case <-deadline:
			return e.waitStatus(taskCount)
		case <-ctx.Done():
			return e.waitStatus(taskCount)
		}
	}
}

func (e *Engine) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sub := <-e.submissions:
			if e.hang.Load() {
				continue
			}

			err := e.execute(ctx, sub)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				e.logger.LogAttrs(context.Background(), slog.LevelError, "Engine::run gpu hang",
					slog.Uint64("taskCount", sub.taskCount),
					slog.String("error", err.Error()))
				e.hang.Store(true)
			} else {
				e.tag.Store64(0, sub.taskCount)
			}
			e.notifyProgress()
		}
	}
}

// resolve finds the resident allocation holding size bytes at addr
func (e *Engine) resolve(addr memory.GpuAddress, size int) (*memory.GraphicsAllocation, int, error) {
	alloc, offset, ok := e.manager.FindAllocation(addr)
	if !ok {
		return nil, 0, faultf("no allocation at %s", addr)
	}
	if offset+size > alloc.Size() {
		return nil, 0, faultf("%d bytes at %s overrun %s", size, addr, alloc)
	}

	taskCount, ok := alloc.ResidencyTaskCount(e.contextID)
	if !ok || taskCount < e.executing {
		return nil, 0, faultf("%s is not resident for task count %d", alloc, e.executing)
	}
	return alloc, offset, nil
}

func (e *Engine) resolveAligned(addr memory.GpuAddress, width int) (*memory.GraphicsAllocation, int, error) {
	alloc, offset, err := e.resolve(addr, width)
	if err != nil {
		return nil, 0, err
	}
	if offset%width != 0 {
		return nil, 0, faultf("%d-byte access at %s is misaligned", width, addr)
	}
	return alloc, offset, nil
}

func (e *Engine) tick() uint64 {
	return e.ticks.Add(1)
}

// Destroy stops the engine goroutine, abandoning queued submissions, and frees the context's
// allocations
func (e *Engine) Destroy() {
	e.logger.Debug("Engine::Destroy")

	e.submitMutex.Lock()
	if e.destroyed {
		e.submitMutex.Unlock()
		return
	}
	e.destroyed = true
	e.submitMutex.Unlock()

	e.cancel()
	_ = e.group.Wait()

	if pending := e.taskCount.Load() - e.CompletedTaskCount(); pending > 0 && !e.hang.Load() {
		e.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED SUBMISSIONS]",
			slog.Uint64("count", pending))
	}

	e.manager.FreeGraphicsMemory(e.tag)
	e.manager.FreeGraphicsMemory(e.preemption)
	e.manager.FreeGraphicsMemory(e.globalHeap)
	e.preemption = nil
	e.globalHeap = nil
}
