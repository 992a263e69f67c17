package cmdlist

import (
	"context"

	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/container"
	"github.com/zekit/zecore/device"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/stream"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// Executor submits the commands an immediate list has just recorded. Command queues implement it.
type Executor interface {
	ExecuteImmediate(ctx context.Context, list *CommandList) (ze.Result, error)
}

// Desc configures New. The zero value is a regular out-of-order compute list on engine 0.
type Desc struct {
	EngineOrdinal int
	// CopyOnly lists accept memory operations and synchronization only
	CopyOnly bool
	// InOrder chains every operation behind the previous one through a device counter
	InOrder bool
	// PartitionCount replicates each kernel dispatch across partitions; zero means one
	PartitionCount int
	// Executor makes the list immediate: every append is handed to it as soon as it is recorded
	Executor Executor
	// SharedHeaps makes an immediate list reserve heap space from its engine's shared heaps
	SharedHeaps bool
}

type counterSignal struct {
	event    *event.Event
	relative uint64
}

type scratchBinding struct {
	address memory.GpuAddress
	base    memory.GpuAddress
	bound   bool
}

// CommandList records operations into a command container. It is not safe for concurrent use.
type CommandList struct {
	logger   *slog.Logger
	device   *device.Device
	family   *encoder.Family
	settings config.Settings
	policy   event.SignalPolicy

	engineOrdinal  int
	copyOnly       bool
	partitionCount int
	heapModel      sba.HeapAddressModel
	sbaTracking    bool
	primaryMode    bool
	executor       Executor

	container container.CommandContainer
	inOrder   *event.InOrderExecInfo

	closed       bool
	destroyed    bool
	closeSite    container.PatchSite
	hasCloseSite bool
	// flushStart is where the commands an immediate list has not yet submitted begin
	flushStart memory.GpuAddress

	patches        []CommandToPatch
	counterSignals []counterSignal
	stateUsage     StateUsage
	scratch        scratchBinding

	surfaceStates []sba.SurfaceStates
	bindingTables []uint64

	containsAssert bool
	usesIndirect   bool
	printfKernels  []kernel.KernelHandle

	submitted          bool
	lastTaskCount      uint64
	nextSubmissionBase uint64
}

func New(dev *device.Device, desc Desc) (*CommandList, error) {
	logger := dev.Logger()
	logger.Debug("CommandList::New")

	engine, err := dev.Engine(desc.EngineOrdinal)
	if err != nil {
		return nil, err
	}

	family := dev.Family()
	settings := dev.Settings()

	partitionCount := desc.PartitionCount
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if partitionCount > family.Caps.MaxPartitionCount {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "%s supports at most %d partitions, not %d", family.Name, family.Caps.MaxPartitionCount, partitionCount)
	}

	heapModel, err := sba.SelectModel(family, settings.SelectCmdListHeapAddressModel)
	if err != nil {
		return nil, err
	}

	immediate := desc.Executor != nil
	cl := &CommandList{
		logger:         logger,
		device:         dev,
		family:         family,
		settings:       settings,
		policy:         dev.SignalPolicy(),
		engineOrdinal:  desc.EngineOrdinal,
		copyOnly:       desc.CopyOnly,
		partitionCount: partitionCount,
		heapModel:      heapModel,
		sbaTracking:    immediate || config.Override(settings.EnableStateBaseAddressTracking, false),
		primaryMode:    !immediate && config.Override(settings.DispatchCmdListBatchBufferAsPrimary, false),
		executor:       desc.Executor,
	}

	options := container.InitOptions{
		Logger:           logger,
		Manager:          dev.Manager(),
		Family:           family,
		Settings:         settings,
		RootDeviceIndex:  dev.RootDeviceIndex(),
		ReusableList:     dev.ReusableList(),
		IsAllocationIdle: dev.IsAllocationIdle,
		RequireHeaps:     !desc.CopyOnly,
		ImmediateCmdList: immediate,
		SBATracking:      cl.sbaTracking,
		HeapModel:        heapModel,
	}
	if immediate && desc.SharedHeaps && !desc.CopyOnly {
		options.SharedHeaps, err = dev.SharedHeaps(engine)
		if err != nil {
			return nil, err
		}
	}
	if err := cl.container.Initialize(options); err != nil {
		return nil, err
	}

	if desc.InOrder {
		cl.inOrder, err = event.NewInOrderExecInfo(event.InOrderOptions{
			Manager:         dev.Manager(),
			Family:          family,
			RootDeviceIndex: dev.RootDeviceIndex(),
			PartitionCount:  partitionCount,
			Regular:         !immediate,
		})
		if err != nil {
			cl.container.Destroy()
			return nil, ze.Errorf(ze.ErrorOutOfDeviceMemory, "allocating in-order counter: %v", err)
		}
		cl.container.AddToResidencyContainer(cl.inOrder.Allocation())
	}

	cl.flushStart = cl.container.CommandStream().CurrentGpuAddress()
	return cl, nil
}

func (cl *CommandList) Device() *device.Device                 { return cl.device }
func (cl *CommandList) EngineOrdinal() int                     { return cl.engineOrdinal }
func (cl *CommandList) IsCopyOnly() bool                       { return cl.copyOnly }
func (cl *CommandList) IsImmediate() bool                      { return cl.executor != nil }
func (cl *CommandList) IsClosed() bool                         { return cl.closed }
func (cl *CommandList) IsDestroyed() bool                      { return cl.destroyed }
func (cl *CommandList) IsPrimary() bool                        { return cl.primaryMode }
func (cl *CommandList) PartitionCount() int                    { return cl.partitionCount }
func (cl *CommandList) HeapModel() sba.HeapAddressModel        { return cl.heapModel }
func (cl *CommandList) Container() *container.CommandContainer { return &cl.container }
func (cl *CommandList) Residency() *memory.ResidencyContainer  { return cl.container.Residency() }
func (cl *CommandList) InOrder() *event.InOrderExecInfo        { return cl.inOrder }
func (cl *CommandList) StateUsage() StateUsage                 { return cl.stateUsage }
func (cl *CommandList) ContainsAssert() bool                   { return cl.containsAssert }
func (cl *CommandList) UsesIndirectAllocations() bool          { return cl.usesIndirect }
func (cl *CommandList) PrintfKernels() []kernel.KernelHandle   { return cl.printfKernels }
func (cl *CommandList) LastTaskCount() uint64                  { return cl.lastTaskCount }
func (cl *CommandList) CommandBuffers() []*memory.GraphicsAllocation {
	return cl.container.CommandBuffers()
}

// StartAddress is where execution of the list begins. For immediate lists it is the first command
// not yet submitted.
func (cl *CommandList) StartAddress() memory.GpuAddress {
	if cl.IsImmediate() {
		return cl.flushStart
	}
	return cl.container.CommandBuffers()[0].GpuAddress()
}

func (cl *CommandList) checkRecordable() error {
	if cl.destroyed {
		return ze.Errorf(ze.ErrorInvalidNullHandle, "command list was destroyed")
	}
	if cl.closed {
		return ze.Errorf(ze.ErrorInvalidArgument, "command list is closed")
	}
	return nil
}

type recordingMark struct {
	buffers        int
	used           int
	patches        int
	counterSignals int
	surfaceStates  int
	bindingTables  int
	stateUsage     StateUsage
	dirty          [stream.NumHeapTypes]bool
}

func (cl *CommandList) mark() recordingMark {
	m := recordingMark{
		buffers:        len(cl.container.CommandBuffers()),
		used:           cl.container.CommandStream().Used(),
		patches:        len(cl.patches),
		counterSignals: len(cl.counterSignals),
		surfaceStates:  len(cl.surfaceStates),
		bindingTables:  len(cl.bindingTables),
		stateUsage:     cl.stateUsage,
	}
	for heapType := stream.HeapType(0); heapType < stream.NumHeapTypes; heapType++ {
		m.dirty[heapType] = cl.container.IsHeapDirty(heapType)
	}
	return m
}

// rollback drops whatever a failed append recorded after m. Commands already chained into a new
// buffer stay, which is harmless: nothing jumps to them before the next append overwrites them.
func (cl *CommandList) rollback(m recordingMark) {
	if len(cl.container.CommandBuffers()) == m.buffers {
		cl.container.CommandStream().Rewind(m.used)
	}
	cl.patches = cl.patches[:m.patches]
	cl.counterSignals = cl.counterSignals[:m.counterSignals]

	globalHeaps := cl.device.GlobalHeaps()
	for _, states := range cl.surfaceStates[m.surfaceStates:] {
		globalHeaps.FreeSurfaceStates(states)
	}
	cl.surfaceStates = cl.surfaceStates[:m.surfaceStates]
	for _, offset := range cl.bindingTables[m.bindingTables:] {
		globalHeaps.FreeBindingTable(offset)
	}
	cl.bindingTables = cl.bindingTables[:m.bindingTables]

	cl.stateUsage = m.stateUsage
	cl.container.SetDirtyStateForAllHeaps(false)
	for heapType, dirty := range m.dirty {
		if dirty {
			cl.container.SetHeapDirty(stream.HeapType(heapType))
		}
	}
}

// lockShared takes the shared heap lock for an immediate list. A caller further up the stack that
// already holds it under the context's token keeps it, and the returned release does nothing.
func (cl *CommandList) lockShared(ctx context.Context) (context.Context, func()) {
	shared := cl.container.SharedHeaps()
	if shared == nil {
		return ctx, func() {}
	}

	token, ok := utils.LockTokenFromContext(ctx)
	if !ok {
		token = utils.NewLockToken()
		ctx = utils.ContextWithLockToken(ctx, token)
	}
	if !shared.Lock(token) {
		return ctx, func() {}
	}
	return ctx, shared.Unlock
}

// record runs encode as one append: the recording is rolled back if encode fails, and an
// immediate list submits it right away
func (cl *CommandList) record(ctx context.Context, encode func() error) (ze.Result, error) {
	ctx, unlock := cl.lockShared(ctx)
	defer unlock()

	m := cl.mark()
	if err := encode(); err != nil {
		cl.rollback(m)
		return ze.Fail(err)
	}

	if cl.IsImmediate() {
		return cl.flushImmediate(ctx)
	}
	return ze.Success, nil
}

func (cl *CommandList) flushImmediate(ctx context.Context) (ze.Result, error) {
	end, err := cl.container.CommandStream().GetSpace(encoder.BatchBufferEndSize)
	if err != nil {
		return ze.Fail(err)
	}
	encoder.EncodeBatchBufferEnd(end)

	result, err := cl.executor.ExecuteImmediate(ctx, cl)

	cl.flushStart = cl.container.CommandStream().CurrentGpuAddress()
	cl.stateUsage = StateUsage{}
	return result, err
}

// RecycleImmediate returns every command buffer but the primary one once the engine has finished
// with them. The caller must have waited for every submission of the list.
func (cl *CommandList) RecycleImmediate() error {
	if !cl.IsImmediate() {
		return ze.Errorf(ze.ErrorInvalidArgument, "only immediate lists are recycled")
	}
	cl.logger.Debug("CommandList::RecycleImmediate")

	cl.releaseSurfaces()
	if err := cl.container.Reset(); err != nil {
		return err
	}
	if cl.inOrder != nil {
		cl.container.AddToResidencyContainer(cl.inOrder.Allocation())
	}
	cl.patches = cl.patches[:0]
	cl.printfKernels = cl.printfKernels[:0]
	cl.flushStart = cl.container.CommandStream().CurrentGpuAddress()
	return nil
}

// Close terminates the recording. Closing a closed list does nothing; immediate lists are never
// closed.
func (cl *CommandList) Close() (ze.Result, error) {
	if cl.destroyed {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "command list was destroyed"))
	}
	if cl.closed || cl.IsImmediate() {
		return ze.Success, nil
	}
	cl.logger.Debug("CommandList::Close")

	if cl.primaryMode {
		data, site, err := cl.container.GetCommandSpace(encoder.BatchBufferStartSize)
		if err != nil {
			return ze.Fail(err)
		}
		encoder.BatchBufferStart{}.Encode(data)
		cl.closeSite = site
		cl.hasCloseSite = true
	} else {
		end, err := cl.container.CommandStream().GetSpace(encoder.BatchBufferEndSize)
		if err != nil {
			return ze.Fail(err)
		}
		encoder.EncodeBatchBufferEnd(end)
	}

	if !cl.container.CommandStream().ValidateOverfetch() {
		return ze.Fail(ze.Errorf(ze.ErrorUnknown, "command buffer overfetch marker was overwritten"))
	}

	cl.closed = true
	return ze.Success, nil
}

// PatchReturnAddress points the jump that ends a list dispatched as a primary batch buffer at
// address
func (cl *CommandList) PatchReturnAddress(address memory.GpuAddress) error {
	if !cl.hasCloseSite {
		return ze.Errorf(ze.ErrorInvalidArgument, "list does not end with a return jump")
	}

	cmd, err := cl.container.Resolve(cl.closeSite, encoder.BatchBufferStartSize)
	if err != nil {
		return err
	}
	encoder.BatchBufferStart{Address: address}.Encode(cmd)
	return nil
}

func (cl *CommandList) releaseSurfaces() {
	globalHeaps := cl.device.GlobalHeaps()
	for _, states := range cl.surfaceStates {
		globalHeaps.FreeSurfaceStates(states)
	}
	cl.surfaceStates = cl.surfaceStates[:0]
	for _, offset := range cl.bindingTables {
		globalHeaps.FreeBindingTable(offset)
	}
	cl.bindingTables = cl.bindingTables[:0]
}

// Reset empties the list for a new recording
func (cl *CommandList) Reset() (ze.Result, error) {
	if cl.destroyed {
		return ze.Fail(ze.Errorf(ze.ErrorInvalidNullHandle, "command list was destroyed"))
	}
	cl.logger.Debug("CommandList::Reset")

	cl.releaseSurfaces()
	if err := cl.container.Reset(); err != nil {
		return ze.Fail(err)
	}

	cl.closed = false
	cl.hasCloseSite = false
	cl.patches = cl.patches[:0]
	cl.counterSignals = cl.counterSignals[:0]
	cl.stateUsage = StateUsage{}
	cl.scratch = scratchBinding{}
	cl.containsAssert = false
	cl.usesIndirect = false
	cl.printfKernels = cl.printfKernels[:0]
	cl.submitted = false
	cl.lastTaskCount = 0
	cl.nextSubmissionBase = 0

	if cl.inOrder != nil {
		cl.inOrder.Reset()
		cl.container.AddToResidencyContainer(cl.inOrder.Allocation())
	}
	cl.flushStart = cl.container.CommandStream().CurrentGpuAddress()
	return ze.Success, nil
}

// Destroy releases the list's buffers, heaps and counter
func (cl *CommandList) Destroy() {
	if cl.destroyed {
		return
	}
	cl.logger.Debug("CommandList::Destroy")
	cl.destroyed = true

	cl.releaseSurfaces()
	cl.container.Destroy()
	if cl.inOrder != nil {
		cl.inOrder.Destroy()
		cl.inOrder = nil
	}
}
