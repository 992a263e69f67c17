package cmdlist

import (
	"context"
	"encoding/binary"

	"github.com/zekit/zecore/container"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/sba"
	"github.com/zekit/zecore/stream"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// LaunchOptions reserve room in a dispatch for later rewrites. The zero value sizes everything for
// the kernel being launched.
type LaunchOptions struct {
	Signal *event.Event
	Waits  []*event.Event

	// PayloadSize is the cross thread data capacity to reserve, at least the kernel's own
	PayloadSize int
	// IsaSize is the instruction length to prefetch, at least the kernel's own
	IsaSize int
	// SurfaceCount is the number of surface states to reserve, at least the kernel's own
	SurfaceCount int
	// MutableWaits gives each packet event a wait for every packet it could ever use
	MutableWaits bool
	// SkipKernelResidency leaves the kernel's allocations out of the list's residency; the caller
	// tracks them
	SkipKernelResidency bool
	// ScratchEntry records a scratch entry even when the kernel needs no scratch
	ScratchEntry bool
}

type surfaceBinding struct {
	count int
	// pointer is the binding table pointer the walker encodes
	pointer uint32
	// statesOffset is the heap offset of the first surface state, as binding table entries encode
	statesOffset uint64
	states       container.HeapSpace
	global       sba.SurfaceStates
	globalTable  []byte
}

// Launch records where one dispatch lives so it can be rewritten after recording
type Launch struct {
	Kernel     *kernel.Kernel
	GroupCount [3]uint32

	Walker          container.PatchSite
	Payload         container.HeapSpace
	PayloadCapacity int
	IsaCapacity     int

	Signal        *event.Event
	SignalPatches []int
	Waits         []*event.Event
	WaitPatches   [][]int

	// ScratchPatch, PrefetchPatch and CounterPatch index the patch table, or are -1
	ScratchPatch  int
	PrefetchPatch int
	CounterPatch  int

	Partitions int

	surfaces surfaceBinding
}

func (cl *CommandList) validateLaunch(k *kernel.Kernel, opts *LaunchOptions) error {
	if cl.copyOnly {
		return ze.Errorf(ze.ErrorUnsupportedFeature, "copy lists cannot launch kernels")
	}
	if k == nil {
		return ze.Errorf(ze.ErrorInvalidNullHandle, "kernel is nil")
	}
	if !k.ArgsSet() {
		return ze.Errorf(ze.ErrorInvalidArgument, "kernel %s has unset arguments", k.Name())
	}

	desc := k.Descriptor()
	if desc.UsesScratch() && int(desc.ScratchPointerOffset)+8 > cl.family.Caps.InlineDataSize {
		return ze.Errorf(ze.ErrorInvalidArgument, "kernel %s places its scratch pointer outside the inline data", k.Name())
	}

	surfaces := opts.SurfaceCount
	if count := desc.SurfaceCount(); count > surfaces {
		surfaces = count
	}
	if cl.heapModel == sba.GlobalBindful && surfaces > sba.MaxBindingTableEntries {
		return ze.Errorf(ze.ErrorInvalidArgument, "kernel %s binds %d surfaces, a binding table holds %d", k.Name(), surfaces, sba.MaxBindingTableEntries)
	}

	if err := cl.validateSignal(opts.Signal, event.OperationKernel); err != nil {
		return err
	}
	return validateWaits(opts.Waits)
}

// reserveSurfaces places surface states and a binding table for count surfaces according to the
// heap address model
func (cl *CommandList) reserveSurfaces(count int) (surfaceBinding, error) {
	binding := surfaceBinding{count: count}
	if count == 0 {
		return binding, nil
	}
	stateSize := cl.family.Caps.SurfaceStateSize

	switch cl.heapModel {
	case sba.PrivateHeaps:
		space, err := cl.container.AllocateHeapSpace(stream.HeapSurfaceState, count*(stateSize+sba.BindingTableEntrySize), stateSize)
		if err != nil {
			return binding, err
		}
		binding.states = space
		binding.statesOffset = space.Offset
		binding.pointer = uint32(space.Offset) + uint32(count*stateSize)
	case sba.GlobalBindless:
		states, err := cl.device.GlobalHeaps().AllocateSurfaceStates(count)
		if err != nil {
			return binding, err
		}
		cl.surfaceStates = append(cl.surfaceStates, states)
		binding.global = states
		binding.statesOffset = states.Offset
		binding.pointer = uint32(states.Offset)
	case sba.GlobalBindful:
		states, err := cl.device.GlobalHeaps().AllocateSurfaceStates(count)
		if err != nil {
			return binding, err
		}
		cl.surfaceStates = append(cl.surfaceStates, states)

		offset, table, err := cl.device.GlobalHeaps().AllocateBindingTable()
		if err != nil {
			return binding, err
		}
		cl.bindingTables = append(cl.bindingTables, offset)
		binding.global = states
		binding.globalTable = table
		binding.statesOffset = states.Offset
		binding.pointer = uint32(offset)
	}

	if cl.heapModel.UsesGlobalSurfaceHeap() {
		cl.container.AddToResidencyContainer(cl.device.GlobalHeaps().Allocation())
	}
	return binding, nil
}

// writeSurfaces encodes a surface state for every stateful buffer argument of k and points the
// binding table at them
func (cl *CommandList) writeSurfaces(binding *surfaceBinding, k *kernel.Kernel) error {
	if binding.count == 0 {
		return nil
	}
	stateSize := cl.family.Caps.SurfaceStateSize

	var states, table []byte
	switch {
	case binding.global.Count > 0:
		states = binding.global.Data
		table = binding.globalTable
	default:
		data, err := cl.container.Resolve(binding.states.Site, binding.count*(stateSize+sba.BindingTableEntrySize))
		if err != nil {
			return err
		}
		states = data[:binding.count*stateSize]
		table = data[binding.count*stateSize:]
	}

	for i := range states {
		states[i] = 0
	}
	for i, arg := range k.Descriptor().Args {
		if arg.Kind != kernel.ArgBuffer || arg.SurfaceIndex < 0 || arg.SurfaceIndex >= binding.count {
			continue
		}
		address, alloc := k.ArgBuffer(i)
		if address == kernel.UndefinedAddress {
			continue
		}

		state := encoder.SurfaceState{Address: memory.GpuAddress(address)}
		if alloc != nil {
			state.Size = uint32(alloc.Size())
		}
		state.Encode(states[arg.SurfaceIndex*stateSize:])
	}

	if table != nil {
		for i := 0; i < binding.count; i++ {
			entry := uint32(binding.statesOffset) + uint32(i*stateSize)
			binary.LittleEndian.PutUint32(table[i*sba.BindingTableEntrySize:], entry)
		}
	}
	return nil
}

func (cl *CommandList) payloadAddress(payload container.HeapSpace) (uint64, encoder.WalkerFlags) {
	if cl.heapModel == sba.PrivateHeaps {
		return payload.Offset, 0
	}
	return uint64(payload.GpuAddress), encoder.WalkerIndirectDataAbsolute
}

// walkerFor builds the walker dispatching k over groupCount. The post-sync is left to the caller.
func (cl *CommandList) walkerFor(k *kernel.Kernel, groupCount [3]uint32, payload container.HeapSpace, payloadData []byte, bindingTable uint32) encoder.ComputeWalker {
	desc := k.Descriptor()
	start, flags := cl.payloadAddress(payload)

	walker := encoder.ComputeWalker{
		BindingTablePointer: bindingTable,
		KernelStartAddress:  k.IsaAddress(),
		IndirectDataStart:   start,
		IndirectDataLength:  uint32(k.PayloadSize()),
		GroupCount:          groupCount,
		GroupSize:           k.GroupSize(),
		SimdSize:            desc.SimdSize,
		PartitionCount:      uint32(cl.partitionCount),
		Flags:               flags,
		SlmSize:             k.SlmTotalSize(),
	}
	if desc.UsesScratch() {
		walker.Flags |= encoder.WalkerEmitInlineData
		walker.InlineData = append([]byte(nil), payloadData[:min(len(payloadData), cl.family.Caps.InlineDataSize)]...)
	}
	return walker
}

func (cl *CommandList) buildPayload(k *kernel.Kernel, groupCount [3]uint32, data []byte) {
	for i := range data {
		data[i] = 0
	}
	k.BuildPayload(data, kernel.DispatchInfo{
		GroupCount:   groupCount,
		AssertBuffer: cl.device.AssertAllocation().GpuAddress(),
	})
}

// AppendLaunchKernel dispatches k over groupCount work groups
func (cl *CommandList) AppendLaunchKernel(ctx context.Context, k *kernel.Kernel, groupCount [3]uint32, signal *event.Event, waits []*event.Event) (ze.Result, error) {
	_, result, err := cl.Launch(ctx, k, groupCount, LaunchOptions{Signal: signal, Waits: waits})
	return result, err
}

// Launch dispatches k and returns where the dispatch was recorded
func (cl *CommandList) Launch(ctx context.Context, k *kernel.Kernel, groupCount [3]uint32, opts LaunchOptions) (*Launch, ze.Result, error) {
	if k != nil {
		cl.logger.LogAttrs(context.Background(), slog.LevelDebug, "CommandList::Launch",
			slog.String("kernel", k.Name()),
			slog.Any("groupCount", groupCount))
	}

	if err := cl.checkRecordable(); err != nil {
		return nil, ze.ResultFromError(err), err
	}
	if err := cl.validateLaunch(k, &opts); err != nil {
		return nil, ze.ResultFromError(err), err
	}

	var launch *Launch
	result, err := cl.record(ctx, func() error {
		var err error
		launch, err = cl.encodeLaunch(k, groupCount, &opts)
		return err
	})
	if err != nil {
		return nil, result, err
	}
	return launch, result, nil
}

func (cl *CommandList) encodeLaunch(k *kernel.Kernel, groupCount [3]uint32, opts *LaunchOptions) (*Launch, error) {
	desc := k.Descriptor()
	signal := opts.Signal

	launch := &Launch{
		Kernel:          k,
		GroupCount:      groupCount,
		PayloadCapacity: max(opts.PayloadSize, k.PayloadSize()),
		IsaCapacity:     max(opts.IsaSize, k.IsaSize()),
		Signal:          signal,
		Waits:           append([]*event.Event(nil), opts.Waits...),
		ScratchPatch:    -1,
		PrefetchPatch:   -1,
		CounterPatch:    -1,
		Partitions:      cl.partitionCount,
	}

	var err error
	launch.WaitPatches, err = cl.emitWaits(opts.Waits, opts.MutableWaits)
	if err != nil {
		return nil, err
	}
	if err := cl.emitInOrderWait(); err != nil {
		return nil, err
	}

	alignment := cl.family.Caps.IndirectDataAlignment
	launch.Payload, err = cl.container.AllocateHeapSpace(stream.HeapIndirectObject, memutils.AlignUp(max(launch.PayloadCapacity, 1), alignment), alignment)
	if err != nil {
		return nil, err
	}

	launch.surfaces, err = cl.reserveSurfaces(max(opts.SurfaceCount, desc.SurfaceCount()))
	if err != nil {
		return nil, err
	}
	if err := cl.writeSurfaces(&launch.surfaces, k); err != nil {
		return nil, err
	}

	if err := cl.programState(); err != nil {
		return nil, err
	}

	payload := launch.Payload.Data[:launch.PayloadCapacity]
	cl.buildPayload(k, groupCount, payload)

	if cl.settings.EnableKernelPrefetch {
		prefetch := encoder.StatePrefetch{Address: k.IsaAddress(), Size: uint32(launch.IsaCapacity)}
		site, err := cl.emit(encoder.StatePrefetchSize, prefetch.Encode)
		if err != nil {
			return nil, err
		}
		launch.PrefetchPatch = cl.addPatch(CommandToPatch{
			Kind:  PrefetchKernelMemory,
			Site:  site,
			Value: uint64(k.IsaAddress()),
			Size:  uint32(launch.IsaCapacity),
		})
	}

	packetSignal := signal != nil && !signal.IsCounterBased()
	var plan event.SignalPlan
	if packetSignal {
		plan = cl.policy.PlanSignal(signal, event.OperationKernel, cl.partitionCount)
		cl.container.AddToResidencyContainer(signal.Allocation())
	}

	walker := cl.walkerFor(k, groupCount, launch.Payload, payload, launch.surfaces.pointer)
	var walkerPatch *CommandToPatch
	switch {
	case packetSignal && !plan.Compact:
		walker.PostSync.Op = encoder.PostSyncWriteImmediate
		if signal.IsTimestamp() {
			walker.PostSync.Op = encoder.PostSyncWriteTimestamp
		}
		walker.PostSync.Address = signalAddress(signal, 0, walker.PostSync.Op)
		walker.PostSync.Data = uint64(event.StateSignaled)
		walkerPatch = &CommandToPatch{Kind: SignalEventWalkerPostSync, Event: signal}
	case !packetSignal && cl.inOrder != nil:
		walker.PostSync.Op = encoder.PostSyncWriteImmediate
		walker.PostSync.Address = cl.inOrder.CounterAddress()
		walker.PostSync.Data = cl.inOrder.Base() + cl.inOrder.RelativeValue() + 1
		walkerPatch = &CommandToPatch{Kind: InOrderCounterWalkerPostSync, Value: cl.inOrder.RelativeValue() + 1}
	}

	var walkerData []byte
	walkerData, launch.Walker, err = cl.container.GetCommandSpace(cl.family.WalkerSize())
	if err != nil {
		return nil, err
	}
	cl.family.EncodeWalker(walkerData, &walker)
	if walkerPatch != nil {
		walkerPatch.Site = launch.Walker
		index := cl.addPatch(*walkerPatch)
		if walkerPatch.Kind == SignalEventWalkerPostSync {
			launch.SignalPatches = append(launch.SignalPatches, index)
		} else {
			launch.CounterPatch = index
		}
	}

	if packetSignal {
		if plan.FlushPacket >= 0 {
			pc := encoder.PipeControl{
				Flags:         encoder.PipeControlDcFlush | encoder.PipeControlCommandStreamerStall,
				PostSync:      encoder.PostSyncWriteImmediate,
				Address:       signal.CompletionAddress(plan.FlushPacket),
				ImmediateData: uint64(event.StateSignaled),
			}
			if plan.Compact && signal.IsTimestamp() {
				pc.PostSync = encoder.PostSyncWriteTimestamp
				pc.Address = signal.PacketAddress(plan.FlushPacket)
			}
			if cl.partitionCount > 1 && !plan.Compact {
				pc.Flags |= encoder.PipeControlWorkloadPartitionWrite
				pc.PartitionCount = uint32(cl.partitionCount)
			}

			site, err := cl.emit(encoder.PipeControlSize, pc.Encode)
			if err != nil {
				return nil, err
			}
			launch.SignalPatches = append(launch.SignalPatches, cl.addPatch(CommandToPatch{
				Kind:   SignalEventPostSyncPipeControl,
				Site:   site,
				Event:  signal,
				Packet: plan.FlushPacket,
			}))
		}

		fill, err := cl.emitFill(signal, plan)
		if err != nil {
			return nil, err
		}
		launch.SignalPatches = append(launch.SignalPatches, fill...)
		signal.ApplySignal(plan)
	}

	if signal != nil && signal.IsAggregated() {
		cl.container.AddToResidencyContainer(signal.Allocation())
		add, err := cl.emitAggregatedSignal(signal)
		if err != nil {
			return nil, err
		}
		launch.SignalPatches = append(launch.SignalPatches, add...)
	}

	if cl.inOrder != nil {
		if packetSignal {
			if err := cl.emitCounterPipeControl(); err != nil {
				return nil, err
			}
			launch.CounterPatch = len(cl.patches) - 1
		} else {
			cl.inOrder.Advance()
		}
		cl.assignCounterSignal(signal)
	}

	if desc.UsesScratch() || opts.ScratchEntry {
		entry := CommandToPatch{
			Kind:   PatchComputeWalkerInlineDataScratch,
			Site:   launch.Walker,
			Offset: desc.ScratchPointerOffset,
			Size:   desc.ScratchSize,
		}
		if cl.scratch.bound {
			entry.Value = uint64(cl.scratch.address + cl.scratch.base)
		}
		launch.ScratchPatch = cl.addPatch(entry)
		if cl.scratch.bound && entry.IsScratchDefined() {
			if err := cl.applyPatch(&cl.patches[launch.ScratchPatch]); err != nil {
				return nil, err
			}
		}
	}

	if !opts.SkipKernelResidency {
		k.AddToResidency(cl.container.Residency())
	}
	cl.trackKernel(k)
	return launch, nil
}

// ValidateRewrite reports whether RewriteLaunch can switch launch to k. It changes nothing.
func (cl *CommandList) ValidateRewrite(launch *Launch, k *kernel.Kernel) error {
	if k == nil {
		return ze.Errorf(ze.ErrorInvalidNullHandle, "kernel is nil")
	}
	if !k.ArgsSet() {
		return ze.Errorf(ze.ErrorInvalidArgument, "kernel %s has unset arguments", k.Name())
	}
	desc := k.Descriptor()
	if k.PayloadSize() > launch.PayloadCapacity {
		return ze.Errorf(ze.ErrorInvalidSize, "kernel %s needs %d bytes of cross thread data, the dispatch reserved %d", k.Name(), k.PayloadSize(), launch.PayloadCapacity)
	}
	if desc.SurfaceCount() > launch.surfaces.count {
		return ze.Errorf(ze.ErrorInvalidSize, "kernel %s binds %d surfaces, the dispatch reserved %d", k.Name(), desc.SurfaceCount(), launch.surfaces.count)
	}
	if desc.UsesScratch() && launch.ScratchPatch < 0 {
		return ze.Errorf(ze.ErrorInvalidArgument, "kernel %s needs scratch, the dispatch has no scratch entry", k.Name())
	}
	if desc.UsesScratch() && int(desc.ScratchPointerOffset)+8 > cl.family.Caps.InlineDataSize {
		return ze.Errorf(ze.ErrorInvalidArgument, "kernel %s places its scratch pointer outside the inline data", k.Name())
	}
	return nil
}

// RewriteLaunch re-encodes a recorded dispatch for k and launch.GroupCount. The post-sync of the
// walker and every other command of the dispatch are kept. k must pass ValidateRewrite; its
// residency is left to the caller.
func (cl *CommandList) RewriteLaunch(launch *Launch, k *kernel.Kernel) error {
	if err := cl.ValidateRewrite(launch, k); err != nil {
		return err
	}
	desc := k.Descriptor()

	payload, err := cl.container.Resolve(launch.Payload.Site, launch.PayloadCapacity)
	if err != nil {
		return err
	}
	cl.buildPayload(k, launch.GroupCount, payload)

	if err := cl.writeSurfaces(&launch.surfaces, k); err != nil {
		return err
	}

	cmd, err := cl.container.Resolve(launch.Walker, cl.family.WalkerSize())
	if err != nil {
		return err
	}
	previous := encoder.DecodeWalker(cmd)
	walker := cl.walkerFor(k, launch.GroupCount, launch.Payload, payload, launch.surfaces.pointer)
	walker.PostSync = previous.PostSync
	walker.Flags |= previous.Flags & encoder.WalkerL3FlushAfterPostSync
	cl.family.EncodeWalker(cmd, &walker)

	if launch.ScratchPatch >= 0 {
		entry := &cl.patches[launch.ScratchPatch]
		entry.Offset = desc.ScratchPointerOffset
		entry.Size = desc.ScratchSize
		if cl.scratch.bound {
			entry.Value = uint64(cl.scratch.address + cl.scratch.base)
		}
		if cl.scratch.bound && entry.IsScratchDefined() {
			if err := cl.applyPatch(entry); err != nil {
				return err
			}
		}
	}

	if launch.PrefetchPatch >= 0 {
		entry := &cl.patches[launch.PrefetchPatch]
		entry.Value = uint64(k.IsaAddress())
		entry.Size = uint32(max(launch.IsaCapacity, k.IsaSize()))
		if err := cl.applyPatch(entry); err != nil {
			return err
		}
	}

	launch.Kernel = k
	cl.trackKernel(k)
	return nil
}
