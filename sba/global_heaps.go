package sba

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/memutils/metadata"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

const (
	// BindingTableSize is the size of one global binding table slot
	BindingTableSize = 256
	// BindingTableEntrySize is the size of one binding table entry
	BindingTableEntrySize = 4
	// MaxBindingTableEntries is the number of entries one slot holds
	MaxBindingTableEntries = BindingTableSize / BindingTableEntrySize
)

// GlobalHeapsOptions configures the context-wide heaps used by the global heap address models
type GlobalHeapsOptions struct {
	Logger          *slog.Logger
	Manager         memory.Manager
	RootDeviceIndex uint32
	// HeapSize is the size of the global surface state heap
	HeapSize int
	// BindingTableSlots is the number of binding tables reserved at the start of the heap
	BindingTableSlots int
	// SurfaceStateSize is the size and alignment of one surface state
	SurfaceStateSize int
}

// SurfaceStates is a run of surface states allocated from the global heap
type SurfaceStates struct {
	// Offset is relative to the global heap's flat base, which is what commands encode
	Offset uint64
	Count  int
	Data   []byte

	handle metadata.BlockAllocationHandle
}

// GlobalHeaps owns the global surface state heap. The bindless region is suballocated with a TLSF
// allocator; the bindful region is a set of fixed-size binding table slots. Freed slots are only
// recycled once the fresh slots run out, and every recycle bumps the generation so that engine
// contexts reload state base address before reading reused tables.
type GlobalHeaps struct {
	logger  *slog.Logger
	manager memory.Manager

	mutex      sync.Mutex
	heap       *memory.GraphicsAllocation
	stateSize  int
	bindless   *metadata.TLSFMetadata
	regionBase int

	slotCount  int
	nextFresh  int
	released   []int
	available  []int
	generation uint64
}

func NewGlobalHeaps(options GlobalHeapsOptions) (*GlobalHeaps, error) {
	logger := options.Logger
	if logger == nil {
		logger = memory.DiscardLogger()
	}
	if options.SurfaceStateSize <= 0 {
		return nil, ze.Errorf(ze.ErrorInvalidSize, "invalid surface state size %d", options.SurfaceStateSize)
	}

	bindingTableBytes := memutils.AlignUp(options.BindingTableSlots*BindingTableSize, memutils.PageSize)
	if bindingTableBytes >= options.HeapSize {
		return nil, ze.Errorf(ze.ErrorInvalidSize, "binding table region of %d bytes does not fit a %d byte heap", bindingTableBytes, options.HeapSize)
	}

	heap, err := options.Manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: options.RootDeviceIndex,
		Size:            options.HeapSize,
		Type:            memory.AllocationTypeGlobalSurfaceStateHeap,
		Pool:            memory.MemoryPoolLocal,
	})
	if err != nil {
		return nil, err
	}

	bindless := metadata.NewTLSFMetadata()
	bindless.Init(heap.Size() - bindingTableBytes)

	return &GlobalHeaps{
		logger:     logger,
		manager:    options.Manager,
		heap:       heap,
		stateSize:  options.SurfaceStateSize,
		bindless:   bindless,
		regionBase: bindingTableBytes,
		slotCount:  options.BindingTableSlots,
	}, nil
}

// Allocation returns the heap allocation, which must be resident for every submission that uses a
// global model
func (h *GlobalHeaps) Allocation() *memory.GraphicsAllocation { return h.heap }

// SurfaceStateBase is the flat base all heap offsets are relative to
func (h *GlobalHeaps) SurfaceStateBase() memory.GpuAddress { return h.heap.GpuBaseAddress() }

// Generation changes every time freed binding table slots are recycled
func (h *GlobalHeaps) Generation() uint64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.generation
}

func (h *GlobalHeaps) heapOffset(local int) uint64 {
	return uint64(h.heap.GpuAddressToPatch()) + uint64(local)
}

// AllocateSurfaceStates reserves count consecutive surface states in the bindless region
func (h *GlobalHeaps) AllocateSurfaceStates(count int) (SurfaceStates, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	size := count * h.stateSize
	success, request, err := h.bindless.CreateAllocationRequest(size, uint(h.stateSize), metadata.AllocationStrategyMinTime)
	if err != nil {
		return SurfaceStates{}, ze.Errorf(ze.ErrorInvalidSize, "%v", err)
	}
	if !success {
		return SurfaceStates{}, ze.Errorf(ze.ErrorOutOfDeviceMemory, "global surface state heap cannot fit %d surface states", count)
	}

	handle, err := h.bindless.Alloc(request, nil)
	if err != nil {
		return SurfaceStates{}, errors.Wrap(err, "committing surface state allocation")
	}
	memutils.DebugValidate(h.bindless)

	local := h.regionBase + request.Offset
	return SurfaceStates{
		Offset: h.heapOffset(local),
		Count:  count,
		Data:   h.heap.Bytes()[local : local+size],
		handle: handle,
	}, nil
}

// FreeSurfaceStates returns surface states to the bindless region
func (h *GlobalHeaps) FreeSurfaceStates(states SurfaceStates) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.bindless.Free(states.handle)
	if err != nil {
		panic(errors.Wrap(err, "freeing global surface states"))
	}
}

// AllocateBindingTable hands out one binding table slot. The returned offset is relative to the
// flat base, and the returned slice is the slot's host view.
func (h *GlobalHeaps) AllocateBindingTable() (uint64, []byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var slot int
	switch {
	case len(h.available) > 0:
		slot = h.available[len(h.available)-1]
		h.available = h.available[:len(h.available)-1]
	case h.nextFresh < h.slotCount:
		slot = h.nextFresh
		h.nextFresh++
	case len(h.released) > 0:
		h.available, h.released = h.released, h.available[:0]
		h.generation++
		h.logger.LogAttrs(context.Background(), slog.LevelDebug, "GlobalHeaps::AllocateBindingTable recycled slots",
			slog.Int("count", len(h.available)),
			slog.Uint64("generation", h.generation))

		slot = h.available[len(h.available)-1]
		h.available = h.available[:len(h.available)-1]
	default:
		return 0, nil, ze.Errorf(ze.ErrorOutOfDeviceMemory, "all %d global binding tables are in use", h.slotCount)
	}

	local := slot * BindingTableSize
	return h.heapOffset(local), h.heap.Bytes()[local : local+BindingTableSize], nil
}

// FreeBindingTable releases a slot returned by AllocateBindingTable
func (h *GlobalHeaps) FreeBindingTable(offset uint64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	local := int(offset - uint64(h.heap.GpuAddressToPatch()))
	if local < 0 || local%BindingTableSize != 0 || local/BindingTableSize >= h.slotCount {
		panic(errors.Newf("offset %d is not a global binding table slot", offset))
	}
	h.released = append(h.released, local/BindingTableSize)
}

// Contribute fills the fields of state that the global heap owns for model
func (h *GlobalHeaps) Contribute(model HeapAddressModel, state *State) {
	if !model.UsesGlobalSurfaceHeap() {
		return
	}

	state.SurfaceStateBase = h.SurfaceStateBase()
	state.SurfaceStateHeapSize = uint32(4 * memutils.GB / memutils.PageSize)
	state.BindlessSurfaceBase = h.SurfaceStateBase()
	if model == GlobalBindful {
		state.Generation = h.Generation()
	}
}

func (h *GlobalHeaps) WriteJSON(json *jwriter.ObjectState) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	json.Name("GlobalHeap").String(h.heap.String())
	json.Name("BindingTableSlots").Int(h.slotCount)
	json.Name("FreshBindingTables").Int(h.slotCount - h.nextFresh)
	json.Name("ReleasedBindingTables").Int(len(h.released))
	json.Name("Generation").Int(int(h.generation))

	bindless := json.Name("Bindless").Object()
	h.bindless.WriteJSON(&bindless)
	bindless.End()
}

// Destroy frees the heap. Live surface states are reported, not freed individually.
func (h *GlobalHeaps) Destroy() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if count := h.bindless.AllocationCount(); count > 0 {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED GLOBAL SURFACE STATES]",
			slog.Int("count", count))
	}

	h.manager.FreeGraphicsMemory(h.heap)
	h.heap = nil
}
