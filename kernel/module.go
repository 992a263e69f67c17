package kernel

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/ze"
	"golang.org/x/exp/slog"
)

// IsaAlignment is the alignment of every kernel's instructions within the module's ISA allocation
const IsaAlignment = 64

// ModuleOptions configures NewModule
type ModuleOptions struct {
	Logger          *slog.Logger
	Manager         memory.Manager
	USM             *memory.UnifiedMemoryManager
	RootDeviceIndex uint32

	// Translator compiles IL. It is not consulted when Binary is set.
	Translator Translator
	IL         []byte
	BuildFlags string
	// Binary is an already translated module
	Binary *Binary
}

type moduleKernel struct {
	desc      Descriptor
	isaOffset int
	isaSize   int
}

type kernelSlot struct {
	kernel     *Kernel
	generation uint64
}

// Module owns one translated binary: the ISA allocation every kernel executes from and the
// kernels created from it. It holds its kernels strongly; anything else that needs to reach a
// kernel without keeping it alive holds a KernelHandle.
type Module struct {
	logger          *slog.Logger
	manager         memory.Manager
	usm             *memory.UnifiedMemoryManager
	rootDeviceIndex uint32

	isa      *memory.GraphicsAllocation
	kernels  []moduleKernel
	byName   *swiss.Map[string, int]
	buildLog string

	mutex     sync.Mutex
	slots     []kernelSlot
	freeSlots []int
}

func NewModule(ctx context.Context, options ModuleOptions) (*Module, error) {
	logger := options.Logger
	if logger == nil {
		logger = memory.DiscardLogger()
	}
	logger.Debug("Module::NewModule")

	binary := options.Binary
	if binary == nil {
		if options.Translator == nil {
			return nil, ze.Errorf(ze.ErrorInvalidNullHandle, "a module needs a binary or a translator")
		}

		var err error
		binary, err = options.Translator.Translate(ctx, options.IL, options.BuildFlags)
		if err != nil {
			return nil, ze.Errorf(ze.ErrorInvalidArgument, "module translation failed: %v", err)
		}
	}
	if len(binary.Kernels) == 0 {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "module binary holds no kernels")
	}

	m := &Module{
		logger:          logger,
		manager:         options.Manager,
		usm:             options.USM,
		rootDeviceIndex: options.RootDeviceIndex,
		byName:          swiss.NewMap[string, int](uint32(len(binary.Kernels))),
		buildLog:        binary.BuildLog,
	}

	isaSize := 0
	for _, kernelBinary := range binary.Kernels {
		if _, exists := m.byName.Get(kernelBinary.Descriptor.Name); exists {
			return nil, ze.Errorf(ze.ErrorInvalidArgument, "module binary defines kernel %q twice", kernelBinary.Descriptor.Name)
		}
		if len(kernelBinary.Isa) == 0 {
			return nil, ze.Errorf(ze.ErrorInvalidArgument, "kernel %q has no instructions", kernelBinary.Descriptor.Name)
		}

		m.byName.Put(kernelBinary.Descriptor.Name, len(m.kernels))
		m.kernels = append(m.kernels, moduleKernel{
			desc:      kernelBinary.Descriptor,
			isaOffset: isaSize,
			isaSize:   len(kernelBinary.Isa),
		})
		isaSize = memutils.AlignUp(isaSize+len(kernelBinary.Isa), IsaAlignment)
	}

	isa, err := options.Manager.AllocateGraphicsMemory(memory.AllocationProperties{
		RootDeviceIndex: options.RootDeviceIndex,
		Size:            isaSize,
		Type:            memory.AllocationTypeKernelIsa,
		Pool:            memory.MemoryPoolLocal,
	})
	if err != nil {
		return nil, err
	}
	m.isa = isa

	for i, kernelBinary := range binary.Kernels {
		copy(isa.Bytes()[m.kernels[i].isaOffset:], kernelBinary.Isa)
	}

	return m, nil
}

func (m *Module) IsaAllocation() *memory.GraphicsAllocation { return m.isa }
func (m *Module) BuildLog() string                          { return m.buildLog }

// KernelNames lists the module's kernels in binary order
func (m *Module) KernelNames() []string {
	names := make([]string, 0, len(m.kernels))
	for _, k := range m.kernels {
		names = append(names, k.desc.Name)
	}
	return names
}

// CreateKernel instantiates the kernel named name with its own argument state
func (m *Module) CreateKernel(name string) (*Kernel, error) {
	index, ok := m.byName.Get(name)
	if !ok {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "module has no kernel named %q", name)
	}
	info := &m.kernels[index]

	k := &Kernel{
		module:          m,
		desc:            &info.desc,
		isaAddress:      m.isa.GpuAddress() + memory.GpuAddress(info.isaOffset),
		isaSize:         info.isaSize,
		groupSize:       [3]uint32{1, 1, 1},
		crossThreadData: make([]byte, info.desc.CrossThreadDataSize),
		args:            make([]argState, len(info.desc.Args)),
	}
	for i := range k.args {
		k.args[i].address = UndefinedAddress
	}

	if info.desc.UsesPrintf {
		printf, err := newPrintfBuffer(m.manager, m.rootDeviceIndex)
		if err != nil {
			return nil, err
		}
		k.printf = printf
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	slot := len(m.slots)
	if len(m.freeSlots) > 0 {
		slot = m.freeSlots[len(m.freeSlots)-1]
		m.freeSlots = m.freeSlots[:len(m.freeSlots)-1]
	} else {
		m.slots = append(m.slots, kernelSlot{})
	}
	m.slots[slot].kernel = k
	k.handle = KernelHandle{module: m, slot: slot, generation: m.slots[slot].generation}

	return k, nil
}

func (m *Module) releaseKernel(handle KernelHandle) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	slot := &m.slots[handle.slot]
	if slot.generation != handle.generation || slot.kernel == nil {
		panic(errors.Newf("kernel slot %d released twice", handle.slot))
	}
	slot.kernel = nil
	slot.generation++
	m.freeSlots = append(m.freeSlots, handle.slot)
}

// LiveKernelCount returns the number of kernels created and not yet destroyed
func (m *Module) LiveKernelCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.slots) - len(m.freeSlots)
}

// Destroy frees the ISA allocation. Kernels still alive are reported and destroyed.
func (m *Module) Destroy() {
	m.mutex.Lock()
	var live []*Kernel
	for _, slot := range m.slots {
		if slot.kernel != nil {
			live = append(live, slot.kernel)
		}
	}
	m.mutex.Unlock()

	for _, k := range live {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED KERNEL]",
			slog.String("name", k.desc.Name))
		k.Destroy()
	}

	m.manager.FreeGraphicsMemory(m.isa)
	m.isa = nil
}

// KernelHandle refers to a kernel without keeping it alive. Get fails once the kernel is
// destroyed, even if its slot has since been reused.
type KernelHandle struct {
	module     *Module
	slot       int
	generation uint64
}

func (h KernelHandle) Get() (*Kernel, bool) {
	if h.module == nil {
		return nil, false
	}

	h.module.mutex.Lock()
	defer h.module.mutex.Unlock()

	if h.slot >= len(h.module.slots) {
		return nil, false
	}
	slot := h.module.slots[h.slot]
	if slot.generation != h.generation || slot.kernel == nil {
		return nil, false
	}
	return slot.kernel, true
}
