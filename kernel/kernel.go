package kernel

import (
	"encoding/binary"

	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
	"github.com/zekit/zecore/ze"
)

type argState struct {
	// address is the resolved GPU address of a buffer argument, UndefinedAddress when unset or null
	address uint64
	alloc   *memory.GraphicsAllocation
	slmSize uint32
	set     bool
}

// Kernel is one instance of a module kernel with its own dispatch parameters and argument values.
// It is not safe for concurrent use.
type Kernel struct {
	module *Module
	handle KernelHandle
	desc   *Descriptor

	isaAddress memory.GpuAddress
	isaSize    int

	groupSize    [3]uint32
	globalOffset [3]uint32

	crossThreadData []byte
	args            []argState
	printf          *printfBuffer
	destroyed       bool
}

func (k *Kernel) Descriptor() *Descriptor                      { return k.desc }
func (k *Kernel) Name() string                                 { return k.desc.Name }
func (k *Kernel) Module() *Module                              { return k.module }
func (k *Kernel) Handle() KernelHandle                         { return k.handle }
func (k *Kernel) IsaAddress() memory.GpuAddress                { return k.isaAddress }
func (k *Kernel) IsaSize() int                                 { return k.isaSize }
func (k *Kernel) IsaAllocation() *memory.GraphicsAllocation    { return k.module.isa }
func (k *Kernel) GroupSize() [3]uint32                         { return k.groupSize }
func (k *Kernel) GlobalOffset() [3]uint32                      { return k.globalOffset }
func (k *Kernel) PayloadSize() int                             { return len(k.crossThreadData) }
func (k *Kernel) PrintfAllocation() *memory.GraphicsAllocation { return k.printf.allocation() }

// SetGroupSize sets the number of work items per group in each dimension
func (k *Kernel) SetGroupSize(x, y, z uint32) error {
	if x == 0 || y == 0 || z == 0 {
		return ze.Errorf(ze.ErrorInvalidGroupSize, "group size %dx%dx%d has an empty dimension", x, y, z)
	}
	if uint64(x)*uint64(y)*uint64(z) > MaxGroupSize {
		return ze.Errorf(ze.ErrorInvalidGroupSize, "group size %dx%dx%d exceeds %d work items", x, y, z, MaxGroupSize)
	}

	k.groupSize = [3]uint32{x, y, z}
	return nil
}

func (k *Kernel) SetGlobalOffset(x, y, z uint32) {
	k.globalOffset = [3]uint32{x, y, z}
}

func (k *Kernel) arg(index int) (*ArgDescriptor, error) {
	if index < 0 || index >= len(k.desc.Args) {
		return nil, ze.Errorf(ze.ErrorInvalidArgument, "kernel %q has no argument %d", k.desc.Name, index)
	}
	return &k.desc.Args[index], nil
}

// SetArgumentValue sets argument index. Buffer arguments take the 8-byte pointer in value, or a nil
// value for a null buffer; SLM arguments take a nil value and their size in size; value arguments
// take exactly the declared number of bytes.
func (k *Kernel) SetArgumentValue(index int, size int, value []byte) error {
	desc, err := k.arg(index)
	if err != nil {
		return err
	}

	switch desc.Kind {
	case ArgBuffer:
		if value == nil {
			k.setBuffer(index, desc, UndefinedAddress, nil)
			return nil
		}
		if size != 8 || len(value) != 8 {
			return ze.Errorf(ze.ErrorInvalidSize, "buffer argument %d takes an 8-byte pointer, not %d bytes", index, size)
		}
		return k.SetArgumentBuffer(index, memory.GpuAddress(binary.LittleEndian.Uint64(value)))
	case ArgValue:
		if value == nil || size != int(desc.Size) || len(value) != size {
			return ze.Errorf(ze.ErrorInvalidSize, "value argument %d takes %d bytes, not %d", index, desc.Size, size)
		}
		copy(k.crossThreadData[desc.PayloadOffset:], value)
		k.args[index].set = true
		return nil
	case ArgSlmBuffer:
		if value != nil || size <= 0 {
			return ze.Errorf(ze.ErrorInvalidArgument, "shared local memory argument %d takes a size and no value", index)
		}
		k.args[index].slmSize = uint32(size)
		k.args[index].set = true
		return nil
	}

	return ze.Errorf(ze.ErrorInvalidEnumeration, "argument %d has unknown kind %s", index, desc.Kind)
}

// SetArgumentBuffer binds a unified memory pointer, or an internal allocation address, to buffer
// argument index
func (k *Kernel) SetArgumentBuffer(index int, ptr memory.GpuAddress) error {
	desc, err := k.arg(index)
	if err != nil {
		return err
	}
	if desc.Kind != ArgBuffer {
		return ze.Errorf(ze.ErrorInvalidArgument, "argument %d is %s, not a buffer", index, desc.Kind)
	}

	var alloc *memory.GraphicsAllocation
	var found bool
	if k.module.usm != nil {
		alloc, found = k.module.usm.FindAllocation(ptr)
	}
	if !found {
		alloc, _, found = k.module.manager.FindAllocation(ptr)
	}
	if !found {
		return ze.Errorf(ze.ErrorInvalidArgument, "%s is not a device accessible pointer", ptr)
	}

	k.setBuffer(index, desc, uint64(ptr), alloc)
	return nil
}

// setBuffer records a buffer argument. A null buffer keeps UndefinedAddress as its recorded
// address while the payload, which the kernel reads, carries zero.
func (k *Kernel) setBuffer(index int, desc *ArgDescriptor, address uint64, alloc *memory.GraphicsAllocation) {
	payload := address
	if address == UndefinedAddress {
		payload = 0
	}
	binary.LittleEndian.PutUint64(k.crossThreadData[desc.PayloadOffset:], payload)

	k.args[index] = argState{address: address, alloc: alloc, set: true}
}

// ArgBuffer returns the resolved address and allocation of buffer argument index
func (k *Kernel) ArgBuffer(index int) (uint64, *memory.GraphicsAllocation) {
	if index < 0 || index >= len(k.args) {
		return UndefinedAddress, nil
	}
	return k.args[index].address, k.args[index].alloc
}

// ArgSlmSize returns the size bound to SLM argument index
func (k *Kernel) ArgSlmSize(index int) uint32 {
	if index < 0 || index >= len(k.args) {
		return 0
	}
	return k.args[index].slmSize
}

// ArgsSet reports whether every argument has a value
func (k *Kernel) ArgsSet() bool {
	for _, arg := range k.args {
		if !arg.set {
			return false
		}
	}
	return true
}

// SlmTotalSize is the static SLM plus every SLM argument, each aligned as declared
func (k *Kernel) SlmTotalSize() uint32 {
	total := k.desc.SlmSize
	for i, desc := range k.desc.Args {
		if desc.Kind != ArgSlmBuffer {
			continue
		}
		total = memutils.AlignUp(total, slmAlignment(desc)) + k.args[i].slmSize
	}
	return total
}

func slmAlignment(desc ArgDescriptor) uint32 {
	if desc.SlmAlignment == 0 {
		return 16
	}
	return desc.SlmAlignment
}

// WorkDim derives the dimensionality a dispatch reports to the kernel from the global size
func WorkDim(groupCount [3]uint32, groupSize [3]uint32) uint32 {
	switch {
	case uint64(groupCount[2])*uint64(groupSize[2]) > 1:
		return 3
	case uint64(groupCount[1])*uint64(groupSize[1]) > 1:
		return 2
	}
	return 1
}

// DispatchInfo is the per-dispatch input to BuildPayload
type DispatchInfo struct {
	GroupCount   [3]uint32
	AssertBuffer memory.GpuAddress
}

func putUint32(dst []byte, offset uint32, value uint32) {
	if offset == Undefined || int(offset)+4 > len(dst) {
		return
	}
	binary.LittleEndian.PutUint32(dst[offset:], value)
}

func putUint64(dst []byte, offset uint32, value uint64) {
	if offset == Undefined || int(offset)+8 > len(dst) {
		return
	}
	binary.LittleEndian.PutUint64(dst[offset:], value)
}

func putVector(dst []byte, offset uint32, value [3]uint32) {
	if offset == Undefined {
		return
	}
	for i := uint32(0); i < 3; i++ {
		putUint32(dst, offset+4*i, value[i])
	}
}

// BuildPayload writes the kernel's cross thread data for one dispatch into dst, which must be at
// least PayloadSize bytes
func (k *Kernel) BuildPayload(dst []byte, info DispatchInfo) {
	copy(dst, k.crossThreadData)

	var global [3]uint32
	for i := range global {
		global[i] = info.GroupCount[i] * k.groupSize[i]
	}

	putVector(dst, k.desc.GroupCountOffset, info.GroupCount)
	putVector(dst, k.desc.GlobalWorkSizeOffset, global)
	putVector(dst, k.desc.LocalWorkSizeOffset, k.groupSize)
	putVector(dst, k.desc.GlobalOffsetOffset, k.globalOffset)
	putUint32(dst, k.desc.WorkDimOffset, WorkDim(info.GroupCount, k.groupSize))

	slmOffset := k.desc.SlmSize
	for i, desc := range k.desc.Args {
		if desc.Kind != ArgSlmBuffer {
			continue
		}
		slmOffset = memutils.AlignUp(slmOffset, slmAlignment(desc))
		putUint32(dst, desc.PayloadOffset, slmOffset)
		slmOffset += k.args[i].slmSize
	}

	if k.printf != nil {
		putUint64(dst, k.desc.PrintfBufferOffset, uint64(k.printf.alloc.GpuAddress()))
	}
	if k.desc.HasAssert {
		putUint64(dst, k.desc.AssertBufferOffset, uint64(info.AssertBuffer))
	}
}

// AddToResidency adds every allocation a dispatch of the kernel references
func (k *Kernel) AddToResidency(residency *memory.ResidencyContainer) {
	residency.Add(k.module.isa)
	for _, arg := range k.args {
		if arg.alloc != nil {
			residency.Add(arg.alloc)
		}
	}
	if k.printf != nil {
		residency.Add(k.printf.alloc)
	}
}

// Destroy releases the kernel. Handles to it stop resolving.
func (k *Kernel) Destroy() {
	if k.destroyed {
		return
	}
	k.destroyed = true

	if k.printf != nil {
		k.printf.free(k.module.manager)
	}
	k.module.releaseKernel(k.handle)
}
