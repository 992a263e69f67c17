package kernel

import "fmt"

// Undefined marks a descriptor offset the kernel does not use
const Undefined = ^uint32(0)

// UndefinedAddress is the resolved address of a buffer argument explicitly set to null. Zero is a
// legitimate address and cannot serve as the sentinel.
const UndefinedAddress = ^uint64(0)

// MaxGroupSize is the largest number of work items one group may have
const MaxGroupSize = 1024

type ArgKind uint8

const (
	ArgBuffer ArgKind = iota
	ArgValue
	ArgSlmBuffer
)

var argKindMapping = map[ArgKind]string{
	ArgBuffer:    "ArgBuffer",
	ArgValue:     "ArgValue",
	ArgSlmBuffer: "ArgSlmBuffer",
}

func (k ArgKind) String() string {
	str, ok := argKindMapping[k]
	if !ok {
		return fmt.Sprintf("ArgKind(%d)", uint8(k))
	}
	return str
}

// ArgDescriptor describes where one kernel argument lives in the cross thread data
type ArgDescriptor struct {
	Kind ArgKind
	// PayloadOffset receives the pointer, the value, or the SLM offset
	PayloadOffset uint32
	// Size is the value size for ArgValue and 8 for the other kinds
	Size uint32
	// SurfaceIndex is the binding table index of a stateful buffer, or -1
	SurfaceIndex int
	// SlmAlignment aligns an ArgSlmBuffer within shared local memory
	SlmAlignment uint32
}

// Descriptor is the compiler's description of one kernel. It is immutable once the module is built.
type Descriptor struct {
	Name     string
	SimdSize uint32

	CrossThreadDataSize  uint32
	WorkDimOffset        uint32
	GroupCountOffset     uint32
	GlobalWorkSizeOffset uint32
	LocalWorkSizeOffset  uint32
	GlobalOffsetOffset   uint32
	PrintfBufferOffset   uint32
	AssertBufferOffset   uint32

	// ScratchPointerOffset is the offset into the walker's inline data that receives the scratch
	// address, or Undefined when the kernel needs no scratch
	ScratchPointerOffset uint32
	ScratchSize          uint32
	SlmSize              uint32

	Args []ArgDescriptor

	UsesPrintf bool
	HasAssert  bool
	// HasIndirectAccess means the kernel may dereference pointers not passed as arguments, so every
	// unified memory allocation must be resident when it runs
	HasIndirectAccess bool
}

// UsesScratch reports whether the kernel needs a scratch pointer
func (d *Descriptor) UsesScratch() bool {
	return d.ScratchPointerOffset != Undefined
}

// SurfaceCount is the number of binding table entries the kernel uses
func (d *Descriptor) SurfaceCount() int {
	count := 0
	for _, arg := range d.Args {
		if arg.Kind == ArgBuffer && arg.SurfaceIndex+1 > count {
			count = arg.SurfaceIndex + 1
		}
	}
	return count
}

// NewDescriptor returns a descriptor for a kernel that reads no implicit arguments. Callers fill in
// the offsets the kernel does use.
func NewDescriptor(name string, simdSize uint32, crossThreadDataSize uint32) Descriptor {
	return Descriptor{
		Name:                 name,
		SimdSize:             simdSize,
		CrossThreadDataSize:  crossThreadDataSize,
		WorkDimOffset:        Undefined,
		GroupCountOffset:     Undefined,
		GlobalWorkSizeOffset: Undefined,
		LocalWorkSizeOffset:  Undefined,
		GlobalOffsetOffset:   Undefined,
		PrintfBufferOffset:   Undefined,
		AssertBufferOffset:   Undefined,
		ScratchPointerOffset: Undefined,
	}
}
