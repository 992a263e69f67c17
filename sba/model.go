package sba

import (
	"fmt"

	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/ze"
)

// HeapAddressModel decides which heaps a command list's commands address and how often state base
// address programming is needed. It is fixed when a command list is created.
type HeapAddressModel uint8

const (
	// PrivateHeaps gives each command list its own heaps. State base address is reprogrammed
	// whenever the list's heaps differ from the programmed ones.
	PrivateHeaps HeapAddressModel = iota
	// GlobalStateless shares one flat heap per context; state base address is programmed once
	GlobalStateless
	// GlobalBindless additionally places surface states in the process-wide global heap
	GlobalBindless
	// GlobalBindful additionally hands out binding tables from a recycled free list in the global
	// heap; recycling forces state base address to be reloaded
	GlobalBindful

	heapAddressModelCount
)

var heapAddressModelMapping = map[HeapAddressModel]string{
	PrivateHeaps:    "PrivateHeaps",
	GlobalStateless: "GlobalStateless",
	GlobalBindless:  "GlobalBindless",
	GlobalBindful:   "GlobalBindful",
}

func (m HeapAddressModel) String() string {
	str, ok := heapAddressModelMapping[m]
	if !ok {
		return fmt.Sprintf("HeapAddressModel(%d)", uint8(m))
	}
	return str
}

// IsGlobal reports whether commands of this model address context-wide heaps
func (m HeapAddressModel) IsGlobal() bool {
	return m != PrivateHeaps
}

// UsesGlobalSurfaceHeap reports whether surface states come from GlobalHeaps
func (m HeapAddressModel) UsesGlobalSurfaceHeap() bool {
	return m == GlobalBindless || m == GlobalBindful
}

// SelectModel resolves the heap address model for a new command list. override is the settings
// value, where -1 selects the family default.
func SelectModel(family *encoder.Family, override int) (HeapAddressModel, error) {
	if override >= 0 {
		if override >= int(heapAddressModelCount) {
			return 0, ze.Errorf(ze.ErrorInvalidEnumeration, "heap address model override %d", override)
		}
		return HeapAddressModel(override), nil
	}

	if family.Caps.HeaplessMode {
		return GlobalStateless, nil
	}
	return PrivateHeaps, nil
}
