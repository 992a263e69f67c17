package sba

import (
	"sync"

	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/memory"
)

// State is one complete state base address programming
type State struct {
	GeneralStateBase     memory.GpuAddress
	SurfaceStateBase     memory.GpuAddress
	DynamicStateBase     memory.GpuAddress
	IndirectObjectBase   memory.GpuAddress
	InstructionBase      memory.GpuAddress
	BindlessSurfaceBase  memory.GpuAddress
	SurfaceStateHeapSize uint32
	DynamicStateHeapSize uint32

	// Generation is not programmed. It changes whenever the global binding table region is
	// recycled so that otherwise identical states still compare unequal.
	Generation uint64
}

// Command builds the command that programs s
func (s State) Command() encoder.StateBaseAddress {
	return encoder.StateBaseAddress{
		GeneralStateBase:     s.GeneralStateBase,
		SurfaceStateBase:     s.SurfaceStateBase,
		DynamicStateBase:     s.DynamicStateBase,
		IndirectObjectBase:   s.IndirectObjectBase,
		InstructionBase:      s.InstructionBase,
		BindlessSurfaceBase:  s.BindlessSurfaceBase,
		SurfaceStateHeapSize: s.SurfaceStateHeapSize,
		DynamicStateHeapSize: s.DynamicStateHeapSize,
	}
}

// Encode writes the programming command for s into dst
func (s State) Encode(dst []byte) {
	s.Command().Encode(dst)
}

// Tracker remembers what state base address an engine context currently has programmed
type Tracker struct {
	mutex      sync.Mutex
	programmed State
	valid      bool
	emitted    int
}

// NeedsProgramming reports whether required differs from the programmed state
func (t *Tracker) NeedsProgramming(required State) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return !t.valid || t.programmed != required
}

// Update records that a list leaves the context programmed with final. The return value reports
// whether the tracked state changed.
func (t *Tracker) Update(final State) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	changed := !t.valid || t.programmed != final
	t.programmed = final
	t.valid = true
	return changed
}

// Program is NeedsProgramming followed by Update. It returns true when the caller must emit the
// programming command for required.
func (t *Tracker) Program(required State) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.valid && t.programmed == required {
		return false
	}

	t.programmed = required
	t.valid = true
	t.emitted++
	return true
}

// Invalidate forgets the programmed state, forcing the next Program to emit
func (t *Tracker) Invalidate() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.valid = false
}

// Programmed returns the tracked state and whether it is known
func (t *Tracker) Programmed() (State, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.programmed, t.valid
}

// EmitCount returns how many times Program asked for a programming command
func (t *Tracker) EmitCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.emitted
}
