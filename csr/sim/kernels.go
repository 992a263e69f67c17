package sim

import (
	"encoding/binary"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/zekit/zecore/memory"
)

// KernelFunc runs one whole dispatch on the host
type KernelFunc func(d *Dispatch) error

// KernelRegistry maps kernel names to the host functions that stand in for their instructions.
// A walker finds its kernel by the NUL terminated name stored at its kernel start address.
type KernelRegistry struct {
	mutex   sync.RWMutex
	kernels *swiss.Map[string, KernelFunc]
}

func NewKernelRegistry() *KernelRegistry {
	return &KernelRegistry{kernels: swiss.NewMap[string, KernelFunc](16)}
}

func (r *KernelRegistry) Register(name string, fn KernelFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.kernels.Put(name, fn)
}

func (r *KernelRegistry) lookup(name string) (KernelFunc, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.kernels.Get(name)
}

// Isa returns instructions that identify a registered kernel to the engine
func Isa(name string) []byte {
	return append([]byte(name), 0)
}

// Dispatch is what a kernel function sees of one walker
type Dispatch struct {
	Name           string
	GroupCount     [3]uint32
	GroupSize      [3]uint32
	PartitionCount uint32
	SlmSize        uint32
	// Payload is the cross thread data the walker points at
	Payload    []byte
	InlineData []byte
	Memory     *Memory
}

func (d *Dispatch) PayloadUint32(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(d.Payload[offset:])
}

func (d *Dispatch) PayloadUint64(offset uint32) uint64 {
	return binary.LittleEndian.Uint64(d.Payload[offset:])
}

func (d *Dispatch) InlineUint64(offset uint32) uint64 {
	return binary.LittleEndian.Uint64(d.InlineData[offset:])
}

// GlobalSize is the number of work items in each dimension
func (d *Dispatch) GlobalSize() [3]uint32 {
	return [3]uint32{
		d.GroupCount[0] * d.GroupSize[0],
		d.GroupCount[1] * d.GroupSize[1],
		d.GroupCount[2] * d.GroupSize[2],
	}
}

// Memory is the engine's view of GPU memory. Every access must land in a resident allocation.
type Memory struct {
	engine *Engine
}

// Slice returns size bytes at addr
func (m *Memory) Slice(addr memory.GpuAddress, size int) ([]byte, error) {
	alloc, offset, err := m.engine.resolve(addr, size)
	if err != nil {
		return nil, err
	}
	return alloc.Bytes()[offset : offset+size], nil
}

func (m *Memory) Load32(addr memory.GpuAddress) (uint32, error) {
	alloc, offset, err := m.engine.resolveAligned(addr, 4)
	if err != nil {
		return 0, err
	}
	return alloc.Load32(offset), nil
}

func (m *Memory) Store32(addr memory.GpuAddress, value uint32) error {
	alloc, offset, err := m.engine.resolveAligned(addr, 4)
	if err != nil {
		return err
	}
	alloc.Store32(offset, value)
	return nil
}

func (m *Memory) Load64(addr memory.GpuAddress) (uint64, error) {
	alloc, offset, err := m.engine.resolveAligned(addr, 8)
	if err != nil {
		return 0, err
	}
	return alloc.Load64(offset), nil
}

func (m *Memory) Store64(addr memory.GpuAddress, value uint64) error {
	alloc, offset, err := m.engine.resolveAligned(addr, 8)
	if err != nil {
		return err
	}
	alloc.Store64(offset, value)
	return nil
}

// Allocation returns the resident allocation containing addr, for kernels that manage a surface
// themselves
func (m *Memory) Allocation(addr memory.GpuAddress) (*memory.GraphicsAllocation, error) {
	alloc, _, err := m.engine.resolve(addr, 1)
	return alloc, err
}
