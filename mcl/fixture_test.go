package mcl_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/cmdqueue"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/csr/sim"
	"github.com/zekit/zecore/device"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/internal/utils"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/mcl"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
)

const (
	valueOffset      = 8
	globalSizeOffset = 16
)

// store writes its value argument and the x global size to its buffer argument. twice writes the
// doubled value.
func storeDescriptor(name string) kernel.Descriptor {
	desc := kernel.NewDescriptor(name, 16, 64)
	desc.GlobalWorkSizeOffset = globalSizeOffset
	desc.Args = []kernel.ArgDescriptor{
		{Kind: kernel.ArgBuffer, PayloadOffset: 0, Size: 8, SurfaceIndex: -1},
		{Kind: kernel.ArgValue, PayloadOffset: valueOffset, Size: 4, SurfaceIndex: -1},
	}
	return desc
}

func testBinary() *kernel.Binary {
	scratch := storeDescriptor("scratch")
	scratch.ScratchPointerOffset = 24
	scratch.ScratchSize = 0x1000

	// misplaced puts its scratch pointer past the end of the inline data
	misplaced := storeDescriptor("misplaced")
	misplaced.ScratchPointerOffset = 28
	misplaced.ScratchSize = 0x1000

	return &kernel.Binary{
		Kernels: []kernel.KernelBinary{
			{Descriptor: storeDescriptor("store"), Isa: sim.Isa("store")},
			{Descriptor: storeDescriptor("twice"), Isa: sim.Isa("twice")},
			{Descriptor: scratch, Isa: sim.Isa("scratch")},
			{Descriptor: misplaced, Isa: sim.Isa("misplaced")},
		},
	}
}

func store(scale uint32) func(d *sim.Dispatch) error {
	return func(d *sim.Dispatch) error {
		dst := memory.GpuAddress(d.PayloadUint64(0))
		if err := d.Memory.Store32(dst, scale*d.PayloadUint32(valueOffset)); err != nil {
			return err
		}
		return d.Memory.Store32(dst+4, d.PayloadUint32(globalSizeOffset))
	}
}

func registerKernels(registry *sim.KernelRegistry) {
	registry.Register("store", store(1))
	registry.Register("twice", store(2))
	registry.Register("scratch", func(d *sim.Dispatch) error {
		dst := memory.GpuAddress(d.PayloadUint64(0))
		return d.Memory.Store64(dst, d.InlineUint64(24))
	})
}

type fixture struct {
	device *device.Device
	module *kernel.Module
	queue  *cmdqueue.CommandQueue
}

func newFixture(t *testing.T, configure func(*config.Settings)) *fixture {
	settings := config.Defaults()
	settings.PollInterval = 10 * time.Microsecond
	if configure != nil {
		configure(&settings)
	}

	dev, err := device.New(device.CreateOptions{
		Product:  encoder.ProductXeHpc,
		Settings: &settings,
	})
	require.NoError(t, err)
	t.Cleanup(dev.Destroy)
	registerKernels(dev.Kernels())

	module, err := dev.CreateModule(context.Background(), kernel.ModuleOptions{Binary: testBinary()})
	require.NoError(t, err)
	t.Cleanup(module.Destroy)

	queue, err := cmdqueue.New(dev, cmdqueue.Desc{})
	require.NoError(t, err)
	t.Cleanup(queue.Destroy)

	return &fixture{device: dev, module: module, queue: queue}
}

func (f *fixture) buffer(t *testing.T) memory.GpuAddress {
	ptr, err := f.device.USM().AllocateDeviceMemory(f.device.RootDeviceIndex(), memutils.PageSize, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.device.USM().Free(ptr) })
	return ptr
}

func (f *fixture) allocation(t *testing.T, ptr memory.GpuAddress) *memory.GraphicsAllocation {
	alloc, ok := f.device.USM().FindAllocation(ptr)
	require.True(t, ok)
	return alloc
}

func (f *fixture) read32(t *testing.T, ptr memory.GpuAddress) uint32 {
	alloc := f.allocation(t, ptr)
	return alloc.Load32(int(ptr - alloc.GpuAddress()))
}

func (f *fixture) read64(t *testing.T, ptr memory.GpuAddress) uint64 {
	alloc := f.allocation(t, ptr)
	return alloc.Load64(int(ptr - alloc.GpuAddress()))
}

func (f *fixture) kernel(t *testing.T, name string, dst memory.GpuAddress, value uint32) *kernel.Kernel {
	k, err := f.module.CreateKernel(name)
	require.NoError(t, err)
	t.Cleanup(k.Destroy)

	require.NoError(t, k.SetArgumentBuffer(0, dst))
	require.NoError(t, k.SetArgumentValue(1, 4, dword(value)))
	return k
}

func (f *fixture) list(t *testing.T) *mcl.CommandList {
	list, err := mcl.New(f.device, cmdlist.Desc{})
	require.NoError(t, err)
	t.Cleanup(list.Destroy)
	return list
}

func (f *fixture) events(t *testing.T, count int) []*event.Event {
	pool, err := f.device.CreateEventPool(event.PoolFlagHostVisible, count)
	require.NoError(t, err)

	events := make([]*event.Event, count)
	for i := range events {
		events[i], err = pool.CreateEvent(event.EventDesc{Index: i, Signal: event.ScopeDevice, Wait: event.ScopeHost})
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		for _, e := range events {
			e.Destroy()
		}
		pool.Destroy()
	})
	return events
}

// execute runs list once and waits for it
func (f *fixture) execute(t *testing.T, list *mcl.CommandList) {
	ctx := context.Background()
	_, err := f.queue.ExecuteCommandLists(ctx, []*cmdlist.CommandList{list.CommandList}, nil)
	require.NoError(t, err)
	_, err = f.queue.Synchronize(ctx, utils.InfiniteTimeout)
	require.NoError(t, err)
}

func dword(value uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, value)
}

func qword(value uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, value)
}
