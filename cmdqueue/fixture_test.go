package cmdqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/zekit/zecore/cmdlist"
	"github.com/zekit/zecore/config"
	"github.com/zekit/zecore/csr/sim"
	"github.com/zekit/zecore/device"
	"github.com/zekit/zecore/encoder"
	"github.com/zekit/zecore/event"
	"github.com/zekit/zecore/kernel"
	"github.com/zekit/zecore/memory"
	"github.com/zekit/zecore/memutils"
)

// The store kernel writes its value argument, the work dimension and the global size to its
// buffer argument
const (
	storeValueOffset      = 8
	storeWorkDimOffset    = 12
	storeGlobalSizeOffset = 16
	storeGroupCountOffset = 28
	storeLocalSizeOffset  = 40
	storePrintfOffset     = 56
	storeAssertOffset     = 64
)

func storeDescriptor(name string) kernel.Descriptor {
	desc := kernel.NewDescriptor(name, 16, 80)
	desc.WorkDimOffset = storeWorkDimOffset
	desc.GlobalWorkSizeOffset = storeGlobalSizeOffset
	desc.GroupCountOffset = storeGroupCountOffset
	desc.LocalWorkSizeOffset = storeLocalSizeOffset
	desc.Args = []kernel.ArgDescriptor{
		{Kind: kernel.ArgBuffer, PayloadOffset: 0, Size: 8, SurfaceIndex: -1},
		{Kind: kernel.ArgValue, PayloadOffset: storeValueOffset, Size: 4, SurfaceIndex: -1},
	}
	return desc
}

func runStore(d *sim.Dispatch) error {
	dst := memory.GpuAddress(d.PayloadUint64(0))
	values := []uint32{
		d.PayloadUint32(storeValueOffset),
		d.PayloadUint32(storeWorkDimOffset),
		d.PayloadUint32(storeGlobalSizeOffset),
		d.PayloadUint32(storeGlobalSizeOffset + 4),
		d.PayloadUint32(storeGlobalSizeOffset + 8),
	}
	for i, value := range values {
		if err := d.Memory.Store32(dst+memory.GpuAddress(4*i), value); err != nil {
			return err
		}
	}
	return nil
}

func testBinary() *kernel.Binary {
	store := storeDescriptor("store")

	printf := storeDescriptor("printf")
	printf.UsesPrintf = true
	printf.PrintfBufferOffset = storePrintfOffset

	assert := storeDescriptor("assert")
	assert.HasAssert = true
	assert.AssertBufferOffset = storeAssertOffset

	scratch := storeDescriptor("scratch")
	scratch.ScratchPointerOffset = 16
	scratch.ScratchSize = 0x2000

	fault := storeDescriptor("fault")

	return &kernel.Binary{
		Kernels: []kernel.KernelBinary{
			{Descriptor: store, Isa: sim.Isa("store")},
			{Descriptor: printf, Isa: sim.Isa("printf")},
			{Descriptor: assert, Isa: sim.Isa("assert")},
			{Descriptor: scratch, Isa: sim.Isa("scratch")},
			{Descriptor: fault, Isa: sim.Isa("fault")},
		},
	}
}

func registerKernels(registry *sim.KernelRegistry) {
	registry.Register("store", runStore)
	registry.Register("printf", func(d *sim.Dispatch) error {
		alloc, err := d.Memory.Allocation(memory.GpuAddress(d.PayloadUint64(storePrintfOffset)))
		if err != nil {
			return err
		}
		if err := kernel.AppendPrintf(alloc, "hello from the device\n"); err != nil {
			return err
		}
		return runStore(d)
	})
	registry.Register("assert", func(d *sim.Dispatch) error {
		alloc, err := d.Memory.Allocation(memory.GpuAddress(d.PayloadUint64(storeAssertOffset)))
		if err != nil {
			return err
		}
		device.RaiseAssert(alloc, "index out of range")
		return runStore(d)
	})
	registry.Register("scratch", func(d *sim.Dispatch) error {
		dst := memory.GpuAddress(d.PayloadUint64(0))
		return d.Memory.Store64(dst, d.InlineUint64(16))
	})
	registry.Register("fault", func(d *sim.Dispatch) error {
		return errors.New("illegal instruction")
	})
}

type fixture struct {
	device *device.Device
	module *kernel.Module
}

func newFixture(t *testing.T, product encoder.ProductFamily, configure func(*config.Settings)) *fixture {
	settings := config.Defaults()
	settings.PollInterval = 10 * time.Microsecond
	if configure != nil {
		configure(&settings)
	}

	dev, err := device.New(device.CreateOptions{
		Product:     product,
		Settings:    &settings,
		EngineCount: 2,
	})
	require.NoError(t, err)
	t.Cleanup(dev.Destroy)
	registerKernels(dev.Kernels())

	module, err := dev.CreateModule(context.Background(), kernel.ModuleOptions{Binary: testBinary()})
	require.NoError(t, err)
	t.Cleanup(module.Destroy)

	return &fixture{device: dev, module: module}
}

func (f *fixture) buffer(t *testing.T) memory.GpuAddress {
	ptr, err := f.device.USM().AllocateDeviceMemory(f.device.RootDeviceIndex(), memutils.PageSize, 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.device.USM().Free(ptr) })
	return ptr
}

func (f *fixture) read32(t *testing.T, ptr memory.GpuAddress) uint32 {
	alloc, ok := f.device.USM().FindAllocation(ptr)
	require.True(t, ok)
	return alloc.Load32(int(ptr - alloc.GpuAddress()))
}

func (f *fixture) read64(t *testing.T, ptr memory.GpuAddress) uint64 {
	alloc, ok := f.device.USM().FindAllocation(ptr)
	require.True(t, ok)
	return alloc.Load64(int(ptr - alloc.GpuAddress()))
}

// kernel instantiates name with dst and value bound
func (f *fixture) kernel(t *testing.T, name string, dst memory.GpuAddress, value uint32) *kernel.Kernel {
	k, err := f.module.CreateKernel(name)
	require.NoError(t, err)
	t.Cleanup(k.Destroy)

	require.NoError(t, k.SetArgumentBuffer(0, dst))
	require.NoError(t, k.SetArgumentValue(1, 4, []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)}))
	return k
}

func (f *fixture) list(t *testing.T, desc cmdlist.Desc) *cmdlist.CommandList {
	list, err := cmdlist.New(f.device, desc)
	require.NoError(t, err)
	t.Cleanup(list.Destroy)
	return list
}

func (f *fixture) events(t *testing.T, flags event.PoolFlags, count int) []*event.Event {
	pool, err := f.device.CreateEventPool(flags, count)
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
